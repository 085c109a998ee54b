// Package api implements the HTTP surface: task CRUD, natural-language
// chat, stats, and the WebSocket notification endpoint. Every route is
// owner scoped.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/taskpilot/taskpilot/internal/agent"
	"github.com/taskpilot/taskpilot/internal/buildinfo"
	"github.com/taskpilot/taskpilot/internal/conversation"
	"github.com/taskpilot/taskpilot/internal/events"
	"github.com/taskpilot/taskpilot/internal/llm"
	"github.com/taskpilot/taskpilot/internal/notify"
	"github.com/taskpilot/taskpilot/internal/task"
)

// MaxChatMessageLen bounds the chat message length in characters.
const MaxChatMessageLen = 4000

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address       string
	port          int
	tasks         *task.Store
	conversations *conversation.Store
	orchestrator  *agent.Orchestrator
	hub           *notify.Hub
	bus           *events.Bus
	auth          *Authenticator
	logger        *slog.Logger
	server        *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, tasks *task.Store, convs *conversation.Store, orch *agent.Orchestrator, hub *notify.Hub, bus *events.Bus, auth *Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:       address,
		port:          port,
		tasks:         tasks,
		conversations: convs,
		orchestrator:  orch,
		hub:           hub,
		bus:           bus,
		auth:          auth,
		logger:        logger,
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /{owner}/chat", s.withOwner(s.handleChat))

	mux.HandleFunc("POST /{owner}/tasks", s.withOwner(s.handleCreateTask))
	mux.HandleFunc("GET /{owner}/tasks", s.withOwner(s.handleListTasks))
	mux.HandleFunc("GET /{owner}/tasks/{id}", s.withOwner(s.handleGetTask))
	mux.HandleFunc("PUT /{owner}/tasks/{id}", s.withOwner(s.handleUpdateTask))
	mux.HandleFunc("POST /{owner}/tasks/{id}/complete", s.withOwner(s.handleCompleteTask))
	mux.HandleFunc("DELETE /{owner}/tasks/{id}", s.withOwner(s.handleDeleteTask))
	mux.HandleFunc("GET /{owner}/stats", s.withOwner(s.handleStats))

	mux.HandleFunc("GET /{owner}/ws", s.withOwner(s.handleWS))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second, // chat turns can take several model round trips
	}

	s.logger.Info("starting API server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// ownerHandler is an http.HandlerFunc that has already passed owner
// authorization.
type ownerHandler func(w http.ResponseWriter, r *http.Request, ownerID string)

// withOwner authenticates the request and checks that the credentials
// match the owner in the path. With auth disabled the path owner is
// trusted directly.
func (s *Server) withOwner(next ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pathOwner := r.PathValue("owner")
		if pathOwner == "" {
			s.errorResponse(w, http.StatusBadRequest, "owner is required")
			return
		}

		if s.auth.Enabled() {
			authOwner, ok := s.auth.OwnerForRequest(r)
			if !ok {
				s.errorResponse(w, http.StatusUnauthorized, "missing or invalid API key")
				return
			}
			if authOwner != pathOwner {
				s.errorResponse(w, http.StatusForbidden, "API key does not grant access to this owner")
				return
			}
		}
		next(w, r, pathOwner)
	}
}

// chatRequest is the POST /{owner}/chat body.
type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// chatResponse is the chat reply envelope.
type chatResponse struct {
	ConversationID string   `json:"conversation_id"`
	Response       string   `json:"response"`
	ToolCalls      []string `json:"tool_calls"`
	Success        bool     `json:"success"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	if utf8.RuneCountInString(message) > MaxChatMessageLen {
		s.errorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("message exceeds %d characters", MaxChatMessageLen))
		return
	}

	ctx := r.Context()
	conv, err := s.conversations.Resolve(ctx, ownerID, req.ConversationID)
	if err != nil {
		s.storeError(w, err)
		return
	}

	// The user turn is persisted before orchestration so the history
	// survives a collaborator failure mid-turn.
	if _, err := s.conversations.Append(ctx, ownerID, conv.ID, conversation.RoleUser, message, nil); err != nil {
		s.storeError(w, err)
		return
	}

	history, err := s.conversations.History(ctx, ownerID, conv.ID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	llmHistory := make([]llm.Message, 0, len(history))
	for _, m := range history {
		llmHistory = append(llmHistory, llm.Message{Role: m.Role, Content: m.Content})
	}

	s.bus.Publish(events.Event{
		OwnerID: ownerID,
		Source:  events.SourceAgent,
		Kind:    events.KindRequestStart,
		Data: map[string]any{
			"conversation_id": conv.ID,
			"message_len":     len(message),
		},
	})

	result, err := s.orchestrator.Run(ctx, ownerID, llmHistory)
	if err != nil {
		s.logger.Error("chat turn failed", "owner", ownerID, "conversation", conv.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "agent error")
		return
	}

	if _, err := s.conversations.Append(ctx, ownerID, conv.ID, conversation.RoleAssistant, result.Reply, result.ToolsCalled); err != nil {
		s.storeError(w, err)
		return
	}

	s.bus.Publish(events.Event{
		OwnerID: ownerID,
		Source:  events.SourceAgent,
		Kind:    events.KindRequestComplete,
		Data: map[string]any{
			"conversation_id": conv.ID,
			"iterations":      result.Iterations,
			"tools_called":    len(result.ToolsCalled),
			"exhausted":       result.Exhausted,
		},
	})

	toolCalls := result.ToolsCalled
	if toolCalls == nil {
		toolCalls = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, chatResponse{
		ConversationID: conv.ID,
		Response:       result.Reply,
		ToolCalls:      toolCalls,
		Success:        !result.Exhausted,
	}, s.logger)
}

// taskRequest is the create/update body. Pointer fields distinguish
// "absent" from zero values on update.
type taskRequest struct {
	Title              *string   `json:"title"`
	Description        *string   `json:"description"`
	Completed          *bool     `json:"completed"`
	Priority           *string   `json:"priority"`
	Tags               *[]string `json:"tags"`
	DueDate            *string   `json:"due_date"`
	Recurrence         *string   `json:"recurrence"`
	RecurrenceInterval *int      `json:"recurrence_interval"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	draft := task.Draft{}
	if req.Title != nil {
		draft.Title = *req.Title
	}
	if req.Description != nil {
		draft.Description = *req.Description
	}
	if req.Priority != nil {
		draft.Priority = *req.Priority
	}
	if req.Tags != nil {
		draft.Tags = *req.Tags
	}
	if req.Recurrence != nil {
		draft.Recurrence = *req.Recurrence
	}
	if req.RecurrenceInterval != nil {
		draft.RecurrenceInterval = *req.RecurrenceInterval
	}
	if req.DueDate != nil {
		due, err := parseDate("due_date", *req.DueDate)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		draft.DueDate = due
	}

	t, err := s.tasks.Create(r.Context(), ownerID, draft)
	if err != nil {
		s.storeError(w, err)
		return
	}

	s.bus.Publish(events.Event{
		OwnerID: ownerID,
		Source:  events.SourceAPI,
		Kind:    events.KindTaskCreated,
		Data:    map[string]any{"task": t},
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, t, s.logger)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, ownerID string) {
	q := r.URL.Query()
	filter := task.Filter{
		Status:    q.Get("status"),
		Priority:  q.Get("priority"),
		Tags:      q["tags"],
		Search:    q.Get("search"),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	}
	dueStart, err := parseDate("due_start", q.Get("due_start"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.DueStart = dueStart
	dueEnd, err := parseDate("due_end", q.Get("due_end"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.DueEnd = dueEnd

	tasks, err := s.tasks.List(r.Context(), ownerID, filter)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tasks": tasks, "count": len(tasks)}, s.logger)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, ownerID string) {
	t, err := s.tasks.Get(r.Context(), ownerID, r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, t, s.logger)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	patch := task.Patch{
		Title:              req.Title,
		Description:        req.Description,
		Completed:          req.Completed,
		Priority:           req.Priority,
		Tags:               req.Tags,
		Recurrence:         req.Recurrence,
		RecurrenceInterval: req.RecurrenceInterval,
	}
	if req.DueDate != nil {
		due, err := parseDate("due_date", *req.DueDate)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		patch.DueDate = due
	}

	t, err := s.tasks.Update(r.Context(), ownerID, r.PathValue("id"), patch)
	if err != nil {
		s.storeError(w, err)
		return
	}

	s.bus.Publish(events.Event{
		OwnerID: ownerID,
		Source:  events.SourceAPI,
		Kind:    events.KindTaskUpdated,
		Data:    map[string]any{"task": t},
	})
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, t, s.logger)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request, ownerID string) {
	t, next, err := s.tasks.Complete(r.Context(), ownerID, r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}

	data := map[string]any{"task": t}
	if next != nil {
		data["next_task"] = next
	}
	s.bus.Publish(events.Event{
		OwnerID: ownerID,
		Source:  events.SourceAPI,
		Kind:    events.KindTaskCompleted,
		Data:    data,
	})
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, data, s.logger)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request, ownerID string) {
	id := r.PathValue("id")
	if err := s.tasks.Delete(r.Context(), ownerID, id); err != nil {
		s.storeError(w, err)
		return
	}

	s.bus.Publish(events.Event{
		OwnerID: ownerID,
		Source:  events.SourceAPI,
		Kind:    events.KindTaskDeleted,
		Data:    map[string]any{"task_id": id},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, ownerID string) {
	stats, err := s.tasks.GetStats(r.Context(), ownerID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, stats, s.logger)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, ownerID string) {
	s.hub.ServeWS(w, r, ownerID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// storeError maps domain errors to HTTP status codes. Not-found covers
// both absent and foreign-owned resources.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	var verr *task.ValidationError
	switch {
	case errors.As(err, &verr):
		s.errorResponse(w, http.StatusBadRequest, verr.Msg)
	case errors.Is(err, task.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "task not found")
	case errors.Is(err, conversation.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
	default:
		s.logger.Error("store operation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseDate(name, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid %s %q, expected ISO 8601", name, s)
}
