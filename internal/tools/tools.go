// Package tools defines the task tools the chat agent can call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskpilot/taskpilot/internal/events"
	"github.com/taskpilot/taskpilot/internal/task"
)

// UnknownToolError reports a dispatch against a name the registry does
// not know. Dispatch contains it like any other tool failure.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     func(ctx context.Context, ownerID string, args map[string]any) (string, error) `json:"-"`
}

// Registry holds the tools available to the agent. Handlers receive the
// authenticated owner id out of band; any owner_id the model writes into
// tool arguments is discarded before dispatch.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	tasks  *task.Store
	bus    *events.Bus
	logger *slog.Logger
}

// NewRegistry creates a tool registry backed by the task store.
func NewRegistry(tasks *task.Store, bus *events.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]*Tool),
		tasks:  tasks,
		bus:    bus,
		logger: logger,
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "create_task",
		Description: "Create a new task for the user. Use when they want to add, remember, or schedule something.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short task title (required, max 200 characters)",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Optional longer details (max 1000 characters)",
				},
				"priority": map[string]any{
					"type":        "string",
					"enum":        []string{"high", "medium", "low"},
					"description": "Optional priority",
				},
				"tags": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Optional labels for grouping tasks",
				},
				"due_date": map[string]any{
					"type":        "string",
					"description": "Optional due date, ISO 8601 (e.g. 2026-09-15 or 2026-09-15T17:00:00Z)",
				},
				"recurrence": map[string]any{
					"type":        "string",
					"enum":        []string{"daily", "weekly", "monthly", "custom"},
					"description": "Optional repeat pattern; completing the task creates the next occurrence",
				},
				"recurrence_interval": map[string]any{
					"type":        "integer",
					"description": "Days between occurrences, required when recurrence is custom",
				},
			},
			"required": []string{"title"},
		},
		Handler: r.handleCreateTask,
	})

	r.Register(&Tool{
		Name:        "list_tasks",
		Description: "List the user's tasks, newest first. Use to answer questions about what is on their list.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status": map[string]any{
					"type":        "string",
					"enum":        []string{"all", "pending", "completed"},
					"description": "Filter by completion state (default all)",
				},
			},
		},
		Handler: r.handleListTasks,
	})

	r.Register(&Tool{
		Name:        "update_task",
		Description: "Change fields of an existing task: title, description, priority, tags, due date, or recurrence.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "ID of the task to update (from list_tasks)",
				},
				"title":       map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"priority": map[string]any{
					"type": "string",
					"enum": []string{"high", "medium", "low"},
				},
				"tags": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Replacement tags; null removes all tags",
				},
				"due_date": map[string]any{
					"type":        "string",
					"description": "New due date, ISO 8601; null clears the due date",
				},
				"recurrence": map[string]any{
					"type": "string",
					"enum": []string{"daily", "weekly", "monthly", "custom"},
				},
				"recurrence_interval": map[string]any{"type": "integer"},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleUpdateTask,
	})

	r.Register(&Tool{
		Name:        "complete_task",
		Description: "Mark a task as done. Recurring tasks automatically get their next occurrence scheduled.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "ID of the task to complete (from list_tasks)",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleCompleteTask,
	})

	r.Register(&Tool{
		Name:        "delete_task",
		Description: "Permanently remove a task from the user's list.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "ID of the task to delete (from list_tasks)",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleDeleteTask,
	})
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Schemas returns all tool definitions in the LLM wire shape, in
// registration order.
func (r *Registry) Schemas() []map[string]any {
	var result []map[string]any
	for _, name := range r.order {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Dispatch runs a tool by name and always returns a JSON tool result.
// Bad tool names, malformed arguments, validation failures, and missing
// tasks all come back as {"success": false, "error": ...} so the agent
// loop can feed the failure to the model instead of aborting the turn.
// The authenticated ownerID wins over any owner_id in the arguments.
func (r *Registry) Dispatch(ctx context.Context, ownerID, name, argsJSON string) string {
	tool := r.tools[name]
	if tool == nil {
		err := &UnknownToolError{Name: name}
		r.logger.Debug("tool dispatch failed", "tool", name, "error", err)
		return failure(err.Error())
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return failure(fmt.Sprintf("invalid tool arguments: %v", err))
		}
	}
	// Models occasionally echo an owner_id into arguments. It is never
	// trusted.
	delete(args, "owner_id")

	result, err := tool.Handler(ctx, ownerID, args)
	if err != nil {
		r.logger.Debug("tool failed", "tool", name, "owner", ownerID, "error", err)
		return failure(err.Error())
	}
	return result
}

func (r *Registry) handleCreateTask(ctx context.Context, ownerID string, args map[string]any) (string, error) {
	draft := task.Draft{
		Title:              optString(args, "title"),
		Description:        optString(args, "description"),
		Priority:           optString(args, "priority"),
		Tags:               optStrings(args, "tags"),
		Recurrence:         optString(args, "recurrence"),
		RecurrenceInterval: optInt(args, "recurrence_interval"),
	}
	due, err := optTime(args, "due_date")
	if err != nil {
		return "", err
	}
	draft.DueDate = due

	t, err := r.tasks.Create(ctx, ownerID, draft)
	if err != nil {
		return "", err
	}

	r.bus.Publish(events.Event{
		OwnerID: ownerID,
		Source:  events.SourceTools,
		Kind:    events.KindTaskCreated,
		Data:    map[string]any{"task": t},
	})
	return success(map[string]any{
		"task":    t,
		"message": fmt.Sprintf("Created task %q", t.Title),
	})
}

func (r *Registry) handleListTasks(ctx context.Context, ownerID string, args map[string]any) (string, error) {
	status := optString(args, "status")
	tasks, err := r.tasks.List(ctx, ownerID, task.Filter{Status: status})
	if err != nil {
		return "", err
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	return success(map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (r *Registry) handleUpdateTask(ctx context.Context, ownerID string, args map[string]any) (string, error) {
	id := optString(args, "task_id")
	if id == "" {
		return "", errors.New("task_id is required")
	}

	var p task.Patch
	if v, ok := args["title"].(string); ok {
		p.Title = &v
	}
	if v, ok := args["description"].(string); ok {
		p.Description = &v
	}
	if v, ok := args["priority"].(string); ok {
		p.Priority = &v
	}
	// An explicit JSON null clears the field; an absent key leaves it
	// unchanged.
	if v, ok := args["tags"]; ok {
		if v == nil {
			p.Tags = &[]string{}
		} else {
			tags := optStrings(args, "tags")
			p.Tags = &tags
		}
	}
	if v, ok := args["due_date"]; ok {
		if v == nil {
			p.ClearDueDate = true
		} else {
			due, err := optTime(args, "due_date")
			if err != nil {
				return "", err
			}
			p.DueDate = due
		}
	}
	if v, ok := args["recurrence"]; ok {
		if v == nil {
			empty := ""
			p.Recurrence = &empty
		} else if s, ok := v.(string); ok {
			p.Recurrence = &s
		}
	}
	if _, ok := args["recurrence_interval"]; ok {
		n := optInt(args, "recurrence_interval")
		p.RecurrenceInterval = &n
	}

	t, err := r.tasks.Update(ctx, ownerID, id, p)
	if err != nil {
		return "", err
	}

	r.bus.Publish(events.Event{
		OwnerID: ownerID,
		Source:  events.SourceTools,
		Kind:    events.KindTaskUpdated,
		Data:    map[string]any{"task": t},
	})
	return success(map[string]any{
		"task":    t,
		"message": fmt.Sprintf("Updated task %q", t.Title),
	})
}

func (r *Registry) handleCompleteTask(ctx context.Context, ownerID string, args map[string]any) (string, error) {
	id := optString(args, "task_id")
	if id == "" {
		return "", errors.New("task_id is required")
	}

	t, next, err := r.tasks.Complete(ctx, ownerID, id)
	if err != nil {
		return "", err
	}

	data := map[string]any{"task": t}
	msg := fmt.Sprintf("Completed task %q", t.Title)
	if next != nil {
		data["next_task"] = next
		if next.DueDate != nil {
			msg += fmt.Sprintf("; next occurrence due %s", next.DueDate.Format("2006-01-02"))
		} else {
			msg += "; next occurrence created"
		}
	}
	r.bus.Publish(events.Event{
		OwnerID: ownerID,
		Source:  events.SourceTools,
		Kind:    events.KindTaskCompleted,
		Data:    data,
	})

	out := map[string]any{"task": t, "message": msg}
	if next != nil {
		out["next_task"] = next
	}
	return success(out)
}

func (r *Registry) handleDeleteTask(ctx context.Context, ownerID string, args map[string]any) (string, error) {
	id := optString(args, "task_id")
	if id == "" {
		return "", errors.New("task_id is required")
	}

	if err := r.tasks.Delete(ctx, ownerID, id); err != nil {
		return "", err
	}

	r.bus.Publish(events.Event{
		OwnerID: ownerID,
		Source:  events.SourceTools,
		Kind:    events.KindTaskDeleted,
		Data:    map[string]any{"task_id": id},
	})
	return success(map[string]any{
		"message": "Deleted task",
	})
}

func success(fields map[string]any) (string, error) {
	fields["success"] = true
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encoding tool result: %w", err)
	}
	return string(b), nil
}

func failure(msg string) string {
	b, _ := json.Marshal(map[string]any{
		"success": false,
		"error":   msg,
	})
	return string(b)
}

func optString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func optInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func optStrings(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// optTime parses an ISO 8601 due date, accepting either a bare date or
// a full timestamp.
func optTime(args map[string]any, key string) (*time.Time, error) {
	s := optString(args, key)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid %s %q, expected ISO 8601", key, s)
}
