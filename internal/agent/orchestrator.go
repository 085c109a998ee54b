// Package agent implements the chat orchestration loop: it alternates
// between the language model and the tool registry until the model
// produces a plain text reply or the iteration budget runs out.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskpilot/taskpilot/internal/events"
	"github.com/taskpilot/taskpilot/internal/llm"
	"github.com/taskpilot/taskpilot/internal/prompts"
	"github.com/taskpilot/taskpilot/internal/tools"
)

// DefaultMaxIterations bounds the model/tool round trips in one turn.
const DefaultMaxIterations = 5

// exhaustedReply is returned when the model keeps requesting tools past
// the iteration budget. The turn still succeeds; the flag on Result
// tells callers what happened.
const exhaustedReply = "I've processed your request, but please let me know if you need anything else!"

// emptyReply covers the rare case of a model answer with no content and
// no tool calls.
const emptyReply = "I'm here to help with your tasks!"

// Result is the outcome of one orchestrated chat turn.
type Result struct {
	Reply       string
	ToolsCalled []string
	Iterations  int
	Exhausted   bool
}

// Orchestrator drives the tool-calling loop for chat turns. It is
// stateless between turns: callers pass the full conversation history
// each time.
type Orchestrator struct {
	llm           llm.Client
	registry      *tools.Registry
	bus           *events.Bus
	logger        *slog.Logger
	model         string
	maxIterations int
}

// New creates an orchestrator. maxIterations <= 0 selects the default.
func New(client llm.Client, registry *tools.Registry, bus *events.Bus, logger *slog.Logger, model string, maxIterations int) *Orchestrator {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		llm:           client,
		registry:      registry,
		bus:           bus,
		logger:        logger,
		model:         model,
		maxIterations: maxIterations,
	}
}

// Run executes one chat turn for the owner. history must already end
// with the user's new message. Tool failures are contained: they are fed
// back to the model as tool results and the loop continues. An error is
// returned only when the model itself cannot be reached, in which case
// no partial reply is produced.
func (o *Orchestrator) Run(ctx context.Context, ownerID string, history []llm.Message) (*Result, error) {
	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{Role: "system", Content: prompts.SystemPrompt()})
	messages = append(messages, history...)

	schemas := o.registry.Schemas()
	result := &Result{}

	for iter := 1; iter <= o.maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Iterations = iter

		o.logger.Debug("orchestrator iteration", "owner", ownerID, "iter", iter, "messages", len(messages))
		resp, err := o.llm.Chat(ctx, o.model, messages, schemas)
		if err != nil {
			o.logger.Error("model call failed", "owner", ownerID, "iter", iter, "error", err)
			return nil, err
		}

		if len(resp.Message.ToolCalls) == 0 {
			result.Reply = resp.Message.Content
			if result.Reply == "" {
				result.Reply = emptyReply
			}
			return result, nil
		}

		messages = append(messages, resp.Message)

		// Once dispatching starts, the whole batch runs to completion
		// even if the client goes away, so store mutations and the
		// results fed back to the model stay consistent.
		toolCtx := context.WithoutCancel(ctx)
		for _, call := range resp.Message.ToolCalls {
			o.bus.Publish(events.Event{
				OwnerID: ownerID,
				Source:  events.SourceAgent,
				Kind:    events.KindToolCall,
				Data:    map[string]any{"tool": call.Name},
			})

			start := time.Now()
			toolResult := o.registry.Dispatch(toolCtx, ownerID, call.Name, call.Arguments)
			elapsed := time.Since(start)

			o.logger.Info("tool dispatched",
				"owner", ownerID,
				"tool", call.Name,
				"duration_ms", elapsed.Milliseconds(),
			)
			o.bus.Publish(events.Event{
				OwnerID: ownerID,
				Source:  events.SourceAgent,
				Kind:    events.KindToolDone,
				Data: map[string]any{
					"tool":        call.Name,
					"duration_ms": elapsed.Milliseconds(),
				},
			})

			result.ToolsCalled = append(result.ToolsCalled, call.Name)
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    toolResult,
				ToolCallID: call.ID,
			})
		}
	}

	o.logger.Warn("iteration budget exhausted", "owner", ownerID, "max_iterations", o.maxIterations)
	result.Reply = exhaustedReply
	result.Exhausted = true
	return result, nil
}
