package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/taskpilot/taskpilot/internal/llm"
	"github.com/taskpilot/taskpilot/internal/task"
	"github.com/taskpilot/taskpilot/internal/tools"
)

// scriptedClient returns canned responses in order and records every
// request it sees.
type scriptedClient struct {
	responses []*llm.ChatResponse
	errs      []error
	requests  [][]llm.Message
}

func (c *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, toolSchemas []map[string]any) (*llm.ChatResponse, error) {
	c.requests = append(c.requests, messages)
	i := len(c.requests) - 1
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	// Keep requesting tools forever; used by the exhaustion test.
	return toolResponse("call_loop", "list_tasks", `{}`), nil
}

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: content}}
}

func toolResponse(id, name, args string) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{
		Role:      "assistant",
		ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: args}},
	}}
}

func newTestOrchestrator(t *testing.T, client llm.Client) (*Orchestrator, *task.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := task.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	registry := tools.NewRegistry(store, nil, nil)
	return New(client, registry, nil, nil, "test-model", 5), store
}

func userTurn(content string) []llm.Message {
	return []llm.Message{{Role: "user", Content: content}}
}

func TestRunTextOnly(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{textResponse("Hello! How can I help with your tasks?")}}
	o, _ := newTestOrchestrator(t, client)

	result, err := o.Run(context.Background(), "alice", userTurn("hi"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Reply != "Hello! How can I help with your tasks?" {
		t.Errorf("unexpected reply: %q", result.Reply)
	}
	if len(result.ToolsCalled) != 0 || result.Exhausted {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(client.requests) != 1 {
		t.Errorf("want 1 model call, got %d", len(client.requests))
	}
	if client.requests[0][0].Role != "system" {
		t.Error("first message must be the system prompt")
	}
}

func TestRunToolCallThenReply(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolResponse("call_1", "create_task", `{"title": "buy milk"}`),
		textResponse("Added \"buy milk\" to your list."),
	}}
	o, store := newTestOrchestrator(t, client)

	result, err := o.Run(context.Background(), "alice", userTurn("add buy milk"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Reply != "Added \"buy milk\" to your list." {
		t.Errorf("unexpected reply: %q", result.Reply)
	}
	if len(result.ToolsCalled) != 1 || result.ToolsCalled[0] != "create_task" {
		t.Errorf("unexpected tools called: %v", result.ToolsCalled)
	}

	// The mutation really happened.
	tasks, err := store.List(context.Background(), "alice", task.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "buy milk" {
		t.Errorf("unexpected tasks: %+v", tasks)
	}

	// The second model call carries the assistant tool-call message and
	// a tool result bound to its id.
	second := client.requests[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "call_1" {
		t.Errorf("unexpected tool result message: %+v", last)
	}
	var toolResult map[string]any
	if err := json.Unmarshal([]byte(last.Content), &toolResult); err != nil {
		t.Fatalf("tool result not JSON: %v", err)
	}
	if toolResult["success"] != true {
		t.Errorf("unexpected tool result: %v", toolResult)
	}
}

func TestRunMultipleToolCallsOneIteration(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Message: llm.Message{
			Role: "assistant",
			ToolCalls: []llm.ToolCall{
				{ID: "call_1", Name: "create_task", Arguments: `{"title": "one"}`},
				{ID: "call_2", Name: "create_task", Arguments: `{"title": "two"}`},
			},
		}},
		textResponse("Added both."),
	}}
	o, store := newTestOrchestrator(t, client)

	result, err := o.Run(context.Background(), "alice", userTurn("add one and two"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.ToolsCalled) != 2 {
		t.Errorf("want 2 tool calls, got %v", result.ToolsCalled)
	}

	second := client.requests[1]
	// Expect one tool result per call id, in order.
	n := len(second)
	if second[n-2].ToolCallID != "call_1" || second[n-1].ToolCallID != "call_2" {
		t.Errorf("tool results not bound to their call ids: %+v", second[n-2:])
	}

	tasks, err := store.List(context.Background(), "alice", task.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("want 2 tasks, got %d", len(tasks))
	}
}

func TestRunContainsToolFailure(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolResponse("call_1", "complete_task", `{"task_id": "no-such-task"}`),
		textResponse("I couldn't find that task."),
	}}
	o, _ := newTestOrchestrator(t, client)

	result, err := o.Run(context.Background(), "alice", userTurn("finish the report"))
	if err != nil {
		t.Fatalf("tool failure must not fail the turn: %v", err)
	}
	if result.Reply != "I couldn't find that task." {
		t.Errorf("unexpected reply: %q", result.Reply)
	}

	second := client.requests[1]
	last := second[len(second)-1]
	if last.Role != "tool" {
		t.Fatalf("expected a tool result, got %+v", last)
	}
	var toolResult map[string]any
	if err := json.Unmarshal([]byte(last.Content), &toolResult); err != nil {
		t.Fatalf("tool result not JSON: %v", err)
	}
	if toolResult["success"] != false {
		t.Errorf("failure must be reported to the model: %v", toolResult)
	}
}

func TestRunUnknownToolIsContained(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		toolResponse("call_1", "send_email", `{}`),
		textResponse("Sorry, I can only manage tasks."),
	}}
	o, _ := newTestOrchestrator(t, client)

	result, err := o.Run(context.Background(), "alice", userTurn("email my boss"))
	if err != nil {
		t.Fatalf("unknown tool must not fail the turn: %v", err)
	}
	if !strings.Contains(result.Reply, "only manage tasks") {
		t.Errorf("unexpected reply: %q", result.Reply)
	}
}

func TestRunExhaustsIterationBudget(t *testing.T) {
	// No scripted responses: the client requests tools forever.
	client := &scriptedClient{}
	o, _ := newTestOrchestrator(t, client)

	result, err := o.Run(context.Background(), "alice", userTurn("do everything"))
	if err != nil {
		t.Fatalf("exhaustion is not an error: %v", err)
	}
	if !result.Exhausted {
		t.Error("want exhausted flag")
	}
	if result.Reply != exhaustedReply {
		t.Errorf("unexpected reply: %q", result.Reply)
	}
	if result.Iterations != 5 {
		t.Errorf("want 5 iterations, got %d", result.Iterations)
	}
	if len(client.requests) != 5 {
		t.Errorf("want exactly 5 model calls, got %d", len(client.requests))
	}
}

func TestRunHonorsConfiguredBudget(t *testing.T) {
	client := &scriptedClient{}
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := task.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	o := New(client, tools.NewRegistry(store, nil, nil), nil, nil, "test-model", 3)

	result, err := o.Run(context.Background(), "alice", userTurn("loop"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Exhausted || result.Iterations != 3 || len(client.requests) != 3 {
		t.Errorf("budget of 3 not honored: %+v, %d calls", result, len(client.requests))
	}
}

func TestRunModelErrorPropagates(t *testing.T) {
	apiErr := &llm.APIError{StatusCode: 503, Body: "overloaded"}
	client := &scriptedClient{errs: []error{apiErr}}
	o, _ := newTestOrchestrator(t, client)

	_, err := o.Run(context.Background(), "alice", userTurn("hi"))
	var got *llm.APIError
	if !errors.As(err, &got) {
		t.Fatalf("want APIError, got %v", err)
	}
	// No retry inside the loop.
	if len(client.requests) != 1 {
		t.Errorf("model failures must not be retried, got %d calls", len(client.requests))
	}
}

func TestRunEmptyResponseGetsFallbackReply(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{textResponse("")}}
	o, _ := newTestOrchestrator(t, client)

	result, err := o.Run(context.Background(), "alice", userTurn("hmm"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Reply != emptyReply {
		t.Errorf("unexpected reply: %q", result.Reply)
	}
}

// cancelingClient cancels the request context while handing back a
// tool-call response, as when the HTTP client disconnects mid-turn.
type cancelingClient struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancelingClient) Chat(ctx context.Context, model string, messages []llm.Message, toolSchemas []map[string]any) (*llm.ChatResponse, error) {
	c.calls++
	c.cancel()
	return toolResponse("call_1", "create_task", `{"title": "survives cancellation"}`), nil
}

func (c *cancelingClient) Ping(ctx context.Context) error { return nil }

func TestRunCancellationMidBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &cancelingClient{cancel: cancel}
	o, store := newTestOrchestrator(t, client)

	_, err := o.Run(ctx, "alice", userTurn("add it"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if client.calls != 1 {
		t.Errorf("no model call may follow cancellation, got %d", client.calls)
	}

	// The in-flight dispatch ran to completion despite the canceled
	// request context.
	tasks, err := store.List(context.Background(), "alice", task.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "survives cancellation" {
		t.Errorf("tool mutation must complete once dispatched: %+v", tasks)
	}
}

func TestRunCanceledContext(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{textResponse("never reached")}}
	o, _ := newTestOrchestrator(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Run(ctx, "alice", userTurn("hi"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
	if len(client.requests) != 0 {
		t.Error("no model call should happen after cancellation")
	}
}
