package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taskpilot/taskpilot/internal/events"
	"github.com/taskpilot/taskpilot/internal/task"
)

func newTestRegistry(t *testing.T) (*Registry, *task.Store) {
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
	return NewRegistry(store, nil, nil), store
}

func dispatch(t *testing.T, r *Registry, owner, tool, args string) map[string]any {
	t.Helper()
	raw := r.Dispatch(context.Background(), owner, tool, args)
	var result map[string]any
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		t.Fatalf("tool result is not JSON: %v\n%s", err, raw)
	}
	return result
}

func TestDispatchCreateTask(t *testing.T) {
	r, store := newTestRegistry(t)

	result := dispatch(t, r, "alice", "create_task",
		`{"title": "buy milk", "priority": "high", "tags": ["errands"], "due_date": "2026-09-15"}`)
	if result["success"] != true {
		t.Fatalf("want success, got %v", result)
	}

	tasks, err := store.List(context.Background(), "alice", task.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("want 1 task, got %d", len(tasks))
	}
	got := tasks[0]
	if got.Title != "buy milk" || got.Priority != task.PriorityHigh {
		t.Errorf("unexpected task: %+v", got)
	}
	wantDue := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	if got.DueDate == nil || !got.DueDate.Equal(wantDue) {
		t.Errorf("due date = %v, want %v", got.DueDate, wantDue)
	}
}

func TestDispatchDiscardsForgedOwner(t *testing.T) {
	r, store := newTestRegistry(t)

	result := dispatch(t, r, "alice", "create_task",
		`{"title": "sneaky", "owner_id": "bob"}`)
	if result["success"] != true {
		t.Fatalf("want success, got %v", result)
	}

	bobTasks, err := store.List(context.Background(), "bob", task.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bobTasks) != 0 {
		t.Error("forged owner_id must not assign tasks to another owner")
	}
	aliceTasks, err := store.List(context.Background(), "alice", task.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(aliceTasks) != 1 {
		t.Errorf("want task under authenticated owner, got %d", len(aliceTasks))
	}
}

func TestDispatchContainsFailures(t *testing.T) {
	r, _ := newTestRegistry(t)

	cases := []struct {
		name, tool, args string
	}{
		{"unknown tool", "reboot_server", `{}`},
		{"malformed arguments", "create_task", `{"title": `},
		{"validation failure", "create_task", `{"title": "   "}`},
		{"missing task", "complete_task", `{"task_id": "no-such-task"}`},
		{"missing task_id", "delete_task", `{}`},
		{"bad due date", "create_task", `{"title": "ok", "due_date": "next tuesday"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := dispatch(t, r, "alice", tc.tool, tc.args)
			if result["success"] != false {
				t.Errorf("want contained failure, got %v", result)
			}
			if msg, _ := result["error"].(string); msg == "" {
				t.Error("failure result must carry an error message")
			}
		})
	}
}

func TestDispatchUnknownToolMessage(t *testing.T) {
	r, _ := newTestRegistry(t)

	result := dispatch(t, r, "alice", "summon_intern", `{}`)
	if result["success"] != false {
		t.Fatalf("want contained failure, got %v", result)
	}
	want := (&UnknownToolError{Name: "summon_intern"}).Error()
	if result["error"] != want {
		t.Errorf("error = %v, want %q", result["error"], want)
	}
}

func TestDispatchListTasks(t *testing.T) {
	r, _ := newTestRegistry(t)

	result := dispatch(t, r, "alice", "list_tasks", `{}`)
	if result["success"] != true {
		t.Fatalf("want success, got %v", result)
	}
	if count, _ := result["count"].(float64); count != 0 {
		t.Errorf("want empty count, got %v", result["count"])
	}
	if _, ok := result["tasks"].([]any); !ok {
		t.Errorf("tasks must be a JSON array even when empty, got %T", result["tasks"])
	}

	dispatch(t, r, "alice", "create_task", `{"title": "one"}`)
	dispatch(t, r, "alice", "create_task", `{"title": "two"}`)
	dispatch(t, r, "bob", "create_task", `{"title": "not alice's"}`)

	result = dispatch(t, r, "alice", "list_tasks", `{"status": "pending"}`)
	if count, _ := result["count"].(float64); count != 2 {
		t.Errorf("want 2 pending tasks, got %v", result["count"])
	}
}

func TestDispatchCompleteRecurring(t *testing.T) {
	r, store := newTestRegistry(t)

	created, err := store.Create(context.Background(), "alice", task.Draft{
		Title:      "water plants",
		Recurrence: task.RecurrenceWeekly,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	result := dispatch(t, r, "alice", "complete_task", `{"task_id": "`+created.ID+`"}`)
	if result["success"] != true {
		t.Fatalf("want success, got %v", result)
	}
	if result["next_task"] == nil {
		t.Error("completing a recurring task must report the successor")
	}
}

func TestDispatchUpdateTask(t *testing.T) {
	r, store := newTestRegistry(t)

	created, err := store.Create(context.Background(), "alice", task.Draft{Title: "draft"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	result := dispatch(t, r, "alice", "update_task",
		`{"task_id": "`+created.ID+`", "title": "final", "priority": "low"}`)
	if result["success"] != true {
		t.Fatalf("want success, got %v", result)
	}

	got, err := store.Get(context.Background(), "alice", created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "final" || got.Priority != task.PriorityLow {
		t.Errorf("unexpected task after update: %+v", got)
	}
}

func TestDispatchUpdateNullClearsFields(t *testing.T) {
	r, store := newTestRegistry(t)

	due := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	created, err := store.Create(context.Background(), "alice", task.Draft{
		Title:      "dated",
		Tags:       []string{"home"},
		DueDate:    &due,
		Recurrence: task.RecurrenceWeekly,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	result := dispatch(t, r, "alice", "update_task",
		`{"task_id": "`+created.ID+`", "due_date": null, "tags": null, "recurrence": null}`)
	if result["success"] != true {
		t.Fatalf("want success, got %v", result)
	}

	got, err := store.Get(context.Background(), "alice", created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DueDate != nil {
		t.Errorf("null due_date must clear it, got %v", got.DueDate)
	}
	if len(got.Tags) != 0 {
		t.Errorf("null tags must clear them, got %v", got.Tags)
	}
	if got.Recurrence != "" {
		t.Errorf("null recurrence must clear it, got %q", got.Recurrence)
	}

	// Absent keys still leave fields untouched.
	other, err := store.Create(context.Background(), "alice", task.Draft{Title: "kept", DueDate: &due})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	dispatch(t, r, "alice", "update_task", `{"task_id": "`+other.ID+`", "title": "still kept"}`)
	kept, err := store.Get(context.Background(), "alice", other.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if kept.DueDate == nil {
		t.Error("absent due_date must leave the field unchanged")
	}
}

func TestDispatchPublishesEvents(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := task.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	bus := events.New()
	r := NewRegistry(store, bus, nil)

	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	result := dispatch(t, r, "alice", "create_task", `{"title": "observable"}`)
	if result["success"] != true {
		t.Fatalf("want success, got %v", result)
	}

	select {
	case evt := <-ch:
		if evt.Kind != events.KindTaskCreated || evt.OwnerID != "alice" {
			t.Errorf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task_created event")
	}

	// Failed dispatches publish nothing.
	dispatch(t, r, "alice", "create_task", `{"title": ""}`)
	select {
	case evt := <-ch:
		t.Errorf("failure must not publish events, got %+v", evt)
	default:
	}
}

func TestSchemasShape(t *testing.T) {
	r, _ := newTestRegistry(t)

	schemas := r.Schemas()
	want := []string{"create_task", "list_tasks", "update_task", "complete_task", "delete_task"}
	if len(schemas) != len(want) {
		t.Fatalf("want %d tools, got %d", len(want), len(schemas))
	}
	for i, name := range want {
		fn, ok := schemas[i]["function"].(map[string]any)
		if !ok {
			t.Fatalf("schema %d missing function block", i)
		}
		if fn["name"] != name {
			t.Errorf("schema %d = %v, want %s", i, fn["name"], name)
		}
		if schemas[i]["type"] != "function" {
			t.Errorf("schema %d type = %v", i, schemas[i]["type"])
		}
		params, ok := fn["parameters"].(map[string]any)
		if !ok || params["type"] != "object" {
			t.Errorf("schema %d parameters malformed: %v", i, fn["parameters"])
		}
	}
}
