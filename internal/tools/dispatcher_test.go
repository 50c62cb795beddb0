package tools

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nugget/taskagent/internal/database"
	"github.com/nugget/taskagent/internal/llm"
	"github.com/nugget/taskagent/internal/tasks"
)

func newTestStore(t *testing.T) *tasks.SQLiteStore {
	t.Helper()
	db, err := database.Open(database.DriverPureGo, filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := tasks.NewSQLiteStore(db, nil)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(newTestStore(t), nil)
}

func call(name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: "call_" + name, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func dispatchOne(t *testing.T, d *Dispatcher, userID string, c llm.ToolCall) Result {
	t.Helper()
	out := d.Dispatch(context.Background(), Invocation{UserID: userID, Calls: []llm.ToolCall{c}, PriorAssistantTurn: true})
	if len(out) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(out))
	}
	return out[0].Result
}

func TestDispatch_CreateAndList(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(NewRegistry(store, nil), nil)

	res := dispatchOne(t, d, "alice", call("create_task", map[string]any{
		"title":    "  Buy milk ",
		"priority": "high",
		"due_date": "2026-04-01",
	}))
	if res.Status != StatusSuccess {
		t.Fatalf("create = %+v", res)
	}
	if res.Message != `Created task "Buy milk".` {
		t.Errorf("message = %q", res.Message)
	}
	if res.TaskID == "" {
		t.Error("expected task id")
	}

	res = dispatchOne(t, d, "alice", call("list_tasks", nil))
	if res.Status != StatusSuccess || len(res.Tasks) != 1 {
		t.Fatalf("list = %+v", res)
	}
	if v := res.Tasks[0]; v.Priority != "high" || v.DueDate != "2026-04-01" {
		t.Errorf("task view = %+v", v)
	}
	if res.Message != "You have 1 task." {
		t.Errorf("message = %q", res.Message)
	}

	res = dispatchOne(t, d, "alice", call("list_tasks", map[string]any{"status": "completed"}))
	if res.Status != StatusSuccess || len(res.Tasks) != 0 {
		t.Errorf("empty list should be success with no tasks, got %+v", res)
	}
	if res.Message != "You have no tasks matching that." {
		t.Errorf("message = %q", res.Message)
	}
}

func TestDispatch_Isolation(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(NewRegistry(store, nil), nil)
	ctx := context.Background()

	task, err := store.Create(ctx, "alice", tasks.NewTask{Title: "alice's task"})
	if err != nil {
		t.Fatal(err)
	}

	// The model tries to act as alice by smuggling user_id.
	for _, name := range []string{"complete_task", "update_task", "delete_task"} {
		args := map[string]any{"task_id": task.ID, "user_id": "alice", "title": "pwned", "confirmed": true}
		res := dispatchOne(t, d, "bob", call(name, args))
		if res.Status != StatusError || res.Reason != ReasonNotFound {
			t.Errorf("%s as bob = %+v, want not_found", name, res)
		}
		if res.Message != "I couldn't find that task." {
			t.Errorf("%s message = %q", name, res.Message)
		}
	}

	got, err := store.Get(ctx, "alice", task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "alice's task" || got.Completed {
		t.Errorf("alice's task was modified: %+v", got)
	}

	res := dispatchOne(t, d, "bob", call("create_task", map[string]any{"title": "bob's", "user_id": "alice"}))
	if res.Status != StatusSuccess {
		t.Fatal(res)
	}
	owned, _ := store.List(ctx, "alice", tasks.Filter{})
	if len(owned) != 1 {
		t.Errorf("alice has %d tasks, want 1; user_id argument must be ignored", len(owned))
	}
}

func TestDispatch_CompleteIdempotent(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(NewRegistry(store, nil), nil)

	task, _ := store.Create(context.Background(), "alice", tasks.NewTask{Title: "Water plants"})

	first := dispatchOne(t, d, "alice", call("complete_task", map[string]any{"task_id": task.ID}))
	if first.Status != StatusSuccess || first.Message != `Marked "Water plants" as complete.` {
		t.Errorf("first = %+v", first)
	}

	second := dispatchOne(t, d, "alice", call("complete_task", map[string]any{"task_id": task.ID}))
	if second.Status != StatusInfo || second.Message != `Task "Water plants" is already complete.` {
		t.Errorf("second = %+v", second)
	}
}

func TestDispatch_PartialUpdate(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(NewRegistry(store, nil), nil)
	ctx := context.Background()

	task, _ := store.Create(ctx, "alice", tasks.NewTask{Title: "Dentist", Description: "Dr. Lee", Priority: tasks.PriorityLow})

	res := dispatchOne(t, d, "alice", call("update_task", map[string]any{
		"task_id":  task.ID,
		"priority": "high",
		"title":    "Dentist", // unchanged
	}))
	if res.Status != StatusSuccess {
		t.Fatalf("update = %+v", res)
	}
	if !slices.Equal(res.ChangedFields, []string{"priority"}) {
		t.Errorf("changed = %v, want [priority]", res.ChangedFields)
	}

	got, _ := store.Get(ctx, "alice", task.ID)
	if got.Description != "Dr. Lee" || got.Title != "Dentist" || got.Priority != tasks.PriorityHigh {
		t.Errorf("stored = %+v", got)
	}

	res = dispatchOne(t, d, "alice", call("update_task", map[string]any{"task_id": task.ID, "priority": "high"}))
	if res.Status != StatusInfo {
		t.Errorf("no-op update = %+v, want info", res)
	}
}

func TestDispatch_ValidationErrors(t *testing.T) {
	d := NewDispatcher(newTestRegistry(t), nil)

	tests := []struct {
		name      string
		call      llm.ToolCall
		wantField string
	}{
		{"empty title", call("create_task", map[string]any{"title": "   "}), "title"},
		{"missing title", call("create_task", nil), "title"},
		{"wrong type", call("create_task", map[string]any{"title": 42}), "title"},
		{"bad priority", call("create_task", map[string]any{"title": "x", "priority": "urgent"}), "priority"},
		{"bad date", call("create_task", map[string]any{"title": "x", "due_date": "tomorrow"}), "due_date"},
		{"bad status", call("list_tasks", map[string]any{"status": "overdue"}), "status"},
		{"missing id", call("complete_task", map[string]any{}), "task_id"},
		{"empty update title", call("update_task", map[string]any{"task_id": "t1", "title": ""}), "title"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := dispatchOne(t, d, "alice", tt.call)
			if res.Status != StatusError || res.Reason != ReasonInvalidArguments {
				t.Fatalf("result = %+v, want invalid_arguments", res)
			}
			if !strings.Contains(res.Message, tt.wantField) {
				t.Errorf("message %q should name field %q", res.Message, tt.wantField)
			}
		})
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	d := NewDispatcher(newTestRegistry(t), nil)
	res := dispatchOne(t, d, "alice", call("drop_all_tasks", nil))
	if res.Status != StatusError || res.Reason != ReasonUnknownTool {
		t.Errorf("result = %+v, want unknown_tool", res)
	}
}

func TestDispatch_DeleteRequiresConfirmation(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(NewRegistry(store, nil), nil)
	ctx := context.Background()

	task, _ := store.Create(ctx, "alice", tasks.NewTask{Title: "Dentist appointment"})
	del := call("delete_task", map[string]any{"task_id": task.ID, "confirmed": true})

	// No assistant turn yet: the user cannot have confirmed anything.
	out := d.Dispatch(ctx, Invocation{UserID: "alice", Calls: []llm.ToolCall{del}})
	if r := out[0].Result; r.Status != StatusError || r.Reason != ReasonConfirmationRequired {
		t.Errorf("first-turn delete = %+v, want confirmation_required", r)
	}

	unconfirmed := call("delete_task", map[string]any{"task_id": task.ID, "confirmed": false})
	if r := dispatchOne(t, d, "alice", unconfirmed); r.Reason != ReasonConfirmationRequired {
		t.Errorf("confirmed=false delete = %+v, want confirmation_required", r)
	}

	if _, err := store.Get(ctx, "alice", task.ID); err != nil {
		t.Fatalf("task deleted without confirmation: %v", err)
	}

	res := dispatchOne(t, d, "alice", del)
	if res.Status != StatusSuccess || res.Message != `Deleted task "Dentist appointment".` {
		t.Errorf("confirmed delete = %+v", res)
	}
}

func TestDispatch_OrderAndContent(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(NewRegistry(store, nil), nil)

	out := d.Dispatch(context.Background(), Invocation{
		UserID: "alice",
		Calls: []llm.ToolCall{
			call("create_task", map[string]any{"title": "first"}),
			call("nope", nil),
			call("create_task", map[string]any{"title": "second"}),
		},
	})
	if len(out) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(out))
	}
	if out[1].Result.Reason != ReasonUnknownTool {
		t.Errorf("middle outcome = %+v", out[1].Result)
	}
	if !strings.Contains(out[2].Content, `"status":"success"`) {
		t.Errorf("content = %s", out[2].Content)
	}

	list, _ := store.List(context.Background(), "alice", tasks.Filter{})
	if len(list) != 2 || list[0].Title != "first" || list[1].Title != "second" {
		t.Errorf("tasks = %v, want first then second", list)
	}
}

type brokenStore struct{ tasks.Store }

func (brokenStore) Create(context.Context, string, tasks.NewTask) (*tasks.Task, error) {
	return nil, errors.New("disk full")
}

func TestDispatch_InfrastructureFailure(t *testing.T) {
	d := NewDispatcher(NewRegistry(brokenStore{}, nil), nil)
	res := dispatchOne(t, d, "alice", call("create_task", map[string]any{"title": "x"}))
	if res.Status != StatusError || res.Reason != ReasonInternal {
		t.Fatalf("result = %+v, want internal", res)
	}
	if strings.Contains(res.Message, "disk full") {
		t.Error("internal error details must not reach the model")
	}
}
