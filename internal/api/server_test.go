package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/taskagent/internal/agent"
	"github.com/nugget/taskagent/internal/connwatch"
	"github.com/nugget/taskagent/internal/database"
	"github.com/nugget/taskagent/internal/llm"
	"github.com/nugget/taskagent/internal/memory"
	"github.com/nugget/taskagent/internal/tools"
)

type runnerFunc func(ctx context.Context, req agent.Request) (*agent.Response, error)

func (f runnerFunc) Run(ctx context.Context, req agent.Request) (*agent.Response, error) {
	return f(ctx, req)
}

func newTestDirectory(t *testing.T) *memory.SQLiteStore {
	t.Helper()
	db, err := database.Open(database.DriverPureGo, filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := memory.NewSQLiteStore(db, nil)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func seed(t *testing.T, store *memory.SQLiteStore, id, userID, text string) {
	t.Helper()
	err := store.Persist(context.Background(), memory.Commit{
		ConversationID: id,
		UserID:         userID,
		Create:         true,
		Title:          memory.TitleFrom(text),
		Turns: []memory.Message{
			{Role: llm.RoleUser, Content: text},
			{Role: llm.RoleAssistant, Content: "ok"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func newTestServer(t *testing.T, runner Runner) (http.Handler, *memory.SQLiteStore) {
	t.Helper()
	dir := newTestDirectory(t)
	if runner == nil {
		runner = runnerFunc(func(context.Context, agent.Request) (*agent.Response, error) {
			return nil, errors.New("unexpected chat")
		})
	}
	return NewServer("", 0, "X-User-ID", runner, dir, nil).Handler(), dir
}

func do(t *testing.T, h http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

type chatBody struct {
	ConversationID    string `json:"conversation_id"`
	ReplyText         string `json:"reply_text"`
	ExecutedToolCalls []struct {
		Tool         string         `json:"tool"`
		Arguments    map[string]any `json:"arguments"`
		ResultStatus string         `json:"result_status"`
	} `json:"executed_tool_calls"`
}

func TestIdentityRequired(t *testing.T) {
	h, _ := newTestServer(t, nil)

	for _, route := range []struct{ method, path string }{
		{"POST", "/v1/chat"},
		{"GET", "/v1/conversations"},
		{"GET", "/v1/conversations/abc"},
		{"DELETE", "/v1/conversations/abc"},
	} {
		rec := do(t, h, route.method, route.path, "", `{"message":"hi"}`)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without identity = %d, want 401", route.method, route.path, rec.Code)
			continue
		}
		if body := decode[errorBody](t, rec); body.Error.Message == "" {
			t.Errorf("%s %s: error body has no message", route.method, route.path)
		}
	}

	if rec := do(t, h, "GET", "/health", "", ""); rec.Code != http.StatusOK {
		t.Errorf("/health = %d, want 200 without identity", rec.Code)
	}
}

func TestChat(t *testing.T) {
	var got agent.Request
	h, _ := newTestServer(t, runnerFunc(func(_ context.Context, req agent.Request) (*agent.Response, error) {
		got = req
		return &agent.Response{
			ConversationID: "conv-1",
			Reply:          `Created task "buy milk".`,
			ToolCalls: []agent.ExecutedCall{{
				Tool:      "create_task",
				Arguments: map[string]any{"title": "buy milk"},
				Status:    tools.StatusSuccess,
			}},
		}, nil
	}))

	rec := do(t, h, "POST", "/v1/chat", "alice", `{"message":"add buy milk","conversation_id":"conv-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if got.UserID != "alice" || got.ConversationID != "conv-1" || got.Message != "add buy milk" {
		t.Errorf("runner got %+v", got)
	}

	raw := decode[map[string]any](t, rec)
	for _, key := range []string{"conversation_id", "reply_text", "executed_tool_calls"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("response missing %q: %s", key, rec.Body)
		}
	}
	if _, ok := raw["reply"]; ok {
		t.Errorf("response carries legacy reply field: %s", rec.Body)
	}

	body := decode[chatBody](t, rec)

	if body.ConversationID != "conv-1" || body.ReplyText != `Created task "buy milk".` {
		t.Errorf("body = %+v", body)
	}
	if len(body.ExecutedToolCalls) != 1 {
		t.Fatalf("executed_tool_calls = %+v", body.ExecutedToolCalls)
	}
	c := body.ExecutedToolCalls[0]
	if c.Tool != "create_task" || c.ResultStatus != "success" || c.Arguments["title"] != "buy milk" {
		t.Errorf("executed call = %+v", c)
	}
}

func TestChat_NoToolCallsIsEmptyArray(t *testing.T) {
	h, _ := newTestServer(t, runnerFunc(func(context.Context, agent.Request) (*agent.Response, error) {
		return &agent.Response{ConversationID: "c", Reply: "hi"}, nil
	}))
	rec := do(t, h, "POST", "/v1/chat", "alice", `{"message":"hello"}`)
	if !strings.Contains(rec.Body.String(), `"executed_tool_calls":[]`) {
		t.Errorf("body = %s, want empty executed_tool_calls array", rec.Body)
	}
}

func TestChat_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"empty message", `{"message":""}`, agent.ErrEmptyMessage, http.StatusBadRequest},
		{"unknown conversation", `{"message":"hi","conversation_id":"nope"}`, memory.ErrNotFound, http.StatusNotFound},
		{"persistence", `{"message":"hi"}`, &memory.PersistenceError{ConversationID: "c", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{"other", `{"message":"hi"}`, errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestServer(t, runnerFunc(func(context.Context, agent.Request) (*agent.Response, error) {
				return nil, tt.err
			}))
			rec := do(t, h, "POST", "/v1/chat", "alice", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			body := decode[errorBody](t, rec)
			if body.Error.Message == "" {
				t.Error("error body has no message")
			}
			if strings.Contains(body.Error.Message, "disk full") || strings.Contains(body.Error.Message, "boom") {
				t.Errorf("internal detail leaked to client: %q", body.Error.Message)
			}
		})
	}
}

func TestConversationList(t *testing.T) {
	h, dir := newTestServer(t, nil)
	for i, id := range []string{"c1", "c2", "c3"} {
		seed(t, dir, id, "alice", "conversation "+string(rune('A'+i)))
		time.Sleep(2 * time.Millisecond)
	}
	seed(t, dir, "other", "bob", "not yours")

	rec := do(t, h, "GET", "/v1/conversations?limit=2", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	first := decode[ConversationList](t, rec)
	if len(first.Items) != 2 || first.NextCursor == "" {
		t.Fatalf("first page = %+v", first)
	}
	if first.Items[0].ID != "c3" || first.Items[1].ID != "c2" {
		t.Errorf("order = %s, %s; want c3, c2", first.Items[0].ID, first.Items[1].ID)
	}

	rec = do(t, h, "GET", "/v1/conversations?limit=2&cursor="+first.NextCursor, "alice", "")
	second := decode[ConversationList](t, rec)
	if len(second.Items) != 1 || second.Items[0].ID != "c1" || second.NextCursor != "" {
		t.Errorf("second page = %+v", second)
	}
}

func TestConversationList_BadInput(t *testing.T) {
	h, _ := newTestServer(t, nil)
	for _, q := range []string{"?cursor=!!!", "?limit=ten"} {
		if rec := do(t, h, "GET", "/v1/conversations"+q, "alice", ""); rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want 400", q, rec.Code)
		}
	}
}

func TestConversationGetAndDelete(t *testing.T) {
	h, dir := newTestServer(t, nil)
	seed(t, dir, "c1", "alice", "add buy milk")

	rec := do(t, h, "GET", "/v1/conversations/c1", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	detail := decode[ConversationDetail](t, rec)
	if detail.Title != "add buy milk" || len(detail.Messages) != 2 {
		t.Fatalf("detail = %+v", detail)
	}
	if detail.Messages[0].Role != "user" || detail.Messages[0].Timestamp.IsZero() {
		t.Errorf("first message = %+v", detail.Messages[0])
	}

	if rec := do(t, h, "GET", "/v1/conversations/c1", "bob", ""); rec.Code != http.StatusNotFound {
		t.Errorf("foreign fetch = %d, want 404", rec.Code)
	}
	if rec := do(t, h, "DELETE", "/v1/conversations/c1", "bob", ""); rec.Code != http.StatusNotFound {
		t.Errorf("foreign delete = %d, want 404", rec.Code)
	}

	for i := 0; i < 2; i++ {
		if rec := do(t, h, "DELETE", "/v1/conversations/c1", "alice", ""); rec.Code != http.StatusNoContent {
			t.Errorf("delete #%d = %d, want 204", i+1, rec.Code)
		}
	}

	if rec := do(t, h, "GET", "/v1/conversations/c1", "alice", ""); rec.Code != http.StatusNotFound {
		t.Errorf("fetch after delete = %d, want 404", rec.Code)
	}
	rec = do(t, h, "GET", "/v1/conversations/c1?include_deleted=true", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("audit fetch = %d, want 200", rec.Code)
	}
	if audit := decode[ConversationDetail](t, rec); audit.DeletedAt == nil {
		t.Error("audit fetch should report deleted_at")
	}

	list := decode[ConversationList](t, do(t, h, "GET", "/v1/conversations", "alice", ""))
	if len(list.Items) != 0 {
		t.Errorf("deleted conversation still listed: %+v", list.Items)
	}
}

func TestVersion(t *testing.T) {
	h, _ := newTestServer(t, nil)
	rec := do(t, h, "GET", "/v1/version", "", "")
	info := decode[map[string]string](t, rec)
	if info["version"] == "" || info["uptime"] == "" {
		t.Errorf("version info = %v", info)
	}
}

type healthBody struct {
	Status   string             `json:"status"`
	Services []connwatch.Status `json:"services"`
}

func TestHealth_ReportsServices(t *testing.T) {
	dir := newTestDirectory(t)
	watch := connwatch.NewManager(connwatch.Config{}, nil)
	watch.Add("database", func(context.Context) error { return nil })
	watch.Add("model", func(context.Context) error { return errors.New("connection refused") })
	watch.CheckAll(context.Background())

	srv := NewServer("", 0, "", nil, dir, nil)
	srv.SetHealth(watch)

	rec := do(t, srv.Handler(), "GET", "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[healthBody](t, rec)
	if body.Status != "degraded" || len(body.Services) != 2 {
		t.Errorf("health = %+v", body)
	}
}
