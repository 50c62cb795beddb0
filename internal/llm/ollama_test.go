package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		validTools []string
		wantCount  int
		wantName   string // First tool name if wantCount > 0
	}{
		{
			name:      "empty content",
			content:   "",
			wantCount: 0,
		},
		{
			name:      "plain text no JSON",
			content:   "You have two tasks due today.",
			wantCount: 0,
		},
		{
			name:      "single tool call object",
			content:   `{"name": "create_task", "arguments": {"title": "buy milk"}}`,
			wantCount: 1,
			wantName:  "create_task",
		},
		{
			name:      "array of tool calls",
			content:   `[{"name": "list_tasks", "arguments": {}}, {"name": "complete_task", "arguments": {"task_id": "t1"}}]`,
			wantCount: 2,
			wantName:  "list_tasks",
		},
		{
			name:      "tagged tool call",
			content:   `<tool_call>{"name": "delete_task", "arguments": {"task_id": "t1"}}</tool_call>`,
			wantCount: 1,
			wantName:  "delete_task",
		},
		{
			name:      "tagged without closing tag",
			content:   `<tool_call>{"name": "list_tasks", "arguments": {"status": "pending"}}`,
			wantCount: 1,
			wantName:  "list_tasks",
		},
		{
			name:      "tagged with preamble",
			content:   `Let me check. <tool_call>{"name": "list_tasks", "arguments": {}}</tool_call>`,
			wantCount: 1,
			wantName:  "list_tasks",
		},
		{
			name:      "malformed JSON",
			content:   `{"name": "create_task", "arguments": {`,
			wantCount: 0,
		},
		{
			name:      "JSON without name field",
			content:   `{"foo": "bar", "arguments": {}}`,
			wantCount: 0,
		},
		{
			name:       "invalid tool rejected by validation",
			content:    `{"name": "drop_database", "arguments": {}}`,
			validTools: []string{"create_task", "list_tasks"},
			wantCount:  0,
		},
		{
			name:       "mixed valid/invalid in array",
			content:    `[{"name": "list_tasks", "arguments": {}}, {"name": "invalid_tool", "arguments": {}}]`,
			validTools: []string{"create_task", "list_tasks"},
			wantCount:  1,
			wantName:   "list_tasks",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content, tt.validTools)
			if len(got) != tt.wantCount {
				t.Fatalf("got %d calls, want %d", len(got), tt.wantCount)
			}
			if tt.wantCount > 0 && got[0].Function.Name != tt.wantName {
				t.Errorf("first call = %q, want %q", got[0].Function.Name, tt.wantName)
			}
		})
	}
}

func TestOllamaWireResponse_ToolCall(t *testing.T) {
	raw := `{
		"model": "qwen3:4b",
		"created_at": "2026-02-11T15:00:00.123456789Z",
		"message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [
				{"function": {"name": "create_task", "arguments": {"title": "call mom", "priority": "high"}}}
			]
		},
		"done": true,
		"total_duration": 1234567890,
		"prompt_eval_count": 42,
		"eval_count": 15
	}`

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	resp := wire.toChatResponse()

	if resp.CreatedAt.Year() != 2026 || resp.CreatedAt.Month() != time.February {
		t.Errorf("CreatedAt = %v, expected 2026-02", resp.CreatedAt)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 15 {
		t.Errorf("tokens = %d/%d, want 42/15", resp.InputTokens, resp.OutputTokens)
	}
	if !resp.HasToolCalls() {
		t.Fatal("expected tool calls")
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "" {
		t.Errorf("Ollama supplies no call ID, got %q", tc.ID)
	}
	if tc.Function.Name != "create_task" || tc.Function.Arguments["title"] != "call mom" {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestOllamaClient_Chat(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"model":"qwen3:4b","message":{"role":"assistant","content":"{\"name\": \"list_tasks\", \"arguments\": {}}"},"done":true}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, quietLogger())
	tools := []map[string]any{
		{"type": "function", "function": map[string]any{"name": "list_tasks"}},
	}
	msgs := []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "what's on my list?"},
	}

	resp, err := c.Chat(context.Background(), "qwen3:4b", msgs, tools)
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if got.Stream {
		t.Error("request should not stream")
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "what's on my list?" {
		t.Errorf("request messages = %+v", got.Messages)
	}
	if !resp.HasToolCalls() || resp.Message.ToolCalls[0].Function.Name != "list_tasks" {
		t.Errorf("expected text tool call to be parsed, got %+v", resp.Message)
	}
	if resp.Message.Content != "" {
		t.Errorf("content should be cleared, got %q", resp.Message.Content)
	}
}

func TestOllamaClient_ErrorStatus(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.status)
		}))

		c := NewOllamaClient(srv.URL, quietLogger())
		_, err := c.Chat(context.Background(), "m", nil, nil)
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if IsTransient(err) != tt.transient {
			t.Errorf("status %d: transient = %v, want %v", tt.status, IsTransient(err), tt.transient)
		}
	}
}

func TestOllamaClientImplementsInterface(t *testing.T) {
	var _ Client = (*OllamaClient)(nil)
}
