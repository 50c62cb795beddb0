package llm

import (
	"encoding/json"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a provider-neutral chat message. Tool result messages carry
// the ToolCallID of the call they answer.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// ToolCall is a single tool invocation requested by the model. ID is the
// provider's identifier when it supplies one; Ollama does not, so the
// agent assigns one before the call is persisted.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and its decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ArgumentsJSON returns the arguments encoded as a JSON object. A nil map
// encodes as "{}".
func (f FunctionCall) ArgumentsJSON() string {
	if f.Arguments == nil {
		return "{}"
	}
	data, err := json.Marshal(f.Arguments)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ChatResponse is the provider-neutral result of one model call.
type ChatResponse struct {
	Model        string
	CreatedAt    time.Time
	Message      Message
	Done         bool
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// HasToolCalls reports whether the response requests any tool calls.
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.Message.ToolCalls) > 0
}
