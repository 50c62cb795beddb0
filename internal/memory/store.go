// Package memory persists conversations and their messages. It is the
// only stateful part of a request: every call loads what it needs and
// commits what it produced, so any worker can serve any conversation.
package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/taskagent/internal/llm"
)

// ErrNotFound is returned when a conversation does not exist, belongs to
// another user, or has been soft-deleted.
var ErrNotFound = errors.New("conversation not found")

// ErrInvalidCursor is returned when a listing cursor cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

// PersistenceError wraps a failed commit. Nothing from the commit is
// visible when this is returned.
type PersistenceError struct {
	ConversationID string
	Err            error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist conversation %s: %v", e.ConversationID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Conversation is a user's thread of messages.
type Conversation struct {
	ID        string     `json:"id"`
	UserID    string     `json:"-"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	Messages  []Message  `json:"messages,omitempty"`
}

// Message is a single stored turn. Assistant turns that requested tools
// carry ToolCalls; tool turns carry the ToolCallID they answer.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Seq            int64          `json:"seq"`
	Role           string         `json:"role"` // user, assistant, tool
	Content        string         `json:"content"`
	ToolCalls      []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID     string         `json:"tool_call_id,omitempty"`
	ToolName       string         `json:"tool_name,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// LLM converts a stored message to the provider-neutral form.
func (m Message) LLM() llm.Message {
	return llm.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		ToolName:   m.ToolName,
	}
}

// Commit is the set of turns produced by one request.
type Commit struct {
	ConversationID string
	UserID         string
	// Create inserts the conversation row with Title. When false the
	// conversation must already exist, be owned by UserID, and not be
	// soft-deleted.
	Create bool
	Title  string
	Turns  []Message
}

// Page is one page of a conversation listing.
type Page struct {
	Items      []Conversation `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// Listing limits.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	DefaultWindow   = 50
	maxTitleRunes   = 60
)

// TitleFrom derives a conversation title from the first user message:
// its first non-empty line, trimmed to at most 60 runes.
func TitleFrom(message string) string {
	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > maxTitleRunes {
			return string(runes[:maxTitleRunes-1]) + "…"
		}
		return line
	}
	return "New conversation"
}
