package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/taskagent/internal/memory"
)

// ConversationSummary is one item of a conversation listing.
type ConversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationList is the reply to GET /v1/conversations.
type ConversationList struct {
	Items      []ConversationSummary `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

// TranscriptMessage is one stored turn as shown to clients.
type TranscriptMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ToolName  string    `json:"tool_name,omitempty"`
}

// ConversationDetail is the reply to GET /v1/conversations/{id}.
type ConversationDetail struct {
	ID        string              `json:"id"`
	Title     string              `json:"title"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	DeletedAt *time.Time          `json:"deleted_at,omitempty"`
	Messages  []TranscriptMessage `json:"messages"`
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid_request_error",
				"The limit must be a whole number.")
			return
		}
		limit = n
	}

	page, err := s.directory.List(r.Context(), userIDFrom(r.Context()), q.Get("cursor"), limit)
	if errors.Is(err, memory.ErrInvalidCursor) {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error",
			"That page link is no longer valid. Please start from the first page.")
		return
	}
	if err != nil {
		s.logger.Error("list conversations", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error",
			"Sorry, I couldn't load your conversations. Please try again.")
		return
	}

	out := ConversationList{Items: make([]ConversationSummary, 0, len(page.Items)), NextCursor: page.NextCursor}
	for _, c := range page.Items {
		out.Items = append(out.Items, ConversationSummary{ID: c.ID, Title: c.Title, UpdatedAt: c.UpdatedAt})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

// handleConversationGet returns a transcript. ?include_deleted=true
// allows fetching a soft-deleted conversation for audit.
func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	includeDeleted, _ := strconv.ParseBool(r.URL.Query().Get("include_deleted"))

	conv, err := s.directory.Fetch(r.Context(), r.PathValue("id"), userIDFrom(r.Context()), includeDeleted)
	if errors.Is(err, memory.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "not_found_error", "I couldn't find that conversation.")
		return
	}
	if err != nil {
		s.logger.Error("fetch conversation", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error",
			"Sorry, I couldn't load that conversation. Please try again.")
		return
	}

	out := ConversationDetail{
		ID:        conv.ID,
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
		DeletedAt: conv.DeletedAt,
		Messages:  make([]TranscriptMessage, 0, len(conv.Messages)),
	}
	for _, m := range conv.Messages {
		out.Messages = append(out.Messages, TranscriptMessage{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.CreatedAt,
			ToolName:  m.ToolName,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	err := s.directory.SoftDelete(r.Context(), r.PathValue("id"), userIDFrom(r.Context()))
	if errors.Is(err, memory.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "not_found_error", "I couldn't find that conversation.")
		return
	}
	if err != nil {
		s.logger.Error("delete conversation", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error",
			"Sorry, I couldn't delete that conversation. Please try again.")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
