package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nugget/taskagent/internal/agent"
	"github.com/nugget/taskagent/internal/memory"
)

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatResponse is the reply to POST /v1/chat.
type ChatResponse struct {
	ConversationID    string               `json:"conversation_id"`
	ReplyText         string               `json:"reply_text"`
	ExecutedToolCalls []agent.ExecutedCall `json:"executed_tool_calls"`
}

// handleChat runs one user message through the agent.
// POST /v1/chat {"message": "add buy milk"}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error",
			"I couldn't read that request. Please send JSON with a message.")
		return
	}

	userID := userIDFrom(r.Context())
	resp, err := s.loop.Run(r.Context(), agent.Request{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
	})
	if err != nil {
		s.chatError(w, err)
		return
	}

	calls := resp.ToolCalls
	if calls == nil {
		calls = []agent.ExecutedCall{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{
		ConversationID:    resp.ConversationID,
		ReplyText:         resp.Reply,
		ExecutedToolCalls: calls,
	}, s.logger)
}

func (s *Server) chatError(w http.ResponseWriter, err error) {
	code, kind, message := ClassifyChatError(err)

	var perr *memory.PersistenceError
	switch {
	case errors.As(err, &perr):
		s.logger.Error("conversation not saved", "conversation_id", perr.ConversationID, "error", perr.Err)
	case code == http.StatusInternalServerError:
		s.logger.Error("agent loop failed", "error", err)
	}
	s.errorResponse(w, code, kind, message)
}

// ClassifyChatError maps an error from the agent loop onto an HTTP status,
// an error type, and a plain-language message safe to show the user.
func ClassifyChatError(err error) (code int, kind, message string) {
	var perr *memory.PersistenceError
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		return http.StatusBadRequest, "invalid_request_error", "Please include a message."
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound, "not_found_error", "I couldn't find that conversation."
	case errors.As(err, &perr):
		return http.StatusInternalServerError, "server_error",
			"Sorry, I couldn't save that conversation. Please try again."
	default:
		return http.StatusInternalServerError, "server_error",
			"Sorry, something went wrong on my end. Please try again."
	}
}
