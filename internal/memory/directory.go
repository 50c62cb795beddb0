package memory

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/nugget/taskagent/internal/database"
)

// List returns one page of the user's live conversations, most recently
// updated first. Pass the previous page's NextCursor to continue; an
// empty NextCursor means there are no more pages.
func (s *SQLiteStore) List(ctx context.Context, userID, cursor string, limit int) (Page, error) {
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE user_id = ? AND deleted_at IS NULL`
	args := []any{userID}

	if cursor != "" {
		updatedAt, id, err := decodeCursor(cursor)
		if err != nil {
			return Page{}, err
		}
		query += ` AND (updated_at < ? OR (updated_at = ? AND id < ?))`
		args = append(args, updatedAt, updatedAt, id)
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	page := Page{Items: []Conversation{}}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return Page{}, err
		}
		page.Items = append(page.Items, *c)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("list conversations: %w", err)
	}

	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = encodeCursor(database.FormatTime(last.UpdatedAt), last.ID)
	}
	return page, nil
}

// Fetch returns the conversation with all of its messages in order.
// Soft-deleted conversations are only returned when includeDeleted is
// set, for audit.
func (s *SQLiteStore) Fetch(ctx context.Context, conversationID, userID string, includeDeleted bool) (*Conversation, error) {
	c, err := s.conversation(ctx, s.db, conversationID, userID, includeDeleted)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY seq ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	c.Messages = msgs
	return c, nil
}

// SoftDelete marks the conversation deleted. Deleting an
// already-deleted conversation succeeds without changing it.
func (s *SQLiteStore) SoftDelete(ctx context.Context, conversationID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET deleted_at = ?
		 WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		database.FormatTime(s.now()), conversationID, userID)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	if n > 0 {
		s.logger.Info("conversation deleted", "conversation_id", conversationID, "user_id", userID)
		return nil
	}

	// Nothing updated: either already deleted (fine) or not ours.
	if _, err := s.conversation(ctx, s.db, conversationID, userID, true); err != nil {
		return err
	}
	return nil
}

func encodeCursor(updatedAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(updatedAt + "|" + id))
}

func decodeCursor(cursor string) (updatedAt, id string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", ErrInvalidCursor
	}
	updatedAt, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return "", "", ErrInvalidCursor
	}
	if _, err := database.ParseTime(updatedAt); err != nil {
		return "", "", ErrInvalidCursor
	}
	return updatedAt, id, nil
}
