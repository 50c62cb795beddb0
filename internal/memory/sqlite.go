package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/taskagent/internal/database"
	"github.com/nugget/taskagent/internal/llm"
)

// SQLiteStore is the SQLite-backed conversation store. It keeps no
// per-conversation state in process and is safe for concurrent use.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates the conversation schema on db if needed.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{db: db, logger: logger, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate memory schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		title      TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_listing
		ON conversations(user_id, deleted_at, updated_at DESC, id DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		seq             INTEGER NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		tool_calls      TEXT,
		tool_call_id    TEXT NOT NULL DEFAULT '',
		tool_name       TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL,
		UNIQUE (conversation_id, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// LoadContext returns the most recent window messages of the
// conversation in order. Tool results at the head of the window whose
// originating assistant turn fell outside it are dropped.
func (s *SQLiteStore) LoadContext(ctx context.Context, conversationID, userID string, window int) ([]Message, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	if _, err := s.conversation(ctx, s.db, conversationID, userID, false); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC`,
		conversationID, window)
	if err != nil {
		return nil, fmt.Errorf("query context: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	trimmed := 0
	for trimmed < len(msgs) && msgs[trimmed].Role == llm.RoleTool {
		trimmed++
	}
	if trimmed > 0 {
		s.logger.Debug("dropped orphaned tool results at window edge",
			"conversation_id", conversationID, "count", trimmed)
	}
	return msgs[trimmed:], nil
}

// Persist appends c.Turns in order as a single transaction, creating the
// conversation first when c.Create is set. The transaction is bound to
// ctx; a cancelled request commits nothing.
func (s *SQLiteStore) Persist(ctx context.Context, c Commit) error {
	if err := s.persist(ctx, c); err != nil {
		return &PersistenceError{ConversationID: c.ConversationID, Err: err}
	}
	return nil
}

func (s *SQLiteStore) persist(ctx context.Context, c Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	stamp := database.FormatTime(now)

	if c.Create {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			c.ConversationID, c.UserID, c.Title, stamp, stamp)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ?
			 WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
			stamp, c.ConversationID, c.UserID)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		} else if n == 0 {
			return ErrNotFound
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`,
		c.ConversationID).Scan(&seq); err != nil {
		return fmt.Errorf("read seq: %w", err)
	}

	for _, m := range c.Turns {
		seq++
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate message ID: %w", err)
		}
		created := m.CreatedAt
		if created.IsZero() {
			created = now
		}

		var toolCalls sql.NullString
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("encode tool calls: %w", err)
			}
			toolCalls = sql.NullString{String: string(data), Valid: true}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id.String(), c.ConversationID, seq, m.Role, m.Content,
			toolCalls, m.ToolCallID, m.ToolName, database.FormatTime(created),
		); err != nil {
			return fmt.Errorf("insert message %d: %w", seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("conversation persisted",
		"conversation_id", c.ConversationID,
		"created", c.Create,
		"turns", len(c.Turns),
		"last_seq", seq,
	)
	return nil
}

const messageColumns = `id, conversation_id, seq, role, content, tool_calls, tool_call_id, tool_name, created_at`

const conversationColumns = `id, user_id, title, created_at, updated_at, deleted_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// conversation loads a conversation row scoped to userID.
func (s *SQLiteStore) conversation(ctx context.Context, q queryer, id, userID string, includeDeleted bool) (*Conversation, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.DeletedAt != nil && !includeDeleted {
		return nil, ErrNotFound
	}
	return c, nil
}

func scanConversation(row scanner) (*Conversation, error) {
	var (
		c                    Conversation
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &createdAt, &updatedAt, &deletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	var err error
	if c.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if c.DeletedAt, err = database.ParseNullTime(deletedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var (
			m         Message
			toolCalls sql.NullString
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content,
			&toolCalls, &m.ToolCallID, &m.ToolName, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls for message %s: %w", m.ID, err)
			}
		}
		t, err := database.ParseTime(createdAt)
		if err != nil {
			return nil, err
		}
		m.CreatedAt = t
		out = append(out, m)
	}
	return out, rows.Err()
}
