package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/taskagent/internal/database"
)

// SQLiteStore is the SQLite-backed [Store]. It is safe for concurrent
// use.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates the tasks schema on db if needed.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{db: db, logger: logger, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate tasks schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		title        TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		priority     TEXT NOT NULL DEFAULT 'medium',
		due_date     TEXT,
		completed    INTEGER NOT NULL DEFAULT 0,
		completed_at TEXT,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

const taskColumns = `id, user_id, title, description, priority, due_date, completed, completed_at, created_at, updated_at`

// Create inserts a new task owned by userID.
func (s *SQLiteStore) Create(ctx context.Context, userID string, in NewTask) (*Task, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate task ID: %w", err)
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	now := s.now().UTC()

	t := &Task{
		ID:          id.String(),
		UserID:      userID,
		Title:       in.Title,
		Description: in.Description,
		Priority:    in.Priority,
		DueDate:     in.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)`,
		t.ID, t.UserID, t.Title, t.Description, string(t.Priority), nullDate(t.DueDate),
		database.FormatTime(now), database.FormatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	s.logger.Debug("task created", "user_id", userID, "task_id", t.ID)
	return t, nil
}

// Get returns the task if it exists and belongs to userID.
func (s *SQLiteStore) Get(ctx context.Context, userID, id string) (*Task, error) {
	return getTask(ctx, s.db, userID, id)
}

// List returns the user's tasks matching f, oldest first.
func (s *SQLiteStore) List(ctx context.Context, userID string, f Filter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = ?`
	args := []any{userID}

	switch f.Status {
	case StatusPending:
		query += ` AND completed = 0`
	case StatusCompleted:
		query += ` AND completed = 1`
	}
	if f.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, string(f.Priority))
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		query += ` AND (instr(lower(title), lower(?)) > 0 OR instr(lower(description), lower(?)) > 0)`
		args = append(args, search, search)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Update applies p inside a transaction so the comparison against stored
// values and the write see the same row.
func (s *SQLiteStore) Update(ctx context.Context, userID, id string, p Patch) (*Task, []string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	t, err := getTask(ctx, tx, userID, id)
	if err != nil {
		return nil, nil, err
	}

	changed := applyPatch(t, p, s.now().UTC())
	if len(changed) == 0 {
		return t, nil, nil
	}
	t.UpdatedAt = s.now().UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, priority = ?, due_date = ?,
			completed = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		t.Title, t.Description, string(t.Priority), nullDate(t.DueDate),
		boolInt(t.Completed), database.NullTime(t.CompletedAt), database.FormatTime(t.UpdatedAt),
		t.ID, userID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit update: %w", err)
	}

	s.logger.Debug("task updated", "user_id", userID, "task_id", id, "changed", changed)
	return t, changed, nil
}

// applyPatch mutates t and returns the names of fields that changed.
func applyPatch(t *Task, p Patch, now time.Time) []string {
	var changed []string
	if p.Title != nil && *p.Title != t.Title {
		t.Title = *p.Title
		changed = append(changed, "title")
	}
	if p.Description != nil && *p.Description != t.Description {
		t.Description = *p.Description
		changed = append(changed, "description")
	}
	if p.Priority != nil && *p.Priority != t.Priority {
		t.Priority = *p.Priority
		changed = append(changed, "priority")
	}
	if p.DueDate != nil && (t.DueDate == nil || !t.DueDate.Equal(*p.DueDate)) {
		d := *p.DueDate
		t.DueDate = &d
		changed = append(changed, "due_date")
	}
	if p.Completed != nil && *p.Completed != t.Completed {
		t.Completed = *p.Completed
		if t.Completed {
			t.CompletedAt = &now
		} else {
			t.CompletedAt = nil
		}
		changed = append(changed, "completed")
	}
	return changed
}

// Delete removes the task and returns it as it was.
func (s *SQLiteStore) Delete(ctx context.Context, userID, id string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	t, err := getTask(ctx, tx, userID, id)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return nil, fmt.Errorf("delete task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}

	s.logger.Debug("task deleted", "user_id", userID, "task_id", id)
	return t, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getTask(ctx context.Context, q queryer, userID, id string) (*Task, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND user_id = ?`, id, userID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                    Task
		priority             string
		dueDate, completedAt sql.NullString
		completed            int
		createdAt, updatedAt string
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &priority,
		&dueDate, &completed, &completedAt, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Priority = Priority(priority)
	t.Completed = completed != 0

	var err error
	if t.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = database.ParseNullTime(completedAt); err != nil {
		return nil, err
	}
	if dueDate.Valid && dueDate.String != "" {
		d, err := ParseDate(dueDate.String)
		if err != nil {
			return nil, err
		}
		t.DueDate = &d
	}
	return &t, nil
}

func nullDate(d *time.Time) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Format(DateLayout), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
