// Package tasks stores the per-user task lists the agent's tools act on.
// Every operation is scoped to a user; a task owned by someone else is
// indistinguishable from one that does not exist.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a task does not exist or belongs to
// another user.
var ErrNotFound = errors.New("task not found")

// Priority ranks a task.
type Priority string

// Task priorities.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority accepts low, medium, or high in any case. An empty
// string yields [PriorityMedium].
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p, nil
	default:
		return "", fmt.Errorf("priority must be low, medium, or high")
	}
}

// DateLayout is the calendar date format for due dates.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD due date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("due date must be YYYY-MM-DD")
	}
	return t, nil
}

// Task is a single to-do item.
type Task struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Priority    Priority
	DueDate     *time.Time // calendar date, UTC midnight
	Completed   bool
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewTask holds the fields for creating a task.
type NewTask struct {
	Title       string
	Description string
	Priority    Priority
	DueDate     *time.Time
}

// Patch holds optional field changes. Nil fields are left untouched.
type Patch struct {
	Title       *string
	Description *string
	Priority    *Priority
	DueDate     *time.Time
	Completed   *bool
}

// Status filters tasks by completion.
type Status string

// List status filters.
const (
	StatusAll       Status = "all"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Filter narrows a task listing. Zero values match everything.
type Filter struct {
	Status   Status
	Priority Priority
	Search   string // case-insensitive substring of title or description
}

// Store is the task collaborator the tool handlers call. Implementations
// must scope every method to userID.
type Store interface {
	Create(ctx context.Context, userID string, in NewTask) (*Task, error)
	Get(ctx context.Context, userID, id string) (*Task, error)
	List(ctx context.Context, userID string, f Filter) ([]*Task, error)
	// Update applies p atomically against the current row and returns
	// the updated task plus the names of fields whose values changed.
	Update(ctx context.Context, userID, id string, p Patch) (*Task, []string, error)
	Delete(ctx context.Context, userID, id string) (*Task, error)
}
