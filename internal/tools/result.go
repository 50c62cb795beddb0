package tools

import (
	"encoding/json"
	"time"

	"github.com/nugget/taskagent/internal/tasks"
)

// Status tags a tool [Result].
type Status string

// Result statuses. Success means the requested change (or read) happened,
// Info means nothing needed doing, and Error means it could not be done.
const (
	StatusSuccess Status = "success"
	StatusInfo    Status = "info"
	StatusError   Status = "error"
)

// Failure reasons carried by error results.
const (
	ReasonUnknownTool          = "unknown_tool"
	ReasonInvalidArguments     = "invalid_arguments"
	ReasonInternal             = "internal"
	ReasonNotFound             = "not_found"
	ReasonConfirmationRequired = "confirmation_required"
)

// Result is what a tool reports back to the model. Message is written for
// the end user; the model is instructed to relay it rather than invent
// its own confirmation.
type Result struct {
	Status        Status     `json:"status"`
	Message       string     `json:"message"`
	Reason        string     `json:"reason,omitempty"`
	TaskID        string     `json:"task_id,omitempty"`
	Title         string     `json:"title,omitempty"`
	ChangedFields []string   `json:"changed_fields,omitempty"`
	Tasks         []TaskView `json:"tasks,omitempty"`
}

// TaskView is the model-facing projection of a task.
type TaskView struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority"`
	DueDate     string `json:"due_date,omitempty"`
	Completed   bool   `json:"completed"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// Success builds a success result about task t. t may be nil.
func Success(message string, t *tasks.Task) Result {
	r := Result{Status: StatusSuccess, Message: message}
	if t != nil {
		r.TaskID = t.ID
		r.Title = t.Title
	}
	return r
}

// Info builds a no-op result about task t. t may be nil.
func Info(message string, t *tasks.Task) Result {
	r := Success(message, t)
	r.Status = StatusInfo
	return r
}

// Failure builds an error result.
func Failure(reason, message string) Result {
	return Result{Status: StatusError, Reason: reason, Message: message}
}

// JSON encodes r for the tool-role message sent back to the model.
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"status":"error","reason":"internal","message":"The tool result could not be encoded."}`
	}
	return string(data)
}

func viewOf(t *tasks.Task) TaskView {
	v := TaskView{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    string(t.Priority),
		Completed:   t.Completed,
	}
	if t.DueDate != nil {
		v.DueDate = t.DueDate.Format(tasks.DateLayout)
	}
	if t.CompletedAt != nil {
		v.CompletedAt = t.CompletedAt.Format(time.RFC3339)
	}
	return v
}
