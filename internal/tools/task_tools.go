package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/taskagent/internal/tasks"
)

const msgNotFound = "I couldn't find that task."

type createTaskArgs struct {
	Title       string `json:"title" jsonschema_description:"Short title for the task, in the user's words."`
	Description string `json:"description,omitempty" jsonschema_description:"Optional longer notes."`
	Priority    string `json:"priority,omitempty" jsonschema:"enum=low,enum=medium,enum=high" jsonschema_description:"Task priority (default medium)."`
	DueDate     string `json:"due_date,omitempty" jsonschema_description:"Optional due date as YYYY-MM-DD."`

	priority tasks.Priority
	due      *time.Time
}

type listTasksArgs struct {
	Status   string `json:"status,omitempty" jsonschema:"enum=pending,enum=completed,enum=all" jsonschema_description:"Filter by completion (default all)."`
	Priority string `json:"priority,omitempty" jsonschema:"enum=low,enum=medium,enum=high" jsonschema_description:"Only tasks with this priority."`
	Search   string `json:"search,omitempty" jsonschema_description:"Case-insensitive text to match in title or description."`

	status   tasks.Status
	priority tasks.Priority
}

type completeTaskArgs struct {
	TaskID string `json:"task_id" jsonschema_description:"ID of the task, taken from a list_tasks result."`
}

type updateTaskArgs struct {
	TaskID      string  `json:"task_id" jsonschema_description:"ID of the task, taken from a list_tasks result."`
	Title       *string `json:"title,omitempty" jsonschema_description:"New title."`
	Description *string `json:"description,omitempty" jsonschema_description:"New description."`
	Priority    *string `json:"priority,omitempty" jsonschema:"enum=low,enum=medium,enum=high" jsonschema_description:"New priority."`
	DueDate     *string `json:"due_date,omitempty" jsonschema_description:"New due date as YYYY-MM-DD."`
	Completed   *bool   `json:"completed,omitempty" jsonschema_description:"Mark complete (true) or reopen (false)."`

	patch tasks.Patch
}

type deleteTaskArgs struct {
	TaskID    string `json:"task_id" jsonschema_description:"ID of the task, taken from a list_tasks result."`
	Confirmed bool   `json:"confirmed" jsonschema_description:"Set true only after the user has explicitly confirmed this deletion."`
}

func (r *Registry) registerTaskTools() {
	r.register(typedTool("create_task",
		"Create a new task for the user.",
		validateCreate, r.handleCreate))

	r.register(typedTool("list_tasks",
		"List the user's tasks, optionally filtered. Use this to find a task's ID before changing it.",
		validateList, r.handleList))

	r.register(typedTool("complete_task",
		"Mark one of the user's tasks as complete.",
		validateComplete, r.handleComplete))

	r.register(typedTool("update_task",
		"Change fields of an existing task. Only the fields you pass are modified.",
		validateUpdate, r.handleUpdate))

	del := typedTool("delete_task",
		"Permanently delete a task. Ask the user to confirm first, and only call this with confirmed=true after they agree.",
		validateDelete, r.handleDelete)
	del.Destructive = true
	r.register(del)
}

func requireTaskID(tool, id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Tool: tool, Field: "task_id", Reason: "is required"}
	}
	return nil
}

func parsePriorityArg(tool, s string) (tasks.Priority, error) {
	p, err := tasks.ParsePriority(s)
	if err != nil {
		return "", &ValidationError{Tool: tool, Field: "priority", Reason: "must be low, medium, or high"}
	}
	return p, nil
}

func parseDueArg(tool, s string) (*time.Time, error) {
	d, err := tasks.ParseDate(s)
	if err != nil {
		return nil, &ValidationError{Tool: tool, Field: "due_date", Reason: "must be a date in YYYY-MM-DD form"}
	}
	return &d, nil
}

func validateCreate(a *createTaskArgs) error {
	a.Title = strings.TrimSpace(a.Title)
	if a.Title == "" {
		return &ValidationError{Tool: "create_task", Field: "title", Reason: "must not be empty"}
	}
	a.Description = strings.TrimSpace(a.Description)

	p, err := parsePriorityArg("create_task", a.Priority)
	if err != nil {
		return err
	}
	a.priority = p

	if strings.TrimSpace(a.DueDate) != "" {
		if a.due, err = parseDueArg("create_task", a.DueDate); err != nil {
			return err
		}
	}
	return nil
}

func validateList(a *listTasksArgs) error {
	switch s := tasks.Status(strings.ToLower(strings.TrimSpace(a.Status))); s {
	case "":
		a.status = tasks.StatusAll
	case tasks.StatusAll, tasks.StatusPending, tasks.StatusCompleted:
		a.status = s
	default:
		return &ValidationError{Tool: "list_tasks", Field: "status", Reason: "must be pending, completed, or all"}
	}
	if strings.TrimSpace(a.Priority) != "" {
		p, err := parsePriorityArg("list_tasks", a.Priority)
		if err != nil {
			return err
		}
		a.priority = p
	}
	return nil
}

func validateComplete(a *completeTaskArgs) error {
	return requireTaskID("complete_task", a.TaskID)
}

func validateUpdate(a *updateTaskArgs) error {
	const tool = "update_task"
	if err := requireTaskID(tool, a.TaskID); err != nil {
		return err
	}
	if a.Title != nil {
		title := strings.TrimSpace(*a.Title)
		if title == "" {
			return &ValidationError{Tool: tool, Field: "title", Reason: "must not be empty"}
		}
		a.patch.Title = &title
	}
	if a.Description != nil {
		desc := strings.TrimSpace(*a.Description)
		a.patch.Description = &desc
	}
	if a.Priority != nil {
		p, err := parsePriorityArg(tool, *a.Priority)
		if err != nil {
			return err
		}
		a.patch.Priority = &p
	}
	if a.DueDate != nil {
		d, err := parseDueArg(tool, *a.DueDate)
		if err != nil {
			return err
		}
		a.patch.DueDate = d
	}
	a.patch.Completed = a.Completed
	return nil
}

func validateDelete(a *deleteTaskArgs) error {
	return requireTaskID("delete_task", a.TaskID)
}

func (r *Registry) handleCreate(ctx context.Context, userID string, a createTaskArgs) (Result, error) {
	t, err := r.store.Create(ctx, userID, tasks.NewTask{
		Title:       a.Title,
		Description: a.Description,
		Priority:    a.priority,
		DueDate:     a.due,
	})
	if err != nil {
		return Result{}, err
	}
	return Success(fmt.Sprintf(`Created task "%s".`, t.Title), t), nil
}

func (r *Registry) handleList(ctx context.Context, userID string, a listTasksArgs) (Result, error) {
	list, err := r.store.List(ctx, userID, tasks.Filter{
		Status:   a.status,
		Priority: a.priority,
		Search:   a.Search,
	})
	if err != nil {
		return Result{}, err
	}
	if len(list) == 0 {
		return Success("You have no tasks matching that.", nil), nil
	}

	res := Success(countMessage(len(list), a.status), nil)
	res.Tasks = make([]TaskView, 0, len(list))
	for _, t := range list {
		res.Tasks = append(res.Tasks, viewOf(t))
	}
	return res, nil
}

func countMessage(n int, status tasks.Status) string {
	qualifier := ""
	switch status {
	case tasks.StatusPending:
		qualifier = "pending "
	case tasks.StatusCompleted:
		qualifier = "completed "
	}
	noun := "tasks"
	if n == 1 {
		noun = "task"
	}
	return fmt.Sprintf("You have %d %s%s.", n, qualifier, noun)
}

func (r *Registry) handleComplete(ctx context.Context, userID string, a completeTaskArgs) (Result, error) {
	current, err := r.store.Get(ctx, userID, a.TaskID)
	if errors.Is(err, tasks.ErrNotFound) {
		return Failure(ReasonNotFound, msgNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}
	if current.Completed {
		return Info(fmt.Sprintf(`Task "%s" is already complete.`, current.Title), current), nil
	}

	done := true
	t, changed, err := r.store.Update(ctx, userID, a.TaskID, tasks.Patch{Completed: &done})
	if errors.Is(err, tasks.ErrNotFound) {
		return Failure(ReasonNotFound, msgNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}
	if len(changed) == 0 {
		// Completed concurrently between the read and the update.
		return Info(fmt.Sprintf(`Task "%s" is already complete.`, t.Title), t), nil
	}
	return Success(fmt.Sprintf(`Marked "%s" as complete.`, t.Title), t), nil
}

var fieldLabels = map[string]string{
	"title":       "title",
	"description": "description",
	"priority":    "priority",
	"due_date":    "due date",
	"completed":   "completion status",
}

func (r *Registry) handleUpdate(ctx context.Context, userID string, a updateTaskArgs) (Result, error) {
	t, changed, err := r.store.Update(ctx, userID, a.TaskID, a.patch)
	if errors.Is(err, tasks.ErrNotFound) {
		return Failure(ReasonNotFound, msgNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}
	if len(changed) == 0 {
		return Info(fmt.Sprintf(`Task "%s" already looks like that; nothing changed.`, t.Title), t), nil
	}

	labels := make([]string, len(changed))
	for i, f := range changed {
		labels[i] = fieldLabels[f]
	}
	res := Success(fmt.Sprintf(`Updated the %s of "%s".`, joinWords(labels), t.Title), t)
	res.ChangedFields = changed
	return res, nil
}

func (r *Registry) handleDelete(ctx context.Context, userID string, a deleteTaskArgs) (Result, error) {
	if !a.Confirmed {
		return Failure(ReasonConfirmationRequired,
			"Please confirm that you want this task deleted."), nil
	}
	t, err := r.store.Delete(ctx, userID, a.TaskID)
	if errors.Is(err, tasks.ErrNotFound) {
		return Failure(ReasonNotFound, msgNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}
	return Success(fmt.Sprintf(`Deleted task "%s".`, t.Title), t), nil
}

// joinWords renders ["a","b","c"] as "a, b and c".
func joinWords(words []string) string {
	switch len(words) {
	case 0:
		return ""
	case 1:
		return words[0]
	default:
		return strings.Join(words[:len(words)-1], ", ") + " and " + words[len(words)-1]
	}
}
