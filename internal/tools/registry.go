// Package tools defines the task tools the model may call and the
// dispatcher that executes them on behalf of a verified user.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"

	"github.com/nugget/taskagent/internal/tasks"
)

// Tool is a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// Destructive tools are refused unless the conversation already
	// contains an assistant turn the user could have confirmed against.
	Destructive bool `json:"-"`

	// Validate decodes raw model arguments into the tool's typed
	// argument value, returning *ValidationError on bad input.
	Validate func(raw map[string]any) (any, error) `json:"-"`

	// Handler executes the tool for userID. The error return is reserved
	// for infrastructure failures; business outcomes are Results.
	Handler func(ctx context.Context, userID string, args any) (Result, error) `json:"-"`
}

// Registry holds the enumerated tool set. It is immutable after
// NewRegistry returns and safe for concurrent use.
type Registry struct {
	tools  map[string]*Tool
	names  []string
	store  tasks.Store
	logger *slog.Logger
}

// NewRegistry creates the registry of task tools backed by store.
func NewRegistry(store tasks.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]*Tool),
		store:  store,
		logger: logger,
	}
	r.registerTaskTools()

	for name := range r.tools {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r
}

func (r *Registry) register(t *Tool) {
	if _, dup := r.tools[t.Name]; dup {
		panic(fmt.Sprintf("tools: duplicate tool %q", t.Name))
	}
	r.tools[t.Name] = t
}

// Resolve returns the named tool or *ErrToolUnavailable.
func (r *Registry) Resolve(name string) (*Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, &ErrToolUnavailable{ToolName: name}
	}
	return t, nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Definitions returns every tool in OpenAI function format, sorted by
// name so the list the model sees is stable.
func (r *Registry) Definitions() []map[string]any {
	out := make([]map[string]any, 0, len(r.names))
	for _, name := range r.names {
		t := r.tools[name]
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return out
}

// typedTool builds a Tool whose arguments decode into T. check runs
// after decoding and returns *ValidationError for semantic problems.
func typedTool[T any](
	name, description string,
	check func(*T) error,
	handle func(ctx context.Context, userID string, args T) (Result, error),
) *Tool {
	return &Tool{
		Name:        name,
		Description: description,
		Parameters:  GenerateSchema[T](),
		Validate: func(raw map[string]any) (any, error) {
			args, err := decodeArgs[T](name, raw)
			if err != nil {
				return nil, err
			}
			if check != nil {
				if err := check(&args); err != nil {
					return nil, err
				}
			}
			return args, nil
		},
		Handler: func(ctx context.Context, userID string, args any) (Result, error) {
			typed, ok := args.(T)
			if !ok {
				return Result{}, fmt.Errorf("%s: unexpected argument type %T", name, args)
			}
			return handle(ctx, userID, typed)
		},
	}
}

// decodeArgs round-trips raw through JSON into T. Unknown keys are
// ignored, so a model-supplied user_id never reaches a handler.
func decodeArgs[T any](tool string, raw map[string]any) (T, error) {
	var args T
	if raw == nil {
		raw = map[string]any{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return args, &ValidationError{Tool: tool, Reason: "arguments are not valid JSON"}
	}
	if err := json.Unmarshal(data, &args); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return args, &ValidationError{
				Tool:   tool,
				Field:  typeErr.Field,
				Reason: "expected " + describeKind(typeErr.Type),
			}
		}
		return args, &ValidationError{Tool: tool, Reason: err.Error()}
	}
	return args, nil
}

func describeKind(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "a string"
	case reflect.Bool:
		return "true or false"
	case reflect.Int, reflect.Int64, reflect.Float64:
		return "a number"
	default:
		return t.Kind().String()
	}
}
