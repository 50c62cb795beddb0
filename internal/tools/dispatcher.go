package tools

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/taskagent/internal/llm"
)

const msgInternal = "Something went wrong while working on your tasks. Please try again."

// Invocation is one batch of tool calls from a single model response.
type Invocation struct {
	// UserID is the verified caller. It is the only source of ownership;
	// nothing in the model's arguments can override it.
	UserID string
	Calls  []llm.ToolCall
	// PriorAssistantTurn is true when the most recent assistant message in
	// the loaded history is a model-written text reply, meaning the user
	// has had a chance to answer a confirmation question.
	PriorAssistantTurn bool
}

// Outcome pairs a tool call with its result.
type Outcome struct {
	Call   llm.ToolCall
	Result Result
	// Content is the JSON text returned to the model in the tool-role
	// message.
	Content string
}

// Dispatcher executes tool calls against a [Registry]. It holds no
// per-request state.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher for registry.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, logger: logger.With("component", "dispatcher")}
}

// Registry returns the registry the dispatcher executes against.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch executes inv.Calls strictly in order and returns one Outcome
// per call. A failing call does not stop later ones, and no call is
// retried.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) []Outcome {
	out := make([]Outcome, 0, len(inv.Calls))
	for _, call := range inv.Calls {
		res := d.execute(ctx, inv, call)
		out = append(out, Outcome{Call: call, Result: res, Content: res.JSON()})
	}
	return out
}

func (d *Dispatcher) execute(ctx context.Context, inv Invocation, call llm.ToolCall) Result {
	name := call.Function.Name
	log := d.logger.With("tool", name, "call_id", call.ID, "user_id", inv.UserID)

	tool, err := d.registry.Resolve(name)
	if err != nil {
		var unavailable *ErrToolUnavailable
		if errors.As(err, &unavailable) {
			log.Warn("model requested unknown tool")
			return Failure(ReasonUnknownTool, "That action isn't available.")
		}
		log.Error("resolve tool", "error", err)
		return Failure(ReasonInternal, msgInternal)
	}

	args, err := tool.Validate(call.Function.Arguments)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			log.Info("tool arguments rejected", "field", ve.Field, "reason", ve.Reason)
			return Failure(ReasonInvalidArguments, ve.Error())
		}
		log.Error("validate tool arguments", "error", err)
		return Failure(ReasonInternal, msgInternal)
	}

	if tool.Destructive && !inv.PriorAssistantTurn {
		log.Warn("destructive tool refused without a prior confirmation turn")
		return Failure(ReasonConfirmationRequired,
			"Please confirm that you want this task deleted.")
	}

	start := time.Now()
	res, err := tool.Handler(ctx, inv.UserID, args)
	if err != nil {
		log.Error("tool handler failed", "error", err, "elapsed", time.Since(start))
		return Failure(ReasonInternal, msgInternal)
	}

	log.Debug("tool executed",
		"status", res.Status,
		"reason", res.Reason,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return res
}
