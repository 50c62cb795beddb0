// Package agent implements the request pipeline: load the conversation,
// let the model call task tools for a bounded number of rounds, compose
// the reply, and commit the new turns.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/taskagent/internal/config"
	"github.com/nugget/taskagent/internal/llm"
	"github.com/nugget/taskagent/internal/memory"
	"github.com/nugget/taskagent/internal/prompts"
	"github.com/nugget/taskagent/internal/tools"
	"github.com/nugget/taskagent/internal/usage"
)

// DefaultMaxToolRounds is the number of tool-execution rounds allowed per
// request when none is configured.
const DefaultMaxToolRounds = 2

// ErrEmptyMessage is returned for a request with no message text.
var ErrEmptyMessage = errors.New("message is empty")

// Completer is the model gateway the loop calls.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error)
	Model() string
}

// ConversationStore loads and commits conversation turns.
type ConversationStore interface {
	LoadContext(ctx context.Context, conversationID, userID string, window int) ([]memory.Message, error)
	Persist(ctx context.Context, c memory.Commit) error
}

// UsageRecorder stores per-call token usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Request is one user message.
type Request struct {
	UserID         string
	ConversationID string // empty starts a new conversation
	Message        string
}

// ExecutedCall describes a tool call that was dispatched.
type ExecutedCall struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Status    tools.Status   `json:"result_status"`
	Result    tools.Result   `json:"-"`
}

// Response is the outcome of one request.
type Response struct {
	RequestID      string
	ConversationID string
	Reply          string
	ToolCalls      []ExecutedCall
	Model          string
	InputTokens    int
	OutputTokens   int
	Rounds         int // model calls made

	// LoopLimited is set when the model was still asking for tools after
	// the round limit and the reply was composed without it.
	LoopLimited bool
	// Degraded is set when the model provider failed and the reply is a
	// fallback.
	Degraded bool
}

// Options tunes a [Loop].
type Options struct {
	MaxToolRounds int
	Window        int
	Provider      string // recorded in usage rows
	Pricing       map[string]config.PricingEntry
}

// Loop runs requests. It holds no per-conversation state; everything a
// request needs is loaded from the store and everything it produces is
// committed before Run returns.
type Loop struct {
	logger     *slog.Logger
	gateway    Completer
	dispatcher *tools.Dispatcher
	memory     ConversationStore
	usage      UsageRecorder
	opts       Options
	now        func() time.Time
}

// NewLoop creates a loop. usageRec may be nil.
func NewLoop(logger *slog.Logger, gateway Completer, dispatcher *tools.Dispatcher, mem ConversationStore, usageRec UsageRecorder, opts Options) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = DefaultMaxToolRounds
	}
	if opts.Window <= 0 {
		opts.Window = memory.DefaultWindow
	}
	return &Loop{
		logger:     logger.With("component", "agent"),
		gateway:    gateway,
		dispatcher: dispatcher,
		memory:     mem,
		usage:      usageRec,
		opts:       opts,
		now:        time.Now,
	}
}

// Run handles one user message. It returns memory.ErrNotFound when the
// named conversation is absent, foreign, or deleted, and a
// *memory.PersistenceError when the turns could not be committed.
// Provider failures are not errors; they yield a Degraded response.
func (l *Loop) Run(ctx context.Context, req Request) (*Response, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	resp := &Response{
		RequestID: generateRequestID(),
		Model:     l.gateway.Model(),
	}
	log := l.logger.With("request_id", resp.RequestID, "user_id", req.UserID)

	convID := req.ConversationID
	create := convID == ""
	var history []memory.Message
	if create {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		convID = id.String()
	} else {
		var err error
		history, err = l.memory.LoadContext(ctx, convID, req.UserID, l.opts.Window)
		if err != nil {
			return nil, err
		}
	}
	log = log.With("conversation_id", convID)
	log.Info("request started", "new_conversation", create, "history", len(history))

	priorAssistant := confirmable(history)

	messages := assemble(prompts.SystemPrompt(l.now()), history, message)
	turns := []memory.Message{{Role: llm.RoleUser, Content: message, CreatedAt: l.now()}}
	defs := l.dispatcher.Registry().Definitions()

	var toolMessages []string
	for round := 0; ; round++ {
		offered := defs
		if round >= l.opts.MaxToolRounds {
			offered = nil
		}

		chat, err := l.gateway.Complete(ctx, messages, offered)
		resp.Rounds++
		if err != nil {
			resp.Degraded = true
			if len(resp.ToolCalls) == 0 {
				log.Error("model call failed, nothing done", "round", round, "error", err)
				resp.Reply = prompts.ProviderUnavailableReply
				if !create {
					resp.ConversationID = convID
				}
				return resp, nil
			}
			log.Error("model call failed after tools ran", "round", round, "error", err)
			resp.Reply = bestReply("", toolMessages, prompts.ProviderUnavailableReply)
			break
		}
		l.recordUsage(ctx, resp, req.UserID, convID, round, chat, log)

		text := strings.TrimSpace(chat.Message.Content)
		if !chat.HasToolCalls() {
			resp.Reply = bestReply(text, toolMessages, prompts.EmptyReply)
			break
		}

		if offered == nil {
			resp.LoopLimited = true
			log.Warn("tool round limit reached, composing reply without the model",
				"max_tool_rounds", l.opts.MaxToolRounds,
				"requested_calls", len(chat.Message.ToolCalls),
			)
			resp.Reply = bestReply(text, toolMessages, prompts.LoopLimitReply)
			break
		}

		calls := assignCallIDs(chat.Message.ToolCalls)
		envelope := llm.Message{Role: llm.RoleAssistant, Content: chat.Message.Content, ToolCalls: calls}
		messages = append(messages, envelope)
		turns = append(turns, memory.Message{Role: envelope.Role, Content: envelope.Content, ToolCalls: calls, CreatedAt: l.now()})

		outcomes := l.dispatcher.Dispatch(ctx, tools.Invocation{
			UserID:             req.UserID,
			Calls:              calls,
			PriorAssistantTurn: priorAssistant,
		})
		for _, o := range outcomes {
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    o.Content,
				ToolCallID: o.Call.ID,
				ToolName:   o.Call.Function.Name,
			})
			turns = append(turns, memory.Message{
				Role:       llm.RoleTool,
				Content:    o.Content,
				ToolCallID: o.Call.ID,
				ToolName:   o.Call.Function.Name,
				CreatedAt:  l.now(),
			})
			resp.ToolCalls = append(resp.ToolCalls, ExecutedCall{
				Tool:      o.Call.Function.Name,
				Arguments: o.Call.Function.Arguments,
				Status:    o.Result.Status,
				Result:    o.Result,
			})
			toolMessages = append(toolMessages, o.Result.Message)
		}
	}

	turns = append(turns, memory.Message{Role: llm.RoleAssistant, Content: resp.Reply, CreatedAt: l.now()})

	if err := l.memory.Persist(ctx, memory.Commit{
		ConversationID: convID,
		UserID:         req.UserID,
		Create:         create,
		Title:          memory.TitleFrom(message),
		Turns:          turns,
	}); err != nil {
		log.Error("persist failed", "error", err)
		return nil, err
	}
	resp.ConversationID = convID

	log.Info("request complete",
		"model", resp.Model,
		"rounds", resp.Rounds,
		"tool_calls", len(resp.ToolCalls),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"loop_limited", resp.LoopLimited,
		"degraded", resp.Degraded,
	)
	return resp, nil
}

// confirmable reports whether the user's new message can be an answer to
// a confirmation question: the most recent assistant turn in history must
// be text the model wrote, not a tool-call envelope or a fixed fallback.
func confirmable(history []memory.Message) bool {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role != llm.RoleAssistant {
			continue
		}
		content := strings.TrimSpace(m.Content)
		return len(m.ToolCalls) == 0 && content != "" && !prompts.IsFallback(content)
	}
	return false
}

// assemble builds the model input: directive, replayed history, then the
// new user message.
func assemble(system string, history []memory.Message, userMessage string) []llm.Message {
	out := make([]llm.Message, 0, len(history)+2)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, m := range history {
		out = append(out, m.LLM())
	}
	return append(out, llm.Message{Role: llm.RoleUser, Content: userMessage})
}

// assignCallIDs keeps provider-supplied IDs and fills in missing ones so
// every tool result can reference the call it answers.
func assignCallIDs(calls []llm.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			if id, err := uuid.NewV7(); err == nil {
				c.ID = "call_" + id.String()
			} else {
				c.ID = "call_" + generateRequestID()
			}
		}
		if c.Function.Arguments == nil {
			c.Function.Arguments = map[string]any{}
		}
		out[i] = c
	}
	return out
}

// bestReply picks the model's text, then the tools' own messages, then
// fallback.
func bestReply(text string, toolMessages []string, fallback string) string {
	if text != "" {
		return text
	}
	if composed := prompts.ComposeFromToolMessages(toolMessages); composed != "" {
		return composed
	}
	return fallback
}

func (l *Loop) recordUsage(ctx context.Context, resp *Response, userID, convID string, round int, chat *llm.ChatResponse, log *slog.Logger) {
	resp.InputTokens += chat.InputTokens
	resp.OutputTokens += chat.OutputTokens
	if chat.Model != "" {
		resp.Model = chat.Model
	}
	if l.usage == nil {
		return
	}
	model := resp.Model
	err := l.usage.Record(ctx, usage.Record{
		RequestID:      resp.RequestID,
		UserID:         userID,
		ConversationID: convID,
		Model:          model,
		Provider:       l.opts.Provider,
		Round:          round,
		InputTokens:    chat.InputTokens,
		OutputTokens:   chat.OutputTokens,
		CostUSD:        usage.ComputeCost(model, chat.InputTokens, chat.OutputTokens, l.opts.Pricing),
	})
	if err != nil {
		log.Warn("record usage failed", "error", err)
	}
}

// generateRequestID returns a short random identifier for log
// correlation: "r_" followed by 8 hex characters.
func generateRequestID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "r_00000000"
	}
	return "r_" + hex.EncodeToString(b)
}
