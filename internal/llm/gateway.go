package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultCallTimeout bounds a single provider call when the gateway is
// built without an explicit timeout.
const DefaultCallTimeout = 60 * time.Second

// Gateway is the single point through which the agent reaches a model.
// Each call gets its own deadline, and a transient failure is retried
// exactly once.
type Gateway struct {
	client  Client
	model   string
	timeout time.Duration
	backoff time.Duration
	logger  *slog.Logger
}

// GatewayConfig configures a [Gateway].
type GatewayConfig struct {
	Model   string
	Timeout time.Duration
	// Backoff is the pause before the retry. Zero uses 500ms.
	Backoff time.Duration
}

// NewGateway wraps client with timeout and retry policy.
func NewGateway(client Client, cfg GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	return &Gateway{
		client:  client,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		backoff: cfg.Backoff,
		logger:  logger,
	}
}

// Model returns the model name the gateway sends requests to.
func (g *Gateway) Model() string { return g.model }

// Complete sends messages to the model. tools may be nil to force a
// text-only answer. Errors are always a *[ProviderError].
func (g *Gateway) Complete(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	resp, err := g.attempt(ctx, messages, tools)
	if err == nil {
		return resp, nil
	}
	if !IsTransient(err) || ctx.Err() != nil {
		return nil, err
	}

	g.logger.Warn("transient provider failure, retrying once",
		"model", g.model,
		"error", err,
	)

	select {
	case <-ctx.Done():
		return nil, wrapProviderError(ctx.Err())
	case <-time.After(g.backoff):
	}

	resp, err = g.attempt(ctx, messages, tools)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (g *Gateway) attempt(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.client.Chat(callCtx, g.model, messages, tools)
	if err != nil {
		// A deadline on our own per-call context is transient; a
		// cancelled parent is not.
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &ProviderError{Provider: "gateway", Transient: true, Err: err}
		}
		return nil, wrapProviderError(err)
	}

	g.logger.Debug("model call complete",
		"model", g.model,
		"tool_calls", len(resp.Message.ToolCalls),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return resp, nil
}

func wrapProviderError(err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: "gateway", Err: err}
}
