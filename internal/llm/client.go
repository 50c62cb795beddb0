// Package llm provides model provider clients and the gateway the agent
// loop uses to reach them.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Client is the interface that all model providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// tools is a list of OpenAI-style function definitions; nil means
	// the model may only answer in text.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// ProviderError describes a failed provider call. Transient is true for
// conditions that may clear on a second attempt (rate limits, overload,
// 5xx responses, dial failures, and timeouts).
type ProviderError struct {
	Provider   string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a [ProviderError] marked transient.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}
