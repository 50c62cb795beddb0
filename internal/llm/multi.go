package llm

import (
	"context"
	"fmt"
)

// MultiClient routes requests to the right provider by model name.
type MultiClient struct {
	providers map[string]Client // provider name -> client
	models    map[string]string // model name -> provider name
	fallback  Client
}

// NewMultiClient creates a client that routes based on model name.
// Models that are not registered go to fallback.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		providers: make(map[string]Client),
		models:    make(map[string]string),
		fallback:  fallback,
	}
}

// AddProvider registers a provider client.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.providers[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

func (m *MultiClient) clientFor(model string) (Client, error) {
	if provider, ok := m.models[model]; ok {
		if c, ok := m.providers[provider]; ok {
			return c, nil
		}
		return nil, fmt.Errorf("model %q mapped to unregistered provider %q", model, provider)
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("no provider for model %q", model)
	}
	return m.fallback, nil
}

// Chat routes to the appropriate provider.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	c, err := m.clientFor(model)
	if err != nil {
		return nil, err
	}
	return c.Chat(ctx, model, messages, tools)
}

// Ping checks every registered provider and the fallback.
func (m *MultiClient) Ping(ctx context.Context) error {
	for name, c := range m.providers {
		if err := c.Ping(ctx); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
	}
	if m.fallback != nil {
		return m.fallback.Ping(ctx)
	}
	return nil
}

// PingModel checks only the provider that serves model.
func (m *MultiClient) PingModel(ctx context.Context, model string) error {
	c, err := m.clientFor(model)
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}
