package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type scriptedClient struct {
	mu        sync.Mutex
	errs      []error
	calls     int
	block     bool
	responses []*ChatResponse
}

func (s *scriptedClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return &ChatResponse{Model: model, Message: Message{Role: RoleAssistant, Content: "ok"}}, nil
}

func (s *scriptedClient) Ping(context.Context) error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGateway_RetriesTransientOnce(t *testing.T) {
	client := &scriptedClient{errs: []error{
		&ProviderError{Provider: "test", StatusCode: 529, Transient: true, Err: errors.New("overloaded")},
	}}
	g := NewGateway(client, GatewayConfig{Model: "m", Backoff: time.Millisecond}, quietLogger())

	resp, err := g.Complete(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if resp.Message.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Message.Content)
	}
	if client.calls != 2 {
		t.Errorf("calls = %d, want 2", client.calls)
	}
}

func TestGateway_GivesUpAfterSecondTransient(t *testing.T) {
	transient := &ProviderError{Provider: "test", StatusCode: 503, Transient: true, Err: errors.New("unavailable")}
	client := &scriptedClient{errs: []error{transient, transient, transient}}
	g := NewGateway(client, GatewayConfig{Model: "m", Backoff: time.Millisecond}, quietLogger())

	_, err := g.Complete(context.Background(), nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if client.calls != 2 {
		t.Errorf("calls = %d, want 2", client.calls)
	}
}

func TestGateway_NoRetryOnPermanent(t *testing.T) {
	client := &scriptedClient{errs: []error{
		&ProviderError{Provider: "test", StatusCode: 400, Err: errors.New("bad request")},
	}}
	g := NewGateway(client, GatewayConfig{Model: "m", Backoff: time.Millisecond}, quietLogger())

	_, err := g.Complete(context.Background(), nil, nil)
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ProviderError", err)
	}
	if pe.StatusCode != 400 {
		t.Errorf("StatusCode = %d, want 400", pe.StatusCode)
	}
	if client.calls != 1 {
		t.Errorf("calls = %d, want 1", client.calls)
	}
}

func TestGateway_PerCallTimeoutIsRetried(t *testing.T) {
	client := &scriptedClient{block: true}
	g := NewGateway(client, GatewayConfig{Model: "m", Timeout: 10 * time.Millisecond, Backoff: time.Millisecond}, quietLogger())

	_, err := g.Complete(context.Background(), nil, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTransient(err) {
		t.Errorf("timeout should be reported as transient, got %v", err)
	}
	if client.calls != 2 {
		t.Errorf("calls = %d, want 2", client.calls)
	}
}

func TestGateway_CancelledParentNotRetried(t *testing.T) {
	client := &scriptedClient{block: true}
	g := NewGateway(client, GatewayConfig{Model: "m", Timeout: time.Minute}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := g.Complete(ctx, nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if client.calls != 1 {
		t.Errorf("calls = %d, want 1", client.calls)
	}
}

func TestGateway_WrapsPlainErrors(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("boom")}}
	g := NewGateway(client, GatewayConfig{Model: "m"}, quietLogger())

	_, err := g.Complete(context.Background(), nil, nil)
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ProviderError", err)
	}
	if pe.Transient {
		t.Error("plain error should not be transient")
	}
}

func TestMultiClient_Routes(t *testing.T) {
	fallback := &scriptedClient{responses: []*ChatResponse{{Message: Message{Content: "fallback"}}}}
	routed := &scriptedClient{responses: []*ChatResponse{{Message: Message{Content: "routed"}}}}

	m := NewMultiClient(fallback)
	m.AddProvider("ollama", routed)
	m.AddModel("qwen3:4b", "ollama")

	resp, err := m.Chat(context.Background(), "qwen3:4b", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "routed" {
		t.Errorf("content = %q, want routed", resp.Message.Content)
	}

	resp, err = m.Chat(context.Background(), "other", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "fallback" {
		t.Errorf("content = %q, want fallback", resp.Message.Content)
	}

	m.AddModel("ghost", "missing")
	if _, err := m.Chat(context.Background(), "ghost", nil, nil); err == nil {
		t.Error("expected error for unregistered provider")
	}
}

func TestFunctionCall_ArgumentsJSON(t *testing.T) {
	if got := (FunctionCall{}).ArgumentsJSON(); got != "{}" {
		t.Errorf("nil args = %q, want {}", got)
	}
	got := FunctionCall{Arguments: map[string]any{"title": "milk"}}.ArgumentsJSON()
	if got != `{"title":"milk"}` {
		t.Errorf("ArgumentsJSON = %q", got)
	}
}
