package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nugget/taskagent/internal/config"
	"github.com/nugget/taskagent/internal/httpkit"
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	inner     anthropic.Client
	hasKey    bool
	maxTokens int64
	logger    *slog.Logger
}

// AnthropicOptions configures an [AnthropicClient].
type AnthropicOptions struct {
	APIKey    string
	BaseURL   string // Optional; the SDK default is used when empty
	MaxTokens int
}

// NewAnthropicClient creates a new Anthropic client. SDK retries are
// disabled; the [Gateway] owns retry policy.
func NewAnthropicClient(opts AnthropicOptions, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithHTTPClient(httpkit.NewClient()),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicClient{
		inner:     anthropic.NewClient(reqOpts...),
		hasKey:    opts.APIKey != "",
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// Chat sends a Messages API request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	system, msgs := convertToAnthropic(messages, len(tools) > 0)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: c.maxTokens,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = convertToolsToAnthropic(tools)
	}

	start := time.Now()
	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, anthropicError(err)
	}

	out := convertFromAnthropic(resp)
	out.Duration = time.Since(start)
	c.logger.Log(ctx, config.LevelTrace, "anthropic response",
		"model", out.Model,
		"stop_reason", string(resp.StopReason),
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
	)
	return out, nil
}

// Ping reports whether an API key is configured. The Messages API has no
// free health endpoint.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	if !c.hasKey {
		return fmt.Errorf("anthropic: no API key configured")
	}
	return nil
}

func anthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Provider:   "anthropic",
			StatusCode: apiErr.StatusCode,
			Transient:  httpkit.IsTransientStatus(apiErr.StatusCode),
			Err:        err,
		}
	}
	return &ProviderError{
		Provider:  "anthropic",
		Transient: httpkit.IsTransientNetError(err),
		Err:       err,
	}
}

// convertToAnthropic splits out system messages and maps the rest onto
// Anthropic turns. Consecutive tool results are folded into a single user
// turn so every tool_use in an assistant turn is answered by the next one.
//
// The Messages API rejects tool_use and tool_result blocks in a request
// that defines no tools. When withTools is false the calls and results
// are rendered as plain text instead, so a final tools-withheld round
// still sees what ran.
func convertToAnthropic(messages []Message, withTools bool) (string, []anthropic.MessageParam) {
	var system []string
	var out []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion
	callNames := make(map[string]string)

	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleTool:
			if !withTools {
				name := m.ToolName
				if name == "" {
					name = callNames[m.ToolCallID]
				}
				pendingResults = append(pendingResults,
					anthropic.NewTextBlock(fmt.Sprintf("[%s result] %s", name, m.Content)))
				continue
			}
			pendingResults = append(pendingResults,
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				callNames[tc.ID] = tc.Function.Name
				if !withTools {
					blocks = append(blocks, anthropic.NewTextBlock(
						fmt.Sprintf("[called %s %s]", tc.Function.Name, tc.Function.ArgumentsJSON())))
					continue
				}
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Function.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	flush()

	return strings.Join(system, "\n\n"), out
}

// convertToolsToAnthropic maps OpenAI-style function definitions onto
// Anthropic tool params.
func convertToolsToAnthropic(tools []map[string]any) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)

		schema := anthropic.ToolInputSchemaParam{}
		if params, ok := fn["parameters"].(map[string]any); ok {
			schema.Properties = params["properties"]
			switch req := params["required"].(type) {
			case []string:
				schema.Required = req
			case []any:
				for _, r := range req {
					if s, ok := r.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}

		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        name,
				Description: anthropic.String(desc),
				InputSchema: schema,
			},
		})
	}
	return out
}

func convertFromAnthropic(resp *anthropic.Message) *ChatResponse {
	out := &ChatResponse{
		Model:        string(resp.Model),
		CreatedAt:    time.Now(),
		Done:         true,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		Message:      Message{Role: RoleAssistant},
	}

	var text []string
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text = append(text, variant.Text)
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if len(variant.Input) > 0 {
				if err := json.Unmarshal(variant.Input, &args); err != nil {
					args = map[string]any{}
				}
			}
			out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
				ID:       variant.ID,
				Function: FunctionCall{Name: variant.Name, Arguments: args},
			})
		}
	}
	out.Message.Content = strings.Join(text, "")
	return out
}
