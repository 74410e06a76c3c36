// File: internal/llmclient/anthropic.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/config"
)

// AnthropicTransport serves the premium tier through the Anthropic Messages API.
type AnthropicTransport struct {
	client anthropic.Client
	logger *zap.Logger
}

// NewAnthropicTransport creates the transport. SDK-level retries are disabled
// because the router owns retry and fallback.
func NewAnthropicTransport(cfg config.ProviderConfig, logger *zap.Logger) (*AnthropicTransport, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required. Ensure BUGHIVE_ANTHROPIC_API_KEY is set")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicTransport{
		client: anthropic.NewClient(opts...),
		logger: logger.Named("transport.anthropic"),
	}, nil
}

// Kind implements schemas.Transport.
func (t *AnthropicTransport) Kind() schemas.TransportKind { return schemas.TransportAnthropic }

// Send implements schemas.Transport.
func (t *AnthropicTransport) Send(ctx context.Context, req schemas.SendRequest) (*schemas.SendResult, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(req.MaxTokens),
		Messages:    toAnthropicMessages(req.Messages),
		Temperature: anthropic.Float(req.Temperature),
	}
	system := req.System
	if req.JSONMode {
		system = strings.TrimSpace(system + "\n\nRespond with a single JSON document and nothing else.")
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := t.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			t.logger.Warn("Anthropic API returned error status", zap.Int("status", apiErr.StatusCode))
			return nil, &TransportError{Kind: schemas.TransportAnthropic, StatusCode: apiErr.StatusCode, Err: err}
		}
		return nil, &TransportError{Kind: schemas.TransportAnthropic, Err: err}
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &schemas.SendResult{
		Content: sb.String(),
		Usage: schemas.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		StopReason: string(msg.StopReason),
	}, nil
}

func toAnthropicMessages(msgs []schemas.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == schemas.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}
