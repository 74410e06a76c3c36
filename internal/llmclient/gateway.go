// File: internal/llmclient/gateway.go
package llmclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// GatewayTransport talks to an OpenAI-compatible chat completions endpoint
// (OpenRouter, Ollama, vLLM). One gateway serves many open-weight models.
type GatewayTransport struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// -- Gateway API Request/Response Structures (Internal to this file) --

type gatewayMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type gatewayTool struct {
	Type     string              `json:"type"`
	Function gatewayToolFunction `json:"function"`
}

type gatewayToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type gatewayResponseFormat struct {
	Type string `json:"type"`
}

type gatewayRequestPayload struct {
	Model          string                 `json:"model"`
	Messages       []gatewayMessage       `json:"messages"`
	Tools          []gatewayTool          `json:"tools,omitempty"`
	MaxTokens      int                    `json:"max_tokens,omitempty"`
	Temperature    float64                `json:"temperature"`
	ResponseFormat *gatewayResponseFormat `json:"response_format,omitempty"`
}

type gatewayResponsePayload struct {
	Choices []struct {
		Message      gatewayMessage `json:"message"`
		FinishReason string         `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type gatewayErrorPayload struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewGatewayTransport initializes the transport. The API key may be empty for
// local gateways such as Ollama.
func NewGatewayTransport(cfg config.ProviderConfig, timeout time.Duration, logger *zap.Logger) (*GatewayTransport, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base_url is required")
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &GatewayTransport{
		apiKey:   cfg.APIKey,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.Named("transport.gateway"),
	}, nil
}

// Kind implements schemas.Transport.
func (t *GatewayTransport) Kind() schemas.TransportKind { return schemas.TransportGateway }

// Send implements schemas.Transport.
func (t *GatewayTransport) Send(ctx context.Context, req schemas.SendRequest) (*schemas.SendResult, error) {
	body, err := json.Marshal(t.buildRequestPayload(req))
	if err != nil {
		return nil, &TransportError{Kind: schemas.TransportGateway, StatusCode: http.StatusBadRequest, Err: fmt.Errorf("failed to marshal request payload: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Kind: schemas.TransportGateway, StatusCode: http.StatusBadRequest, Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	startTime := time.Now()
	resp, err := t.httpClient.Do(httpReq)
	duration := time.Since(startTime)
	if err != nil {
		return nil, &TransportError{Kind: schemas.TransportGateway, Err: fmt.Errorf("failed to execute HTTP request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Kind: schemas.TransportGateway, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, t.handleAPIError(resp.StatusCode, respBody)
	}

	var payload gatewayResponsePayload
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, &TransportError{Kind: schemas.TransportGateway, StatusCode: http.StatusBadGateway, Err: fmt.Errorf("failed to decode response payload: %w", err)}
	}
	if len(payload.Choices) == 0 {
		return nil, &TransportError{Kind: schemas.TransportGateway, StatusCode: http.StatusBadGateway, Err: fmt.Errorf("gateway returned no choices")}
	}

	t.logger.Debug("Gateway generation complete",
		zap.String("model", req.Model),
		zap.Duration("duration", duration),
		zap.Int("prompt_tokens", payload.Usage.PromptTokens),
		zap.Int("completion_tokens", payload.Usage.CompletionTokens),
	)

	choice := payload.Choices[0]
	return &schemas.SendResult{
		Content: choice.Message.Content,
		Usage: schemas.TokenUsage{
			InputTokens:  payload.Usage.PromptTokens,
			OutputTokens: payload.Usage.CompletionTokens,
		},
		StopReason: choice.FinishReason,
	}, nil
}

func (t *GatewayTransport) buildRequestPayload(req schemas.SendRequest) gatewayRequestPayload {
	messages := make([]gatewayMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, gatewayMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, gatewayMessage{Role: string(m.Role), Content: m.Content})
	}

	payload := gatewayRequestPayload{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, tool := range req.Tools {
		payload.Tools = append(payload.Tools, gatewayTool{
			Type:     "function",
			Function: gatewayToolFunction{Name: tool.Name, Description: tool.Description, Parameters: tool.Parameters},
		})
	}
	if req.JSONMode {
		payload.ResponseFormat = &gatewayResponseFormat{Type: "json_object"}
	}
	return payload
}

func (t *GatewayTransport) handleAPIError(statusCode int, body []byte) error {
	message := string(body)
	var payload gatewayErrorPayload
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		message = payload.Error.Message
	}
	t.logger.Warn("Gateway returned error status", zap.Int("status", statusCode), zap.String("response", truncate(message, 500)))
	return &TransportError{
		Kind:       schemas.TransportGateway,
		StatusCode: statusCode,
		Err:        fmt.Errorf("gateway API error: %s", truncate(message, 500)),
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
