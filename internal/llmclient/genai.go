// File: internal/llmclient/genai.go
package llmclient

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/config"
)

// contentGenerator is the subset of *genai.Models the transport uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GenAITransport serves Gemini models through the Google GenAI SDK.
type GenAITransport struct {
	models contentGenerator
	logger *zap.Logger
}

// NewGenAITransport creates a Gemini API backed transport.
func NewGenAITransport(ctx context.Context, cfg config.ProviderConfig, logger *zap.Logger) (*GenAITransport, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required. Ensure BUGHIVE_GEMINI_API_KEY is set")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return newGenAITransport(client.Models, logger), nil
}

func newGenAITransport(models contentGenerator, logger *zap.Logger) *GenAITransport {
	return &GenAITransport{models: models, logger: logger.Named("transport.genai")}
}

// Kind implements schemas.Transport.
func (t *GenAITransport) Kind() schemas.TransportKind { return schemas.TransportGenAI }

// Send implements schemas.Transport.
func (t *GenAITransport) Send(ctx context.Context, req schemas.SendRequest) (*schemas.SendResult, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == schemas.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	genCfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSONMode {
		genCfg.ResponseMIMEType = "application/json"
	}

	resp, err := t.models.GenerateContent(ctx, req.Model, contents, genCfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			t.logger.Warn("GenAI API returned error status", zap.Int("status", apiErr.Code), zap.String("reason", apiErr.Status))
			return nil, &TransportError{Kind: schemas.TransportGenAI, StatusCode: apiErr.Code, Err: err}
		}
		return nil, &TransportError{Kind: schemas.TransportGenAI, Err: err}
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &TransportError{Kind: schemas.TransportGenAI, StatusCode: 502, Err: errors.New("response has no candidates")}
	}

	result := &schemas.SendResult{
		Content:    resp.Text(),
		StopReason: string(resp.Candidates[0].FinishReason),
	}
	if resp.UsageMetadata != nil {
		result.Usage = schemas.TokenUsage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if result.Content == "" {
		switch resp.Candidates[0].FinishReason {
		case genai.FinishReasonSafety, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
			return nil, &TransportError{Kind: schemas.TransportGenAI, StatusCode: 400, Err: fmt.Errorf("response blocked (reason: %s)", result.StopReason)}
		}
	}
	return result, nil
}
