package classify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/config"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/llmclient"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/llmutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ModelRouter is the part of the model router the engine needs.
type ModelRouter interface {
	RouteWithFallback(ctx context.Context, req llmclient.Request) (*llmclient.FallbackResult, error)
}

// Config tunes classification and deduplication.
type Config struct {
	// EscalationThreshold is the raw confidence below which a model is asked.
	EscalationThreshold float64
	// HighConfidenceFloor gates the "high" rule of the priority cascade.
	HighConfidenceFloor float64
	// SimilarityThreshold is the Jaccard score above which descriptions match.
	SimilarityThreshold float64
}

// ConfigFrom converts the classify config section.
func ConfigFrom(cfg config.ClassifyConfig) Config {
	return Config{
		EscalationThreshold: cfg.EscalationThreshold,
		HighConfidenceFloor: cfg.HighConfidenceFloor,
		SimilarityThreshold: cfg.SimilarityThreshold,
	}
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{EscalationThreshold: 0.8, HighConfidenceFloor: 0.6, SimilarityThreshold: 0.85}
}

// Outcome is the result of classifying one raw issue.
type Outcome struct {
	Bug schemas.Bug
	// Escalated is true when a model was consulted.
	Escalated bool
	// Err holds an escalation failure. Bug still carries the rule-based result.
	Err error
}

// Classifier assigns category, priority and repro steps to raw issues.
type Classifier struct {
	router ModelRouter
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewClassifier creates a classifier. A nil router disables escalation.
func NewClassifier(router ModelRouter, cfg Config, logger *zap.Logger) *Classifier {
	return &Classifier{
		router: router,
		cfg:    cfg,
		logger: logger.Named("classifier"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ClassifyByRules builds a bug from the rule tables alone.
func (c *Classifier) ClassifyByRules(sessionID string, issue schemas.RawIssue) schemas.Bug {
	now := c.now()
	evidence := append([]string(nil), issue.Evidence...)
	return schemas.Bug{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		PageID:       issue.PageID,
		RawIssueID:   issue.ID,
		Category:     CategoryFor(issue.Type),
		Priority:     RulePriority(issue, c.cfg.HighConfidenceFloor),
		Title:        issue.Title,
		Description:  issue.Description,
		ReproSteps:   ReproSteps(issue),
		Evidence:     evidence,
		Confidence:   issue.Confidence,
		Status:       schemas.StatusDetected,
		SourceURL:    issue.SourceURL,
		ClassifiedBy: schemas.SourceRules,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Classify classifies one issue, escalating to the classify_bug task when the
// issue's own confidence is below the escalation threshold. The model result
// replaces the rule result only when its confidence is strictly higher, and
// never lowers a critical rule match.
func (c *Classifier) Classify(ctx context.Context, sessionID string, issue schemas.RawIssue) Outcome {
	bug := c.ClassifyByRules(sessionID, issue)
	if c.router == nil || issue.Confidence >= c.cfg.EscalationThreshold {
		return Outcome{Bug: bug}
	}

	verdict, err := c.escalate(ctx, sessionID, issue, bug)
	if err != nil {
		c.logger.Warn("Classification escalation failed, keeping rule-based result",
			zap.String("raw_issue_id", issue.ID),
			zap.Error(err),
		)
		return Outcome{Bug: bug, Escalated: true, Err: err}
	}

	if verdict.Confidence > bug.Confidence {
		bug.Category = schemas.Category(verdict.Category)
		// A model may not talk a critical rule match down.
		if bug.Priority != schemas.PriorityCritical {
			bug.Priority = schemas.Priority(verdict.Priority)
		}
		bug.Confidence = verdict.Confidence
		bug.ClassifiedBy = schemas.SourceModel
	} else {
		c.logger.Debug("Model classification not more confident than rules",
			zap.String("raw_issue_id", issue.ID),
			zap.Float64("rule_confidence", bug.Confidence),
			zap.Float64("model_confidence", verdict.Confidence),
		)
	}
	return Outcome{Bug: bug, Escalated: true}
}

// ClassifyAll classifies issues in order.
func (c *Classifier) ClassifyAll(ctx context.Context, sessionID string, issues []schemas.RawIssue) []Outcome {
	outcomes := make([]Outcome, 0, len(issues))
	for _, issue := range issues {
		outcomes = append(outcomes, c.Classify(ctx, sessionID, issue))
	}
	return outcomes
}

type classificationVerdict struct {
	Category   string  `json:"category"`
	Priority   string  `json:"priority"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

const classifySystemPrompt = `You are a senior QA engineer triaging bugs found by an automated crawler.
Classify the issue. Respond with JSON only:
{"category": "ui_ux|data|edge_case|performance|security",
 "priority": "critical|high|medium|low",
 "confidence": <0.0-1.0>,
 "reasoning": "<one sentence>"}
critical: crashes, data loss, security exposure. high: core flows broken.
medium: degraded but usable. low: cosmetic.`

func (c *Classifier) escalate(ctx context.Context, sessionID string, issue schemas.RawIssue, ruleBug schemas.Bug) (*classificationVerdict, error) {
	payload, err := json.MarshalIndent(map[string]any{
		"type":          issue.Type,
		"title":         issue.Title,
		"description":   issue.Description,
		"evidence":      issue.Evidence,
		"url":           issue.SourceURL,
		"status_code":   issue.StatusCode,
		"rule_category": ruleBug.Category,
		"rule_priority": ruleBug.Priority,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode issue: %w", err)
	}

	result, err := c.router.RouteWithFallback(ctx, llmclient.Request{
		Task:        llmclient.TaskClassifyBug,
		SessionID:   sessionID,
		System:      classifySystemPrompt,
		Messages:    []schemas.Message{{Role: schemas.RoleUser, Content: string(payload)}},
		MaxTokens:   512,
		Temperature: 0.1,
		JSONMode:    true,
	})
	if err != nil {
		return nil, err
	}

	verdict, err := llmutil.ParseJSONResponse[classificationVerdict](result.Response.Content)
	if err != nil {
		return nil, err
	}
	verdict.Category = strings.ToLower(strings.TrimSpace(verdict.Category))
	verdict.Priority = strings.ToLower(strings.TrimSpace(verdict.Priority))
	if !schemas.Category(verdict.Category).Valid() {
		return nil, fmt.Errorf("model returned unknown category %q", verdict.Category)
	}
	if !schemas.Priority(verdict.Priority).Valid() {
		return nil, fmt.Errorf("model returned unknown priority %q", verdict.Priority)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return nil, fmt.Errorf("model returned out of range confidence %v", verdict.Confidence)
	}
	return verdict, nil
}
