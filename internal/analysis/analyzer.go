// File: internal/analysis/analyzer.go
package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/llmclient"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/llmutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ModelRouter is the slice of the router the analyzer calls.
type ModelRouter interface {
	RouteWithFallback(ctx context.Context, req llmclient.Request) (*llmclient.FallbackResult, error)
}

const (
	modelDetectorName      = "model"
	maxEvidenceItems       = 20
	maxTextSampleRunes     = 4000
	maxModelIssueTitle     = 200
	defaultModelConfidence = 0.6
)

// PageAnalyzer runs the rule detectors over a page and, when a router is
// configured, asks the analyze_page task for anything the rules cannot see.
type PageAnalyzer struct {
	detectors []Detector
	router    ModelRouter
	logger    *zap.Logger
}

// NewPageAnalyzer creates an analyzer. A nil router limits analysis to the
// rule detectors; nil detectors selects DefaultDetectors.
func NewPageAnalyzer(router ModelRouter, detectors []Detector, logger *zap.Logger) *PageAnalyzer {
	if detectors == nil {
		detectors = DefaultDetectors()
	}
	return &PageAnalyzer{
		detectors: detectors,
		router:    router,
		logger:    logger.Named("page_analyzer"),
	}
}

// Analyze returns every raw issue found on the page. A failed model call
// still returns the rule issues together with the error.
func (a *PageAnalyzer) Analyze(ctx context.Context, sessionID string, page *schemas.PageData) ([]schemas.RawIssue, error) {
	if page == nil {
		return nil, fmt.Errorf("page data is nil")
	}

	var issues []schemas.RawIssue
	for _, d := range a.detectors {
		found := d.Detect(page)
		if len(found) > 0 {
			a.logger.Debug("Detector reported issues",
				zap.String("detector", d.Name()),
				zap.String("url", page.URL),
				zap.Int("count", len(found)),
			)
		}
		issues = append(issues, found...)
	}

	if a.router == nil {
		return issues, nil
	}

	modelIssues, err := a.analyzeWithModel(ctx, sessionID, page, issues)
	if err != nil {
		a.logger.Warn("Model page analysis failed, keeping rule detections",
			zap.String("url", page.URL),
			zap.Int("rule_issues", len(issues)),
			zap.Error(err),
		)
		return issues, fmt.Errorf("model analysis of %s failed: %w", page.URL, err)
	}
	return append(issues, modelIssues...), nil
}

type modelIssue struct {
	Type        string   `json:"type"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Evidence    []string `json:"evidence"`
	Confidence  float64  `json:"confidence"`
	Severity    string   `json:"severity"`
}

type modelAnalysis struct {
	Issues []modelIssue `json:"issues"`
}

const analyzeSystemPrompt = `You are a QA engineer reviewing a web page captured by an automated crawler.
Automated detectors have already reported the issues listed under "already_detected"; do not repeat them.
Look for visual, content, form and accessibility problems a user would hit.
Respond with JSON only:
{"issues": [{"type": "visual|content|form|accessibility|security|performance|console_error|network_failure",
  "title": "<short title>", "description": "<what is wrong>", "evidence": ["<quote or selector>"],
  "confidence": <0.0-1.0>, "severity": "critical|high|medium|low"}]}
Return {"issues": []} when the page looks fine.`

func (a *PageAnalyzer) analyzeWithModel(ctx context.Context, sessionID string, page *schemas.PageData, known []schemas.RawIssue) ([]schemas.RawIssue, error) {
	prompt, err := buildPagePrompt(page, known)
	if err != nil {
		return nil, err
	}

	result, err := a.router.RouteWithFallback(ctx, llmclient.Request{
		Task:        llmclient.TaskAnalyzePage,
		SessionID:   sessionID,
		System:      analyzeSystemPrompt,
		Messages:    []schemas.Message{{Role: schemas.RoleUser, Content: prompt}},
		MaxTokens:   2048,
		Temperature: 0.2,
		JSONMode:    true,
	})
	if err != nil {
		return nil, err
	}

	parsed, err := llmutil.ParseJSONResponse[modelAnalysis](result.Response.Content)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	issues := make([]schemas.RawIssue, 0, len(parsed.Issues))
	for _, mi := range parsed.Issues {
		t := schemas.IssueType(strings.ToLower(strings.TrimSpace(mi.Type)))
		if !validIssueType(t) || strings.TrimSpace(mi.Title) == "" {
			a.logger.Debug("Dropping model issue with unknown type or empty title",
				zap.String("type", mi.Type),
				zap.String("title", mi.Title),
			)
			continue
		}
		confidence := mi.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = defaultModelConfidence
		}
		evidence := mi.Evidence
		if len(evidence) > maxEvidenceItems {
			evidence = evidence[:maxEvidenceItems]
		}
		issues = append(issues, schemas.RawIssue{
			ID:          uuid.NewString(),
			PageID:      page.PageID,
			Type:        t,
			Title:       llmutil.Truncate(strings.TrimSpace(mi.Title), maxModelIssueTitle),
			Description: strings.TrimSpace(mi.Description),
			Evidence:    evidence,
			Confidence:  confidence,
			Severity:    strings.ToLower(mi.Severity),
			SourceURL:   page.URL,
			DetectedBy:  modelDetectorName,
			DetectedAt:  now,
			Metadata:    map[string]string{"tier": result.Tier.String()},
		})
	}
	return issues, nil
}

func buildPagePrompt(page *schemas.PageData, known []schemas.RawIssue) (string, error) {
	titles := make([]string, 0, len(known))
	for _, k := range known {
		titles = append(titles, k.Title)
	}
	forms := make([]map[string]any, 0, len(page.Forms))
	for _, f := range page.Forms {
		forms = append(forms, map[string]any{"action": f.Action, "method": f.Method, "fields": f.Fields})
	}

	payload, err := json.MarshalIndent(map[string]any{
		"url":              page.URL,
		"title":            page.Title,
		"text_sample":      llmutil.Truncate(page.TextSample, maxTextSampleRunes),
		"forms":            forms,
		"link_count":       len(page.Links),
		"load_time_ms":     page.Performance.LoadTimeMs,
		"already_detected": titles,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode page for analysis: %w", err)
	}
	return string(payload), nil
}

func validIssueType(t schemas.IssueType) bool {
	for _, known := range schemas.IssueTypes() {
		if t == known {
			return true
		}
	}
	return false
}
