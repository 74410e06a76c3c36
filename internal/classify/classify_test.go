package classify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/llmclient"
)

// -- Mocks --

type MockRouter struct {
	mock.Mock
}

func (m *MockRouter) RouteWithFallback(ctx context.Context, req llmclient.Request) (*llmclient.FallbackResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*llmclient.FallbackResult)
	return res, args.Error(1)
}

func reply(content string) *llmclient.FallbackResult {
	return &llmclient.FallbackResult{
		Response: &llmclient.Response{Content: content},
		Tier:     schemas.TierReasoning,
		Attempt:  1,
	}
}

func forTask(task llmclient.Task) interface{} {
	return mock.MatchedBy(func(req llmclient.Request) bool { return req.Task == task })
}

func setupClassifier(t *testing.T) (*Classifier, *MockRouter, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	router := new(MockRouter)
	return NewClassifier(router, DefaultConfig(), zap.New(core)), router, logs
}

// -- Rule Tests --

func TestCategoryFor(t *testing.T) {
	expected := map[schemas.IssueType]schemas.Category{
		schemas.IssueConsoleError:   schemas.CategoryEdgeCase,
		schemas.IssueNetworkFailure: schemas.CategoryData,
		schemas.IssuePerformance:    schemas.CategoryPerformance,
		schemas.IssueVisual:         schemas.CategoryUIUX,
		schemas.IssueContent:        schemas.CategoryUIUX,
		schemas.IssueForm:           schemas.CategoryEdgeCase,
		schemas.IssueAccessibility:  schemas.CategoryUIUX,
		schemas.IssueSecurity:       schemas.CategorySecurity,
	}
	for _, it := range schemas.IssueTypes() {
		assert.Equal(t, expected[it], CategoryFor(it), "type %s", it)
	}
	assert.Equal(t, schemas.CategoryEdgeCase, CategoryFor("mystery"))
}

func TestRulePriority_Cascade(t *testing.T) {
	testCases := []struct {
		name  string
		issue schemas.RawIssue
		want  schemas.Priority
	}{
		{"security type", schemas.RawIssue{Type: schemas.IssueSecurity, Title: "Mixed content", Confidence: 0.1}, schemas.PriorityCritical},
		{"crash language", schemas.RawIssue{Type: schemas.IssueConsoleError, Title: "Renderer crash on submit", Confidence: 0.3}, schemas.PriorityCritical},
		{"data loss language", schemas.RawIssue{Type: schemas.IssueForm, Description: "Draft is lost: data loss after refresh", Confidence: 0.9}, schemas.PriorityCritical},
		{"5xx status", schemas.RawIssue{Type: schemas.IssueNetworkFailure, Title: "Request failed", StatusCode: 502, Confidence: 0.6}, schemas.PriorityHigh},
		{"5xx in title", schemas.RawIssue{Type: schemas.IssueNetworkFailure, Title: "HTTP 503 on GET /feed", Confidence: 0.9}, schemas.PriorityHigh},
		{"5xx below floor", schemas.RawIssue{Type: schemas.IssueNetworkFailure, Title: "HTTP 500 on GET /feed", Confidence: 0.5}, schemas.PriorityMedium},
		{"404 is not high", schemas.RawIssue{Type: schemas.IssueNetworkFailure, Title: "Not found", StatusCode: 404, Confidence: 0.9}, schemas.PriorityMedium},
		{"broken language", schemas.RawIssue{Type: schemas.IssueVisual, Title: "Checkout button broken", Confidence: 0.65}, schemas.PriorityHigh},
		{"confident medium", schemas.RawIssue{Type: schemas.IssueVisual, Title: "Typo in footer", Confidence: 0.75}, schemas.PriorityMedium},
		{"cosmetic low", schemas.RawIssue{Type: schemas.IssueVisual, Title: "Typo in footer", Confidence: 0.5}, schemas.PriorityLow},
		{"default medium", schemas.RawIssue{Type: schemas.IssueContent, Title: "Odd wording", Confidence: 0.4}, schemas.PriorityMedium},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RulePriority(tc.issue, 0.6))
		})
	}
}

// Any issue carrying security language is critical whatever its confidence.
func TestRulePriority_SecurityMonotonic(t *testing.T) {
	for _, kw := range criticalKeywords {
		for _, conf := range []float64{0, 0.3, 0.59, 0.7, 0.99, 1} {
			for _, it := range schemas.IssueTypes() {
				issue := schemas.RawIssue{Type: it, Title: "Found " + strings.ToUpper(kw) + " issue", Confidence: conf}
				assert.Equal(t, schemas.PriorityCritical, RulePriority(issue, 0.6), "keyword %q type %s conf %v", kw, it, conf)
			}
		}
	}
}

func TestReproSteps(t *testing.T) {
	console := ReproSteps(schemas.RawIssue{Type: schemas.IssueConsoleError, Title: "Uncaught TypeError", SourceURL: "https://shop.test/cart"})
	assert.Equal(t, "Navigate to https://shop.test/cart", console[0])
	assert.Contains(t, console, "Open the browser developer console")

	security := ReproSteps(schemas.RawIssue{Type: schemas.IssueSecurity, Title: "API key in page source"})
	assert.Equal(t, SecurityWarningStep, security[0])

	network := ReproSteps(schemas.RawIssue{Type: schemas.IssueNetworkFailure, StatusCode: 500})
	assert.Contains(t, network, "Observe the request failing with HTTP 500")
}

// -- Classifier Tests --

// Verifies the documented example: a confident 5xx network failure is
// classified by rules alone.
func TestClassify_ServerErrorWithoutEscalation(t *testing.T) {
	classifier, router, _ := setupClassifier(t)
	issue := schemas.RawIssue{
		ID: "raw-1", PageID: "page-1", Type: schemas.IssueNetworkFailure,
		Title: "HTTP 500 on POST /api/users", Confidence: 0.95, SourceURL: "https://app.test/signup",
	}

	out := classifier.Classify(context.Background(), "s1", issue)
	require.NoError(t, out.Err)
	assert.False(t, out.Escalated)
	assert.Equal(t, schemas.CategoryData, out.Bug.Category)
	assert.Equal(t, schemas.PriorityHigh, out.Bug.Priority)
	assert.Equal(t, schemas.SourceRules, out.Bug.ClassifiedBy)
	assert.Equal(t, schemas.StatusDetected, out.Bug.Status)
	assert.Equal(t, "raw-1", out.Bug.RawIssueID)
	assert.Equal(t, "page-1", out.Bug.PageID)
	assert.NotEmpty(t, out.Bug.ID)
	router.AssertNotCalled(t, "RouteWithFallback", mock.Anything, mock.Anything)
}

func TestClassify_EscalationAcceptedWhenMoreConfident(t *testing.T) {
	classifier, router, _ := setupClassifier(t)
	router.On("RouteWithFallback", mock.Anything, forTask(llmclient.TaskClassifyBug)).
		Return(reply("```json\n{\"category\":\"data\",\"priority\":\"high\",\"confidence\":0.85}\n```"), nil).Once()

	issue := schemas.RawIssue{ID: "raw-2", Type: schemas.IssueConsoleError, Title: "Cart total shows NaN", Confidence: 0.5}
	out := classifier.Classify(context.Background(), "s1", issue)

	require.NoError(t, out.Err)
	assert.True(t, out.Escalated)
	assert.Equal(t, schemas.CategoryData, out.Bug.Category)
	assert.Equal(t, schemas.PriorityHigh, out.Bug.Priority)
	assert.Equal(t, 0.85, out.Bug.Confidence)
	assert.Equal(t, schemas.SourceModel, out.Bug.ClassifiedBy)
	router.AssertExpectations(t)
}

func TestClassify_EscalationTieKeepsRules(t *testing.T) {
	classifier, router, logs := setupClassifier(t)
	router.On("RouteWithFallback", mock.Anything, mock.Anything).
		Return(reply(`{"category":"data","priority":"high","confidence":0.5}`), nil).Once()

	issue := schemas.RawIssue{Type: schemas.IssueConsoleError, Title: "Cart total shows NaN", Confidence: 0.5}
	out := classifier.Classify(context.Background(), "s1", issue)

	assert.True(t, out.Escalated)
	assert.Equal(t, schemas.CategoryEdgeCase, out.Bug.Category)
	assert.Equal(t, schemas.SourceRules, out.Bug.ClassifiedBy)
	assert.Equal(t, 1, logs.FilterMessage("Model classification not more confident than rules").Len())
}

func TestClassify_EscalationFailureKeepsRules(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		err     error
	}{
		{"router error", "", errors.New("chain exhausted")},
		{"unparseable", "I think it is bad", nil},
		{"unknown category", `{"category":"vibes","priority":"high","confidence":0.9}`, nil},
		{"unknown priority", `{"category":"data","priority":"urgent","confidence":0.9}`, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			classifier, router, _ := setupClassifier(t)
			if tc.err != nil {
				router.On("RouteWithFallback", mock.Anything, mock.Anything).Return(nil, tc.err).Once()
			} else {
				router.On("RouteWithFallback", mock.Anything, mock.Anything).Return(reply(tc.content), nil).Once()
			}

			issue := schemas.RawIssue{Type: schemas.IssueVisual, Title: "Hero image stretched", Confidence: 0.4}
			out := classifier.Classify(context.Background(), "s1", issue)

			assert.Error(t, out.Err)
			assert.Equal(t, schemas.SourceRules, out.Bug.ClassifiedBy)
			assert.Equal(t, schemas.CategoryUIUX, out.Bug.Category)
		})
	}
}

func TestClassify_ModelCannotDowngradeCritical(t *testing.T) {
	classifier, router, _ := setupClassifier(t)
	router.On("RouteWithFallback", mock.Anything, mock.Anything).
		Return(reply(`{"category":"security","priority":"low","confidence":0.95}`), nil).Once()

	issue := schemas.RawIssue{Type: schemas.IssueSecurity, Title: "Session token in URL", Confidence: 0.4}
	out := classifier.Classify(context.Background(), "s1", issue)
	assert.Equal(t, schemas.PriorityCritical, out.Bug.Priority)
	assert.Equal(t, schemas.SourceModel, out.Bug.ClassifiedBy)
}

func TestClassify_NilRouterNeverEscalates(t *testing.T) {
	classifier := NewClassifier(nil, DefaultConfig(), zap.NewNop())
	outs := classifier.ClassifyAll(context.Background(), "s1", []schemas.RawIssue{
		{Type: schemas.IssueVisual, Title: "a", Confidence: 0.1},
		{Type: schemas.IssueForm, Title: "b", Confidence: 0.2},
	})
	require.Len(t, outs, 2)
	for _, out := range outs {
		assert.False(t, out.Escalated)
		assert.NoError(t, out.Err)
	}
}
