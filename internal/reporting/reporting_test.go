package reporting

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

func fixture() (schemas.RunSummary, []schemas.Bug) {
	summary := schemas.RunSummary{
		SessionID:      "sess-42",
		Status:         schemas.RunCompleted,
		TargetURL:      "https://shop.example.com",
		StartedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Duration:       95 * time.Second,
		FinishReason:   "max pages reached",
		Pages:          schemas.PageCounts{Discovered: 12, Crawled: 10, Failed: 1},
		TotalBugs:      2,
		BugsByPriority: map[schemas.Priority]int{schemas.PriorityCritical: 1, schemas.PriorityMedium: 1},
		BugsByCategory: map[schemas.Category]int{schemas.CategorySecurity: 1, schemas.CategoryEdgeCase: 1},
		Duplicates:     1,
		Dismissed:      1,
		TotalCost:      0.0123,
		Errors: schemas.ErrorCounts{
			Total:       3,
			ByKind:      map[string]int{"browser": 3},
			TopPatterns: []schemas.ErrorPattern{{Kind: "browser", Step: "crawl", Prefix: "failed to extract <url>", Count: 3}},
		},
		Recommendations: []string{"Fix the 1 critical bug(s) before the next release."},
	}
	bugs := []schemas.Bug{
		{
			ID: "b1", Title: "Password form submitted over plain HTTP", Category: schemas.CategorySecurity,
			Priority: schemas.PriorityCritical, Status: schemas.StatusReported, SourceURL: "https://shop.example.com/login",
			Description: "The login form posts credentials over http.", ReproSteps: []string{"Open /login", "Submit the form"},
			ExternalID: "17", ExternalURL: "https://github.com/acme/shop/issues/17", Confidence: 0.9, ClassifiedBy: schemas.SourceRules,
		},
		{
			ID: "b2", Title: "Uncaught TypeError in cart.js", Category: schemas.CategoryEdgeCase,
			Priority: schemas.PriorityMedium, Status: schemas.StatusReported, SourceURL: "https://shop.example.com/cart",
			Description: "Console error on load.", Evidence: []string{"TypeError: x is `undefined`"},
		},
		{
			ID: "b3", Title: "Duplicate console error", Category: schemas.CategoryEdgeCase,
			Priority: schemas.PriorityMedium, IsDuplicate: true, DuplicateOf: "b2", SourceURL: "https://shop.example.com/cart",
		},
		{
			ID: "b4", Title: "Slow hero image", Category: schemas.CategoryPerformance, Priority: schemas.PriorityHigh,
			Status: schemas.StatusDismissed, ValidationNotes: "CDN warm-up only", SourceURL: "https://shop.example.com/",
		},
	}
	return summary, bugs
}

func TestMarkdownWriter(t *testing.T) {
	summary, bugs := fixture()

	var buf bytes.Buffer
	n, err := NewMarkdownWriter(&buf).Write(summary, bugs)
	require.NoError(t, err)
	assert.Positive(t, n)

	out := buf.String()
	assert.Contains(t, out, "# BugHive QA Report")
	assert.Contains(t, out, "https://shop.example.com")
	assert.Contains(t, out, "## Bug Summary")
	assert.Contains(t, out, "CAUTION")
	assert.Contains(t, out, "Password form submitted over plain HTTP")
	assert.Contains(t, out, "[#17](https://github.com/acme/shop/issues/17)")
	assert.Contains(t, out, "## Pipeline Errors")
	assert.Contains(t, out, "## Recommendations")
	assert.Contains(t, out, "Fix the 1 critical bug(s)")
	assert.NotContains(t, out, "Duplicate console error", "duplicates are counted, not listed")
	assert.NotContains(t, out, "Slow hero image", "dismissed bugs are counted, not listed")
	assert.NotContains(t, out, "## Executive Summary")

	t.Run("narrative and empty run", func(t *testing.T) {
		empty := schemas.RunSummary{SessionID: "s", TargetURL: "https://x.example", Narrative: "All good."}
		var buf bytes.Buffer
		_, err := NewMarkdownWriter(&buf).Write(empty, nil)
		require.NoError(t, err)
		out := buf.String()
		assert.Contains(t, out, "No open bugs.")
		assert.Contains(t, out, "## Executive Summary")
		assert.Contains(t, out, "All good.")
		assert.NotContains(t, out, "## Filed Tickets")
	})
}

func TestIssueBody(t *testing.T) {
	_, bugs := fixture()

	body := IssueBody(bugs[0])
	assert.Contains(t, body, "The login form posts credentials over http.")
	assert.Contains(t, body, "### Steps to Reproduce")
	assert.Contains(t, body, "Open /login")
	assert.Contains(t, body, "critical")
	assert.NotContains(t, body, "### Evidence")

	body = IssueBody(bugs[1])
	assert.Contains(t, body, "### Evidence")
	assert.Contains(t, body, "TypeError: x is 'undefined'", "backticks inside evidence are neutralized")
}

func TestJUnitDocument(t *testing.T) {
	summary, bugs := fixture()
	doc := JUnitDocument(summary, bugs)

	root := doc.SelectElement("testsuites")
	require.NotNil(t, root)
	assert.Equal(t, "3", root.SelectAttrValue("tests", ""))
	assert.Equal(t, "2", root.SelectAttrValue("failures", ""))

	suites := root.SelectElements("testsuite")
	require.Len(t, suites, 3)
	// Suites are ordered by page URL.
	assert.Equal(t, "https://shop.example.com/", suites[0].SelectAttrValue("name", ""))
	assert.Equal(t, "https://shop.example.com/cart", suites[1].SelectAttrValue("name", ""))
	assert.Equal(t, "https://shop.example.com/login", suites[2].SelectAttrValue("name", ""))

	skipped := suites[0].FindElement("testcase/skipped")
	require.NotNil(t, skipped)
	assert.Equal(t, "dismissed: CDN warm-up only", skipped.SelectAttrValue("message", ""))

	assert.Len(t, suites[1].SelectElements("testcase"), 1, "the duplicate is omitted")

	failure := suites[2].FindElement("testcase/failure")
	require.NotNil(t, failure)
	assert.Equal(t, "critical", failure.SelectAttrValue("type", ""))
	assert.Contains(t, failure.Text(), "1. Open /login")
	assert.Contains(t, failure.Text(), "Ticket: https://github.com/acme/shop/issues/17")

	t.Run("run without bugs passes", func(t *testing.T) {
		doc := JUnitDocument(summary, nil)
		cases := doc.FindElements("//testcase")
		require.Len(t, cases, 1)
		assert.Nil(t, cases[0].SelectElement("failure"))
		assert.Equal(t, "1", doc.SelectElement("testsuites").SelectAttrValue("tests", ""))
	})
}

func TestWriteReportFiles(t *testing.T) {
	summary, bugs := fixture()
	dir := t.TempDir()

	mdPath := filepath.Join(dir, "out", "report.md")
	require.NoError(t, WriteMarkdown(mdPath, summary, bugs))
	data, err := os.ReadFile(mdPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# BugHive QA Report")

	xmlPath := filepath.Join(dir, "junit", "bughive.xml")
	require.NoError(t, WriteJUnit(xmlPath, summary, bugs))
	parsed := etree.NewDocument()
	require.NoError(t, parsed.ReadFromFile(xmlPath))
	assert.Len(t, parsed.FindElements("//testsuite"), 3)
}
