// Package classify turns raw page issues into prioritized bugs and marks
// duplicates among them.
package classify

import (
	"regexp"
	"strings"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

var categoryByType = map[schemas.IssueType]schemas.Category{
	schemas.IssueConsoleError:   schemas.CategoryEdgeCase,
	schemas.IssueNetworkFailure: schemas.CategoryData,
	schemas.IssuePerformance:    schemas.CategoryPerformance,
	schemas.IssueVisual:         schemas.CategoryUIUX,
	schemas.IssueContent:        schemas.CategoryUIUX,
	schemas.IssueForm:           schemas.CategoryEdgeCase,
	schemas.IssueAccessibility:  schemas.CategoryUIUX,
	schemas.IssueSecurity:       schemas.CategorySecurity,
}

// CategoryFor maps an issue type to its bug category. Unknown types are
// treated as edge cases.
func CategoryFor(t schemas.IssueType) schemas.Category {
	if c, ok := categoryByType[t]; ok {
		return c
	}
	return schemas.CategoryEdgeCase
}

var (
	criticalKeywords = []string{
		"crash", "data loss", "data-loss", "lost data", "corrupt",
		"security", "vulnerab", "xss", "sql injection", "csrf",
		"unauthorized", "credential", "password exposed", "token leak",
	}
	brokenKeywords = []string{
		"broken", "failing", "fails to", "not working", "does not work", "doesn't work",
	}
	cosmeticKeywords = []string{
		"cosmetic", "typo", "misaligned", "alignment", "spacing", "padding",
		"font", "color contrast", "overlap",
	}

	statusCode5xx = regexp.MustCompile(`\b5\d\d\b`)
)

const mediumConfidenceFloor = 0.7

func issueText(issue schemas.RawIssue) string {
	return strings.ToLower(issue.Title + "\n" + issue.Description)
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// HasServerError reports whether the issue describes a 5xx response, either
// through its recorded status code or in its title.
func HasServerError(issue schemas.RawIssue) bool {
	if issue.StatusCode >= 500 && issue.StatusCode < 600 {
		return true
	}
	return issue.StatusCode == 0 && statusCode5xx.MatchString(issue.Title)
}

// RulePriority runs the priority cascade; the first matching rule wins.
//
//  1. security type, or crash/data-loss/security language: critical
//  2. 5xx network failure or broken/failing language, confidence >= highFloor: high
//  3. confidence >= 0.7: medium
//  4. cosmetic language: low
//  5. otherwise: medium
func RulePriority(issue schemas.RawIssue, highFloor float64) schemas.Priority {
	text := issueText(issue)

	if issue.Type == schemas.IssueSecurity || containsAny(text, criticalKeywords) {
		return schemas.PriorityCritical
	}
	serverError := issue.Type == schemas.IssueNetworkFailure && HasServerError(issue)
	if (serverError || containsAny(text, brokenKeywords)) && issue.Confidence >= highFloor {
		return schemas.PriorityHigh
	}
	if issue.Confidence >= mediumConfidenceFloor {
		return schemas.PriorityMedium
	}
	if containsAny(text, cosmeticKeywords) {
		return schemas.PriorityLow
	}
	return schemas.PriorityMedium
}
