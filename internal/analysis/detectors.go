// File: internal/analysis/detectors.go
package analysis

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

// Detector inspects extracted page data and reports raw issues. Detectors
// never touch the network; they only read what the browser collected.
type Detector interface {
	Name() string
	Detect(page *schemas.PageData) []schemas.RawIssue
}

// DefaultDetectors returns the stock rule detectors.
func DefaultDetectors() []Detector {
	return []Detector{
		ConsoleDetector{},
		NetworkDetector{},
		PerformanceDetector{SlowLoad: 3 * time.Second, VerySlowLoad: 8 * time.Second},
		FormDetector{},
		MixedContentDetector{},
	}
}

func newIssue(page *schemas.PageData, detector string, t schemas.IssueType, title, desc string, confidence float64) schemas.RawIssue {
	return schemas.RawIssue{
		ID:          uuid.NewString(),
		PageID:      page.PageID,
		Type:        t,
		Title:       title,
		Description: desc,
		Confidence:  confidence,
		SourceURL:   page.URL,
		DetectedBy:  detector,
		DetectedAt:  time.Now().UTC(),
	}
}

// -- Console --

// ConsoleDetector reports console errors. Repeated messages are reported once.
type ConsoleDetector struct{}

func (ConsoleDetector) Name() string { return "console" }

func (d ConsoleDetector) Detect(page *schemas.PageData) []schemas.RawIssue {
	var issues []schemas.RawIssue
	seen := make(map[string]bool)
	for _, log := range page.ConsoleLogs {
		level := strings.ToLower(log.Level)
		if level != "error" && level != "severe" {
			continue
		}
		text := strings.TrimSpace(log.Text)
		if text == "" || seen[text] {
			continue
		}
		seen[text] = true

		confidence := 0.75
		if strings.Contains(strings.ToLower(text), "uncaught") {
			confidence = 0.9
		}
		title := firstLine(text, 120)
		desc := fmt.Sprintf("The browser console logged an error while loading %s: %s", page.URL, text)
		issue := newIssue(page, d.Name(), schemas.IssueConsoleError, title, desc, confidence)
		issue.Evidence = []string{text}
		if log.URL != "" {
			issue.Evidence = append(issue.Evidence, fmt.Sprintf("source: %s:%d", log.URL, log.Line))
		}
		issues = append(issues, issue)
	}
	return issues
}

// -- Network --

// NetworkDetector reports failed requests and error responses.
type NetworkDetector struct{}

func (NetworkDetector) Name() string { return "network" }

func (d NetworkDetector) Detect(page *schemas.PageData) []schemas.RawIssue {
	var issues []schemas.RawIssue
	seen := make(map[string]bool)
	for _, ne := range page.NetworkErrors {
		key := ne.Method + " " + ne.URL
		if seen[key] {
			continue
		}
		seen[key] = true

		var (
			title      string
			confidence float64
		)
		switch {
		case ne.StatusCode >= 500:
			title = fmt.Sprintf("HTTP %d on %s %s", ne.StatusCode, ne.Method, pathOf(ne.URL))
			confidence = 0.95
		case ne.StatusCode >= 400:
			title = fmt.Sprintf("HTTP %d on %s %s", ne.StatusCode, ne.Method, pathOf(ne.URL))
			confidence = 0.7
		default:
			title = fmt.Sprintf("Request failed: %s %s", ne.Method, pathOf(ne.URL))
			confidence = 0.8
		}
		desc := fmt.Sprintf("A %s request to %s failed while loading %s.", ne.Method, ne.URL, page.URL)
		if ne.ErrorText != "" {
			desc += " Error: " + ne.ErrorText
		}
		issue := newIssue(page, d.Name(), schemas.IssueNetworkFailure, title, desc, confidence)
		issue.StatusCode = ne.StatusCode
		issue.Evidence = []string{key}
		if ne.ResourceType != "" {
			issue.Metadata = map[string]string{"resource_type": ne.ResourceType}
		}
		issues = append(issues, issue)
	}
	return issues
}

// -- Performance --

// PerformanceDetector reports slow page loads.
type PerformanceDetector struct {
	SlowLoad     time.Duration
	VerySlowLoad time.Duration
}

func (PerformanceDetector) Name() string { return "performance" }

func (d PerformanceDetector) Detect(page *schemas.PageData) []schemas.RawIssue {
	load := time.Duration(page.Performance.LoadTimeMs * float64(time.Millisecond))
	if d.SlowLoad <= 0 || load < d.SlowLoad {
		return nil
	}
	confidence := 0.7
	if d.VerySlowLoad > 0 && load >= d.VerySlowLoad {
		confidence = 0.85
	}
	title := fmt.Sprintf("Slow page load (%.1fs) on %s", load.Seconds(), pathOf(page.URL))
	desc := fmt.Sprintf("The page took %s to load, above the %s threshold. %d resources were fetched.",
		load.Round(time.Millisecond), d.SlowLoad, page.Performance.ResourceCount)
	issue := newIssue(page, d.Name(), schemas.IssuePerformance, title, desc, confidence)
	issue.Evidence = []string{
		fmt.Sprintf("load_time_ms=%.0f", page.Performance.LoadTimeMs),
		fmt.Sprintf("dom_content_loaded_ms=%.0f", page.Performance.DOMContentLoadedMs),
	}
	return []schemas.RawIssue{issue}
}

// -- Forms --

// FormDetector reports password forms posted without TLS and inputs without labels.
type FormDetector struct{}

func (FormDetector) Name() string { return "forms" }

func (d FormDetector) Detect(page *schemas.PageData) []schemas.RawIssue {
	var issues []schemas.RawIssue
	for _, form := range page.Forms {
		hasPassword := false
		var unlabeled []string
		for _, f := range form.Fields {
			if strings.EqualFold(f.Type, "password") {
				hasPassword = true
			}
			if f.Label == "" && !isHiddenInput(f.Type) {
				unlabeled = append(unlabeled, f.Name)
			}
		}

		if hasPassword && submitsInsecurely(page.URL, form.Action) {
			issue := newIssue(page, d.Name(), schemas.IssueSecurity,
				"Password form submitted over plain HTTP",
				fmt.Sprintf("A form with a password field on %s submits to %q without TLS, exposing credentials in transit.", page.URL, form.Action),
				0.9)
			issue.Evidence = []string{"form action: " + form.Action}
			issues = append(issues, issue)
		}
		if len(unlabeled) > 0 {
			issue := newIssue(page, d.Name(), schemas.IssueAccessibility,
				fmt.Sprintf("Form inputs without labels on %s", pathOf(page.URL)),
				fmt.Sprintf("%d input(s) have no associated label, so screen readers cannot announce them.", len(unlabeled)),
				0.6)
			issue.Evidence = unlabeled
			issues = append(issues, issue)
		}
	}
	return issues
}

func isHiddenInput(t string) bool {
	switch strings.ToLower(t) {
	case "hidden", "submit", "button", "reset", "image":
		return true
	}
	return false
}

func submitsInsecurely(pageURL, action string) bool {
	base, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	target := base
	if action != "" {
		ref, err := url.Parse(action)
		if err != nil {
			return false
		}
		target = base.ResolveReference(ref)
	}
	return strings.EqualFold(target.Scheme, "http") && !isLocalHost(target.Hostname())
}

func isLocalHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// -- Mixed content --

// MixedContentDetector reports plain HTTP subresources on HTTPS pages.
type MixedContentDetector struct{}

func (MixedContentDetector) Name() string { return "mixed_content" }

func (d MixedContentDetector) Detect(page *schemas.PageData) []schemas.RawIssue {
	if !strings.HasPrefix(strings.ToLower(page.URL), "https://") {
		return nil
	}
	var insecure []string
	for _, req := range page.NetworkRequests {
		if strings.HasPrefix(strings.ToLower(req.URL), "http://") {
			insecure = append(insecure, req.URL)
		}
	}
	if len(insecure) == 0 {
		return nil
	}
	issue := newIssue(page, d.Name(), schemas.IssueSecurity,
		fmt.Sprintf("Mixed content on %s", pathOf(page.URL)),
		fmt.Sprintf("The HTTPS page loads %d resource(s) over plain HTTP.", len(insecure)),
		0.75)
	issue.Evidence = insecure
	return []schemas.RawIssue{issue}
}

// -- helpers --

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return raw
	}
	return u.Path
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
