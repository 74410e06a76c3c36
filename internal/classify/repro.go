package classify

import (
	"fmt"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

// SecurityWarningStep opens the repro steps of every security bug.
const SecurityWarningStep = "WARNING: this issue may expose user data or allow exploitation. Reproduce only against a test environment you are authorized to probe."

// ReproSteps builds reproduction steps from a per-type template.
func ReproSteps(issue schemas.RawIssue) []string {
	var steps []string
	if issue.Type == schemas.IssueSecurity {
		steps = append(steps, SecurityWarningStep)
	}
	if issue.SourceURL != "" {
		steps = append(steps, fmt.Sprintf("Navigate to %s", issue.SourceURL))
	} else {
		steps = append(steps, "Navigate to the affected page")
	}

	switch issue.Type {
	case schemas.IssueConsoleError:
		steps = append(steps,
			"Open the browser developer console",
			"Reload the page and wait for it to finish loading",
			fmt.Sprintf("Observe the console error: %s", issue.Title),
		)
	case schemas.IssueNetworkFailure:
		observe := "Observe the failing request"
		if issue.StatusCode > 0 {
			observe = fmt.Sprintf("Observe the request failing with HTTP %d", issue.StatusCode)
		}
		steps = append(steps,
			"Open the Network tab of the browser developer tools",
			"Reload the page or repeat the action that triggers the request",
			observe,
		)
	case schemas.IssuePerformance:
		steps = append(steps,
			"Open the Performance tab of the browser developer tools",
			"Record a page load",
			fmt.Sprintf("Observe: %s", issue.Title),
		)
	case schemas.IssueForm:
		steps = append(steps,
			"Locate the affected form",
			"Fill in the fields and submit the form",
			fmt.Sprintf("Observe: %s", issue.Title),
		)
	case schemas.IssueAccessibility:
		steps = append(steps,
			"Run an accessibility checker or navigate the page with a keyboard and screen reader",
			fmt.Sprintf("Observe: %s", issue.Title),
		)
	case schemas.IssueSecurity:
		steps = append(steps,
			"Inspect the page source, response headers and network traffic",
			fmt.Sprintf("Confirm the exposure: %s", issue.Title),
		)
	default:
		steps = append(steps,
			"Inspect the affected area of the page",
			fmt.Sprintf("Observe: %s", issue.Title),
		)
	}
	return steps
}
