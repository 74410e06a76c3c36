package schemas

import (
	"context"
)

// -- Model Transport Interface --

// Transport sends a single request to a model backend. Implementations do not
// retry; retry and fallback belong to the router.
type Transport interface {
	// Send performs one model call.
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
	// Kind reports which transport family this is.
	Kind() TransportKind
}

// -- Browser Interfaces --

// PageExtractor loads a page and returns everything observable about it.
// Implementations must be safe for concurrent use.
type PageExtractor interface {
	ExtractPage(ctx context.Context, url string) (*PageData, error)
}

// BrowserSession exposes navigation primitives on a single tab.
type BrowserSession interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	// DismissOverlays closes cookie banners and modal dialogs where possible.
	DismissOverlays(ctx context.Context) error
	Close() error
}

// -- Issue Tracker Interface --

// IssueRef identifies an issue created in an external tracker.
type IssueRef struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// IssueTracker files bugs with an external tracker.
type IssueTracker interface {
	CreateIssue(ctx context.Context, title, description string, priority Priority, labels []string) (IssueRef, error)
}

// -- Bug Persistence Interface --

// BugSink persists reported bugs outside the run checkpoint.
type BugSink interface {
	SaveBugs(ctx context.Context, bugs []Bug) error
}
