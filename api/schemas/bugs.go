package schemas

import (
	"fmt"
	"time"
)

// -- Raw Issue Schemas --

// IssueType is the kind of signal a page analyzer detected.
type IssueType string

const (
	IssueConsoleError   IssueType = "console_error"
	IssueNetworkFailure IssueType = "network_failure"
	IssuePerformance    IssueType = "performance"
	IssueVisual         IssueType = "visual"
	IssueContent        IssueType = "content"
	IssueForm           IssueType = "form"
	IssueAccessibility  IssueType = "accessibility"
	IssueSecurity       IssueType = "security"
)

// IssueTypes lists every known issue type.
func IssueTypes() []IssueType {
	return []IssueType{
		IssueConsoleError, IssueNetworkFailure, IssuePerformance, IssueVisual,
		IssueContent, IssueForm, IssueAccessibility, IssueSecurity,
	}
}

// RawIssue is an unvalidated detection produced by page analysis. It is never
// modified after creation.
type RawIssue struct {
	ID          string    `json:"id"`
	PageID      string    `json:"page_id"`
	Type        IssueType `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Evidence    []string  `json:"evidence,omitempty"`
	Confidence  float64   `json:"confidence"`
	// Severity is the analyzer's own guess and is only advisory.
	Severity   string            `json:"severity,omitempty"`
	SourceURL  string            `json:"source_url"`
	DetectedBy string            `json:"detected_by"`
	StatusCode int               `json:"status_code,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	DetectedAt time.Time         `json:"detected_at"`
}

// -- Bug Schemas --

// Category is the canonical bug category.
type Category string

const (
	CategoryUIUX        Category = "ui_ux"
	CategoryData        Category = "data"
	CategoryEdgeCase    Category = "edge_case"
	CategoryPerformance Category = "performance"
	CategorySecurity    Category = "security"
)

// Categories lists every category.
func Categories() []Category {
	return []Category{CategoryUIUX, CategoryData, CategoryEdgeCase, CategoryPerformance, CategorySecurity}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// Priority ranks how urgently a bug needs attention.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Priorities lists every priority from most to least urgent.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
}

// Rank maps a priority to a sortable integer. Unknown priorities rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p.Rank() > 0 }

// AtLeast reports whether p is as urgent as other or more.
func (p Priority) AtLeast(other Priority) bool { return p.Rank() >= other.Rank() }

// IsUrgent is true for critical and high bugs.
func (p Priority) IsUrgent() bool { return p.AtLeast(PriorityHigh) }

// BugStatus is the lifecycle state of a bug.
type BugStatus string

const (
	StatusDetected  BugStatus = "detected"
	StatusValidated BugStatus = "validated"
	StatusReported  BugStatus = "reported"
	StatusDismissed BugStatus = "dismissed"
)

// ClassificationSource records whether rules or a model produced the final
// category and priority.
type ClassificationSource string

const (
	SourceRules ClassificationSource = "rules"
	SourceModel ClassificationSource = "model"
)

// Bug is a classified defect record. Every bug is created from exactly one
// RawIssue.
type Bug struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	PageID      string    `json:"page_id"`
	RawIssueID  string    `json:"raw_issue_id"`
	Category    Category  `json:"category"`
	Priority    Priority  `json:"priority"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	ReproSteps  []string  `json:"repro_steps"`
	Evidence    []string  `json:"evidence,omitempty"`
	Confidence  float64   `json:"confidence"`
	Status      BugStatus `json:"status"`
	SourceURL   string    `json:"source_url"`

	ClassifiedBy ClassificationSource `json:"classified_by"`

	IsDuplicate bool   `json:"is_duplicate"`
	DuplicateOf string `json:"duplicate_of,omitempty"`

	ValidationNotes string `json:"validation_notes,omitempty"`

	ExternalID  string `json:"external_id,omitempty"`
	ExternalURL string `json:"external_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// statusRank orders the forward path detected -> validated -> reported.
var statusRank = map[BugStatus]int{
	StatusDetected:  0,
	StatusValidated: 1,
	StatusReported:  2,
}

// Advance moves the bug to the next status. Status only ever moves forward;
// dismissal is possible until the bug has been reported.
func (b *Bug) Advance(to BugStatus) error {
	if b.Status == to {
		return nil
	}
	if b.Status == StatusDismissed {
		return fmt.Errorf("bug %s is dismissed and cannot move to %s", b.ID, to)
	}
	if to == StatusDismissed {
		if b.Status == StatusReported {
			return fmt.Errorf("bug %s is already reported and cannot be dismissed", b.ID)
		}
		b.Status = to
		b.UpdatedAt = time.Now().UTC()
		return nil
	}
	from, okFrom := statusRank[b.Status]
	next, okTo := statusRank[to]
	if !okFrom || !okTo {
		return fmt.Errorf("bug %s: unknown status transition %q -> %q", b.ID, b.Status, to)
	}
	if next < from {
		return fmt.Errorf("bug %s cannot move backwards from %s to %s", b.ID, b.Status, to)
	}
	b.Status = to
	b.UpdatedAt = time.Now().UTC()
	return nil
}

// Reportable is true for bugs that may still be reported to the tracker.
func (b *Bug) Reportable() bool {
	return !b.IsDuplicate && (b.Status == StatusDetected || b.Status == StatusValidated)
}

// NeedsValidation is true for urgent, non-duplicate bugs nobody has validated yet.
func (b *Bug) NeedsValidation() bool {
	return !b.IsDuplicate && b.Status == StatusDetected && b.Priority.IsUrgent()
}
