package schemas

import "time"

// -- Run Summary Schemas --

// RunStatus is the outcome of a pipeline run.
type RunStatus string

const (
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
)

// PageCounts tallies pages by crawl status.
type PageCounts struct {
	Discovered int `json:"discovered"`
	Crawled    int `json:"crawled"`
	Failed     int `json:"failed"`
}

// FiledTicket is a bug filed with the external tracker.
type FiledTicket struct {
	BugID      string    `json:"bug_id"`
	ExternalID string    `json:"external_id"`
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Priority   Priority  `json:"priority"`
	FiledAt    time.Time `json:"filed_at"`
}

// ErrorPattern is a group of similar errors.
type ErrorPattern struct {
	Kind    string `json:"kind"`
	Step    string `json:"step"`
	Prefix  string `json:"prefix"`
	Context string `json:"context,omitempty"`
	Count   int    `json:"count"`
}

// ErrorCounts summarizes the errors recorded during a run.
type ErrorCounts struct {
	Total       int            `json:"total"`
	ByKind      map[string]int `json:"by_kind"`
	TopPatterns []ErrorPattern `json:"top_patterns,omitempty"`
}

// RunSummary is what a run or resume returns.
type RunSummary struct {
	SessionID    string        `json:"session_id"`
	Status       RunStatus     `json:"status"`
	Error        string        `json:"error,omitempty"`
	TargetURL    string        `json:"target_url"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Iterations   int           `json:"iterations"`

	Pages PageCounts `json:"pages"`

	// Bug counts exclude duplicates and dismissed bugs.
	TotalBugs      int              `json:"total_bugs"`
	BugsByPriority map[Priority]int `json:"bugs_by_priority"`
	BugsByCategory map[Category]int `json:"bugs_by_category"`
	Duplicates     int              `json:"duplicates"`
	Dismissed      int              `json:"dismissed"`

	Tickets []FiledTicket `json:"tickets"`

	TotalCost  float64            `json:"total_cost"`
	CostByTask map[string]float64 `json:"cost_by_task"`

	Errors ErrorCounts `json:"errors"`

	StepDurations   map[string]time.Duration `json:"step_durations,omitempty"`
	Recommendations []string                 `json:"recommendations"`
	Narrative       string                   `json:"narrative,omitempty"`
}
