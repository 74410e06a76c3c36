// internal/pipeline/state.go
package pipeline

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/config"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/cost"
)

// errorCeiling is the error count above which a run finishes early.
const errorCeiling = 50

// Step is a state of the pipeline machine.
type Step int

const (
	StepPlan Step = iota
	StepCrawl
	StepAnalyze
	StepClassify
	StepValidate
	StepReport
	StepFileTickets
	StepLoopCheck
	StepSummarize
	// StepDone marks a run whose summary has been produced.
	StepDone
)

var stepNames = [...]string{
	StepPlan:        "plan",
	StepCrawl:       "crawl",
	StepAnalyze:     "analyze",
	StepClassify:    "classify",
	StepValidate:    "validate",
	StepReport:      "report",
	StepFileTickets: "file_tickets",
	StepLoopCheck:   "loop_check",
	StepSummarize:   "summarize",
	StepDone:        "done",
}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return stepNames[s]
}

// MarshalText encodes the step by name.
func (s Step) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stepNames) {
		return nil, fmt.Errorf("invalid step %d", int(s))
	}
	return []byte(stepNames[s]), nil
}

// UnmarshalText decodes a step name.
func (s *Step) UnmarshalText(text []byte) error {
	for i, name := range stepNames {
		if name == string(text) {
			*s = Step(i)
			return nil
		}
	}
	return fmt.Errorf("unknown step %q", string(text))
}

// RunConfig is the per-run configuration, fixed at Run and adjustable on Resume.
type RunConfig struct {
	TargetURL             string           `json:"target_url"`
	MaxPages              int              `json:"max_pages"`
	MaxDepth              int              `json:"max_depth"`
	CrawlBatchSize        int              `json:"crawl_batch_size"`
	AnalysisBatchSize     int              `json:"analysis_batch_size"`
	ValidationConcurrency int              `json:"validation_concurrency"`
	StopOnCritical        int              `json:"stop_on_critical"`
	StepTimeout           time.Duration    `json:"step_timeout"`
	CostBudget            float64          `json:"cost_budget"`
	FileTickets           bool             `json:"file_tickets"`
	TicketMinPriority     schemas.Priority `json:"ticket_min_priority"`
	TicketLabels          []string         `json:"ticket_labels,omitempty"`
	Narrative             bool             `json:"narrative"`
	MarkdownPath          string           `json:"markdown_path,omitempty"`
	JUnitPath             string           `json:"junit_path,omitempty"`
}

// RunConfigFrom builds a run configuration from the application config.
func RunConfigFrom(cfg *config.Config, targetURL string) RunConfig {
	return RunConfig{
		TargetURL:             targetURL,
		MaxPages:              cfg.Crawl.MaxPages,
		MaxDepth:              cfg.Crawl.MaxDepth,
		CrawlBatchSize:        cfg.Crawl.BatchSize,
		AnalysisBatchSize:     cfg.Pipeline.AnalysisBatchSize,
		ValidationConcurrency: cfg.Pipeline.ValidationConcurrency,
		StopOnCritical:        cfg.Pipeline.StopOnCritical,
		StepTimeout:           cfg.Pipeline.StepTimeout,
		CostBudget:            cfg.Cost.BudgetUSD,
		FileTickets:           cfg.Tracker.Enabled,
		TicketMinPriority:     schemas.Priority(cfg.Tracker.MinPriority),
		TicketLabels:          cfg.Tracker.Labels,
		Narrative:             cfg.Report.Narrative,
		MarkdownPath:          cfg.Report.MarkdownPath,
		JUnitPath:             cfg.Report.JUnitPath,
	}
}

func (c *RunConfig) applyDefaults() {
	if c.MaxPages <= 0 {
		c.MaxPages = 50
	}
	if c.MaxDepth < 0 {
		c.MaxDepth = 0
	}
	if c.CrawlBatchSize <= 0 {
		c.CrawlBatchSize = 1
	}
	if c.AnalysisBatchSize <= 0 {
		c.AnalysisBatchSize = 5
	}
	if c.ValidationConcurrency <= 0 {
		c.ValidationConcurrency = 5
	}
	if !c.TicketMinPriority.Valid() {
		c.TicketMinPriority = schemas.PriorityMedium
	}
}

// Validate checks the target URL.
func (c *RunConfig) Validate() error {
	u, err := url.Parse(c.TargetURL)
	if err != nil {
		return fmt.Errorf("invalid target url %q: %w", c.TargetURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target url %q must be an absolute http(s) url", c.TargetURL)
	}
	return nil
}

// Overrides adjust a resumed run. Nil fields keep the checkpointed value.
type Overrides struct {
	MaxPages       *int
	MaxDepth       *int
	StopOnCritical *int
	FileTickets    *bool
	CostBudget     *float64
}

func (o *Overrides) apply(c *RunConfig) {
	if o == nil {
		return
	}
	if o.MaxPages != nil {
		c.MaxPages = *o.MaxPages
	}
	if o.MaxDepth != nil {
		c.MaxDepth = *o.MaxDepth
	}
	if o.StopOnCritical != nil {
		c.StopOnCritical = *o.StopOnCritical
	}
	if o.FileTickets != nil {
		c.FileTickets = *o.FileTickets
	}
	if o.CostBudget != nil {
		c.CostBudget = *o.CostBudget
	}
}

// CrawlPlan steers page priority during the crawl.
type CrawlPlan struct {
	// PriorityPatterns are path substrings that raise a page's priority.
	PriorityPatterns []string `json:"priority_patterns"`
	// SkipPatterns are path substrings of pages never crawled.
	SkipPatterns []string `json:"skip_patterns"`
	FocusAreas   []string `json:"focus_areas,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

func (p CrawlPlan) matches(patterns []string, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	target := strings.ToLower(u.RequestURI())
	for _, pat := range patterns {
		pat = strings.ToLower(strings.TrimSpace(pat))
		if pat != "" && strings.Contains(target, pat) {
			return true
		}
	}
	return false
}

// Priority scores a URL; higher is crawled first.
func (p CrawlPlan) Priority(rawURL string) int {
	if p.matches(p.PriorityPatterns, rawURL) {
		return 1
	}
	return 0
}

// Skips reports whether the plan excludes a URL.
func (p CrawlPlan) Skips(rawURL string) bool {
	return p.matches(p.SkipPatterns, rawURL)
}

// StepError is a failure recorded at a step boundary.
type StepError struct {
	Step    Step              `json:"step"`
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
	Time    time.Time         `json:"time"`
}

// RunState is everything a run knows. It is owned by the step currently
// executing and persisted at every step boundary.
type RunState struct {
	SessionID string    `json:"session_id"`
	Config    RunConfig `json:"config"`
	Plan      CrawlPlan `json:"plan"`

	Pages     []schemas.Page               `json:"pages"`
	PageData  map[string]*schemas.PageData `json:"page_data"`
	RawIssues []schemas.RawIssue           `json:"raw_issues"`
	// ClassifiedIssues is how many raw issues, in order, have been classified.
	ClassifiedIssues int           `json:"classified_issues"`
	Bugs             []schemas.Bug `json:"bugs"`

	Errors    []StepError        `json:"errors"`
	Usage     []cost.UsageRecord `json:"usage"`
	TotalCost float64            `json:"total_cost"`

	StepDurations map[string]time.Duration `json:"step_durations"`
	Continue      bool                     `json:"continue"`
	NextStep      Step                     `json:"next_step"`
	Iteration     int                      `json:"iteration"`
	// ReportedLastStep counts bugs moved to reported by the latest Report step.
	ReportedLastStep int                   `json:"reported_last_step"`
	Tickets          []schemas.FiledTicket `json:"tickets"`
	FinishReason     string                `json:"finish_reason,omitempty"`

	StartedAt time.Time           `json:"started_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	Summary   *schemas.RunSummary `json:"summary,omitempty"`

	pageIndex map[string]int
}

// NewRunState creates the state for a fresh run.
func NewRunState(sessionID string, cfg RunConfig, now time.Time) *RunState {
	return &RunState{
		SessionID:     sessionID,
		Config:        cfg,
		PageData:      make(map[string]*schemas.PageData),
		StepDurations: make(map[string]time.Duration),
		Continue:      true,
		NextStep:      StepPlan,
		StartedAt:     now,
		UpdatedAt:     now,
	}
}

// normalize fills maps a decoded checkpoint may lack and rebuilds indexes.
func (s *RunState) normalize() {
	if s.PageData == nil {
		s.PageData = make(map[string]*schemas.PageData)
	}
	if s.StepDurations == nil {
		s.StepDurations = make(map[string]time.Duration)
	}
	s.pageIndex = make(map[string]int, len(s.Pages))
	for i, p := range s.Pages {
		s.pageIndex[p.URL] = i
	}
}

// HasPage reports whether url was already discovered.
func (s *RunState) HasPage(rawURL string) bool {
	if s.pageIndex == nil {
		s.normalize()
	}
	_, ok := s.pageIndex[rawURL]
	return ok
}

// AddPage records a newly discovered page. Known URLs are ignored.
func (s *RunState) AddPage(p schemas.Page) bool {
	if s.HasPage(p.URL) {
		return false
	}
	p.Order = len(s.Pages)
	if p.Status == "" {
		p.Status = schemas.PageDiscovered
	}
	s.Pages = append(s.Pages, p)
	s.pageIndex[p.URL] = len(s.Pages) - 1
	return true
}

// PageCounts tallies pages by status.
func (s *RunState) PageCounts() schemas.PageCounts {
	counts := schemas.PageCounts{Discovered: len(s.Pages)}
	for _, p := range s.Pages {
		switch p.Status {
		case schemas.PageCrawled:
			counts.Crawled++
		case schemas.PageFailed:
			counts.Failed++
		}
	}
	return counts
}

// unclaimed returns the indexes of unclaimed discovered pages, highest
// priority first, then shallowest, then in discovery order.
func (s *RunState) unclaimed() []int {
	var idx []int
	for i, p := range s.Pages {
		if !p.Claimed && p.Status == schemas.PageDiscovered {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		pa, pb := s.Pages[idx[a]], s.Pages[idx[b]]
		if pa.Priority != pb.Priority {
			return pa.Priority > pb.Priority
		}
		if pa.Depth != pb.Depth {
			return pa.Depth < pb.Depth
		}
		return pa.Order < pb.Order
	})
	return idx
}

// CriticalBugs counts non-duplicate critical bugs that were not dismissed.
func (s *RunState) CriticalBugs() int {
	n := 0
	for _, b := range s.Bugs {
		if !b.IsDuplicate && b.Status != schemas.StatusDismissed && b.Priority == schemas.PriorityCritical {
			n++
		}
	}
	return n
}

// needsValidation reports whether any bug awaits validation.
func (s *RunState) needsValidation() bool {
	for i := range s.Bugs {
		if s.Bugs[i].NeedsValidation() {
			return true
		}
	}
	return false
}
