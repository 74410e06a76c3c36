// internal/pipeline/steps.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/cost"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/llmclient"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/llmutil"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/reporting"
)

// Finish reasons reported in the summary.
const (
	FinishMaxPages      = "max pages reached"
	FinishNoPages       = "no pages left to crawl"
	FinishCritical      = "critical bug limit reached"
	FinishErrorCeiling  = "error ceiling exceeded"
	FinishStopped       = "stopped"
	FinishBudgetReached = "cost budget exhausted"
)

const planSystemPrompt = `You plan the crawl of a web application for automated QA.
Given the entry URL, answer with JSON only:
{"priority_patterns": [path substrings worth testing first, e.g. "/login", "/checkout"],
 "skip_patterns": [path substrings never worth visiting, e.g. "/logout"],
 "focus_areas": [short phrases naming risky features],
 "notes": "one sentence"}`

// plan asks the model for crawl priorities and seeds the entry page.
func (m *Machine) plan(ctx context.Context, rc *runContext) (Step, error) {
	state := rc.state
	if err := state.Config.Validate(); err != nil {
		return StepPlan, err
	}

	result, err := m.deps.Router.RouteWithFallback(ctx, llmclient.Request{
		Task:      llmclient.TaskPlanCrawl,
		SessionID: state.SessionID,
		System:    planSystemPrompt,
		Messages: []schemas.Message{{
			Role:    schemas.RoleUser,
			Content: fmt.Sprintf("Entry URL: %s\nMaximum pages: %d\nMaximum link depth: %d", state.Config.TargetURL, state.Config.MaxPages, state.Config.MaxDepth),
		}},
		MaxTokens:   1024,
		Temperature: 0.2,
		JSONMode:    true,
	})
	if err != nil {
		return StepPlan, fmt.Errorf("crawl planning failed: %w", err)
	}
	plan, err := llmutil.ParseJSONResponse[CrawlPlan](result.Response.Content)
	if err != nil {
		return StepPlan, fmt.Errorf("crawl plan was not valid JSON: %w", err)
	}
	state.Plan = *plan

	state.AddPage(schemas.Page{
		ID:       uuid.NewString(),
		URL:      state.Config.TargetURL,
		Priority: state.Plan.Priority(state.Config.TargetURL),
		FoundAt:  m.now(),
	})
	rc.logger.Info("Crawl planned",
		zap.Strings("priority_patterns", plan.PriorityPatterns),
		zap.Strings("skip_patterns", plan.SkipPatterns),
		zap.Stringer("tier", result.Tier),
	)
	return StepCrawl, nil
}

// crawl claims the next batch of pages and extracts them concurrently.
func (m *Machine) crawl(ctx context.Context, rc *runContext) (Step, error) {
	state := rc.state
	state.Iteration++

	remaining := state.Config.MaxPages - state.PageCounts().Crawled
	candidates := state.unclaimed()
	if len(candidates) == 0 || remaining <= 0 {
		rc.logger.Info("Nothing left to crawl", zap.Int("iteration", state.Iteration))
		return StepAnalyze, nil
	}

	n := min(state.Config.CrawlBatchSize, remaining, len(candidates))
	claimed := candidates[:n]
	for _, i := range claimed {
		state.Pages[i].Claimed = true
	}

	data := make([]*schemas.PageData, n)
	errs := make([]error, n)
	var g errgroup.Group
	for j, i := range claimed {
		pageURL := state.Pages[i].URL
		g.Go(func() error {
			errs[j] = guard(func() error {
				var err error
				data[j], err = m.deps.Extractor.ExtractPage(ctx, pageURL)
				return err
			})
			return nil
		})
	}
	_ = g.Wait()

	for j, i := range claimed {
		page := &state.Pages[i]
		if errs[j] != nil || data[j] == nil {
			err := errs[j]
			if err == nil {
				err = errors.New("extractor returned no page data")
			}
			page.Status = schemas.PageFailed
			page.Error = err.Error()
			rc.record(StepCrawl, KindBrowser, fmt.Errorf("failed to extract %s: %w", page.URL, err), map[string]string{"url": page.URL})
			continue
		}
		pd := data[j]
		pd.PageID = page.ID
		state.PageData[page.ID] = pd
		page.Status = schemas.PageCrawled
		added := m.discover(state, *page, pd.Links)
		rc.logger.Info("Page crawled",
			zap.String("url", page.URL),
			zap.Int("depth", page.Depth),
			zap.Int("links_added", added),
		)
	}
	return StepAnalyze, nil
}

// discover adds same-host links within the depth limit as new pages.
func (m *Machine) discover(state *RunState, from schemas.Page, links []string) int {
	depth := from.Depth + 1
	if depth > state.Config.MaxDepth {
		return 0
	}
	target, err := url.Parse(state.Config.TargetURL)
	if err != nil {
		return 0
	}

	added := 0
	for _, link := range links {
		u, err := url.Parse(link)
		if err != nil || !strings.EqualFold(u.Hostname(), target.Hostname()) {
			continue
		}
		u.Fragment = ""
		normalized := u.String()
		if state.Plan.Skips(normalized) {
			continue
		}
		if state.AddPage(schemas.Page{
			ID:       uuid.NewString(),
			URL:      normalized,
			Depth:    depth,
			Priority: state.Plan.Priority(normalized),
			FoundAt:  m.now(),
		}) {
			added++
		}
	}
	return added
}

// analyze runs the page analyzer over crawled pages not yet analyzed.
func (m *Machine) analyze(ctx context.Context, rc *runContext) (Step, error) {
	state := rc.state
	var pending []int
	for i, p := range state.Pages {
		if p.Status == schemas.PageCrawled && !p.Analyzed && state.PageData[p.ID] != nil {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return StepClassify, nil
	}

	issues := make([][]schemas.RawIssue, len(pending))
	errs := make([]error, len(pending))
	var g errgroup.Group
	g.SetLimit(state.Config.AnalysisBatchSize)
	for j, i := range pending {
		pd := state.PageData[state.Pages[i].ID]
		g.Go(func() error {
			errs[j] = guard(func() error {
				var err error
				issues[j], err = m.deps.Analyzer.Analyze(ctx, state.SessionID, pd)
				return err
			})
			return nil
		})
	}
	_ = g.Wait()

	found := 0
	for j, i := range pending {
		page := &state.Pages[i]
		state.RawIssues = append(state.RawIssues, issues[j]...)
		found += len(issues[j])
		if err := errs[j]; err != nil {
			rc.record(StepAnalyze, KindAnalysis, err, map[string]string{"url": page.URL})
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				// Cut short; analyze again next iteration.
				continue
			}
		}
		page.Analyzed = true
	}
	rc.logger.Info("Pages analyzed", zap.Int("pages", len(pending)), zap.Int("issues", found))
	return StepClassify, nil
}

// classify turns new raw issues into bugs and marks duplicates.
func (m *Machine) classify(ctx context.Context, rc *runContext) (Step, error) {
	state := rc.state
	if state.ClassifiedIssues > len(state.RawIssues) {
		state.ClassifiedIssues = len(state.RawIssues)
	}
	pending := state.RawIssues[state.ClassifiedIssues:]
	if len(pending) > 0 {
		bugs := make([]schemas.Bug, len(pending))
		var g errgroup.Group
		g.SetLimit(state.Config.AnalysisBatchSize)
		for j, issue := range pending {
			g.Go(func() error {
				err := guard(func() error {
					out := m.deps.Classifier.Classify(ctx, state.SessionID, issue)
					bugs[j] = out.Bug
					return out.Err
				})
				if err != nil {
					rc.record(StepClassify, KindClassify, err, map[string]string{"issue_id": issue.ID})
				}
				return nil
			})
		}
		_ = g.Wait()

		// A panicked worker leaves no bug behind.
		classified := bugs[:0]
		for _, b := range bugs {
			if b.ID != "" {
				classified = append(classified, b)
			}
		}

		dedup := m.deps.Deduplicator.Deduplicate(ctx, state.SessionID, state.Bugs, classified)
		for _, err := range dedup.Errors {
			rc.record(StepClassify, KindClassify, err, nil)
		}
		state.Bugs = append(state.Bugs, dedup.Bugs...)
		state.ClassifiedIssues = len(state.RawIssues)
		rc.logger.Info("Issues classified",
			zap.Int("new_bugs", len(dedup.Bugs)),
			zap.Int("duplicates", dedup.Stats.Duplicates),
		)
	}

	if state.needsValidation() {
		return StepValidate, nil
	}
	return StepReport, nil
}

// report persists reportable bugs and moves them to reported.
func (m *Machine) report(ctx context.Context, rc *runContext) (Step, error) {
	state := rc.state
	state.ReportedLastStep = 0

	var idx []int
	batch := make([]schemas.Bug, 0)
	for i := range state.Bugs {
		if !state.Bugs[i].Reportable() {
			continue
		}
		b := state.Bugs[i]
		if err := b.Advance(schemas.StatusReported); err != nil {
			rc.record(StepReport, KindReport, err, map[string]string{"bug_id": b.ID})
			continue
		}
		idx = append(idx, i)
		batch = append(batch, b)
	}
	if len(batch) == 0 {
		return StepLoopCheck, nil
	}

	if m.deps.Sink != nil {
		if err := m.deps.Sink.SaveBugs(ctx, batch); err != nil {
			rc.record(StepReport, KindPersist, fmt.Errorf("failed to save %d bugs: %w", len(batch), err), nil)
			return StepLoopCheck, nil
		}
	}
	for j, i := range idx {
		state.Bugs[i] = batch[j]
	}
	state.ReportedLastStep = len(batch)
	rc.logger.Info("Bugs reported", zap.Int("count", len(batch)))

	if state.Config.FileTickets {
		return StepFileTickets, nil
	}
	return StepLoopCheck, nil
}

// fileTickets files reported bugs with the tracker. Each filed ticket is
// checkpointed on its own so a resumed run never files it twice.
func (m *Machine) fileTickets(ctx context.Context, rc *runContext) (Step, error) {
	state := rc.state
	if m.deps.Tracker == nil {
		rc.logger.Warn("Ticket filing enabled but no tracker is configured")
		return StepLoopCheck, nil
	}

	for i := range state.Bugs {
		if ctx.Err() != nil {
			break
		}
		b := &state.Bugs[i]
		if b.Status != schemas.StatusReported || b.IsDuplicate || b.ExternalID != "" || !b.Priority.AtLeast(state.Config.TicketMinPriority) {
			continue
		}

		labels := append(append([]string(nil), state.Config.TicketLabels...), string(b.Category))
		ref, err := m.deps.Tracker.CreateIssue(ctx, b.Title, reporting.IssueBody(*b), b.Priority, labels)
		if err != nil {
			rc.record(StepFileTickets, KindTracker, err, map[string]string{"bug_id": b.ID})
			continue
		}
		b.ExternalID = ref.ID
		b.ExternalURL = ref.URL
		b.UpdatedAt = m.now()
		state.Tickets = append(state.Tickets, schemas.FiledTicket{
			BugID:      b.ID,
			ExternalID: ref.ID,
			URL:        ref.URL,
			Title:      b.Title,
			Priority:   b.Priority,
			FiledAt:    m.now(),
		})
		rc.logger.Info("Ticket filed", zap.String("bug_id", b.ID), zap.String("url", ref.URL))
		m.checkpoint(ctx, rc)
	}
	return StepLoopCheck, nil
}

// loopCheck decides whether to crawl again or finish.
func (m *Machine) loopCheck(_ context.Context, rc *runContext) (Step, error) {
	state := rc.state
	cfg := state.Config
	if m.stopRequested.Load() {
		state.Continue = false
	}

	var budget cost.BudgetStatus
	if cfg.CostBudget > 0 {
		budget = m.deps.Ledger.BudgetStatus(state.SessionID, cfg.CostBudget)
		if budget == cost.BudgetWarning {
			rc.logger.Warn("Cost budget nearly exhausted",
				zap.Float64("spent", m.deps.Ledger.SessionTotal(state.SessionID)),
				zap.Float64("budget", cfg.CostBudget),
			)
		}
	}

	reason := ""
	switch {
	case state.PageCounts().Crawled >= cfg.MaxPages:
		reason = FinishMaxPages
	case len(state.unclaimed()) == 0:
		reason = FinishNoPages
	case cfg.StopOnCritical > 0 && state.CriticalBugs() >= cfg.StopOnCritical:
		reason = FinishCritical
	case rc.errs.Count() > errorCeiling:
		reason = FinishErrorCeiling
	case !state.Continue:
		reason = FinishStopped
	case budget == cost.BudgetExceeded:
		reason = FinishBudgetReached
	}

	if reason == "" {
		return StepCrawl, nil
	}
	state.Continue = false
	state.FinishReason = reason
	rc.logger.Info("Finishing run", zap.String("reason", reason), zap.Int("iteration", state.Iteration))
	return StepSummarize, nil
}
