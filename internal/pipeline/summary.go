// internal/pipeline/summary.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/cost"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/llmclient"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/reporting"
)

const narrativeSystemPrompt = `You write executive summaries of automated QA runs for engineering leads.
Use plain prose without headings. At most three short paragraphs: overall health,
the most important findings, and what to do next.`

// summarize builds the run summary, the optional narrative and report files.
func (m *Machine) summarize(ctx context.Context, rc *runContext) (Step, error) {
	state := rc.state
	if state.FinishReason == "" {
		state.FinishReason = FinishStopped
	}

	summary := m.buildSummary(rc, schemas.RunCompleted)
	if state.Config.Narrative {
		narrative, err := m.narrate(ctx, state.SessionID, summary)
		if err != nil {
			return StepSummarize, err
		}
		summary.Narrative = narrative
		summary.TotalCost = m.deps.Ledger.SessionTotal(state.SessionID)
		summary.CostByTask = m.deps.Ledger.CostByTask(state.SessionID)
	}

	if path := state.Config.MarkdownPath; path != "" {
		if err := reporting.WriteMarkdown(path, summary, state.Bugs); err != nil {
			rc.record(StepSummarize, KindReport, err, map[string]string{"path": path})
		} else {
			rc.logger.Info("Markdown report written", zap.String("path", path))
		}
	}
	if path := state.Config.JUnitPath; path != "" {
		if err := reporting.WriteJUnit(path, summary, state.Bugs); err != nil {
			rc.record(StepSummarize, KindReport, err, map[string]string{"path": path})
		} else {
			rc.logger.Info("JUnit report written", zap.String("path", path))
		}
	}
	summary.Errors = rc.errs.Counts(topPatterns)

	state.Summary = &summary
	rc.logger.Info("Run summarized",
		zap.Int("bugs", summary.TotalBugs),
		zap.Int("duplicates", summary.Duplicates),
		zap.Float64("total_cost", summary.TotalCost),
		zap.String("finish_reason", summary.FinishReason),
	)
	return StepDone, nil
}

func (m *Machine) buildSummary(rc *runContext, status schemas.RunStatus) schemas.RunSummary {
	state := rc.state
	s := schemas.RunSummary{
		SessionID:      state.SessionID,
		Status:         status,
		TargetURL:      state.Config.TargetURL,
		StartedAt:      state.StartedAt,
		Duration:       m.now().Sub(state.StartedAt),
		FinishReason:   state.FinishReason,
		Iterations:     state.Iteration,
		Pages:          state.PageCounts(),
		BugsByPriority: make(map[schemas.Priority]int),
		BugsByCategory: make(map[schemas.Category]int),
		Tickets:        append([]schemas.FiledTicket(nil), state.Tickets...),
		TotalCost:      m.deps.Ledger.SessionTotal(state.SessionID),
		CostByTask:     m.deps.Ledger.CostByTask(state.SessionID),
		Errors:         rc.errs.Counts(topPatterns),
		StepDurations:  maps.Clone(state.StepDurations),
	}
	for _, b := range state.Bugs {
		switch {
		case b.IsDuplicate:
			s.Duplicates++
		case b.Status == schemas.StatusDismissed:
			s.Dismissed++
		default:
			s.TotalBugs++
			s.BugsByPriority[b.Priority]++
			s.BugsByCategory[b.Category]++
		}
	}
	s.Recommendations = m.recommendations(state, s)
	return s
}

// recommendations derives follow-up advice from the run's numbers.
func (m *Machine) recommendations(state *RunState, s schemas.RunSummary) []string {
	recs := make([]string, 0)
	if n := s.BugsByPriority[schemas.PriorityCritical]; n > 0 {
		recs = append(recs, fmt.Sprintf("Fix the %d critical bug(s) before the next release.", n))
	}
	if n := s.BugsByCategory[schemas.CategorySecurity]; n > 0 {
		recs = append(recs, fmt.Sprintf("Have the %d security finding(s) reviewed by someone who owns application security.", n))
	}
	if n := s.BugsByCategory[schemas.CategoryPerformance]; n > 0 {
		recs = append(recs, fmt.Sprintf("Profile the slow pages behind the %d performance issue(s).", n))
	}
	if n := s.Errors.ByKind[KindModel] + s.Errors.ByKind[KindTransport]; n > 0 {
		recs = append(recs, fmt.Sprintf("Model calls failed %d time(s); check provider credentials, quotas and rate limits.", n))
	}
	if s.Pages.Failed > 0 {
		recs = append(recs, fmt.Sprintf("%d page(s) failed to load; confirm the target is reachable from the crawler.", s.Pages.Failed))
	}
	if state.FinishReason == FinishMaxPages && s.Pages.Discovered > s.Pages.Crawled+s.Pages.Failed {
		recs = append(recs, fmt.Sprintf("Only %d of %d discovered pages were crawled; raise --max-pages for fuller coverage.", s.Pages.Crawled, s.Pages.Discovered))
	}
	if state.Config.CostBudget > 0 && m.deps.Ledger.BudgetStatus(state.SessionID, state.Config.CostBudget) == cost.BudgetExceeded {
		recs = append(recs, fmt.Sprintf("The $%.2f cost budget was exhausted; raise it or map more tasks to cheaper tiers.", state.Config.CostBudget))
	}
	if s.TotalBugs == 0 && s.Errors.Total == 0 {
		recs = append(recs, "No bugs were found; consider a deeper crawl with --max-depth.")
	}
	return recs
}

func (m *Machine) narrate(ctx context.Context, sessionID string, s schemas.RunSummary) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Target: %s\nFinish reason: %s\n", s.TargetURL, s.FinishReason)
	fmt.Fprintf(&b, "Pages: %d discovered, %d crawled, %d failed\n", s.Pages.Discovered, s.Pages.Crawled, s.Pages.Failed)
	fmt.Fprintf(&b, "Bugs: %d (", s.TotalBugs)
	for i, p := range schemas.Priorities() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d %s", s.BugsByPriority[p], p)
	}
	fmt.Fprintf(&b, ")\nDuplicates: %d, dismissed: %d\n", s.Duplicates, s.Dismissed)
	fmt.Fprintf(&b, "Tickets filed: %d\nErrors: %d\nCost: $%.4f\n", len(s.Tickets), s.Errors.Total, s.TotalCost)
	for _, r := range s.Recommendations {
		fmt.Fprintf(&b, "Recommendation: %s\n", r)
	}

	result, err := m.deps.Router.RouteWithFallback(ctx, llmclient.Request{
		Task:        llmclient.TaskGenerateSummary,
		SessionID:   sessionID,
		System:      narrativeSystemPrompt,
		Messages:    []schemas.Message{{Role: schemas.RoleUser, Content: b.String()}},
		MaxTokens:   1024,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("narrative generation failed: %w", err)
	}
	narrative := strings.TrimSpace(result.Response.Content)
	if narrative == "" {
		return "", errors.New("narrative generation returned an empty response")
	}
	return narrative, nil
}
