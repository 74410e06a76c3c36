package cost

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

// Totals aggregates a group of usage records.
type Totals struct {
	Requests     int     `json:"requests"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

func (t *Totals) add(rec UsageRecord) {
	t.Requests++
	t.InputTokens += rec.InputTokens
	t.OutputTokens += rec.OutputTokens
	t.Cost += rec.Cost
}

// SessionSummary breaks one session's usage down by tier and by task.
type SessionSummary struct {
	SessionID string                       `json:"session_id"`
	Total     Totals                       `json:"total"`
	ByTier    map[schemas.ModelTier]Totals `json:"by_tier"`
	ByTask    map[string]Totals            `json:"by_task"`
}

// GlobalSummary covers every session in the ledger.
type GlobalSummary struct {
	Sessions int                          `json:"sessions"`
	Total    Totals                       `json:"total"`
	ByTier   map[schemas.ModelTier]Totals `json:"by_tier"`
}

// SessionSummary summarizes one session.
func (l *Ledger) SessionSummary(sessionID string) SessionSummary {
	summary := SessionSummary{
		SessionID: sessionID,
		ByTier:    make(map[schemas.ModelTier]Totals),
		ByTask:    make(map[string]Totals),
	}
	for _, rec := range l.Records(sessionID) {
		summary.Total.add(rec)

		tier := summary.ByTier[rec.Tier]
		tier.add(rec)
		summary.ByTier[rec.Tier] = tier

		task := summary.ByTask[rec.Task]
		task.add(rec)
		summary.ByTask[rec.Task] = task
	}
	return summary
}

// GlobalSummary summarizes the whole ledger. The cost total is the running
// global total, which session resets decrement.
func (l *Ledger) GlobalSummary() GlobalSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	summary := GlobalSummary{
		Sessions: len(l.sessions),
		Total: Totals{
			Requests:     l.globalRequests,
			InputTokens:  l.globalInput,
			OutputTokens: l.globalOutput,
			Cost:         l.globalCost,
		},
		ByTier: make(map[schemas.ModelTier]Totals),
	}
	for _, recs := range l.sessions {
		for _, rec := range recs {
			tier := summary.ByTier[rec.Tier]
			tier.add(rec)
			summary.ByTier[rec.Tier] = tier
		}
	}
	return summary
}

// CostByTask returns the session's spend keyed by task name.
func (l *Ledger) CostByTask(sessionID string) map[string]float64 {
	out := make(map[string]float64)
	for task, totals := range l.SessionSummary(sessionID).ByTask {
		out[task] = totals.Cost
	}
	return out
}

// Format renders a session summary for humans.
func (s SessionSummary) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s: %d requests, %d input / %d output tokens, $%.4f\n",
		s.SessionID, s.Total.Requests, s.Total.InputTokens, s.Total.OutputTokens, s.Total.Cost)

	for _, tier := range schemas.AllTiers() {
		totals, ok := s.ByTier[tier]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "  %-9s %4d requests  %8d in  %8d out  $%.4f\n",
			tier, totals.Requests, totals.InputTokens, totals.OutputTokens, totals.Cost)
	}

	tasks := make([]string, 0, len(s.ByTask))
	for task := range s.ByTask {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)
	for _, task := range tasks {
		fmt.Fprintf(&b, "  task %-18s $%.4f\n", task, s.ByTask[task].Cost)
	}
	return b.String()
}

// Format renders the global summary for humans.
func (g GlobalSummary) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "All sessions (%d): %d requests, %d input / %d output tokens, $%.4f\n",
		g.Sessions, g.Total.Requests, g.Total.InputTokens, g.Total.OutputTokens, g.Total.Cost)
	for _, tier := range schemas.AllTiers() {
		if totals, ok := g.ByTier[tier]; ok {
			fmt.Fprintf(&b, "  %-9s %4d requests  $%.4f\n", tier, totals.Requests, totals.Cost)
		}
	}
	return b.String()
}
