// Package cost keeps the append-only ledger of model usage and turns it into
// per-session, per-tier and per-task cost totals.
package cost

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

// budgetWarningRatio is the share of the budget at which status turns to warning.
const budgetWarningRatio = 0.8

// Pricing is a tier's cost per million tokens.
type Pricing struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// CalculateCost prices a call. The rates in effect at call time are the ones
// that count; recorded costs are never recomputed.
func CalculateCost(p Pricing, inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*p.InputPerMillion + float64(outputTokens)/1e6*p.OutputPerMillion
}

// UsageRecord is one metered model call.
type UsageRecord struct {
	Seq          int64             `json:"seq"`
	Timestamp    time.Time         `json:"timestamp"`
	SessionID    string            `json:"session_id"`
	Task         string            `json:"task"`
	Tier         schemas.ModelTier `json:"tier"`
	Model        string            `json:"model,omitempty"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
	Cost         float64           `json:"cost"`
}

// BudgetStatus represents the current budget state
type BudgetStatus int

const (
	// BudgetHealthy means spending is below the warning ratio or no budget is set.
	BudgetHealthy BudgetStatus = iota
	// BudgetWarning means spending passed 80% of the budget.
	BudgetWarning
	// BudgetExceeded means spending reached the budget.
	BudgetExceeded
)

// String returns a human-readable string representation of the budget status
func (s BudgetStatus) String() string {
	switch s {
	case BudgetHealthy:
		return "HEALTHY"
	case BudgetWarning:
		return "WARNING"
	case BudgetExceeded:
		return "EXCEEDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Ledger is the append-only usage store. It is safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	sessions map[string][]UsageRecord
	seq      int64

	globalRequests int
	globalInput    int
	globalOutput   int
	globalCost     float64
}

// NewLedger creates an empty ledger.
func NewLedger(logger *zap.Logger) *Ledger {
	return &Ledger{
		logger:   logger.Named("cost_ledger"),
		sessions: make(map[string][]UsageRecord),
	}
}

// Record prices and appends a usage record. The cost field of rec is ignored
// and replaced by the cost computed from pricing.
func (l *Ledger) Record(rec UsageRecord, pricing Pricing) UsageRecord {
	rec.Cost = CalculateCost(pricing, rec.InputTokens, rec.OutputTokens)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	l.seq++
	rec.Seq = l.seq
	l.appendLocked(rec)
	l.mu.Unlock()

	l.logger.Debug("Recorded model usage",
		zap.String("session_id", rec.SessionID),
		zap.String("task", rec.Task),
		zap.Stringer("tier", rec.Tier),
		zap.Int("input_tokens", rec.InputTokens),
		zap.Int("output_tokens", rec.OutputTokens),
		zap.Float64("cost", rec.Cost),
	)
	return rec
}

// Import re-seeds the ledger with previously recorded usage, typically from a
// checkpoint. Costs are taken as recorded. Records already present (same
// session and sequence number) are skipped.
func (l *Ledger) Import(records []UsageRecord) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	imported := 0
	for _, rec := range records {
		if l.hasLocked(rec) {
			continue
		}
		if rec.Seq == 0 || rec.Seq <= l.seq {
			l.seq++
			rec.Seq = l.seq
		} else {
			l.seq = rec.Seq
		}
		l.appendLocked(rec)
		imported++
	}
	return imported
}

func (l *Ledger) hasLocked(rec UsageRecord) bool {
	if rec.Seq == 0 {
		return false
	}
	for _, existing := range l.sessions[rec.SessionID] {
		if existing.Seq == rec.Seq && existing.Timestamp.Equal(rec.Timestamp) {
			return true
		}
	}
	return false
}

func (l *Ledger) appendLocked(rec UsageRecord) {
	l.sessions[rec.SessionID] = append(l.sessions[rec.SessionID], rec)
	l.globalRequests++
	l.globalInput += rec.InputTokens
	l.globalOutput += rec.OutputTokens
	l.globalCost += rec.Cost
}

// SessionTotal is the sum of the costs of every record in the session.
func (l *Ledger) SessionTotal(sessionID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := 0.0
	for _, rec := range l.sessions[sessionID] {
		total += rec.Cost
	}
	return total
}

// Records returns a copy of the session's records in recording order.
func (l *Ledger) Records(sessionID string) []UsageRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]UsageRecord, len(l.sessions[sessionID]))
	copy(out, l.sessions[sessionID])
	return out
}

// Export returns every record across sessions ordered by sequence number.
func (l *Ledger) Export() []UsageRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []UsageRecord
	for _, recs := range l.sessions {
		out = append(out, recs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// ResetSession drops a session's records and removes them from the global totals.
func (l *Ledger) ResetSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range l.sessions[sessionID] {
		l.globalRequests--
		l.globalInput -= rec.InputTokens
		l.globalOutput -= rec.OutputTokens
		l.globalCost -= rec.Cost
	}
	delete(l.sessions, sessionID)
	if len(l.sessions) == 0 {
		// Avoid carrying float residue once nothing is left.
		l.globalCost = 0
	}
}

// BudgetStatus compares the session's spend with limit. A non-positive limit
// means no budget.
func (l *Ledger) BudgetStatus(sessionID string, limit float64) BudgetStatus {
	if limit <= 0 {
		return BudgetHealthy
	}
	spent := l.SessionTotal(sessionID)
	switch {
	case spent >= limit:
		return BudgetExceeded
	case spent >= limit*budgetWarningRatio:
		return BudgetWarning
	default:
		return BudgetHealthy
	}
}
