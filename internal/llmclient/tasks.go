// File: internal/llmclient/tasks.go
package llmclient

import (
	"fmt"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

// Task names a kind of model work. The router picks a tier per task.
type Task string

const (
	TaskPlanCrawl       Task = "plan_crawl"
	TaskAnalyzePage     Task = "analyze_page"
	TaskClassifyBug     Task = "classify_bug"
	TaskDeduplicateBugs Task = "deduplicate_bugs"
	TaskValidateBug     Task = "validate_bug"
	TaskCompactContext  Task = "compact_context"
	TaskGenerateSummary Task = "generate_summary"
)

// Tasks lists every known task.
func Tasks() []Task {
	return []Task{
		TaskPlanCrawl, TaskAnalyzePage, TaskClassifyBug, TaskDeduplicateBugs,
		TaskValidateBug, TaskCompactContext, TaskGenerateSummary,
	}
}

// TaskMap binds tasks to their preferred tier.
type TaskMap map[Task]schemas.ModelTier

// DefaultTaskMap returns the built-in task routing.
func DefaultTaskMap() TaskMap {
	return TaskMap{
		TaskPlanCrawl:       schemas.TierReasoning,
		TaskAnalyzePage:     schemas.TierGeneral,
		TaskClassifyBug:     schemas.TierReasoning,
		TaskDeduplicateBugs: schemas.TierGeneral,
		TaskValidateBug:     schemas.TierPremium,
		TaskCompactContext:  schemas.TierFast,
		TaskGenerateSummary: schemas.TierFast,
	}
}

// Validate checks that every task maps to a known tier.
func (m TaskMap) Validate() error {
	for task, tier := range m {
		if !tier.Valid() {
			return fmt.Errorf("task %s maps to unknown tier %d", task, int(tier))
		}
	}
	return nil
}

// ChainMap lists, per tier, the tiers to fall back to in order.
type ChainMap map[schemas.ModelTier][]schemas.ModelTier

// DefaultChainMap returns the built-in fallback chains. Fast has none.
func DefaultChainMap() ChainMap {
	return ChainMap{
		schemas.TierPremium:   {schemas.TierReasoning, schemas.TierGeneral, schemas.TierFast},
		schemas.TierReasoning: {schemas.TierGeneral, schemas.TierFast},
		schemas.TierCoding:    {schemas.TierGeneral, schemas.TierFast},
		schemas.TierGeneral:   {schemas.TierFast},
		schemas.TierFast:      {},
	}
}

// Validate rejects unknown tiers and any chain graph containing a cycle,
// including a tier listed in its own chain.
func (c ChainMap) Validate() error {
	for from, chain := range c {
		if !from.Valid() {
			return fmt.Errorf("fallback chain declared for unknown tier %d", int(from))
		}
		for _, to := range chain {
			if !to.Valid() {
				return fmt.Errorf("fallback chain for %s contains unknown tier %d", from, int(to))
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[schemas.ModelTier]int, len(c))

	var visit func(t schemas.ModelTier, path []schemas.ModelTier) error
	visit = func(t schemas.ModelTier, path []schemas.ModelTier) error {
		switch state[t] {
		case visiting:
			return fmt.Errorf("fallback chains contain a cycle: %v", append(path, t))
		case done:
			return nil
		}
		state[t] = visiting
		for _, next := range c[t] {
			if err := visit(next, append(path, t)); err != nil {
				return err
			}
		}
		state[t] = done
		return nil
	}

	for _, tier := range schemas.AllTiers() {
		if err := visit(tier, nil); err != nil {
			return err
		}
	}
	return nil
}

// Sequence returns preferred followed by its chain with repeats removed, so a
// tier is never tried twice in one call.
func (c ChainMap) Sequence(preferred schemas.ModelTier) []schemas.ModelTier {
	seq := []schemas.ModelTier{preferred}
	seen := map[schemas.ModelTier]bool{preferred: true}
	for _, tier := range c[preferred] {
		if seen[tier] {
			continue
		}
		seen[tier] = true
		seq = append(seq, tier)
	}
	return seq
}
