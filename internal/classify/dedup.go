package classify

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/llmclient"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/llmutil"
)

// MatchKind records which check flagged a duplicate.
type MatchKind string

const (
	MatchExactTitle MatchKind = "exact_title"
	MatchModel      MatchKind = "model"
	MatchSimilarity MatchKind = "similarity"
)

// DedupStats counts what a Deduplicate call did.
type DedupStats struct {
	Checked     int
	Duplicates  int
	ByKind      map[MatchKind]int
	ModelCalls  int
	ModelErrors int
}

// DedupResult is the outcome of a deduplication pass.
type DedupResult struct {
	Bugs   []schemas.Bug
	Stats  DedupStats
	Errors []error
}

// Deduplicator marks later bugs that repeat an earlier one.
type Deduplicator struct {
	router     ModelRouter
	threshold  float64
	logger     *zap.Logger
	similarity func(a, b string) float64
}

// NewDeduplicator creates a deduplicator. A nil router skips the model check.
func NewDeduplicator(router ModelRouter, cfg Config, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{
		router:     router,
		threshold:  cfg.SimilarityThreshold,
		logger:     logger.Named("deduplicator"),
		similarity: Jaccard,
	}
}

// Deduplicate checks each incoming bug, in order, against the non-duplicate
// bugs in existing plus the incoming bugs already accepted. Duplicates are
// flagged, never removed. Per bug the checks run cheapest first: exact title,
// then a model judgment for urgent same-category pairs, then description
// similarity. Model failures fail open to the similarity check.
func (d *Deduplicator) Deduplicate(ctx context.Context, sessionID string, existing, incoming []schemas.Bug) DedupResult {
	result := DedupResult{
		Bugs:  make([]schemas.Bug, len(incoming)),
		Stats: DedupStats{ByKind: make(map[MatchKind]int)},
	}
	copy(result.Bugs, incoming)

	accepted := make([]schemas.Bug, 0, len(existing)+len(incoming))
	for _, b := range existing {
		if !b.IsDuplicate {
			accepted = append(accepted, b)
		}
	}

	for i := range result.Bugs {
		bug := &result.Bugs[i]
		if bug.IsDuplicate {
			continue
		}
		result.Stats.Checked++

		original, kind, errs := d.findOriginal(ctx, sessionID, *bug, accepted, &result.Stats)
		result.Errors = append(result.Errors, errs...)
		if original == nil {
			accepted = append(accepted, *bug)
			continue
		}

		bug.IsDuplicate = true
		bug.DuplicateOf = original.ID
		result.Stats.Duplicates++
		result.Stats.ByKind[kind]++
		d.logger.Debug("Marked bug as duplicate",
			zap.String("bug_id", bug.ID),
			zap.String("duplicate_of", original.ID),
			zap.String("match", string(kind)),
		)
	}
	return result
}

func (d *Deduplicator) findOriginal(ctx context.Context, sessionID string, bug schemas.Bug, accepted []schemas.Bug, stats *DedupStats) (*schemas.Bug, MatchKind, []error) {
	title := normalizeTitle(bug.Title)
	for i := range accepted {
		if normalizeTitle(accepted[i].Title) == title {
			return &accepted[i], MatchExactTitle, nil
		}
	}

	var errs []error
	for i := range accepted {
		other := &accepted[i]
		if d.router != nil && other.Category == bug.Category && (bug.Priority.IsUrgent() || other.Priority.IsUrgent()) {
			stats.ModelCalls++
			dup, err := d.judge(ctx, sessionID, *other, bug)
			if err == nil {
				if dup {
					return other, MatchModel, errs
				}
				continue
			}
			stats.ModelErrors++
			errs = append(errs, fmt.Errorf("duplicate judgment %s vs %s: %w", bug.ID, other.ID, err))
			d.logger.Warn("Duplicate judgment failed, falling back to similarity",
				zap.String("bug_id", bug.ID),
				zap.String("other_id", other.ID),
				zap.Error(err),
			)
		}
		if d.similarity(bug.Description, other.Description) > d.threshold {
			return other, MatchSimilarity, errs
		}
	}
	return nil, "", errs
}

type duplicateVerdict struct {
	IsDuplicate bool    `json:"is_duplicate"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

const dedupSystemPrompt = `You decide whether two bug reports from an automated QA crawl describe the same underlying defect.
Different pages can share one defect (for example a broken shared API).
Respond with JSON only: {"is_duplicate": true|false, "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`

func (d *Deduplicator) judge(ctx context.Context, sessionID string, first, second schemas.Bug) (bool, error) {
	prompt := fmt.Sprintf("Bug A\nTitle: %s\nURL: %s\nDescription: %s\n\nBug B\nTitle: %s\nURL: %s\nDescription: %s",
		first.Title, first.SourceURL, llmutil.Truncate(first.Description, 2000),
		second.Title, second.SourceURL, llmutil.Truncate(second.Description, 2000),
	)
	result, err := d.router.RouteWithFallback(ctx, llmclient.Request{
		Task:        llmclient.TaskDeduplicateBugs,
		SessionID:   sessionID,
		System:      dedupSystemPrompt,
		Messages:    []schemas.Message{{Role: schemas.RoleUser, Content: prompt}},
		MaxTokens:   256,
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		return false, err
	}
	verdict, err := llmutil.ParseJSONResponse[duplicateVerdict](result.Response.Content)
	if err != nil {
		return false, err
	}
	return verdict.IsDuplicate, nil
}

func normalizeTitle(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Tokens splits text into its set of lowercase word tokens.
func Tokens(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// Jaccard is the token-set similarity |A∩B| / |A∪B| of two texts. Two texts
// without any tokens score 0.
func Jaccard(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}
