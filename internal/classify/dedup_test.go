package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/llmclient"
)

func bug(id, title, desc string, cat schemas.Category, prio schemas.Priority) schemas.Bug {
	return schemas.Bug{ID: id, Title: title, Description: desc, Category: cat, Priority: prio, Status: schemas.StatusDetected}
}

func setupDeduplicator(router ModelRouter) (*Deduplicator, *int) {
	d := NewDeduplicator(router, DefaultConfig(), zap.NewNop())
	calls := 0
	d.similarity = func(a, b string) float64 {
		calls++
		return Jaccard(a, b)
	}
	return d, &calls
}

// Verifies the documented example: identical titles on different pages are
// duplicates through the exact-title path alone.
func TestDeduplicate_ExactTitleFastPath(t *testing.T) {
	router := new(MockRouter)
	d, similarityCalls := setupDeduplicator(router)

	first := bug("b1", "Uncaught TypeError: cannot read 'id' of undefined", "on the cart page", schemas.CategoryEdgeCase, schemas.PriorityHigh)
	first.PageID = "cart"
	second := bug("b2", "  uncaught typeerror: cannot read 'id' of undefined ", "on the profile page, completely different words", schemas.CategoryEdgeCase, schemas.PriorityHigh)
	second.PageID = "profile"

	result := d.Deduplicate(context.Background(), "s1", nil, []schemas.Bug{first, second})

	assert.False(t, result.Bugs[0].IsDuplicate)
	assert.True(t, result.Bugs[1].IsDuplicate)
	assert.Equal(t, "b1", result.Bugs[1].DuplicateOf)
	assert.Equal(t, 1, result.Stats.ByKind[MatchExactTitle])
	assert.Equal(t, 0, *similarityCalls, "no similarity computation on the fast path")
	router.AssertNotCalled(t, "RouteWithFallback", mock.Anything, mock.Anything)
}

func TestDeduplicate_AgainstExistingSet(t *testing.T) {
	d, _ := setupDeduplicator(nil)
	existing := []schemas.Bug{
		bug("old", "Broken image", "x", schemas.CategoryUIUX, schemas.PriorityLow),
	}
	dupOfDup := bug("older-dup", "Slow page", "y", schemas.CategoryPerformance, schemas.PriorityLow)
	dupOfDup.IsDuplicate = true
	existing = append(existing, dupOfDup)

	result := d.Deduplicate(context.Background(), "s1", existing, []schemas.Bug{
		bug("new1", "broken image", "z", schemas.CategoryUIUX, schemas.PriorityLow),
		bug("new2", "Slow page", "w", schemas.CategoryPerformance, schemas.PriorityLow),
	})
	assert.True(t, result.Bugs[0].IsDuplicate)
	assert.Equal(t, "old", result.Bugs[0].DuplicateOf)
	assert.False(t, result.Bugs[1].IsDuplicate, "existing duplicates are not originals")
}

func TestDeduplicate_ModelJudgmentForUrgentPairs(t *testing.T) {
	router := new(MockRouter)
	router.On("RouteWithFallback", mock.Anything, forTask(llmclient.TaskDeduplicateBugs)).
		Return(reply(`{"is_duplicate": true, "confidence": 0.9}`), nil).Once()
	d, similarityCalls := setupDeduplicator(router)

	result := d.Deduplicate(context.Background(), "s1", nil, []schemas.Bug{
		bug("b1", "Checkout API returns 500", "POST /api/checkout fails", schemas.CategoryData, schemas.PriorityHigh),
		bug("b2", "Order submission fails", "submitting an order shows an error", schemas.CategoryData, schemas.PriorityMedium),
	})

	assert.True(t, result.Bugs[1].IsDuplicate)
	assert.Equal(t, 1, result.Stats.ByKind[MatchModel])
	assert.Equal(t, 1, result.Stats.ModelCalls)
	assert.Equal(t, 0, *similarityCalls)
	router.AssertExpectations(t)
}

func TestDeduplicate_ModelSaysDistinct(t *testing.T) {
	router := new(MockRouter)
	router.On("RouteWithFallback", mock.Anything, mock.Anything).
		Return(reply(`{"is_duplicate": false, "confidence": 0.9}`), nil).Once()
	d, similarityCalls := setupDeduplicator(router)

	desc := "the same words in both descriptions"
	result := d.Deduplicate(context.Background(), "s1", nil, []schemas.Bug{
		bug("b1", "A", desc, schemas.CategoryData, schemas.PriorityCritical),
		bug("b2", "B", desc, schemas.CategoryData, schemas.PriorityLow),
	})
	assert.False(t, result.Bugs[1].IsDuplicate, "a negative model judgment is final for the pair")
	assert.Equal(t, 0, *similarityCalls)
}

func TestDeduplicate_ModelFailureFailsOpen(t *testing.T) {
	router := new(MockRouter)
	router.On("RouteWithFallback", mock.Anything, mock.Anything).Return(nil, errors.New("all tiers down")).Once()
	d, similarityCalls := setupDeduplicator(router)

	desc := "login form rejects valid credentials with a generic error"
	result := d.Deduplicate(context.Background(), "s1", nil, []schemas.Bug{
		bug("b1", "Login rejected", desc, schemas.CategoryEdgeCase, schemas.PriorityHigh),
		bug("b2", "Sign-in fails", desc, schemas.CategoryEdgeCase, schemas.PriorityHigh),
	})

	assert.True(t, result.Bugs[1].IsDuplicate)
	assert.Equal(t, 1, result.Stats.ByKind[MatchSimilarity])
	assert.Equal(t, 1, result.Stats.ModelErrors)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 1, *similarityCalls)
}

func TestDeduplicate_SimilarityThreshold(t *testing.T) {
	d, _ := setupDeduplicator(nil)
	result := d.Deduplicate(context.Background(), "s1", nil, []schemas.Bug{
		bug("b1", "One", "alpha beta gamma delta epsilon zeta eta theta iota kappa", schemas.CategoryUIUX, schemas.PriorityLow),
		bug("b2", "Two", "alpha beta gamma delta epsilon zeta eta theta iota kappa", schemas.CategoryUIUX, schemas.PriorityLow),
		bug("b3", "Three", "alpha beta gamma delta epsilon zeta eta theta iota lambda", schemas.CategoryUIUX, schemas.PriorityLow),
	})
	assert.True(t, result.Bugs[1].IsDuplicate)
	// 9 shared of 11 total tokens = 0.818, below 0.85
	assert.False(t, result.Bugs[2].IsDuplicate)
}

func TestDeduplicate_DoesNotMutateInput(t *testing.T) {
	d, _ := setupDeduplicator(nil)
	in := []schemas.Bug{bug("b1", "Same", "", schemas.CategoryUIUX, schemas.PriorityLow), bug("b2", "same", "", schemas.CategoryUIUX, schemas.PriorityLow)}
	_ = d.Deduplicate(context.Background(), "s1", nil, in)
	assert.False(t, in[1].IsDuplicate)
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, Jaccard("Button does nothing", "button, DOES nothing!"))
	assert.Equal(t, 0.0, Jaccard("", ""))
	assert.Equal(t, 0.0, Jaccard("alpha", "beta"))
	assert.InDelta(t, 1.0/3.0, Jaccard("a b", "b c"), 1e-9)
}
