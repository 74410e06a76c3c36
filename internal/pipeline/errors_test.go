package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/llmclient"
)

func TestErrorKind(t *testing.T) {
	chain := &llmclient.ChainError{Task: llmclient.TaskValidateBug}
	transport := &llmclient.TransportError{Kind: schemas.TransportGateway, StatusCode: 503, Err: errors.New("unavailable")}

	assert.Equal(t, KindTimeout, errorKind(fmt.Errorf("extract: %w", context.DeadlineExceeded), KindBrowser))
	assert.Equal(t, KindModel, errorKind(fmt.Errorf("validate: %w", chain), KindValidation))
	assert.Equal(t, KindTransport, errorKind(transport, KindAnalysis))
	assert.Equal(t, KindPanic, errorKind(guard(func() error { panic("x") }), KindAnalysis))
	assert.Equal(t, KindBrowser, errorKind(errors.New("net::ERR_FAILED"), KindBrowser))
}

func TestGuard(t *testing.T) {
	assert.NoError(t, guard(func() error { return nil }))

	want := errors.New("plain")
	assert.Same(t, want, guard(func() error { return want }))

	err := guard(func() error { panic("nil map write") })
	require.Error(t, err)
	assert.ErrorIs(t, err, errWorkerPanic)
	assert.Contains(t, err.Error(), "nil map write")
}

func TestErrorAggregator(t *testing.T) {
	seeded := []StepError{{Step: StepCrawl, Kind: KindBrowser, Message: "failed to extract https://a.example/1: timeout"}}
	agg := NewErrorAggregator(seeded)
	assert.Equal(t, 1, agg.Count())
	assert.Empty(t, agg.Drain(), "seeded errors are not pending")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg.Record(StepCrawl, KindBrowser, fmt.Errorf("failed to extract https://a.example/%d: timeout", i), map[string]string{"url": "x"})
		}()
	}
	wg.Wait()
	agg.Record(StepValidate, KindValidation, errors.New("validator said no"), nil)
	agg.Record(StepValidate, KindValidation, errors.New("validator said no"), nil)

	assert.Equal(t, 23, agg.Count())
	assert.Len(t, agg.Drain(), 22)
	assert.Empty(t, agg.Drain())

	counts := agg.Counts(5)
	assert.Equal(t, 23, counts.Total)
	assert.Equal(t, map[string]int{KindBrowser: 21, KindValidation: 2}, counts.ByKind)
	require.Len(t, counts.TopPatterns, 2)
	assert.Equal(t, schemas.ErrorPattern{
		Kind:   KindBrowser,
		Step:   "crawl",
		Prefix: "failed to extract <url> timeout",
		Count:  21,
	}, counts.TopPatterns[0])
	assert.Equal(t, 2, counts.TopPatterns[1].Count)

	assert.Len(t, agg.Counts(1).TopPatterns, 1)
}

func TestMessagePrefix(t *testing.T) {
	assert.Equal(t, "http ### on get <url>", messagePrefix("HTTP 502 on GET https://api.example.com/v1/items/42"))
	assert.Equal(t, "bug #-#-# failed", messagePrefix("bug 7-3-9 failed"))

	long := messagePrefix(strings.Repeat("a", 200))
	assert.Len(t, []rune(long), patternPrefixLen)
}

func TestFormatContext(t *testing.T) {
	assert.Equal(t, "", formatContext(nil))
	assert.Equal(t, "a=1 b=2", formatContext(map[string]string{"b": "2", "a": "1"}))
}
