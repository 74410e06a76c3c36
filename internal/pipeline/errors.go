// internal/pipeline/errors.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/llmclient"
)

// Error kinds recorded on StepError.
const (
	KindModel      = "model"
	KindTransport  = "transport"
	KindTimeout    = "timeout"
	KindBrowser    = "browser"
	KindAnalysis   = "analysis"
	KindClassify   = "classification"
	KindValidation = "validation"
	KindPersist    = "persistence"
	KindTracker    = "tracker"
	KindCheckpoint = "checkpoint"
	KindReport     = "report"
	KindPanic      = "panic"
	KindInternal   = "internal"
)

// errWorkerPanic wraps a panic recovered inside a fan-out worker.
var errWorkerPanic = errors.New("worker panicked")

// guard runs fn in a worker, turning a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errWorkerPanic, r)
		}
	}()
	return fn()
}

const (
	patternPrefixLen = 80
	topPatterns      = 5
)

// errorKind refines fallback into a more specific kind when err carries one.
func errorKind(err error, fallback string) string {
	var chainErr *llmclient.ChainError
	var transportErr *llmclient.TransportError
	switch {
	case errors.Is(err, errWorkerPanic):
		return KindPanic
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &chainErr):
		return KindModel
	case errors.As(err, &transportErr):
		return KindTransport
	default:
		return fallback
	}
}

type patternKey struct {
	kind   string
	step   Step
	prefix string
}

// ErrorAggregator collects step errors from concurrent workers and groups
// them into patterns of the same kind and similar message.
type ErrorAggregator struct {
	mu       sync.Mutex
	all      []StepError
	pending  []StepError
	patterns map[patternKey]*schemas.ErrorPattern
	order    []patternKey
	now      func() time.Time
}

// NewErrorAggregator creates an aggregator seeded with previously recorded errors.
func NewErrorAggregator(existing []StepError) *ErrorAggregator {
	a := &ErrorAggregator{
		patterns: make(map[patternKey]*schemas.ErrorPattern),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, e := range existing {
		a.add(e, false)
	}
	return a
}

// Record adds an error built from err. It is safe for concurrent use.
func (a *ErrorAggregator) Record(step Step, kind string, err error, fields map[string]string) StepError {
	e := StepError{
		Step:    step,
		Kind:    errorKind(err, kind),
		Message: err.Error(),
		Context: fields,
		Time:    a.now(),
	}
	a.mu.Lock()
	a.add(e, true)
	a.mu.Unlock()
	return e
}

func (a *ErrorAggregator) add(e StepError, pending bool) {
	a.all = append(a.all, e)
	if pending {
		a.pending = append(a.pending, e)
	}

	key := patternKey{kind: e.Kind, step: e.Step, prefix: messagePrefix(e.Message)}
	if p, ok := a.patterns[key]; ok {
		p.Count++
		return
	}
	a.patterns[key] = &schemas.ErrorPattern{
		Kind:    e.Kind,
		Step:    e.Step.String(),
		Prefix:  key.prefix,
		Context: formatContext(e.Context),
		Count:   1,
	}
	a.order = append(a.order, key)
}

// Drain returns errors recorded since the previous call.
func (a *ErrorAggregator) Drain() []StepError {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.pending
	a.pending = nil
	return out
}

// Count returns the number of errors seen, including seeded ones.
func (a *ErrorAggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.all)
}

// Counts summarizes the errors, with up to n top patterns by frequency.
func (a *ErrorAggregator) Counts(n int) schemas.ErrorCounts {
	a.mu.Lock()
	defer a.mu.Unlock()

	counts := schemas.ErrorCounts{Total: len(a.all), ByKind: make(map[string]int)}
	for _, e := range a.all {
		counts.ByKind[e.Kind]++
	}

	patterns := make([]schemas.ErrorPattern, 0, len(a.order))
	for _, key := range a.order {
		patterns = append(patterns, *a.patterns[key])
	}
	sort.SliceStable(patterns, func(i, j int) bool { return patterns[i].Count > patterns[j].Count })
	if len(patterns) > n {
		patterns = patterns[:n]
	}
	counts.TopPatterns = patterns
	return counts
}

// messagePrefix normalizes a message so that errors differing only in ids,
// numbers or URLs group together.
func messagePrefix(msg string) string {
	var b strings.Builder
	for i, field := range strings.Fields(msg) {
		if strings.Contains(field, "://") {
			field = "<url>"
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		for _, r := range strings.ToLower(field) {
			if unicode.IsDigit(r) {
				r = '#'
			}
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len([]rune(out)) > patternPrefixLen {
		out = string([]rune(out)[:patternPrefixLen])
	}
	return out
}

func formatContext(ctx map[string]string) string {
	if len(ctx) == 0 {
		return ""
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, ctx[k]))
	}
	return strings.Join(parts, " ")
}
