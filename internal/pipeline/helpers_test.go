package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/classify"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/cost"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/llmclient"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errNoState = errors.New("no such session")

// memStore keeps checkpoints as JSON so every load is a deep copy.
type memStore struct {
	mu        sync.Mutex
	data      map[string][]byte
	saves     []Step
	failSaves bool
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (s *memStore) SaveState(_ context.Context, st *RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves {
		return errors.New("disk full")
	}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	s.data[st.SessionID] = b
	s.saves = append(s.saves, st.NextStep)
	return nil
}

func (s *memStore) LoadState(_ context.Context, id string) (*RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[id]
	if !ok {
		return nil, errNoState
	}
	var st RunState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *memStore) savedSteps() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Step(nil), s.saves...)
}

// fakeRouter answers per task and meters every successful call at $0.011.
type fakeRouter struct {
	mu      sync.Mutex
	ledger  *cost.Ledger
	calls   map[llmclient.Task]int
	replies map[llmclient.Task]func(llmclient.Request) (string, error)
}

const callCost = 0.011

func newFakeRouter(ledger *cost.Ledger) *fakeRouter {
	return &fakeRouter{
		ledger:  ledger,
		calls:   make(map[llmclient.Task]int),
		replies: make(map[llmclient.Task]func(llmclient.Request) (string, error)),
	}
}

func (r *fakeRouter) reply(task llmclient.Task, content string) {
	r.replies[task] = func(llmclient.Request) (string, error) { return content, nil }
}

func (r *fakeRouter) fail(task llmclient.Task, err error) {
	r.replies[task] = func(llmclient.Request) (string, error) { return "", err }
}

func (r *fakeRouter) RouteWithFallback(ctx context.Context, req llmclient.Request) (*llmclient.FallbackResult, error) {
	r.mu.Lock()
	r.calls[req.Task]++
	fn := r.replies[req.Task]
	ledger := r.ledger
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("no reply configured for %s", req.Task)
	}
	content, err := fn(req)
	if err != nil {
		return nil, err
	}
	ledger.Record(cost.UsageRecord{
		SessionID:    req.SessionID,
		Task:         string(req.Task),
		Tier:         schemas.TierGeneral,
		InputTokens:  1000,
		OutputTokens: 100,
	}, cost.Pricing{InputPerMillion: 10, OutputPerMillion: 10})
	return &llmclient.FallbackResult{
		Response:  &llmclient.Response{Content: content, Tier: schemas.TierGeneral},
		Tier:      schemas.TierGeneral,
		Attempt:   1,
		ChainUsed: []schemas.ModelTier{schemas.TierGeneral},
	}, nil
}

func (r *fakeRouter) count(task llmclient.Task) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[task]
}

// fakeSite serves canned page data. Pages listed in hang never load; the
// extraction returns once its context ends.
type fakeSite struct {
	mu     sync.Mutex
	pages  map[string]schemas.PageData
	hang   map[string]bool
	visits []string
}

func (s *fakeSite) ExtractPage(ctx context.Context, url string) (*schemas.PageData, error) {
	s.mu.Lock()
	s.visits = append(s.visits, url)
	if s.hang[url] {
		s.mu.Unlock()
		<-ctx.Done()
		return nil, fmt.Errorf("navigation to %s did not finish: %w", url, ctx.Err())
	}
	defer s.mu.Unlock()
	pd, ok := s.pages[url]
	if !ok {
		return nil, fmt.Errorf("navigation to %s failed: net::ERR_NAME_NOT_RESOLVED", url)
	}
	pd.URL = url
	return &pd, nil
}

func (s *fakeSite) visited() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.visits...)
}

// fakeAnalyzer returns canned issues per page URL.
type fakeAnalyzer struct {
	mu     sync.Mutex
	issues map[string][]schemas.RawIssue
	panics map[string]bool
	calls  map[string]int
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		issues: make(map[string][]schemas.RawIssue),
		panics: make(map[string]bool),
		calls:  make(map[string]int),
	}
}

func (a *fakeAnalyzer) Analyze(_ context.Context, _ string, page *schemas.PageData) ([]schemas.RawIssue, error) {
	a.mu.Lock()
	a.calls[page.URL]++
	canned := a.issues[page.URL]
	explode := a.panics[page.URL]
	a.mu.Unlock()

	if explode {
		panic("analyzer exploded on " + page.URL)
	}
	out := make([]schemas.RawIssue, len(canned))
	for i, issue := range canned {
		issue.ID = fmt.Sprintf("%s-%d", page.PageID, i)
		issue.PageID = page.PageID
		issue.SourceURL = page.URL
		out[i] = issue
	}
	return out, nil
}

func (a *fakeAnalyzer) count(url string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[url]
}

type fakeSink struct {
	mu      sync.Mutex
	batches [][]schemas.Bug
}

func (s *fakeSink) SaveBugs(_ context.Context, bugs []schemas.Bug) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]schemas.Bug(nil), bugs...))
	return nil
}

type filed struct {
	title    string
	priority schemas.Priority
	labels   []string
}

type fakeTracker struct {
	mu       sync.Mutex
	filed    []filed
	onCreate func(n int)
}

func (t *fakeTracker) CreateIssue(_ context.Context, title, _ string, priority schemas.Priority, labels []string) (schemas.IssueRef, error) {
	t.mu.Lock()
	t.filed = append(t.filed, filed{title: title, priority: priority, labels: labels})
	n := len(t.filed)
	hook := t.onCreate
	t.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return schemas.IssueRef{ID: fmt.Sprint(n), URL: fmt.Sprintf("https://github.com/acme/app/issues/%d", n)}, nil
}

func (t *fakeTracker) titles() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.filed))
	for i, f := range t.filed {
		out[i] = f.title
	}
	return out
}

type harness struct {
	store    *memStore
	router   *fakeRouter
	site     *fakeSite
	analyzer *fakeAnalyzer
	sink     *fakeSink
	tracker  *fakeTracker
	ledger   *cost.Ledger
}

func newHarness() *harness {
	ledger := cost.NewLedger(zap.NewNop())
	return &harness{
		store:    newMemStore(),
		router:   newFakeRouter(ledger),
		site:     &fakeSite{pages: make(map[string]schemas.PageData), hang: make(map[string]bool)},
		analyzer: newFakeAnalyzer(),
		sink:     &fakeSink{},
		tracker:  &fakeTracker{},
		ledger:   ledger,
	}
}

// machine builds a machine over the harness. Classification and dedup are
// the real rule-only implementations.
func (h *harness) machine(t *testing.T, logger *zap.Logger) *Machine {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	m, err := New(Deps{
		Store:        h.store,
		Router:       h.router,
		Extractor:    h.site,
		Analyzer:     h.analyzer,
		Classifier:   classify.NewClassifier(nil, classify.DefaultConfig(), logger),
		Deduplicator: classify.NewDeduplicator(nil, classify.DefaultConfig(), logger),
		Ledger:       h.ledger,
		Sink:         h.sink,
		Tracker:      h.tracker,
	}, logger)
	require.NoError(t, err)
	return m
}

// restart simulates a new process: a fresh ledger and machine over the same
// store and collaborators.
func (h *harness) restart(t *testing.T) *Machine {
	t.Helper()
	h.ledger = cost.NewLedger(zap.NewNop())
	h.router.mu.Lock()
	h.router.ledger = h.ledger
	h.router.mu.Unlock()
	return h.machine(t, nil)
}

func newTestRunContext(state *RunState) *runContext {
	state.normalize()
	return &runContext{state: state, errs: NewErrorAggregator(state.Errors), logger: zap.NewNop()}
}

const (
	rootURL  = "https://app.example.com/"
	loginURL = "https://app.example.com/login"
	aboutURL = "https://app.example.com/about"
)

const validReply = `{"is_valid": true, "priority": "critical", "category": "security", "confidence": 0.95, "notes": "Credentials travel in clear text."}`

var (
	consoleIssue = schemas.RawIssue{
		Type: schemas.IssueConsoleError, Title: "Uncaught TypeError: cart is undefined",
		Description: "Script error while rendering the cart widget.", Confidence: 0.9, DetectedBy: "console",
	}
	passwordIssue = schemas.RawIssue{
		Type: schemas.IssueSecurity, Title: "Password form submitted over plain HTTP",
		Description: "The login form posts to an http:// action.", Confidence: 0.9, DetectedBy: "form",
	}
	serverErrorIssue = schemas.RawIssue{
		Type: schemas.IssueNetworkFailure, Title: "HTTP 500 on POST /api/users",
		Description: "User creation endpoint returned 500.", Confidence: 0.95, StatusCode: 500, DetectedBy: "network",
	}
)
