package llmclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/budget"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/config"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/cost"
)

// MockTransport is a mock implementation of schemas.Transport.
type MockTransport struct {
	mock.Mock
	kind schemas.TransportKind
}

func (m *MockTransport) Send(ctx context.Context, req schemas.SendRequest) (*schemas.SendResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*schemas.SendResult)
	return res, args.Error(1)
}

func (m *MockTransport) Kind() schemas.TransportKind { return m.kind }

// scriptedTransport answers per model id from a queue of outcomes and records
// every call. It is safe for concurrent use.
type scriptedTransport struct {
	kind schemas.TransportKind

	mu      sync.Mutex
	script  map[string][]error
	calls   []schemas.SendRequest
	content string
}

func newScriptedTransport(kind schemas.TransportKind) *scriptedTransport {
	return &scriptedTransport{kind: kind, script: make(map[string][]error), content: "ok"}
}

// fail queues n failures with err for a model; later calls succeed.
func (s *scriptedTransport) fail(model string, err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.script[model] = append(s.script[model], err)
	}
}

func (s *scriptedTransport) Send(ctx context.Context, req schemas.SendRequest) (*schemas.SendResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	var err error
	if queue := s.script[req.Model]; len(queue) > 0 {
		err = queue[0]
		s.script[req.Model] = queue[1:]
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &schemas.SendResult{
		Content:    s.content + " from " + req.Model,
		Usage:      schemas.TokenUsage{InputTokens: 1000, OutputTokens: 500},
		StopReason: "end_turn",
	}, nil
}

func (s *scriptedTransport) Kind() schemas.TransportKind { return s.kind }

func (s *scriptedTransport) modelsCalled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	models := make([]string, len(s.calls))
	for i, c := range s.calls {
		models[i] = c.Model
	}
	return models
}

// testRegistry configures every tier on a single transport kind, one model per tier.
func testRegistry(t *testing.T, kind schemas.TransportKind) *Registry {
	t.Helper()
	var specs []TierSpec
	for _, tier := range schemas.AllTiers() {
		specs = append(specs, TierSpec{
			Tier:          tier,
			Transport:     kind,
			Model:         "model-" + tier.String(),
			Family:        budget.FamilyOpenAI,
			ContextWindow: 100000,
			Pricing:       cost.Pricing{InputPerMillion: 1, OutputPerMillion: 2},
		})
	}
	registry, err := NewRegistry(specs...)
	require.NoError(t, err)
	return registry
}

func testRouterConfig() RouterConfig {
	return RouterConfig{
		MaxRetriesPerTier: 2,
		RetryDelay:        time.Millisecond,
		CallTimeout:       5 * time.Second,
		SafetyMargin:      0.9,
		MinOutputTokens:   256,
		DefaultMaxTokens:  1024,
	}
}

// setupRouter creates a router over one scripted transport with a log observer.
func setupRouter(t *testing.T, opts ...Option) (*Router, *scriptedTransport, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	transport := newScriptedTransport(schemas.TransportGateway)
	router, err := NewRouter(
		testRegistry(t, schemas.TransportGateway),
		map[schemas.TransportKind]schemas.Transport{schemas.TransportGateway: transport},
		cost.NewLedger(logger),
		testRouterConfig(),
		logger,
		opts...,
	)
	require.NoError(t, err)
	return router, transport, logs
}

func tierPtr(t schemas.ModelTier) *schemas.ModelTier { return &t }

func defaultLLMConfig() config.LLMConfig {
	return config.NewDefaultConfig().LLM
}

func newTestLedger() *cost.Ledger { return cost.NewLedger(zap.NewNop()) }
