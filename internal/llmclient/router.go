// File: internal/llmclient/router.go
package llmclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/budget"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/config"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/cost"
)

// Request is one routed model call.
type Request struct {
	Task Task
	// Tier overrides the task map when set.
	Tier      *schemas.ModelTier
	SessionID string

	System      string
	Messages    []schemas.Message
	Tools       []schemas.ToolDefinition
	MaxTokens   int
	Temperature float64
	JSONMode    bool

	// SkipCompaction disables history compaction for this call.
	SkipCompaction bool
}

// Response is the result of a routed call.
type Response struct {
	Content    string
	Tier       schemas.ModelTier
	Model      string
	Cost       float64
	Usage      schemas.TokenUsage
	StopReason string
}

// RouterConfig holds the router's tunables.
type RouterConfig struct {
	MaxRetriesPerTier int
	RetryDelay        time.Duration
	CallTimeout       time.Duration
	SafetyMargin      float64
	MinOutputTokens   int
	DefaultMaxTokens  int
	RequestsPerSecond float64
}

// RouterConfigFrom extracts router settings from the llm config section.
func RouterConfigFrom(cfg config.LLMConfig) RouterConfig {
	return RouterConfig{
		MaxRetriesPerTier: cfg.MaxRetriesPerTier,
		RetryDelay:        cfg.RetryDelay,
		CallTimeout:       cfg.CallTimeout,
		SafetyMargin:      cfg.SafetyMargin,
		MinOutputTokens:   cfg.MinOutputTokens,
		DefaultMaxTokens:  cfg.DefaultMaxTokens,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}
}

func (c *RouterConfig) applyDefaults() {
	if c.MaxRetriesPerTier <= 0 {
		c.MaxRetriesPerTier = 2
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 120 * time.Second
	}
	if c.SafetyMargin <= 0 || c.SafetyMargin > 1 {
		c.SafetyMargin = 0.9
	}
	if c.MinOutputTokens <= 0 {
		c.MinOutputTokens = 256
	}
	if c.DefaultMaxTokens <= 0 {
		c.DefaultMaxTokens = 4096
	}
}

// Option customizes a Router.
type Option func(*Router)

// WithTaskMap replaces the default task routing.
func WithTaskMap(m TaskMap) Option {
	return func(r *Router) { r.tasks = m }
}

// WithChainMap replaces the default fallback chains.
func WithChainMap(c ChainMap) Option {
	return func(r *Router) { r.chains = c }
}

// WithEstimator replaces the default token estimator.
func WithEstimator(e *budget.Estimator) Option {
	return func(r *Router) { r.estimator = e }
}

// WithCompactor enables history compaction ahead of each call.
func WithCompactor(c *budget.Compactor) Option {
	return func(r *Router) { r.compactor = c }
}

// Router sends model calls to the tier a task needs and falls back down the
// chain when a tier fails.
type Router struct {
	logger     *zap.Logger
	registry   *Registry
	transports map[schemas.TransportKind]schemas.Transport
	limiters   map[schemas.TransportKind]*rate.Limiter
	tasks      TaskMap
	chains     ChainMap
	estimator  *budget.Estimator
	ledger     *cost.Ledger
	cfg        RouterConfig

	mu        sync.RWMutex
	compactor *budget.Compactor
}

// NewRouter wires a router. Every tier in the registry must have a transport.
func NewRouter(
	registry *Registry,
	transports map[schemas.TransportKind]schemas.Transport,
	ledger *cost.Ledger,
	cfg RouterConfig,
	logger *zap.Logger,
	opts ...Option,
) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("router requires a tier registry")
	}
	if ledger == nil {
		return nil, fmt.Errorf("router requires a cost ledger")
	}
	cfg.applyDefaults()

	r := &Router{
		logger:     logger.Named("llm_router"),
		registry:   registry,
		transports: transports,
		limiters:   make(map[schemas.TransportKind]*rate.Limiter),
		tasks:      DefaultTaskMap(),
		chains:     DefaultChainMap(),
		estimator:  budget.NewEstimator(),
		ledger:     ledger,
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.tasks.Validate(); err != nil {
		return nil, err
	}
	if err := r.chains.Validate(); err != nil {
		return nil, err
	}
	for _, tier := range registry.Tiers() {
		spec, _ := registry.Spec(tier)
		if _, ok := transports[spec.Transport]; !ok {
			return nil, fmt.Errorf("tier %s needs the %s transport, which is not configured", tier, spec.Transport)
		}
	}
	for kind := range transports {
		limit := rate.Inf
		if cfg.RequestsPerSecond > 0 {
			limit = rate.Limit(cfg.RequestsPerSecond)
		}
		r.limiters[kind] = rate.NewLimiter(limit, 1)
	}
	return r, nil
}

// SetCompactor installs a compactor after construction. The compactor usually
// summarizes through the router itself, so it cannot exist before it.
func (r *Router) SetCompactor(c *budget.Compactor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compactor = c
}

func (r *Router) getCompactor() *budget.Compactor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.compactor
}

// Ledger exposes the router's cost ledger.
func (r *Router) Ledger() *cost.Ledger { return r.ledger }

// Registry exposes the configured tiers.
func (r *Router) Registry() *Registry { return r.registry }

// ResolveTier returns the tier a request should start on.
func (r *Router) ResolveTier(req Request) (schemas.ModelTier, error) {
	if req.Tier != nil {
		if !req.Tier.Valid() {
			return 0, fmt.Errorf("request overrides unknown tier %d", int(*req.Tier))
		}
		return *req.Tier, nil
	}
	tier, ok := r.tasks[req.Task]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTask, req.Task)
	}
	return tier, nil
}

// Route performs a single call on the request's tier without fallback.
func (r *Router) Route(ctx context.Context, req Request) (*Response, error) {
	tier, err := r.ResolveTier(req)
	if err != nil {
		return nil, err
	}
	return r.routeTier(ctx, tier, req)
}

func (r *Router) routeTier(ctx context.Context, tier schemas.ModelTier, req Request) (*Response, error) {
	spec, ok := r.registry.Spec(tier)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTierNotConfigured, tier)
	}
	transport, ok := r.transports[spec.Transport]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no %s transport", ErrTierNotConfigured, tier, spec.Transport)
	}

	messages := req.Messages
	if compactor := r.getCompactor(); compactor != nil && !req.SkipCompaction {
		result, err := compactor.Compact(ctx, spec.ContextWindow, spec.Family, req.System, messages)
		if err != nil {
			r.logger.Warn("Context compaction failed, sending full history",
				zap.String("task", string(req.Task)),
				zap.Stringer("tier", tier),
				zap.Error(err),
			)
		} else {
			messages = result.Messages
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = r.cfg.DefaultMaxTokens
	}
	check := r.estimator.Check(spec.ContextWindow, r.cfg.SafetyMargin, r.cfg.MinOutputTokens, budget.Request{
		Family:    spec.Family,
		System:    req.System,
		Messages:  messages,
		Tools:     req.Tools,
		MaxTokens: maxTokens,
	})
	if !check.Valid {
		r.logger.Warn("Request exceeds context budget, reducing max tokens",
			zap.String("task", string(req.Task)),
			zap.Stringer("tier", tier),
			zap.Int("input_tokens", check.InputTokens),
			zap.Int("limit", check.Limit),
			zap.Int("requested_max_tokens", maxTokens),
			zap.Int("suggested_max_tokens", check.SuggestedMaxTokens),
		)
		maxTokens = check.SuggestedMaxTokens
	}

	if limiter := r.limiters[spec.Transport]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait for %s: %w", spec.Transport, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	result, err := transport.Send(callCtx, schemas.SendRequest{
		Model:       spec.Model,
		System:      req.System,
		Messages:    messages,
		Tools:       req.Tools,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		JSONMode:    req.JSONMode,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = SessionIDFromContext(ctx)
	}
	rec := r.ledger.Record(cost.UsageRecord{
		SessionID:    sessionID,
		Task:         string(req.Task),
		Tier:         tier,
		Model:        spec.Model,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
	}, spec.Pricing)

	r.logger.Debug("Model call complete",
		zap.String("task", string(req.Task)),
		zap.Stringer("tier", tier),
		zap.String("model", spec.Model),
		zap.Duration("duration", time.Since(start)),
		zap.Int("input_tokens", result.Usage.InputTokens),
		zap.Int("output_tokens", result.Usage.OutputTokens),
		zap.Float64("cost", rec.Cost),
	)

	return &Response{
		Content:    result.Content,
		Tier:       tier,
		Model:      spec.Model,
		Cost:       rec.Cost,
		Usage:      result.Usage,
		StopReason: result.StopReason,
	}, nil
}
