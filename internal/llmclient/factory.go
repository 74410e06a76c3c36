// File: internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/budget"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/config"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/cost"
)

// NewTransport is a factory function that creates the transport for a kind.
func NewTransport(ctx context.Context, kind schemas.TransportKind, cfg config.LLMConfig, logger *zap.Logger) (schemas.Transport, error) {
	switch kind {
	case schemas.TransportAnthropic:
		return NewAnthropicTransport(cfg.Anthropic, logger)
	case schemas.TransportGenAI:
		return NewGenAITransport(ctx, cfg.GenAI, logger)
	case schemas.TransportGateway:
		return NewGatewayTransport(cfg.Gateway, cfg.CallTimeout, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported transport configured: '%s'. Supported: [%s, %s, %s]",
			kind, schemas.TransportAnthropic, schemas.TransportGenAI, schemas.TransportGateway)
	}
}

// NewRouterFromConfig builds the tier registry, the transports it needs and
// the router. When compaction is enabled the compactor summarizes through the
// router's own compact_context task.
func NewRouterFromConfig(ctx context.Context, cfg config.LLMConfig, ledger *cost.Ledger, logger *zap.Logger) (*Router, error) {
	registry, err := RegistryFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build tier registry: %w", err)
	}

	transports := make(map[schemas.TransportKind]schemas.Transport)
	for _, kind := range registry.TransportKinds() {
		transport, err := NewTransport(ctx, kind, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize %s transport: %w", kind, err)
		}
		transports[kind] = transport
	}
	return newRouterWithCompaction(registry, transports, ledger, cfg, logger)
}

func newRouterWithCompaction(
	registry *Registry,
	transports map[schemas.TransportKind]schemas.Transport,
	ledger *cost.Ledger,
	cfg config.LLMConfig,
	logger *zap.Logger,
) (*Router, error) {
	estimator := budget.NewEstimator()
	router, err := NewRouter(registry, transports, ledger, RouterConfigFrom(cfg), logger, WithEstimator(estimator))
	if err != nil {
		return nil, err
	}
	if !cfg.Compaction.Enabled {
		return router, nil
	}

	compactor, err := budget.NewCompactor(estimator, NewRouterSummarizer(router), budget.CompactorConfig{
		ThresholdRatio: cfg.Compaction.ThresholdRatio,
		KeepRecent:     cfg.Compaction.KeepRecent,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize context compactor: %w", err)
	}
	router.SetCompactor(compactor)
	return router, nil
}
