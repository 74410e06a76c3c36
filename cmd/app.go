package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/analysis"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/browser"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/classify"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/config"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/cost"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/llmclient"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/pipeline"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/store"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/tracker"
)

const trackerHTTPTimeout = 30 * time.Second

// components holds everything a run needs and closes it afterwards.
type components struct {
	Machine *pipeline.Machine
	Browser *browser.Manager
	DBPool  *pgxpool.Pool
}

// Shutdown releases the browser and the database pool.
func (c *components) Shutdown() {
	if c.Browser != nil {
		c.Browser.Close()
	}
	if c.DBPool != nil {
		c.DBPool.Close()
	}
}

// stores is the persistence half of the wiring.
type stores struct {
	State pipeline.StateStore
	Sink  schemas.BugSink
	Pool  *pgxpool.Pool
}

// newStores opens the configured checkpoint store. The postgres driver also
// applies the schema.
func newStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		st, err := store.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return &stores{State: st, Sink: st, Pool: pool}, nil
	default:
		fs, err := store.NewFileStore(cfg.Store.Dir, logger)
		if err != nil {
			return nil, err
		}
		logger.Debug("Using file checkpoint store", zap.String("dir", fs.Dir()))
		return &stores{State: fs, Sink: fs}, nil
	}
}

// newTracker returns nil when ticket filing is disabled.
func newTracker(cfg *config.Config, logger *zap.Logger) (schemas.IssueTracker, error) {
	if !cfg.Tracker.Enabled {
		return nil, nil
	}
	gh, err := tracker.NewGitHubTracker(cfg.Tracker, &http.Client{Timeout: trackerHTTPTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize issue tracker: %w", err)
	}
	return gh, nil
}

// initializeComponents handles dependency injection for a run or resume.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{}

	st, err := newStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.DBPool = st.Pool

	ledger := cost.NewLedger(logger)
	router, err := llmclient.NewRouterFromConfig(ctx, cfg.LLM, ledger, logger)
	if err != nil {
		c.Shutdown()
		return nil, fmt.Errorf("failed to initialize model router: %w", err)
	}

	issueTracker, err := newTracker(cfg, logger)
	if err != nil {
		c.Shutdown()
		return nil, err
	}

	c.Browser = browser.NewManager(cfg.Browser, logger)
	classifyCfg := classify.ConfigFrom(cfg.Classify)

	machine, err := pipeline.New(pipeline.Deps{
		Store:        st.State,
		Router:       router,
		Extractor:    c.Browser,
		Analyzer:     analysis.NewPageAnalyzer(router, nil, logger),
		Classifier:   classify.NewClassifier(router, classifyCfg, logger),
		Deduplicator: classify.NewDeduplicator(router, classifyCfg, logger),
		Ledger:       ledger,
		Sink:         st.Sink,
		Tracker:      issueTracker,
	}, logger)
	if err != nil {
		c.Shutdown()
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	c.Machine = machine
	return c, nil
}
