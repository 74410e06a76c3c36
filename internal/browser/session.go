// internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/config"
)

// Session is one browser tab with a harvester attached.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    config.BrowserConfig

	harvester *Harvester

	mu       sync.Mutex
	isClosed bool
}

var _ schemas.BrowserSession = (*Session)(nil)

// newSession attaches to the tab behind ctx and starts harvesting events.
func newSession(ctx context.Context, cancel context.CancelFunc, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	id := uuid.NewString()
	s := &Session{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(zap.String("tab_id", id)),
		cfg:    cfg,
	}

	// Creates the target and connects CDP.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}

	s.harvester = NewHarvester(ctx, s.logger)
	if err := s.harvester.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start harvester: %w", err)
	}
	return s, nil
}

// ID returns the tab identifier.
func (s *Session) ID() string { return s.id }

// Close stops harvesting and closes the tab. It is safe to call twice.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return nil
	}
	s.isClosed = true

	if s.harvester != nil {
		s.harvester.Stop()
	}
	s.cancel()
	s.logger.Debug("Browser tab closed")
	return nil
}

// stabilize waits for the body to be ready and the network to go quiet.
// Failures other than cancellation are logged and ignored.
func (s *Session) stabilize(ctx context.Context, quietPeriod time.Duration) error {
	stabCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := chromedp.Run(stabCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("WaitReady failed during stabilization", zap.Error(err))
	}
	if err := s.harvester.WaitNetworkIdle(stabCtx, quietPeriod); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("Network idle wait failed during stabilization", zap.Error(err))
	}
	return nil
}

func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

const performanceScript = `(() => {
  const nav = performance.getEntriesByType('navigation')[0];
  const fcp = performance.getEntriesByName('first-contentful-paint')[0];
  const res = performance.getEntriesByType('resource');
  return {
    load_time_ms: nav ? Math.round(nav.loadEventEnd - nav.startTime) : 0,
    dom_content_loaded_ms: nav ? Math.round(nav.domContentLoadedEventEnd - nav.startTime) : 0,
    first_contentful_paint_ms: fcp ? Math.round(fcp.startTime) : 0,
    resource_count: res.length,
    transfer_size_bytes: res.reduce((sum, e) => sum + (e.transferSize || 0), 0),
  };
})()`

// Extract collects everything observable about the page currently loaded.
func (s *Session) Extract(ctx context.Context, pageID string) (*schemas.PageData, error) {
	var (
		location string
		title    string
		dom      string
		perf     schemas.PerformanceMetrics
	)
	err := s.runActions(ctx,
		chromedp.Location(&location),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &dom, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read page content: %w", err)
	}
	if err := s.runActions(ctx, chromedp.Evaluate(performanceScript, &perf)); err != nil {
		s.logger.Debug("Could not read navigation timing", zap.Error(err))
	}

	doc, err := ParseDocument(dom)
	if err != nil {
		return nil, err
	}
	requests, failures := s.harvester.Network()

	page := &schemas.PageData{
		PageID:          pageID,
		URL:             location,
		Title:           title,
		ConsoleLogs:     s.harvester.ConsoleLogs(),
		NetworkRequests: requests,
		NetworkErrors:   failures,
		Forms:           ExtractForms(doc),
		Links:           ExtractLinks(doc, location),
		Performance:     perf,
		TextSample:      VisibleText(doc, s.cfg.TextSampleLimit),
		ExtractedAt:     time.Now().UTC(),
	}

	if s.cfg.ScreenshotDir != "" {
		ref, err := s.screenshot(ctx)
		if err != nil {
			s.logger.Warn("Screenshot capture failed", zap.String("url", location), zap.Error(err))
		} else {
			page.ScreenshotRef = ref
		}
	}
	return page, nil
}

func (s *Session) screenshot(ctx context.Context) (string, error) {
	var buf []byte
	if err := s.runActions(ctx, chromedp.FullScreenshot(&buf, 80)); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.cfg.ScreenshotDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	path := filepath.Join(s.cfg.ScreenshotDir, uuid.NewString()+".jpg")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}
	return path, nil
}
