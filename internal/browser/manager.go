// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/config"
)

// Manager owns the Chrome process and hands out tabs. It implements
// schemas.PageExtractor; ExtractPage opens a fresh tab per call so concurrent
// extractions do not share console or network state.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc

	wg sync.WaitGroup

	initOnce sync.Once
	initErr  error
}

var _ schemas.PageExtractor = (*Manager)(nil)

// NewManager creates a manager. Chrome is launched on first use.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	return &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
	}
}

// AllocatorOptions builds the Chrome flags for cfg.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.NoSandbox,
	)
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.IgnoreCertErrors)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight))
	}
	for _, arg := range cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}
	return opts
}

func (m *Manager) initialize() error {
	m.initOnce.Do(func() {
		m.logger.Info("Launching browser", zap.Bool("headless", m.cfg.Headless))
		m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(context.Background(), AllocatorOptions(m.cfg)...)
		m.browserCtx, m.browserStop = chromedp.NewContext(m.allocCtx,
			chromedp.WithErrorf(func(format string, args ...interface{}) {
				m.logger.Debug(fmt.Sprintf(format, args...))
			}),
		)
		if err := chromedp.Run(m.browserCtx); err != nil {
			m.browserStop()
			m.allocCancel()
			m.initErr = fmt.Errorf("failed to launch browser: %w", err)
		}
	})
	return m.initErr
}

// NewSession opens a new tab.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.initialize(); err != nil {
		return nil, err
	}
	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx)
	m.wg.Add(1)
	s, err := newSession(tabCtx, func() {
		tabCancel()
		m.wg.Done()
	}, m.cfg, m.logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ExtractPage loads url in a new tab and returns the extracted page data.
func (m *Manager) ExtractPage(ctx context.Context, url string) (*schemas.PageData, error) {
	s, err := m.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := s.Navigate(ctx, url); err != nil {
		return nil, err
	}
	if err := s.DismissOverlays(ctx); err != nil {
		m.logger.Debug("Overlay dismissal failed", zap.String("url", url), zap.Error(err))
	}
	page, err := s.Extract(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to extract %s: %w", url, err)
	}
	m.logger.Debug("Page extracted",
		zap.String("url", page.URL),
		zap.Int("console_logs", len(page.ConsoleLogs)),
		zap.Int("network_errors", len(page.NetworkErrors)),
		zap.Int("links", len(page.Links)),
	)
	return page, nil
}

// Close waits for open tabs and shuts Chrome down.
func (m *Manager) Close() {
	m.wg.Wait()
	if m.browserStop != nil {
		m.browserStop()
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}
}
