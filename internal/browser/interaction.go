// internal/browser/interaction.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Navigate loads url and waits for the page to settle. Harvested data from
// the previous page is discarded first.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating", zap.String("url", url))
	s.harvester.Reset()

	opCtx, opCancel := CombineContext(s.ctx, ctx)
	defer opCancel()

	navTimeout := s.cfg.NavigationTimeout
	if navTimeout <= 0 {
		navTimeout = 60 * time.Second
	}
	navCtx, navCancel := context.WithTimeout(opCtx, navTimeout)
	defer navCancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("navigation to %s timed out after %s: %w", url, navTimeout, err)
		}
		if opCtx.Err() != nil {
			return fmt.Errorf("navigation canceled: %w", opCtx.Err())
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}

	quiet := s.cfg.PostLoadWait
	if quiet <= 0 {
		quiet = time.Second
	}
	if err := s.stabilize(opCtx, quiet); err != nil {
		return err
	}
	return nil
}

// Click clicks the first element matching selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	clickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := s.runActions(clickCtx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("click action failed for selector '%s': %w", selector, err)
	}
	return nil
}

// Fill replaces the value of the input matching selector.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	fillCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := s.runActions(fillCtx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("fill action failed for selector '%s': %w", selector, err)
	}
	return nil
}

// dismissOverlaysScript clicks the accept button of cookie banners and hides
// fixed full-screen overlays. It returns how many elements it touched.
const dismissOverlaysScript = `(() => {
  let touched = 0;
  const words = ['accept', 'agree', 'got it', 'allow all', 'ok', 'close', 'dismiss', 'no thanks'];
  const buttons = Array.from(document.querySelectorAll('button, [role="button"], a'));
  for (const b of buttons) {
    const text = (b.innerText || b.getAttribute('aria-label') || '').trim().toLowerCase();
    if (!text || text.length > 30) continue;
    const container = b.closest('[id*="cookie" i], [class*="cookie" i], [id*="consent" i], [class*="consent" i], [role="dialog"], [aria-modal="true"]');
    if (container && words.some(w => text === w || text.startsWith(w + ' '))) {
      b.click();
      touched++;
    }
  }
  for (const el of Array.from(document.querySelectorAll('body *'))) {
    const st = getComputedStyle(el);
    if (st.position !== 'fixed' || parseInt(st.zIndex || '0', 10) < 1000) continue;
    const r = el.getBoundingClientRect();
    if (r.width >= window.innerWidth * 0.8 && r.height >= window.innerHeight * 0.5) {
      el.style.display = 'none';
      touched++;
    }
  }
  document.body.style.overflow = '';
  return touched;
})()`

// DismissOverlays closes cookie banners and modal overlays where possible.
func (s *Session) DismissOverlays(ctx context.Context) error {
	var touched int
	if err := s.runActions(ctx, chromedp.Evaluate(dismissOverlaysScript, &touched)); err != nil {
		return fmt.Errorf("failed to dismiss overlays: %w", err)
	}
	if touched > 0 {
		s.logger.Debug("Dismissed page overlays", zap.Int("elements", touched))
	}
	return nil
}
