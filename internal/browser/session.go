package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/streetview-cache/internal/capture"
)

// Session is one isolated browsing context bound to a single job.
type Session struct {
	tabCtx context.Context
	cancel context.CancelFunc
	cfg    Config
	pacer  Pacer
	once   sync.Once
	owner  *Manager
}

var _ capture.Session = (*Session)(nil)

func newSession(tabCtx context.Context, cancel context.CancelFunc, m *Manager) *Session {
	return &Session{
		tabCtx: tabCtx,
		cancel: cancel,
		cfg:    m.cfg,
		pacer:  m.pacer,
		owner:  m,
	}
}

// Close disposes the browsing context. Only the first call has any effect.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.cancel()
		if s.owner != nil {
			s.owner.release()
		}
	})
	return nil
}

// Viewport returns the emulated viewport size.
func (s *Session) Viewport() (int, int) {
	return s.cfg.ViewportWidth, s.cfg.ViewportHeight
}

// Navigate loads rawURL, bounded by the navigation timeout.
func (s *Session) Navigate(ctx context.Context, rawURL string) error {
	if s.pacer != nil {
		if err := s.pacer.Wait(ctx, rawURL); err != nil {
			return fmt.Errorf("%w: %v", capture.ErrNavigation, err)
		}
	}
	if err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.Navigate(rawURL)); err != nil {
		return fmt.Errorf("%w: %s: %v", capture.ErrNavigation, rawURL, err)
	}
	return nil
}

// Location returns the current URL.
func (s *Session) Location(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

// WaitVisible polls until one of selectors is visible or the action timeout
// elapses. No match is a normal outcome.
func (s *Session) WaitVisible(ctx context.Context, selectors ...string) (string, bool) {
	if len(selectors) == 0 {
		return "", false
	}
	return s.poll(ctx, func(ctx context.Context) (string, bool) {
		idx := s.firstVisible(ctx, selectors)
		if idx < 0 {
			return "", false
		}
		return selectors[idx], true
	})
}

// ClickFirst clicks the first visible element among selectors.
func (s *Session) ClickFirst(ctx context.Context, selectors ...string) (string, bool) {
	sel, ok := s.WaitVisible(ctx, selectors...)
	if !ok {
		return "", false
	}
	err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible))
	if err == nil {
		return sel, true
	}
	// Overlays sometimes intercept the synthetic mouse event.
	var clicked bool
	script := fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (!el) return false; el.click(); return true; })()`, jsString(sel))
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Evaluate(script, &clicked)); err != nil || !clicked {
		return "", false
	}
	return sel, true
}

// ClickText clicks the first visible control whose text or aria-label
// contains one of labels, case-insensitively.
func (s *Session) ClickText(ctx context.Context, labels ...string) (string, bool) {
	if len(labels) == 0 {
		return "", false
	}
	script := fmt.Sprintf(clickTextScript, jsValue(labels))
	return s.poll(ctx, func(ctx context.Context) (string, bool) {
		var matched string
		if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Evaluate(script, &matched)); err != nil {
			return "", false
		}
		return matched, matched != ""
	})
}

// ClickAt dispatches a left click at viewport coordinates.
func (s *Session) ClickAt(ctx context.Context, x, y float64) error {
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.MouseClickXY(x, y)); err != nil {
		return fmt.Errorf("click at %.0f,%.0f: %w", x, y, err)
	}
	return nil
}

// Evaluate runs script in the page and decodes the result into out. A nil
// out discards the result.
func (s *Session) Evaluate(ctx context.Context, script string, out any) error {
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// Screenshot captures the viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// run executes actions on the tab with timeout, aborting early when ctx ends.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(s.tabCtx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	return chromedp.Run(opCtx, actions...)
}

func (s *Session) poll(ctx context.Context, probe func(context.Context) (string, bool)) (string, bool) {
	deadline := time.Now().Add(s.cfg.ActionTimeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if v, ok := probe(ctx); ok {
			return v, true
		}
		if time.Now().After(deadline) {
			return "", false
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", false
		case <-s.tabCtx.Done():
			return "", false
		}
	}
}

func (s *Session) firstVisible(ctx context.Context, selectors []string) int {
	idx := -1
	script := fmt.Sprintf(firstVisibleScript, jsValue(selectors))
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Evaluate(script, &idx)); err != nil {
		return -1
	}
	return idx
}

// openIsolatedTab opens a tab in a fresh browser context and applies the
// viewport, user agent and locale emulation.
func openIsolatedTab(browserCtx context.Context, cfg Config) (context.Context, context.CancelFunc, error) {
	tabCtx, cancel := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())

	// The first Run creates the target and binds it to tabCtx, so it cannot
	// use a derived timeout context. Cancel the tab if setup hangs instead.
	timer := time.AfterFunc(cfg.NavigationTimeout, cancel)
	err := chromedp.Run(tabCtx, emulationSetup(cfg)...)
	if !timer.Stop() {
		cancel()
		return nil, nil, fmt.Errorf("context setup timed out after %s", cfg.NavigationTimeout)
	}
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("context setup: %w", err)
	}
	return tabCtx, cancel, nil
}

func emulationSetup(cfg Config) []chromedp.Action {
	actions := []chromedp.Action{
		chromedp.EmulateViewport(int64(cfg.ViewportWidth), int64(cfg.ViewportHeight)),
		emulation.SetUserAgentOverride(cfg.UserAgent).WithAcceptLanguage(cfg.Locale),
		chromedp.ActionFunc(func(ctx context.Context) error {
			// Chrome rejects a second locale override in the same renderer.
			_ = emulation.SetLocaleOverride().WithLocale(cfg.Locale).Do(ctx)
			return nil
		}),
	}
	if cfg.Timezone != "" {
		actions = append(actions, emulation.SetTimezoneOverride(cfg.Timezone))
	}
	return actions
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil || parent.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func jsValue(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(raw)
}

func jsString(s string) string {
	return jsValue(s)
}

const firstVisibleScript = `((sels) => {
	for (let i = 0; i < sels.length; i++) {
		let el = null;
		try { el = document.querySelector(sels[i]); } catch (e) { continue; }
		if (!el) continue;
		const r = el.getBoundingClientRect();
		const st = window.getComputedStyle(el);
		if (r.width > 0 && r.height > 0 && st.visibility !== 'hidden' && st.display !== 'none') return i;
	}
	return -1;
})(%s)`

const clickTextScript = `((labels) => {
	const nodes = document.querySelectorAll('button, a, [role="button"], [role="tab"], [role="menuitem"], [aria-label]');
	for (const label of labels) {
		const want = label.toLowerCase();
		for (const el of nodes) {
			const text = ((el.getAttribute('aria-label') || '') + ' ' + (el.innerText || '')).toLowerCase();
			if (!text.includes(want)) continue;
			const r = el.getBoundingClientRect();
			if (r.width <= 0 || r.height <= 0) continue;
			el.click();
			return label;
		}
	}
	return '';
})(%s)`
