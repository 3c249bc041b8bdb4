// Package browser owns the shared headless Chrome process and hands out
// isolated browsing contexts to capture jobs.
package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/streetview-cache/internal/capture"
	"github.com/JakeFAU/streetview-cache/internal/metrics"
)

// DefaultUserAgent is a current desktop Chrome user agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Config controls the automation process and per-job contexts.
type Config struct {
	// RemoteURL connects to an already running Chrome DevTools endpoint
	// instead of launching a local process.
	RemoteURL         string
	ExecPath          string
	Headless          bool
	NoSandbox         bool
	UserAgent         string
	Locale            string
	Timezone          string
	ViewportWidth     int
	ViewportHeight    int
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
	PollInterval      time.Duration
}

func (c *Config) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Locale == "" {
		c.Locale = "en-US"
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1280
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 800
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 8 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
}

// Pacer delays navigations to stay polite to the mapping site.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

type (
	startFunc func() (context.Context, context.CancelFunc, error)
	tabFunc   func(browserCtx context.Context, cfg Config) (context.Context, context.CancelFunc, error)
)

// Manager lazily starts one automation process and opens one isolated
// context per Acquire call.
type Manager struct {
	cfg    Config
	pacer  Pacer
	logger *zap.Logger

	mu         sync.Mutex
	browserCtx context.Context
	cancel     context.CancelFunc
	closed     bool
	launches   int

	open atomic.Int64

	start   startFunc
	openTab tabFunc
}

// New constructs a Manager. Chrome is not launched until the first Acquire.
func New(cfg Config, pacer Pacer, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:     cfg,
		pacer:   pacer,
		logger:  logger.Named("browser"),
		openTab: openIsolatedTab,
	}
	m.start = m.launch
	return m
}

// Acquire returns a fresh isolated session. Failures wrap
// capture.ErrResourceAcquisition.
func (m *Manager) Acquire(ctx context.Context) (capture.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrResourceAcquisition, err)
	}
	browserCtx, err := m.ensureStarted()
	if err != nil {
		return nil, err
	}
	tabCtx, cancel, err := m.openTab(browserCtx, m.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: open context: %v", capture.ErrResourceAcquisition, err)
	}
	m.open.Add(1)
	metrics.IncBrowserContexts()
	return newSession(tabCtx, cancel, m), nil
}

// OpenSessions reports the number of sessions not yet closed.
func (m *Manager) OpenSessions() int64 {
	return m.open.Load()
}

// Launches reports how many times the automation process was started.
func (m *Manager) Launches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.launches
}

// Close shuts the shared process down. Later Acquire calls fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
		m.browserCtx = nil
	}
	m.logger.Info("browser closed", zap.Int64("open_sessions", m.open.Load()))
	return nil
}

func (m *Manager) ensureStarted() (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: browser manager closed", capture.ErrResourceAcquisition)
	}
	if m.browserCtx != nil && m.browserCtx.Err() == nil {
		return m.browserCtx, nil
	}
	if m.browserCtx != nil {
		m.logger.Warn("browser process exited, relaunching")
		m.cancel()
	}
	browserCtx, cancel, err := m.start()
	if err != nil {
		m.browserCtx, m.cancel = nil, nil
		return nil, fmt.Errorf("%w: launch: %v", capture.ErrResourceAcquisition, err)
	}
	m.browserCtx, m.cancel = browserCtx, cancel
	m.launches++
	m.logger.Info("browser started", zap.Bool("remote", m.cfg.RemoteURL != ""))
	return browserCtx, nil
}

func (m *Manager) launch() (context.Context, context.CancelFunc, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if m.cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), m.cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("enable-automation", false),
			chromedp.Flag("lang", m.cfg.Locale),
			chromedp.WindowSize(m.cfg.ViewportWidth, m.cfg.ViewportHeight),
			chromedp.UserAgent(m.cfg.UserAgent),
		)
		if m.cfg.Headless {
			opts = append(opts, chromedp.Flag("headless", "new"))
		} else {
			opts = append(opts, chromedp.Flag("headless", false))
		}
		if m.cfg.NoSandbox {
			opts = append(opts, chromedp.NoSandbox)
		}
		if m.cfg.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(m.cfg.ExecPath))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(m.logger.Sugar().Debugf),
	)
	// The first Run must use the browser context itself: chromedp ties the
	// process lifetime to it.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return browserCtx, func() {
		browserCancel()
		allocCancel()
	}, nil
}

func (m *Manager) release() {
	m.open.Add(-1)
	metrics.DecBrowserContexts()
}
