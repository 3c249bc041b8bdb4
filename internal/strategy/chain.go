// Package strategy drives the mapping site through an ordered list of
// capture strategies until one produces a screenshot.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/streetview-cache/internal/capture"
	"github.com/JakeFAU/streetview-cache/internal/metrics"
)

// Strategy is one way of reaching a capturable view.
type Strategy interface {
	Name() string
	// StreetLevel reports whether a success is a true street-level photo.
	StreetLevel() bool
	Attempt(ctx context.Context, page capture.Page, target capture.Target) ([]byte, error)
}

// Scratch receives diagnostic screenshots from failed attempts.
type Scratch interface {
	SaveDiagnostic(ctx context.Context, targetID, strategy string, png []byte) error
}

// Chain runs strategies in order, each under its own timeout.
type Chain struct {
	strategies []Strategy
	timeout    time.Duration
	scratch    Scratch
	logger     *zap.Logger
}

// NewChain builds a chain. A non-positive timeout defaults to 45s.
func NewChain(timeout time.Duration, scratch Scratch, logger *zap.Logger, strategies ...Strategy) (*Chain, error) {
	if len(strategies) == 0 {
		return nil, fmt.Errorf("at least one strategy is required")
	}
	seen := make(map[string]struct{}, len(strategies))
	for _, s := range strategies {
		if s == nil {
			return nil, fmt.Errorf("nil strategy")
		}
		if _, dup := seen[s.Name()]; dup {
			return nil, fmt.Errorf("duplicate strategy %q", s.Name())
		}
		seen[s.Name()] = struct{}{}
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		strategies: strategies,
		timeout:    timeout,
		scratch:    scratch,
		logger:     logger.Named("strategy"),
	}, nil
}

// Names lists the strategies in execution order.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.strategies))
	for _, s := range c.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Run returns the first successful shot. Individual strategy failures are
// logged and never surfaced; when every strategy fails the error wraps
// capture.ErrCaptureFailed.
func (c *Chain) Run(ctx context.Context, page capture.Page, target capture.Target) (capture.Shot, error) {
	var lastErr error
	for _, s := range c.strategies {
		start := time.Now()
		data, err := c.attempt(ctx, s, page, target)
		elapsed := time.Since(start)
		if err == nil {
			metrics.ObserveStrategy(s.Name(), "success", elapsed)
			c.logger.Info("strategy succeeded",
				zap.String("target_id", target.ID),
				zap.String("strategy", s.Name()),
				zap.Duration("elapsed", elapsed),
			)
			return capture.Shot{Data: data, Method: s.Name(), IsStreetView: s.StreetLevel()}, nil
		}

		lastErr = err
		metrics.ObserveStrategy(s.Name(), outcome(err), elapsed)
		c.logger.Debug("strategy failed",
			zap.String("target_id", target.ID),
			zap.String("strategy", s.Name()),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		c.saveDiagnostic(ctx, page, target, s.Name())

		if ctx.Err() != nil {
			break
		}
	}
	return capture.Shot{}, fmt.Errorf("%w: %d strategies exhausted: %v", capture.ErrCaptureFailed, len(c.strategies), lastErr)
}

func (c *Chain) attempt(ctx context.Context, s Strategy, page capture.Page, target capture.Target) (data []byte, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("strategy panicked",
				zap.String("strategy", s.Name()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			data, err = nil, fmt.Errorf("strategy %s panicked: %v", s.Name(), r)
		}
	}()

	data, err = s.Attempt(attemptCtx, page, target)
	if err != nil {
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("strategy %s timed out after %s: %w: %w", s.Name(), c.timeout, context.DeadlineExceeded, err)
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("strategy %s returned an empty screenshot", s.Name())
	}
	return data, nil
}

func (c *Chain) saveDiagnostic(ctx context.Context, page capture.Page, target capture.Target, name string) {
	if c.scratch == nil || ctx.Err() != nil {
		return
	}
	shotCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	png, err := page.Screenshot(shotCtx)
	if err != nil || len(png) == 0 {
		return
	}
	if err := c.scratch.SaveDiagnostic(shotCtx, target.ID, name, png); err != nil {
		c.logger.Debug("diagnostic save failed", zap.String("strategy", name), zap.Error(err))
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, capture.ErrNavigation):
		return "navigation"
	case errors.Is(err, capture.ErrElementNotFound):
		return "not_found"
	case errors.Is(err, capture.ErrNoPanorama):
		return "no_panorama"
	default:
		return "error"
	}
}
