// Package pipeline ties the content store, job registry, browser and
// strategy chain into the trigger and status operations.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/streetview-cache/internal/address"
	"github.com/JakeFAU/streetview-cache/internal/capture"
	"github.com/JakeFAU/streetview-cache/internal/metrics"
	"github.com/JakeFAU/streetview-cache/internal/registry"
)

// MaxAddressLength bounds the raw address accepted by a trigger.
const MaxAddressLength = 512

// Capturer produces a shot for a target on an open page.
type Capturer interface {
	Run(ctx context.Context, page capture.Page, target capture.Target) (capture.Shot, error)
}

// Enqueuer hands admitted jobs to the background workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, job capture.Job) error
}

// Request asks for the photograph of one target.
type Request struct {
	TargetID string `json:"target_id"`
	Address  string `json:"address"`
}

// Options wires the service. Publisher and Queue are optional.
type Options struct {
	Content   capture.ContentStore
	Registry  *registry.Registry
	Browser   capture.Browser
	Capturer  Capturer
	Publisher capture.Publisher
	Queue     Enqueuer
	Hasher    capture.Hasher
	Clock     capture.Clock
	IDs       capture.IDGenerator

	// Topic receives completion events when a Publisher is set.
	Topic string
	// Source is recorded in image metadata.
	Source string
	// JPEGQuality is used when re-encoding screenshots (1-100).
	JPEGQuality int
	// EnqueueTimeout bounds how long Start waits for a free queue slot.
	EnqueueTimeout time.Duration
	Logger         *zap.Logger
}

// Service runs capture jobs.
type Service struct {
	content   capture.ContentStore
	registry  *registry.Registry
	browser   capture.Browser
	capturer  Capturer
	publisher capture.Publisher
	queue     Enqueuer
	hasher    capture.Hasher
	clock     capture.Clock
	ids       capture.IDGenerator

	topic          string
	source         string
	quality        int
	enqueueTimeout time.Duration
	logger         *zap.Logger
}

// New constructs a Service.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Content == nil:
		return nil, fmt.Errorf("content store is required")
	case opts.Registry == nil:
		return nil, fmt.Errorf("registry is required")
	case opts.Browser == nil:
		return nil, fmt.Errorf("browser is required")
	case opts.Capturer == nil:
		return nil, fmt.Errorf("capturer is required")
	case opts.Hasher == nil || opts.Clock == nil || opts.IDs == nil:
		return nil, fmt.Errorf("hasher, clock and id generator are required")
	}
	if opts.JPEGQuality < 0 || opts.JPEGQuality > 100 {
		return nil, fmt.Errorf("jpeg quality %d out of range", opts.JPEGQuality)
	}
	if opts.JPEGQuality == 0 {
		opts.JPEGQuality = 90
	}
	if opts.Source == "" {
		opts.Source = "google_maps"
	}
	if opts.Topic == "" {
		opts.Topic = "capture.completed"
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		content:        opts.Content,
		registry:       opts.Registry,
		browser:        opts.Browser,
		capturer:       opts.Capturer,
		publisher:      opts.Publisher,
		queue:          opts.Queue,
		hasher:         opts.Hasher,
		clock:          opts.Clock,
		ids:            opts.IDs,
		topic:          opts.Topic,
		source:         opts.Source,
		quality:        opts.JPEGQuality,
		enqueueTimeout: opts.EnqueueTimeout,
		logger:         logger.Named("pipeline"),
	}, nil
}

// Trigger captures the target and waits for the result. A cached image is
// returned without touching the browser; a target already processing
// yields capture.ErrInProgress. The capture itself is detached from ctx so
// a caller that goes away does not abandon a half-finished job.
func (s *Service) Trigger(ctx context.Context, req Request) (capture.Result, error) {
	job, err := s.newJob(req)
	if err != nil {
		return capture.Result{}, err
	}
	if res, hit := s.cached(ctx, job.TargetID); hit {
		return res, nil
	}
	if !s.registry.Register(ctx, job) {
		metrics.ObserveDedupHit()
		return capture.Result{}, fmt.Errorf("%w: %s", capture.ErrInProgress, job.TargetID)
	}
	// A capture may have finished between the cache check and Register.
	if res, hit := s.cached(ctx, job.TargetID); hit {
		s.registry.Release(ctx, job.TargetID)
		return res, nil
	}
	return s.execute(context.WithoutCancel(ctx), job)
}

// Start admits the target and queues the capture for the background
// workers. It returns the status the caller should poll from.
func (s *Service) Start(ctx context.Context, req Request) (capture.Status, error) {
	if s.queue == nil {
		return capture.Status{}, fmt.Errorf("%w: asynchronous captures are disabled", capture.ErrResourceAcquisition)
	}
	job, err := s.newJob(req)
	if err != nil {
		return capture.Status{}, err
	}
	if _, hit := s.cached(ctx, job.TargetID); hit {
		return s.registry.Status(ctx, job.TargetID)
	}
	if !s.registry.Register(ctx, job) {
		metrics.ObserveDedupHit()
		return capture.Status{}, fmt.Errorf("%w: %s", capture.ErrInProgress, job.TargetID)
	}
	if _, hit := s.cached(ctx, job.TargetID); hit {
		s.registry.Release(ctx, job.TargetID)
		return s.registry.Status(ctx, job.TargetID)
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, s.enqueueTimeout)
	defer cancel()
	if err := s.queue.Enqueue(enqueueCtx, job); err != nil {
		s.registry.Complete(context.WithoutCancel(ctx), job.TargetID, false, "", err)
		return capture.Status{}, fmt.Errorf("%w: capture queue: %v", capture.ErrResourceAcquisition, err)
	}
	s.logger.Info("capture queued", zap.String("target_id", job.TargetID), zap.String("run_id", job.RunID))
	return s.registry.Status(ctx, job.TargetID)
}

// Execute runs a job admitted by Start. Workers call it.
func (s *Service) Execute(ctx context.Context, job capture.Job) {
	if _, err := s.execute(context.WithoutCancel(ctx), job); err != nil {
		s.logger.Warn("queued capture failed", zap.String("target_id", job.TargetID), zap.Error(err))
	}
}

// Status reports where a target stands.
func (s *Service) Status(ctx context.Context, targetID string) (capture.Status, error) {
	st, err := s.registry.Status(ctx, targetID)
	if err != nil {
		return capture.Status{}, fmt.Errorf("status %s: %w", targetID, err)
	}
	return st, nil
}

// Open streams the cached image for a target.
func (s *Service) Open(ctx context.Context, targetID string) (io.ReadCloser, capture.ImageMetadata, error) {
	if err := capture.ValidateTargetID(targetID); err != nil {
		return nil, capture.ImageMetadata{}, err
	}
	rc, meta, err := s.content.Read(ctx, capture.KeyFor(targetID))
	if err != nil {
		return nil, capture.ImageMetadata{}, fmt.Errorf("open %s: %w", targetID, err)
	}
	return rc, meta, nil
}

// Invalidate removes the cached image, and the keys collaborator records
// hold for it, so the next trigger captures again.
func (s *Service) Invalidate(ctx context.Context, targetID string) error {
	if err := capture.ValidateTargetID(targetID); err != nil {
		return err
	}
	if err := s.content.Delete(ctx, capture.KeyFor(targetID)); err != nil {
		return fmt.Errorf("invalidate %s: %w", targetID, err)
	}
	s.registry.Invalidate(ctx, targetID)
	s.logger.Info("cache entry invalidated", zap.String("target_id", targetID))
	return nil
}

func (s *Service) newJob(req Request) (capture.Job, error) {
	if err := capture.ValidateTargetID(req.TargetID); err != nil {
		return capture.Job{}, err
	}
	raw := strings.TrimSpace(req.Address)
	if raw == "" {
		return capture.Job{}, fmt.Errorf("%w: address is required", capture.ErrInvalidInput)
	}
	if len(raw) > MaxAddressLength {
		return capture.Job{}, fmt.Errorf("%w: address longer than %d bytes", capture.ErrInvalidInput, MaxAddressLength)
	}
	runID, err := s.ids.NewID()
	if err != nil {
		return capture.Job{}, fmt.Errorf("run id: %w", err)
	}
	return capture.Job{
		TargetID:        req.TargetID,
		RunID:           runID,
		Address:         address.Normalize(raw),
		OriginalAddress: raw,
		StartedAt:       s.clock.Now().UTC(),
	}, nil
}

// cached answers from the content store. A failed existence check counts
// as a miss; the capture that follows overwrites idempotently. Method and
// street-level flag come from the stored metadata; if that cannot be read
// the hit is still reported without them.
func (s *Service) cached(ctx context.Context, targetID string) (capture.Result, bool) {
	key := capture.KeyFor(targetID)
	exists, err := s.content.Exists(ctx, key)
	if err != nil {
		s.logger.Warn("cache existence check failed", zap.String("target_id", targetID), zap.Error(err))
		return capture.Result{}, false
	}
	if !exists {
		return capture.Result{}, false
	}
	metrics.ObserveCacheHit()
	res := capture.Result{
		TargetID:  targetID,
		ResultKey: key,
		URL:       s.content.URL(key),
		Cached:    true,
	}
	rc, meta, err := s.content.Read(ctx, key)
	if err != nil {
		s.logger.Warn("cached metadata unreadable", zap.String("target_id", targetID), zap.Error(err))
		return res, true
	}
	_ = rc.Close()
	res.Method = meta.Method
	res.IsStreetView = meta.IsStreetView
	return res, true
}

// execute owns a registered job until the registry is completed.
func (s *Service) execute(ctx context.Context, job capture.Job) (capture.Result, error) {
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	logger := s.logger.With(zap.String("target_id", job.TargetID), zap.String("run_id", job.RunID))
	start := s.clock.Now()

	res, err := s.capture(ctx, job, logger)
	if err != nil {
		s.registry.Complete(ctx, job.TargetID, false, "", err)
		metrics.ObserveCapture("failed", "")
		s.publish(ctx, failedEvent(job, err, s.clock.Now()))
		logger.Warn("capture failed", zap.Duration("elapsed", s.clock.Now().Sub(start)), zap.Error(err))
		return capture.Result{}, err
	}

	s.registry.Complete(ctx, job.TargetID, true, res.ResultKey, nil)
	outcome := "map_view"
	if res.IsStreetView {
		outcome = "street_view"
	}
	metrics.ObserveCapture(outcome, res.Method)
	s.publish(ctx, completedEvent(job, res, s.clock.Now()))
	logger.Info("capture complete",
		zap.String("method", res.Method),
		zap.Bool("street_view", res.IsStreetView),
		zap.Duration("elapsed", s.clock.Now().Sub(start)),
	)
	return res, nil
}

func (s *Service) capture(ctx context.Context, job capture.Job, logger *zap.Logger) (capture.Result, error) {
	session, err := s.browser.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, capture.ErrResourceAcquisition) {
			err = fmt.Errorf("%w: %v", capture.ErrResourceAcquisition, err)
		}
		return capture.Result{}, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Debug("session close failed", zap.Error(cerr))
		}
	}()

	target := capture.Target{ID: job.TargetID, Address: job.Address, OriginalAddress: job.OriginalAddress}
	shot, err := s.capturer.Run(ctx, session, target)
	if err != nil {
		return capture.Result{}, err
	}

	data, meta, err := s.finalize(shot, job)
	if err != nil {
		return capture.Result{}, fmt.Errorf("%w: %v", capture.ErrCaptureFailed, err)
	}
	key := capture.KeyFor(job.TargetID)
	if _, err := s.content.Put(ctx, key, data, meta); err != nil {
		return capture.Result{}, fmt.Errorf("store %s: %w", key, err)
	}
	return capture.Result{
		TargetID:     job.TargetID,
		ResultKey:    key,
		URL:          s.content.URL(key),
		Method:       shot.Method,
		IsStreetView: shot.IsStreetView,
	}, nil
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if s.publisher == nil {
		return
	}
	id, err := s.publisher.Publish(ctx, s.topic, ev)
	if err != nil {
		s.logger.Warn("publish event failed", zap.String("target_id", ev.TargetID), zap.Error(err))
		return
	}
	s.logger.Debug("event published", zap.String("target_id", ev.TargetID), zap.String("message_id", id))
}
