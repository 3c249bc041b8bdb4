// Package registry tracks in-flight capture jobs. The in-process map is the
// single-flight guard; the durable status store is an observational mirror
// whose failures never change an admission decision.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/streetview-cache/internal/capture"
)

// Options wires the registry's collaborators. Durable and Linker are optional.
type Options struct {
	Content capture.ContentStore
	Durable capture.StatusStore
	Linker  capture.RecordLinker
	Clock   capture.Clock
	// Estimate is the expected capture duration used to derive the
	// estimated remaining time of a processing job.
	Estimate time.Duration
	// StaleAfter ignores durable processing records older than this, which
	// are left behind when a process dies mid-job. Zero disables the check.
	StaleAfter time.Duration
	Logger     *zap.Logger
}

// Registry is the job registry.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]capture.Job

	content    capture.ContentStore
	durable    capture.StatusStore
	linker     capture.RecordLinker
	clock      capture.Clock
	estimate   time.Duration
	staleAfter time.Duration
	logger     *zap.Logger
}

// New constructs a Registry.
func New(opts Options) (*Registry, error) {
	if opts.Content == nil {
		return nil, fmt.Errorf("content store is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if opts.Estimate < 0 || opts.StaleAfter < 0 {
		return nil, fmt.Errorf("durations must be non-negative")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		jobs:       make(map[string]capture.Job),
		content:    opts.Content,
		durable:    opts.Durable,
		linker:     opts.Linker,
		clock:      opts.Clock,
		estimate:   opts.Estimate,
		staleAfter: opts.StaleAfter,
		logger:     logger.Named("registry"),
	}, nil
}

// Register admits job unless a processing entry already exists for its
// target. It reports whether the caller now owns the target.
func (r *Registry) Register(ctx context.Context, job capture.Job) bool {
	r.mu.Lock()
	if _, busy := r.jobs[job.TargetID]; busy {
		r.mu.Unlock()
		return false
	}
	job.Status = capture.JobStatusProcessing
	if job.StartedAt.IsZero() {
		job.StartedAt = r.clock.Now().UTC()
	}
	job.CompletedAt = nil
	job.Error = ""
	r.jobs[job.TargetID] = job
	r.mu.Unlock()

	r.mirror(ctx, job)
	return true
}

// Complete finalises the job for targetID. On success the records are
// dropped and the result key is linked to collaborator records; on failure
// the durable record is retained with the error.
func (r *Registry) Complete(ctx context.Context, targetID string, success bool, resultKey string, cause error) {
	r.mu.Lock()
	job, ok := r.jobs[targetID]
	delete(r.jobs, targetID)
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("completing unknown job", zap.String("target_id", targetID))
		job = capture.Job{TargetID: targetID}
	}

	if success {
		r.forget(ctx, targetID)
		r.link(ctx, targetID, resultKey)
		return
	}

	now := r.clock.Now().UTC()
	job.Status = capture.JobStatusFailed
	job.CompletedAt = &now
	job.Error = capture.ErrCaptureFailed.Error()
	if cause != nil {
		job.Error = cause.Error()
	}
	r.mirror(ctx, job)
}

// Status answers where a target stands: cached, running here, recorded in
// the durable table, or linked from a collaborator record.
func (r *Registry) Status(ctx context.Context, targetID string) (capture.Status, error) {
	if err := capture.ValidateTargetID(targetID); err != nil {
		return capture.Status{}, err
	}
	key := capture.KeyFor(targetID)

	exists, err := r.content.Exists(ctx, key)
	if err != nil {
		r.logger.Warn("cache existence check failed", zap.String("target_id", targetID), zap.Error(err))
	}
	if exists {
		return r.complete(targetID, key), nil
	}

	r.mu.Lock()
	job, running := r.jobs[targetID]
	r.mu.Unlock()
	if running {
		return r.processing(job), nil
	}

	if st, ok := r.durableStatus(ctx, targetID); ok {
		return st, nil
	}

	if linked, ok := r.linked(ctx, targetID, key); ok {
		return r.complete(targetID, linked), nil
	}

	return capture.Status{TargetID: targetID, State: capture.StateNotFound}, nil
}

// Release drops an admission that will not run, along with its durable
// mirror. Nothing is linked or recorded as failed.
func (r *Registry) Release(ctx context.Context, targetID string) {
	r.mu.Lock()
	delete(r.jobs, targetID)
	r.mu.Unlock()
	r.forget(ctx, targetID)
}

// Invalidate removes every pointer at a deleted result: the durable record
// and the key attached to collaborator records. A job running for the
// target is left alone.
func (r *Registry) Invalidate(ctx context.Context, targetID string) {
	r.forget(ctx, targetID)
	if r.linker == nil {
		return
	}
	rows, err := r.linker.DetachResult(ctx, targetID)
	if err != nil {
		r.logger.Warn("record unlink failed", zap.String("target_id", targetID), zap.Error(err))
		return
	}
	r.logger.Debug("result unlinked", zap.String("target_id", targetID), zap.Int64("rows", rows))
}

// InFlight returns the number of jobs currently processing in this process.
func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *Registry) durableStatus(ctx context.Context, targetID string) (capture.Status, bool) {
	if r.durable == nil {
		return capture.Status{}, false
	}
	job, err := r.durable.Get(ctx, targetID)
	if err != nil {
		if !errors.Is(err, capture.ErrNotFound) {
			r.logger.Warn("durable status lookup failed", zap.String("target_id", targetID), zap.Error(err))
		}
		return capture.Status{}, false
	}
	switch job.Status {
	case capture.JobStatusProcessing:
		if r.staleAfter > 0 && r.clock.Now().Sub(job.StartedAt) > r.staleAfter {
			r.logger.Debug("ignoring stale processing record", zap.String("target_id", targetID))
			return capture.Status{}, false
		}
		return r.processing(job), true
	case capture.JobStatusFailed:
		return capture.Status{
			TargetID:    targetID,
			State:       capture.StateFailed,
			StartedAt:   timePtr(job.StartedAt),
			Error:       job.Error,
			CompletedAt: job.CompletedAt,
		}, true
	default:
		return capture.Status{}, false
	}
}

// linked returns a key attached to a collaborator record, provided the
// object it names still exists. cacheKey was already checked by the caller.
func (r *Registry) linked(ctx context.Context, targetID, cacheKey string) (string, bool) {
	if r.linker == nil {
		return "", false
	}
	key, err := r.linker.LookupResult(ctx, targetID)
	if err != nil {
		if !errors.Is(err, capture.ErrNotFound) {
			r.logger.Warn("record lookup failed", zap.String("target_id", targetID), zap.Error(err))
		}
		return "", false
	}
	if key == cacheKey {
		r.logger.Debug("record links a missing object", zap.String("target_id", targetID), zap.String("key", key))
		return "", false
	}
	exists, err := r.content.Exists(ctx, key)
	if err != nil {
		r.logger.Warn("linked object check failed", zap.String("target_id", targetID), zap.Error(err))
		return "", false
	}
	if !exists {
		r.logger.Debug("record links a missing object", zap.String("target_id", targetID), zap.String("key", key))
	}
	return key, exists
}

func (r *Registry) processing(job capture.Job) capture.Status {
	elapsed := r.clock.Now().Sub(job.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := r.estimate - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return capture.Status{
		TargetID:           job.TargetID,
		State:              capture.StateProcessing,
		StartedAt:          timePtr(job.StartedAt),
		Elapsed:            elapsed,
		EstimatedRemaining: remaining,
	}
}

func (r *Registry) complete(targetID, key string) capture.Status {
	return capture.Status{
		TargetID:  targetID,
		State:     capture.StateComplete,
		ResultKey: key,
		URL:       r.content.URL(key),
	}
}

func (r *Registry) mirror(ctx context.Context, job capture.Job) {
	if r.durable == nil {
		return
	}
	if err := r.durable.Upsert(ctx, job); err != nil {
		r.logger.Warn("durable status upsert failed",
			zap.String("target_id", job.TargetID),
			zap.String("status", string(job.Status)),
			zap.Error(err),
		)
	}
}

func (r *Registry) forget(ctx context.Context, targetID string) {
	if r.durable == nil {
		return
	}
	if err := r.durable.Delete(ctx, targetID); err != nil {
		r.logger.Warn("durable status delete failed", zap.String("target_id", targetID), zap.Error(err))
	}
}

func (r *Registry) link(ctx context.Context, targetID, resultKey string) {
	if r.linker == nil || resultKey == "" {
		return
	}
	rows, err := r.linker.AttachResult(ctx, targetID, resultKey)
	if err != nil {
		r.logger.Warn("record link failed", zap.String("target_id", targetID), zap.Error(err))
		return
	}
	r.logger.Debug("result linked", zap.String("target_id", targetID), zap.Int64("rows", rows))
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
