// Package worker drains queued capture jobs.
package worker

import (
	"context"
	"errors"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/JakeFAU/streetview-cache/internal/capture"
	"github.com/JakeFAU/streetview-cache/internal/queue/memory"
)

// Source yields admitted jobs.
type Source interface {
	Dequeue(ctx context.Context) (capture.Job, error)
}

// Executor runs one admitted job to completion.
type Executor interface {
	Execute(ctx context.Context, job capture.Job)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job capture.Job)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, job capture.Job) { f(ctx, job) }

// Worker consumes queued jobs one at a time.
type Worker struct {
	id     int
	source Source
	exec   Executor
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, source Source, exec Executor, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		source: source,
		exec:   exec,
		logger: logger.Named("worker").With(zap.Int("worker_id", id)),
	}
}

// Run blocks, consuming jobs until the context finishes or the source closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("target_id", job.TargetID), zap.String("run_id", job.RunID))
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job capture.Job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked",
				zap.String("target_id", job.TargetID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	w.exec.Execute(ctx, job)
}
