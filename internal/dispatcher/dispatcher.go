// Package dispatcher fans queued capture jobs out to a pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/streetview-cache/internal/capture"
	"github.com/JakeFAU/streetview-cache/internal/worker"
)

// Queue is both ends of the job queue.
type Queue interface {
	worker.Source
	Enqueue(ctx context.Context, job capture.Job) error
}

// Dispatcher owns the queue and its workers.
type Dispatcher struct {
	queue   Queue
	workers []*worker.Worker
}

// New creates a Dispatcher with size workers executing through exec.
func New(queue Queue, exec worker.Executor, size int, logger *zap.Logger) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	workers := make([]*worker.Worker, 0, size)
	for i := range size {
		workers = append(workers, worker.New(i+1, queue, exec, logger))
	}
	return &Dispatcher{queue: queue, workers: workers}
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned from its current job.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, job capture.Job) error {
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
