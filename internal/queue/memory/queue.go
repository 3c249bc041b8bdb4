// Package memory provides the bounded in-process queue behind asynchronous captures.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/streetview-cache/internal/capture"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch     chan capture.Job
	mu     sync.RWMutex
	closed bool
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{ch: make(chan capture.Job, capacity)}
}

// Enqueue pushes a job, waiting for a free slot until ctx ends.
func (q *Queue) Enqueue(ctx context.Context, job capture.Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- job:
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (capture.Job, error) {
	select {
	case <-ctx.Done():
		return capture.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return capture.Job{}, ErrClosed
		}
		return job, nil
	}
}

// Len reports the number of queued jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting jobs. Queued jobs can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
