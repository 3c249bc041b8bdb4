package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/streetview-cache/internal/capture"
)

// JobStore is an in-memory durable status table for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]capture.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]capture.Job)}
}

// Upsert inserts or replaces the record for job.TargetID.
func (s *JobStore) Upsert(_ context.Context, job capture.Job) error {
	if job.TargetID == "" {
		return fmt.Errorf("target id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.CompletedAt != nil {
		job.CompletedAt = pointerTime(*job.CompletedAt)
	}
	s.jobs[job.TargetID] = job
	return nil
}

// Get fetches the record for targetID.
func (s *JobStore) Get(_ context.Context, targetID string) (capture.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[targetID]
	if !ok {
		return capture.Job{}, fmt.Errorf("job %q: %w", targetID, capture.ErrNotFound)
	}
	return job, nil
}

// Delete removes the record for targetID if present.
func (s *JobStore) Delete(_ context.Context, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, targetID)
	return nil
}

func pointerTime[T any](v T) *T {
	return &v
}
