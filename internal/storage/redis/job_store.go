// Package redis mirrors capture jobs into Redis with a retention TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/streetview-cache/internal/capture"
)

// Config controls the Redis connection and key layout.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL bounds how long job records are retained. Zero keeps them forever.
	TTL time.Duration
}

// Client is the subset of the go-redis API the store needs.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Ping(ctx context.Context) *goredis.StatusCmd
}

// JobStore is a StatusStore over Redis string keys holding JSON records.
type JobStore struct {
	client Client
	prefix string
	ttl    time.Duration
}

// NewClient builds a go-redis client from cfg.
func NewClient(cfg Config) (*goredis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

// NewJobStore constructs a store over client.
func NewJobStore(client Client, cfg Config) (*JobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("ttl must be non-negative")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "streetview:job:"
	}
	return &JobStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

func (s *JobStore) key(targetID string) string {
	return s.prefix + targetID
}

// Upsert overwrites the record for job.TargetID and refreshes its TTL.
func (s *JobStore) Upsert(ctx context.Context, job capture.Job) error {
	if job.TargetID == "" {
		return fmt.Errorf("target id is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := s.client.Set(ctx, s.key(job.TargetID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("set job %s: %w", job.TargetID, err)
	}
	return nil
}

// Get loads the record for targetID.
func (s *JobStore) Get(ctx context.Context, targetID string) (capture.Job, error) {
	raw, err := s.client.Get(ctx, s.key(targetID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return capture.Job{}, fmt.Errorf("job %q: %w", targetID, capture.ErrNotFound)
		}
		return capture.Job{}, fmt.Errorf("get job %s: %w", targetID, err)
	}
	var job capture.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return capture.Job{}, fmt.Errorf("unmarshal job %s: %w", targetID, err)
	}
	return job, nil
}

// Delete removes the record for targetID.
func (s *JobStore) Delete(ctx context.Context, targetID string) error {
	if err := s.client.Del(ctx, s.key(targetID)).Err(); err != nil {
		return fmt.Errorf("delete job %s: %w", targetID, err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (s *JobStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
