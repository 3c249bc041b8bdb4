// Package memory keeps cached images and job records in-memory for
// development and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/JakeFAU/streetview-cache/internal/capture"
)

type object struct {
	data []byte
	meta capture.ImageMetadata
}

// BlobStore stores images in-memory and returns pseudo URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]object)}
}

// Exists reports whether key has been written.
func (s *BlobStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

// Put persists a copy of data and returns a URI.
func (s *BlobStore) Put(_ context.Context, key string, data []byte, meta capture.ImageMetadata) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{data: append([]byte(nil), data...), meta: meta}
	return s.URL(key), nil
}

// Read returns a reader over a copy of the stored bytes.
func (s *BlobStore) Read(_ context.Context, key string) (io.ReadCloser, capture.ImageMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, capture.ImageMetadata{}, fmt.Errorf("object %q: %w", key, capture.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), obj.data...))), obj.meta, nil
}

// Delete drops key if present.
func (s *BlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// URL returns the pseudo URI for key.
func (s *BlobStore) URL(key string) string {
	return fmt.Sprintf("memory://%s", key)
}

// Len returns the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
