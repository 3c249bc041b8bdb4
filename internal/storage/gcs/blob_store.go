// Package gcs provides an image cache backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/streetview-cache/internal/capture"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// PublicBaseURL, when set, is used instead of gs:// URIs by URL.
	PublicBaseURL string
}

// BlobStore writes images to a configured GCS bucket.
type BlobStore struct {
	client  *storage.Client
	bucket  string
	baseURL string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

func (s *BlobStore) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(key)
}

// Exists checks object attributes, treating a missing object as absent.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.object(key).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("object attrs %s: %w", key, err)
	}
}

// Put uploads data with its metadata and returns a gs:// URI.
func (s *BlobStore) Put(ctx context.Context, key string, data []byte, meta capture.ImageMetadata) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	writer := s.object(key).NewWriter(ctx)
	writer.ContentType = contentTypeOf(meta)
	writer.Metadata = meta.ToMap()
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}

// Read opens a streaming reader for key.
func (s *BlobStore) Read(ctx context.Context, key string) (io.ReadCloser, capture.ImageMetadata, error) {
	obj := s.object(key)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, capture.ImageMetadata{}, fmt.Errorf("object %q: %w", key, capture.ErrNotFound)
		}
		return nil, capture.ImageMetadata{}, fmt.Errorf("object attrs %s: %w", key, err)
	}
	reader, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, capture.ImageMetadata{}, fmt.Errorf("object %q: %w", key, capture.ErrNotFound)
		}
		return nil, capture.ImageMetadata{}, fmt.Errorf("open object %s: %w", key, err)
	}
	return reader, capture.MetadataFromMap(attrs.Metadata, attrs.ContentType), nil
}

// Delete removes key. Missing objects are ignored.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if err := s.object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// URL returns the public URL when configured, otherwise the gs:// URI.
func (s *BlobStore) URL(key string) string {
	if s.baseURL != "" {
		return s.baseURL + "/" + key
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key)
}

func contentTypeOf(meta capture.ImageMetadata) string {
	if meta.ContentType != "" {
		return meta.ContentType
	}
	return capture.ContentTypeJPEG
}
