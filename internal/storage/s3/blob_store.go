// Package s3 provides an image cache on any S3-compatible object store via
// the MinIO client.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/JakeFAU/streetview-cache/internal/capture"
)

// Config captures the connection parameters for an S3-compatible endpoint.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	UseSSL          bool
	// PublicBaseURL, when set, is used instead of s3:// URIs by URL.
	PublicBaseURL string
}

// BlobStore writes images to an S3 bucket.
type BlobStore struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

// NewClient builds a MinIO client from cfg.
func NewClient(cfg Config) (*minio.Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	var creds *credentials.Credentials
	if cfg.AccessKeyID != "" {
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	} else {
		creds = credentials.NewStatic("", "", "", credentials.SignatureAnonymous)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return client, nil
}

// New creates an S3-backed blob store.
func New(client *minio.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
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

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// Exists stats the object.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
}

// Put uploads data with metadata as user metadata.
func (s *BlobStore) Put(ctx context.Context, key string, data []byte, meta capture.ImageMetadata) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentTypeOf(meta),
		UserMetadata: meta.ToMap(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Read stats the object for metadata, then streams it.
func (s *BlobStore) Read(ctx context.Context, key string) (io.ReadCloser, capture.ImageMetadata, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, capture.ImageMetadata{}, fmt.Errorf("object %q: %w", key, capture.ErrNotFound)
		}
		return nil, capture.ImageMetadata{}, fmt.Errorf("stat object %s: %w", key, err)
	}
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, capture.ImageMetadata{}, fmt.Errorf("failed to get object: %w", err)
	}
	return object, capture.MetadataFromMap(info.UserMetadata, info.ContentType), nil
}

// Delete removes key. S3 treats missing keys as deleted.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// URL returns the public URL when configured, otherwise the s3:// URI.
func (s *BlobStore) URL(key string) string {
	if s.baseURL != "" {
		return s.baseURL + "/" + key
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

func contentTypeOf(meta capture.ImageMetadata) string {
	if meta.ContentType != "" {
		return meta.ContentType
	}
	return capture.ContentTypeJPEG
}
