// Package local implements a local filesystem image cache.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/streetview-cache/internal/capture"
)

const metaSuffix = ".meta.json"

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where images will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes images to the local filesystem with a JSON metadata sidecar.
type BlobStore struct {
	baseDir string
}

// New creates a new local filesystem-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &BlobStore{baseDir: cfg.BaseDir}, nil
}

// resolve maps key to a path under baseDir, rejecting traversal.
func (s *BlobStore) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, key))
	if !strings.HasPrefix(fullPath, filepath.Clean(s.baseDir)+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

// Exists reports whether the image file is present.
func (s *BlobStore) Exists(_ context.Context, key string) (bool, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(fullPath)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
}

// Put writes the image and its metadata sidecar and returns a file:// URI.
// The image is written to a temporary file first so readers never observe a
// partial image.
func (s *BlobStore) Put(_ context.Context, key string, data []byte, meta capture.ImageMetadata) (string, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}

	sidecar, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(fullPath+metaSuffix, sidecar, 0o600); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		return "", fmt.Errorf("failed to finalize file: %w", err)
	}
	return s.URL(key), nil
}

// Read opens the image for streaming and loads its sidecar metadata.
func (s *BlobStore) Read(_ context.Context, key string) (io.ReadCloser, capture.ImageMetadata, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, capture.ImageMetadata{}, err
	}
	// #nosec G304 -- path is confined to baseDir by resolve.
	file, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, capture.ImageMetadata{}, fmt.Errorf("object %q: %w", key, capture.ErrNotFound)
		}
		return nil, capture.ImageMetadata{}, fmt.Errorf("open %s: %w", key, err)
	}

	meta := capture.ImageMetadata{ContentType: capture.ContentTypeJPEG}
	// #nosec G304 -- path is confined to baseDir by resolve.
	raw, err := os.ReadFile(fullPath + metaSuffix)
	if err == nil {
		if err := json.Unmarshal(raw, &meta); err != nil {
			_ = file.Close()
			return nil, capture.ImageMetadata{}, fmt.Errorf("decode metadata for %s: %w", key, err)
		}
	}
	return file, meta, nil
}

// Delete removes the image and sidecar. Missing files are ignored.
func (s *BlobStore) Delete(_ context.Context, key string) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	for _, p := range []string{fullPath, fullPath + metaSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// URL returns the file:// URI for key.
func (s *BlobStore) URL(key string) string {
	return fmt.Sprintf("file://%s", filepath.Join(s.baseDir, key))
}
