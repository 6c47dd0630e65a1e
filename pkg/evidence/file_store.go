package evidence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileBlobStore keeps each blob as a read-only file under baseDir.
// New blobs are written to a temporary file and hard-linked into place, so a
// key appears atomically and an existing key is never replaced.
type FileBlobStore struct {
	baseDir string
}

// NewFileBlobStore creates the base directory if needed.
func NewFileBlobStore(baseDir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to ensure evidence dir: %w", err)
	}
	return &FileBlobStore{baseDir: baseDir}, nil
}

func (s *FileBlobStore) path(key string) (string, error) {
	if !filepath.IsLocal(key) {
		return "", fmt.Errorf("invalid evidence key %q", key)
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(key)), nil
}

func (s *FileBlobStore) Put(ctx context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if existing, err := os.ReadFile(path); err == nil { //nolint:gosec // key validated as local
		return ensureSame(key, existing, data)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".blob-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Chmod(tmpPath, 0444); err != nil {
		return fmt.Errorf("failed to lock blob: %w", err)
	}

	// Link fails if the key exists, unlike Rename which would replace it.
	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			existing, readErr := os.ReadFile(path) //nolint:gosec // key validated as local
			if readErr != nil {
				return fmt.Errorf("failed to read existing blob: %w", readErr)
			}
			return ensureSame(key, existing, data)
		}
		return fmt.Errorf("failed to commit blob: %w", err)
	}
	return nil
}

func (s *FileBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // key validated as local
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	return data, nil
}

func (s *FileBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
