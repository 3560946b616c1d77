// Package storage provides the object stores used for the shared peer
// directory and the event archive: a filesystem directory (local or shared
// mount) and an S3-compatible bucket.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kimhsiao/nodesync/internal/config"
	apperrors "github.com/kimhsiao/nodesync/internal/errors"
)

// ObjectStore is a flat key/value blob store. Keys use "/" separators.
type ObjectStore interface {
	// Put writes data under key, replacing any previous object.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads the object under key. Missing keys yield a NOT_FOUND error.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error

	// List returns every key starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Ensure implementations satisfy ObjectStore at compile time.
var (
	_ ObjectStore = (*DirStore)(nil)
	_ ObjectStore = (*S3Store)(nil)
)

// Open returns an S3 store when a bucket is configured, otherwise a
// directory store rooted at dir. It returns nil, nil when neither is set.
func Open(ctx context.Context, s3cfg config.S3Config, dir string) (ObjectStore, error) {
	if s3cfg.Enabled() {
		return NewS3Store(ctx, s3cfg)
	}
	if dir != "" {
		return NewDirStore(dir)
	}
	return nil, nil
}

// DirStore keeps objects as files below a root directory.
type DirStore struct {
	root string
}

// NewDirStore creates the root directory if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &DirStore{root: root}, nil
}

// Root returns the root directory.
func (s *DirStore) Root() string {
	return s.root
}

func (s *DirStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", apperrors.Newf(apperrors.ErrInvalid, "invalid object key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes through a temp file and rename so readers on a shared mount
// never see a partial object.
func (s *DirStore) Put(ctx context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("failed to publish object: %w", err)
	}
	return nil
}

// Get reads the object under key.
func (s *DirStore) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "object "+key+" not found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// Delete removes key.
func (s *DirStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// List walks the tree and returns keys with prefix. Temp files are skipped.
func (s *DirStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk store: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
