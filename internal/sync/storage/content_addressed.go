package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
)

// ContentAddressedStorage stores blobs by their SHA-256 on top of an
// ObjectStore. Identical blobs are stored once.
type ContentAddressedStorage struct {
	store  ObjectStore
	prefix string
}

// NewContentAddressedStorage stores blobs below prefix in store.
func NewContentAddressedStorage(store ObjectStore, prefix string) *ContentAddressedStorage {
	return &ContentAddressedStorage{store: store, prefix: strings.TrimSuffix(prefix, "/")}
}

// CalculateHash calculates SHA-256 hash of content.
func CalculateHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// key lays blobs out as {prefix}/{hash[0:2]}/{hash[2:4]}/{hash}.
func (s *ContentAddressedStorage) key(hash string) string {
	return path.Join(s.prefix, hash[0:2], hash[2:4], hash)
}

func validHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

// Store writes data and returns its content hash. Existing blobs are not
// rewritten.
func (s *ContentAddressedStorage) Store(ctx context.Context, data []byte) (string, error) {
	hash := CalculateHash(data)
	if ok, err := s.Exists(ctx, hash); err == nil && ok {
		return hash, nil
	}
	if err := s.store.Put(ctx, s.key(hash), data); err != nil {
		return "", err
	}
	return hash, nil
}

// Retrieve reads a blob and verifies it still matches its hash.
func (s *ContentAddressedStorage) Retrieve(ctx context.Context, hash string) ([]byte, error) {
	if !validHash(hash) {
		return nil, fmt.Errorf("invalid content hash %q", hash)
	}
	data, err := s.store.Get(ctx, s.key(hash))
	if err != nil {
		return nil, err
	}
	if got := CalculateHash(data); got != hash {
		return nil, fmt.Errorf("hash mismatch: expected %s, got %s", hash, got)
	}
	return data, nil
}

// Exists reports whether a blob is stored.
func (s *ContentAddressedStorage) Exists(ctx context.Context, hash string) (bool, error) {
	if !validHash(hash) {
		return false, nil
	}
	keys, err := s.store.List(ctx, s.key(hash))
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

// Delete removes a blob.
func (s *ContentAddressedStorage) Delete(ctx context.Context, hash string) error {
	if !validHash(hash) {
		return fmt.Errorf("invalid content hash %q", hash)
	}
	return s.store.Delete(ctx, s.key(hash))
}

// ListAll lists every stored hash.
func (s *ContentAddressedStorage) ListAll(ctx context.Context) ([]string, error) {
	keys, err := s.store.List(ctx, s.prefix+"/")
	if err != nil {
		return nil, err
	}
	var hashes []string
	for _, k := range keys {
		if h := path.Base(k); validHash(h) {
			hashes = append(hashes, h)
		}
	}
	return hashes, nil
}

// VerifyAll re-hashes every blob and returns the corrupted ones.
func (s *ContentAddressedStorage) VerifyAll(ctx context.Context) ([]string, error) {
	hashes, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var corrupted []string
	for _, h := range hashes {
		if _, err := s.Retrieve(ctx, h); err != nil {
			corrupted = append(corrupted, h)
		}
	}
	return corrupted, nil
}
