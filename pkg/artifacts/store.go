// Package artifacts archives uploaded batch files. Files are stored by
// content hash, so re-uploading the same file is idempotent and the hash on
// the batch row always identifies the exact bytes that seeded it.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is the upload archive.
type Store interface {
	// Put persists the file and returns its content hash ("sha256:<hex>").
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves a file by its content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Delete removes a file by its content hash.
	Delete(ctx context.Context, hash string) error
}

func hashBytes(data []byte) (prefixed, raw string) {
	sum := sha256.Sum256(data)
	raw = hex.EncodeToString(sum[:])
	return "sha256:" + raw, raw
}

func rawHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, "sha256:")
	if !ok {
		return "", fmt.Errorf("artifacts: invalid hash format %q", hash)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("artifacts: invalid hash hex: %w", err)
	}
	return raw, nil
}

// FileStore keeps uploads on the local filesystem, for single-instance
// deployments and tests.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure upload dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefixed, raw := hashBytes(data)
	path := filepath.Join(s.baseDir, raw+".upload")
	if _, err := os.Stat(path); err == nil {
		return prefixed, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write upload: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("artifacts: commit upload: %w", err)
	}
	return prefixed, nil
}

func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := rawHash(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.baseDir, raw+".upload"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifacts: upload not found: %s", hash)
		}
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Delete(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := rawHash(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.baseDir, raw+".upload")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifacts: delete upload: %w", err)
	}
	return nil
}
