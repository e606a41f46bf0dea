package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dropmesh/dropmesh/interfaces"
)

// FileStore persists records as files under a base directory. Record
// keys are slash-separated and map directly onto subdirectories.
type FileStore struct {
	baseDir string
	log     *slog.Logger
}

// NewFileStore creates a file-backed record store rooted at baseDir.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileStore{baseDir: baseDir, log: log}, nil
}

// Put stores a record, creating parent directories as needed.
func (s *FileStore) Put(ctx context.Context, key string, record []byte) error {
	path, err := s.recordPath(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, record, 0o600); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	s.log.Debug("Stored record", slog.String("key", key), slog.Int("size", len(record)))
	return nil
}

// Get retrieves a record. Returns ErrRecordNotFound if absent.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.recordPath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, interfaces.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return data, nil
}

// Scan walks the directory tree under prefix and returns all records.
func (s *FileStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)

	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[key] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	return out, nil
}

// Delete removes a record. Absent keys are not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	path, err := s.recordPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// Available checks that the base directory still exists.
func (s *FileStore) Available(ctx context.Context) bool {
	_, err := os.Stat(s.baseDir)
	if err != nil {
		s.log.Debug("File store unavailable", "err", err)
		return false
	}
	return true
}

// Name returns the backend identifier.
func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

// recordPath validates the key against path traversal and maps it to a
// file path.
func (s *FileStore) recordPath(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid record key %q", key)
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(key)), nil
}
