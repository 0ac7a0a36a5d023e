package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/propflow/propflow/typedjson"
)

// LocalFileStorage persists artifacts as tagged JSON files under a
// single root directory. It is the default backend for single machine
// runs.
type LocalFileStorage struct {
	root string
}

// NewLocalFileStorage creates a file backend rooted at the given
// directory, creating it if needed.
func NewLocalFileStorage(root string) (*LocalFileStorage, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalFileStorage{root: root}, nil
}

// Root returns the backend's root directory.
func (s *LocalFileStorage) Root() string {
	return s.root
}

// filePath maps a storage key onto a file name. Keys may contain path
// separators, which must not escape the root.
func (s *LocalFileStorage) filePath(key string) string {
	sanitized := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(key)
	return filepath.Join(s.root, sanitized+".json")
}

// StoreData implements Backend.
func (s *LocalFileStorage) StoreData(_ context.Context, key string, data any) (string, error) {
	if key == "" {
		return "", fmt.Errorf("storage key must not be empty")
	}
	encoded, err := typedjson.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode artifact %q: %w", key, err)
	}
	path := s.filePath(key)
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %q: %w", key, err)
	}
	return path, nil
}

// RetrieveData implements Backend.
func (s *LocalFileStorage) RetrieveData(_ context.Context, key string) (any, error) {
	encoded, err := os.ReadFile(s.filePath(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %q: %w", key, err)
	}
	data, err := typedjson.Unmarshal(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode artifact %q: %w", key, err)
	}
	return data, nil
}

// HasData implements Backend.
func (s *LocalFileStorage) HasData(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.filePath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteData implements Backend.
func (s *LocalFileStorage) DeleteData(_ context.Context, key string) error {
	err := os.Remove(s.filePath(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Close implements Backend.
func (s *LocalFileStorage) Close() error {
	return nil
}
