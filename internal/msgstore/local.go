package msgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LocalFileStore writes one file per record below root. Files are fanned
// out over 256 subdirectories by record id so no single directory grows
// without bound.
type LocalFileStore struct {
	root string
}

func NewLocalFileStore(root string) (*LocalFileStore, error) {
	if root == "" {
		return nil, errors.New("msgstore: local store requires a path")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("msgstore: create %s: %w", root, err)
	}
	return &LocalFileStore{root: root}, nil
}

func (s *LocalFileStore) path(recordID int64) string {
	shard := fmt.Sprintf("%02x", uint64(recordID)%256)
	return filepath.Join(s.root, shard, objectName(recordID))
}

// Put replaces the body by renaming a fully written temp file into place, so
// readers never observe a partial body.
func (s *LocalFileStore) Put(_ context.Context, recordID int64, body string) (err error) {
	dst := s.path(recordID)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("msgstore: create shard: %w", err)
	}

	f, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("msgstore: create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()

	if _, err = f.WriteString(body); err != nil {
		_ = f.Close()
		return fmt.Errorf("msgstore: write body: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("msgstore: close body: %w", err)
	}
	if err = os.Rename(f.Name(), dst); err != nil {
		return fmt.Errorf("msgstore: publish body: %w", err)
	}
	return nil
}

func (s *LocalFileStore) Get(_ context.Context, recordID int64) (string, error) {
	data, err := os.ReadFile(s.path(recordID))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "", ErrNotFound
	case err != nil:
		return "", fmt.Errorf("msgstore: read body: %w", err)
	}
	return string(data), nil
}

// Delete succeeds when the body is already gone.
func (s *LocalFileStore) Delete(_ context.Context, recordID int64) error {
	if err := os.Remove(s.path(recordID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("msgstore: delete body: %w", err)
	}
	return nil
}
