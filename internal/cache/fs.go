package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const tempPrefix = ".tmp-"

// FSStore keeps one directory per stage below root and one file per entry.
// Writes go to a temporary file that is renamed into place, so a worker
// that dies mid-write leaves no entry behind.
type FSStore struct {
	root string
}

var _ Store = (*FSStore)(nil)

func NewFSStore(root string) (*FSStore, error) {
	for _, stage := range Stages {
		if err := os.MkdirAll(filepath.Join(root, string(stage)), 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) Root() string {
	return s.root
}

func (s *FSStore) path(key Key) string {
	return filepath.Join(s.root, string(key.Stage), key.Name())
}

func (s *FSStore) Exists(ctx context.Context, key Key) (bool, error) {
	if err := key.validate(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (s *FSStore) Load(ctx context.Context, key Key) ([]byte, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

func (s *FSStore) Save(ctx context.Context, key Key, value []byte) error {
	if err := key.validate(); err != nil {
		return err
	}
	dir := filepath.Join(s.root, string(key.Stage))
	f, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(value); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(key))
}

func (s *FSStore) Delete(ctx context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FSStore) Walk(ctx context.Context, stage Stage, fn func(Key, int64) error) error {
	entries, err := os.ReadDir(filepath.Join(s.root, string(stage)))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		key, err := ParseName(stage, entry.Name())
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		if err := fn(key, info.Size()); err != nil {
			return err
		}
	}
	return nil
}

func (s *FSStore) Close() error {
	return nil
}
