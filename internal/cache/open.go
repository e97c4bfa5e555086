package cache

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/feynbound/feynbound/pkg/logger"
)

const (
	BackendFS     = "fs"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Backends lists the accepted values of the cache backend setting.
var Backends = []string{BackendFS, BackendBadger, BackendSQLite, BackendMemory}

// SharedBackend reports whether separate worker processes can write to the
// backend concurrently with the orchestrator.
func SharedBackend(backend string) bool {
	return backend == BackendFS || backend == BackendSQLite
}

type Options struct {
	Backend  string
	Dir      string
	MemoSize int64
	Logger   logger.Logger
}

// Open builds the configured store, fronted by a Memo unless MemoSize is
// negative.
func Open(ctx context.Context, opts Options) (Store, error) {
	if opts.Logger == nil {
		opts.Logger = logger.NewNoopLogger()
	}

	var (
		store Store
		err   error
	)
	switch opts.Backend {
	case BackendFS, "":
		store, err = NewFSStore(opts.Dir)
	case BackendBadger:
		cfg := DefaultBadgerConfig(filepath.Join(opts.Dir, "badger"))
		cfg.Logger = opts.Logger
		store, err = NewBadgerStore(cfg)
	case BackendSQLite:
		store, err = NewSQLiteStore(ctx, "file:"+filepath.Join(opts.Dir, "cache.db"))
	case BackendMemory:
		cfg := InMemoryBadgerConfig()
		cfg.Logger = opts.Logger
		store, err = NewBadgerStore(cfg)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	if opts.MemoSize < 0 {
		return store, nil
	}
	memo, err := NewMemo(store, opts.MemoSize)
	if err != nil {
		store.Close()
		return nil, err
	}
	return memo, nil
}
