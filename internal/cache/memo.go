package cache

import (
	"context"
	"fmt"

	"github.com/Yiling-J/theine-go"
)

const DefaultMemoSize = 100_000

// Memo is a read-through in-memory front for another Store. Entries are
// immutable, so a memoized value never needs invalidation; only Delete
// evicts. Absence is never memoized because a worker may produce the
// entry at any time.
type Memo struct {
	Store
	cache *theine.Cache[string, []byte]
}

var _ Store = (*Memo)(nil)

// NewMemo wraps store with a cache bounded to size bytes of values.
func NewMemo(store Store, size int64) (*Memo, error) {
	if size <= 0 {
		size = DefaultMemoSize
	}
	c, err := theine.NewBuilder[string, []byte](size).Build()
	if err != nil {
		return nil, fmt.Errorf("build memo: %w", err)
	}
	return &Memo{Store: store, cache: c}, nil
}

func (m *Memo) Exists(ctx context.Context, key Key) (bool, error) {
	if _, ok := m.cache.Get(key.String()); ok {
		return true, nil
	}
	return m.Store.Exists(ctx, key)
}

func (m *Memo) Load(ctx context.Context, key Key) ([]byte, error) {
	if v, ok := m.cache.Get(key.String()); ok {
		memoHits.WithLabelValues(string(key.Stage)).Inc()
		return v, nil
	}
	memoMisses.WithLabelValues(string(key.Stage)).Inc()
	v, err := m.Store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	m.cache.Set(key.String(), v, int64(len(v)))
	return v, nil
}

func (m *Memo) Save(ctx context.Context, key Key, value []byte) error {
	if err := m.Store.Save(ctx, key, value); err != nil {
		return err
	}
	m.cache.Set(key.String(), value, int64(len(value)))
	return nil
}

func (m *Memo) Delete(ctx context.Context, key Key) error {
	m.cache.Delete(key.String())
	return m.Store.Delete(ctx, key)
}

func (m *Memo) Close() error {
	m.cache.Close()
	return m.Store.Close()
}
