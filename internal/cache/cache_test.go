package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/feynbound/feynbound/pkg/logger"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	fsStore, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	badgerStore, err := NewBadgerStore(InMemoryBadgerConfig())
	require.NoError(t, err)

	sqliteStore, err := NewSQLiteStore(ctx, "file:"+filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)

	memoBacking, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	memo, err := NewMemo(memoBacking, 1<<20)
	require.NoError(t, err)

	stores := map[string]Store{
		"fs":     fsStore,
		"badger": badgerStore,
		"sqlite": sqliteStore,
		"memo":   memo,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestKeyName(t *testing.T) {
	tests := []struct {
		key  Key
		name string
	}{
		{Key{Stage: StageRead, Primary: "2,1", Secondary: "1,1"}, "cache_2,1_1,1"},
		{Key{Stage: StageExpand, Primary: "1,1,0", Secondary: "2"}, "cache_1,1,0_2"},
		{Key{Stage: StageExpand, Primary: "manifest"}, "cache_manifest"},
		{Key{Stage: StageGenerate, Primary: "bias", Secondary: "0", Timestamp: "1700000000"}, "cache_bias_0_1700000000"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.name, test.key.Name())
			parsed, err := ParseName(test.key.Stage, test.name)
			require.NoError(t, err)
			require.Equal(t, test.key, parsed)
		})
	}

	_, err := ParseName(StageRead, "cache_1,1")
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = ParseName(StageExpand, "other")
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = ParseName(StageExpand, "cache_1,1_0_1700000000")
	require.ErrorIs(t, err, ErrInvalidKey)
	require.ErrorIs(t, Key{Stage: "bogus", Primary: "1"}.validate(), ErrInvalidKey)
	require.ErrorIs(t, Key{Stage: StageRead, Primary: "a_b"}.validate(), ErrInvalidKey)
}

func TestStores(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			key := Key{Stage: StageRead, Primary: "2,1", Secondary: "1,1"}

			ok, err := store.Exists(ctx, key)
			require.NoError(t, err)
			require.False(t, ok)

			_, err = store.Load(ctx, key)
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, Put(ctx, store, key, "3*s"))
			// Saving the same entry again is harmless.
			require.NoError(t, Put(ctx, store, key, "3*s"))

			ok, err = store.Exists(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)

			var got string
			require.NoError(t, Get(ctx, store, key, &got))
			require.Equal(t, "3*s", got)

			first, err := store.Load(ctx, key)
			require.NoError(t, err)
			second, err := store.Load(ctx, key)
			require.NoError(t, err)
			require.Equal(t, first, second)

			other := Key{Stage: StageExpand, Primary: "1,1"}
			require.NoError(t, Put(ctx, store, other, []string{}))

			var names []string
			require.NoError(t, store.Walk(ctx, StageRead, func(k Key, size int64) error {
				names = append(names, k.Name())
				require.Positive(t, size)
				return nil
			}))
			require.Equal(t, []string{"cache_2,1_1,1"}, names)

			require.NoError(t, store.Delete(ctx, key))
			require.NoError(t, store.Delete(ctx, key))
			ok, err = store.Exists(ctx, key)
			require.NoError(t, err)
			require.False(t, ok)

			err = MustGet(ctx, store, key, &got)
			require.ErrorIs(t, err, ErrIntegrity)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDecode(t *testing.T) {
	var v []string
	require.NoError(t, Decode([]byte(`{"version":1,"value":["a","b"]}`), &v))
	require.Equal(t, []string{"a", "b"}, v)

	require.ErrorIs(t, Decode([]byte(`{"version":2,"value":[]}`), &v), ErrIntegrity)
	require.ErrorIs(t, Decode([]byte(`{"version":1}`), &v), ErrIntegrity)
	require.ErrorIs(t, Decode([]byte(`{"version":1,"value":`), &v), ErrIntegrity)
	require.ErrorIs(t, Decode([]byte(`{"version":1,"value":{"a":1}}`), &v), ErrIntegrity)
}

func TestFSStoreIgnoresPartialWrites(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "read", tempPrefix+"123"), []byte("{"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "read", "unrelated"), []byte("{}"), 0o600))

	count := 0
	require.NoError(t, store.Walk(ctx, StageRead, func(Key, int64) error {
		count++
		return nil
	}))
	require.Zero(t, count)
}

func TestManifest(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	log, logs := logger.NewObserverLogger("debug")

	m := Manifest{Fingerprint: "abc", Family: "box"}
	ok, err := CheckManifest(ctx, store, m, log)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = CheckManifest(ctx, store, m, log)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, logs.Len())

	ok, err = CheckManifest(ctx, store, Manifest{Fingerprint: "def", Family: "box"}, log)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, logs.Len())
}

func TestStatsAndPrune(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, Put(ctx, store, Key{Stage: StageRead, Primary: "1,1", Secondary: "1,1"}, "1"))
	for _, ts := range []string{"100", "200", "300"} {
		require.NoError(t, Put(ctx, store, Key{Stage: StageGenerate, Primary: "0", Secondary: "0", Timestamp: ts}, "x"))
	}

	stats, err := Stats(ctx, store)
	require.NoError(t, err)
	require.Len(t, stats, 3)
	require.Equal(t, 1, stats[0].Entries)
	require.Equal(t, 0, stats[1].Entries)
	require.Equal(t, 3, stats[2].Entries)

	deleted, err := Prune(ctx, store, 250)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	stats, err = Stats(ctx, store)
	require.NoError(t, err)
	require.Equal(t, 1, stats[0].Entries)
	require.Equal(t, 1, stats[2].Entries)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	for _, backend := range Backends {
		t.Run(backend, func(t *testing.T) {
			store, err := Open(ctx, Options{Backend: backend, Dir: t.TempDir()})
			require.NoError(t, err)
			require.IsType(t, &Memo{}, store)
			require.NoError(t, store.Close())
		})
	}

	store, err := Open(ctx, Options{Backend: BackendFS, Dir: t.TempDir(), MemoSize: -1})
	require.NoError(t, err)
	require.IsType(t, &FSStore{}, store)

	_, err = Open(ctx, Options{Backend: "redis"})
	require.ErrorContains(t, err, "unknown cache backend")
}
