package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/feynbound/feynbound/internal/cache"
	"github.com/feynbound/feynbound/internal/keys"
	"github.com/feynbound/feynbound/internal/reduction"
	"github.com/feynbound/feynbound/internal/scheduler"
)

func request(t *testing.T, job scheduler.Job) []byte {
	t.Helper()
	payload, err := job.Payload()
	require.NoError(t, err)
	out, err := json.Marshal(map[string]any{
		"kind":    job.Kind(),
		"key":     job.Key(),
		"payload": json.RawMessage(payload),
	})
	require.NoError(t, err)
	return out
}

func execute(t *testing.T, stdin []byte, args ...string) error {
	t.Helper()
	t.Cleanup(viper.Reset)
	cmd := NewWorkerCommand()
	cmd.SetIn(bytes.NewReader(stdin))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestWorkerRunsReadJob(t *testing.T) {
	dir := t.TempDir()
	job := &reduction.ReadJob{
		Head:        keys.Index{2, 1},
		Term:        keys.Index{1, 1},
		Coefficient: "(d-3)*s",
		Symbols:     []string{"d", "s"},
	}

	require.NoError(t, execute(t, request(t, job), "--cache-dir", dir))

	store, err := cache.NewFSStore(dir)
	require.NoError(t, err)
	defer store.Close()

	var keysFound []cache.Key
	require.NoError(t, store.Walk(context.Background(), cache.StageRead, func(key cache.Key, _ int64) error {
		keysFound = append(keysFound, key)
		return nil
	}))
	require.Len(t, keysFound, 1)
	require.Equal(t, job.Key(), keysFound[0].Name())
}

func TestWorkerErrors(t *testing.T) {
	t.Run("unknown_kind", func(t *testing.T) {
		in := []byte(`{"kind":"nope","key":"k","payload":{}}`)
		err := execute(t, in, "--cache-dir", t.TempDir())
		require.ErrorIs(t, err, scheduler.ErrUnknownJobKind)
	})

	t.Run("garbage_request", func(t *testing.T) {
		err := execute(t, []byte("not json"), "--cache-dir", t.TempDir())
		require.ErrorContains(t, err, "read job request")
	})

	t.Run("backend_not_shared", func(t *testing.T) {
		err := execute(t, nil, "--cache-backend", cache.BackendBadger, "--cache-dir", t.TempDir())
		require.ErrorContains(t, err, "cannot be shared")
	})
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry(nil)
	for _, kind := range []string{reduction.KindRead, reduction.KindExpand} {
		_, err := reg.Decode(kind, []byte(`{}`))
		require.NoError(t, err, kind)
	}
}
