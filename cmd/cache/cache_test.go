package cache

import (
	"bytes"
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/feynbound/feynbound/cmd"
	"github.com/feynbound/feynbound/cmd/util"
	"github.com/feynbound/feynbound/internal/cache"
)

func fill(t *testing.T, dir string) {
	t.Helper()
	store, err := cache.NewFSStore(dir)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, cache.Put(ctx, store, cache.Key{Stage: cache.StageRead, Primary: "2,1", Secondary: "1,1"}, "d-3"))
	require.NoError(t, cache.Put(ctx, store, cache.Key{Stage: cache.StageExpand, Primary: "2,1", Secondary: "0"}, []string{"1"}))
	for _, ts := range []int64{1000, time.Unix(2000, 0).UnixNano()} {
		key := cache.Key{Stage: cache.StageGenerate, Primary: "x", Secondary: "0", Timestamp: strconv.FormatInt(ts, 10)}
		require.NoError(t, cache.Put(ctx, store, key, "0"))
	}
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	t.Cleanup(viper.Reset)
	util.PrepareTempConfigDir(t)

	var out bytes.Buffer
	rootCmd := cmd.NewRootCommand()
	rootCmd.AddCommand(NewCacheCommand())
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestStats(t *testing.T) {
	dir := t.TempDir()
	fill(t, dir)

	out := execute(t, "cache", "stats", "--cache-dir", dir)
	require.Regexp(t, `read\s+1 entries`, out)
	require.Regexp(t, `expand\s+1 entries`, out)
	require.Regexp(t, `generate\s+2 entries`, out)
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	fill(t, dir)

	out := execute(t, "cache", "prune", "--cache-dir", dir, "--before", "1970-01-01T00:00:01Z")
	require.Contains(t, out, "deleted 1 generate entries")

	out = execute(t, "cache", "stats", "--cache-dir", dir)
	require.Regexp(t, `read\s+1 entries`, out)
	require.Regexp(t, `generate\s+1 entries`, out)

	out = execute(t, "cache", "prune", "--cache-dir", dir)
	require.Contains(t, out, "deleted 1 generate entries")
}

func TestPruneRejectsBadTime(t *testing.T) {
	t.Cleanup(viper.Reset)
	util.PrepareTempConfigDir(t)

	rootCmd := cmd.NewRootCommand()
	rootCmd.AddCommand(NewCacheCommand())
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"cache", "prune", "--cache-dir", t.TempDir(), "--before", "yesterday"})
	require.ErrorContains(t, rootCmd.Execute(), "invalid --before")
}
