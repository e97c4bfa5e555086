package cache

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
)

// StageStats summarizes one stage namespace.
type StageStats struct {
	Stage   Stage
	Entries int
	Bytes   int64
}

// Stats walks every stage concurrently.
func Stats(ctx context.Context, store Store) ([]StageStats, error) {
	ctx, span := tracer.Start(ctx, "cache.Stats")
	defer span.End()

	out := make([]StageStats, len(Stages))
	g, ctx := errgroup.WithContext(ctx)
	for i, stage := range Stages {
		g.Go(func() error {
			st := StageStats{Stage: stage}
			err := store.Walk(ctx, stage, func(_ Key, size int64) error {
				st.Entries++
				st.Bytes += size
				return nil
			})
			out[i] = st
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Prune deletes generate entries whose run timestamp is older than before.
// Read and expand entries depend only on the inputs and are kept. Entries
// whose timestamp does not parse are left alone.
func Prune(ctx context.Context, store Store, before int64) (int, error) {
	ctx, span := tracer.Start(ctx, "cache.Prune")
	defer span.End()

	var stale []Key
	err := store.Walk(ctx, StageGenerate, func(key Key, _ int64) error {
		ts, err := strconv.ParseInt(key.Timestamp, 10, 64)
		if err == nil && ts < before {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var (
		mu      sync.Mutex
		deleted int
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, key := range stale {
		g.Go(func() error {
			if err := store.Delete(ctx, key); err != nil {
				return err
			}
			mu.Lock()
			deleted++
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	return deleted, err
}
