package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/feynbound/feynbound/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testJob struct {
	key string
	run func(ctx context.Context) error
}

func (j *testJob) Kind() string                  { return "test" }
func (j *testJob) Key() string                   { return j.key }
func (j *testJob) Run(ctx context.Context) error { return j.run(ctx) }
func (j *testJob) Payload() ([]byte, error)      { return json.Marshal(j.key) }

// countingRunner records the highest number of jobs running at once.
type countingRunner struct {
	GoroutineRunner
	current, peak atomic.Int64
}

func (r *countingRunner) Start(ctx context.Context, h Handle, job Job, done chan<- Completion) error {
	wrapped := &testJob{key: job.Key(), run: func(ctx context.Context) error {
		n := r.current.Add(1)
		for {
			p := r.peak.Load()
			if n <= p || r.peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer r.current.Add(-1)
		return job.Run(ctx)
	}}
	return r.GoroutineRunner.Start(ctx, h, wrapped, done)
}

func collectKeys(mu *sync.Mutex, keys *[]string) FoldFunc {
	return func(_ context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		*keys = append(*keys, job.Key())
		return nil
	}
}

func TestCapacityAndCompleteness(t *testing.T) {
	ctx := context.Background()
	runner := &countingRunner{}
	pool, err := NewPool(runner, 3)
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		folded []string
	)
	fold := collectKeys(&mu, &folded)

	const n = 40
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("%d,1", i)
		want = append(want, key)
		require.NoError(t, pool.SubmitWait(ctx, &testJob{key: key, run: func(context.Context) error {
			time.Sleep(time.Millisecond)
			return nil
		}}, fold))
		require.LessOrEqual(t, pool.Working(), pool.Capacity())
	}
	require.NoError(t, pool.Drain(ctx, fold))

	require.Zero(t, pool.Working())
	require.LessOrEqual(t, runner.peak.Load(), int64(3))
	sort.Strings(want)
	sort.Strings(folded)
	require.Equal(t, want, folded)
}

func TestSubmitAtCapacity(t *testing.T) {
	ctx := context.Background()
	pool, err := NewPool(&GoroutineRunner{}, 1)
	require.NoError(t, err)

	release := make(chan struct{})
	require.NoError(t, pool.Submit(ctx, &testJob{key: "1", run: func(context.Context) error {
		<-release
		return nil
	}}))
	require.True(t, pool.Full())
	require.ErrorIs(t, pool.Submit(ctx, &testJob{key: "2"}), ErrPoolFull)

	folds := 0
	fold := func(context.Context, Job) error { folds++; return nil }

	// a non-blocking poll returns at once while the job is still running
	require.NoError(t, pool.Yield(ctx, false, fold))
	require.Zero(t, folds)

	close(release)
	require.NoError(t, pool.Yield(ctx, true, fold))
	require.Equal(t, 1, folds)
	require.False(t, pool.Full())

	// blocking on an idle pool does not hang
	require.NoError(t, pool.Yield(ctx, true, fold))
}

func TestPanicIsIsolated(t *testing.T) {
	ctx := context.Background()
	log, logs := logger.NewObserverLogger("warn")
	pool, err := NewPool(&GoroutineRunner{}, 2, WithLogger(log))
	require.NoError(t, err)

	require.NoError(t, pool.Submit(ctx, &testJob{key: "boom", run: func(context.Context) error {
		panic("pathological expression")
	}}))

	var reaped []string
	require.NoError(t, pool.Drain(ctx, func(_ context.Context, job Job) error {
		reaped = append(reaped, job.Key())
		return nil
	}))
	require.Equal(t, []string{"boom"}, reaped)
	require.Equal(t, 1, logs.Len())
	require.Equal(t, "unit of work failed", logs.All()[0].Message)
}

func TestMaxAttempts(t *testing.T) {
	ctx := context.Background()
	pool, err := NewPool(&GoroutineRunner{}, 1, WithMaxAttempts(3))
	require.NoError(t, err)

	var runs atomic.Int32
	require.NoError(t, pool.Submit(ctx, &testJob{key: "flaky", run: func(context.Context) error {
		if runs.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	}}))

	folds := 0
	require.NoError(t, pool.Drain(ctx, func(context.Context, Job) error { folds++; return nil }))
	require.Equal(t, int32(2), runs.Load())
	require.Equal(t, 1, folds)
}

func TestFoldErrorsAreJoined(t *testing.T) {
	ctx := context.Background()
	pool, err := NewPool(&GoroutineRunner{}, 4)
	require.NoError(t, err)

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, pool.Submit(ctx, &testJob{key: key, run: func(context.Context) error { return nil }}))
	}

	err = pool.Drain(ctx, func(_ context.Context, job Job) error {
		if job.Key() == "b" {
			return nil
		}
		return fmt.Errorf("missing %s", job.Key())
	})
	require.ErrorContains(t, err, "missing a")
	require.ErrorContains(t, err, "missing c")
	require.Zero(t, pool.Working())
}

func TestDrainHonoursContext(t *testing.T) {
	pool, err := NewPool(&GoroutineRunner{}, 1)
	require.NoError(t, err)

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), &testJob{key: "slow", run: func(context.Context) error {
		<-release
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pool.Drain(ctx, func(context.Context, Job) error { return nil })
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	require.NoError(t, pool.Drain(context.Background(), func(context.Context, Job) error { return nil }))
}

func TestNewPoolRejectsZeroCapacity(t *testing.T) {
	_, err := NewPool(&GoroutineRunner{}, 0)
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test", func(payload []byte) (Job, error) {
		var key string
		if err := json.Unmarshal(payload, &key); err != nil {
			return nil, err
		}
		return &testJob{key: key, run: func(context.Context) error { return nil }}, nil
	})

	job, err := reg.Decode("test", []byte(`"2,1"`))
	require.NoError(t, err)
	require.Equal(t, "2,1", job.Key())

	_, err = reg.Decode("nope", nil)
	require.ErrorIs(t, err, ErrUnknownJobKind)
}

// fileJob is decoded inside the helper process.
type fileJob struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
}

func (j *fileJob) Kind() string             { return "file" }
func (j *fileJob) Key() string              { return filepath.Base(j.Path) }
func (j *fileJob) Payload() ([]byte, error) { return json.Marshal(j) }
func (j *fileJob) Run(context.Context) error {
	switch j.Mode {
	case "crash":
		os.Exit(3)
	case "hang":
		time.Sleep(time.Minute)
	}
	return os.WriteFile(j.Path, []byte("done"), 0o600)
}

// TestHelperProcess is not a real test; it is the worker process started
// by TestProcessRunner.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("FEYNBOUND_WANT_HELPER_PROCESS") != "1" {
		return
	}
	reg := NewRegistry()
	reg.Register("file", func(payload []byte) (Job, error) {
		j := &fileJob{}
		return j, json.Unmarshal(payload, j)
	})
	if err := Serve(context.Background(), os.Stdin, reg); err != nil {
		os.Exit(2)
	}
	os.Exit(0)
}

func TestProcessRunner(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	runner := &ProcessRunner{
		Executable: os.Args[0],
		Args:       []string{"-test.run=^TestHelperProcess$"},
		Env:        []string{"FEYNBOUND_WANT_HELPER_PROCESS=1"},
		Timeout:    2 * time.Second,
		Logger:     logger.NewNoopLogger(),
	}
	pool, err := NewPool(runner, 2)
	require.NoError(t, err)

	jobs := []*fileJob{
		{Path: filepath.Join(dir, "ok"), Mode: "write"},
		{Path: filepath.Join(dir, "crash"), Mode: "crash"},
		{Path: filepath.Join(dir, "hang"), Mode: "hang"},
	}

	var (
		mu     sync.Mutex
		folded []string
	)
	fold := collectKeys(&mu, &folded)
	for _, job := range jobs {
		require.NoError(t, pool.SubmitWait(ctx, job, fold))
	}
	require.NoError(t, pool.Drain(ctx, fold))

	sort.Strings(folded)
	require.Equal(t, []string{"crash", "hang", "ok"}, folded)

	require.FileExists(t, filepath.Join(dir, "ok"))
	require.NoFileExists(t, filepath.Join(dir, "crash"))
	require.NoFileExists(t, filepath.Join(dir, "hang"))
}
