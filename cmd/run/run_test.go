package run

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"

	"github.com/feynbound/feynbound/cmd"
	"github.com/feynbound/feynbound/cmd/util"
	"github.com/feynbound/feynbound/internal/ansatz"
	"github.com/feynbound/feynbound/internal/cache"
	"github.com/feynbound/feynbound/internal/config"
	"github.com/feynbound/feynbound/internal/mocks"
	"github.com/feynbound/feynbound/internal/pipeline"
	"github.com/feynbound/feynbound/internal/scheduler"
	"github.com/feynbound/feynbound/internal/sdp"
	"github.com/feynbound/feynbound/internal/symanzik"
	"github.com/feynbound/feynbound/pkg/logger"
)

func newRootCommand(runCmd *cobra.Command) *cobra.Command {
	rootCmd := cmd.NewRootCommand()
	rootCmd.AddCommand(runCmd)
	return rootCmd
}

func TestRunCommandNoConfigDefaultValues(t *testing.T) {
	t.Cleanup(viper.Reset)
	util.PrepareTempConfigDir(t)

	runCmd := NewRunCommand()
	runCmd.RunE = func(cmd *cobra.Command, _ []string) error {
		require.Equal(t, config.RunnerGoroutine, viper.GetString("scheduler.runner"))
		require.Equal(t, cache.BackendFS, viper.GetString("cache.backend"))
		require.Equal(t, int64(config.DefaultMemoSize), viper.GetInt64("cache.memoSize"))
		require.Equal(t, config.DefaultTaskTimeout, viper.GetDuration("scheduler.taskTimeout"))
		require.True(t, viper.GetBool("checkEuclidean.enabled"))
		require.False(t, viper.GetBool("dump.raw"))
		require.Empty(t, viper.GetString("sdpa.binary"))
		return nil
	}

	rootCmd := newRootCommand(runCmd)
	rootCmd.SetArgs([]string{"run"})
	require.NoError(t, rootCmd.Execute())
}

func TestRunCommandFlagsOverrideDefaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	util.PrepareTempConfigDir(t)

	runCmd := NewRunCommand()
	runCmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := ReadConfig()
		require.NoError(t, err)
		require.Equal(t, 3, cfg.EpsOrder)
		require.Equal(t, config.RunnerProcess, cfg.Scheduler.Runner)
		require.Equal(t, cache.BackendSQLite, cfg.Cache.Backend)
		require.Equal(t, 90*time.Second, cfg.Scheduler.TaskTimeout)
		require.True(t, cfg.Dump.SymbolicSDP)
		require.False(t, cfg.CheckEuclidean.Enabled)
		return nil
	}

	rootCmd := newRootCommand(runCmd)
	rootCmd.SetArgs([]string{"run",
		"--eps-order", "3",
		"--scheduler-runner", "process",
		"--scheduler-task-timeout", "90s",
		"--cache-backend", "sqlite",
		"--dump-symbolic-sdp",
		"--check-euclidean=false",
	})
	require.NoError(t, rootCmd.Execute())
}

func TestParseConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	util.PrepareTempConfigFile(t, `family:
    name: box
    internals: [k]
    externals: [p1, p2]
    invariants:
        - symbol: s
          dimension: 2
    scalarProductRules:
        - a: p1
          b: p2
          value: s/2
    propagators:
        - momentum: k
        - momentum: k+p1
          mass: msq
    topLevelSector: 3
kira:
    dir: /data/kira
    file: kira_box.m
t: 4
epsOrder: 1
masterValues:
    - index: [1, 0]
      value: msq/(d-2)
kinematicsNumerics:
    - symbol: s
      value: -1
ansatze:
    - prefactor: x0
      terms: ["1", x1]
      maxLog: 1
scheduler:
    capacity: 7
    maxAttempts: 3
sdpa:
    params:
        maxIteration: 400
        matrixPrint: "%+10.16e"
`)

	runCmd := NewRunCommand()
	runCmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return nil
	}
	rootCmd := newRootCommand(runCmd)
	rootCmd.SetArgs([]string{"run"})
	require.NoError(t, rootCmd.Execute())

	cfg, err := ReadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Verify())

	require.Equal(t, "box", cfg.Family.Name)
	require.Equal(t, []string{"p1", "p2"}, cfg.Family.Externals)
	require.Equal(t, []config.InvariantConfig{{Symbol: "s", Dimension: 2}}, cfg.Family.Invariants)
	require.Equal(t, []config.ScalarProductConfig{{A: "p1", B: "p2", Value: "s/2"}}, cfg.Family.ScalarProductRules)
	require.Equal(t, config.PropagatorConfig{Momentum: "k+p1", Mass: "msq"}, cfg.Family.Propagators[1])
	require.NotNil(t, cfg.Family.TopLevelSector)
	require.Equal(t, uint64(3), *cfg.Family.TopLevelSector)
	require.Equal(t, config.KiraConfig{Dir: "/data/kira", File: "kira_box.m"}, cfg.Kira)
	require.Equal(t, 4, cfg.T)
	require.Equal(t, config.DefaultD0, cfg.D0)
	require.Equal(t, 1, cfg.EpsOrder)
	require.Equal(t, []config.MasterValueConfig{{Index: []int{1, 0}, Value: "msq/(d-2)"}}, cfg.MasterValues)
	require.Equal(t, []config.NumericConfig{{Symbol: "s", Value: "-1"}}, cfg.KinematicsNumerics)
	require.Equal(t, []ansatz.Spec{{Prefactor: "x0", Terms: []string{"1", "x1"}, MaxLog: 1}}, cfg.Ansatze)
	require.Equal(t, 7, cfg.Scheduler.Capacity)
	require.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	require.Equal(t, config.RunnerGoroutine, cfg.Scheduler.Runner)
	require.Equal(t, 400, cfg.SDPA.Params.MaxIteration)
	require.Equal(t, "%+10.16e", cfg.SDPA.Params.BigXPrint)
	require.Equal(t, sdp.DefaultParams().XPrint, cfg.SDPA.Params.XPrint)
}

func TestRunCommandConfigIsMerged(t *testing.T) {
	t.Cleanup(viper.Reset)
	util.PrepareTempConfigFile(t, `cache:
    backend: badger
    dir: /var/cache/feynbound
`)

	t.Setenv("FEYNBOUND_CACHE_DIR", "/tmp/feynbound")
	t.Setenv("FEYNBOUND_SCHEDULER_CAPACITY", "12")
	t.Setenv("FEYNBOUND_SCHEDULER_MAX_ATTEMPTS", "2")
	t.Setenv("FEYNBOUND_SDPA_BINARY", "/usr/bin/sdpa")
	t.Setenv("FEYNBOUND_DUMP_RAW", "true")
	t.Setenv("FEYNBOUND_LOG_FORMAT", "json")
	t.Setenv("FEYNBOUND_TRACE_SAMPLE_RATIO", "0.5")

	runCmd := NewRunCommand()
	runCmd.RunE = func(cmd *cobra.Command, _ []string) error {
		require.Equal(t, cache.BackendBadger, viper.GetString("cache.backend"))
		require.Equal(t, "/tmp/feynbound", viper.GetString("cache.dir"))
		require.Equal(t, 12, viper.GetInt("scheduler.capacity"))
		require.Equal(t, 2, viper.GetInt("scheduler.maxAttempts"))
		require.Equal(t, "/usr/bin/sdpa", viper.GetString("sdpa.binary"))
		require.True(t, viper.GetBool("dump.raw"))
		require.Equal(t, "json", viper.GetString("log.format"))
		require.InDelta(t, 0.5, viper.GetFloat64("trace.sampleRatio"), 1e-12)
		return nil
	}

	rootCmd := newRootCommand(runCmd)
	rootCmd.SetArgs([]string{"run"})
	require.NoError(t, rootCmd.Execute())
}

func TestNewRunner(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Scheduler.TaskTimeout = time.Minute

	runner, err := NewRunner(cfg, logger.NewNoopLogger())
	require.NoError(t, err)
	require.Equal(t, &scheduler.GoroutineRunner{Timeout: time.Minute}, runner)

	cfg.Scheduler.Runner = config.RunnerProcess
	cfg.Cache.Backend = cache.BackendSQLite
	cfg.Cache.Dir = "/tmp/cache"
	runner, err = NewRunner(cfg, logger.NewNoopLogger())
	require.NoError(t, err)
	process, ok := runner.(*scheduler.ProcessRunner)
	require.True(t, ok)
	require.Equal(t, []string{WorkerCommand, "--cache-backend", "sqlite", "--cache-dir", "/tmp/cache"}, process.Args)
	require.Equal(t, time.Minute, process.Timeout)
}

func TestTracerProvider(t *testing.T) {
	ctx := context.Background()
	runCtx := &RunContext{Logger: logger.NewNoopLogger()}

	cfg := config.DefaultConfig()
	disabled := runCtx.tracerProvider(cfg)
	_, span := disabled.Tracer("").Start(ctx, "pipeline.Run")
	require.False(t, span.IsRecording())
	span.End()
	require.NoError(t, disabled.Close(ctx))

	cfg.Trace.Enabled = true
	cfg.Trace.OTLP.Endpoint = ""
	cfg.Trace.SampleRatio = 1
	enabled := runCtx.tracerProvider(cfg)
	spanRecorder := tracetest.NewSpanRecorder()
	enabled.RegisterSpanProcessor(spanRecorder)
	_, span = enabled.Tracer("").Start(ctx, "pipeline.Run")
	require.True(t, span.IsRecording())
	span.End()
	require.NoError(t, enabled.Close(ctx))
	require.Len(t, spanRecorder.Ended(), 1)
}

func bubbleConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	kira := filepath.Join(dir, "kira")
	results := filepath.Join(kira, "results", "bubble")
	require.NoError(t, os.MkdirAll(results, 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(kira, "sectormappings"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(results, "masters.final"), []byte("bubble[1,1]\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(results, "relations"), []byte("bubble[2,1]\n bubble[1,1]*(d-3)\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(kira, "sectormappings", "variables"), []byte("d s\n"), 0o600))

	cfg := config.DefaultConfig()
	cfg.Family = config.FamilyConfig{
		Name:               "bubble",
		Internals:          []string{"k"},
		Externals:          []string{"p"},
		Invariants:         []config.InvariantConfig{{Symbol: "s", Dimension: 2}},
		ScalarProductRules: []config.ScalarProductConfig{{A: "p", B: "p", Value: "-s"}},
		Propagators:        []config.PropagatorConfig{{Momentum: "k"}, {Momentum: "k+p"}},
	}
	cfg.Kira = config.KiraConfig{Dir: kira, File: "relations"}
	cfg.T = 2
	cfg.D0 = 6
	cfg.KinematicsNumerics = []config.NumericConfig{{Symbol: "s", Value: "1"}}
	cfg.Ansatze = []ansatz.Spec{
		{Prefactor: "1", Terms: []string{"1"}},
		{Prefactor: "x0", Terms: []string{"1"}},
	}
	cfg.CheckEuclidean.Trials = symanzik.DefaultTrials
	cfg.Scheduler.Capacity = 2
	cfg.Cache.Dir = filepath.Join(dir, "cache")
	cfg.SDPA.WorkDir = filepath.Join(dir, "sdpa")
	require.NoError(t, cfg.Verify())
	return cfg
}

func TestRunContext(t *testing.T) {
	t.Run("writes_problem_without_sdpa", func(t *testing.T) {
		cfg := bubbleConfig(t)
		var out bytes.Buffer
		runCtx := &RunContext{Logger: logger.NewNoopLogger(), Out: &out}

		report, err := runCtx.Run(context.Background(), cfg)
		require.NoError(t, err)
		require.Nil(t, report.Bounds)
		require.FileExists(t, filepath.Join(cfg.SDPA.WorkDir, sdp.ProblemFile))
		require.Contains(t, out.String(), "U = ")
		require.Contains(t, out.String(), "No SDPA binary configured")
	})

	t.Run("prints_bounds", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		solver := mocks.NewMockSolver(ctrl)
		solver.EXPECT().Solve(gomock.Any(), gomock.Any()).
			Return(&sdp.Result{Phase: sdp.PhaseOptimal, X: []float64{0.5, -0.125}}, nil)

		cfg := bubbleConfig(t)
		var out bytes.Buffer
		runCtx := &RunContext{Logger: logger.NewNoopLogger(), Out: &out}

		report, err := runCtx.Run(context.Background(), cfg, pipeline.WithSolver(solver))
		require.NoError(t, err)
		require.NotNil(t, report.Bounds)
		require.Contains(t, out.String(), "Computed master integral values are:\nI[1,1]_0 = 0.5\n")
		require.Contains(t, out.String(), "minimum eigenvalue 0.125")

		stats, err := cache.Stats(context.Background(), mustOpen(t, cfg))
		require.NoError(t, err)
		for _, s := range stats {
			require.Positive(t, s.Entries, s.Stage)
		}
	})

	t.Run("unknown_family_directory", func(t *testing.T) {
		cfg := bubbleConfig(t)
		cfg.Kira.Dir = filepath.Join(t.TempDir(), "missing")
		runCtx := &RunContext{Logger: logger.NewNoopLogger(), Out: &bytes.Buffer{}}

		_, err := runCtx.Run(context.Background(), cfg)
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func mustOpen(t *testing.T, cfg *config.Config) cache.Store {
	t.Helper()
	store, err := cache.NewFSStore(cfg.Cache.Dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}
