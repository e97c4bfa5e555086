// Package run contains the command that computes the bounds of a family's
// master integrals.
package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/feynbound/feynbound/internal/cache"
	"github.com/feynbound/feynbound/internal/config"
	"github.com/feynbound/feynbound/internal/pipeline"
	"github.com/feynbound/feynbound/internal/scheduler"
	"github.com/feynbound/feynbound/pkg/logger"
	"github.com/feynbound/feynbound/pkg/telemetry"
)

// WorkerCommand is the hidden subcommand worker processes are started with.
const WorkerCommand = "worker"

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compute bounds on the master integrals of a family",
		Long: `Compute bounds on the master integrals of a family.

The family, the Kira output directory and the positivity ansatze are read from the config file.
Intermediate results are cached in cache.dir, so re-running after an interruption only computes
what is missing.`,
		RunE: run,
		Args: cobra.NoArgs,
	}

	defaultConfig := config.DefaultConfig()
	flags := cmd.Flags()

	flags.Int("eps-order", defaultConfig.EpsOrder, "highest order of the expansion in eps")

	flags.String("kira-dir", defaultConfig.Kira.Dir, "the Kira output directory")
	flags.String("kira-file", defaultConfig.Kira.File, "the reduction result file under <kira-dir>/results/<family>")

	flags.Int("scheduler-capacity", defaultConfig.Scheduler.Capacity, "the maximum number of units of work running at once")
	flags.String("scheduler-runner", defaultConfig.Scheduler.Runner, fmt.Sprintf("where units of work run. Allowed values: '%s', '%s'", config.RunnerGoroutine, config.RunnerProcess))
	flags.Duration("scheduler-task-timeout", defaultConfig.Scheduler.TaskTimeout, "kill a unit of work that runs longer than this. Zero disables the limit")
	flags.Int("scheduler-max-attempts", defaultConfig.Scheduler.MaxAttempts, "the number of runs a failing unit of work gets")

	flags.String("cache-backend", defaultConfig.Cache.Backend, fmt.Sprintf("the cache backend. Allowed values: %v", cache.Backends))
	flags.String("cache-dir", defaultConfig.Cache.Dir, "the directory holding the cache")
	flags.Int64("cache-memo-size", defaultConfig.Cache.MemoSize, "size in bytes of the in-memory front cache. Negative disables it")

	flags.String("sdpa-binary", defaultConfig.SDPA.Binary, "the SDPA executable. When empty the problem files are only written to sdpa-work-dir")
	flags.String("sdpa-work-dir", defaultConfig.SDPA.WorkDir, "the directory SDPA input and output files are written to")

	flags.Bool("dump-raw", defaultConfig.Dump.Raw, "write the reduction table to dump-dir")
	flags.Bool("dump-expanded", defaultConfig.Dump.Expanded, "write the expanded reduction table to dump-dir")
	flags.Bool("dump-symbolic-sdp", defaultConfig.Dump.SymbolicSDP, "write the symbolic SDP problem to dump-dir")
	flags.String("dump-dir", defaultConfig.Dump.Dir, "the directory dumps are written to")

	flags.Bool("check-euclidean", defaultConfig.CheckEuclidean.Enabled, "check that the kinematics are in the Euclidean region before reducing")
	flags.Int64("check-euclidean-seed", defaultConfig.CheckEuclidean.Seed, "seed of the Euclidean region sampling")
	flags.Int("check-euclidean-trials", defaultConfig.CheckEuclidean.Trials, "number of Feynman parameter points sampled by the Euclidean check")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in. Allowed values: 'text', 'json'")
	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")
	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of runs to trace")

	// NOTE: if you add a new flag here, update the function in flags.go, too

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

// ReadConfig returns the run configuration based on the values provided in the 'config.yaml' file.
// The 'config.yaml' file is loaded from '/etc/feynbound', '$HOME/.feynbound', or the current working directory. If no configuration
// file is present, the default values are returned.
func ReadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := ReadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Verify(); err != nil {
		return err
	}

	runCtx := &RunContext{
		Logger: logger.MustNewLogger(cfg.Log.Format, cfg.Log.Level),
		Out:    cmd.OutOrStdout(),
	}
	_, err = runCtx.Run(cmd.Context(), cfg)
	return err
}

type RunContext struct {
	Logger logger.Logger
	Out    io.Writer
}

// tracerProvider returns the provider for this run; with tracing off it is
// telemetry.Disabled so the caller closes it the same way either way.
func (r *RunContext) tracerProvider(cfg *config.Config) telemetry.TracerProvider {
	if !cfg.Trace.Enabled {
		return telemetry.Disabled()
	}

	r.Logger.Info(fmt.Sprintf("tracing enabled: sampling ratio is %v and sending traces to '%s'", cfg.Trace.SampleRatio, cfg.Trace.OTLP.Endpoint))
	return telemetry.MustNewTracerProvider(
		telemetry.WithOTLPEndpoint(cfg.Trace.OTLP.Endpoint),
		telemetry.WithSamplingRatio(cfg.Trace.SampleRatio),
	)
}

// Session holds what every command working on a family needs: the
// resolved family, the opened cache and a pool running on the configured
// runner.
type Session struct {
	Setup *config.Setup
	Store cache.Store
	Pool  *scheduler.Pool
}

func (s *Session) Close() error {
	return s.Store.Close()
}

// NewRunner builds the configured runner. Worker processes open the same
// cache as the orchestrator, without a front cache of their own.
func NewRunner(cfg *config.Config, log logger.Logger) (scheduler.Runner, error) {
	if cfg.Scheduler.Runner == config.RunnerProcess {
		return scheduler.NewProcessRunner(cfg.Scheduler.TaskTimeout, log,
			WorkerCommand,
			"--cache-backend", cfg.Cache.Backend,
			"--cache-dir", cfg.Cache.Dir,
		)
	}
	return &scheduler.GoroutineRunner{Timeout: cfg.Scheduler.TaskTimeout}, nil
}

// Open resolves the family and opens the cache and the pool.
func Open(ctx context.Context, cfg *config.Config, log logger.Logger) (*Session, error) {
	setup, err := config.Load(cfg)
	if err != nil {
		return nil, fmt.Errorf("load family %q: %w", cfg.Family.Name, err)
	}

	store, err := cache.Open(ctx, cache.Options{
		Backend:  cfg.Cache.Backend,
		Dir:      cfg.Cache.Dir,
		MemoSize: cfg.Cache.MemoSize,
		Logger:   log,
	})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	runner, err := NewRunner(cfg, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	pool, err := scheduler.NewPool(runner, cfg.Scheduler.Capacity,
		scheduler.WithLogger(log),
		scheduler.WithMaxAttempts(cfg.Scheduler.MaxAttempts),
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Session{Setup: setup, Store: store, Pool: pool}, nil
}

// Run computes the bounds and prints them to r.Out.
func (r *RunContext) Run(ctx context.Context, cfg *config.Config, opts ...pipeline.Option) (*pipeline.Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := r.tracerProvider(cfg)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
		defer cancel()
		if err := tp.Close(ctx); err != nil {
			r.Logger.Error("failed to shutdown tracing", zap.Error(err))
		}
	}()

	session, err := Open(ctx, cfg, r.Logger)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	r.Logger.Info("starting feynbound",
		zap.String("family", cfg.Family.Name),
		zap.String("runner", cfg.Scheduler.Runner),
		zap.Int("capacity", cfg.Scheduler.Capacity),
		zap.String("cache_backend", cfg.Cache.Backend))

	opts = append([]pipeline.Option{pipeline.WithLogger(r.Logger)}, opts...)
	report, err := pipeline.New(cfg, session.Setup, session.Store, session.Pool, opts...).Run(ctx)
	if err != nil {
		return report, err
	}
	if err := PrintReport(r.Out, report, cfg); err != nil {
		return report, err
	}
	return report, nil
}

// PrintReport writes the Symanzik polynomials and the master values of a
// finished run.
func PrintReport(w io.Writer, report *pipeline.Report, cfg *config.Config) error {
	if report.Polynomials != nil {
		if _, err := fmt.Fprintf(w, "U = %s\nF = %s\n", report.Polynomials.U, report.Polynomials.F); err != nil {
			return err
		}
	}
	if report.Bounds == nil {
		_, err := fmt.Fprintf(w, "No SDPA binary configured, the problem was written to %s\n", cfg.SDPA.WorkDir)
		return err
	}
	if _, err := fmt.Fprintln(w, "Computed master integral values are:"); err != nil {
		return err
	}
	for _, v := range report.Bounds.Values {
		if _, err := fmt.Fprintf(w, "%s = %.12g\n", v.Unknown, v.Value); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "minimum eigenvalue %.6g\n", report.Bounds.MinEigenvalue)
	return err
}
