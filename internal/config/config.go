// Package config contains all knobs and defaults of a feynbound run, and
// resolves the integral family against a Kira output directory.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"time"

	"github.com/feynbound/feynbound/internal/ansatz"
	"github.com/feynbound/feynbound/internal/cache"
	"github.com/feynbound/feynbound/internal/sdp"
	"github.com/feynbound/feynbound/internal/symanzik"
)

const (
	RunnerGoroutine = "goroutine"
	RunnerProcess   = "process"

	DefaultD0          = 4
	DefaultEpsOrder    = 0
	DefaultMaxAttempts = 1
	DefaultMemoSize    = 1 << 16
	DefaultTaskTimeout = 10 * time.Minute
	DefaultDumpDir     = "logs"
	DefaultSDPAWorkDir = "logs"
)

// InvariantConfig is a kinematic invariant and its mass dimension.
type InvariantConfig struct {
	Symbol    string
	Dimension int
}

// ScalarProductConfig replaces the product A·B of two external momenta.
type ScalarProductConfig struct {
	A     string
	B     string
	Value string
}

// PropagatorConfig is the propagator (Momentum)² - Mass.
type PropagatorConfig struct {
	Momentum string
	Mass     string
}

// FamilyConfig describes the integral family as it was given to Kira.
type FamilyConfig struct {
	Name               string
	Internals          []string
	Externals          []string
	Invariants         []InvariantConfig
	ScalarProductRules []ScalarProductConfig
	Propagators        []PropagatorConfig

	// TopLevelSector restricts prefactors and Feynman parameters to the set
	// bits. Unset means every propagator.
	TopLevelSector *uint64
}

// KiraConfig locates the Kira output. Relations are read from
// <Dir>/results/<family>/<File>.
type KiraConfig struct {
	Dir  string
	File string
}

// MasterValueConfig fixes the value of a known master integral.
type MasterValueConfig struct {
	Index []int
	Value string
}

// NumericConfig binds a kinematic symbol to a number.
type NumericConfig struct {
	Symbol string
	Value  string
}

type SchedulerConfig struct {
	// Capacity is the maximum number of live units of work.
	Capacity int

	// Runner is either 'goroutine' or 'process'.
	Runner string

	// TaskTimeout kills a unit that runs longer. Zero disables it.
	TaskTimeout time.Duration

	// MaxAttempts is the number of runs a failing unit gets.
	MaxAttempts int
}

type CacheConfig struct {
	// Backend is one of 'fs', 'badger', 'sqlite' or 'memory'.
	Backend string
	Dir     string

	// MemoSize bounds the in-memory front cache in bytes. Negative disables it.
	MemoSize int64
}

type SDPAConfig struct {
	// Binary is the SDPA executable. When empty the problem files are
	// written to WorkDir and the run stops before solving.
	Binary  string
	WorkDir string
	Params  sdp.Params
}

type DumpConfig struct {
	Raw         bool
	Expanded    bool
	SymbolicSDP bool
	Dir         string
}

type EuclideanConfig struct {
	Enabled bool
	Seed    int64
	Trials  int
}

// LogConfig defines log specific settings. Prefer the 'json' format when
// logs are collected.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
}

type OTLPTraceConfig struct {
	Endpoint string
}

type Config struct {
	Family FamilyConfig
	Kira   KiraConfig

	// T is the minimal total index of a relation head that enters the table.
	T  int
	D0 int

	// EpsOrder is the highest order of the expansion in eps.
	EpsOrder int

	MasterValues       []MasterValueConfig
	KinematicsNumerics []NumericConfig
	Ansatze            []ansatz.Spec

	Scheduler      SchedulerConfig
	Cache          CacheConfig
	SDPA           SDPAConfig `mapstructure:"sdpa"`
	Dump           DumpConfig
	CheckEuclidean EuclideanConfig
	Log            LogConfig
	Trace          TraceConfig
}

func (cfg *Config) Verify() error {
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if cfg.Log.Level != "none" &&
		cfg.Log.Level != "debug" &&
		cfg.Log.Level != "info" &&
		cfg.Log.Level != "warn" &&
		cfg.Log.Level != "error" &&
		cfg.Log.Level != "panic" &&
		cfg.Log.Level != "fatal" {
		return fmt.Errorf(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		)
	}

	if cfg.Family.Name == "" {
		return errors.New("config 'family.name' must be set")
	}
	if len(cfg.Family.Internals) == 0 {
		return errors.New("config 'family.internals' must name at least one loop momentum")
	}
	if len(cfg.Family.Propagators) == 0 {
		return errors.New("config 'family.propagators' must not be empty")
	}
	if cfg.Kira.Dir == "" || cfg.Kira.File == "" {
		return errors.New("'kira.dir' and 'kira.file' configs must be set")
	}

	if cfg.EpsOrder < 0 {
		return fmt.Errorf("config 'epsOrder' (%d) cannot be negative", cfg.EpsOrder)
	}

	if cfg.Scheduler.Capacity < 1 {
		return fmt.Errorf("config 'scheduler.capacity' (%d) must be at least 1", cfg.Scheduler.Capacity)
	}
	if cfg.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("config 'scheduler.maxAttempts' (%d) must be at least 1", cfg.Scheduler.MaxAttempts)
	}
	if cfg.Scheduler.Runner != RunnerGoroutine && cfg.Scheduler.Runner != RunnerProcess {
		return fmt.Errorf("config 'scheduler.runner' must be one of ['%s', '%s']", RunnerGoroutine, RunnerProcess)
	}

	if !slices.Contains(cache.Backends, cfg.Cache.Backend) {
		return fmt.Errorf("config 'cache.backend' must be one of %v", cache.Backends)
	}
	if cfg.Cache.Backend != cache.BackendMemory && cfg.Cache.Dir == "" {
		return errors.New("config 'cache.dir' must be set")
	}
	if cfg.Scheduler.Runner == RunnerProcess && !cache.SharedBackend(cfg.Cache.Backend) {
		return fmt.Errorf("the '%s' runner needs a cache backend worker processes can share, '%s' is not", RunnerProcess, cfg.Cache.Backend)
	}

	if cfg.CheckEuclidean.Enabled && cfg.CheckEuclidean.Trials < 1 {
		return fmt.Errorf("config 'checkEuclidean.trials' (%d) must be at least 1", cfg.CheckEuclidean.Trials)
	}

	for i, spec := range cfg.Ansatze {
		if spec.Prefactor == "" {
			return fmt.Errorf("config 'ansatze[%d].prefactor' must be set", i)
		}
	}

	return nil
}

func DefaultConfig() *Config {
	return &Config{
		D0:       DefaultD0,
		EpsOrder: DefaultEpsOrder,
		Scheduler: SchedulerConfig{
			Capacity:    runtime.NumCPU(),
			Runner:      RunnerGoroutine,
			TaskTimeout: DefaultTaskTimeout,
			MaxAttempts: DefaultMaxAttempts,
		},
		Cache: CacheConfig{
			Backend:  cache.BackendFS,
			Dir:      "cache",
			MemoSize: DefaultMemoSize,
		},
		SDPA: SDPAConfig{
			WorkDir: DefaultSDPAWorkDir,
			Params:  sdp.DefaultParams(),
		},
		Dump: DumpConfig{
			Dir: DefaultDumpDir,
		},
		CheckEuclidean: EuclideanConfig{
			Enabled: true,
			Seed:    1,
			Trials:  symanzik.DefaultTrials,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
			},
			SampleRatio: 0.2,
		},
	}
}
