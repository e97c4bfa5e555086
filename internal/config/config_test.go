package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/feynbound/feynbound/internal/algebra"
	"github.com/feynbound/feynbound/internal/cache"
	"github.com/feynbound/feynbound/internal/keys"
)

func bubbleConfig(kiraDir string) *Config {
	cfg := DefaultConfig()
	cfg.Family = FamilyConfig{
		Name:               "bubble",
		Internals:          []string{"k"},
		Externals:          []string{"p"},
		Invariants:         []InvariantConfig{{Symbol: "s", Dimension: 2}},
		ScalarProductRules: []ScalarProductConfig{{A: "p", B: "p", Value: "s"}},
		Propagators:        []PropagatorConfig{{Momentum: "k"}, {Momentum: "k+p", Mass: "0"}},
	}
	cfg.Kira = KiraConfig{Dir: kiraDir, File: "kira_bubble.m"}
	cfg.T = 2
	cfg.Cache.Dir = filepath.Join(kiraDir, "cache")
	return cfg
}

func writeKira(t *testing.T, dir string) {
	t.Helper()
	results := filepath.Join(dir, "results", "bubble")
	require.NoError(t, os.MkdirAll(results, 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sectormappings"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(results, "masters.final"), []byte("bubble[1,1]  (* sector 3 *)\nbubble[1,0]\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(results, "kira_bubble.m"), []byte("{\n}\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sectormappings", "variables"), []byte("d\ns\nmsq\n"), 0o600))
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{name: "defaults_with_family", mutate: func(*Config) {}},
		{name: "bad_log_format", mutate: func(cfg *Config) { cfg.Log.Format = "xml" }, wantErr: "log.format"},
		{name: "bad_log_level", mutate: func(cfg *Config) { cfg.Log.Level = "loud" }, wantErr: "log.level"},
		{name: "no_family_name", mutate: func(cfg *Config) { cfg.Family.Name = "" }, wantErr: "family.name"},
		{name: "no_internals", mutate: func(cfg *Config) { cfg.Family.Internals = nil }, wantErr: "family.internals"},
		{name: "no_kira_file", mutate: func(cfg *Config) { cfg.Kira.File = "" }, wantErr: "kira.file"},
		{name: "negative_eps_order", mutate: func(cfg *Config) { cfg.EpsOrder = -1 }, wantErr: "epsOrder"},
		{name: "zero_capacity", mutate: func(cfg *Config) { cfg.Scheduler.Capacity = 0 }, wantErr: "scheduler.capacity"},
		{name: "zero_attempts", mutate: func(cfg *Config) { cfg.Scheduler.MaxAttempts = 0 }, wantErr: "scheduler.maxAttempts"},
		{name: "unknown_runner", mutate: func(cfg *Config) { cfg.Scheduler.Runner = "thread" }, wantErr: "scheduler.runner"},
		{name: "unknown_backend", mutate: func(cfg *Config) { cfg.Cache.Backend = "redis" }, wantErr: "cache.backend"},
		{
			name: "process_runner_with_badger",
			mutate: func(cfg *Config) {
				cfg.Scheduler.Runner = RunnerProcess
				cfg.Cache.Backend = cache.BackendBadger
			},
			wantErr: "worker processes can share",
		},
		{
			name: "process_runner_with_sqlite",
			mutate: func(cfg *Config) {
				cfg.Scheduler.Runner = RunnerProcess
				cfg.Cache.Backend = cache.BackendSQLite
			},
		},
		{
			name: "memory_backend_needs_no_dir",
			mutate: func(cfg *Config) {
				cfg.Cache.Backend = cache.BackendMemory
				cfg.Cache.Dir = ""
			},
		},
		{name: "zero_trials", mutate: func(cfg *Config) { cfg.CheckEuclidean.Trials = 0 }, wantErr: "checkEuclidean.trials"},
		{
			name: "trials_ignored_when_disabled",
			mutate: func(cfg *Config) {
				cfg.CheckEuclidean.Enabled = false
				cfg.CheckEuclidean.Trials = 0
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := bubbleConfig(t.TempDir())
			test.mutate(cfg)
			err := cfg.Verify()
			if test.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, test.wantErr)
		})
	}
}

func requireExprEqual(t *testing.T, want string, got algebra.Expr) {
	t.Helper()
	w, err := algebra.Parse(want)
	require.NoError(t, err)
	require.True(t, w.Equal(got), "want %s, got %s", w, got)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeKira(t, dir)

	cfg := bubbleConfig(dir)
	cfg.MasterValues = []MasterValueConfig{{Index: []int{1, 0}, Value: "msq/(d-2)"}}
	cfg.KinematicsNumerics = []NumericConfig{{Symbol: "s", Value: "-3/2"}}

	setup, err := Load(cfg)
	require.NoError(t, err)

	require.Equal(t, filepath.Join(dir, "results", "bubble", "kira_bubble.m"), setup.RelationsPath)
	require.Equal(t, []keys.Index{{1, 1}, {1, 0}}, setup.Family.Masters)
	require.Equal(t, []keys.Index{{1, 1}}, setup.Family.EffectiveMasters())
	require.Equal(t, 1, setup.Family.Loops)
	require.Equal(t, 2, setup.Family.T)
	require.Equal(t, DefaultD0, setup.Family.D0)
	require.False(t, setup.Family.Sector.Designated)

	require.Len(t, setup.Propagators, 2)
	requireExprEqual(t, "k^2", setup.Propagators[0])
	requireExprEqual(t, "k^2 + 2*k*p + s", setup.Propagators[1])

	require.Len(t, setup.Family.MasterValues, 1)
	require.Equal(t, "I[1,0]", setup.Family.MasterValues[0].Var)
	requireExprEqual(t, "msq/(d-2)", setup.Family.MasterValues[0].Value)

	require.Len(t, setup.Family.Kinematics, 1)
	requireExprEqual(t, "-3/2", setup.Family.Kinematics[0].Value)
	for _, name := range []string{"d", "k", "p", "s", "msq"} {
		require.True(t, setup.Family.Symbols.Has(name), name)
	}

	t.Run("fingerprint_tracks_kinematics", func(t *testing.T) {
		before, err := setup.Fingerprint()
		require.NoError(t, err)

		cfg.KinematicsNumerics[0].Value = "-2"
		other, err := Load(cfg)
		require.NoError(t, err)
		after, err := other.Fingerprint()
		require.NoError(t, err)
		require.NotEqual(t, before, after)
	})

	t.Run("top_level_sector", func(t *testing.T) {
		mask := uint64(0b01)
		cfg := bubbleConfig(dir)
		cfg.Family.TopLevelSector = &mask
		setup, err := Load(cfg)
		require.NoError(t, err)
		require.True(t, setup.Family.Sector.Includes(0))
		require.False(t, setup.Family.Sector.Includes(1))
	})

	t.Run("unknown_symbol_in_propagator", func(t *testing.T) {
		cfg := bubbleConfig(dir)
		cfg.Family.Propagators[1].Momentum = "k+q"
		_, err := Load(cfg)
		require.ErrorIs(t, err, algebra.ErrUnknownSymbol)
	})

	t.Run("symbolic_numeric", func(t *testing.T) {
		cfg := bubbleConfig(dir)
		cfg.KinematicsNumerics = []NumericConfig{{Symbol: "s", Value: "msq"}}
		_, err := Load(cfg)
		require.ErrorContains(t, err, "is not a number")
	})

	t.Run("missing_kira_dir", func(t *testing.T) {
		_, err := Load(bubbleConfig(filepath.Join(dir, "nowhere")))
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestReadMasters(t *testing.T) {
	in := "(* masters *)\nbox[1,1,1,1]\nbox[1,0,1,0]  other[1,1]\n"
	masters, err := ReadMasters(strings.NewReader(in), "box")
	require.NoError(t, err)
	require.Equal(t, []keys.Index{{1, 1, 1, 1}, {1, 0, 1, 0}}, masters)

	_, err = ReadMasters(strings.NewReader("box"), "box")
	require.ErrorIs(t, err, keys.ErrMalformedKey)
}
