// Package cache contains the commands that inspect and prune the cache of
// intermediate results.
package cache

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/feynbound/feynbound/cmd/run"
	"github.com/feynbound/feynbound/cmd/util"
	"github.com/feynbound/feynbound/internal/cache"
	"github.com/feynbound/feynbound/internal/config"
)

const beforeFlag = "before"

func NewCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the cache of intermediate results",
	}

	defaultConfig := config.DefaultConfig()
	flags := cmd.PersistentFlags()
	flags.String("cache-backend", defaultConfig.Cache.Backend, fmt.Sprintf("the cache backend. Allowed values: %v", cache.Backends))
	flags.String("cache-dir", defaultConfig.Cache.Dir, "the directory holding the cache")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print the number and size of the entries of every stage",
		RunE:  runStats,
		Args:  cobra.NoArgs,
	}
	stats.PreRun = bindCacheFlagsFunc(flags)

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete generate stage entries of runs older than --before",
		Long: `Delete generate stage entries of runs older than --before.

Read and expand entries only depend on the reduction and the kinematics and are never pruned.`,
		RunE: runPrune,
		Args: cobra.NoArgs,
	}
	prune.Flags().String(beforeFlag, "", "an RFC3339 time; entries of runs started before it are deleted (default now)")
	prune.PreRun = bindCacheFlagsFunc(flags)

	cmd.AddCommand(stats, prune)
	return cmd
}

func bindCacheFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, args []string) {
		util.MustBindPFlag("cache.backend", flags.Lookup("cache-backend"))
		util.MustBindEnv("cache.backend", "FEYNBOUND_CACHE_BACKEND")

		util.MustBindPFlag("cache.dir", flags.Lookup("cache-dir"))
		util.MustBindEnv("cache.dir", "FEYNBOUND_CACHE_DIR")

		if before := command.Flags().Lookup(beforeFlag); before != nil {
			util.MustBindPFlag(beforeFlag, before)
		}
	}
}

func open(cmd *cobra.Command) (cache.Store, error) {
	cfg, err := run.ReadConfig()
	if err != nil {
		return nil, err
	}
	return cache.Open(cmd.Context(), cache.Options{
		Backend:  cfg.Cache.Backend,
		Dir:      cfg.Cache.Dir,
		MemoSize: -1,
	})
}

func runStats(cmd *cobra.Command, _ []string) error {
	store, err := open(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := cache.Stats(cmd.Context(), store)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, s := range stats {
		if _, err := fmt.Fprintf(out, "%-10s %8d entries %12d bytes\n", s.Stage, s.Entries, s.Bytes); err != nil {
			return err
		}
	}
	return nil
}

func runPrune(cmd *cobra.Command, _ []string) error {
	before := time.Now()
	if value := viper.GetString(beforeFlag); value != "" {
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return fmt.Errorf("invalid --%s: %w", beforeFlag, err)
		}
		before = t
	}

	store, err := open(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	deleted, err := cache.Prune(cmd.Context(), store, before.UnixNano())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d generate entries older than %s\n", deleted, before.Format(time.RFC3339))
	return err
}
