// Package worker contains the hidden command worker processes run: it
// reads one unit of work from stdin and writes its result to the cache.
package worker

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/feynbound/feynbound/cmd/run"
	"github.com/feynbound/feynbound/cmd/util"
	"github.com/feynbound/feynbound/internal/cache"
	"github.com/feynbound/feynbound/internal/reduction"
	"github.com/feynbound/feynbound/internal/scheduler"
	"github.com/feynbound/feynbound/internal/sdp"
)

const (
	cacheBackendFlag = "cache-backend"
	cacheDirFlag     = "cache-dir"
)

func NewWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:    run.WorkerCommand,
		Short:  "Run one unit of work read from stdin",
		Hidden: true,
		RunE:   runWorker,
		Args:   cobra.NoArgs,
	}

	flags := cmd.Flags()
	flags.String(cacheBackendFlag, cache.BackendFS, "the cache backend shared with the orchestrator")
	flags.String(cacheDirFlag, "", "the cache directory shared with the orchestrator")

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, args []string) {
		util.MustBindPFlag(cacheBackendFlag, flags.Lookup(cacheBackendFlag))
		util.MustBindPFlag(cacheDirFlag, flags.Lookup(cacheDirFlag))
	}
}

// NewRegistry knows every job kind the orchestrator submits.
func NewRegistry(store cache.Store) *scheduler.Registry {
	reg := scheduler.NewRegistry()
	reduction.RegisterJobs(reg, store)
	sdp.RegisterJobs(reg, store)
	return reg
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	backend := viper.GetString(cacheBackendFlag)
	if !cache.SharedBackend(backend) {
		return fmt.Errorf("cache backend %q cannot be shared with worker processes", backend)
	}

	store, err := cache.Open(ctx, cache.Options{
		Backend:  backend,
		Dir:      viper.GetString(cacheDirFlag),
		MemoSize: -1,
	})
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer store.Close()

	return scheduler.Serve(ctx, cmd.InOrStdin(), NewRegistry(store))
}
