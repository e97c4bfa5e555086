package main

import (
	"os"

	"github.com/feynbound/feynbound/cmd"
	"github.com/feynbound/feynbound/cmd/cache"
	"github.com/feynbound/feynbound/cmd/dimshift"
	"github.com/feynbound/feynbound/cmd/run"
	"github.com/feynbound/feynbound/cmd/worker"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	runCmd := run.NewRunCommand()
	rootCmd.AddCommand(runCmd)

	rootCmd.AddCommand(worker.NewWorkerCommand())
	rootCmd.AddCommand(cache.NewCacheCommand())
	rootCmd.AddCommand(dimshift.NewDimshiftCommand())
	rootCmd.AddCommand(cmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
