package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/feynbound/feynbound/internal/build"
)

// NewVersionCommand returns the command to get feynbound version
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the feynbound version",
		Long:  "Return the feynbound version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(_ *cobra.Command, _ []string) error {
	log.Printf("feynbound Version %s Date %s commit id %s ", build.Version, build.Date, build.Commit)
	return nil
}
