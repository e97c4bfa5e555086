// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with FEYNBOUND, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("FEYNBOUND")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/feynbound", "$HOME/.feynbound", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	cmd := &cobra.Command{
		Use:   "feynbound",
		Short: "Bounds on Feynman integrals from positivity constraints",
		Long: `Bounds on Feynman integrals from positivity constraints.

feynbound reads the integration-by-parts reductions produced by Kira, expands them in the
dimensional regulator and solves a semidefinite program whose positivity constraints bound
the master integrals. Every intermediate result is cached, so an interrupted run resumes
where it stopped.`,
	}
	cmd.PersistentFlags().String("config", "", "path of the config file (default is config.yaml in /etc/feynbound, $HOME/.feynbound or .)")
	cmd.PersistentPreRun = func(command *cobra.Command, _ []string) {
		if path, _ := command.Flags().GetString("config"); path != "" {
			viper.SetConfigFile(path)
		}
	}
	return cmd
}
