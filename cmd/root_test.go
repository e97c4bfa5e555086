package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/feynbound/feynbound/cmd/util"
)

func TestConfigFlag(t *testing.T) {
	t.Cleanup(viper.Reset)
	util.PrepareTempConfigFile(t, "cache:\n    dir: /from/home\n")

	path := filepath.Join(t.TempDir(), "bubble.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n    dir: /from/flag\n"), 0o600))

	var got string
	rootCmd := NewRootCommand()
	rootCmd.AddCommand(&cobra.Command{
		Use: "show-config",
		RunE: func(_ *cobra.Command, _ []string) error {
			require.NoError(t, viper.ReadInConfig())
			got = viper.GetString("cache.dir")
			return nil
		},
	})
	rootCmd.SetArgs([]string{"show-config", "--config", path})
	require.NoError(t, rootCmd.Execute())
	require.Equal(t, "/from/flag", got)
}

func TestConfigFromHome(t *testing.T) {
	t.Cleanup(viper.Reset)
	util.PrepareTempConfigFile(t, "cache:\n    dir: /from/home\n")

	var got string
	rootCmd := NewRootCommand()
	rootCmd.AddCommand(&cobra.Command{
		Use: "show-config",
		RunE: func(_ *cobra.Command, _ []string) error {
			require.NoError(t, viper.ReadInConfig())
			got = viper.GetString("cache.dir")
			return nil
		},
	})
	rootCmd.SetArgs([]string{"show-config"})
	require.NoError(t, rootCmd.Execute())
	require.Equal(t, "/from/home", got)
}

func TestVersionCommand(t *testing.T) {
	rootCmd := NewRootCommand()
	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
}
