package main

import (
	"github.com/spf13/cobra"

	"astrtown.ai/internal/config"
)

func newRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "astrtown",
		Short: "AstrTown gateway bridge",
		Long: `astrtown keeps one bot connection to the AstrTown gateway, turns world
events into wake events for an external agent and serves the tool surface
that agent acts through.

Examples:
  astrtown run -c ./astrtown.yaml
  astrtown bind qq:12345 player_7
  astrtown check-config -c ./astrtown.yaml`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to the YAML config file")
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded before env overrides")

	root.AddCommand(
		newRunCmd(),
		newBindCmd(),
		newUnbindCmd(),
		newBindingsCmd(),
		newCheckConfigCmd(),
	)
	return root
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	return config.Load(path, envFile)
}
