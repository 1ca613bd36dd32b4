package cmd

import (
	"github.com/Bixcoitoo/harvester-api/config"
	"github.com/spf13/cobra"
)

func Root(config *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "harvester-api",
		Short: "media download service",
	}
	rootCmd.AddCommand(server(config), migrate(config))
	return rootCmd
}
