package cmd

import (
	"github.com/Bixcoitoo/harvester-api/config"
	server2 "github.com/Bixcoitoo/harvester-api/server"
	"github.com/spf13/cobra"
)

func server(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "start http server and download workers",
		Run: func(cmd *cobra.Command, args []string) {
			server2.RunHttp(config)
		},
	}
}
