package cmd

import (
	"github.com/Bixcoitoo/harvester-api/config"
	"github.com/Bixcoitoo/harvester-api/constant"
	"github.com/Bixcoitoo/harvester-api/repository"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func migrate(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "create or update the jobs table",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := repository.NewPostgresRepo(config.DB, config.App.Environment == constant.EnvironmentDevelop.String())
			if err != nil {
				return err
			}
			if err := repo.Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info().Msg("jobs table migrated")
			return nil
		},
	}
}
