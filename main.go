package main

import (
	"github.com/Bixcoitoo/harvester-api/cmd"
	"github.com/Bixcoitoo/harvester-api/config"
	"github.com/rs/zerolog/log"
	"os"
)

func main() {
	path, err := os.Getwd()
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	root := cmd.Root(cfg)
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Send()
	}
}
