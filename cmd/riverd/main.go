package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func rootApp() *cli.App {
	return &cli.App{
		Name:  "riverd",
		Usage: "Poll RSS and Atom feeds into river.js documents",
		Description: `riverd keeps a set of subscribed feeds up to date. Every poll
		stores the entries it has not seen before as a river update, with
		sanitized text and a square thumbnail, and serves the merged
		rivers over a small read-only HTTP API.

		Settings come from defaults, then --config (TOML), then RIVERD_*
		environment variables (a .env file is loaded first), then flags.`,
		Flags: globalFlags(),
		Commands: []*cli.Command{
			feedCmd(),
			riverCmd(),
			importCmd(),
			startCmd(),
			serverCmd(),
			thumbnailCmd(),
			dbCmd(),
		},
	}
}

func main() {
	if err := rootApp().Run(os.Args); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
