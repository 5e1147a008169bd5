package main

import (
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"sociallists/riverd/internal/server"
	"sociallists/riverd/internal/storage"
)

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Serve rivers over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "host to bind, empty for all interfaces (env: RIVERD_HOST)"},
			&cli.IntFlag{Name: "port", Usage: "port to listen on (env: RIVERD_PORT)"},
			&cli.StringFlag{Name: "api-key", Usage: "require this X-API-Key header (env: RIVERD_API_KEY)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("host") {
				cfg.ServerHost = c.String("host")
			}
			if c.IsSet("port") {
				cfg.ServerPort = c.Int("port")
			}
			if c.IsSet("api-key") {
				cfg.APIKey = c.String("api-key")
			}

			db, err := openDB(cfg, true)
			if err != nil {
				return err
			}
			defer db.Close()

			return server.RunServer(c.Context, storage.NewRepository(db), cfg.ListenAddr(), log.Logger, cfg.APIKey, cfg.RiverLimit)
		},
	}
}
