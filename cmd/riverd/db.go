package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"sociallists/riverd/internal/database"
)

func dbCmd() *cli.Command {
	return &cli.Command{
		Name:  "db",
		Usage: "Database maintenance",
		Subcommands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "Apply pending migrations",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					db, err := openDB(cfg, false)
					if err != nil {
						return err
					}
					return db.Close()
				},
			},
			{
				Name:  "rollback",
				Usage: "Revert the most recent migrations",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "steps", Value: 1, Usage: "number of migrations to revert"},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					dbCfg := database.NewConfig(cfg.DBDriver, cfg.DBPath)
					dbCfg.SkipMigrations = true
					db, err := database.NewDB(dbCfg)
					if err != nil {
						return fmt.Errorf("failed to initialize database: %w", err)
					}
					defer db.Close()

					if err := db.Rollback(c.Int("steps")); err != nil {
						return err
					}
					log.Info().Int("steps", c.Int("steps")).Msg("Rolled back migrations")
					return nil
				},
			},
		},
	}
}
