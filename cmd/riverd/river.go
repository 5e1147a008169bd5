package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"sociallists/riverd/internal/storage"
)

func riverCmd() *cli.Command {
	userFlag := func() cli.Flag {
		return &cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "owner of the river", Required: true}
	}
	return &cli.Command{
		Name:  "river",
		Usage: "Manage subscription lists",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Create a river, optionally subscribing it to feeds",
				ArgsUsage: "NAME [FEED_URL...]",
				Flags: []cli.Flag{
					userFlag(),
					&cli.StringFlag{Name: "mode", Usage: "river mode reported in the document metadata"},
				},
				Action: func(c *cli.Context) error {
					name := c.Args().First()
					if name == "" {
						return errors.New("river name is required")
					}
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					db, err := openDB(cfg, false)
					if err != nil {
						return err
					}
					defer db.Close()
					repo := storage.NewRepository(db)

					rv, err := repo.CreateRiver(c.Context, c.String("user"), name, c.String("mode"))
					if err != nil {
						return err
					}
					for _, url := range c.Args().Tail() {
						feed, err := repo.AddFeed(c.Context, url)
						if err != nil {
							return err
						}
						if err := repo.AddFeedToRiver(c.Context, rv.ID, feed.ID); err != nil {
							return err
						}
					}
					fmt.Printf("River %s/%s (id %d)\n", rv.UserID, rv.Name, rv.ID)
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "List a user's rivers",
				Flags: []cli.Flag{userFlag()},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					db, err := openDB(cfg, true)
					if err != nil {
						return err
					}
					defer db.Close()

					rivers, err := storage.NewRepository(db).LoadRivers(c.Context, c.String("user"))
					if err != nil {
						return err
					}
					for _, rv := range rivers {
						fmt.Printf("%-24s created %s\n", rv.Name, humanize.Time(rv.CreatedAt))
					}
					return nil
				},
			},
			{
				Name:      "show",
				Usage:     "Show the feeds of a river",
				ArgsUsage: "NAME",
				Flags:     []cli.Flag{userFlag()},
				Action: func(c *cli.Context) error {
					name := c.Args().First()
					if name == "" {
						return errors.New("river name is required")
					}
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					db, err := openDB(cfg, true)
					if err != nil {
						return err
					}
					defer db.Close()
					repo := storage.NewRepository(db)

					rv, err := repo.LoadRiver(c.Context, c.String("user"), name)
					if err != nil {
						return err
					}
					feeds, err := repo.LoadFeeds(c.Context, storage.FeedFilter{RiverID: rv.ID})
					if err != nil {
						return err
					}
					fmt.Printf("River %s/%s mode=%q\n", rv.UserID, rv.Name, rv.Mode.String)
					printFeeds(feeds)
					return nil
				},
			},
		},
	}
}
