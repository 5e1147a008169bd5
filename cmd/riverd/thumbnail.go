package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func thumbnailCmd() *cli.Command {
	return &cli.Command{
		Name:      "thumbnail",
		Usage:     "Find the thumbnail riverd would pick for a page or image URL",
		ArgsUsage: "URL",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "thumbnail.png", Usage: "output PNG file"},
			&cli.IntFlag{Name: "size", Usage: "edge length in pixels (env: RIVERD_THUMBNAIL_SIZE)"},
		},
		Action: func(c *cli.Context) error {
			pageURL := c.Args().First()
			if pageURL == "" {
				return errors.New("URL is required")
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("size") {
				cfg.ThumbnailSize = c.Int("size")
			}

			client := newClient(cfg)
			defer client.Close()
			finder, err := newFinder(cfg, client)
			if err != nil {
				return err
			}

			th, err := finder.URLImage(c.Context, pageURL)
			if err != nil {
				return err
			}
			if err := os.WriteFile(c.String("out"), th.Data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %dx%d thumbnail to %s\n", th.Width, th.Height, c.String("out"))
			return nil
		},
	}
}
