package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	importfeeds "sociallists/riverd/internal/import"
	"sociallists/riverd/internal/storage"
)

func importCmd() *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Import subscriptions from a CSV file or URL (columns url,user,river)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "csv", Usage: "CSV path or http(s) URL (env: RIVERD_CSV_PATH)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("csv") {
				cfg.FeedsCSVPath = c.String("csv")
			}

			db, err := openDB(cfg, false)
			if err != nil {
				return err
			}
			defer db.Close()

			client := newClient(cfg)
			defer client.Close()

			report, err := importfeeds.NewImporter(storage.NewRepository(db), client).ImportFeeds(c.Context, cfg.FeedsCSVPath)
			if err != nil {
				return err
			}

			fmt.Printf("Imported %s of %s rows\n", humanize.Comma(int64(report.Imported)), humanize.Comma(int64(report.Rows)))
			if len(report.Errors) > 0 {
				fmt.Printf("Encountered %d errors:\n", len(report.Errors))
				for _, e := range report.Errors {
					fmt.Printf("  - %s\n", e)
				}
			}
			return nil
		},
	}
}
