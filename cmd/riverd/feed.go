package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cqroot/prompt"
	"github.com/dustin/go-humanize"
	"github.com/reddot-watch/feedfetcher"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"sociallists/riverd/internal/config"
	"sociallists/riverd/internal/models"
	"sociallists/riverd/internal/process"
	"sociallists/riverd/internal/storage"
)

func feedCmd() *cli.Command {
	return &cli.Command{
		Name:  "feed",
		Usage: "Manage and poll feeds",
		Subcommands: []*cli.Command{
			feedUpdateCmd(),
			feedResetCmd(),
			feedAddCmd(),
			feedListCmd(),
		},
	}
}

func selectionFlags(extra ...cli.Flag) []cli.Flag {
	return append(extra,
		&cli.BoolFlag{Name: "all", Usage: "every stored feed"},
		&cli.StringSliceFlag{Name: "url", Usage: "feed URL, repeatable"},
	)
}

// selectFeeds resolves --all or --url into stored feeds.
func selectFeeds(c *cli.Context, repo storage.Repository) ([]models.Feed, error) {
	urls := c.StringSlice("url")
	switch {
	case c.Bool("all") && len(urls) > 0:
		return nil, errors.New("use either --all or --url, not both")
	case c.Bool("all"):
		return repo.LoadAllFeeds(c.Context)
	case len(urls) == 0:
		return nil, errors.New("one of --all or --url is required")
	}

	feeds := make([]models.Feed, 0, len(urls))
	for _, u := range urls {
		f, err := repo.LoadFeed(c.Context, u)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, nil
}

func feedUpdateCmd() *cli.Command {
	return &cli.Command{
		Name:  "update",
		Usage: "Poll feeds once and store their new entries",
		Flags: selectionFlags(
			&cli.BoolFlag{Name: "sync", Usage: "update one feed at a time"},
		),
		Action: func(c *cli.Context) error {
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

			feeds, err := selectFeeds(c, repo)
			if err != nil {
				return err
			}

			client := newClient(cfg)
			defer client.Close()
			updater, err := newUpdater(cfg, repo, client)
			if err != nil {
				return err
			}

			batch := process.NewBatch(updater, cfg.WorkerCount)
			batch.Sync = c.Bool("sync")
			out := batch.Run(c.Context, feeds)

			for _, r := range out.Results {
				if r.Err != nil {
					fmt.Printf("FAILED  %s: %v\n", r.URL, r.Err)
				}
			}
			printSummary(out.Summary)
			return nil
		},
	}
}

func printSummary(s process.Summary) {
	fmt.Printf("Updated %s of %s feeds in %s: %s new entries, %d unchanged, %d errors, %d dead, %d renamed (%.1f feeds/s)\n",
		humanize.Comma(int64(s.Updated)),
		humanize.Comma(int64(s.Processed)),
		s.Elapsed.Round(time.Millisecond),
		humanize.Comma(int64(s.NewEntries)),
		s.Unchanged, s.Errors, s.Dead, s.Renamed,
		s.Throughput())
}

func feedResetCmd() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "Forget history, validators and stored updates of feeds",
		Flags: selectionFlags(
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"},
		),
		Action: func(c *cli.Context) error {
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

			feeds, err := selectFeeds(c, repo)
			if err != nil {
				return err
			}
			if len(feeds) == 0 {
				fmt.Println("No feeds to reset")
				return nil
			}

			if !c.Bool("yes") {
				answer, err := prompt.New().
					Ask(fmt.Sprintf("Reset %s feeds? Their river updates will be deleted.", humanize.Comma(int64(len(feeds))))).
					Choose([]string{"No", "Yes"})
				if err != nil {
					return err
				}
				if answer != "Yes" {
					log.Info().Msg("Operation canceled by user")
					return nil
				}
			}

			for _, f := range feeds {
				if err := repo.ResetFeed(c.Context, f.ID); err != nil {
					return fmt.Errorf("reset %s: %w", f.URL, err)
				}
				log.Info().Int64("feed_id", f.ID).Str("url", f.URL).Msg("Feed reset")
			}
			fmt.Printf("Reset %s feeds\n", humanize.Comma(int64(len(feeds))))
			return nil
		},
	}
}

func feedAddCmd() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Subscribe to a feed",
		ArgsUsage: "URL",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verify", Usage: "fetch the feed first and refuse it when it does not parse"},
			&cli.StringFlag{Name: "user", Usage: "also add the feed to this user's river"},
			&cli.StringFlag{Name: "river", Value: "main", Usage: "river name used with --user"},
		},
		Action: func(c *cli.Context) error {
			url := c.Args().First()
			if url == "" {
				return errors.New("feed URL is required")
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			if c.Bool("verify") {
				if err := verifyFeed(c.Context, cfg, url); err != nil {
					return err
				}
			}

			db, err := openDB(cfg, false)
			if err != nil {
				return err
			}
			defer db.Close()
			repo := storage.NewRepository(db)

			feed, err := repo.AddFeed(c.Context, url)
			if err != nil {
				return err
			}
			fmt.Printf("Feed %d: %s\n", feed.ID, feed.URL)

			if user := c.String("user"); user != "" {
				rv, err := repo.CreateRiver(c.Context, user, c.String("river"), "")
				if err != nil {
					return err
				}
				if err := repo.AddFeedToRiver(c.Context, rv.ID, feed.ID); err != nil {
					return err
				}
				fmt.Printf("Added to river %s/%s\n", rv.UserID, rv.Name)
			}
			return nil
		},
	}
}

// verifyFeed makes sure url serves a parseable feed before subscribing.
func verifyFeed(ctx context.Context, cfg *config.Config, url string) error {
	fetcher := feedfetcher.NewFeedFetcher(feedfetcher.Config{
		UserAgent:            cfg.UserAgent,
		RequestTimeout:       cfg.RequestTimeout,
		MaxItems:             100,
		MaxHeadingLength:     200,
		MaxAge:               365 * 24 * time.Hour,
		FutureDriftTolerance: 12 * time.Hour,
	})

	items, err := fetcher.FetchAndProcess(ctx, url)
	if err != nil {
		return fmt.Errorf("feed %s did not verify: %w", url, err)
	}
	log.Info().Str("url", url).Int("items", len(items)).Msg("Feed verified")
	for i, item := range items {
		if i == 3 {
			break
		}
		fmt.Printf("  %s\n    %s\n", item.Headline, item.URL)
	}
	return nil
}

func feedListCmd() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List stored feeds",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "active", Usage: "hide feeds that answered 410 Gone"},
		},
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

			feeds, err := storage.NewRepository(db).LoadFeeds(c.Context, storage.FeedFilter{ActiveOnly: c.Bool("active")})
			if err != nil {
				return err
			}
			printFeeds(feeds)
			return nil
		},
	}
}

func printFeeds(feeds []models.Feed) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tITEMS\tRETRIEVED\tTITLE\tURL")
	for _, f := range feeds {
		retrieved := "never"
		if f.LastRetrievedAt.Valid {
			retrieved = humanize.Time(f.LastRetrievedAt.Time)
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
			f.ID, f.LastStatus, humanize.Comma(f.NextItemID), retrieved, f.Title.String, f.URL)
	}
	w.Flush()
	fmt.Printf("%s feeds\n", humanize.Comma(int64(len(feeds))))
}
