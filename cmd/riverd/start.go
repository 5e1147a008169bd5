package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"sociallists/riverd/internal/config"
	"sociallists/riverd/internal/process"
	"sociallists/riverd/internal/storage"
)

func startCmd() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Update all feeds, once or periodically",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "interval", Usage: "time between runs, 0 for one-shot mode (env: RIVERD_INTERVAL)"},
			&cli.IntFlag{Name: "retention", Usage: "days of river updates to keep, 0 keeps everything (env: RIVERD_RETENTION_DAYS)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("interval") {
				cfg.Interval = c.Duration("interval")
			}
			if c.IsSet("retention") {
				cfg.RetentionDays = c.Int("retention")
			}
			return runStart(c.Context, cfg)
		},
	}
}

// runStart executes update cycles either once or periodically based on configuration.
func runStart(ctx context.Context, cfg *config.Config) error {
	if cfg.Interval <= 0 {
		log.Info().Msg("Running in one-shot mode")
	} else {
		log.Info().Dur("interval", cfg.Interval).Msg("Running in periodic mode")
	}

	db, err := openDB(cfg, false)
	if err != nil {
		return err
	}
	defer db.Close()
	repo := storage.NewRepository(db)

	client := newClient(cfg)
	defer client.Close()
	updater, err := newUpdater(cfg, repo, client)
	if err != nil {
		return err
	}
	batch := process.NewBatch(updater, cfg.WorkerCount)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runCycle(ctx, repo, batch, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info().Msg("Update cycle canceled by shutdown signal")
			return nil
		}
		return err
	}

	if cfg.Interval <= 0 {
		log.Info().Msg("One-shot update completed, exiting")
		return nil
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	log.Info().Time("next_run", time.Now().Add(cfg.Interval)).Msg("Waiting for next update cycle")

	for {
		select {
		case <-ticker.C:
			log.Info().Msg("Starting scheduled update cycle")
			if err := runCycle(ctx, repo, batch, cfg); err != nil {
				if errors.Is(err, context.Canceled) {
					log.Info().Msg("Update cycle canceled by shutdown signal")
					return nil
				}
				// keep going, the next cycle may succeed
				log.Error().Err(err).Msg("Update cycle failed")
			}
			log.Info().Time("next_run", time.Now().Add(cfg.Interval)).Msg("Waiting for next update cycle")

		case <-ctx.Done():
			log.Info().Msg("Shutting down periodic updates")
			return nil
		}
	}
}

// runCycle updates every feed, then purges expired river updates.
func runCycle(ctx context.Context, repo storage.Repository, batch *process.Batch, cfg *config.Config) error {
	cycleCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	out, err := batch.RunAll(cycleCtx, repo)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	printSummary(out.Summary)

	purgeCtx, purgeCancel := context.WithTimeout(ctx, 5*time.Minute)
	defer purgeCancel()

	purged, err := process.PurgeOldUpdates(purgeCtx, repo, cfg.RetentionDays)
	if err != nil {
		log.Error().Err(err).Msg("Failed to purge old river updates")
	} else if purged > 0 {
		log.Info().Int64("purged_count", purged).Msg("Purged old river updates")
	}
	return nil
}
