package process

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sociallists/riverd/internal/metrics"
	"sociallists/riverd/internal/models"
	"sociallists/riverd/internal/storage"
)

const defaultProgressInterval = time.Minute

// ProgressObserver is told about every finished feed.
type ProgressObserver interface {
	Progress(done, total int, res Result)
}

// ProgressFunc adapts a function to ProgressObserver.
type ProgressFunc func(done, total int, res Result)

func (f ProgressFunc) Progress(done, total int, res Result) { f(done, total, res) }

// Summary totals a batch run.
type Summary struct {
	BatchID    string
	Total      int
	Processed  int
	Updated    int // feeds with new entries
	Unchanged  int
	NewEntries int
	Errors     int
	Dead       int
	Renamed    int
	Elapsed    time.Duration
}

// Throughput is processed feeds per second.
func (s Summary) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Processed) / s.Elapsed.Seconds()
}

func (s *Summary) add(r Result) {
	s.Processed++
	s.NewEntries += r.NewEntries
	switch r.State {
	case StateUpdated:
		s.Updated++
	case StateUnchanged:
		s.Unchanged++
	case StateFailed:
		s.Errors++
	case StateDead:
		s.Dead++
	case StateRenamed:
		s.Renamed++
	}
}

// BatchResult is the per-feed results, in completion order, and their summary.
type BatchResult struct {
	Results []Result
	Summary Summary
}

// Batch updates many feeds with a bounded worker pool. One feed failing
// never affects the others.
type Batch struct {
	updater          *Updater
	WorkerCount      int
	Sync             bool
	Observer         ProgressObserver
	ProgressInterval time.Duration
}

// NewBatch creates a batch scheduler; workerCount <= 0 means runtime.NumCPU().
func NewBatch(updater *Updater, workerCount int) *Batch {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	return &Batch{
		updater:          updater,
		WorkerCount:      workerCount,
		ProgressInterval: defaultProgressInterval,
	}
}

// RunAll updates every stored feed.
func (b *Batch) RunAll(ctx context.Context, repo storage.Repository) (*BatchResult, error) {
	feeds, err := repo.LoadAllFeeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load feeds: %w", err)
	}
	log.Info().Int("loaded_feeds", len(feeds)).Msg("Loaded feeds to process.")
	return b.Run(ctx, feeds), nil
}

// Run updates feeds and always returns a summary. Cancelling ctx stops
// queueing; feeds already started finish.
func (b *Batch) Run(ctx context.Context, feeds []models.Feed) *BatchResult {
	batchID := uuid.NewString()
	logger := log.With().Str("batch_id", batchID).Logger()
	start := time.Now()

	out := &BatchResult{
		Results: make([]Result, 0, len(feeds)),
		Summary: Summary{BatchID: batchID, Total: len(feeds)},
	}
	var done atomic.Int64
	record := func(r Result) {
		out.Results = append(out.Results, r)
		out.Summary.add(r)
		n := done.Add(1)
		if b.Observer != nil {
			b.Observer.Progress(int(n), len(feeds), r)
		}
	}

	workers := min(b.WorkerCount, len(feeds))
	if b.Sync || workers <= 1 {
		logger.Info().Int("feeds", len(feeds)).Msg("Starting synchronous update")
		for _, feed := range feeds {
			if ctx.Err() != nil {
				logger.Info().Err(ctx.Err()).Msg("Context cancelled, stopping update")
				break
			}
			record(b.updater.Update(ctx, feed))
		}
	} else {
		logger.Info().Int("feeds", len(feeds)).Int("worker_count", workers).Msg("Starting concurrent update")
		b.runPool(ctx, feeds, workers, record, &done, logger)
	}

	out.Summary.Elapsed = time.Since(start)
	s := out.Summary
	logger.Info().
		Int("processed", s.Processed).
		Int("total", s.Total).
		Int("updated", s.Updated).
		Int("new_entries", s.NewEntries).
		Int("errors", s.Errors).
		Int("dead", s.Dead).
		Int("renamed", s.Renamed).
		Dur("elapsed", s.Elapsed).
		Float64("feeds_per_second", s.Throughput()).
		Msg("Batch finished")
	metrics.LogThumbnailStats(logger)
	return out
}

func (b *Batch) runPool(ctx context.Context, feeds []models.Feed, workers int, record func(Result), done *atomic.Int64, logger zerolog.Logger) {
	feedQueue := make(chan models.Feed, workers*2)
	results := make(chan Result, workers)

	var workerWg sync.WaitGroup
	var activeWorkers atomic.Int32
	for i := 0; i < workers; i++ {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			activeWorkers.Add(1)
			defer activeWorkers.Add(-1)
			for feed := range feedQueue {
				results <- b.updater.Update(ctx, feed)
			}
		}()
	}

	go func() {
		defer close(feedQueue)
		for _, feed := range feeds {
			select {
			case feedQueue <- feed:
			case <-ctx.Done():
				logger.Info().Err(ctx.Err()).Msg("Context cancelled during feed queuing")
				return
			}
		}
	}()

	go func() {
		workerWg.Wait()
		close(results)
	}()

	stopProgress := make(chan struct{})
	defer close(stopProgress)
	if b.ProgressInterval > 0 {
		go func() {
			ticker := time.NewTicker(b.ProgressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					logger.Info().
						Int64("processed", done.Load()).
						Int("total", len(feeds)).
						Int32("active_workers", activeWorkers.Load()).
						Int("feed_queue_size", len(feedQueue)).
						Msg("Processing progress")
				case <-stopProgress:
					return
				}
			}
		}()
	}

	for r := range results {
		record(r)
	}
}

// PurgeOldUpdates removes river updates older than retentionDays. Zero or
// less keeps everything.
func PurgeOldUpdates(ctx context.Context, repo storage.Repository, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	log.Info().
		Time("cutoff", cutoff).
		Int("retention_days", retentionDays).
		Msg("Purging old river updates")

	n, err := repo.PurgeRiverUpdates(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	log.Info().Int64("rows_affected", n).Msg("Purged old river updates.")
	return n, nil
}
