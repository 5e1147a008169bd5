// Package importfeeds loads subscriptions from CSV.
package importfeeds

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"sociallists/riverd/internal/fetch"
	"sociallists/riverd/internal/storage"
)

// DefaultRiver names the river used when a row has a user but no river.
const DefaultRiver = "main"

// Fetcher downloads remote CSV files.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, header http.Header) (*fetch.Response, error)
}

// Report summarizes an import.
type Report struct {
	Rows     int
	Imported int
	Errors   []string
}

// Importer handles the feed import process
type Importer struct {
	repo   storage.Repository
	client Fetcher
}

// NewImporter creates a new feed importer. client is only needed for
// http(s) sources.
func NewImporter(repo storage.Repository, client Fetcher) *Importer {
	return &Importer{repo: repo, client: client}
}

// ImportFeeds imports subscriptions from a CSV file path or http(s) URL.
// The header must contain "url"; "user" and "river" are optional and put
// the feed into that user's river.
func (i *Importer) ImportFeeds(ctx context.Context, source string) (*Report, error) {
	log.Info().Str("csv", source).Msg("Starting feed import")

	csvData, err := i.getCSVData(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to get CSV data: %w", err)
	}
	if c, ok := csvData.(io.Closer); ok {
		defer c.Close()
	}

	report, err := i.parseAndImportFeeds(ctx, csvData)
	if err != nil {
		return nil, fmt.Errorf("failed to import feeds: %w", err)
	}

	log.Info().
		Int("rows", report.Rows).
		Int("imported", report.Imported).
		Int("errors", len(report.Errors)).
		Msg("Import summary")
	return report, nil
}

func (i *Importer) getCSVData(ctx context.Context, source string) (io.Reader, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		if i.client == nil {
			return nil, fmt.Errorf("no HTTP client configured for %s", source)
		}
		log.Info().Str("url", source).Msg("Downloading CSV file")
		resp, err := i.client.Fetch(ctx, source, nil)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to download file: HTTP status %d", resp.StatusCode)
		}
		log.Debug().Int("bytes", len(resp.Body)).Msg("Downloaded CSV file")
		return bytes.NewReader(resp.Body), nil
	}

	log.Info().Str("path", source).Msg("Using local CSV file")
	return os.Open(source)
}

type riverKey struct{ user, name string }

func (i *Importer) parseAndImportFeeds(ctx context.Context, csvData io.Reader) (*Report, error) {
	reader := csv.NewReader(csvData)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, err
	}
	log.Debug().Strs("header", header).Msg("CSV header read")

	urlIdx := findColumnIndex(header, "url")
	if urlIdx < 0 {
		return nil, fmt.Errorf("required column 'url' not found in CSV header")
	}
	userIdx := findColumnIndex(header, "user")
	riverIdx := findColumnIndex(header, "river")

	report := &Report{}
	rivers := map[riverKey]int64{}
	lineCount := 1 // header

	for {
		lineCount++
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn().Err(err).Int("line", lineCount).Msg("Error reading CSV line")
			report.Errors = append(report.Errors, fmt.Sprintf("line %d: %v", lineCount, err))
			continue
		}
		if len(record) == 0 || (len(record) == 1 && record[0] == "") {
			continue
		}
		report.Rows++

		url := safeGetValue(record, urlIdx)
		if url == "" {
			log.Warn().Int("line", lineCount).Msg("Skipping row with empty URL")
			report.Errors = append(report.Errors, fmt.Sprintf("line %d: empty URL", lineCount))
			continue
		}
		logger := log.With().Int("line", lineCount).Str("url", url).Logger()

		feed, err := i.repo.AddFeed(ctx, url)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to insert feed")
			report.Errors = append(report.Errors, fmt.Sprintf("line %d: %v", lineCount, err))
			continue
		}

		if user := safeGetValue(record, userIdx); user != "" {
			key := riverKey{user: user, name: safeGetValue(record, riverIdx)}
			if key.name == "" {
				key.name = DefaultRiver
			}
			riverID, ok := rivers[key]
			if !ok {
				rv, err := i.repo.CreateRiver(ctx, key.user, key.name, "")
				if err != nil {
					logger.Error().Err(err).Msg("Failed to create river")
					report.Errors = append(report.Errors, fmt.Sprintf("line %d: %v", lineCount, err))
					continue
				}
				riverID = rv.ID
				rivers[key] = riverID
			}
			if err := i.repo.AddFeedToRiver(ctx, riverID, feed.ID); err != nil {
				logger.Error().Err(err).Msg("Failed to subscribe river")
				report.Errors = append(report.Errors, fmt.Sprintf("line %d: %v", lineCount, err))
				continue
			}
		}

		report.Imported++
		logger.Debug().Int64("feed_id", feed.ID).Msg("Feed imported")
	}
	return report, nil
}

func findColumnIndex(header []string, columnName string) int {
	for i, col := range header {
		if strings.EqualFold(strings.TrimSpace(col), columnName) {
			return i
		}
	}
	return -1
}

// safeGetValue returns the trimmed field at index, or "" when out of range.
func safeGetValue(record []string, index int) string {
	if index >= 0 && index < len(record) {
		return strings.TrimSpace(record[index])
	}
	return ""
}
