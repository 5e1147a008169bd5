// Package server exposes the read-only river API.
package server

import (
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"sociallists/riverd/internal/server/api"
	"sociallists/riverd/internal/storage"
)

// apiKeyMiddleware checks for the X-API-Key header and validates it against the provided key.
// If key is empty, it allows all requests.
func apiKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			reqApiKey := r.Header.Get("X-API-Key")
			if reqApiKey == "" {
				http.Error(w, "API key required", http.StatusUnauthorized)
				return
			}

			if reqApiKey != apiKey {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// NewHandler builds the routed, logged and optionally key-gated API handler.
func NewHandler(repo storage.Repository, logger zerolog.Logger, apiKey string, riverLimit int) http.Handler {
	rivers := api.NewRiverHandler(repo, riverLimit)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", healthCheckHandler(repo))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/v1/feeds", exportFeedsHandler(repo))
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/rivers/{user}/{name}", rivers.GetRiver)
		r.Get("/rivers/{user}/{name}/rss", rivers.GetRiverRSS)
		r.Get("/feeds/{id}/updates", rivers.GetFeedUpdates)
		r.Get("/blobs/{hash}", rivers.GetBlob)
	})

	// Set up middleware chain for logging and request tracking
	h := apiKeyMiddleware(apiKey)(r)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		idReq, _ := hlog.IDFromRequest(r)

		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Str("req_id", idReq.String()).
			Msg("HTTP Request")
	})(h)
	h = hlog.RequestIDHandler("req_id", "Request-Id")(h)
	h = hlog.UserAgentHandler("user_agent")(h)
	h = hlog.RemoteAddrHandler("remote_addr")(h)
	h = hlog.URLHandler("url")(h)
	h = hlog.MethodHandler("method")(h)
	h = hlog.NewHandler(logger)(h)

	if apiKey != "" {
		logger.Info().Msg("API key authentication enabled")
	} else {
		logger.Info().Msg("API key authentication disabled")
	}
	return h
}

// RunServer starts the HTTP server and blocks until ctx is cancelled or
// SIGINT/SIGTERM arrives, then shuts down gracefully.
func RunServer(ctx context.Context, repo storage.Repository, listenAddr string, logger zerolog.Logger, apiKey string, riverLimit int) error {
	logger = logger.With().Str("service", "riverd-api").Logger()

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           NewHandler(repo, logger, apiKey, riverLimit),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("address", listenAddr).Msg("API Server starting")
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErr:
		return err

	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
			if err := httpServer.Close(); err != nil {
				logger.Error().Err(err).Msg("HTTP server force close error")
			}
		} else {
			logger.Info().Msg("HTTP server shutdown complete.")
		}
		if err := <-serverErr; err != nil {
			logger.Error().Err(err).Msg("ListenAndServe error during shutdown")
		}
	}

	logger.Info().Msg("Server exiting.")
	return nil
}

// healthCheckHandler answers 200 OK while the database is reachable.
func healthCheckHandler(repo storage.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := hlog.FromRequest(r)
		log.Debug().Msg("Health check request received")

		if _, err := repo.LoadFeeds(r.Context(), storage.FeedFilter{Limit: 1}); err != nil {
			log.Error().Err(err).Msg("Health check failed")
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("Error writing health check response")
		}
	}
}

// exportFeedsHandler returns a handler function that exports all feeds as a CSV file
func exportFeedsHandler(repo storage.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := hlog.FromRequest(r)
		log.Debug().Msg("Export feeds request received")

		feeds, err := repo.LoadAllFeeds(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("Failed to query feeds")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=feeds.csv")

		csvWriter := csv.NewWriter(w)

		header := []string{"url", "title", "site_url", "last_status", "next_item_id", "last_retrieved_at"}
		if err := csvWriter.Write(header); err != nil {
			log.Error().Err(err).Msg("Failed to write CSV header")
			http.Error(w, "Error generating CSV", http.StatusInternalServerError)
			return
		}

		for _, f := range feeds {
			retrieved := ""
			if f.LastRetrievedAt.Valid {
				retrieved = f.LastRetrievedAt.Time.UTC().Format(time.RFC3339)
			}
			record := []string{
				f.URL,
				f.Title.String,
				f.SiteURL.String,
				strconv.Itoa(f.LastStatus),
				strconv.FormatInt(f.NextItemID, 10),
				retrieved,
			}
			if err := csvWriter.Write(record); err != nil {
				log.Error().Err(err).Msg("Failed to write CSV record")
				return
			}
		}

		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Error().Err(err).Msg("Error flushing CSV data")
			return
		}

		log.Info().Int("feed_count", len(feeds)).Msg("Exported feeds as CSV")
	}
}
