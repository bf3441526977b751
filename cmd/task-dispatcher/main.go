package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/woo-export/internal/config"
	"github.com/Sternrassler/woo-export/pkg/logging"
	"github.com/Sternrassler/woo-export/pkg/metrics"
	"github.com/Sternrassler/woo-export/pkg/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.Setup(logging.DefaultConfig())
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.LogLevel),
		Pretty:  cfg.LogPretty,
		Output:  os.Stderr,
		Service: "task-dispatcher",
	})

	if err := cfg.ValidateDispatcher(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("Dispatcher failed")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	redisOpts, err := cfg.Redis.Options()
	if err != nil {
		return err
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return err
	}
	logger.Info().Str("addr", redisOpts.Addr).Msg("Connected to Redis")

	q := queue.New(redisClient, cfg.Tasks.Queue)

	var tokens queue.TokenSource
	if cfg.Tasks.Token != "" {
		tokens = queue.StaticToken(cfg.Tasks.Token)
	}

	dispatcher := queue.NewDispatcher(q, tokens, queue.DispatcherConfig{
		Workers:      cfg.Dispatch.Workers,
		PollInterval: cfg.Dispatch.PollInterval,
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
		Lease:        cfg.Dispatch.Lease,
	}, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           adminHandler(q),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Admin server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	return dispatcher.Run(ctx)
}

type statsBody struct {
	Queue string `json:"queue"`
	queue.Stats
}

// adminHandler serves health, queue stats and metrics for the dispatcher process.
func adminHandler(q *queue.Queue) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := q.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statsBody{Queue: q.Name(), Stats: stats})
	})
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}
