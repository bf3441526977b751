package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/woo-export/internal/config"
	"github.com/Sternrassler/woo-export/internal/server"
	"github.com/Sternrassler/woo-export/pkg/fanout"
	"github.com/Sternrassler/woo-export/pkg/ledger"
	"github.com/Sternrassler/woo-export/pkg/logging"
	"github.com/Sternrassler/woo-export/pkg/pipeline"
	"github.com/Sternrassler/woo-export/pkg/queue"
	"github.com/Sternrassler/woo-export/pkg/source"
	"github.com/Sternrassler/woo-export/pkg/storage"
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
		Service: "woo-export",
	})

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
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

	handler, err := buildHandler(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("endpoint", cfg.Tasks.Endpoint).
			Str("queue", cfg.Tasks.Queue).
			Msg("Starting export server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildHandler wires the pipeline against its backing services.
func buildHandler(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger zerolog.Logger) (http.Handler, error) {
	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	minioClient, err := storage.NewMinioClient(storage.Config{
		Endpoint:        cfg.S3.Endpoint,
		AccessKeyID:     cfg.S3.AccessKey,
		SecretAccessKey: cfg.S3.SecretKey,
		Region:          cfg.S3.Region,
		UseSSL:          cfg.S3.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := storage.EnsureBuckets(ctx, minioClient, cfg.S3.Region, logger, cfg.Buckets()...); err != nil {
		return nil, err
	}

	fetcher, err := source.New(registry, source.Config{
		Username:  cfg.Source.Username,
		Password:  cfg.Source.Password,
		PerPage:   cfg.Source.PerPage,
		UserAgent: cfg.Source.UserAgent,
		Timeout:   cfg.Source.Timeout,
		RateLimit: cfg.Source.RateLimit,
		RateBurst: cfg.Source.RateBurst,
		MaxPages:  cfg.Source.MaxPages,
	}, logger)
	if err != nil {
		return nil, err
	}

	writer := storage.NewWriter(minioClient, registry, cfg.S3.VerifyETag, logger)

	tasks := queue.New(redisClient, cfg.Tasks.Queue)
	scheduler := fanout.NewScheduler(tasks, fanout.Config{
		Endpoint:    cfg.Tasks.Endpoint,
		Spacing:     cfg.Tasks.Spacing,
		Concurrency: cfg.Tasks.Concurrency,
		Audience:    cfg.Tasks.Audience,
		MaxPages:    cfg.Source.MaxPages,
	}, logger)

	exports := ledger.New(redisClient)
	service := pipeline.NewService(registry, fetcher, writer, scheduler, logger, pipeline.WithLedger(exports))

	redisReady := server.PingFunc(func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	srv := server.New(registry, service, exports, server.Config{Token: cfg.Tasks.Token}, logger, redisReady)
	return srv.Handler(), nil
}
