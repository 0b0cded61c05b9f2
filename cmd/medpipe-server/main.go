// Package main provides the HTTP server for medpipe.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/medpipe/internal/archive"
	"github.com/raphaelgruber/medpipe/internal/config"
	"github.com/raphaelgruber/medpipe/internal/dispatch"
	"github.com/raphaelgruber/medpipe/internal/metrics"
	"github.com/raphaelgruber/medpipe/internal/pipeline"
	"github.com/raphaelgruber/medpipe/internal/server"
	"github.com/raphaelgruber/medpipe/internal/service"
	"github.com/raphaelgruber/medpipe/internal/storage"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Dual output: stderr text + file JSON
	logger, cleanup := config.SetupLogger("server", cfg.LogFile, cfg.Level())
	defer cleanup()
	slog.SetDefault(logger)

	logger.Info("starting medpipe-server",
		"version", version,
		"addr", cfg.Addr,
		"base_url", cfg.BaseURL,
		"result_store", cfg.ResultStore,
		"workers", cfg.Workers,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	tracker := service.NewTracker(cfg.MaxJobs, service.WithTrackerLogger(logger))

	pool := service.NewWorkerPool(service.WorkerPoolConfig{
		Workers:   cfg.Workers,
		QueueSize: cfg.WorkerQueue,
		Tracker:   tracker,
		Store:     store,
		Logger:    logger,
		Metrics:   collector,
	})
	// Workers get their own context so in-flight jobs survive until Stop.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	pool.Start(workerCtx)

	routes, err := dispatch.NewRoutes(cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("dispatch routes: %w", err)
	}
	dispatcher, err := dispatch.New(dispatch.Config{
		Routes:      routes,
		Timeout:     cfg.DispatchTimeout,
		Parallelism: cfg.DispatchParallelism,
		Logger:      logger,
		Metrics:     collector,
	})
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	guard := archive.NewGuard(archive.Limits{
		MaxEntries: cfg.MaxArchiveEntries,
		MaxBytes:   cfg.MaxArchiveBytes,
		MaxRatio:   cfg.MaxCompressionRatio,
	}, logger)

	batch := service.NewBatchService(service.BatchConfig{
		Guard:      guard,
		Dispatcher: dispatcher,
		ScratchDir: cfg.ScratchDir,
		Logger:     logger,
		Metrics:    collector,
	})

	srv := server.New(server.Config{
		Batch:   batch,
		Tracker: tracker,
		Pool:    pool,
		Store:   store,
		Metrics: collector,
		Logger:  logger,
		UploadLimits: pipeline.UploadLimits{
			MaxFiles:     cfg.MaxUploadFiles,
			MaxFileBytes: cfg.MaxUploadFileBytes,
		},
		ScratchDir: cfg.ScratchDir,
		Version:    version,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // batch requests wait on every pipeline
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	pool.Stop()
	logger.Info("server stopped")
	return nil
}

func newStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.ResultStore {
	case config.StoreS3:
		s3, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 store: %w", err)
		}
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s3.EnsureBucket(initCtx); err != nil {
			return nil, fmt.Errorf("ensure bucket: %w", err)
		}
		return s3, nil
	default:
		local, err := storage.NewLocalStore(cfg.ResultDir)
		if err != nil {
			return nil, fmt.Errorf("create result dir: %w", err)
		}
		return local, nil
	}
}
