package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docuflow/extractd/internal/backend"
	"github.com/docuflow/extractd/internal/common"
	"github.com/docuflow/extractd/internal/export"
	"github.com/docuflow/extractd/internal/pipeline"
	"github.com/docuflow/extractd/internal/registry"
	"github.com/docuflow/extractd/internal/retry"
	"github.com/docuflow/extractd/internal/server"
	"github.com/docuflow/extractd/internal/split"
	"github.com/docuflow/extractd/internal/store"
	"github.com/docuflow/extractd/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Task store: SQLite by default, Postgres when several processes share
	// task status.
	var (
		tasks registry.TaskStore
		err   error
	)
	if registry.IsPostgresDSN(cfg.Tasks.DSN) {
		tasks, err = registry.OpenPostgres(ctx, registry.PoolConfig{
			DSN:             cfg.Tasks.DSN,
			MaxConns:        cfg.Tasks.MaxConns,
			MinConns:        cfg.Tasks.MinConns,
			MaxConnLifetime: cfg.Tasks.MaxConnLifetime,
			MaxConnIdleTime: cfg.Tasks.MaxConnIdleTime,
			DialTimeout:     cfg.Tasks.DialTimeout,
		}, logger)
	} else {
		tasks, err = registry.OpenSQLite(ctx, cfg.Tasks.DSN, logger)
	}
	if err != nil {
		logger.Error("opening task store failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := tasks.Close(); err != nil {
			logger.Error("closing task store failed", "error", err)
		}
	}()

	objects, err := store.NewMinioStore(ctx, store.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
		URLExpiry: cfg.Storage.URLExpiry,
	}, logger)
	if err != nil {
		logger.Error("connecting object store failed", "error", err)
		os.Exit(1)
	}

	cancels := registry.NewCancellationRegistry(logger)

	backends := backend.NewRegistry()
	backends.Register(backend.KindTesseract, backend.NewTesseractExtractor(cfg.OCR.Languages, logger))
	if cfg.Vision.APIKey != "" {
		backends.Register(backend.KindVision, backend.NewVisionExtractor(backend.VisionConfig{
			BaseURL:     cfg.Vision.BaseURL,
			APIKey:      cfg.Vision.APIKey,
			Model:       cfg.Vision.Model,
			Temperature: cfg.Vision.Temperature,
			Timeout:     cfg.Vision.Timeout,
		}, logger))
	} else {
		logger.Warn("vision backend disabled: no API key configured")
	}
	backends.Register(backend.KindOllama, backend.NewOllamaExtractor(backend.OllamaConfig{
		BaseURL: cfg.Ollama.BaseURL,
		Model:   cfg.Ollama.Model,
		Timeout: cfg.Ollama.Timeout,
	}, logger))

	policy := retry.Policy{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		BaseDelay:         cfg.Retry.BaseDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		RateLimitCooldown: cfg.Retry.RateLimitCooldown,
		Jitter:            true,
	}

	splitter := split.NewSplitter(split.Config{
		Pdftoppm: cfg.Split.Pdftoppm,
		Pdfinfo:  cfg.Split.Pdfinfo,
		DPI:      cfg.Split.DPI,
		Format:   cfg.Split.Format,
		MaxPages: cfg.Split.MaxPages,
	}, cancels, logger)

	orch := pipeline.NewOrchestrator(splitter, cancels, policy, logger)
	exec := worker.NewExecutor(tasks, cancels, orch, objects, backends, policy,
		cfg.Worker.MaxJobRetries, cfg.Worker.RetryStep, logger)
	pool := worker.NewPool(exec, logger,
		worker.WithWorkers(cfg.Worker.Workers),
		worker.WithQueueSize(cfg.Worker.QueueSize),
		worker.WithJobTimeout(cfg.Worker.JobTimeout),
	)

	exporter := export.NewService(tasks, logger)
	handler := server.NewHandler(tasks, cancels, pool, exporter, cfg.Server.UploadDir, logger)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: handler.Router(),
	}
	go func() {
		logger.Info("http serving", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	pool.Shutdown(shutdownCtx)
	logger.Info("stopped")
}
