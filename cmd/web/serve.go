package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"

	"mediagrab/internal/artifacts"
	"mediagrab/internal/config"
	"mediagrab/internal/extractor"
	"mediagrab/internal/handlers"
	"mediagrab/internal/jobs"
	"mediagrab/internal/persistence"
	"mediagrab/internal/ratelimit"
)

// lockFileName guards the downloads directory against a second instance.
const lockFileName = ".mediagrab.lock"

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Storage.DownloadsDir, 0o755); err != nil {
		return fmt.Errorf("create downloads dir: %w", err)
	}
	gateway, err := artifacts.NewGateway(cfg.Storage.DownloadsDir)
	if err != nil {
		return err
	}
	root := gateway.Root()

	lock := flock.New(filepath.Join(root, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock downloads dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("downloads dir %s is in use by another instance", root)
	}
	defer func() { _ = lock.Unlock() }()

	storeOpts := []jobs.StoreOption{}
	if cfg.Storage.JournalPath != "" {
		journal, err := persistence.NewSQLiteStore(cfg.Storage.JournalPath)
		if err != nil {
			return err
		}
		defer journal.Close()
		storeOpts = append(storeOpts, jobs.WithJournal(journal))
	}
	store := jobs.NewStore(logger, storeOpts...)
	if n, err := store.Hydrate(ctx); err != nil {
		logger.Error("failed to restore journaled jobs", "error", err)
	} else if n > 0 {
		logger.Info("restored journaled jobs", "count", n)
	}

	client := extractor.NewService(logger, extractor.Options{
		Binary:      cfg.Extractor.Binary,
		CookiesPath: cfg.Extractor.CookiesPath,
		ProxyURL:    cfg.Extractor.Proxy,
	})
	limiter := ratelimit.New()
	admission := jobs.NewAdmission(cfg.Jobs.MaxConcurrent)
	runner := jobs.NewRunner(logger, store, client, admission, jobs.RunnerConfig{
		Root:              root,
		MaxFileBytes:      cfg.Storage.MaxFileBytes,
		MaxAttempts:       cfg.Jobs.MaxAttempts,
		RetryBackoff:      cfg.Jobs.RetryBackoff.Duration,
		HeartbeatInterval: jobs.HeartbeatInterval(cfg.Jobs.TTL.Duration),
	})
	reaper := jobs.NewReaper(logger, store, limiter, jobs.ReaperConfig{
		Root:        root,
		TTL:         cfg.Jobs.TTL.Duration,
		MinInterval: cfg.Reaper.MinInterval.Duration,
	})
	if err := reaper.Start(cfg.Reaper.Schedule); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}

	app := handlers.NewApp(handlers.Deps{
		Logger:    logger,
		Store:     store,
		Runner:    runner,
		Admission: admission,
		Reaper:    reaper,
		Limiter:   limiter,
		Client:    client,
		Gateway:   gateway,
		Limits: handlers.Limits{
			Start:    cfg.RateLimit.Start,
			Progress: cfg.RateLimit.Progress,
			File:     cfg.RateLimit.File,
		},
		DescribeTimeout: cfg.Extractor.DescribeTimeout.Duration,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server started",
			"addr", cfg.Server.Addr,
			"downloads_dir", root,
			"max_concurrent", admission.Capacity(),
			"max_file_size", humanize.Bytes(uint64(cfg.Storage.MaxFileBytes)),
			"job_ttl", cfg.Jobs.TTL.Duration.String(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case err, ok := <-errCh:
		if ok {
			logger.Error("server failed", "error", err)
			serveErr = err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = srv.Close()
	}
	if err := reaper.Stop(shutdownCtx); err != nil {
		logger.Warn("reaper did not stop in time", "error", err)
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Warn("workers did not stop in time", "error", err)
	}
	logger.Info("server stopped")
	return serveErr
}
