package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/novel_downloader/internal/cleanup"
	"github.com/italolelis/novel_downloader/internal/config"
	"github.com/italolelis/novel_downloader/internal/http/rest"
	"github.com/italolelis/novel_downloader/internal/logctx"
	"github.com/italolelis/novel_downloader/internal/telemetry"
)

func runServe(parent context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(parent)

	logger.Info("novel downloader starting...", "log_level", cfg.LogLevel, "version", version)

	a, err := newApp(parent, cfg)
	if err != nil {
		return err
	}
	defer a.close(parent)

	ctx, cancel := withSignals(parent, a.pauseLocal)
	defer cancel()

	if err := a.orch.Recover(ctx); err != nil {
		logger.Error("failed to recover queued work", "err", err)
	}

	server := setupServer(ctx, a)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		runCleanup(gctx, cfg)

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		var errs []error

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				errs = append(errs, fmt.Errorf("could not stop server gracefully: %w", err))
			}
		}

		stopCtx, stop := context.WithTimeout(context.WithoutCancel(gctx), cfg.StopTimeout)
		defer stop()

		// The queue survives; the next start resumes it.
		if err := a.orch.Shutdown(stopCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to pause background action: %w", err))
		}

		return errors.Join(errs...)
	})

	return g.Wait()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, a *app) *http.Server {
	api := rest.NewAPIHandler(a.orch, a.cfg.BackupDir, a.cfg.Web.Username, a.cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(a.tel).Middleware)

	r.Handle("/metrics", a.tel.Handler())
	r.Mount("/", api.Routes())

	return &http.Server{
		Addr:         a.cfg.Web.BindAddress,
		ReadTimeout:  a.cfg.Web.ReadTimeout,
		WriteTimeout: a.cfg.Web.WriteTimeout,
		IdleTimeout:  a.cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "novel_downloader"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func runCleanup(ctx context.Context, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-cleanupTicker.C:
			if _, err := cleanup.DeleteExpiredBackups(ctx, cfg.BackupDir, cfg.KeepBackupsFor); err != nil {
				logger.Error("failed to delete expired backups", "err", err)
			}
		}
	}
}
