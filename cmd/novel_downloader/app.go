package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/italolelis/novel_downloader/internal/config"
	"github.com/italolelis/novel_downloader/internal/downloader"
	"github.com/italolelis/novel_downloader/internal/logctx"
	"github.com/italolelis/novel_downloader/internal/notifier"
	"github.com/italolelis/novel_downloader/internal/orchestrator"
	"github.com/italolelis/novel_downloader/internal/progress"
	"github.com/italolelis/novel_downloader/internal/queue"
	"github.com/italolelis/novel_downloader/internal/restore"
	"github.com/italolelis/novel_downloader/internal/runner"
	"github.com/italolelis/novel_downloader/internal/source"
	"github.com/italolelis/novel_downloader/internal/storage"
	"github.com/italolelis/novel_downloader/internal/storage/memory"
	"github.com/italolelis/novel_downloader/internal/storage/redis"
	"github.com/italolelis/novel_downloader/internal/storage/sqlite"
	"github.com/italolelis/novel_downloader/internal/telemetry"
)

const (
	runnerLockFile = "runner.lock"
	ledgerFile     = "errorNovels.json"
)

// app holds the wired components shared by every command.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	runner *runner.Runner
	orch   *orchestrator.Orchestrator

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logctx.LoggerFromContext(ctx)

	a := &app{cfg: cfg}

	ok := false
	defer func() {
		if !ok {
			a.close(ctx)
		}
	}()

	for _, dir := range []string{cfg.DataDir, cfg.DownloadDir, cfg.BackupDir, filepath.Dir(cfg.DBPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup telemetry: %w", err)
	}

	a.tel = tel
	a.closers = append(a.closers, func() error { return tel.Shutdown(context.WithoutCancel(ctx)) })

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open library: %w", err)
	}

	a.closers = append(a.closers, database.Close)

	repo := sqlite.NewInstrumentedLibraryRepository(database, tel)

	kv, err := a.buildStateStore(ctx, database)
	if err != nil {
		return nil, err
	}

	kv = storage.NewInstrumentedKeyValueStore(kv, tel)

	// =========================================================================
	// Start Sources
	registry, err := buildSources(ctx, cfg, tel)
	if err != nil {
		return nil, err
	}

	logger.Info("sources installed", "sources", registry.IDs())

	// =========================================================================
	// Start Orchestrator
	store := queue.NewStore(kv)
	lock := queue.NewLock(kv)

	a.runner = runner.New(lock, store,
		runner.WithLockFile(filepath.Join(cfg.DataDir, runnerLockFile)),
		runner.WithTelemetry(tel),
	)

	a.orch = orchestrator.New(orchestrator.Params{
		Runner:        a.runner,
		Store:         store,
		Lock:          lock,
		Repo:          repo,
		Downloader:    downloader.NewDownloader(cfg.DownloadDir, repo, registry),
		Restorer:      restore.NewExecutor(repo, registry),
		Ledger:        restore.NewLedger(filepath.Join(cfg.DataDir, ledgerFile)),
		Backup:        restore.NewBackup(cfg.BackupDir, repo),
		Tracker:       progress.NewTracker(),
		Notifier:      buildNotifier(cfg),
		Telemetry:     tel,
		DownloadDelay: cfg.DownloadDelay,
		RestoreDelay:  cfg.RestoreDelay,
		ResumeOnStart: cfg.ResumeOnStart,
		StopTimeout:   cfg.StopTimeout,
	})

	ok = true

	return a, nil
}

// This is an abstract factory for the persisted queue and lock backend.
func (a *app) buildStateStore(ctx context.Context, database *sql.DB) (storage.KeyValueStore, error) {
	switch a.cfg.StateBackend {
	case config.BackendSQLite:
		return sqlite.NewKVStore(database), nil
	case config.BackendRedis:
		kv, err := redis.NewKVStore(ctx, redis.Options{
			Addr:      a.cfg.Redis.Addr,
			Password:  a.cfg.Redis.Password,
			DB:        a.cfg.Redis.DB,
			KeyPrefix: a.cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}

		a.closers = append(a.closers, kv.Close)

		return kv, nil
	case config.BackendMemory:
		return memory.NewKVStore(), nil
	}

	return nil, fmt.Errorf("invalid state backend: %s", a.cfg.StateBackend)
}

func buildSources(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*source.Registry, error) {
	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		return nil, err
	}

	registry := source.NewRegistry()

	for _, sc := range sources {
		hc, err := sc.HTTPConfig()
		if err != nil {
			return nil, err
		}

		src, err := source.NewHTTPSource(ctx, hc)
		if err != nil {
			return nil, err
		}

		registry.Register(source.NewInstrumentedSource(src, tel))
	}

	return registry, nil
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	notifiers := notifier.Multi{notifier.LogNotifier{}}

	if cfg.DiscordWebhookURL != "" {
		notifiers = append(notifiers, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL))
	}

	return notifiers
}

func (a *app) close(ctx context.Context) {
	var errs []error

	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}

	if err := errors.Join(errs...); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to release resources", "err", err)
	}
}
