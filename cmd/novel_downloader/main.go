package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/italolelis/novel_downloader/internal/config"
	"github.com/italolelis/novel_downloader/internal/library"
	"github.com/italolelis/novel_downloader/internal/logctx"
	"github.com/italolelis/novel_downloader/internal/queue"
)

var version = "dev"

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("fatal error", "err", err)
		}

		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:           "novel_downloader",
		Short:         "Background chapter downloads and library backups",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error

			cfg, err = config.LoadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}

			logger := newLogger(cfg)
			slog.SetDefault(logger)

			cmd.SetContext(logctx.WithLogger(cmd.Context(), logger))

			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the API and resume queued work",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfg)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "download <novel-id> [chapter-id...]",
		Short: "Download chapters of a novel, all missing ones when none are given",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))

			for _, arg := range args {
				id, err := library.ParseID(arg)
				if err != nil {
					return err
				}

				ids = append(ids, id)
			}

			return runForeground(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				n, err := a.orch.DownloadChapters(ctx, ids[0], ids[1:])
				if err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "queued %d chapters\n", n)
				}

				return err
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "backup",
		Short: "Write the library to a backup file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runForeground(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				_, err := a.orch.CreateBackup(ctx)

				return err
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "restore <backup-file>",
		Short: "Restore every novel of a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				n, err := a.orch.RestoreBackup(ctx, args[0])
				if err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "queued %d novels\n", n)
				}

				return err
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "restore-errors",
		Short: "Retry the novels whose last restore failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runForeground(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				n, err := a.orch.RestoreErrors(ctx)
				if err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "queued %d novels\n", n)
				}

				return err
			})
		},
	})

	rootCmd.AddCommand(newStatusCommand(&cfg))

	return rootCmd
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(logctx.NewTraceHandler(handler))
}

// runForeground starts an action and waits for it in this process. An
// interrupt pauses the action, keeping its queue for a later resume.
func runForeground(parent context.Context, cfg *config.Config, start func(context.Context, *app) error) error {
	a, err := newApp(parent, cfg)
	if err != nil {
		return err
	}
	defer a.close(parent)

	ctx, cancel := withSignals(parent, a.pauseLocal)
	defer cancel()

	if err := start(ctx, a); err != nil {
		return err
	}

	if err := a.runner.Wait(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.StopTimeout)
		defer cancel()

		logctx.LoggerFromContext(ctx).Info("interrupted, pausing", "action", a.runner.Action().String())

		return errors.Join(err, a.orch.Shutdown(shutdownCtx))
	}

	return nil
}

func (a *app) pauseLocal(ctx context.Context) {
	action := a.runner.Action()
	if action == queue.ActionNone {
		return
	}

	if err := a.orch.Pause(ctx, action); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to pause", "action", action.String(), "err", err)
	}
}
