//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/italolelis/novel_downloader/internal/logctx"
)

// withSignals returns a context cancelled on SIGTERM or SIGINT. SIGTSTP calls
// pause and keeps the process alive.
func withSignals(parent context.Context, pause func(context.Context)) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	logger := logctx.LoggerFromContext(parent)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT, unix.SIGTSTP)

	go func() {
		defer signal.Stop(sigs)

		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				if sig == unix.SIGTSTP {
					logger.Info("pausing background action", "signal", sig.String())

					if pause != nil {
						pause(ctx)
					}

					continue
				}

				logger.Info("received signal", "signal", sig.String())
				cancel()

				return
			}
		}
	}()

	return ctx, cancel
}
