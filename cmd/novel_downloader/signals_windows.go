//go:build windows

package main

import (
	"context"
	"os"
	"os/signal"
)

// withSignals returns a context cancelled on interrupt. Windows has no SIGTSTP,
// so pause is never called.
func withSignals(parent context.Context, _ func(context.Context)) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt)
}
