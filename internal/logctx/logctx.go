package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	actionKey contextKey = "action"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithAction tags the context with the background action that owns it.
// Records logged through a TraceHandler with this context carry an "action" attribute.
func WithAction(ctx context.Context, action string) context.Context {
	return context.WithValue(ctx, actionKey, action)
}

// ActionFromContext returns the background action tagged on ctx, if any.
func ActionFromContext(ctx context.Context) (string, bool) {
	action, ok := ctx.Value(actionKey).(string)

	return action, ok && action != ""
}
