package notifier

import (
	"context"
	"errors"
	"log/slog"

	"github.com/italolelis/novel_downloader/internal/logctx"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Notification struct {
	Title string
	Body  string
	Level Level
}

// Notifier delivers user facing notifications. Callers treat delivery as
// best effort and only log a returned error.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error

	for _, notifier := range m {
		if notifier == nil {
			continue
		}

		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// LogNotifier writes notifications to the context logger.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	level := slog.LevelInfo

	switch n.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}

	logctx.LoggerFromContext(ctx).Log(ctx, level, "notification", "title", n.Title, "body", n.Body)

	return nil
}

type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }
