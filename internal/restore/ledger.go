package restore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/italolelis/novel_downloader/internal/fileutil"
	"github.com/italolelis/novel_downloader/internal/library"
	"github.com/italolelis/novel_downloader/internal/logctx"
	"github.com/italolelis/novel_downloader/internal/processor"
	"github.com/italolelis/novel_downloader/internal/runner"
)

// ErrNoLedger is returned by Load when the last restore had no failures.
var ErrNoLedger = errors.New("no failed restores recorded")

// Ledger is the side file listing novels whose restore failed, used to seed
// a "retry failed only" restore.
type Ledger struct {
	path string

	mu sync.Mutex
	// carry holds the failures of the batch so far. A batch spans paused
	// passes and the extra passes a runner loop makes for late appends.
	carry  []library.Novel
	paused bool
}

func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

func (l *Ledger) Path() string {
	return l.path
}

// Replace writes novels as the ledger, or deletes the ledger when novels is empty.
func (l *Ledger) Replace(novels []library.Novel) error {
	if len(novels) == 0 {
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove error ledger: %w", err)
		}

		return nil
	}

	data, err := json.MarshalIndent(novels, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode error ledger: %w", err)
	}

	if err := fileutil.WriteFileAtomic(l.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write error ledger: %w", err)
	}

	return nil
}

func (l *Ledger) Load() ([]library.Novel, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoLedger
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read error ledger: %w", err)
	}

	var novels []library.Novel
	if err := json.Unmarshal(data, &novels); err != nil {
		return nil, fmt.Errorf("failed to decode error ledger: %w", err)
	}

	if len(novels) == 0 {
		return nil, ErrNoLedger
	}

	return novels, nil
}

// BatchEndHook records a restore batch's failures when the processor loop exits.
// A pass that processed nothing and left no earlier failures keeps the ledger
// of the previous batch.
func (l *Ledger) BatchEndHook() processor.BatchEndHook {
	return func(ctx context.Context, summary processor.Summary) error {
		l.mu.Lock()
		defer l.mu.Unlock()

		if runner.Pass(ctx) <= 1 && !l.paused {
			l.carry = nil
		}

		l.paused = summary.Stopped

		failed := append([]library.Novel{}, l.carry...)

		for _, item := range summary.FailedItems() {
			if item.Novel != nil {
				failed = append(failed, item.Novel.Novel)
			}
		}

		l.carry = failed

		if summary.Processed() == 0 && len(failed) == 0 {
			return nil
		}

		logctx.LoggerFromContext(ctx).InfoContext(ctx, "updating error ledger", "path", l.path, "failed", len(failed))

		return l.Replace(failed)
	}
}
