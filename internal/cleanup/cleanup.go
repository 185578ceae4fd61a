package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/novel_downloader/internal/logctx"
	"github.com/italolelis/novel_downloader/internal/restore"
)

// DeleteExpiredBackups deletes backup files in dir older than keepDuration and
// returns how many were removed. The age comes from the time stamped in the
// file name, or the file mod time when the name carries none.
func DeleteExpiredBackups(ctx context.Context, dir string, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, err
	}

	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || !restore.IsBackupFile(entry.Name()) {
			continue
		}

		filePath := filepath.Join(dir, entry.Name())

		createdAt, ok := restore.BackupTime(entry.Name())
		if !ok {
			info, err := entry.Info()
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}

				logger.Error("Failed to stat backup", "file", filePath, "err", err)

				return removed, err
			}

			logger.Warn("Failed to parse backup time, using file mod time", "file", filePath)

			createdAt = info.ModTime()
		}

		if now.Sub(createdAt) <= keepDuration {
			continue
		}

		if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Error("Failed to delete expired backup", "file", filePath, "err", err)

			return removed, err
		}

		removed++

		logger.Info("Deleted expired backup", "file", filePath)
	}

	return removed, nil
}
