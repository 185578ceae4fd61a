package restore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/novel_downloader/internal/fileutil"
	"github.com/italolelis/novel_downloader/internal/library"
	"github.com/italolelis/novel_downloader/internal/logctx"
)

const (
	BackupPrefix     = "novel_backup_"
	BackupTimeLayout = "2006-01-02_15-04"
	backupExt        = ".json"
)

// ErrEmptyBackup is returned for a backup without novels.
var ErrEmptyBackup = errors.New("backup contains no novels")

// ReadBackup parses a backup file: a JSON array of library novels.
func ReadBackup(path string) ([]library.Novel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}

	var novels []library.Novel
	if err := json.Unmarshal(data, &novels); err != nil {
		return nil, fmt.Errorf("failed to decode backup %s: %w", filepath.Base(path), err)
	}

	if len(novels) == 0 {
		return nil, ErrEmptyBackup
	}

	return novels, nil
}

// Backup dumps the library to timestamped files in dir.
type Backup struct {
	dir  string
	repo library.NovelReader
	now  func() time.Time
}

func NewBackup(dir string, repo library.NovelReader) *Backup {
	return &Backup{dir: dir, repo: repo, now: time.Now}
}

// Create writes every library novel to <dir>/novel_backup_<YYYY-MM-DD_HH-MM>.json
// and returns the file path and the number of novels written.
func (b *Backup) Create(ctx context.Context) (string, int, error) {
	novels, err := b.repo.LibraryNovels(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("failed to list library: %w", err)
	}

	if novels == nil {
		novels = []library.Novel{}
	}

	data, err := json.MarshalIndent(novels, "", "  ")
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode backup: %w", err)
	}

	path := filepath.Join(b.dir, BackupPrefix+b.now().Format(BackupTimeLayout)+backupExt)

	if err := fileutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", 0, fmt.Errorf("failed to write backup: %w", err)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "backup created", "path", path, "novels", len(novels))

	return path, len(novels), nil
}

// BackupTime extracts the creation time from a backup file name.
func BackupTime(name string) (time.Time, bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, BackupPrefix) || !strings.HasSuffix(base, backupExt) {
		return time.Time{}, false
	}

	stamp := strings.TrimSuffix(strings.TrimPrefix(base, BackupPrefix), backupExt)

	t, err := time.ParseInLocation(BackupTimeLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

// IsBackupFile reports whether name looks like a backup written by Create.
func IsBackupFile(name string) bool {
	base := filepath.Base(name)

	return strings.HasPrefix(base, BackupPrefix) && strings.HasSuffix(base, backupExt)
}
