package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/novel_downloader/internal/restore"
)

func backupName(t time.Time) string {
	return restore.BackupPrefix + t.Format(restore.BackupTimeLayout) + ".json"
}

func TestDeleteExpiredBackups(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	old := backupName(now.Add(-72 * time.Hour))
	fresh := backupName(now.Add(-time.Hour))
	unparsable := restore.BackupPrefix + "manual.json"
	unrelated := "errorNovels.json"

	for _, name := range []string{old, fresh, unparsable, unrelated} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("[]"), 0o644))
	}

	// The unparsable name falls back to its mod time.
	stale := now.Add(-96 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, unparsable), stale, stale))

	removed, err := DeleteExpiredBackups(context.Background(), dir, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.NoFileExists(t, filepath.Join(dir, old))
	assert.NoFileExists(t, filepath.Join(dir, unparsable))
	assert.FileExists(t, filepath.Join(dir, fresh))
	assert.FileExists(t, filepath.Join(dir, unrelated))
}

func TestDeleteExpiredBackupsMissingDir(t *testing.T) {
	removed, err := DeleteExpiredBackups(context.Background(), filepath.Join(t.TempDir(), "nope"), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
