package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/novel_downloader/internal/library"
	"github.com/italolelis/novel_downloader/internal/storage"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestInitDBIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "library.db")

	db, err := InitDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = InitDB(path)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM categories WHERE id = 1`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestKVStore(t *testing.T) {
	ctx := context.Background()
	s := NewKVStore(newTestDB(t))

	_, err := s.Get(ctx, "background_action")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Set(ctx, "background_action", []byte(`{"action":"download"}`)))
	require.NoError(t, s.Set(ctx, "background_action", []byte(`{"action":"restore"}`)))

	got, err := s.Get(ctx, "background_action")
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"restore"}`, string(got))

	require.NoError(t, s.Delete(ctx, "background_action"))
	require.NoError(t, s.Delete(ctx, "background_action"))

	_, err = s.Get(ctx, "background_action")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRestoreNovel(t *testing.T) {
	ctx := context.Background()
	repo := NewInstrumentedLibraryRepository(newTestDB(t), nil)

	snapshot := library.Novel{Path: "/novel/overlord", PluginID: "royalroad", Name: "Overlord (old)"}
	fetched := &library.SourceNovel{
		Name:    "Overlord",
		Cover:   "https://img.example/overlord.png",
		Summary: "A skeleton.",
		Chapters: []library.SourceChapter{
			{Path: "/novel/overlord/1", Name: "Chapter 1"},
			{Path: "/novel/overlord/2", Name: "Chapter 2"},
		},
	}

	id, err := repo.RestoreNovel(ctx, snapshot, fetched)
	require.NoError(t, err)

	novel, err := repo.GetNovel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Overlord", novel.Name)
	assert.True(t, novel.InLibrary)

	chapters, err := repo.ListChapters(ctx, id)
	require.NoError(t, err)
	require.Len(t, chapters, 2)
	assert.Equal(t, "Chapter 1", chapters[0].Name)
	assert.Equal(t, "1", chapters[0].Page)

	require.NoError(t, repo.MarkChapterDownloaded(ctx, chapters[0].ID))

	t.Run("restoring again overwrites the same record and keeps downloads", func(t *testing.T) {
		fetched.Summary = "A skeleton king."
		fetched.Chapters = append(fetched.Chapters, library.SourceChapter{Path: "/novel/overlord/3", Name: "Chapter 3"})

		again, err := repo.RestoreNovel(ctx, snapshot, fetched)
		require.NoError(t, err)
		assert.Equal(t, id, again)

		novel, err := repo.GetNovel(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "A skeleton king.", novel.Summary)

		chapters, err := repo.ListChapters(ctx, id)
		require.NoError(t, err)
		require.Len(t, chapters, 3)
		assert.True(t, chapters[0].IsDownloaded)
		assert.False(t, chapters[2].IsDownloaded)
	})

	t.Run("novel is listed in the library", func(t *testing.T) {
		novels, err := repo.LibraryNovels(ctx)
		require.NoError(t, err)
		require.Len(t, novels, 1)
		assert.Equal(t, "royalroad", novels[0].PluginID)
	})
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewInstrumentedLibraryRepository(newTestDB(t), nil)

	_, err := repo.GetNovel(ctx, 42)
	require.ErrorIs(t, err, library.ErrNotFound)

	_, err = repo.GetChapter(ctx, 42)
	require.ErrorIs(t, err, library.ErrNotFound)

	require.ErrorIs(t, repo.MarkChapterDownloaded(ctx, 42), library.ErrNotFound)
	require.ErrorIs(t, repo.UpdateNovelCover(ctx, 42, "cover.png"), library.ErrNotFound)
}
