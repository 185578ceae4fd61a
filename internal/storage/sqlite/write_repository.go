package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/italolelis/novel_downloader/internal/library"
)

const defaultCategoryID = 1

// LibraryWriteRepository implements library.NovelWriter.
type LibraryWriteRepository struct {
	db *sql.DB
}

func NewLibraryWriteRepository(db *sql.DB) *LibraryWriteRepository {
	return &LibraryWriteRepository{db: db}
}

func (r *LibraryWriteRepository) MarkChapterDownloaded(ctx context.Context, chapterID int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE chapters SET is_downloaded = 1 WHERE id = ?`, chapterID)
	if err != nil {
		return err
	}

	return expectAffected(res, "chapter", chapterID)
}

func (r *LibraryWriteRepository) UpdateNovelCover(ctx context.Context, novelID int64, cover string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE novels SET cover = ? WHERE id = ?`, cover, novelID)
	if err != nil {
		return err
	}

	return expectAffected(res, "novel", novelID)
}

// RestoreNovel overwrites the novel identified by (path, plugin_id) with the
// fetched content in a single transaction.
func (r *LibraryWriteRepository) RestoreNovel(ctx context.Context, snapshot library.Novel, fetched *library.SourceNovel) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	name := fetched.Name
	if name == "" {
		name = snapshot.Name
	}

	cover := fetched.Cover
	if cover == "" {
		cover = snapshot.Cover
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO novels (path, plugin_id, name, cover, summary, author, artist, status, genres, total_pages, in_library)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(path, plugin_id) DO UPDATE SET
			name = excluded.name,
			cover = excluded.cover,
			summary = excluded.summary,
			author = excluded.author,
			artist = excluded.artist,
			status = excluded.status,
			genres = excluded.genres,
			total_pages = excluded.total_pages,
			in_library = 1
	`, snapshot.Path, snapshot.PluginID, name, cover, fetched.Summary, fetched.Author,
		fetched.Artist, fetched.Status, fetched.Genres, fetched.TotalPages)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert novel: %w", err)
	}

	var novelID int64

	err = tx.QueryRowContext(ctx, `SELECT id FROM novels WHERE path = ? AND plugin_id = ?`,
		snapshot.Path, snapshot.PluginID).Scan(&novelID)
	if err != nil {
		return 0, fmt.Errorf("failed to read novel id: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO novel_categories (novel_id, category_id) VALUES (?, ?)`,
		novelID, defaultCategoryID)
	if err != nil {
		return 0, fmt.Errorf("failed to add novel to default category: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chapters (novel_id, path, name, release_time, chapter_number, page, position)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(novel_id, path) DO UPDATE SET
			name = excluded.name,
			release_time = excluded.release_time,
			chapter_number = excluded.chapter_number,
			page = excluded.page,
			position = excluded.position
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for i, ch := range fetched.Chapters {
		page := ch.Page
		if page == "" {
			page = "1"
		}

		if _, err := stmt.ExecContext(ctx, novelID, ch.Path, ch.Name, ch.ReleaseTime, ch.ChapterNumber, page, i); err != nil {
			return 0, fmt.Errorf("failed to upsert chapter %s: %w", ch.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return novelID, nil
}

func expectAffected(res sql.Result, kind string, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, library.ErrNotFound)
	}

	return nil
}
