package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/italolelis/novel_downloader/internal/library"
)

const novelColumns = `id, path, plugin_id, name, cover, summary, author, artist, status, genres, total_pages, in_library`

const chapterColumns = `id, novel_id, path, name, release_time, chapter_number, page, position, is_downloaded`

type scanner interface {
	Scan(dest ...any) error
}

// LibraryReadRepository implements library.NovelReader.
type LibraryReadRepository struct {
	db *sql.DB
}

func NewLibraryReadRepository(db *sql.DB) *LibraryReadRepository {
	return &LibraryReadRepository{db: db}
}

func (r *LibraryReadRepository) GetNovel(ctx context.Context, id int64) (*library.Novel, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+novelColumns+` FROM novels WHERE id = ?`, id)

	n, err := scanNovel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("novel %d: %w", id, library.ErrNotFound)
	}

	return n, err
}

func (r *LibraryReadRepository) GetChapter(ctx context.Context, id int64) (*library.Chapter, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE id = ?`, id)

	c, err := scanChapter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chapter %d: %w", id, library.ErrNotFound)
	}

	return c, err
}

// ListChapters returns a novel's chapters in reading order.
func (r *LibraryReadRepository) ListChapters(ctx context.Context, novelID int64) ([]library.Chapter, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+chapterColumns+` FROM chapters WHERE novel_id = ? ORDER BY position, id`, novelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chapters []library.Chapter

	for rows.Next() {
		c, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}

		chapters = append(chapters, *c)
	}

	return chapters, rows.Err()
}

// LibraryNovels returns every novel currently in the library.
func (r *LibraryReadRepository) LibraryNovels(ctx context.Context) ([]library.Novel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+novelColumns+` FROM novels WHERE in_library = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var novels []library.Novel

	for rows.Next() {
		n, err := scanNovel(rows)
		if err != nil {
			return nil, err
		}

		novels = append(novels, *n)
	}

	return novels, rows.Err()
}

func scanNovel(s scanner) (*library.Novel, error) {
	var n library.Novel

	err := s.Scan(&n.ID, &n.Path, &n.PluginID, &n.Name, &n.Cover, &n.Summary,
		&n.Author, &n.Artist, &n.Status, &n.Genres, &n.TotalPages, &n.InLibrary)
	if err != nil {
		return nil, err
	}

	return &n, nil
}

func scanChapter(s scanner) (*library.Chapter, error) {
	var c library.Chapter

	err := s.Scan(&c.ID, &c.NovelID, &c.Path, &c.Name, &c.ReleaseTime,
		&c.ChapterNumber, &c.Page, &c.Position, &c.IsDownloaded)
	if err != nil {
		return nil, err
	}

	return &c, nil
}
