package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/novel_downloader/internal/library"
	"github.com/italolelis/novel_downloader/internal/telemetry"
)

// InstrumentedLibraryRepository wraps the library repositories with telemetry.
type InstrumentedLibraryRepository struct {
	read      *LibraryReadRepository
	write     *LibraryWriteRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedLibraryRepository creates a new instrumented library repository.
func NewInstrumentedLibraryRepository(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedLibraryRepository {
	return &InstrumentedLibraryRepository{
		read:      NewLibraryReadRepository(db),
		write:     NewLibraryWriteRepository(db),
		telemetry: tel,
	}
}

var _ library.Repository = (*InstrumentedLibraryRepository)(nil)

// GetNovel retrieves a novel with telemetry.
func (r *InstrumentedLibraryRepository) GetNovel(ctx context.Context, id int64) (*library.Novel, error) {
	var result *library.Novel

	err := r.telemetry.InstrumentDBOperation(ctx, "get_novel", func(ctx context.Context) error {
		var err error

		result, err = r.read.GetNovel(ctx, id)

		return err
	})

	return result, err
}

// GetChapter retrieves a chapter with telemetry.
func (r *InstrumentedLibraryRepository) GetChapter(ctx context.Context, id int64) (*library.Chapter, error) {
	var result *library.Chapter

	err := r.telemetry.InstrumentDBOperation(ctx, "get_chapter", func(ctx context.Context) error {
		var err error

		result, err = r.read.GetChapter(ctx, id)

		return err
	})

	return result, err
}

// ListChapters lists a novel's chapters with telemetry.
func (r *InstrumentedLibraryRepository) ListChapters(ctx context.Context, novelID int64) ([]library.Chapter, error) {
	var result []library.Chapter

	err := r.telemetry.InstrumentDBOperation(ctx, "list_chapters", func(ctx context.Context) error {
		var err error

		result, err = r.read.ListChapters(ctx, novelID)

		return err
	})

	return result, err
}

// LibraryNovels lists library novels with telemetry.
func (r *InstrumentedLibraryRepository) LibraryNovels(ctx context.Context) ([]library.Novel, error) {
	var result []library.Novel

	err := r.telemetry.InstrumentDBOperation(ctx, "library_novels", func(ctx context.Context) error {
		var err error

		result, err = r.read.LibraryNovels(ctx)

		return err
	})

	return result, err
}

// MarkChapterDownloaded flags a chapter as downloaded with telemetry.
func (r *InstrumentedLibraryRepository) MarkChapterDownloaded(ctx context.Context, chapterID int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_chapter_downloaded", func(ctx context.Context) error {
		return r.write.MarkChapterDownloaded(ctx, chapterID)
	})
}

// UpdateNovelCover updates the cover path with telemetry.
func (r *InstrumentedLibraryRepository) UpdateNovelCover(ctx context.Context, novelID int64, cover string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_novel_cover", func(ctx context.Context) error {
		return r.write.UpdateNovelCover(ctx, novelID, cover)
	})
}

// RestoreNovel restores a novel with telemetry.
func (r *InstrumentedLibraryRepository) RestoreNovel(ctx context.Context, snapshot library.Novel, fetched *library.SourceNovel) (int64, error) {
	var id int64

	err := r.telemetry.InstrumentDBOperation(ctx, "restore_novel", func(ctx context.Context) error {
		var err error

		id, err = r.write.RestoreNovel(ctx, snapshot, fetched)

		return err
	})

	return id, err
}
