// Package library defines the novels and chapters the queue works on and the
// repository contract the storage layer implements.
package library

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

// Novel is a library entry. It is also the backup and error ledger record,
// hence the camelCase JSON names.
type Novel struct {
	ID         int64  `json:"id"`
	Path       string `json:"path"`
	PluginID   string `json:"pluginId"`
	Name       string `json:"name"`
	Cover      string `json:"cover,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Author     string `json:"author,omitempty"`
	Artist     string `json:"artist,omitempty"`
	Status     string `json:"status,omitempty"`
	Genres     string `json:"genres,omitempty"`
	TotalPages int    `json:"totalPages,omitempty"`
	InLibrary  bool   `json:"inLibrary"`
}

type Chapter struct {
	ID            int64   `json:"id"`
	NovelID       int64   `json:"novelId"`
	Path          string  `json:"path"`
	Name          string  `json:"name"`
	ReleaseTime   string  `json:"releaseTime,omitempty"`
	ChapterNumber float64 `json:"chapterNumber,omitempty"`
	Page          string  `json:"page,omitempty"`
	Position      int     `json:"position"`
	IsDownloaded  bool    `json:"isDownloaded"`
}

// SourceNovel is the canonical novel as a content source returns it.
type SourceNovel struct {
	Path       string          `json:"path"`
	Name       string          `json:"name"`
	Cover      string          `json:"cover,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	Author     string          `json:"author,omitempty"`
	Artist     string          `json:"artist,omitempty"`
	Status     string          `json:"status,omitempty"`
	Genres     string          `json:"genres,omitempty"`
	TotalPages int             `json:"totalPages,omitempty"`
	Chapters   []SourceChapter `json:"chapters"`
}

type SourceChapter struct {
	Path          string  `json:"path"`
	Name          string  `json:"name"`
	ReleaseTime   string  `json:"releaseTime,omitempty"`
	ChapterNumber float64 `json:"chapterNumber,omitempty"`
	Page          string  `json:"page,omitempty"`
}

type NovelReader interface {
	GetNovel(ctx context.Context, id int64) (*Novel, error)
	GetChapter(ctx context.Context, id int64) (*Chapter, error)
	ListChapters(ctx context.Context, novelID int64) ([]Chapter, error)
	LibraryNovels(ctx context.Context) ([]Novel, error)
}

type NovelWriter interface {
	MarkChapterDownloaded(ctx context.Context, chapterID int64) error
	UpdateNovelCover(ctx context.Context, novelID int64, cover string) error
	// RestoreNovel upserts the novel identified by (path, pluginId), puts it in
	// the library and the default category, and upserts its chapters.
	// Chapters already downloaded keep their flag.
	RestoreNovel(ctx context.Context, snapshot Novel, fetched *SourceNovel) (int64, error)
}

type Repository interface {
	NovelReader
	NovelWriter
}
