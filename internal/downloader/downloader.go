// Package downloader fetches queued chapters and stores them on disk.
package downloader

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/novel_downloader/internal/fileutil"
	"github.com/italolelis/novel_downloader/internal/library"
	"github.com/italolelis/novel_downloader/internal/logctx"
	"github.com/italolelis/novel_downloader/internal/progress"
	"github.com/italolelis/novel_downloader/internal/queue"
	"github.com/italolelis/novel_downloader/internal/source"
)

const (
	filePerm = 0o644

	chapterFile = "index.html"
	coverFile   = "cover.png"

	coverProgressInterval = 256 * 1024
)

// Downloader executes chapter download items. Files are laid out as
// <dir>/<plugin>/<novel id>/<chapter id>/index.html with the novel cover at
// <dir>/<plugin>/<novel id>/cover.png.
type Downloader struct {
	downloadDir string
	repo        library.Repository
	sources     source.Lookup
}

func NewDownloader(downloadDir string, repo library.Repository, sources source.Lookup) *Downloader {
	return &Downloader{
		downloadDir: downloadDir,
		repo:        repo,
		sources:     sources,
	}
}

// Execute downloads one chapter in a single attempt. A chapter that is
// already downloaded succeeds without fetching.
func (d *Downloader) Execute(ctx context.Context, item queue.WorkItem) error {
	if item.Kind != queue.KindChapterDownload || item.Chapter == nil {
		return fmt.Errorf("downloader cannot execute %s item", item.Kind)
	}

	job := item.Chapter
	logger := logctx.LoggerFromContext(ctx).With("novel_id", job.NovelID, "chapter_id", job.ChapterID)

	src, err := d.sources.Get(job.PluginID)
	if err != nil {
		return &FetchError{Op: "lookup_source", Err: err}
	}

	chapter, err := d.repo.GetChapter(ctx, job.ChapterID)
	if err != nil {
		return &StorageWriteError{Op: "load_chapter", Err: err}
	}

	if chapter.IsDownloaded {
		logger.DebugContext(ctx, "chapter already downloaded")

		return nil
	}

	novel, err := d.repo.GetNovel(ctx, job.NovelID)
	if err != nil {
		return &StorageWriteError{Op: "load_novel", Err: err}
	}

	novelDir := filepath.Join(d.downloadDir, job.PluginID, strconv.FormatInt(job.NovelID, 10))
	chapterPath := filepath.Join(novelDir, strconv.FormatInt(job.ChapterID, 10), chapterFile)

	var (
		content   string
		coverPath string
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error

		content, err = src.FetchChapter(gctx, job.Path)
		if err != nil {
			return &FetchError{Op: "fetch_chapter", Err: err}
		}

		return nil
	})

	if isRemote(novel.Cover) {
		g.Go(func() error {
			path := filepath.Join(novelDir, coverFile)
			if err := d.downloadCover(gctx, src, novel.Cover, path); err != nil {
				return err
			}

			coverPath = path

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if err := fileutil.WriteFileAtomic(chapterPath, []byte(content), filePerm); err != nil {
		return &StorageWriteError{Op: "write_chapter", Path: chapterPath, Err: err}
	}

	if coverPath != "" {
		if err := d.repo.UpdateNovelCover(ctx, novel.ID, coverPath); err != nil {
			return &StorageWriteError{Op: "update_cover", Err: err}
		}
	}

	if err := d.repo.MarkChapterDownloaded(ctx, job.ChapterID); err != nil {
		return &StorageWriteError{Op: "mark_downloaded", Err: err}
	}

	logger.InfoContext(ctx, "downloaded and saved chapter", "target", chapterPath, "size", humanize.Bytes(uint64(len(content))))

	return nil
}

func (d *Downloader) downloadCover(ctx context.Context, src source.Source, url, target string) error {
	logger := logctx.LoggerFromContext(ctx)

	body, size, err := src.FetchImage(ctx, url)
	if err != nil {
		return &FetchError{Op: "fetch_cover", Err: err}
	}
	defer body.Close()

	progressCb := func(read int64, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "cover download progress",
				"url", url,
				"downloaded", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(read)*100/float64(total), 2))
		} else {
			logger.DebugContext(ctx, "cover download progress", "url", url, "downloaded", humanize.Bytes(uint64(read)))
		}
	}

	var r io.Reader = progress.NewReader(body, size, coverProgressInterval, progressCb)

	if _, err := fileutil.WriteReaderAtomic(target, r, filePerm); err != nil {
		return &StorageWriteError{Op: "write_cover", Path: target, Err: err}
	}

	return nil
}

func isRemote(cover string) bool {
	return strings.HasPrefix(cover, "http://") || strings.HasPrefix(cover, "https://")
}
