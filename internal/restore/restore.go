// Package restore re-fetches novels listed in a backup and writes them back
// into the library.
package restore

import (
	"context"
	"fmt"
	"time"

	"github.com/italolelis/novel_downloader/internal/library"
	"github.com/italolelis/novel_downloader/internal/logctx"
	"github.com/italolelis/novel_downloader/internal/processor"
	"github.com/italolelis/novel_downloader/internal/queue"
	"github.com/italolelis/novel_downloader/internal/source"
)

// Executor restores one novel per work item.
type Executor struct {
	repo    library.NovelWriter
	sources source.Lookup
}

func NewExecutor(repo library.NovelWriter, sources source.Lookup) *Executor {
	return &Executor{repo: repo, sources: sources}
}

// Execute fails with source.ErrSourceUnavailable, without any network call,
// when the novel's source is not installed. Otherwise the canonical novel
// overwrites the library record with the same path and source.
func (e *Executor) Execute(ctx context.Context, item queue.WorkItem) error {
	if item.Kind != queue.KindNovelRestore || item.Novel == nil {
		return fmt.Errorf("restore cannot execute %s item", item.Kind)
	}

	snapshot := item.Novel.Novel

	src, err := e.sources.Get(snapshot.PluginID)
	if err != nil {
		return err
	}

	fetched, err := src.FetchNovel(ctx, snapshot.Path)
	if err != nil {
		return fmt.Errorf("failed to fetch novel: %w", err)
	}

	id, err := e.repo.RestoreNovel(ctx, snapshot, fetched)
	if err != nil {
		return fmt.Errorf("failed to save novel: %w", err)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "novel restored",
		"novel_id", id,
		"plugin_id", snapshot.PluginID,
		"chapters", len(fetched.Chapters),
	)

	return nil
}

// SameSourcePacer waits d only between consecutive items from the same
// source. Switching sources needs no delay.
func SameSourcePacer(d time.Duration) processor.Pacer {
	return func(prev, next queue.WorkItem) time.Duration {
		if prev.PluginID() == next.PluginID() {
			return d
		}

		return 0
	}
}

// Items turns backup novels into restore work items, keeping their order.
func Items(novels []library.Novel) []queue.WorkItem {
	items := make([]queue.WorkItem, 0, len(novels))
	for i, n := range novels {
		items = append(items, queue.NewNovelRestore(n, i))
	}

	return items
}
