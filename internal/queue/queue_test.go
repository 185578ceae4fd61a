package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/novel_downloader/internal/library"
	"github.com/italolelis/novel_downloader/internal/storage"
	"github.com/italolelis/novel_downloader/internal/storage/memory"
)

func chapter(id int64) WorkItem {
	return NewChapterDownload(ChapterDownload{
		NovelID:     1,
		ChapterID:   id,
		PluginID:    "royalroad",
		NovelName:   "Mother of Learning",
		ChapterName: "Chapter " + string(rune('0'+id)),
		Path:        "/fiction/21220/chapter/" + string(rune('0'+id)),
	})
}

func keys(items []WorkItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Key())
	}

	return out
}

func TestStoreAppendAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewStore(memory.NewKVStore())

	items, err := s.Read(ctx, ActionDownload)
	require.NoError(t, err)
	assert.Empty(t, items)

	n, err := s.Append(ctx, ActionDownload, chapter(1), chapter(2))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Append(ctx, ActionDownload, chapter(3))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	items, err = s.Read(ctx, ActionDownload)
	require.NoError(t, err)
	assert.Equal(t, []string{"chapter:1", "chapter:2", "chapter:3"}, keys(items))

	restoreQueue, err := s.Read(ctx, ActionRestore)
	require.NoError(t, err)
	assert.Empty(t, restoreQueue, "queues are kept per action")
}

func TestStorePopHead(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewKVStore()
	s := NewStore(kv)

	_, err := s.Append(ctx, ActionDownload, chapter(1), chapter(2))
	require.NoError(t, err)

	require.NoError(t, s.PopHead(ctx, ActionDownload))

	items, err := s.Read(ctx, ActionDownload)
	require.NoError(t, err)
	assert.Equal(t, []string{"chapter:2"}, keys(items))

	require.NoError(t, s.PopHead(ctx, ActionDownload))

	_, err = kv.Get(ctx, "queue:download")
	require.ErrorIs(t, err, storage.ErrNotFound, "empty queue deletes the key")

	require.NoError(t, s.PopHead(ctx, ActionDownload), "popping an empty queue is a no-op")
}

func TestStoreRemoveKeys(t *testing.T) {
	ctx := context.Background()
	s := NewStore(memory.NewKVStore())

	_, err := s.Append(ctx, ActionDownload, chapter(1), chapter(2), chapter(3))
	require.NoError(t, err)

	removed, err := s.RemoveKeys(ctx, ActionDownload, "chapter:2", "chapter:9")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	items, err := s.Read(ctx, ActionDownload)
	require.NoError(t, err)
	assert.Equal(t, []string{"chapter:1", "chapter:3"}, keys(items))

	require.NoError(t, s.Clear(ctx, ActionDownload))

	n, err := s.Len(ctx, ActionDownload)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoreRemoveAppended(t *testing.T) {
	ctx := context.Background()
	s := NewStore(memory.NewKVStore())

	_, err := s.Append(ctx, ActionDownload, chapter(1), chapter(2), chapter(3))
	require.NoError(t, err)

	added := []WorkItem{chapter(2), chapter(4)}

	n, err := s.Append(ctx, ActionDownload, added...)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	removed, err := s.RemoveAppended(ctx, ActionDownload, added...)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	items, err := s.Read(ctx, ActionDownload)
	require.NoError(t, err)
	assert.Equal(t, []string{"chapter:1", "chapter:2", "chapter:3"}, keys(items), "items queued before the append stay")

	removed, err = s.RemoveAppended(ctx, ActionDownload, chapter(9))
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestStoreCorruptQueue(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewKVStore()
	require.NoError(t, kv.Set(ctx, "queue:restore", []byte("{not json")))

	_, err := NewStore(kv).Read(ctx, ActionRestore)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "queue:restore", perr.Key)
	assert.Equal(t, "decode", perr.Op)
}

type failingKV struct {
	storage.KeyValueStore
	err error
}

func (f failingKV) Get(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingKV) Set(context.Context, string, []byte) error  { return f.err }

func TestStoreBackendFailure(t *testing.T) {
	boom := errors.New("disk full")
	s := NewStore(failingKV{err: boom})

	_, err := s.Append(context.Background(), ActionDownload, chapter(1))
	require.ErrorIs(t, err, boom)

	var perr *PersistenceError
	assert.ErrorAs(t, err, &perr)
}

func TestLock(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewKVStore()
	l := NewLock(kv)

	action, err := l.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action)

	require.NoError(t, l.Acquire(ctx, LockState{Action: ActionDownload, RunID: "run-1", Owner: "host-1"}))

	state, err := l.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionDownload, state.Action)
	assert.Equal(t, "run-1", state.RunID)
	assert.False(t, state.AcquiredAt.IsZero())

	released, err := l.Release(ctx, "run-2")
	require.NoError(t, err)
	assert.False(t, released, "another run must not clear the lock")

	released, err = l.Release(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, released)

	action, err = l.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action)

	require.NoError(t, l.Acquire(ctx, LockState{Action: ActionRestore, RunID: "run-3"}))

	released, err = l.Release(ctx, "")
	require.NoError(t, err)
	assert.True(t, released, "empty run id clears unconditionally")
}

func TestLockLegacyValue(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewKVStore()
	require.NoError(t, kv.Set(ctx, "background_action", []byte("restore")))

	action, err := NewLock(kv).Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionRestore, action)

	require.NoError(t, kv.Set(ctx, "background_action", []byte("garbage")))

	_, err = NewLock(kv).Current(ctx)

	var perr *PersistenceError
	assert.ErrorAs(t, err, &perr)
}

func TestWorkItem(t *testing.T) {
	tests := []struct {
		name   string
		item   WorkItem
		key    string
		label  string
		title  string
		plugin string
	}{
		{
			name:   "chapter download",
			item:   chapter(4),
			key:    "chapter:4",
			label:  "Chapter 4",
			title:  "Mother of Learning",
			plugin: "royalroad",
		},
		{
			name:   "novel restore",
			item:   NewNovelRestore(library.Novel{Path: "/n/worm", PluginID: "parahumans", Name: "Worm"}, 2),
			key:    "novel:parahumans:/n/worm",
			label:  "Worm",
			title:  "Worm",
			plugin: "parahumans",
		},
		{
			name:  "empty item",
			item:  WorkItem{},
			key:   "unknown",
			label: "unknown",
			title: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.key, tt.item.Key())
			assert.Equal(t, tt.label, tt.item.Label())
			assert.Equal(t, tt.title, tt.item.Title())
			assert.Equal(t, tt.plugin, tt.item.PluginID())
		})
	}
}

func TestParseAction(t *testing.T) {
	for _, in := range []string{"", "none", "download", "backup", "restore"} {
		a, err := ParseAction(in)
		require.NoError(t, err, in)

		if in == "none" {
			assert.Equal(t, ActionNone, a)
		}
	}

	_, err := ParseAction("upload")
	assert.Error(t, err)
	assert.Equal(t, "none", ActionNone.String())
}
