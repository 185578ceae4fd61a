package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/novel_downloader/internal/library"
	"github.com/italolelis/novel_downloader/internal/notifier"
	"github.com/italolelis/novel_downloader/internal/processor"
	"github.com/italolelis/novel_downloader/internal/queue"
	"github.com/italolelis/novel_downloader/internal/restore"
	"github.com/italolelis/novel_downloader/internal/runner"
	"github.com/italolelis/novel_downloader/internal/storage"
	"github.com/italolelis/novel_downloader/internal/storage/memory"
	"github.com/italolelis/novel_downloader/internal/storage/sqlite"
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []notifier.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notifier.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.got = append(r.got, n)

	return nil
}

func (r *recordingNotifier) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.got))
	for _, n := range r.got {
		out = append(out, n.Title)
	}

	return out
}

type recordingExecutor struct {
	mu   sync.Mutex
	keys []string
	gate chan struct{}
	// gateKey limits the gate to one item when set.
	gateKey string
	entered chan struct{}
	fail    map[string]bool
}

func (e *recordingExecutor) Execute(_ context.Context, item queue.WorkItem) error {
	if e.gate != nil && (e.gateKey == "" || e.gateKey == item.Key()) {
		if e.entered != nil {
			e.entered <- struct{}{}
		}

		<-e.gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.keys = append(e.keys, item.Key())

	if e.fail[item.Key()] {
		return errors.New("source returned 503")
	}

	return nil
}

func (e *recordingExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.keys...)
}

type fixture struct {
	o        *Orchestrator
	runner   *runner.Runner
	store    *queue.Store
	lock     *queue.Lock
	repo     *sqlite.InstrumentedLibraryRepository
	ledger   *restore.Ledger
	dir      string
	sink     *recordingNotifier
	download *recordingExecutor
	restorer *recordingExecutor
	novelID  int64
	chapters []library.Chapter
}

func newFixture(t *testing.T, resumeOnStart bool) *fixture {
	t.Helper()

	ctx := context.Background()
	dir := t.TempDir()

	db, err := sqlite.InitDB(filepath.Join(dir, "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := sqlite.NewInstrumentedLibraryRepository(db, nil)

	novelID, err := repo.RestoreNovel(ctx, library.Novel{Path: "/fiction/7", PluginID: "royalroad"}, &library.SourceNovel{
		Name: "Mother of Learning",
		Chapters: []library.SourceChapter{
			{Path: "/fiction/7/1", Name: "Good Morning Brother"},
			{Path: "/fiction/7/2", Name: "Life's Little Problems"},
			{Path: "/fiction/7/3", Name: "Cutting Class"},
		},
	})
	require.NoError(t, err)

	chapters, err := repo.ListChapters(ctx, novelID)
	require.NoError(t, err)
	require.Len(t, chapters, 3)

	kv := memory.NewKVStore()
	store := queue.NewStore(kv)
	lock := queue.NewLock(kv)
	r := runner.New(lock, store, runner.WithLockFile(filepath.Join(dir, "runner.lock")))

	f := &fixture{
		runner:   r,
		store:    store,
		lock:     lock,
		repo:     repo,
		ledger:   restore.NewLedger(filepath.Join(dir, "errorNovels.json")),
		dir:      dir,
		sink:     &recordingNotifier{},
		download: &recordingExecutor{},
		restorer: &recordingExecutor{},
		novelID:  novelID,
		chapters: chapters,
	}

	f.o = New(Params{
		Runner:        r,
		Store:         store,
		Lock:          lock,
		Repo:          repo,
		Downloader:    f.download,
		Restorer:      f.restorer,
		Ledger:        f.ledger,
		Backup:        restore.NewBackup(dir, repo),
		Notifier:      f.sink,
		ResumeOnStart: resumeOnStart,
		StopTimeout:   5 * time.Second,
	})

	return f
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.runner.Wait(ctx))
}

func chapterKey(c library.Chapter) string {
	return queue.NewChapterDownload(queue.ChapterDownload{ChapterID: c.ID}).Key()
}

func TestDownloadChaptersDrainsQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	require.NoError(t, f.repo.MarkChapterDownloaded(ctx, f.chapters[1].ID))

	n, err := f.o.DownloadChapters(ctx, f.novelID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "downloaded chapters are skipped")

	f.wait(t)

	assert.Equal(t, []string{chapterKey(f.chapters[0]), chapterKey(f.chapters[2])}, f.download.executed())

	items, err := f.o.Queue(ctx, queue.ActionDownload)
	require.NoError(t, err)
	assert.Empty(t, items)

	action, err := f.o.CurrentAction(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.ActionNone, action)

	assert.Contains(t, f.sink.titles(), "Download complete")
}

func TestDownloadChaptersSelection(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown novel", func(t *testing.T) {
		f := newFixture(t, false)

		_, err := f.o.DownloadChapters(ctx, 999, nil)
		require.ErrorIs(t, err, library.ErrNotFound)
	})

	t.Run("chapter of another novel", func(t *testing.T) {
		f := newFixture(t, false)

		_, err := f.o.DownloadChapters(ctx, f.novelID, []int64{999})
		require.ErrorIs(t, err, library.ErrNotFound)

		n, err := f.store.Len(ctx, queue.ActionDownload)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("nothing left to download", func(t *testing.T) {
		f := newFixture(t, false)

		for _, c := range f.chapters {
			require.NoError(t, f.repo.MarkChapterDownloaded(ctx, c.ID))
		}

		_, err := f.o.DownloadChapters(ctx, f.novelID, nil)
		require.ErrorIs(t, err, ErrNothingQueued)
		assert.False(t, f.runner.Running())
	})

	t.Run("already queued chapters are not queued twice", func(t *testing.T) {
		f := newFixture(t, false)
		f.download.gate = make(chan struct{})

		n, err := f.o.DownloadChapters(ctx, f.novelID, []int64{f.chapters[0].ID, f.chapters[1].ID})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = f.o.DownloadChapters(ctx, f.novelID, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		close(f.download.gate)
		f.wait(t)

		assert.Len(t, f.download.executed(), 3)
	})
}

func TestConflictIsRejectedAndNotified(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.download.gate = make(chan struct{})

	_, err := f.o.DownloadChapters(ctx, f.novelID, nil)
	require.NoError(t, err)

	backup := filepath.Join(f.dir, "novel_backup_2024-01-01_10-00.json")
	data, err := json.Marshal([]library.Novel{{Path: "/x", PluginID: "royalroad", Name: "X"}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(backup, data, 0o644))

	_, err = f.o.RestoreBackup(ctx, backup)

	var conflict *runner.LockConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, queue.ActionRestore, conflict.Requested)
	assert.Equal(t, queue.ActionDownload, conflict.Running)

	_, err = f.o.CreateBackup(ctx)
	require.ErrorAs(t, err, &conflict)

	n, err := f.store.Len(ctx, queue.ActionRestore)
	require.NoError(t, err)
	assert.Zero(t, n, "a rejected request leaves no queued items")

	assert.Contains(t, f.sink.titles(), "Cannot start restore")

	close(f.download.gate)
	f.wait(t)

	assert.Len(t, f.download.executed(), 3, "the running download is unaffected")
}

func TestPauseResumeCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.download.gate = make(chan struct{}, 3)

	_, err := f.o.DownloadChapters(ctx, f.novelID, nil)
	require.NoError(t, err)

	f.download.gate <- struct{}{}

	require.Eventually(t, func() bool { return len(f.download.executed()) == 1 }, 5*time.Second, 10*time.Millisecond)

	pauseErr := make(chan error, 1)
	go func() { pauseErr <- f.o.Pause(ctx, queue.ActionDownload) }()

	// The chapter in flight completes before the loop exits.
	select {
	case <-pauseErr:
		t.Fatal("pause returned while a chapter was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	f.download.gate <- struct{}{}
	require.NoError(t, <-pauseErr)
	assert.False(t, f.runner.Running())

	n, err := f.store.Len(ctx, queue.ActionDownload)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "pause keeps the rest of the queue")

	action, err := f.o.CurrentAction(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.ActionNone, action)

	require.NoError(t, f.o.Pause(ctx, queue.ActionDownload), "pausing twice is a no-op")

	res, err := f.o.Resume(ctx, queue.ActionDownload)
	require.NoError(t, err)
	assert.Equal(t, runner.Started, res)

	f.download.gate <- struct{}{}
	f.wait(t)

	assert.Equal(t, []string{chapterKey(f.chapters[0]), chapterKey(f.chapters[1]), chapterKey(f.chapters[2])}, f.download.executed())

	_, err = f.o.Resume(ctx, queue.ActionDownload)
	require.ErrorIs(t, err, ErrNothingQueued)

	t.Run("cancel empties the queue", func(t *testing.T) {
		_, err := f.store.Append(ctx, queue.ActionDownload, queue.NewChapterDownload(queue.ChapterDownload{ChapterID: 42}))
		require.NoError(t, err)

		require.NoError(t, f.o.Cancel(ctx, queue.ActionDownload))

		n, err := f.store.Len(ctx, queue.ActionDownload)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestRemoveDownloads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	items := make([]queue.WorkItem, 0, len(f.chapters))
	for _, c := range f.chapters {
		items = append(items, queue.NewChapterDownload(queue.ChapterDownload{ChapterID: c.ID}))
	}

	_, err := f.store.Append(ctx, queue.ActionDownload, items...)
	require.NoError(t, err)

	removed, err := f.o.RemoveDownloads(ctx, []int64{f.chapters[0].ID, f.chapters[2].ID, 999})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	queued, err := f.o.Queue(ctx, queue.ActionDownload)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, chapterKey(f.chapters[1]), queued[0].Key())
}

func TestRestoreBackupAndErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	_, err := f.o.RestoreErrors(ctx)
	require.ErrorIs(t, err, restore.ErrNoLedger)

	res, err := f.o.CreateBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, runner.Started, res)
	f.wait(t)

	matches, err := filepath.Glob(filepath.Join(f.dir, restore.BackupPrefix+"*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	n, err := f.o.RestoreBackup(ctx, matches[0])
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.wait(t)

	assert.Equal(t, []string{"novel:royalroad:/fiction/7"}, f.restorer.executed())

	require.NoError(t, f.ledger.Replace([]library.Novel{{Path: "/fiction/9", PluginID: "scribblehub", Name: "Failed"}}))

	n, err = f.o.RestoreErrors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.wait(t)

	assert.Equal(t, "novel:scribblehub:/fiction/9", f.restorer.executed()[1])

	_, err = f.ledger.Load()
	assert.ErrorIs(t, err, restore.ErrNoLedger, "a clean retry clears the ledger")
}

func writeBackup(t *testing.T, dir, name string, novels ...library.Novel) string {
	t.Helper()

	path := filepath.Join(dir, name)

	data, err := json.Marshal(novels)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return path
}

func TestRestoreJoiningRunningRestoreKeepsLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	bad := library.Novel{Path: "/bad", PluginID: "royalroad", Name: "Bad"}
	first := writeBackup(t, f.dir, "novel_backup_2024-01-01_10-00.json",
		bad,
		library.Novel{Path: "/ok1", PluginID: "royalroad", Name: "Ok 1"},
	)
	second := writeBackup(t, f.dir, "novel_backup_2024-01-02_10-00.json",
		library.Novel{Path: "/ok2", PluginID: "royalroad", Name: "Ok 2"},
	)

	badKey := "novel:royalroad:/bad"
	f.restorer.gate = make(chan struct{})
	f.restorer.gateKey = badKey
	f.restorer.entered = make(chan struct{}, 1)
	f.restorer.fail = map[string]bool{badKey: true}

	_, err := f.o.RestoreBackup(ctx, first)
	require.NoError(t, err)
	<-f.restorer.entered

	n, err := f.o.RestoreBackup(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	close(f.restorer.gate)
	f.wait(t)

	assert.Equal(t, []string{badKey, "novel:royalroad:/ok1", "novel:royalroad:/ok2"}, f.restorer.executed())

	failed, err := f.ledger.Load()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "Bad", failed[0].Name)

	var terminal []notifier.Notification

	f.sink.mu.Lock()
	for _, got := range f.sink.got {
		if got.Title == "Restore complete" {
			terminal = append(terminal, got)
		}
	}
	f.sink.mu.Unlock()

	require.Len(t, terminal, 1, "one terminal notification per batch")
	assert.Equal(t, "2 restored, 1 failed", terminal[0].Body)

	n, err = f.o.RestoreErrors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.wait(t)
}

// racingKV runs onAppend once, right after the first write to appendKey
// after it is set.
type racingKV struct {
	storage.KeyValueStore
	appendKey string
	once      sync.Once
	onAppend  func()
}

func (k *racingKV) Set(ctx context.Context, key string, value []byte) error {
	if err := k.KeyValueStore.Set(ctx, key, value); err != nil {
		return err
	}

	if key == k.appendKey && k.onAppend != nil {
		k.once.Do(k.onAppend)
	}

	return nil
}

func TestLostStartRaceKeepsEarlierQueuedItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	paused := library.Novel{Path: "/fiction/9", PluginID: "scribblehub", Name: "Paused"}

	kv := &racingKV{KeyValueStore: memory.NewKVStore(), appendKey: "queue:restore"}
	store := queue.NewStore(kv)
	lock := queue.NewLock(kv)
	lockFile := filepath.Join(f.dir, "race.lock")

	// A paused restore still holds the novel.
	_, err := store.Append(ctx, queue.ActionRestore, restore.Items([]library.Novel{paused})...)
	require.NoError(t, err)

	// Another process takes the lock between our append and our start.
	other := runner.New(lock, store, runner.WithLockFile(lockFile))
	release := make(chan struct{})

	kv.onAppend = func() {
		_, err := other.Start(ctx, queue.ActionDownload, func(context.Context) error {
			<-release

			return nil
		})
		assert.NoError(t, err)
	}

	o := New(Params{
		Runner:      runner.New(lock, store, runner.WithLockFile(lockFile)),
		Store:       store,
		Lock:        lock,
		Repo:        f.repo,
		Downloader:  f.download,
		Restorer:    f.restorer,
		Notifier:    f.sink,
		StopTimeout: 5 * time.Second,
	})

	_, err = o.RestoreBackup(ctx, writeBackup(t, f.dir, "novel_backup_2024-01-01_10-00.json", paused))

	var conflict *runner.LockConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, queue.ActionDownload, conflict.Running)

	items, err := store.Read(ctx, queue.ActionRestore)
	require.NoError(t, err)
	require.Len(t, items, 1, "only the appended copy is taken back")
	assert.Equal(t, "novel:scribblehub:/fiction/9", items[0].Key())

	close(release)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	require.NoError(t, other.Wait(waitCtx))
}

func TestRecover(t *testing.T) {
	ctx := context.Background()

	stale := queue.LockState{Action: queue.ActionDownload, Owner: "crashed-host-1", RunID: "old"}

	t.Run("resumes the persisted action", func(t *testing.T) {
		f := newFixture(t, false)

		_, err := f.store.Append(ctx, queue.ActionDownload, queue.NewChapterDownload(queue.ChapterDownload{ChapterID: f.chapters[0].ID}))
		require.NoError(t, err)
		require.NoError(t, f.lock.Acquire(ctx, stale))

		require.NoError(t, f.o.Recover(ctx))
		f.wait(t)

		assert.Equal(t, []string{chapterKey(f.chapters[0])}, f.download.executed())
	})

	t.Run("clears a lock with nothing to do", func(t *testing.T) {
		f := newFixture(t, false)
		require.NoError(t, f.lock.Acquire(ctx, queue.LockState{Action: queue.ActionBackup, Owner: "crashed-host-1"}))

		require.NoError(t, f.o.Recover(ctx))

		action, err := f.o.CurrentAction(ctx)
		require.NoError(t, err)
		assert.Equal(t, queue.ActionNone, action)
	})

	t.Run("pending downloads wait without resume on start", func(t *testing.T) {
		f := newFixture(t, false)

		_, err := f.store.Append(ctx, queue.ActionDownload, queue.NewChapterDownload(queue.ChapterDownload{ChapterID: f.chapters[0].ID}))
		require.NoError(t, err)

		require.NoError(t, f.o.Recover(ctx))
		assert.False(t, f.runner.Running())
	})

	t.Run("pending downloads resume on start", func(t *testing.T) {
		f := newFixture(t, true)

		_, err := f.store.Append(ctx, queue.ActionDownload, queue.NewChapterDownload(queue.ChapterDownload{ChapterID: f.chapters[0].ID}))
		require.NoError(t, err)

		require.NoError(t, f.o.Recover(ctx))
		f.wait(t)

		assert.Len(t, f.download.executed(), 1)
	})
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.download.gate = make(chan struct{})

	_, err := f.o.DownloadChapters(ctx, f.novelID, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := f.o.Status(ctx)

		return err == nil && st.Progress["download"].Total == 3
	}, 5*time.Second, 10*time.Millisecond)

	st, err := f.o.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "download", st.Action)
	assert.True(t, st.Local)
	assert.Equal(t, 3, st.Queues["download"])
	assert.Zero(t, st.Queues["restore"])
	require.NotNil(t, st.AcquiredAt)

	close(f.download.gate)
	f.wait(t)

	st, err = f.o.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "none", st.Action)
	assert.True(t, st.Progress["download"].Done)
}

func TestExecutorFailuresDoNotStopTheBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	var calls int

	f.o.download = processor.New(queue.ActionDownload, f.store, processor.ExecutorFunc(func(context.Context, queue.WorkItem) error {
		calls++
		if calls == 2 {
			return errors.New("chapter is locked")
		}

		return nil
	}), processor.WithNotifier(f.sink))

	_, err := f.o.DownloadChapters(ctx, f.novelID, nil)
	require.NoError(t, err)
	f.wait(t)

	assert.Equal(t, 3, calls)
	assert.Contains(t, f.sink.titles(), "Failed to download Life's Little Problems")
}
