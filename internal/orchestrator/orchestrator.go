// Package orchestrator is the entry point for every user request: it puts
// work on the queues, starts the background runner and answers status queries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/italolelis/novel_downloader/internal/library"
	"github.com/italolelis/novel_downloader/internal/logctx"
	"github.com/italolelis/novel_downloader/internal/notifier"
	"github.com/italolelis/novel_downloader/internal/processor"
	"github.com/italolelis/novel_downloader/internal/progress"
	"github.com/italolelis/novel_downloader/internal/queue"
	"github.com/italolelis/novel_downloader/internal/restore"
	"github.com/italolelis/novel_downloader/internal/runner"
	"github.com/italolelis/novel_downloader/internal/telemetry"
)

const defaultStopTimeout = 30 * time.Second

// ErrNothingQueued is returned when a request would start a batch with no items.
var ErrNothingQueued = errors.New("nothing to queue")

type Params struct {
	Runner     *runner.Runner
	Store      *queue.Store
	Lock       *queue.Lock
	Repo       library.Repository
	Downloader processor.Executor
	Restorer   processor.Executor
	Ledger     *restore.Ledger
	Backup     *restore.Backup
	Tracker    *progress.Tracker
	Notifier   notifier.Notifier
	Telemetry  *telemetry.Telemetry

	// DownloadDelay is waited between two chapter downloads.
	DownloadDelay time.Duration
	// RestoreDelay is waited between two restores from the same source.
	RestoreDelay time.Duration
	// ResumeOnStart makes Recover resume a download queue left by a clean exit.
	ResumeOnStart bool
	StopTimeout   time.Duration
}

type Orchestrator struct {
	runner    *runner.Runner
	store     *queue.Store
	lock      *queue.Lock
	repo      library.Repository
	ledger    *restore.Ledger
	backup    *restore.Backup
	tracker   *progress.Tracker
	notifier  notifier.Notifier
	telemetry *telemetry.Telemetry

	resumeOnStart bool
	stopTimeout   time.Duration

	download *processor.Processor
	restore  *processor.Processor
}

func New(p Params) *Orchestrator {
	if p.Notifier == nil {
		p.Notifier = notifier.Nop{}
	}

	if p.Tracker == nil {
		p.Tracker = progress.NewTracker()
	}

	if p.StopTimeout <= 0 {
		p.StopTimeout = defaultStopTimeout
	}

	o := &Orchestrator{
		runner:        p.Runner,
		store:         p.Store,
		lock:          p.Lock,
		repo:          p.Repo,
		ledger:        p.Ledger,
		backup:        p.Backup,
		tracker:       p.Tracker,
		notifier:      p.Notifier,
		telemetry:     p.Telemetry,
		resumeOnStart: p.ResumeOnStart,
		stopTimeout:   p.StopTimeout,
	}

	o.download = processor.New(queue.ActionDownload, p.Store, p.Downloader,
		processor.WithNotifier(p.Notifier),
		processor.WithReporter(p.Tracker),
		processor.WithPacer(processor.FixedPacer(p.DownloadDelay)),
		processor.WithTelemetry(p.Telemetry),
	)

	restoreOpts := []processor.Option{
		processor.WithNotifier(p.Notifier),
		processor.WithReporter(p.Tracker),
		processor.WithPacer(restore.SameSourcePacer(p.RestoreDelay)),
		processor.WithTelemetry(p.Telemetry),
	}

	if p.Ledger != nil {
		restoreOpts = append(restoreOpts, processor.WithBatchEndHook(p.Ledger.BatchEndHook()))
	}

	o.restore = processor.New(queue.ActionRestore, p.Store, p.Restorer, restoreOpts...)

	return o
}

// DownloadChapters queues chapters of a novel for download and makes sure the
// download loop runs. With no chapter ids every chapter not yet downloaded is
// queued. Chapters already downloaded or already queued are skipped.
func (o *Orchestrator) DownloadChapters(ctx context.Context, novelID int64, chapterIDs []int64) (int, error) {
	novel, err := o.repo.GetNovel(ctx, novelID)
	if err != nil {
		return 0, err
	}

	chapters, err := o.repo.ListChapters(ctx, novelID)
	if err != nil {
		return 0, fmt.Errorf("failed to list chapters: %w", err)
	}

	byID := make(map[int64]library.Chapter, len(chapters))
	for _, c := range chapters {
		byID[c.ID] = c
	}

	selected := chapters

	if len(chapterIDs) > 0 {
		selected = make([]library.Chapter, 0, len(chapterIDs))

		for _, id := range chapterIDs {
			c, ok := byID[id]
			if !ok {
				return 0, fmt.Errorf("chapter %d of novel %d: %w", id, novelID, library.ErrNotFound)
			}

			selected = append(selected, c)
		}
	}

	queued, err := o.store.Read(ctx, queue.ActionDownload)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{}, len(queued))
	for _, item := range queued {
		seen[item.Key()] = struct{}{}
	}

	items := make([]queue.WorkItem, 0, len(selected))

	for _, c := range selected {
		if c.IsDownloaded {
			continue
		}

		item := queue.NewChapterDownload(queue.ChapterDownload{
			NovelID:     novel.ID,
			ChapterID:   c.ID,
			PluginID:    novel.PluginID,
			NovelName:   novel.Name,
			ChapterName: c.Name,
			Path:        c.Path,
		})

		if _, ok := seen[item.Key()]; ok {
			continue
		}

		seen[item.Key()] = struct{}{}
		items = append(items, item)
	}

	if err := o.enqueue(ctx, queue.ActionDownload, items); err != nil {
		return 0, err
	}

	return len(items), nil
}

// RemoveDownloads drops queued chapters. The running loop is not stopped; a
// chapter already being downloaded completes.
func (o *Orchestrator) RemoveDownloads(ctx context.Context, chapterIDs []int64) (int, error) {
	keys := make([]string, 0, len(chapterIDs))
	for _, id := range chapterIDs {
		keys = append(keys, queue.NewChapterDownload(queue.ChapterDownload{ChapterID: id}).Key())
	}

	removed, err := o.store.RemoveKeys(ctx, queue.ActionDownload, keys...)
	if err != nil {
		return 0, err
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "removed chapters from download queue", "requested", len(keys), "removed", removed)

	return removed, nil
}

// Resume restarts the loop of a queued action, continuing from the queue head.
func (o *Orchestrator) Resume(ctx context.Context, action queue.Action) (runner.StartResult, error) {
	job, err := o.job(action)
	if err != nil {
		return runner.RejectedDifferentActionRunning, err
	}

	n, err := o.store.Len(ctx, action)
	if err != nil {
		return runner.RejectedDifferentActionRunning, err
	}

	if n == 0 {
		return runner.RejectedDifferentActionRunning, fmt.Errorf("%s queue is empty: %w", action, ErrNothingQueued)
	}

	return o.start(ctx, action, job)
}

// Pause stops action after its current item and keeps the rest of its queue.
// Pausing an action that is not running is a no-op.
func (o *Orchestrator) Pause(ctx context.Context, action queue.Action) error {
	if o.runner.Action() != action {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.stopTimeout)
	defer cancel()

	return o.runner.Stop(ctx)
}

// Cancel stops action if it runs and empties its queue.
func (o *Orchestrator) Cancel(ctx context.Context, action queue.Action) error {
	ctx, cancel := context.WithTimeout(ctx, o.stopTimeout)
	defer cancel()

	if err := o.runner.Cancel(ctx, action); err != nil {
		return err
	}

	o.tracker.Reset(action.String())
	o.telemetry.SetQueueLength(ctx, action.String(), 0)

	return nil
}

// Queue returns the persisted queue of action.
func (o *Orchestrator) Queue(ctx context.Context, action queue.Action) ([]queue.WorkItem, error) {
	return o.store.Read(ctx, action)
}

// CreateBackup writes the library to a backup file as a background action.
func (o *Orchestrator) CreateBackup(ctx context.Context) (runner.StartResult, error) {
	if o.backup == nil {
		return runner.RejectedDifferentActionRunning, errors.New("backups are not configured")
	}

	return o.start(ctx, queue.ActionBackup, o.runBackup)
}

func (o *Orchestrator) runBackup(ctx context.Context) error {
	action := queue.ActionBackup.String()

	o.tracker.Report(ctx, progress.Update{Action: action, Current: 0, Total: 1, Title: "Backup", Description: "writing library"})

	path, n, err := o.backup.Create(ctx)
	if err != nil {
		o.notify(ctx, notifier.BatchFailed(action, err))
		o.telemetry.RecordBatch(ctx, action, "error")
		o.tracker.Report(ctx, progress.Update{Action: action, Total: 1, Title: "Backup", Done: true})

		return err
	}

	o.notify(ctx, notifier.ItemSucceeded(action, fmt.Sprintf("%s (%d novels)", filepath.Base(path), n)))
	o.telemetry.RecordBatch(ctx, action, "drained")
	o.tracker.Report(ctx, progress.Update{Action: action, Current: 1, Total: 1, Title: "Backup", Description: filepath.Base(path), Done: true})

	return nil
}

// RestoreBackup queues every novel of the backup at path for restore.
func (o *Orchestrator) RestoreBackup(ctx context.Context, path string) (int, error) {
	novels, err := restore.ReadBackup(path)
	if err != nil {
		return 0, err
	}

	if err := o.enqueue(ctx, queue.ActionRestore, restore.Items(novels)); err != nil {
		return 0, err
	}

	return len(novels), nil
}

// RestoreErrors retries the novels whose restore failed in the last batch.
func (o *Orchestrator) RestoreErrors(ctx context.Context) (int, error) {
	if o.ledger == nil {
		return 0, restore.ErrNoLedger
	}

	novels, err := o.ledger.Load()
	if err != nil {
		return 0, err
	}

	if err := o.enqueue(ctx, queue.ActionRestore, restore.Items(novels)); err != nil {
		return 0, err
	}

	return len(novels), nil
}

// CurrentAction returns the action holding the persisted lock.
func (o *Orchestrator) CurrentAction(ctx context.Context) (queue.Action, error) {
	return o.lock.Current(ctx)
}

type Status struct {
	Action     string                     `json:"action"`
	Owner      string                     `json:"owner,omitempty"`
	RunID      string                     `json:"runId,omitempty"`
	AcquiredAt *time.Time                 `json:"acquiredAt,omitempty"`
	Local      bool                       `json:"local"`
	Queues     map[string]int             `json:"queues"`
	Progress   map[string]progress.Update `json:"progress"`
}

func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	state, err := o.lock.State(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Action:   state.Action.String(),
		Owner:    state.Owner,
		RunID:    state.RunID,
		Local:    o.runner.Running(),
		Queues:   make(map[string]int, 2),
		Progress: o.tracker.Snapshot(),
	}

	if !state.AcquiredAt.IsZero() {
		at := state.AcquiredAt
		st.AcquiredAt = &at
	}

	for _, action := range []queue.Action{queue.ActionDownload, queue.ActionRestore} {
		n, err := o.store.Len(ctx, action)
		if err != nil {
			return Status{}, err
		}

		st.Queues[action.String()] = n
	}

	return st, nil
}

// Recover picks up work left behind by a previous process. A persisted action
// whose queue still has items is resumed. A lock with nothing left to do is
// cleared. With resumeOnStart a pending download queue is resumed even when no
// action was recorded.
func (o *Orchestrator) Recover(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	state, err := o.lock.State(ctx)
	if err != nil {
		return fmt.Errorf("failed to read action lock: %w", err)
	}

	candidates := []queue.Action{}

	switch state.Action {
	case queue.ActionDownload, queue.ActionRestore:
		candidates = append(candidates, state.Action)
	case queue.ActionBackup:
		logger.InfoContext(ctx, "backup was interrupted", "owner", state.Owner)
	}

	if o.resumeOnStart && state.Action != queue.ActionDownload {
		candidates = append(candidates, queue.ActionDownload)
	}

	for _, action := range candidates {
		n, err := o.store.Len(ctx, action)
		if err != nil {
			return err
		}

		if n == 0 {
			continue
		}

		job, err := o.job(action)
		if err != nil {
			return err
		}

		res, err := o.start(ctx, action, job)
		if err != nil {
			return fmt.Errorf("failed to resume %s: %w", action, err)
		}

		logger.InfoContext(ctx, "resumed queued work", "action", action.String(), "queue_length", n, "result", res.String())

		return nil
	}

	if state.Action == queue.ActionNone {
		return nil
	}

	// Nothing to resume. Stop clears the lock unless a live process holds it.
	if err := o.runner.Stop(ctx); err != nil {
		if runner.IsConflict(err) {
			logger.InfoContext(ctx, "action lock is held by another process", "action", state.Action.String(), "owner", state.Owner)

			return nil
		}

		return err
	}

	return nil
}

// Shutdown pauses whatever runs in this process, keeping its queue.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.runner.Running() {
		return nil
	}

	return o.runner.Stop(ctx)
}

func (o *Orchestrator) enqueue(ctx context.Context, action queue.Action, items []queue.WorkItem) error {
	if len(items) == 0 {
		return ErrNothingQueued
	}

	job, err := o.job(action)
	if err != nil {
		return err
	}

	if _, err := o.runner.Check(ctx, action); err != nil {
		o.conflict(ctx, err)

		return err
	}

	n, err := o.store.Append(ctx, action, items...)
	if err != nil {
		return err
	}

	o.telemetry.SetQueueLength(ctx, action.String(), n)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "items queued", "action", action.String(), "added", len(items), "queue_length", n)

	if _, err := o.start(ctx, action, job); err != nil {
		if runner.IsConflict(err) {
			// Lost a race with another process; take back only what this call added.
			if _, rmErr := o.store.RemoveAppended(context.WithoutCancel(ctx), action, items...); rmErr != nil {
				return errors.Join(err, rmErr)
			}
		}

		return err
	}

	return nil
}

func (o *Orchestrator) start(ctx context.Context, action queue.Action, job runner.Job) (runner.StartResult, error) {
	res, err := o.runner.Start(ctx, action, job)
	if err != nil {
		o.conflict(ctx, err)

		return res, err
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "start requested", "action", action.String(), "result", res.String())

	return res, nil
}

func (o *Orchestrator) conflict(ctx context.Context, err error) {
	var conflict *runner.LockConflictError
	if !errors.As(err, &conflict) {
		return
	}

	o.notify(ctx, notifier.Conflict(conflict.Requested.String(), conflict.Running.String()))
}

func (o *Orchestrator) job(action queue.Action) (runner.Job, error) {
	switch action {
	case queue.ActionDownload:
		return o.download.Process, nil
	case queue.ActionRestore:
		return o.restore.Process, nil
	default:
		return nil, fmt.Errorf("%s has no queue", action)
	}
}

func (o *Orchestrator) notify(ctx context.Context, n notifier.Notification) {
	if err := o.notifier.Notify(ctx, n); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to send notification", "title", n.Title, "err", err)
	}
}
