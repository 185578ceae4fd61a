// Package runner hosts at most one background action per process and keeps
// the persisted action lock in step with it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/italolelis/novel_downloader/internal/logctx"
	"github.com/italolelis/novel_downloader/internal/queue"
	"github.com/italolelis/novel_downloader/internal/telemetry"
)

// Job is the loop a runner hosts, typically processor.Processor.Process.
// It must return once ctx is cancelled.
type Job func(ctx context.Context) error

type passKey struct{}

// Pass returns which pass of its loop a job is running, starting at 1. A loop
// runs another pass when the action is started again while it is finishing.
// Zero means ctx did not come from a runner.
func Pass(ctx context.Context) int {
	n, _ := ctx.Value(passKey{}).(int)

	return n
}

type StartResult int

const (
	Started StartResult = iota
	AlreadyRunningSameAction
	RejectedDifferentActionRunning
)

func (r StartResult) String() string {
	switch r {
	case Started:
		return "started"
	case AlreadyRunningSameAction:
		return "already_running"
	case RejectedDifferentActionRunning:
		return "rejected"
	default:
		return "unknown"
	}
}

// LockConflictError rejects a request because another action holds the lock.
// The running action is not affected.
type LockConflictError struct {
	Requested queue.Action
	Running   queue.Action
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("cannot start %s: %s is already running", e.Requested, e.Running)
}

type Runner struct {
	lock       *queue.Lock
	store      *queue.Store
	fileLock   *flock.Flock
	instanceID string
	telemetry  *telemetry.Telemetry

	mu      sync.Mutex
	running bool
	action  queue.Action
	runID   string
	cancel  context.CancelFunc
	done    chan struct{}
	rerun   bool
}

type Option func(*Runner)

// WithLockFile makes the runner hold an exclusive file lock while a loop is
// alive. Other processes use it to tell a live lock holder from a stale lock
// left by a crash.
func WithLockFile(path string) Option {
	return func(r *Runner) { r.fileLock = flock.New(path) }
}

func WithInstanceID(id string) Option {
	return func(r *Runner) { r.instanceID = id }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(r *Runner) { r.telemetry = t }
}

func New(lock *queue.Lock, store *queue.Store, opts ...Option) *Runner {
	r := &Runner{lock: lock, store: store}

	for _, opt := range opts {
		opt(r)
	}

	if r.instanceID == "" {
		r.instanceID = GenerateInstanceID()
	}

	return r
}

// Check reports what Start would do for action without starting anything.
func (r *Runner) Check(ctx context.Context, action queue.Action) (StartResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.check(ctx, action)
}

// Start launches job under action unless an action is already alive.
// Starting the action that is already running is a no-op for the caller, but
// if items are still queued when the current pass ends the job runs once more,
// so items appended while the loop was finishing are not stranded.
func (r *Runner) Start(ctx context.Context, action queue.Action, job Job) (StartResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.check(ctx, action)
	if err != nil || res != Started {
		if res == AlreadyRunningSameAction && r.running {
			r.rerun = true
		}

		return res, err
	}

	if r.fileLock != nil {
		ok, err := r.fileLock.TryLock()
		if err != nil {
			return res, fmt.Errorf("failed to acquire runner lock file: %w", err)
		}

		if !ok {
			// Another process won the race since check.
			state, err := r.lock.State(ctx)
			if err != nil {
				return RejectedDifferentActionRunning, err
			}

			if state.Action == action || state.Action == queue.ActionNone {
				return AlreadyRunningSameAction, nil
			}

			return RejectedDifferentActionRunning, &LockConflictError{Requested: action, Running: state.Action}
		}
	}

	runID := uuid.NewString()

	if err := r.lock.Acquire(ctx, queue.LockState{Action: action, Owner: r.instanceID, RunID: runID}); err != nil {
		r.unlockFile(ctx)

		return res, err
	}

	loopCtx := logctx.WithAction(context.WithoutCancel(ctx), action.String())
	loopCtx, cancel := context.WithCancel(loopCtx)

	r.running = true
	r.action = action
	r.runID = runID
	r.cancel = cancel
	r.done = make(chan struct{})
	r.rerun = false

	r.telemetry.AddActiveActions(ctx, action.String(), 1)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "background action started", "action", action.String(), "run_id", runID)

	go r.loop(loopCtx, action, runID, job, r.done)

	return Started, nil
}

// Stop asks the running loop to exit after its current item and waits for it,
// bounded by ctx. The loop clears the lock on exit. Stop is safe to call when
// nothing runs; a stale lock left by a dead process is cleared.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()

	if !r.running {
		defer r.mu.Unlock()

		return r.clearStale(ctx)
	}

	cancel, done := r.cancel, r.done
	r.rerun = false
	r.mu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background action to stop: %w", ctx.Err())
	}
}

// Cancel stops action if it is the one running and clears its queue. Other
// actions keep running.
func (r *Runner) Cancel(ctx context.Context, action queue.Action) error {
	var stopErr error

	if r.Action() == action {
		stopErr = r.Stop(ctx)
	}

	if err := r.store.Clear(ctx, action); err != nil {
		return errors.Join(stopErr, err)
	}

	return stopErr
}

// Running reports whether a loop is alive in this process.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.running
}

// Action returns the action running in this process, or ActionNone.
func (r *Runner) Action() queue.Action {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.action
}

// Wait blocks until the running loop exits or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		done := r.done
		running := r.running
		r.mu.Unlock()

		if !running {
			return nil
		}

		select {
		case <-done:
			// A resumed loop swaps in a fresh done channel and keeps running.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Runner) check(ctx context.Context, action queue.Action) (StartResult, error) {
	if r.running {
		if r.action == action {
			return AlreadyRunningSameAction, nil
		}

		return RejectedDifferentActionRunning, &LockConflictError{Requested: action, Running: r.action}
	}

	state, err := r.lock.State(ctx)
	if err != nil {
		return RejectedDifferentActionRunning, err
	}

	if state.Action == queue.ActionNone {
		return Started, nil
	}

	if r.heldElsewhere(ctx) {
		if state.Action == action {
			return AlreadyRunningSameAction, nil
		}

		return RejectedDifferentActionRunning, &LockConflictError{Requested: action, Running: state.Action}
	}

	logctx.LoggerFromContext(ctx).WarnContext(ctx, "found stale action lock",
		"action", state.Action.String(),
		"owner", state.Owner,
		"acquired_at", state.AcquiredAt,
	)

	return Started, nil
}

// heldElsewhere reports whether another process holds the runner lock file.
func (r *Runner) heldElsewhere(ctx context.Context) bool {
	if r.fileLock == nil {
		return false
	}

	ok, err := r.fileLock.TryLock()
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to check runner lock file", "path", r.fileLock.Path(), "err", err)

		return false
	}

	if !ok {
		return true
	}

	r.unlockFile(ctx)

	return false
}

func (r *Runner) clearStale(ctx context.Context) error {
	state, err := r.lock.State(ctx)
	if err != nil || state.Action == queue.ActionNone {
		return err
	}

	if r.heldElsewhere(ctx) {
		return &LockConflictError{Requested: queue.ActionNone, Running: state.Action}
	}

	_, err = r.lock.Release(ctx, "")

	return err
}

func (r *Runner) loop(ctx context.Context, action queue.Action, runID string, job Job, done chan struct{}) {
	logger := logctx.LoggerFromContext(ctx)

	for pass := 1; ; pass++ {
		if err := runJob(context.WithValue(ctx, passKey{}, pass), job); err != nil {
			logger.ErrorContext(ctx, "background action failed", "action", action.String(), "run_id", runID, "err", err)
			r.telemetry.RecordSystemError(ctx, "runner", "job")
		}

		r.mu.Lock()

		if r.rerun && r.pending(ctx, action) {
			r.rerun = false

			// A resume arrived while a pause was taking effect.
			if ctx.Err() != nil {
				r.cancel()

				var cancel context.CancelFunc

				ctx, cancel = context.WithCancel(context.WithoutCancel(ctx))
				r.cancel = cancel

				// Whoever waited for the pause sees it end in a resume.
				close(done)
				done = make(chan struct{})
				r.done = done
			}

			r.mu.Unlock()

			logger.InfoContext(ctx, "background action continues", "action", action.String(), "run_id", runID, "pass", pass+1)

			continue
		}

		r.rerun = false

		cleanup := context.WithoutCancel(ctx)

		if _, err := r.lock.Release(cleanup, runID); err != nil {
			logger.ErrorContext(ctx, "failed to release action lock", "action", action.String(), "err", err)
		}

		r.unlockFile(cleanup)

		r.running = false
		r.action = queue.ActionNone
		r.runID = ""
		r.cancel()
		r.cancel = nil

		close(done)
		r.mu.Unlock()

		r.telemetry.AddActiveActions(cleanup, action.String(), -1)
		logger.InfoContext(ctx, "background action finished", "action", action.String(), "run_id", runID)

		return
	}
}

// pending reports whether action still has queued items. A store error counts
// as pending so appended items are not stranded.
func (r *Runner) pending(ctx context.Context, action queue.Action) bool {
	n, err := r.store.Len(context.WithoutCancel(ctx), action)
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to read queue length", "action", action.String(), "err", err)

		return true
	}

	return n > 0
}

func runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "panic in background action",
				"panic", rec, "stack", string(debug.Stack()))

			err = fmt.Errorf("panic in background action: %v", rec)
		}
	}()

	return job(ctx)
}

func (r *Runner) unlockFile(ctx context.Context) {
	if r.fileLock == nil {
		return
	}

	if err := r.fileLock.Unlock(); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to release runner lock file", "err", err)
	}
}

// IsConflict reports whether err is a lock conflict.
func IsConflict(err error) bool {
	var conflict *LockConflictError

	return errors.As(err, &conflict)
}
