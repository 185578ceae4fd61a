// Package processor drains one action's durable queue, one item at a time.
package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/italolelis/novel_downloader/internal/logctx"
	"github.com/italolelis/novel_downloader/internal/notifier"
	"github.com/italolelis/novel_downloader/internal/progress"
	"github.com/italolelis/novel_downloader/internal/queue"
	"github.com/italolelis/novel_downloader/internal/telemetry"
)

// Executor performs one work item. It makes a single attempt.
type Executor interface {
	Execute(ctx context.Context, item queue.WorkItem) error
}

type ExecutorFunc func(ctx context.Context, item queue.WorkItem) error

func (f ExecutorFunc) Execute(ctx context.Context, item queue.WorkItem) error {
	return f(ctx, item)
}

type Reporter interface {
	Report(ctx context.Context, u progress.Update)
}

// Pacer returns how long to wait between prev and next.
type Pacer func(prev, next queue.WorkItem) time.Duration

// FixedPacer waits d between any two items.
func FixedPacer(d time.Duration) Pacer {
	return func(queue.WorkItem, queue.WorkItem) time.Duration { return d }
}

type FailedItem struct {
	Item queue.WorkItem
	Err  error
}

// Summary describes how a batch went.
type Summary struct {
	Action    queue.Action
	Succeeded []queue.WorkItem
	Failed    []FailedItem
	Stopped   bool
	// Remaining is the queue length when the loop exited.
	Remaining int
}

func (s Summary) Processed() int {
	return len(s.Succeeded) + len(s.Failed)
}

// FailedItems returns the failed work items in execution order.
func (s Summary) FailedItems() []queue.WorkItem {
	items := make([]queue.WorkItem, 0, len(s.Failed))
	for _, f := range s.Failed {
		items = append(items, f.Item)
	}

	return items
}

// BatchEndHook runs once when the loop exits, before the terminal notification.
type BatchEndHook func(ctx context.Context, summary Summary) error

type Processor struct {
	action     queue.Action
	store      *queue.Store
	executor   Executor
	notifier   notifier.Notifier
	reporter   Reporter
	pacer      Pacer
	onBatchEnd BatchEndHook
	telemetry  *telemetry.Telemetry
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Processor)

func WithNotifier(n notifier.Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

func WithReporter(r Reporter) Option {
	return func(p *Processor) { p.reporter = r }
}

func WithPacer(pacer Pacer) Option {
	return func(p *Processor) { p.pacer = pacer }
}

func WithBatchEndHook(h BatchEndHook) Option {
	return func(p *Processor) { p.onBatchEnd = h }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(p *Processor) { p.telemetry = t }
}

func New(action queue.Action, store *queue.Store, executor Executor, opts ...Option) *Processor {
	p := &Processor{
		action:   action,
		store:    store,
		executor: executor,
		notifier: notifier.Nop{},
		sleep:    sleep,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Process adapts Run to the runner job signature.
func (p *Processor) Process(ctx context.Context) error {
	_, err := p.Run(ctx)

	return err
}

// Run drains the queue until it is empty or ctx is cancelled. Cancellation is
// only observed between items; an item that has started always runs to
// completion. Failed items are reported and dropped, never retried.
func (p *Processor) Run(ctx context.Context) (summary Summary, err error) {
	summary.Action = p.action

	logger := logctx.LoggerFromContext(ctx).With("action", p.action.String())
	ctx = logctx.WithLogger(ctx, logger)

	// Queue writes and item execution must not be cut short by a stop request.
	work := context.WithoutCancel(ctx)

	defer func() {
		p.finish(work, &summary, err)
	}()

	var (
		prev  *queue.WorkItem
		paced bool
	)

	for {
		if ctx.Err() != nil {
			summary.Stopped = true

			return summary, nil
		}

		items, err := p.store.Read(work, p.action)
		if err != nil {
			return summary, err
		}

		p.telemetry.SetQueueLength(work, p.action.String(), len(items))

		if len(items) == 0 {
			logger.InfoContext(ctx, "queue drained", "processed", summary.Processed())

			return summary, nil
		}

		head := items[0]

		if prev != nil && !paced && p.pacer != nil {
			if d := p.pacer(*prev, head); d > 0 {
				if err := p.sleep(ctx, d); err != nil {
					summary.Stopped = true

					return summary, nil
				}

				paced = true

				// The queue may have changed while we slept.
				continue
			}
		}

		p.report(work, progress.Update{
			Action:      p.action.String(),
			Current:     summary.Processed() + 1,
			Total:       summary.Processed() + len(items),
			Title:       head.Title(),
			Description: head.Label(),
		})

		execErr := p.execute(work, head)

		if err := p.store.PopHead(work, p.action); err != nil {
			return summary, err
		}

		if execErr != nil {
			logger.ErrorContext(ctx, "item failed", "item_key", head.Key(), "item", head.Label(), "err", execErr)

			summary.Failed = append(summary.Failed, FailedItem{Item: head, Err: execErr})
			p.notify(work, notifier.ItemFailed(p.action.String(), head.Label(), execErr))
		} else {
			logger.InfoContext(ctx, "item completed", "item_key", head.Key(), "item", head.Label())

			summary.Succeeded = append(summary.Succeeded, head)
			p.notify(work, notifier.ItemSucceeded(p.action.String(), head.Label()))
		}

		item := head
		prev = &item
		paced = false
	}
}

func (p *Processor) execute(ctx context.Context, item queue.WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "panic while executing item",
				"item_key", item.Key(), "panic", r, "stack", string(debug.Stack()))

			err = fmt.Errorf("panic while executing %s: %v", item.Label(), r)
		}
	}()

	return p.telemetry.InstrumentItem(ctx, p.action.String(), func(ctx context.Context) error {
		return p.executor.Execute(ctx, item)
	})
}

func (p *Processor) finish(ctx context.Context, summary *Summary, runErr error) {
	logger := logctx.LoggerFromContext(ctx)

	if remaining, err := p.store.Len(ctx, p.action); err == nil {
		summary.Remaining = remaining
	}

	if p.onBatchEnd != nil {
		if err := p.onBatchEnd(ctx, *summary); err != nil {
			logger.ErrorContext(ctx, "batch end hook failed", "err", err)
		}
	}

	outcome := "drained"

	switch {
	case runErr != nil:
		outcome = "error"

		var perr *queue.PersistenceError
		if errors.As(runErr, &perr) {
			p.telemetry.RecordSystemError(ctx, "queue", "persistence")
		}

		p.notify(ctx, notifier.BatchFailed(p.action.String(), runErr))
	case summary.Stopped:
		outcome = "stopped"

		if summary.Processed() > 0 {
			p.notify(ctx, notifier.BatchSummary(p.action.String(), len(summary.Succeeded), len(summary.Failed), true))
		}
	case summary.Processed() > 0:
		p.notify(ctx, notifier.BatchSummary(p.action.String(), len(summary.Succeeded), len(summary.Failed), false))
	}

	p.report(ctx, progress.Update{
		Action:  p.action.String(),
		Current: summary.Processed(),
		Total:   summary.Processed() + summary.Remaining,
		Done:    true,
	})

	p.telemetry.RecordBatch(ctx, p.action.String(), outcome)

	logger.InfoContext(ctx, "batch finished",
		"outcome", outcome,
		"succeeded", len(summary.Succeeded),
		"failed", len(summary.Failed),
		"remaining", summary.Remaining,
	)
}

func (p *Processor) report(ctx context.Context, u progress.Update) {
	if p.reporter != nil {
		p.reporter.Report(ctx, u)
	}
}

func (p *Processor) notify(ctx context.Context, n notifier.Notification) {
	if err := p.notifier.Notify(ctx, n); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to send notification", "title", n.Title, "err", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
