// Package progress holds the advisory status of the running action.
// Nothing reads it to make decisions; it only feeds the status API and logs.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/italolelis/novel_downloader/internal/logctx"
)

type Update struct {
	Action      string    `json:"action"`
	Current     int       `json:"current"`
	Total       int       `json:"total"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Done        bool      `json:"done"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Tracker keeps the last update per action.
type Tracker struct {
	mu      sync.RWMutex
	updates map[string]Update
	now     func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{updates: make(map[string]Update), now: time.Now}
}

func (t *Tracker) Report(ctx context.Context, u Update) {
	u.UpdatedAt = t.now()

	t.mu.Lock()
	t.updates[u.Action] = u
	t.mu.Unlock()

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "progress",
		"action", u.Action,
		"current", u.Current,
		"total", u.Total,
		"title", u.Title,
		"description", u.Description,
		"done", u.Done,
	)
}

// Snapshot returns the last update of every action.
func (t *Tracker) Snapshot() map[string]Update {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Update, len(t.updates))
	for k, v := range t.updates {
		out[k] = v
	}

	return out
}

func (t *Tracker) Reset(action string) {
	t.mu.Lock()
	delete(t.updates, action)
	t.mu.Unlock()
}
