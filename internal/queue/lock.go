package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/italolelis/novel_downloader/internal/storage"
)

const lockKey = "background_action"

// LockState is the persisted value of the action lock.
type LockState struct {
	Action     Action    `json:"action"`
	Owner      string    `json:"owner,omitempty"`
	RunID      string    `json:"runId,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Lock is the single-slot action lock.
type Lock struct {
	kv storage.KeyValueStore
}

func NewLock(kv storage.KeyValueStore) *Lock {
	return &Lock{kv: kv}
}

// State returns the persisted lock. A missing key is the zero state (ActionNone).
func (l *Lock) State(ctx context.Context) (LockState, error) {
	raw, err := l.kv.Get(ctx, lockKey)
	if errors.Is(err, storage.ErrNotFound) {
		return LockState{}, nil
	}

	if err != nil {
		return LockState{}, persistenceErr(lockKey, "read", err)
	}

	var state LockState
	if jsonErr := json.Unmarshal(raw, &state); jsonErr == nil {
		return state, nil
	}

	// Older installs stored the bare action name.
	action, err := ParseAction(strings.Trim(string(raw), "\" \n"))
	if err != nil {
		return LockState{}, persistenceErr(lockKey, "decode", err)
	}

	return LockState{Action: action}, nil
}

// Current returns the recorded action.
func (l *Lock) Current(ctx context.Context) (Action, error) {
	state, err := l.State(ctx)

	return state.Action, err
}

// Acquire records state as the lock holder, overwriting whatever was there.
// Callers decide beforehand whether overwriting is allowed.
func (l *Lock) Acquire(ctx context.Context, state LockState) error {
	if state.AcquiredAt.IsZero() {
		state.AcquiredAt = time.Now().UTC()
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return persistenceErr(lockKey, "encode", err)
	}

	if err := l.kv.Set(ctx, lockKey, raw); err != nil {
		return persistenceErr(lockKey, "write", err)
	}

	return nil
}

// Release clears the lock if it is still held by runID. An empty runID clears
// it unconditionally. It reports whether the lock was cleared.
func (l *Lock) Release(ctx context.Context, runID string) (bool, error) {
	if runID != "" {
		state, err := l.State(ctx)
		if err != nil {
			return false, err
		}

		if state.Action == ActionNone {
			return false, nil
		}

		if state.RunID != runID {
			return false, nil
		}
	}

	if err := l.kv.Delete(ctx, lockKey); err != nil {
		return false, persistenceErr(lockKey, "delete", err)
	}

	return true, nil
}
