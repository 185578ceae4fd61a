// Package queue keeps the pending work items of each action and the single
// action lock in a storage.KeyValueStore.
//
// Every mutation is a whole-queue read-modify-write with no transaction around
// it. Concurrent writers race and the last write wins; callers re-read right
// before mutating to keep the window small.
package queue

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/italolelis/novel_downloader/internal/storage"
)

const queueKeyPrefix = "queue:"

// Store is the durable queue store.
type Store struct {
	kv storage.KeyValueStore
}

func NewStore(kv storage.KeyValueStore) *Store {
	return &Store{kv: kv}
}

func queueKey(action Action) string {
	return queueKeyPrefix + string(action)
}

// Read returns the persisted queue for action. A missing key is an empty queue.
func (s *Store) Read(ctx context.Context, action Action) ([]WorkItem, error) {
	key := queueKey(action)

	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, persistenceErr(key, "read", err)
	}

	var items []WorkItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, persistenceErr(key, "decode", err)
	}

	return items, nil
}

// Write replaces the persisted queue. Writing an empty queue deletes the key.
func (s *Store) Write(ctx context.Context, action Action, items []WorkItem) error {
	key := queueKey(action)

	if len(items) == 0 {
		if err := s.kv.Delete(ctx, key); err != nil {
			return persistenceErr(key, "delete", err)
		}

		return nil
	}

	raw, err := json.Marshal(items)
	if err != nil {
		return persistenceErr(key, "encode", err)
	}

	if err := s.kv.Set(ctx, key, raw); err != nil {
		return persistenceErr(key, "write", err)
	}

	return nil
}

// Append persists existing ++ items and returns the new length.
func (s *Store) Append(ctx context.Context, action Action, items ...WorkItem) (int, error) {
	current, err := s.Read(ctx, action)
	if err != nil {
		return 0, err
	}

	current = append(current, items...)

	return len(current), s.Write(ctx, action, current)
}

// RemoveAll drops every item matching pred and returns how many were removed.
func (s *Store) RemoveAll(ctx context.Context, action Action, pred func(WorkItem) bool) (int, error) {
	current, err := s.Read(ctx, action)
	if err != nil {
		return 0, err
	}

	kept := current[:0:0]

	for _, item := range current {
		if !pred(item) {
			kept = append(kept, item)
		}
	}

	removed := len(current) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	return removed, s.Write(ctx, action, kept)
}

// RemoveKeys drops the items whose Key is in keys.
func (s *Store) RemoveKeys(ctx context.Context, action Action, keys ...string) (int, error) {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}

	return s.RemoveAll(ctx, action, func(item WorkItem) bool {
		_, ok := set[item.Key()]

		return ok
	})
}

// RemoveAppended undoes an Append of items: for each item it drops the last
// queued occurrence of its key, so earlier items sharing a key stay queued.
func (s *Store) RemoveAppended(ctx context.Context, action Action, items ...WorkItem) (int, error) {
	current, err := s.Read(ctx, action)
	if err != nil {
		return 0, err
	}

	pending := make(map[string]int, len(items))
	for _, item := range items {
		pending[item.Key()]++
	}

	drop := make([]bool, len(current))
	removed := 0

	for i := len(current) - 1; i >= 0 && removed < len(items); i-- {
		key := current[i].Key()
		if pending[key] == 0 {
			continue
		}

		pending[key]--
		drop[i] = true
		removed++
	}

	if removed == 0 {
		return 0, nil
	}

	kept := make([]WorkItem, 0, len(current)-removed)

	for i, item := range current {
		if !drop[i] {
			kept = append(kept, item)
		}
	}

	return removed, s.Write(ctx, action, kept)
}

func (s *Store) Clear(ctx context.Context, action Action) error {
	return s.Write(ctx, action, nil)
}

// PopHead re-reads the queue and drops whatever sits at index 0. If a bulk
// removal raced with the caller, that may not be the item the caller executed.
func (s *Store) PopHead(ctx context.Context, action Action) error {
	current, err := s.Read(ctx, action)
	if err != nil {
		return err
	}

	if len(current) == 0 {
		return nil
	}

	return s.Write(ctx, action, current[1:])
}

func (s *Store) Len(ctx context.Context, action Action) (int, error) {
	items, err := s.Read(ctx, action)

	return len(items), err
}
