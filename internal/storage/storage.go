package storage

import (
	"context"
	"errors"

	"github.com/italolelis/novel_downloader/internal/telemetry"
)

// ErrNotFound is returned by Get when a key has never been written or was deleted.
var ErrNotFound = errors.New("key not found")

// KeyValueStore is the persisted state port the queue and the action lock live in.
// Values are opaque; callers own the encoding.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
}

// InstrumentedKeyValueStore wraps a KeyValueStore with telemetry.
type InstrumentedKeyValueStore struct {
	store     KeyValueStore
	telemetry *telemetry.Telemetry
}

// NewInstrumentedKeyValueStore creates a new instrumented key/value store.
func NewInstrumentedKeyValueStore(store KeyValueStore, tel *telemetry.Telemetry) *InstrumentedKeyValueStore {
	return &InstrumentedKeyValueStore{store: store, telemetry: tel}
}

// Get reads a key with telemetry. A missing key is not counted as an error.
func (s *InstrumentedKeyValueStore) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		value  []byte
		getErr error
	)

	err := s.telemetry.InstrumentDBOperation(ctx, "kv_get", func(ctx context.Context) error {
		value, getErr = s.store.Get(ctx, key)
		if errors.Is(getErr, ErrNotFound) {
			return nil
		}

		return getErr
	})
	if err != nil {
		return nil, err
	}

	return value, getErr
}

// Set writes a key with telemetry.
func (s *InstrumentedKeyValueStore) Set(ctx context.Context, key string, value []byte) error {
	return s.telemetry.InstrumentDBOperation(ctx, "kv_set", func(ctx context.Context) error {
		return s.store.Set(ctx, key, value)
	})
}

// Delete removes a key with telemetry.
func (s *InstrumentedKeyValueStore) Delete(ctx context.Context, key string) error {
	return s.telemetry.InstrumentDBOperation(ctx, "kv_delete", func(ctx context.Context) error {
		return s.store.Delete(ctx, key)
	})
}
