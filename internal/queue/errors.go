package queue

import "fmt"

// PersistenceError means the queue or the lock could not be read or written.
// It is fatal to the running batch.
type PersistenceError struct {
	Key string
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisted state %s failed for %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistenceErr(key, op string, err error) error {
	return &PersistenceError{Key: key, Op: op, Err: err}
}
