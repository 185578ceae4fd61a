package downloader

import "fmt"

// FetchError means the content could not be retrieved from its source.
// The chapter record is left untouched.
type FetchError struct {
	Op  string // "lookup_source", "fetch_chapter", "fetch_cover"
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed during %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StorageWriteError means fetched content could not be persisted.
type StorageWriteError struct {
	Op   string
	Path string // File path, empty for database writes
	Err  error
}

func (e *StorageWriteError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("storage error during %s (%s): %v", e.Op, e.Path, e.Err)
	}

	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageWriteError) Unwrap() error {
	return e.Err
}
