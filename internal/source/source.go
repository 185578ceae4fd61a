// Package source fetches novels, chapters and images from content sources.
package source

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/italolelis/novel_downloader/internal/library"
)

// Source is one installed content source, identified by its plugin id.
type Source interface {
	ID() string
	FetchNovel(ctx context.Context, path string) (*library.SourceNovel, error)
	FetchChapter(ctx context.Context, path string) (string, error)
	// FetchImage returns the body and its length, or -1 when unknown.
	FetchImage(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// Lookup resolves a plugin id to an installed source.
type Lookup interface {
	Get(id string) (Source, error)
}

// Registry is the set of installed sources.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		r.Register(s)
	}

	return r
}

func (r *Registry) Register(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sources[s.ID()] = s
}

// Get returns ErrSourceUnavailable when id is not installed.
func (r *Registry) Get(id string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceUnavailable, id)
	}

	return s, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}
