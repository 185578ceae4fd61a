package source

import (
	"context"
	"io"

	"github.com/italolelis/novel_downloader/internal/library"
	"github.com/italolelis/novel_downloader/internal/telemetry"
)

// InstrumentedSource wraps a Source with telemetry.
type InstrumentedSource struct {
	source    Source
	telemetry *telemetry.Telemetry
}

// NewInstrumentedSource creates a new instrumented source.
func NewInstrumentedSource(s Source, tel *telemetry.Telemetry) *InstrumentedSource {
	return &InstrumentedSource{source: s, telemetry: tel}
}

func (s *InstrumentedSource) ID() string { return s.source.ID() }

// FetchNovel fetches a novel with telemetry.
func (s *InstrumentedSource) FetchNovel(ctx context.Context, path string) (*library.SourceNovel, error) {
	var result *library.SourceNovel

	err := s.telemetry.InstrumentSourceOperation(ctx, "fetch_novel", func(ctx context.Context) error {
		var err error

		result, err = s.source.FetchNovel(ctx, path)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// FetchChapter fetches chapter content with telemetry.
func (s *InstrumentedSource) FetchChapter(ctx context.Context, path string) (string, error) {
	var result string

	err := s.telemetry.InstrumentSourceOperation(ctx, "fetch_chapter", func(ctx context.Context) error {
		var err error

		result, err = s.source.FetchChapter(ctx, path)

		return err
	})

	return result, err
}

// FetchImage opens an image stream with telemetry. Only the request is timed, not the body read.
func (s *InstrumentedSource) FetchImage(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	var (
		body io.ReadCloser
		size int64
	)

	err := s.telemetry.InstrumentSourceOperation(ctx, "fetch_image", func(ctx context.Context) error {
		var err error

		body, size, err = s.source.FetchImage(ctx, url)

		return err
	})
	if err != nil {
		return nil, 0, err
	}

	return body, size, nil
}
