package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/italolelis/novel_downloader/internal/library"
)

// HTTPConfig describes a source served over the JSON source API.
type HTTPConfig struct {
	ID                string
	BaseURL           string
	Token             string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// HTTPSource talks to a source API exposing
// GET /novel?path= and GET /chapter?path=.
type HTTPSource struct {
	id      string
	baseURL *url.URL
	client  *http.Client
	limiter *rate.Limiter
}

type chapterResponse struct {
	Content string `json:"content"`
}

func NewHTTPSource(ctx context.Context, cfg HTTPConfig) (*HTTPSource, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url for source %s: %w", cfg.ID, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := otelhttp.NewTransport(http.DefaultTransport)

	client := &http.Client{Transport: transport, Timeout: timeout}

	if cfg.Token != "" {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
		client.Timeout = timeout
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPSource{
		id:      cfg.ID,
		baseURL: base,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

func (s *HTTPSource) ID() string { return s.id }

func (s *HTTPSource) FetchNovel(ctx context.Context, path string) (*library.SourceNovel, error) {
	var novel library.SourceNovel

	if err := s.getJSON(ctx, "fetch_novel", "/novel", path, &novel); err != nil {
		return nil, err
	}

	if novel.Path == "" {
		novel.Path = path
	}

	return &novel, nil
}

func (s *HTTPSource) FetchChapter(ctx context.Context, path string) (string, error) {
	var chapter chapterResponse

	if err := s.getJSON(ctx, "fetch_chapter", "/chapter", path, &chapter); err != nil {
		return "", err
	}

	return chapter.Content, nil
}

// FetchImage downloads an absolute image URL. The caller closes the body.
func (s *HTTPSource) FetchImage(ctx context.Context, imageURL string) (io.ReadCloser, int64, error) {
	resp, err := s.do(ctx, "fetch_image", imageURL)
	if err != nil {
		return nil, 0, err
	}

	return resp.Body, resp.ContentLength, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, op, endpoint, path string, out any) error {
	u := *s.baseURL
	u.Path += endpoint
	u.RawQuery = url.Values{"path": {path}}.Encode()

	resp, err := s.do(ctx, op, u.String())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ParseError{Operation: op, Err: err}
	}

	return nil
}

func (s *HTTPSource) do(ctx context.Context, op, target string) (*http.Response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, &NetworkError{Operation: op, Message: "rate limiter wait aborted", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &NetworkError{Operation: op, Message: "failed to create request", Err: err}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Operation: op, Message: err.Error(), Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()

		return nil, &AuthenticationError{Operation: op}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()

		return nil, &NetworkError{
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	return resp, nil
}
