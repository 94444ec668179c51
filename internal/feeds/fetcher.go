package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/matthewjhunter/courier/internal/storage"
	"github.com/mmcdole/gofeed"
)

// Options tunes the fetcher. Zero values fall back to defaults.
type Options struct {
	Timeout       time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	MaxEntries    int
	MaxMediaItems int
	UserAgent     string
	Client        *http.Client
	Logger        *slog.Logger
}

type Fetcher struct {
	parser *gofeed.Parser
	client *http.Client
	opts   Options
	logger *slog.Logger
}

// NewFetcher creates a new feed fetcher
func NewFetcher(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 100
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "courier/1.0"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	parser := gofeed.NewParser()
	parser.UserAgent = opts.UserAgent
	return &Fetcher{
		parser: parser,
		client: client,
		opts:   opts,
		logger: logger.With("component", "fetcher"),
	}
}

// FetchResult holds the outcome of a conditional feed fetch.
type FetchResult struct {
	Entries      []Entry
	FeedTitle    string
	ETag         string // ETag from response (empty if absent)
	LastModified string // Last-Modified from response (empty if absent)
	NotModified  bool   // true when server returned 304
}

// StatusError is returned for non-200, non-304 responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed %s returned status %d", e.URL, e.StatusCode)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Fetch retrieves and normalizes the subscription's feed. Each attempt gets
// its own timeout. Network errors, 429 and 5xx responses are retried up to
// MaxRetries times with a linear backoff; other failures return at once.
func (f *Fetcher) Fetch(ctx context.Context, sub storage.Subscription) (*FetchResult, error) {
	var lastErr error
	for attempt := 0; attempt <= f.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := f.opts.RetryBackoff * time.Duration(attempt)
			f.logger.Debug("Retrying feed fetch", "url", sub.URL, "attempt", attempt+1, "wait", wait.String(), "error", lastErr)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("failed to fetch feed %s: %w", sub.URL, ctx.Err())
			case <-timer.C:
			}
		}

		result, err := f.fetchOnce(ctx, sub)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func isRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.retryable()
	}
	var pe *parseError
	return !errors.As(err, &pe)
}

type parseError struct{ err error }

func (e *parseError) Error() string { return e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

// fetchOnce performs one conditional GET. If the subscription has stored
// ETag or Last-Modified values, they are sent as If-None-Match /
// If-Modified-Since headers. A 304 response skips parsing entirely.
func (f *Fetcher) fetchOnce(ctx context.Context, sub storage.Subscription) (*FetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sub.URL, nil)
	if err != nil {
		return nil, &parseError{fmt.Errorf("failed to create request for %s: %w", sub.URL, err)}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	if sub.ETag != "" {
		req.Header.Set("If-None-Match", sub.ETag)
	}
	if sub.LastModified != "" {
		req.Header.Set("If-Modified-Since", sub.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &FetchResult{NotModified: true, ETag: sub.ETag, LastModified: sub.LastModified}, nil
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{URL: sub.URL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed %s: %w", sub.URL, err)
	}

	parsed, err := f.parser.ParseString(string(body))
	if err != nil {
		return nil, &parseError{fmt.Errorf("failed to parse feed %s: %w", sub.URL, err)}
	}

	return &FetchResult{
		Entries:      Normalize(parsed, f.opts.MaxEntries, f.opts.MaxMediaItems),
		FeedTitle:    parsed.Title,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}
