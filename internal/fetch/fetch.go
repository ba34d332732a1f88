package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aozorahub/imagecache/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options configures the fetcher.
type Options struct {
	// Timeout bounds each individual request attempt.
	// Default: 30s
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first attempt.
	// Only timeout and network failures are retried.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 500ms
	RetryBackoff time.Duration

	// RetryMaxBackoff caps the exponential backoff.
	// Default: 10s
	RetryMaxBackoff time.Duration

	// MaxBytes caps the response body size. Larger bodies are rejected
	// as invalid content. Default: 20MB
	MaxBytes int64
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:         30 * time.Second,
		RetryAttempts:   3,
		RetryBackoff:    500 * time.Millisecond,
		RetryMaxBackoff: 10 * time.Second,
		MaxBytes:        20 * 1024 * 1024,
	}
}

// Fetcher downloads single images over HTTP with retry and failure
// classification. It is safe for concurrent use.
type Fetcher struct {
	client *http.Client
	opts   Options
}

func NewFetcher(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}

	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultOptions().RetryBackoff
	}

	if opts.RetryMaxBackoff <= 0 {
		opts.RetryMaxBackoff = DefaultOptions().RetryMaxBackoff
	}

	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultOptions().MaxBytes
	}

	transport := otelhttp.NewTransport(&http.Transport{
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	})

	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts: opts,
	}
}

// Fetch downloads one image and returns its bytes. Failures are always one
// of the classified error types in this package. Timeout and network
// failures are retried with exponential backoff and jitter; a non-2xx status
// or an unusable body fails immediately.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	logger := logctx.LoggerFromContext(ctx)

	var lastErr error

	for attempt := 0; attempt <= f.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			logger.Debug("retrying fetch", "url", url, "attempt", attempt, "err", lastErr)

			if err := f.backoff(ctx, attempt); err != nil {
				return nil, &NetworkError{URL: url, Err: err}
			}
		}

		data, err := f.fetchOnce(ctx, url)
		if err == nil {
			return data, nil
		}

		if !retryable(err) {
			return nil, err
		}

		lastErr = err
	}

	return nil, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &InvalidContentError{URL: url, Reason: fmt.Sprintf("malformed request: %v", err)}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(url, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !isImageContentType(ct) {
		return nil, &InvalidContentError{URL: url, Reason: "content type " + ct + " is not an image"}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBytes+1))
	if err != nil {
		return nil, classifyTransportError(url, err)
	}

	if int64(len(data)) > f.opts.MaxBytes {
		return nil, &InvalidContentError{URL: url, Reason: fmt.Sprintf("body exceeds %d bytes", f.opts.MaxBytes)}
	}

	if len(data) == 0 {
		return nil, &InvalidContentError{URL: url, Reason: "empty body"}
	}

	// Servers lie about content types often enough that the bytes get the
	// final say when no header was sent.
	if resp.Header.Get("Content-Type") == "" && !isImageContentType(http.DetectContentType(data)) {
		return nil, &InvalidContentError{URL: url, Reason: "body is not image data"}
	}

	return data, nil
}

// backoff waits for an exponentially increasing duration with jitter.
func (f *Fetcher) backoff(ctx context.Context, attempt int) error {
	backoff := f.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > f.opts.RetryMaxBackoff {
		backoff = f.opts.RetryMaxBackoff
	}

	// 0.5 to 1.5 of the nominal backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

func classifyTransportError(url string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{URL: url, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{URL: url, Err: err}
	}

	return &NetworkError{URL: url, Err: err}
}

func isImageContentType(ct string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "image/")
}
