package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Common errors.
var (
	ErrRangeNotSatisfiable = errors.New("http: requested range not satisfiable")
	ErrNotFound            = errors.New("http: resource not found")
	ErrForbidden           = errors.New("http: access forbidden")
	ErrUnauthorized        = errors.New("http: unauthorized")
	ErrServerError         = errors.New("http: server error")
	ErrShortBody           = errors.New("http: response body shorter than requested range")
)

// RetryError is returned once every attempt of a retryable request has
// failed. Last holds the cause of the final attempt.
type RetryError struct {
	URL      string
	Attempts int
	Last     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("http: %s failed after %d attempts: %v", e.URL, e.Attempts, e.Last)
}

func (e *RetryError) Unwrap() error { return e.Last }

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 100
	MaxIdleConnsPerHost int

	// Timeout for individual requests.
	// Default: 30s
	Timeout time.Duration

	// RetryAttempts is the total number of attempts for a retryable request.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the fixed delay between attempts.
	// Default: 1s
	RetryBackoff time.Duration

	// Concurrency bounds the tasks FetchMany runs at once.
	// Default: 4
	Concurrency int
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 100,
		Timeout:             30 * time.Second,
		RetryAttempts:       3,
		RetryBackoff:        time.Second,
		Concurrency:         4,
	}
}

// FileInfo contains metadata about a remote file.
type FileInfo struct {
	Size          int64
	ETag          string
	AcceptsRanges bool
	ContentType   string
	LastModified  time.Time
}

// ByteRange is an inclusive byte interval, as in an HTTP Range header.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes covered.
func (r ByteRange) Len() int64 { return r.End - r.Start + 1 }

func (r ByteRange) String() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Result is a successfully fetched chunk.
type Result struct {
	Chunk    int
	URL      string
	Data     []byte
	Status   int
	Attempts int
	Elapsed  time.Duration
}

// Client fetches chunks over HTTP with bounded retries.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.MaxIdleConnsPerHost < 1 {
		opts.MaxIdleConnsPerHost = 100
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // Range offsets refer to raw bytes
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts: opts,
	}
}

// Options returns the options the client was built with.
func (c *Client) Options() Options {
	return c.opts
}

// Head performs a HEAD request to get file metadata. Server errors are
// retried; other failures are returned immediately.
func (c *Client) Head(ctx context.Context, url string) (*FileInfo, error) {
	var lastErr error

	for attempt := 1; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 1 {
			if err := c.backoff(ctx); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("%w: %s", ErrServerError, resp.Status)
			continue
		}

		if err := checkStatusCode(resp.StatusCode); err != nil {
			return nil, err
		}

		info := &FileInfo{
			Size:          resp.ContentLength,
			ETag:          cleanETag(resp.Header.Get("ETag")),
			AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
			ContentType:   resp.Header.Get("Content-Type"),
		}

		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			if t, err := http.ParseTime(lm); err == nil {
				info.LastModified = t
			}
		}

		return info, nil
	}

	return nil, &RetryError{URL: url, Attempts: c.opts.RetryAttempts, Last: lastErr}
}

// Fetch downloads url, or only rng of it when rng is not nil.
//
// 200 and 206 responses succeed. 416 fails immediately with
// ErrRangeNotSatisfiable. Every other outcome is retried after RetryBackoff
// until RetryAttempts attempts have been made, then reported as *RetryError.
func (c *Client) Fetch(ctx context.Context, url string, chunk int, rng *ByteRange) (*Result, error) {
	var lastErr error
	start := time.Now()

	for attempt := 1; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 1 {
			if err := c.backoff(ctx); err != nil {
				return nil, err
			}
		}

		data, status, err := c.fetchOnce(ctx, url, rng)
		if err == nil {
			return &Result{
				Chunk:    chunk,
				URL:      url,
				Data:     data,
				Status:   status,
				Attempts: attempt,
				Elapsed:  time.Since(start),
			}, nil
		}
		if errors.Is(err, ErrRangeNotSatisfiable) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	return nil, &RetryError{URL: url, Attempts: c.opts.RetryAttempts, Last: lastErr}
}

// Get downloads the whole body of url.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	res, err := c.Fetch(ctx, url, 0, nil)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (c *Client) fetchOnce(ctx context.Context, url string, rng *ByteRange) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	if rng != nil {
		req.Header.Set("Range", rng.String())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, resp.StatusCode, ErrRangeNotSatisfiable
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, statusError(resp)
	}

	var buf bytes.Buffer
	if rng != nil {
		buf.Grow(int(rng.Len()))
	} else if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	data := buf.Bytes()

	if rng == nil {
		return data, resp.StatusCode, nil
	}

	if resp.StatusCode == http.StatusOK && resp.Header.Get("Content-Range") == "" {
		// Server ignored the Range header and sent the whole object.
		if rng.Start >= int64(len(data)) {
			return nil, resp.StatusCode, ErrRangeNotSatisfiable
		}
		end := rng.End + 1
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		return data[rng.Start:end], resp.StatusCode, nil
	}

	if cr := resp.Header.Get("Content-Range"); cr != "" {
		first, last, total, err := ParseContentRange(cr)
		if err != nil {
			return nil, resp.StatusCode, err
		}
		if first != rng.Start {
			return nil, resp.StatusCode, fmt.Errorf("http: server sent range starting at %d, want %d", first, rng.Start)
		}
		want := last - first + 1
		if total >= 0 && last >= total {
			want = total - first
		}
		if int64(len(data)) < want {
			return nil, resp.StatusCode, fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, len(data), want)
		}
	}

	return data, resp.StatusCode, nil
}

// backoff waits RetryBackoff or until ctx is done.
func (c *Client) backoff(ctx context.Context) error {
	if c.opts.RetryBackoff <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(c.opts.RetryBackoff)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s", ErrServerError, resp.Status)
	}
	return checkStatusCode(resp.StatusCode)
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}

// cleanETag removes quotes from an ETag value.
func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	return etag
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total may be -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total or bytes start-end/*
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if parts[1] == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
		}
	}

	return start, end, total, nil
}
