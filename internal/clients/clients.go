// Package clients defines the shared error taxonomy for the external
// providers task handlers call. The queue manager keys its retry and
// rotation decisions off these error kinds.
package clients

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// maxErrorBody caps how much of an error response body is read for messages.
const maxErrorBody = 4096

// RateLimitError signals the provider refused the call because the current
// credential is out of capacity. The client rotates its credential pool on
// detection; the queue manager schedules the retry, honoring RetryAfter.
type RateLimitError struct {
	Resource   string        // The credential or endpoint that was limited
	RetryAfter time.Duration // Provider-suggested wait, zero if not given
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

// TransientError wraps failures worth retrying: network errors, provider
// 5xx responses, temporary unavailability.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// AsRateLimit extracts a RateLimitError from err if one is present.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// IsTransient reports whether err should be retried. Rate limits count as
// transient; everything else is terminal.
func IsTransient(err error) bool {
	if _, ok := AsRateLimit(err); ok {
		return true
	}
	var te *TransientError
	return errors.As(err, &te)
}

// ClassifyResponse converts a non-2xx response into the matching error kind.
// The caller still owns the response body.
func ClassifyResponse(resp *http.Response, resource string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{
			Resource:   resource,
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		return Transient(fmt.Errorf("provider error: status %d, body: %s", resp.StatusCode, string(body)))
	default:
		return fmt.Errorf("provider rejected request: status %d, body: %s", resp.StatusCode, string(body))
	}
}

// ParseRetryAfter reads a Retry-After header value, either delay seconds or
// an HTTP date. Returns zero if the header is absent or unreadable.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(header); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}

	return 0
}
