package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound is returned when the requested group or project does not exist.
var ErrNotFound = errors.New("remote: not found")

// RemoteUnavailableError reports a transient failure: network error, timeout or 5xx.
type RemoteUnavailableError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RemoteUnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote unavailable during %s (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote unavailable during %s: %v", e.Op, e.Err)
}

func (e *RemoteUnavailableError) Unwrap() error { return e.Err }

// RemoteRateLimitedError reports a 429. RetryAfter is zero when the platform gave no hint.
type RemoteRateLimitedError struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *RemoteRateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("remote rate limited during %s (retry after %s): %v", e.Op, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("remote rate limited during %s: %v", e.Op, e.Err)
}

func (e *RemoteRateLimitedError) Unwrap() error { return e.Err }

// RejectedError reports a request the platform refused (4xx other than 404 and 429).
type RejectedError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("remote rejected %s (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var unavailable *RemoteUnavailableError
	var limited *RemoteRateLimitedError
	return errors.As(err, &unavailable) || errors.As(err, &limited)
}

// IsAlreadyTaken reports whether a create was refused because the path exists.
// GitLab answers a taken group or project path with 400 "has already been
// taken"; other platforms use 409.
func IsAlreadyTaken(err error) bool {
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		return false
	}
	switch rejected.StatusCode {
	case http.StatusConflict:
		return true
	case http.StatusBadRequest:
		return rejected.Err != nil && strings.Contains(rejected.Err.Error(), "already been taken")
	}
	return false
}

// Classify maps a failed call to the taxonomy. statusCode is 0 when no response
// was received. A nil err with a 2xx status returns nil.
func Classify(op string, statusCode int, retryAfter time.Duration, err error) error {
	if err == nil && statusCode < 400 {
		return nil
	}
	if err == nil {
		err = errors.New(http.StatusText(statusCode))
	}

	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case statusCode == http.StatusTooManyRequests:
		return &RemoteRateLimitedError{Op: op, RetryAfter: retryAfter, Err: err}
	case statusCode >= 500:
		return &RemoteUnavailableError{Op: op, StatusCode: statusCode, Err: err}
	case statusCode >= 400:
		return &RejectedError{Op: op, StatusCode: statusCode, Err: err}
	}

	// No usable response: the request never completed. Deadlines and network
	// errors are transient; a caller's cancellation is passed through as is.
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &RemoteUnavailableError{Op: op, Err: err}
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil && secs >= 0 {
		return secs
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
