package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name      string
		status    int
		err       error
		transient bool
		check     func(t *testing.T, err error)
	}{
		{name: "ok", status: 200, check: func(t *testing.T, err error) { assert.NoError(t, err) }},
		{name: "not found", status: 404, err: base, check: func(t *testing.T, err error) {
			assert.True(t, errors.Is(err, ErrNotFound))
		}},
		{name: "rate limited", status: 429, err: base, transient: true, check: func(t *testing.T, err error) {
			var rl *RemoteRateLimitedError
			assert.True(t, errors.As(err, &rl))
			assert.Equal(t, 5*time.Second, rl.RetryAfter)
		}},
		{name: "server error", status: 503, err: base, transient: true, check: func(t *testing.T, err error) {
			var u *RemoteUnavailableError
			assert.True(t, errors.As(err, &u))
			assert.Equal(t, 503, u.StatusCode)
		}},
		{name: "forbidden", status: 403, err: base, check: func(t *testing.T, err error) {
			var r *RejectedError
			assert.True(t, errors.As(err, &r))
		}},
		{name: "status without error", status: 502, transient: true, check: func(t *testing.T, err error) {
			assert.Contains(t, err.Error(), "Bad Gateway")
		}},
		{name: "deadline", err: context.DeadlineExceeded, transient: true, check: func(t *testing.T, err error) {
			assert.True(t, errors.Is(err, context.DeadlineExceeded))
		}},
		{name: "network", err: base, transient: true, check: func(t *testing.T, err error) {
			assert.True(t, errors.Is(err, base))
		}},
		{name: "canceled", err: context.Canceled, check: func(t *testing.T, err error) {
			assert.Equal(t, context.Canceled, err)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("get_group", tt.status, 5*time.Second, tt.err)
			tt.check(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	h := http.Header{}
	assert.Zero(t, ParseRetryAfter(h, now))

	h.Set("Retry-After", "120")
	assert.Equal(t, 2*time.Minute, ParseRetryAfter(h, now))

	h.Set("Retry-After", now.Add(30*time.Second).Format(http.TimeFormat))
	assert.Equal(t, 30*time.Second, ParseRetryAfter(h, now))

	h.Set("Retry-After", "garbage")
	assert.Zero(t, ParseRetryAfter(h, now))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "not_found", Outcome(ErrNotFound))
	assert.Equal(t, "rate_limited", Outcome(&RemoteRateLimitedError{Op: "x"}))
	assert.Equal(t, "unavailable", Outcome(&RemoteUnavailableError{Op: "x"}))
	assert.Equal(t, "rejected", Outcome(&RejectedError{Op: "x", StatusCode: 400}))
	assert.Equal(t, "error", Outcome(errors.New("other")))
}

func TestIsAlreadyTaken(t *testing.T) {
	assert.True(t, IsAlreadyTaken(&RejectedError{Op: "create_group", StatusCode: 400, Err: errors.New(`{path: [has already been taken]}`)}))
	assert.True(t, IsAlreadyTaken(&RejectedError{Op: "create_group", StatusCode: 409, Err: errors.New("conflict")}))
	assert.True(t, IsAlreadyTaken(fmt.Errorf("wrapped: %w", &RejectedError{StatusCode: 409})))

	assert.False(t, IsAlreadyTaken(&RejectedError{StatusCode: 400, Err: errors.New("name is invalid")}))
	assert.False(t, IsAlreadyTaken(&RejectedError{StatusCode: 403, Err: errors.New("has already been taken")}))
	assert.False(t, IsAlreadyTaken(&RemoteUnavailableError{StatusCode: 503}))
	assert.False(t, IsAlreadyTaken(nil))
}
