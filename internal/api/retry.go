package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

type retryAction int

const (
	stop       retryAction = iota // permanent, abort immediately
	retry                         // transient, normal backoff
	retryAfter                    // throttled, longer backoff
)

// RetryPolicy controls how transient Instagram failures are retried.
type RetryPolicy struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	RateLimitBackoff time.Duration
	OnRetry          func(attempt int, err error, backoff time.Duration)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      3,
		InitialBackoff:   500 * time.Millisecond,
		RateLimitBackoff: 5 * time.Second,
	}
}

// StatusError is returned for non-2xx Instagram responses.
type StatusError struct {
	Endpoint string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("instagram %s: unexpected status %d", e.Endpoint, e.Code)
}

func classify(err error) retryAction {
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests:
			return retryAfter
		case se.Code >= 500:
			return retry
		default:
			return stop
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return stop
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry
	}
	return stop
}

func withRetry[T any](ctx context.Context, p RetryPolicy, op func() (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	backoff := p.InitialBackoff

	for attempt := 1; ; attempt++ {
		val, err := op()
		if err == nil {
			return val, nil
		}

		action := classify(err)
		if action == stop || attempt == p.MaxAttempts {
			return zero, err
		}

		if action == retryAfter && p.RateLimitBackoff > backoff {
			backoff = p.RateLimitBackoff
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, backoff)
		}

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}
}
