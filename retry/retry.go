// Package retry re-runs remote calls with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/api/googleapi"
)

const (
	DefaultAttempts = 3
	DefaultInitial  = 2 * time.Second
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultPolicy is three attempts starting at two seconds.
func DefaultPolicy() Policy {
	return Policy{Attempts: DefaultAttempts, Initial: DefaultInitial}
}

// sleep is replaced in tests.
var sleep = gax.Sleep

// Do runs op until it succeeds, returns a permanent error, or the attempts run out.
// API errors are retried only for 429, 500 and 503; any other error kind is retried.
func Do(ctx context.Context, policy Policy, logger *slog.Logger, name string, op func(context.Context) error) error {
	if policy.Attempts <= 0 {
		policy.Attempts = DefaultAttempts
	}
	if policy.Initial <= 0 {
		policy.Initial = DefaultInitial
	}
	if policy.Max <= 0 {
		policy.Max = policy.Initial << uint(policy.Attempts)
	}

	backoff := gax.Backoff{
		Initial:    policy.Initial,
		Max:        policy.Max,
		Multiplier: 2,
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) || attempt >= policy.Attempts {
			break
		}

		pause := backoff.Pause()
		if logger != nil {
			logger.Warn("retrying call", "op", name, "attempt", attempt, "wait", pause, "err", err)
		}
		if serr := sleep(ctx, pause); serr != nil {
			return fmt.Errorf("%s: %w", name, errors.Join(err, serr))
		}
	}

	return fmt.Errorf("%s: %w", name, err)
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
			return true
		default:
			return false
		}
	}
	return true
}
