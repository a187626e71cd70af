// Package retry wraps outbound calls with classification-driven retry
// and exponential backoff. It is stateless and safe for concurrent use;
// callers only ever see success or the final classified error, never raw
// per-attempt failures.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/url"
	"time"

	"github.com/savethepolarbears/google-photos-mcp/internal/apierr"
)

// Policy controls retry behavior for one wrapped operation.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// RateLimitFloor is the minimum delay before retrying a 429, applied
	// regardless of attempt number to avoid retry storms.
	RateLimitFloor time.Duration

	Multiplier float64
}

// DefaultPolicy returns the standard policy: 3 retries, 1s initial delay
// doubling up to 30s, and a 30s floor for rate-limit responses.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		RateLimitFloor: 30 * time.Second,
		Multiplier:     2,
	}
}

// Delay computes the wait before the (attempt+1)-th try, attempt being
// 0-indexed. Rate-limited failures never wait less than the floor; all
// others use exponential backoff capped at MaxDelay.
func (p Policy) Delay(attempt int, rateLimited bool) time.Duration {
	backoff := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt)))

	if rateLimited {
		return max(p.RateLimitFloor, backoff)
	}

	return min(backoff, p.MaxDelay)
}

// Classify decides retry eligibility for an error.
// Retryable: upstream 5xx, upstream 429 (rate-limited), and
// connection-level failures where no response arrived. Not retryable:
// any other status, and caller-chosen timeouts/cancellation.
func Classify(err error) (retryable, rateLimited bool) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, false
	}

	var ue *apierr.UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable(), ue.RateLimited()
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true, false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true, false
	}

	return false, false
}

// Executor runs operations under a retry policy.
type Executor struct {
	logger *slog.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor that logs retries through logger.
func NewExecutor(logger *slog.Logger) *Executor {
	return &Executor{
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes op, retrying retryable failures per the policy. When
// retries are exhausted the last error is returned with its attempt
// count stamped for observability. A pending delay aborts as soon as
// ctx is done; the next attempt is never started after cancellation.
func (e *Executor) Run(ctx context.Context, name string, p Policy, op func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 0 {
				e.logger.Info("operation succeeded after retry",
					slog.String("operation", name),
					slog.Int("attempts", attempt+1),
				)
			}

			return nil
		}

		retryable, rateLimited := Classify(err)
		if !retryable {
			return err
		}

		if attempt >= p.MaxRetries {
			var ue *apierr.UpstreamError
			if errors.As(err, &ue) {
				ue.Attempts = attempt + 1
			}

			e.logger.Warn("operation exhausted retries",
				slog.String("operation", name),
				slog.Int("attempts", attempt+1),
			)

			return err
		}

		delay := p.Delay(attempt, rateLimited)

		e.logger.Warn("operation failed, retrying",
			slog.String("operation", name),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Bool("rate_limited", rateLimited),
		)

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Do is the result-returning form of Executor.Run for operations that
// produce a value.
func Do[T any](ctx context.Context, e *Executor, name string, p Policy, op func(context.Context) (T, error)) (T, error) {
	var result T

	err := e.Run(ctx, name, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}

		result = v

		return nil
	})

	return result, err
}
