// Package ratelimit serializes calls to a strictly rate-capped
// downstream dependency (the geocoding service allows 1 req/s) behind a
// FIFO queue with a minimum interval between dispatches.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrClosed is returned by Throttle after Close.
var ErrClosed = errors.New("rate limiter closed")

// operation is one queued call awaiting dispatch.
type operation struct {
	ctx  context.Context
	run  func(context.Context) error
	done chan error
}

// Limiter dispatches queued operations one at a time in submission
// order, spacing dispatch starts by at least the configured minimum
// interval. Operations never overlap; a failed operation does not block
// the ones queued behind it.
type Limiter struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*operation
	closed bool

	pacer  *rate.Limiter
	logger *slog.Logger
}

// New creates a limiter with the given minimum interval between
// dispatches and starts its single drain goroutine. The interval should
// include a safety buffer beyond the provider's advertised cap (e.g.
// 1100ms for a 1 req/s limit) to absorb clock jitter.
func New(minInterval time.Duration, logger *slog.Logger) *Limiter {
	l := &Limiter{
		pacer:  rate.NewLimiter(rate.Every(minInterval), 1),
		logger: logger,
	}
	l.cond = sync.NewCond(&l.mu)

	go l.drain()

	return l
}

// Throttle enqueues op and blocks until it has run, returning its
// result. Submission order is dispatch order. If ctx is done before the
// operation is dispatched, the operation is skipped and ctx.Err()
// returned.
func (l *Limiter) Throttle(ctx context.Context, op func(context.Context) error) error {
	o := &operation{ctx: ctx, run: op, done: make(chan error, 1)}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}

	l.queue = append(l.queue, o)
	l.cond.Signal()
	l.mu.Unlock()

	return <-o.done
}

// drain is the single queue consumer. Only one drain loop exists per
// limiter, which makes dispatch mutually exclusive by construction.
func (l *Limiter) drain() {
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}

		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return
		}

		o := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.dispatch(o)
	}
}

func (l *Limiter) dispatch(o *operation) {
	if err := o.ctx.Err(); err != nil {
		o.done <- err
		return
	}

	// Waits out the remainder of the minimum interval since the previous
	// dispatch, or returns early when the operation's context dies.
	if err := l.pacer.Wait(o.ctx); err != nil {
		o.done <- err
		return
	}

	if err := o.run(o.ctx); err != nil {
		l.logger.Debug("throttled operation failed", slog.String("error", err.Error()))
		o.done <- err

		return
	}

	o.done <- nil
}

// Close stops accepting new operations. Already queued operations still
// run to completion.
func (l *Limiter) Close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
}
