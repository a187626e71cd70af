// Package quota tracks daily request budgets against the Google Photos
// API: a request counter and a separate counter for heavy (media)
// requests, both reset at UTC midnight.
package quota

import (
	"log/slog"
	"sync"
	"time"

	"github.com/savethepolarbears/google-photos-mcp/internal/apierr"
)

// Limits are the per-day caps for one tracker.
type Limits struct {
	MaxRequests int64
	MaxMedia    int64
}

// Snapshot is a read-only view of the current window.
type Snapshot struct {
	Requests    int64     `json:"requests"`
	MaxRequests int64     `json:"max_requests"`
	Media       int64     `json:"media"`
	MaxMedia    int64     `json:"max_media"`
	ResetAt     time.Time `json:"reset_at"`
}

// Tracker is a fixed-window quota counter pair sharing one reset clock.
// The reset-then-check sequence runs under one lock so concurrent
// callers cannot jointly overshoot the cap.
type Tracker struct {
	mu sync.Mutex

	limits   Limits
	requests int64
	media    int64
	resetAt  time.Time

	// warnedRequests/warnedMedia latch the 80% warning so it fires once
	// per counter per window.
	warnedRequests bool
	warnedMedia    bool

	logger *slog.Logger
	now    func() time.Time
}

// New creates a tracker whose first window ends at the next UTC midnight.
func New(limits Limits, logger *slog.Logger) *Tracker {
	t := &Tracker{
		limits: limits,
		logger: logger,
		now:    time.Now,
	}
	t.resetAt = nextUTCMidnight(t.now())

	return t
}

// nextUTCMidnight returns the first UTC midnight strictly after now.
func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()

	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

// maybeReset zeroes the counters and advances the window when now has
// crossed resetAt. Callers must hold mu.
func (t *Tracker) maybeReset() {
	now := t.now()
	if now.Before(t.resetAt) {
		return
	}

	t.requests = 0
	t.media = 0
	t.warnedRequests = false
	t.warnedMedia = false
	t.resetAt = nextUTCMidnight(now)
}

// Check fails fast with *apierr.QuotaExceededError when the request
// cap, or for heavy requests the media cap, is exhausted. It has no
// side effect on the counters.
func (t *Tracker) Check(isHeavy bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.maybeReset()

	if t.requests >= t.limits.MaxRequests || (isHeavy && t.media >= t.limits.MaxMedia) {
		return &apierr.QuotaExceededError{
			Requests:    t.requests,
			MaxRequests: t.limits.MaxRequests,
			Media:       t.media,
			MaxMedia:    t.limits.MaxMedia,
			ResetAt:     t.resetAt,
		}
	}

	return nil
}

// Record consumes quota for a call that actually succeeded: the request
// counter always, the media counter only for heavy requests. Failed
// attempts must not be recorded.
func (t *Tracker) Record(isHeavy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.maybeReset()

	t.requests++
	if !t.warnedRequests && crossedWarnThreshold(t.requests, t.limits.MaxRequests) {
		t.warnedRequests = true
		t.logger.Warn("daily request quota at 80%",
			slog.Int64("requests", t.requests),
			slog.Int64("max_requests", t.limits.MaxRequests),
			slog.Time("reset_at", t.resetAt),
		)
	}

	if !isHeavy {
		return
	}

	t.media++
	if !t.warnedMedia && crossedWarnThreshold(t.media, t.limits.MaxMedia) {
		t.warnedMedia = true
		t.logger.Warn("daily media quota at 80%",
			slog.Int64("media", t.media),
			slog.Int64("max_media", t.limits.MaxMedia),
			slog.Time("reset_at", t.resetAt),
		)
	}
}

// crossedWarnThreshold reports count >= 80% of maxValue.
func crossedWarnThreshold(count, maxValue int64) bool {
	return maxValue > 0 && count*5 >= maxValue*4
}

// Snapshot returns the current counts without mutating the window.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.maybeReset()

	return Snapshot{
		Requests:    t.requests,
		MaxRequests: t.limits.MaxRequests,
		Media:       t.media,
		MaxMedia:    t.limits.MaxMedia,
		ResetAt:     t.resetAt,
	}
}
