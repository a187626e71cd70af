// Package apierr defines the error taxonomy shared across internal packages.
// Callers match on these with errors.Is / errors.As; secret values never
// appear in error messages, only user ids, status codes, counts and
// timestamps.
package apierr

import (
	"errors"
	"fmt"
	"time"
)

// Credential lifecycle errors.
var (
	// ErrAuthenticationRequired means no valid credential is available for
	// the requested user.
	ErrAuthenticationRequired = errors.New("authentication required: no valid token available")

	// ErrRefreshFailed means the upstream token endpoint rejected a refresh.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrStorage means the secret store or metadata store failed an I/O
	// operation.
	ErrStorage = errors.New("credential storage failure")

	// ErrMigration wraps legacy token migration failures. Non-fatal: the
	// caller logs it and continues serving with whatever tokens exist.
	ErrMigration = errors.New("legacy token migration failed")
)

// VerificationKind identifies why an ID token failed verification.
type VerificationKind string

const (
	VerificationMalformed        VerificationKind = "malformed"
	VerificationBadSignature     VerificationKind = "signature_mismatch"
	VerificationIssuerMismatch   VerificationKind = "issuer_mismatch"
	VerificationAudienceMismatch VerificationKind = "audience_mismatch"
	VerificationExpired          VerificationKind = "expired"
)

// VerificationError reports a failed ID token verification. Every kind
// refuses identity resolution; there is no fallback to unverified claims.
type VerificationError struct {
	Kind VerificationKind
	Err  error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token verification failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("token verification failed (%s)", e.Kind)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// QuotaExceededError reports that a daily quota counter is exhausted.
// It carries the counts at the time of the check and when the window resets.
type QuotaExceededError struct {
	Requests    int64
	MaxRequests int64
	Media       int64
	MaxMedia    int64
	ResetAt     time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily quota exceeded (requests %d/%d, media %d/%d), resets at %s",
		e.Requests, e.MaxRequests, e.Media, e.MaxMedia, e.ResetAt.UTC().Format(time.RFC3339))
}

// UpstreamError describes a failed call to an upstream HTTP API.
// StatusCode is 0 when no response was received at all (network failure).
// Attempts is stamped by the retry executor when retries are exhausted.
type UpstreamError struct {
	Operation  string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("upstream call %s failed", e.Operation)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" with status %d", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Retryable reports whether the failure class is safe to retry:
// 5xx responses, 429 rate limits, and connection-level failures
// where no response arrived.
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// RateLimited reports whether the upstream answered 429.
func (e *UpstreamError) RateLimited() bool { return e.StatusCode == 429 }
