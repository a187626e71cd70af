// Package refresh coordinates access token renewal so that concurrent
// callers for the same user share at most one in-flight upstream
// refresh.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/savethepolarbears/google-photos-mcp/internal/apierr"
	"github.com/savethepolarbears/google-photos-mcp/internal/tokens"
	"golang.org/x/sync/singleflight"
)

// DefaultExpiryBuffer keeps a token from expiring mid-flight of a
// dependent call.
const DefaultExpiryBuffer = 5 * time.Minute

// Refresher performs the upstream refresh call. The concrete OAuth
// token endpoint lives in internal/google.
type Refresher interface {
	// Refresh exchanges a refresh token for a new access token. The
	// returned record carries the new access token and expiry; the
	// refresh token may be empty when the provider did not rotate it.
	Refresh(ctx context.Context, refreshToken string) (tokens.Record, error)
}

// Coordinator guarantees at most one in-flight refresh per user id.
// Different user ids proceed fully in parallel.
type Coordinator struct {
	repo      *tokens.Repository
	refresher Refresher
	buffer    time.Duration
	logger    *slog.Logger

	group singleflight.Group
	now   func() time.Time
}

// NewCoordinator creates a coordinator with the given expiry buffer;
// buffer <= 0 selects DefaultExpiryBuffer.
func NewCoordinator(repo *tokens.Repository, r Refresher, buffer time.Duration, logger *slog.Logger) *Coordinator {
	if buffer <= 0 {
		buffer = DefaultExpiryBuffer
	}

	return &Coordinator{
		repo:      repo,
		refresher: r,
		buffer:    buffer,
		logger:    logger,
		now:       time.Now,
	}
}

// EnsureFresh returns current unchanged, with no I/O, when it is still
// valid past the expiry buffer. Otherwise it refreshes the token,
// persisting the result on success. Callers that arrive while a refresh
// for the same user is in flight join it and receive the identical
// result, success or error; the in-flight marker is cleared on every
// exit path.
func (c *Coordinator) EnsureFresh(ctx context.Context, userID string, current tokens.Record) (tokens.Record, error) {
	if current.ExpiryDate > c.now().Add(c.buffer).UnixMilli() {
		return current, nil
	}

	v, err, shared := c.group.Do(userID, func() (any, error) {
		return c.refresh(ctx, userID, current)
	})
	if err != nil {
		return tokens.Record{}, err
	}

	if shared {
		c.logger.Debug("joined in-flight refresh", slog.String("user_id", userID))
	}

	return v.(tokens.Record), nil
}

func (c *Coordinator) refresh(ctx context.Context, userID string, current tokens.Record) (tokens.Record, error) {
	c.logger.Info("refreshing access token", slog.String("user_id", userID))

	updated, err := c.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return tokens.Record{}, fmt.Errorf("%w for user %s: %v", apierr.ErrRefreshFailed, userID, err)
	}

	// Providers often omit the refresh token on renewal; keep the one we
	// have. The ID token and identity metadata always carry over.
	if updated.RefreshToken == "" {
		updated.RefreshToken = current.RefreshToken
	}

	updated.IDToken = current.IDToken
	updated.UserID = userID
	updated.UserEmail = current.UserEmail

	if err := c.repo.Save(userID, updated); err != nil {
		return tokens.Record{}, fmt.Errorf("persisting refreshed token: %w", err)
	}

	saved, err := c.repo.Get(userID)
	if err != nil || saved == nil {
		// Save succeeded, so treat a read-back miss as the saved value.
		return updated, nil
	}

	return *saved, nil
}
