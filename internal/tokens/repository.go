package tokens

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/savethepolarbears/google-photos-mcp/internal/apierr"
	"github.com/savethepolarbears/google-photos-mcp/internal/secrets"
	"github.com/savethepolarbears/google-photos-mcp/internal/state"
)

// Repository persists token records across the secret store (secret
// fields) and the state store (metadata). It is the exclusive owner of
// stored records.
type Repository struct {
	secrets secrets.Store
	state   *state.Store
	logger  *slog.Logger

	now func() time.Time
}

// NewRepository creates a repository over the given stores.
func NewRepository(sec secrets.Store, st *state.Store, logger *slog.Logger) *Repository {
	return &Repository{
		secrets: sec,
		state:   st,
		logger:  logger,
		now:     time.Now,
	}
}

// Save stamps RetrievedAt and writes the secret fields to the secret
// store and the metadata to the state store. If either half fails the
// error is surfaced and the record is not considered valid: Get requires
// both halves to be present, so a half-written record reads as absent.
func (r *Repository) Save(userID string, rec Record) error {
	rec.UserID = userID
	rec.RetrievedAt = r.now().UnixMilli()

	blob, err := json.Marshal(secretBlob{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		IDToken:      rec.IDToken,
		ExpiryDate:   rec.ExpiryDate,
	})
	if err != nil {
		return fmt.Errorf("encoding token secrets: %w", err)
	}

	if err := r.secrets.Set(userID, blob); err != nil {
		return fmt.Errorf("%w: storing secrets for user %s: %v", apierr.ErrStorage, userID, err)
	}

	err = r.state.SaveTokenMeta(state.TokenMeta{
		UserID:      userID,
		UserEmail:   rec.UserEmail,
		RetrievedAt: rec.RetrievedAt,
	})
	if err != nil {
		return fmt.Errorf("%w: storing metadata for user %s: %v", apierr.ErrStorage, userID, err)
	}

	r.logger.Debug("token saved", slog.String("user_id", userID))

	return nil
}

// Get returns the merged record for a user, or nil when absent. Absence
// of either half reads as nil: the secret store's "not found" and a
// missing metadata row are folded together because callers handle both
// identically (reauthenticate). Genuine store I/O errors are returned.
func (r *Repository) Get(userID string) (*Record, error) {
	blob, err := r.secrets.Get(userID)
	if errors.Is(err, secrets.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: reading secrets for user %s: %v", apierr.ErrStorage, userID, err)
	}

	meta, err := r.state.GetTokenMeta(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: reading metadata for user %s: %v", apierr.ErrStorage, userID, err)
	}

	if meta == nil {
		return nil, nil
	}

	var sb secretBlob
	if err := json.Unmarshal(blob, &sb); err != nil {
		return nil, fmt.Errorf("%w: decoding secrets for user %s: %v", apierr.ErrStorage, userID, err)
	}

	return &Record{
		AccessToken:  sb.AccessToken,
		RefreshToken: sb.RefreshToken,
		IDToken:      sb.IDToken,
		ExpiryDate:   sb.ExpiryDate,
		UserID:       meta.UserID,
		UserEmail:    meta.UserEmail,
		RetrievedAt:  meta.RetrievedAt,
	}, nil
}

// GetNewestValid scans all known users and returns the valid record with
// the greatest RetrievedAt, ties broken by insertion order (earliest
// wins). Users listed in excluding are skipped. Returns nil when no
// valid record exists. Used for single-user/default-identity fallback.
func (r *Repository) GetNewestValid(excluding ...string) (*Record, error) {
	all, err := r.state.AllTokenMeta()
	if err != nil {
		return nil, fmt.Errorf("%w: listing token metadata: %v", apierr.ErrStorage, err)
	}

	var (
		best    *Record
		bestSeq uint64
	)

	for _, meta := range all {
		if slices.Contains(excluding, meta.UserID) {
			continue
		}

		rec, err := r.Get(meta.UserID)
		if err != nil {
			r.logger.Warn("skipping unreadable token record",
				slog.String("user_id", meta.UserID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if rec == nil || !rec.Valid() {
			continue
		}

		if best == nil || rec.RetrievedAt > best.RetrievedAt ||
			(rec.RetrievedAt == best.RetrievedAt && meta.Seq < bestSeq) {
			best = rec
			bestSeq = meta.Seq
		}
	}

	return best, nil
}

// ListAccounts returns the non-secret metadata for every known user.
func (r *Repository) ListAccounts() ([]state.TokenMeta, error) {
	all, err := r.state.AllTokenMeta()
	if err != nil {
		return nil, fmt.Errorf("%w: listing token metadata: %v", apierr.ErrStorage, err)
	}

	return all, nil
}

// Remove deletes both halves of a user's record. Removing an absent
// user is not an error.
func (r *Repository) Remove(userID string) error {
	if err := r.secrets.Delete(userID); err != nil {
		return fmt.Errorf("%w: deleting secrets for user %s: %v", apierr.ErrStorage, userID, err)
	}

	if err := r.state.DeleteTokenMeta(userID); err != nil {
		return fmt.Errorf("%w: deleting metadata for user %s: %v", apierr.ErrStorage, userID, err)
	}

	return nil
}
