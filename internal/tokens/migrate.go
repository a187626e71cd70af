package tokens

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/savethepolarbears/google-photos-mcp/internal/apierr"
	"github.com/tidwall/gjson"
)

// MigrateLegacy performs the one-time migration from the legacy
// plaintext token file: a single JSON object mapping user id to a token
// blob. Each entry is written through Save, then the source file is
// renamed with a timestamped backup suffix so migration never re-runs.
// An absent file is a no-op, not an error, which makes the whole
// operation idempotent.
//
// Run this to completion before serving traffic; it is the only
// store-wide bulk write and must not race per-user saves.
func (r *Repository) MigrateLegacy(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", apierr.ErrMigration, path, err)
	}

	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return fmt.Errorf("%w: %s is not a JSON object", apierr.ErrMigration, path)
	}

	var migrated, failed int

	parsed.ForEach(func(userID, entry gjson.Result) bool {
		rec := legacyRecord(entry)
		if !rec.Valid() {
			r.logger.Warn("skipping legacy entry with incomplete tokens",
				slog.String("user_id", userID.String()))

			failed++

			return true
		}

		if err := r.Save(userID.String(), rec); err != nil {
			r.logger.Warn("failed to migrate legacy entry",
				slog.String("user_id", userID.String()),
				slog.String("error", err.Error()),
			)

			failed++

			return true
		}

		migrated++

		return true
	})

	backup := fmt.Sprintf("%s.backup.%d", path, r.now().UnixMilli())
	if err := os.Rename(path, backup); err != nil {
		return fmt.Errorf("%w: backing up %s: %v", apierr.ErrMigration, path, err)
	}

	r.logger.Info("legacy token migration complete",
		slog.Int("migrated", migrated),
		slog.Int("failed", failed),
		slog.String("backup", backup),
	)

	return nil
}

// legacyRecord extracts a Record from one legacy entry. The legacy
// writer was inconsistent about field casing, so both snake_case and
// camelCase spellings are accepted.
func legacyRecord(entry gjson.Result) Record {
	first := func(paths ...string) gjson.Result {
		for _, p := range paths {
			if v := entry.Get(p); v.Exists() {
				return v
			}
		}

		return gjson.Result{}
	}

	return Record{
		AccessToken:  first("access_token", "accessToken").String(),
		RefreshToken: first("refresh_token", "refreshToken").String(),
		IDToken:      first("id_token", "idToken").String(),
		ExpiryDate:   first("expiry_date", "expiryDate").Int(),
		UserEmail:    first("userEmail", "user_email", "email").String(),
	}
}
