package tokens

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const legacyTokens = `{
  "alice@example.com": {
    "access_token": "a-access",
    "refresh_token": "a-refresh",
    "id_token": "a-id",
    "expiry_date": 1700000000000,
    "userEmail": "alice@example.com"
  },
  "bob@example.com": {
    "accessToken": "b-access",
    "refreshToken": "b-refresh",
    "expiryDate": 1700000001000
  },
  "broken@example.com": {
    "access_token": "only-half"
  }
}`

func writeLegacyFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestMigrateLegacy(t *testing.T) {
	repo, _ := testRepo(t)
	path := writeLegacyFile(t, legacyTokens)

	require.NoError(t, repo.MigrateLegacy(path))

	alice, err := repo.Get("alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, alice)
	assert.Equal(t, "a-access", alice.AccessToken)
	assert.Equal(t, "a-refresh", alice.RefreshToken)
	assert.Equal(t, "a-id", alice.IDToken)
	assert.Equal(t, int64(1700000000000), alice.ExpiryDate)
	assert.Equal(t, "alice@example.com", alice.UserEmail)

	// camelCase spellings are accepted too.
	bob, err := repo.Get("bob@example.com")
	require.NoError(t, err)
	require.NotNil(t, bob)
	assert.Equal(t, "b-access", bob.AccessToken)
	assert.Equal(t, int64(1700000001000), bob.ExpiryDate)

	// Entries without the full token set are skipped, not migrated.
	broken, err := repo.Get("broken@example.com")
	require.NoError(t, err)
	assert.Nil(t, broken)
}

func TestMigrateLegacy_BacksUpSourceFile(t *testing.T) {
	repo, _ := testRepo(t)
	repo.now = func() time.Time { return time.UnixMilli(42) }

	path := writeLegacyFile(t, legacyTokens)
	require.NoError(t, repo.MigrateLegacy(path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "source file is renamed away")

	backup, err := os.ReadFile(path + ".backup.42")
	require.NoError(t, err)
	assert.JSONEq(t, legacyTokens, string(backup))
}

func TestMigrateLegacy_SecondRunIsNoOp(t *testing.T) {
	repo, _ := testRepo(t)
	path := writeLegacyFile(t, legacyTokens)

	require.NoError(t, repo.MigrateLegacy(path))

	// Overwrite alice after migration; a re-run must not clobber her.
	fresh := validRecord()
	fresh.AccessToken = "post-migration"
	require.NoError(t, repo.Save("alice@example.com", fresh))

	require.NoError(t, repo.MigrateLegacy(path))

	alice, err := repo.Get("alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, alice)
	assert.Equal(t, "post-migration", alice.AccessToken)
}

func TestMigrateLegacy_AbsentFile(t *testing.T) {
	repo, _ := testRepo(t)

	assert.NoError(t, repo.MigrateLegacy(filepath.Join(t.TempDir(), "missing.json")))
}

func TestMigrateLegacy_NotAnObject(t *testing.T) {
	repo, _ := testRepo(t)
	path := writeLegacyFile(t, `["not","an","object"]`)

	err := repo.MigrateLegacy(path)
	require.Error(t, err)

	// The unreadable file stays in place for inspection.
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}
