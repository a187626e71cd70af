package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/savethepolarbears/google-photos-mcp/internal/quota"
	"github.com/savethepolarbears/google-photos-mcp/internal/secrets"
	"github.com/savethepolarbears/google-photos-mcp/internal/state"
	"github.com/savethepolarbears/google-photos-mcp/internal/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testSetup builds a token repository with two connected accounts,
// registers the tools on an MCP server, and returns a connected client
// session for calling them.
func testSetup(t *testing.T) (*mcp.ClientSession, *tokens.Repository) {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	repo := tokens.NewRepository(secrets.NewMemory(), st, testLogger())

	for _, user := range []string{"alice@example.com", "bob@example.com"} {
		require.NoError(t, repo.Save(user, tokens.Record{
			AccessToken:  "access",
			RefreshToken: "refresh",
			ExpiryDate:   time.Now().Add(time.Hour).UnixMilli(),
			UserEmail:    user,
		}))
	}

	services := &Services{
		Repo:  repo,
		Quota: quota.New(quota.Limits{MaxRequests: 100, MaxMedia: 100}, testLogger()),
	}

	server := mcp.NewServer(
		&mcp.Implementation{Name: "google-photos-mcp-test", Version: "test"},
		nil,
	)
	RegisterTools(server, services)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err = server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session, repo
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest interface{}) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

// --- auth_status ---

func TestAuthStatus(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "auth_status", nil)
	assert.False(t, result.IsError)

	var out AuthStatusResult
	extractJSON(t, result, &out)

	require.Len(t, out.Accounts, 2)

	users := make(map[string]bool)
	for _, a := range out.Accounts {
		users[a.UserID] = true
		assert.NotZero(t, a.RetrievedAt)
	}

	assert.True(t, users["alice@example.com"])
	assert.True(t, users["bob@example.com"])

	assert.Equal(t, int64(100), out.Quota.MaxRequests)
	assert.Zero(t, out.Quota.Requests)
	assert.False(t, out.Quota.ResetAt.IsZero())
}

func TestAuthStatus_NeverExposesTokens(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "auth_status", nil)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.NotContains(t, tc.Text, "access")
	assert.NotContains(t, tc.Text, "refresh")
}

// --- auth_revoke ---

func TestAuthRevoke(t *testing.T) {
	session, repo := testSetup(t)

	result := callTool(t, session, "auth_revoke", map[string]interface{}{
		"user_id": "alice@example.com",
	})
	assert.False(t, result.IsError)

	var out AuthRevokeResult
	extractJSON(t, result, &out)
	assert.Equal(t, "alice@example.com", out.UserID)
	assert.True(t, out.Removed)

	rec, err := repo.Get("alice@example.com")
	require.NoError(t, err)
	assert.Nil(t, rec, "credentials are gone after revoke")

	rec, err = repo.Get("bob@example.com")
	require.NoError(t, err)
	assert.NotNil(t, rec, "other accounts are untouched")
}

func TestAuthRevoke_UnknownUser(t *testing.T) {
	session, _ := testSetup(t)

	result := callTool(t, session, "auth_revoke", map[string]interface{}{
		"user_id": "nobody@example.com",
	})
	assert.False(t, result.IsError, "revoking an unknown user is not an error")
}

// --- resolveUser ---

func TestResolveUser_ExplicitID(t *testing.T) {
	_, repo := testSetup(t)

	s := &Services{Repo: repo}

	userID, err := s.resolveUser("carol@example.com")
	require.NoError(t, err)
	assert.Equal(t, "carol@example.com", userID)
}

func TestResolveUser_DefaultsToNewestAccount(t *testing.T) {
	_, repo := testSetup(t)

	s := &Services{Repo: repo}

	userID, err := s.resolveUser("")
	require.NoError(t, err)
	assert.Contains(t, []string{"alice@example.com", "bob@example.com"}, userID)
}

func TestResolveUser_NoAccounts(t *testing.T) {
	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	s := &Services{Repo: tokens.NewRepository(secrets.NewMemory(), st, testLogger())}

	_, err = s.resolveUser("")
	assert.Error(t, err)
}

// --- textResult ---

func TestTextResult(t *testing.T) {
	result := textResult(map[string]string{"key": "value"})

	require.Len(t, result.Content, 1)
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, tc.Text, `"key": "value"`)
	assert.False(t, result.IsError)
}
