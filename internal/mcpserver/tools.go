// Package mcpserver registers MCP tools that expose the photo library
// operations. It adapts the service layer to the MCP SDK's tool handler
// interface; all credential, quota, and retry handling happens below it.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/savethepolarbears/google-photos-mcp/internal/apierr"
	"github.com/savethepolarbears/google-photos-mcp/internal/google"
	"github.com/savethepolarbears/google-photos-mcp/internal/quota"
	"github.com/savethepolarbears/google-photos-mcp/internal/tokens"
)

// Services are the collaborators the tool handlers call into.
type Services struct {
	Repo     *tokens.Repository
	Photos   *google.PhotosClient
	Geocoder *google.Geocoder
	Quota    *quota.Tracker
}

// RegisterTools adds all photo tools to the given MCP server.
func RegisterTools(server *mcp.Server, s *Services) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "auth_status",
		Description: "Show which Google accounts are connected and the remaining daily API quota. No photo content.",
	}, authStatusHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "auth_revoke",
		Description: "Disconnect a Google account and delete its stored credentials.",
	}, authRevokeHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "photos_search",
		Description: "Search the user's photo library. Optional album id, content categories (e.g. LANDSCAPES, SELFIES), and page token for pagination.",
	}, searchHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "photos_get",
		Description: "Fetch a single media item by id, including its base URL and capture metadata.",
	}, getHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "photos_locate",
		Description: "Resolve a free-text place name to coordinates for location-based queries. Rate limited to one lookup per second.",
	}, locateHandler(s))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// AuthStatusInput has no parameters.
type AuthStatusInput struct{}

// AuthRevokeInput holds parameters for auth_revoke.
type AuthRevokeInput struct {
	UserID string `json:"user_id" jsonschema:"required,user id of the account to disconnect"`
}

// SearchInput holds parameters for photos_search.
type SearchInput struct {
	UserID     string   `json:"user_id,omitempty" jsonschema:"user id, defaults to the most recently connected account"`
	AlbumID    string   `json:"album_id,omitempty" jsonschema:"restrict results to one album"`
	Categories []string `json:"categories,omitempty" jsonschema:"content categories to include"`
	PageSize   int      `json:"page_size,omitempty" jsonschema:"results per page, defaults to 25"`
	PageToken  string   `json:"page_token,omitempty" jsonschema:"token from a previous page"`
}

// GetInput holds parameters for photos_get.
type GetInput struct {
	UserID      string `json:"user_id,omitempty" jsonschema:"user id, defaults to the most recently connected account"`
	MediaItemID string `json:"media_item_id" jsonschema:"required,media item id"`
}

// LocateInput holds parameters for photos_locate.
type LocateInput struct {
	Query string `json:"query" jsonschema:"required,free-text place name"`
}

// --- Output types ---

// AccountStatus is one connected account, secrets excluded.
type AccountStatus struct {
	UserID      string `json:"user_id"`
	UserEmail   string `json:"user_email,omitempty"`
	RetrievedAt int64  `json:"retrieved_at"`
}

// AuthStatusResult lists connected accounts and the quota window.
type AuthStatusResult struct {
	Accounts []AccountStatus `json:"accounts"`
	Quota    quota.Snapshot  `json:"quota"`
}

// AuthRevokeResult reports a completed revocation.
type AuthRevokeResult struct {
	UserID  string `json:"user_id"`
	Removed bool   `json:"removed"`
}

// --- Handlers ---

func authStatusHandler(s *Services) mcp.ToolHandlerFor[AuthStatusInput, *AuthStatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ AuthStatusInput) (*mcp.CallToolResult, *AuthStatusResult, error) {
		metas, err := s.Repo.ListAccounts()
		if err != nil {
			return nil, nil, err
		}

		result := &AuthStatusResult{
			Accounts: make([]AccountStatus, 0, len(metas)),
			Quota:    s.Quota.Snapshot(),
		}
		for _, m := range metas {
			result.Accounts = append(result.Accounts, AccountStatus{
				UserID:      m.UserID,
				UserEmail:   m.UserEmail,
				RetrievedAt: m.RetrievedAt,
			})
		}

		return textResult(result), result, nil
	}
}

func authRevokeHandler(s *Services) mcp.ToolHandlerFor[AuthRevokeInput, *AuthRevokeResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input AuthRevokeInput) (*mcp.CallToolResult, *AuthRevokeResult, error) {
		if err := s.Repo.Remove(input.UserID); err != nil {
			return nil, nil, err
		}

		result := &AuthRevokeResult{UserID: input.UserID, Removed: true}

		return textResult(result), result, nil
	}
}

func searchHandler(s *Services) mcp.ToolHandlerFor[SearchInput, *google.SearchResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, *google.SearchResult, error) {
		userID, err := s.resolveUser(input.UserID)
		if err != nil {
			return nil, nil, err
		}

		result, err := s.Photos.Search(ctx, userID, google.SearchRequest{
			AlbumID:           input.AlbumID,
			ContentCategories: input.Categories,
			PageSize:          input.PageSize,
			PageToken:         input.PageToken,
		})
		if err != nil {
			return nil, nil, err
		}

		return textResult(result), result, nil
	}
}

func getHandler(s *Services) mcp.ToolHandlerFor[GetInput, *google.MediaItem] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input GetInput) (*mcp.CallToolResult, *google.MediaItem, error) {
		userID, err := s.resolveUser(input.UserID)
		if err != nil {
			return nil, nil, err
		}

		item, err := s.Photos.GetMediaItem(ctx, userID, input.MediaItemID)
		if err != nil {
			return nil, nil, err
		}

		return textResult(item), item, nil
	}
}

func locateHandler(s *Services) mcp.ToolHandlerFor[LocateInput, *google.Place] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input LocateInput) (*mcp.CallToolResult, *google.Place, error) {
		place, err := s.Geocoder.Geocode(ctx, input.Query)
		if err != nil {
			return nil, nil, err
		}

		if place == nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "no match for query"}},
			}, nil, nil
		}

		return textResult(place), place, nil
	}
}

// resolveUser falls back to the most recently connected account when no
// user id was given.
func (s *Services) resolveUser(userID string) (string, error) {
	if userID != "" {
		return userID, nil
	}

	rec, err := s.Repo.GetNewestValid()
	if err != nil {
		return "", err
	}

	if rec == nil {
		return "", apierr.ErrAuthenticationRequired
	}

	return rec.UserID, nil
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
