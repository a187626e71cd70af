package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/savethepolarbears/google-photos-mcp/internal/apierr"
	"github.com/savethepolarbears/google-photos-mcp/internal/quota"
	"github.com/savethepolarbears/google-photos-mcp/internal/refresh"
	"github.com/savethepolarbears/google-photos-mcp/internal/retry"
	"github.com/savethepolarbears/google-photos-mcp/internal/tokens"
)

const (
	photosBaseURL = "https://photoslibrary.googleapis.com/v1"

	// photosTimeout bounds a single Photos API attempt. Retries are
	// decided by the retry executor, not by this timeout.
	photosTimeout = 30 * time.Second

	// maxMediaBytes caps media downloads to keep one item from consuming
	// unbounded memory.
	maxMediaBytes = 64 * 1024 * 1024
)

// MediaItem is the subset of the Photos API media item this server
// exposes.
type MediaItem struct {
	ID          string        `json:"id"`
	Description string        `json:"description,omitempty"`
	BaseURL     string        `json:"baseUrl"`
	MimeType    string        `json:"mimeType"`
	Filename    string        `json:"filename"`
	Metadata    MediaMetadata `json:"mediaMetadata"`
}

// MediaMetadata carries capture-time metadata.
type MediaMetadata struct {
	CreationTime string `json:"creationTime"`
	Width        string `json:"width"`
	Height       string `json:"height"`
}

// SearchRequest narrows a media item search.
type SearchRequest struct {
	AlbumID           string   `json:"albumId,omitempty"`
	PageSize          int      `json:"pageSize,omitempty"`
	PageToken         string   `json:"pageToken,omitempty"`
	ContentCategories []string `json:"-"`
}

// SearchResult is one page of media items.
type SearchResult struct {
	Items         []MediaItem `json:"mediaItems"`
	NextPageToken string      `json:"nextPageToken,omitempty"`
}

// PhotosClient is a thin wrapper over the Photos Library API that runs
// every call through the credential and resilience services: token
// freshness first, then the quota gate, then the retry executor, and a
// quota record only after the call succeeded.
type PhotosClient struct {
	httpClient *http.Client
	baseURL    string

	repo   *tokens.Repository
	coord  *refresh.Coordinator
	quota  *quota.Tracker
	exec   *retry.Executor
	policy retry.Policy
	logger *slog.Logger
}

// NewPhotosClient wires a Photos client over the given services.
// If httpClient is nil a client with a 30-second timeout is used.
func NewPhotosClient(
	httpClient *http.Client,
	repo *tokens.Repository,
	coord *refresh.Coordinator,
	tracker *quota.Tracker,
	exec *retry.Executor,
	policy retry.Policy,
	logger *slog.Logger,
) *PhotosClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: photosTimeout}
	}

	return &PhotosClient{
		httpClient: httpClient,
		baseURL:    photosBaseURL,
		repo:       repo,
		coord:      coord,
		quota:      tracker,
		exec:       exec,
		policy:     policy,
		logger:     logger,
	}
}

// Search returns a page of the user's media items, optionally filtered
// by album or content categories.
func (c *PhotosClient) Search(ctx context.Context, userID string, req SearchRequest) (*SearchResult, error) {
	if req.PageSize <= 0 {
		req.PageSize = 25
	}

	body := map[string]any{"pageSize": req.PageSize}
	if req.AlbumID != "" {
		body["albumId"] = req.AlbumID
	}

	if req.PageToken != "" {
		body["pageToken"] = req.PageToken
	}

	if len(req.ContentCategories) > 0 {
		body["filters"] = map[string]any{
			"contentFilter": map[string]any{"includedContentCategories": req.ContentCategories},
		}
	}

	var result SearchResult
	if err := c.call(ctx, userID, "photos.search", http.MethodPost, "/mediaItems:search", body, &result, false); err != nil {
		return nil, err
	}

	return &result, nil
}

// GetMediaItem returns a single media item by id.
func (c *PhotosClient) GetMediaItem(ctx context.Context, userID, mediaItemID string) (*MediaItem, error) {
	var item MediaItem
	if err := c.call(ctx, userID, "photos.get", http.MethodGet, "/mediaItems/"+mediaItemID, nil, &item, false); err != nil {
		return nil, err
	}

	return &item, nil
}

// DownloadMediaItem fetches the raw bytes of a media item. This is a
// heavy request and consumes media quota.
func (c *PhotosClient) DownloadMediaItem(ctx context.Context, userID, mediaItemID string) ([]byte, string, error) {
	item, err := c.GetMediaItem(ctx, userID, mediaItemID)
	if err != nil {
		return nil, "", err
	}

	rec, err := c.freshToken(ctx, userID)
	if err != nil {
		return nil, "", err
	}

	if err := c.quota.Check(true); err != nil {
		return nil, "", err
	}

	data, err := retry.Do(ctx, c.exec, "photos.download", c.policy, func(ctx context.Context) ([]byte, error) {
		return c.fetchBytes(ctx, rec.AccessToken, item.BaseURL+"=d")
	})
	if err != nil {
		return nil, "", err
	}

	c.quota.Record(true)

	return data, item.MimeType, nil
}

// call runs one JSON API request through the full pipeline.
func (c *PhotosClient) call(ctx context.Context, userID, name, method, path string, body, out any, heavy bool) error {
	rec, err := c.freshToken(ctx, userID)
	if err != nil {
		return err
	}

	if err := c.quota.Check(heavy); err != nil {
		return err
	}

	data, err := retry.Do(ctx, c.exec, name, c.policy, func(ctx context.Context) ([]byte, error) {
		return c.doJSON(ctx, name, method, path, rec.AccessToken, body)
	})
	if err != nil {
		return err
	}

	c.quota.Record(heavy)

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", name, err)
	}

	return nil
}

// freshToken loads the user's record and ensures it is fresh.
func (c *PhotosClient) freshToken(ctx context.Context, userID string) (tokens.Record, error) {
	rec, err := c.repo.Get(userID)
	if err != nil {
		return tokens.Record{}, err
	}

	if rec == nil || !rec.Valid() {
		return tokens.Record{}, fmt.Errorf("%w for user %s", apierr.ErrAuthenticationRequired, userID)
	}

	return c.coord.EnsureFresh(ctx, userID, *rec)
}

func (c *PhotosClient) doJSON(ctx context.Context, name, method, path, accessToken string, body any) ([]byte, error) {
	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", name, err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", name, err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// No response at all: the retry executor classifies this as
		// retryable unless the context chose to stop.
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &apierr.UpstreamError{Operation: name, StatusCode: resp.StatusCode}
	}

	return data, nil
}

func (c *PhotosClient) fetchBytes(ctx context.Context, accessToken, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &apierr.UpstreamError{Operation: "photos.download", StatusCode: resp.StatusCode}
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
}
