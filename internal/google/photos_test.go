package google

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/savethepolarbears/google-photos-mcp/internal/apierr"
	"github.com/savethepolarbears/google-photos-mcp/internal/quota"
	"github.com/savethepolarbears/google-photos-mcp/internal/refresh"
	"github.com/savethepolarbears/google-photos-mcp/internal/retry"
	"github.com/savethepolarbears/google-photos-mcp/internal/secrets"
	"github.com/savethepolarbears/google-photos-mcp/internal/state"
	"github.com/savethepolarbears/google-photos-mcp/internal/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// staticRefresher returns a fixed fresh record; the pipeline tests seed
// unexpired tokens so it should normally never be called.
type staticRefresher struct {
	calls atomic.Int64
}

func (s *staticRefresher) Refresh(context.Context, string) (tokens.Record, error) {
	s.calls.Add(1)

	return tokens.Record{
		AccessToken: "refreshed-access",
		ExpiryDate:  time.Now().Add(time.Hour).UnixMilli(),
	}, nil
}

type photosFixture struct {
	client  *PhotosClient
	repo    *tokens.Repository
	tracker *quota.Tracker
	fresher *staticRefresher
}

// fastPolicy keeps retry delays negligible in tests.
func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:     3,
		InitialDelay:   time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		RateLimitFloor: time.Millisecond,
		Multiplier:     2,
	}
}

func newPhotosFixture(t *testing.T, upstream *httptest.Server, limits quota.Limits) *photosFixture {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	repo := tokens.NewRepository(secrets.NewMemory(), st, testLogger())
	fresher := &staticRefresher{}
	coord := refresh.NewCoordinator(repo, fresher, 0, testLogger())
	tracker := quota.New(limits, testLogger())

	client := NewPhotosClient(
		upstream.Client(),
		repo,
		coord,
		tracker,
		retry.NewExecutor(testLogger()),
		fastPolicy(),
		testLogger(),
	)
	client.baseURL = upstream.URL

	return &photosFixture{client: client, repo: repo, tracker: tracker, fresher: fresher}
}

func seedToken(t *testing.T, repo *tokens.Repository, userID string) {
	t.Helper()

	require.NoError(t, repo.Save(userID, tokens.Record{
		AccessToken:  "seeded-access",
		RefreshToken: "seeded-refresh",
		ExpiryDate:   time.Now().Add(time.Hour).UnixMilli(),
		UserEmail:    userID,
	}))
}

func TestSearch(t *testing.T) {
	var gotAuth, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(10), body["pageSize"])
		assert.Equal(t, "album-1", body["albumId"])

		json.NewEncoder(w).Encode(SearchResult{
			Items:         []MediaItem{{ID: "m1", Filename: "sunset.jpg"}},
			NextPageToken: "page-2",
		})
	}))
	defer srv.Close()

	f := newPhotosFixture(t, srv, quota.Limits{MaxRequests: 10, MaxMedia: 10})
	seedToken(t, f.repo, "alice@example.com")

	result, err := f.client.Search(context.Background(), "alice@example.com", SearchRequest{
		AlbumID:  "album-1",
		PageSize: 10,
	})
	require.NoError(t, err)

	assert.Equal(t, "/mediaItems:search", gotPath)
	assert.Equal(t, "Bearer seeded-access", gotAuth)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "sunset.jpg", result.Items[0].Filename)
	assert.Equal(t, "page-2", result.NextPageToken)

	assert.Zero(t, f.fresher.calls.Load(), "a fresh token is used without refresh")
	assert.Equal(t, int64(1), f.tracker.Snapshot().Requests, "success consumes quota")
}

func TestGetMediaItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mediaItems/m1", r.URL.Path)
		json.NewEncoder(w).Encode(MediaItem{ID: "m1", MimeType: "image/jpeg"})
	}))
	defer srv.Close()

	f := newPhotosFixture(t, srv, quota.Limits{MaxRequests: 10, MaxMedia: 10})
	seedToken(t, f.repo, "alice@example.com")

	item, err := f.client.GetMediaItem(context.Background(), "alice@example.com", "m1")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", item.MimeType)
}

func TestCall_NoTokenFailsFast(t *testing.T) {
	var hits atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newPhotosFixture(t, srv, quota.Limits{MaxRequests: 10, MaxMedia: 10})

	_, err := f.client.Search(context.Background(), "nobody@example.com", SearchRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrAuthenticationRequired))
	assert.Zero(t, hits.Load(), "no upstream call without a credential")
}

func TestCall_QuotaExceededFailsBeforeHTTP(t *testing.T) {
	var hits atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(SearchResult{})
	}))
	defer srv.Close()

	f := newPhotosFixture(t, srv, quota.Limits{MaxRequests: 1, MaxMedia: 1})
	seedToken(t, f.repo, "alice@example.com")

	_, err := f.client.Search(context.Background(), "alice@example.com", SearchRequest{})
	require.NoError(t, err)

	_, err = f.client.Search(context.Background(), "alice@example.com", SearchRequest{})
	require.Error(t, err)

	var qe *apierr.QuotaExceededError
	assert.True(t, errors.As(err, &qe))
	assert.Equal(t, int64(1), hits.Load(), "the gated call never reaches the network")
}

func TestCall_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		json.NewEncoder(w).Encode(SearchResult{})
	}))
	defer srv.Close()

	f := newPhotosFixture(t, srv, quota.Limits{MaxRequests: 10, MaxMedia: 10})
	seedToken(t, f.repo, "alice@example.com")

	_, err := f.client.Search(context.Background(), "alice@example.com", SearchRequest{})
	require.NoError(t, err)

	assert.Equal(t, int64(3), hits.Load())
	assert.Equal(t, int64(1), f.tracker.Snapshot().Requests,
		"only the eventual success consumes quota")
}

func TestCall_ClientErrorDoesNotRetry(t *testing.T) {
	var hits atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	f := newPhotosFixture(t, srv, quota.Limits{MaxRequests: 10, MaxMedia: 10})
	seedToken(t, f.repo, "alice@example.com")

	_, err := f.client.Search(context.Background(), "alice@example.com", SearchRequest{})
	require.Error(t, err)

	var ue *apierr.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusBadRequest, ue.StatusCode)
	assert.Equal(t, int64(1), hits.Load())
	assert.Zero(t, f.tracker.Snapshot().Requests, "failures consume no quota")
}

func TestCall_ExpiredTokenRefreshesFirst(t *testing.T) {
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(SearchResult{})
	}))
	defer srv.Close()

	f := newPhotosFixture(t, srv, quota.Limits{MaxRequests: 10, MaxMedia: 10})

	require.NoError(t, f.repo.Save("alice@example.com", tokens.Record{
		AccessToken:  "stale-access",
		RefreshToken: "seeded-refresh",
		ExpiryDate:   time.Now().Add(-time.Hour).UnixMilli(),
	}))

	_, err := f.client.Search(context.Background(), "alice@example.com", SearchRequest{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), f.fresher.calls.Load())
	assert.Equal(t, "Bearer refreshed-access", gotAuth)
}

func TestDownloadMediaItem(t *testing.T) {
	payload := []byte("jpeg-bytes")

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mediaItems/m1":
			json.NewEncoder(w).Encode(MediaItem{
				ID:       "m1",
				MimeType: "image/jpeg",
				BaseURL:  srv.URL + "/base/m1",
			})
		case "/base/m1=d":
			w.Write(payload)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := newPhotosFixture(t, srv, quota.Limits{MaxRequests: 10, MaxMedia: 10})
	seedToken(t, f.repo, "alice@example.com")

	data, mimeType, err := f.client.DownloadMediaItem(context.Background(), "alice@example.com", "m1")
	require.NoError(t, err)

	assert.Equal(t, payload, data)
	assert.Equal(t, "image/jpeg", mimeType)

	snap := f.tracker.Snapshot()
	assert.Equal(t, int64(2), snap.Requests, "metadata lookup plus download")
	assert.Equal(t, int64(1), snap.Media, "only the download is heavy")
}
