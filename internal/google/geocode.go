package google

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/savethepolarbears/google-photos-mcp/internal/apierr"
	"github.com/savethepolarbears/google-photos-mcp/internal/ratelimit"
	"github.com/tidwall/gjson"
)

const (
	nominatimBaseURL = "https://nominatim.openstreetmap.org"

	// geocodeUserAgent identifies this client; Nominatim's usage policy
	// rejects requests without one.
	geocodeUserAgent = "google-photos-mcp/1.0"

	geocodeTimeout = 15 * time.Second

	maxGeocodeResponseBytes = 1024 * 1024
)

// Place is a resolved location.
type Place struct {
	DisplayName string  `json:"display_name"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

// Geocoder resolves free-text place queries through Nominatim. The
// service enforces a strict 1 req/s cap, so every lookup goes through
// the serializing rate limiter.
type Geocoder struct {
	httpClient *http.Client
	baseURL    string
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
}

// NewGeocoder creates a geocoder that throttles through limiter.
// If httpClient is nil a client with a 15-second timeout is used.
func NewGeocoder(httpClient *http.Client, limiter *ratelimit.Limiter, logger *slog.Logger) *Geocoder {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: geocodeTimeout}
	}

	return &Geocoder{
		httpClient: httpClient,
		baseURL:    nominatimBaseURL,
		limiter:    limiter,
		logger:     logger,
	}
}

// Geocode resolves a place query to coordinates, or nil when the query
// matches nothing.
func (g *Geocoder) Geocode(ctx context.Context, query string) (*Place, error) {
	var place *Place

	err := g.limiter.Throttle(ctx, func(ctx context.Context) error {
		var err error
		place, err = g.lookup(ctx, query)

		return err
	})
	if err != nil {
		return nil, err
	}

	return place, nil
}

func (g *Geocoder) lookup(ctx context.Context, query string) (*Place, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building geocode request: %w", err)
	}

	req.Header.Set("User-Agent", geocodeUserAgent)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGeocodeResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading geocode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &apierr.UpstreamError{Operation: "geocode", StatusCode: resp.StatusCode}
	}

	first := gjson.GetBytes(body, "0")
	if !first.Exists() {
		g.logger.Debug("geocode query matched nothing", slog.String("query", query))
		return nil, nil
	}

	return &Place{
		DisplayName: first.Get("display_name").String(),
		Lat:         first.Get("lat").Float(),
		Lon:         first.Get("lon").Float(),
	}, nil
}
