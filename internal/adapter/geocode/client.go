// Package geocode resolves Singapore postal codes to coordinates through a
// nominatim-style HTTP endpoint, with a redis lookaside cache in front.
// Geocoding is best effort throughout: a failed lookup is counted and logged
// but never fails the job that asked for it.
package geocode

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/tutordex/aggregator/internal/config"
	"github.com/tutordex/aggregator/internal/domain"
)

// Client implements domain.Geocoder with a single-attempt GET per lookup,
// paced at one request per second. Upstreams of this shape ban clients that
// burst, so the limiter is not configurable.
type Client struct {
	baseURL string
	hc      *http.Client
	limiter *rate.Limiter
}

var _ domain.Geocoder = (*Client)(nil)

func New(cfg config.Config) *Client {
	return &Client{
		baseURL: cfg.GeocodeAPIURL,
		hc:      &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		limiter: rate.NewLimiter(rate.Limit(1), 1),
	}
}

// Lookup resolves one postal code. (nil, nil) means the service answered and
// knows no such code; errors are transport and server failures.
func (c *Client) Lookup(ctx domain.Context, postal string) (*domain.GeoPoint, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("op=geocode.Lookup: limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?postal="+url.QueryEscape(postal), nil)
	if err != nil {
		return nil, fmt.Errorf("op=geocode.Lookup: %w", err)
	}
	req.Header.Set("User-Agent", "tutordex-aggregator")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=geocode.Lookup: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=geocode.Lookup: %w: status %d", domain.ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<18))
	if err != nil {
		return nil, fmt.Errorf("op=geocode.Lookup: read body: %w", err)
	}
	return parseGeo(body)
}

// parseGeo accepts the two shapes such services answer with: a result array
// (nominatim, lat/lon as strings) or a bare object. An empty array is a
// clean not-found.
func parseGeo(body []byte) (*domain.GeoPoint, error) {
	type geoResult struct {
		Lat any `json:"lat"`
		Lon any `json:"lon"`
	}
	var list []geoResult
	if err := json.Unmarshal(body, &list); err != nil {
		var one geoResult
		if err := json.Unmarshal(body, &one); err != nil {
			return nil, fmt.Errorf("op=geocode.Lookup: decode: %w", err)
		}
		list = []geoResult{one}
	}
	if len(list) == 0 {
		return nil, nil
	}
	lat, okLat := coord(list[0].Lat)
	lon, okLon := coord(list[0].Lon)
	if !okLat || !okLon {
		return nil, fmt.Errorf("op=geocode.Lookup: decode: missing lat/lon")
	}
	return &domain.GeoPoint{Lat: lat, Lon: lon}, nil
}

func coord(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
