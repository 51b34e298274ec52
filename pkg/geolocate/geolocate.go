// Package geolocate adapts the Google Geolocation API for WiFi-based
// position resolution
package geolocate

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"googlemaps.github.io/maps"

	"github.com/postrack/postrack/pkg"
	"github.com/postrack/postrack/pkg/geo"
	"github.com/postrack/postrack/pkg/logx"
)

// Client issues geolocation requests for ranked access-point lists.
// There is deliberately no retry here: a failure is negative-cached by the
// resolver, which keeps load on the provider bounded.
type Client struct {
	maps    *maps.Client
	timeout time.Duration
	logger  *logx.Logger
}

// Option customizes the client, used by tests to point at a stub server
type Option func(*options)

type options struct {
	baseURL string
	timeout time.Duration
}

// WithBaseURL overrides the API endpoint
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithTimeout overrides the per-call timeout
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// NewClient creates a geolocation client with a seconds-scale timeout; the
// call sits on the critical path of a loop across potentially thousands of
// buckets.
func NewClient(apiKey string, logger *logx.Logger, opts ...Option) (*Client, error) {
	o := options{timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	mapsOpts := []maps.ClientOption{
		maps.WithAPIKey(apiKey),
		maps.WithHTTPClient(&http.Client{Timeout: o.timeout}),
	}
	if o.baseURL != "" {
		mapsOpts = append(mapsOpts, maps.WithBaseURL(o.baseURL))
	}

	client, err := maps.NewClient(mapsOpts...)
	if err != nil {
		return nil, fmt.Errorf("geolocate: create maps client: %w", err)
	}
	return &Client{maps: client, timeout: o.timeout, logger: logger}, nil
}

// Resolve submits the filtered, ranked sighting list and returns the
// resolved coordinate and its accuracy radius in meters. Any transport
// error, non-2xx response or missing coordinate is a failure.
func (c *Client) Resolve(ctx context.Context, sightings []pkg.Sighting) (geo.Coordinate, float64, error) {
	if len(sightings) == 0 {
		return geo.Coordinate{}, 0, fmt.Errorf("geolocate: no access points to submit")
	}

	aps := make([]maps.WiFiAccessPoint, 0, len(sightings))
	for _, s := range sightings {
		aps = append(aps, maps.WiFiAccessPoint{
			MACAddress:     strings.ToLower(s.Address),
			SignalStrength: float64(s.RSSI),
		})
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.maps.Geolocate(ctx, &maps.GeolocationRequest{
		WiFiAccessPoints: aps,
		ConsiderIP:       false, // ISP location is noise at this scale
	})
	if err != nil {
		return geo.Coordinate{}, 0, fmt.Errorf("geolocate: request with %d APs: %w", len(aps), err)
	}
	if resp.Location.Lat == 0 && resp.Location.Lng == 0 {
		return geo.Coordinate{}, 0, fmt.Errorf("geolocate: response missing coordinate")
	}

	c.logger.Debug("geolocation resolved",
		"aps", len(aps), "lat", resp.Location.Lat, "lon", resp.Location.Lng, "accuracy_m", resp.Accuracy)

	return geo.Coordinate{Lat: resp.Location.Lat, Lon: resp.Location.Lng}, resp.Accuracy, nil
}
