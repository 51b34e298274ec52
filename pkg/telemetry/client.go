// Package telemetry fetches raw device telemetry and merges it into
// time-keyed signal buckets
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/postrack/postrack/pkg"
	"github.com/postrack/postrack/pkg/logx"
)

// Point is one raw (payload, timestamp) pair from the telemetry source.
// Both fields stay raw until the bucketer parses them, so a malformed row
// never fails a whole fetch.
type Point struct {
	Payload json.RawMessage `json:"payload"`
	TS      json.RawMessage `json:"ts"`
}

// Series holds the raw per-channel series for one device and one window
type Series struct {
	SatLon    []Point
	SatLat    []Point
	Wifi      []Point
	Bluetooth []Point
}

// Client talks to the telemetry source API
type Client struct {
	baseURL  string
	token    string
	rowLimit int
	http     *http.Client
	logger   *logx.Logger
}

// NewClient creates a telemetry client. Timeouts are short: every call sits
// on the critical path of the batch loop.
func NewClient(baseURL, token string, rowLimit int, logger *logx.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		token:    token,
		rowLimit: rowLimit,
		http:     &http.Client{Timeout: 15 * time.Second},
		logger:   logger,
	}
}

// FetchSeries fetches one channel's rows for a device within [from, to).
// The range is transmitted in milliseconds per the source API contract.
func (c *Client) FetchSeries(ctx context.Context, hardwareID string, channel int, from, to time.Time) ([]Point, error) {
	endpoint := fmt.Sprintf("%s/devices/%s/channels/%d/messages", c.baseURL, url.PathEscape(hardwareID), channel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build request: %w", err)
	}
	q := req.URL.Query()
	q.Set("limit", fmt.Sprintf("%d", c.rowLimit))
	q.Set("from", fmt.Sprintf("%d", from.UnixMilli()))
	q.Set("to", fmt.Sprintf("%d", to.UnixMilli()))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telemetry: fetch channel %d for %s: %w", channel, hardwareID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("telemetry: channel %d for %s returned %d: %s", channel, hardwareID, resp.StatusCode, body)
	}

	var payload struct {
		Data []Point `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("telemetry: decode channel %d response: %w", channel, err)
	}
	return payload.Data, nil
}

// FetchStatus queries the separate device-status channel
func (c *Client) FetchStatus(ctx context.Context, hardwareID string) (*pkg.DeviceStatus, error) {
	endpoint := fmt.Sprintf("%s/devices/%s/status", c.baseURL, url.PathEscape(hardwareID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telemetry: fetch status for %s: %w", hardwareID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("telemetry: status for %s returned %d", hardwareID, resp.StatusCode)
	}

	var status pkg.DeviceStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("telemetry: decode status response: %w", err)
	}
	return &status, nil
}

// FetchAll fetches all four position channels. A failed channel degrades to
// an empty series; the run continues with whatever channels succeeded.
func (c *Client) FetchAll(ctx context.Context, hardwareID string, channels Channels, from, to time.Time) Series {
	fetch := func(channel int, name string) []Point {
		points, err := c.FetchSeries(ctx, hardwareID, channel, from, to)
		if err != nil {
			c.logger.Warn("telemetry channel fetch failed, continuing with empty series",
				"device", hardwareID, "channel", name, "error", err)
			return nil
		}
		return points
	}

	return Series{
		SatLon:    fetch(channels.SatLon, "sat-lon"),
		SatLat:    fetch(channels.SatLat, "sat-lat"),
		Wifi:      fetch(channels.Wifi, "wifi"),
		Bluetooth: fetch(channels.Bluetooth, "bluetooth"),
	}
}

// Channels maps the logical position channels to source channel ids.
// Device status has no channel id; it lives on its own endpoint.
type Channels struct {
	SatLon    int
	SatLat    int
	Wifi      int
	Bluetooth int
}
