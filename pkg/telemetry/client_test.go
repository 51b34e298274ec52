package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchSeries(t *testing.T) {
	var gotPath, gotAuth string
	var gotLimit, gotFrom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotLimit = r.URL.Query().Get("limit")
		gotFrom = r.URL.Query().Get("from")
		fmt.Fprint(w, `{"data":[{"payload":17.1,"ts":1755684000000},{"payload":17.2,"ts":1755684060000}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", 5000, quietLogger())
	from := time.UnixMilli(1755684000000).UTC()
	to := from.Add(time.Hour)

	points, err := c.FetchSeries(context.Background(), "hw-1", 2, from, to)
	if err != nil {
		t.Fatalf("FetchSeries: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	if gotPath != "/devices/hw-1/channels/2/messages" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotLimit != "5000" {
		t.Fatalf("unexpected limit %q", gotLimit)
	}
	if gotFrom != "1755684000000" {
		t.Fatalf("unexpected from %q", gotFrom)
	}
}

func TestFetchSeriesNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", 100, quietLogger())
	_, err := c.FetchSeries(context.Background(), "hw-1", 1, time.Now().Add(-time.Hour), time.Now())
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestFetchAllDegradesFailedChannels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/devices/hw-1/channels/3/messages" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"data":[{"payload":48.1,"ts":1755684000000}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", 100, quietLogger())
	series := c.FetchAll(context.Background(), "hw-1",
		Channels{SatLon: 1, SatLat: 2, Wifi: 3, Bluetooth: 4},
		time.Now().Add(-time.Hour), time.Now())

	if len(series.SatLon) != 1 || len(series.SatLat) != 1 || len(series.Bluetooth) != 1 {
		t.Fatalf("expected healthy channels to return rows, got %+v", series)
	}
	if len(series.Wifi) != 0 {
		t.Fatalf("expected failed wifi channel to degrade to empty, got %d rows", len(series.Wifi))
	}
}

func TestFetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"battery_percent":76,"online":true,"last_message_at":"2026-08-20T10:00:00Z"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", 100, quietLogger())
	status, err := c.FetchStatus(context.Background(), "hw-1")
	if err != nil {
		t.Fatalf("FetchStatus: %v", err)
	}
	if status.BatteryPercent != 76 || !status.Online {
		t.Fatalf("unexpected status %+v", status)
	}
}
