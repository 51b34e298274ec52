package geolocate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/postrack/postrack/pkg"
	"github.com/postrack/postrack/pkg/logx"
)

func quietLogger() *logx.Logger {
	return logx.NewWithOutput("error", io.Discard)
}

func TestResolveSuccess(t *testing.T) {
	var gotBody struct {
		WiFiAccessPoints []struct {
			MacAddress     string  `json:"macAddress"`
			SignalStrength float64 `json:"signalStrength"`
		} `json:"wifiAccessPoints"`
		ConsiderIP bool `json:"considerIp"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		fmt.Fprint(w, `{"location":{"lat":48.1005,"lng":17.1002},"accuracy":24.5}`)
	}))
	defer srv.Close()

	c, err := NewClient("test-key", quietLogger(), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	coord, accuracy, err := c.Resolve(context.Background(), []pkg.Sighting{
		{Address: "AA:BB:CC:DD:EE:FF", RSSI: -60},
		{Address: "11:22:33:44:55:66", RSSI: -72},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if coord.Lat != 48.1005 || coord.Lon != 17.1002 {
		t.Fatalf("unexpected coordinate %+v", coord)
	}
	if accuracy != 24.5 {
		t.Fatalf("unexpected accuracy %f", accuracy)
	}
	if len(gotBody.WiFiAccessPoints) != 2 {
		t.Fatalf("expected 2 APs submitted, got %d", len(gotBody.WiFiAccessPoints))
	}
	if gotBody.WiFiAccessPoints[0].MacAddress != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("expected lowercased MAC, got %q", gotBody.WiFiAccessPoints[0].MacAddress)
	}
	if gotBody.ConsiderIP {
		t.Fatal("considerIp must be disabled")
	}
}

func TestResolveServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":404,"message":"notFound","errors":[{"reason":"notFound"}]}}`)
	}))
	defer srv.Close()

	c, err := NewClient("test-key", quietLogger(), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, _, err = c.Resolve(context.Background(), []pkg.Sighting{{Address: "AA:BB:CC:DD:EE:FF", RSSI: -60}})
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestResolveMissingCoordinate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"accuracy":100}`)
	}))
	defer srv.Close()

	c, err := NewClient("test-key", quietLogger(), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, _, err = c.Resolve(context.Background(), []pkg.Sighting{{Address: "AA:BB:CC:DD:EE:FF", RSSI: -60}})
	if err == nil {
		t.Fatal("expected error for response without coordinate")
	}
}

func TestResolveRejectsEmptyList(t *testing.T) {
	c, err := NewClient("test-key", quietLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, _, err := c.Resolve(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty sighting list")
	}
}
