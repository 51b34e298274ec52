package mqttpub

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/postrack/postrack/pkg"
	"github.com/postrack/postrack/pkg/logx"
)

func testLogger() *logx.Logger {
	return logx.NewWithOutput("error", io.Discard)
}

func TestDefaultConfigDisabled(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Fatal("publisher must be opt-in")
	}
	if cfg.Port != 1883 || cfg.TopicPrefix != "postrack" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestDisabledPublishIsNoop(t *testing.T) {
	c := NewClient(DefaultConfig(), testLogger())

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect on disabled client: %v", err)
	}

	p := &pkg.PositionRecord{
		DeviceID:  1,
		Timestamp: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		Lat:       48.1,
		Lon:       17.1,
		Source:    pkg.SourceGNSS,
	}
	if err := c.PublishPosition("collar-1", p); err != nil {
		t.Fatalf("disabled publish must be a no-op, got %v", err)
	}
	if !c.lastPublish.IsZero() {
		t.Fatal("no publish should be recorded while disabled")
	}
}

func TestPositionMessageShape(t *testing.T) {
	msg := positionMessage{
		DeviceID:  7,
		Device:    "collar-1",
		Timestamp: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		Lat:       48.123456,
		Lon:       17.654321,
		Source:    "wifi-google",
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"device_id", "device", "timestamp", "lat", "lon", "source"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("message missing %q: %s", key, data)
		}
	}
	if decoded["source"] != "wifi-google" {
		t.Fatalf("unexpected source %v", decoded["source"])
	}
}
