package pkg

import (
	"time"

	"github.com/postrack/postrack/pkg/geo"
)

// Source identifies which stage of the resolution cascade produced a position
type Source string

const (
	SourceGNSS       Source = "gnss"
	SourceIBeacon    Source = "ibeacon"
	SourceWifiCache  Source = "wifi-cache"
	SourceWifiGoogle Source = "wifi-google"
)

// Device represents a tracked object. Devices are administered outside the
// pipeline and read-only here.
type Device struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	HardwareID string    `json:"hardware_id"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Sighting is a single wireless observation: a hardware address and its
// received signal strength in dBm.
type Sighting struct {
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`
}

// PositionRecord is the durable unit of truth for a resolved device position
type PositionRecord struct {
	ID             int64     `json:"id"`
	DeviceID       int64     `json:"device_id"`
	Timestamp      time.Time `json:"timestamp"` // UTC
	Lat            float64   `json:"lat"`
	Lon            float64   `json:"lon"`
	Source         Source    `json:"source"`
	RawAddresses   []string  `json:"raw_addresses,omitempty"`
	PrimaryAddress string    `json:"primary_address,omitempty"`
}

// Coord returns the record's coordinate
func (p *PositionRecord) Coord() geo.Coordinate {
	return geo.Coordinate{Lat: p.Lat, Lon: p.Lon}
}

// Candidate is a resolved but not yet accepted position for one bucket
type Candidate struct {
	Timestamp      time.Time
	Coord          geo.Coordinate
	Source         Source
	RawAddresses   []string
	PrimaryAddress string
}

// DeviceStatus is the result of the separate device-status telemetry query
type DeviceStatus struct {
	BatteryPercent int       `json:"battery_percent"`
	Online         bool      `json:"online"`
	LastMessageAt  time.Time `json:"last_message_at"`
}
