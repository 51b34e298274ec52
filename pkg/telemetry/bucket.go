package telemetry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/postrack/postrack/pkg"
	"github.com/postrack/postrack/pkg/geo"
	"github.com/postrack/postrack/pkg/hwaddr"
	"github.com/postrack/postrack/pkg/logx"
)

// Bucket is the set of telemetry signals sharing one observation timestamp
type Bucket struct {
	Timestamp time.Time
	Sat       *geo.Coordinate
	Wifi      []pkg.Sighting
	Bluetooth []pkg.Sighting
}

// BucketStats counts rows the bucketer dropped. None of these are errors.
type BucketStats struct {
	MalformedTimestamps int
	MalformedPayloads   int
	MalformedAddresses  int
	IncompleteFixes     int
}

type rawSighting struct {
	Address        string `json:"address"`
	SignalStrength int    `json:"signalStrength"`
}

// BuildBuckets merges the four raw series into sorted, de-duplicated
// time-keyed buckets. Satellite longitude and latitude rows join by exact
// timestamp; a one-sided fix is dropped. Wireless rows group by timestamp
// with unparseable addresses dropped.
func BuildBuckets(series Series, logger *logx.Logger) ([]Bucket, BucketStats) {
	var stats BucketStats
	buckets := make(map[int64]*Bucket)

	get := func(ts time.Time) *Bucket {
		key := ts.UnixMilli()
		b, ok := buckets[key]
		if !ok {
			b = &Bucket{Timestamp: ts}
			buckets[key] = b
		}
		return b
	}

	// Join satellite lon/lat by exact timestamp
	lons := make(map[int64]float64)
	for _, p := range series.SatLon {
		ts, err := parseTimestamp(p.TS)
		if err != nil {
			stats.MalformedTimestamps++
			logger.Debug("skipping satellite lon row with bad timestamp", "error", err)
			continue
		}
		lon, err := parseFloat(p.Payload)
		if err != nil {
			stats.MalformedPayloads++
			logger.Debug("skipping satellite lon row with bad payload", "error", err)
			continue
		}
		lons[ts.UnixMilli()] = lon
	}
	for _, p := range series.SatLat {
		ts, err := parseTimestamp(p.TS)
		if err != nil {
			stats.MalformedTimestamps++
			logger.Debug("skipping satellite lat row with bad timestamp", "error", err)
			continue
		}
		lat, err := parseFloat(p.Payload)
		if err != nil {
			stats.MalformedPayloads++
			logger.Debug("skipping satellite lat row with bad payload", "error", err)
			continue
		}
		lon, ok := lons[ts.UnixMilli()]
		if !ok {
			stats.IncompleteFixes++
			continue
		}
		delete(lons, ts.UnixMilli())
		b := get(ts)
		b.Sat = &geo.Coordinate{Lat: lat, Lon: lon}
	}
	// Leftover longitudes had no matching latitude
	stats.IncompleteFixes += len(lons)

	stats.MalformedAddresses += mergeSightings(series.Wifi, logger, &stats, func(ts time.Time, s []pkg.Sighting) {
		b := get(ts)
		b.Wifi = append(b.Wifi, s...)
	})
	stats.MalformedAddresses += mergeSightings(series.Bluetooth, logger, &stats, func(ts time.Time, s []pkg.Sighting) {
		b := get(ts)
		b.Bluetooth = append(b.Bluetooth, s...)
	})

	out := make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, stats
}

// mergeSightings parses one wireless series and hands grouped sightings to
// emit. Returns the count of dropped addresses.
func mergeSightings(points []Point, logger *logx.Logger, stats *BucketStats, emit func(time.Time, []pkg.Sighting)) int {
	dropped := 0
	for _, p := range points {
		ts, err := parseTimestamp(p.TS)
		if err != nil {
			stats.MalformedTimestamps++
			logger.Debug("skipping wireless row with bad timestamp", "error", err)
			continue
		}

		var raw []rawSighting
		if err := json.Unmarshal(p.Payload, &raw); err != nil {
			stats.MalformedPayloads++
			logger.Debug("skipping wireless row with bad payload", "error", err)
			continue
		}

		sightings := make([]pkg.Sighting, 0, len(raw))
		for _, r := range raw {
			normalized, err := hwaddr.Normalize(r.Address)
			if err != nil {
				dropped++
				logger.Debug("dropping sighting with unparseable address", "address", r.Address)
				continue
			}
			sightings = append(sightings, pkg.Sighting{Address: normalized, RSSI: r.SignalStrength})
		}
		if len(sightings) > 0 {
			emit(ts, sightings)
		}
	}
	return dropped
}

// parseTimestamp accepts a millisecond epoch as JSON number or numeric string
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		if ms <= 0 {
			return time.Time{}, fmt.Errorf("telemetry: non-positive timestamp %d", ms)
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("telemetry: unparseable timestamp %s", raw)
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, fmt.Errorf("telemetry: unparseable timestamp %q", s)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// parseFloat accepts a JSON number or numeric string
func parseFloat(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("telemetry: unparseable number %s", raw)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("telemetry: unparseable number %q", s)
	}
	return f, nil
}
