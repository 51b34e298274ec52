// Package resolver turns signal buckets into position candidates via an
// ordered fallback cascade
package resolver

import (
	"context"
	"fmt"
	"sort"

	"github.com/postrack/postrack/pkg"
	"github.com/postrack/postrack/pkg/geo"
	"github.com/postrack/postrack/pkg/hwaddr"
	"github.com/postrack/postrack/pkg/logx"
	"github.com/postrack/postrack/pkg/maccache"
	"github.com/postrack/postrack/pkg/telemetry"
)

// Geolocator is the external WiFi-positioning collaborator
type Geolocator interface {
	Resolve(ctx context.Context, sightings []pkg.Sighting) (geo.Coordinate, float64, error)
}

// Config bounds the access-point set submitted to the geolocator
type Config struct {
	MinAPCount     int
	MaxAPCount     int
	SignalFloorDBM int
}

// Resolver resolves one bucket at a time. The cascade order is a data
// structure, not control flow: strategies run in slice order and the first
// one to produce a candidate wins.
type Resolver struct {
	beacons    map[string]geo.Coordinate
	cache      *maccache.Cache
	geolocator Geolocator
	cfg        Config
	logger     *logx.Logger
	strategies []strategy
}

type strategy struct {
	name string
	fn   func(ctx context.Context, st *bucketState, counters *pkg.RunCounters) (*pkg.Candidate, error)
}

// bucketState carries the bucket plus the lazily computed cache partition so
// the cache and geolocation strategies share one set of lookups.
type bucketState struct {
	bucket    *telemetry.Bucket
	partition *cachePartition
}

type cachePartition struct {
	positiveAddr  string
	positiveCoord geo.Coordinate
	hasPositive   bool
	misses        []pkg.Sighting
	negatives     int
}

// New creates a resolver over the given beacon table, cache and geolocator
func New(beacons map[string]geo.Coordinate, cache *maccache.Cache, geolocator Geolocator, cfg Config, logger *logx.Logger) *Resolver {
	r := &Resolver{
		beacons:    beacons,
		cache:      cache,
		geolocator: geolocator,
		cfg:        cfg,
		logger:     logger,
	}
	r.strategies = []strategy{
		{name: "satellite", fn: r.resolveSatellite},
		{name: "beacon-bluetooth", fn: r.resolveBeaconBluetooth},
		{name: "beacon-wifi", fn: r.resolveBeaconWifi},
		{name: "wifi-cache", fn: r.resolveWifiCache},
		{name: "wifi-geolocate", fn: r.resolveWifiGeolocate},
	}
	return r
}

// Resolve applies the cascade to one bucket. A nil candidate with nil error
// means the bucket is skipped; that is accounting, not an error.
func (r *Resolver) Resolve(ctx context.Context, bucket *telemetry.Bucket, counters *pkg.RunCounters) (*pkg.Candidate, error) {
	st := &bucketState{bucket: bucket}
	for _, s := range r.strategies {
		candidate, err := s.fn(ctx, st, counters)
		if err != nil {
			return nil, fmt.Errorf("resolver: %s: %w", s.name, err)
		}
		if candidate != nil {
			candidate.Timestamp = bucket.Timestamp
			r.logger.Debug("bucket resolved",
				"strategy", s.name, "source", string(candidate.Source),
				"ts", bucket.Timestamp, "lat", candidate.Coord.Lat, "lon", candidate.Coord.Lon)
			return candidate, nil
		}
	}
	return nil, nil
}

func (r *Resolver) resolveSatellite(_ context.Context, st *bucketState, _ *pkg.RunCounters) (*pkg.Candidate, error) {
	if st.bucket.Sat == nil {
		return nil, nil
	}
	return &pkg.Candidate{Coord: *st.bucket.Sat, Source: pkg.SourceGNSS}, nil
}

func (r *Resolver) resolveBeaconBluetooth(_ context.Context, st *bucketState, _ *pkg.RunCounters) (*pkg.Candidate, error) {
	return r.matchBeacon(st.bucket.Bluetooth), nil
}

// Beacons are sometimes observed on the WiFi channel as well
func (r *Resolver) resolveBeaconWifi(_ context.Context, st *bucketState, _ *pkg.RunCounters) (*pkg.Candidate, error) {
	return r.matchBeacon(st.bucket.Wifi), nil
}

func (r *Resolver) matchBeacon(sightings []pkg.Sighting) *pkg.Candidate {
	for _, s := range sightings {
		if coord, ok := r.beacons[s.Address]; ok {
			return &pkg.Candidate{
				Coord:          coord,
				Source:         pkg.SourceIBeacon,
				PrimaryAddress: s.Address,
			}
		}
	}
	return nil
}

func (r *Resolver) resolveWifiCache(_ context.Context, st *bucketState, counters *pkg.RunCounters) (*pkg.Candidate, error) {
	part, err := r.partition(st, counters)
	if err != nil {
		return nil, err
	}
	if !part.hasPositive {
		return nil, nil
	}
	return &pkg.Candidate{
		Coord:          part.positiveCoord,
		Source:         pkg.SourceWifiCache,
		RawAddresses:   addresses(st.bucket.Wifi),
		PrimaryAddress: part.positiveAddr,
	}, nil
}

func (r *Resolver) resolveWifiGeolocate(ctx context.Context, st *bucketState, counters *pkg.RunCounters) (*pkg.Candidate, error) {
	part, err := r.partition(st, counters)
	if err != nil {
		return nil, err
	}
	submit := r.rankForGeolocation(part.misses)
	if len(submit) < r.cfg.MinAPCount {
		if len(part.misses) > 0 {
			r.logger.Debug("too few usable access points for geolocation",
				"usable", len(submit), "min", r.cfg.MinAPCount, "ts", st.bucket.Timestamp)
		}
		return nil, nil
	}

	counters.GeolocationCalls++
	asOf := st.bucket.Timestamp
	coord, accuracy, err := r.geolocator.Resolve(ctx, submit)
	if err != nil {
		counters.GeolocationFailures++
		r.logger.Warn("geolocation call failed, negative-caching submitted addresses",
			"aps", len(submit), "error", err)
		for _, s := range submit {
			if cerr := r.cache.RecordFailure(s.Address, asOf); cerr != nil {
				return nil, cerr
			}
		}
		return nil, nil
	}

	for _, s := range submit {
		if cerr := r.cache.RecordPositive(s.Address, coord, asOf); cerr != nil {
			return nil, cerr
		}
	}

	r.logger.Debug("geolocation succeeded", "aps", len(submit), "accuracy_m", accuracy)
	return &pkg.Candidate{
		Coord:          coord,
		Source:         pkg.SourceWifiGoogle,
		RawAddresses:   addresses(st.bucket.Wifi),
		PrimaryAddress: submit[0].Address,
	}, nil
}

// partition runs the cache lookups for the bucket's wifi sightings once,
// preserving original sighting order for the first-positive rule.
func (r *Resolver) partition(st *bucketState, counters *pkg.RunCounters) (*cachePartition, error) {
	if st.partition != nil {
		return st.partition, nil
	}
	part := &cachePartition{}
	for _, s := range st.bucket.Wifi {
		res, err := r.cache.Lookup(s.Address)
		if err != nil {
			return nil, err
		}
		switch res.State {
		case maccache.Positive:
			counters.CacheHits++
			if !part.hasPositive {
				part.hasPositive = true
				part.positiveAddr = s.Address
				part.positiveCoord = res.Coord
			}
		case maccache.Negative:
			counters.CacheNegatives++
			part.negatives++
		default:
			part.misses = append(part.misses, s)
		}
	}
	st.partition = part
	return part, nil
}

// rankForGeolocation filters the cache misses down to the set worth sending
// upstream: structurally usable addresses at or above the signal floor,
// strongest first, capped at the configured maximum.
func (r *Resolver) rankForGeolocation(misses []pkg.Sighting) []pkg.Sighting {
	usable := make([]pkg.Sighting, 0, len(misses))
	for _, s := range misses {
		if !hwaddr.Usable(s.Address) {
			continue
		}
		if s.RSSI < r.cfg.SignalFloorDBM {
			continue
		}
		usable = append(usable, s)
	}
	sort.SliceStable(usable, func(i, j int) bool { return usable[i].RSSI > usable[j].RSSI })
	if len(usable) > r.cfg.MaxAPCount {
		usable = usable[:r.cfg.MaxAPCount]
	}
	return usable
}

func addresses(sightings []pkg.Sighting) []string {
	if len(sightings) == 0 {
		return nil
	}
	out := make([]string, 0, len(sightings))
	for _, s := range sightings {
		out = append(out, s.Address)
	}
	return out
}
