// Package maccache remembers geolocation results per wireless address
package maccache

import (
	"fmt"
	"time"

	"github.com/postrack/postrack/pkg/geo"
	"github.com/postrack/postrack/pkg/store"
)

// State classifies a cache lookup
type State int

const (
	// Miss means the address is unknown or its entry has aged out
	Miss State = iota
	// Positive means a prior geolocation succeeded; Result.Coord is valid
	Positive
	// Negative means a prior geolocation failed for this address
	Negative
)

// Result is the outcome of a lookup. Coord is meaningful only for Positive.
type Result struct {
	State State
	Coord geo.Coordinate
}

// Backing is the persistence surface the cache needs
type Backing interface {
	MacCacheGet(address string) (*store.MacCacheRow, error)
	MacCacheUpsert(address string, lat, lon *float64, refreshedAt time.Time) error
}

// Cache is a bounded-age keyed store mapping a hardware address to either a
// known coordinate or an explicit "no location found" marker. Stale entries
// are ignored, not deleted, so a later success simply overwrites them.
type Cache struct {
	backing Backing
	maxAge  time.Duration
	now     func() time.Time
}

// New creates a cache over the given backing with the given max entry age
func New(backing Backing, maxAge time.Duration) *Cache {
	return &Cache{
		backing: backing,
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Lookup resolves an address to Miss, Positive or Negative. The address must
// already be normalized.
func (c *Cache) Lookup(address string) (Result, error) {
	row, err := c.backing.MacCacheGet(address)
	if err != nil {
		return Result{}, fmt.Errorf("maccache: lookup %s: %w", address, err)
	}
	if row == nil {
		return Result{State: Miss}, nil
	}
	if c.now().Sub(row.RefreshedAt) > c.maxAge {
		// Aged out; treated as unknown so the resolver may retry upstream
		return Result{State: Miss}, nil
	}
	if row.Positive() {
		return Result{State: Positive, Coord: geo.Coordinate{Lat: *row.Lat, Lon: *row.Lon}}, nil
	}
	return Result{State: Negative}, nil
}

// RecordPositive upserts a successful resolution for an address
func (c *Cache) RecordPositive(address string, coord geo.Coordinate, asOf time.Time) error {
	lat, lon := coord.Lat, coord.Lon
	if err := c.backing.MacCacheUpsert(address, &lat, &lon, asOf); err != nil {
		return fmt.Errorf("maccache: record positive %s: %w", address, err)
	}
	return nil
}

// RecordFailure upserts a negative entry for an address
func (c *Cache) RecordFailure(address string, asOf time.Time) error {
	if err := c.backing.MacCacheUpsert(address, nil, nil, asOf); err != nil {
		return fmt.Errorf("maccache: record failure %s: %w", address, err)
	}
	return nil
}
