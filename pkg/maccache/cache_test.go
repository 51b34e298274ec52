package maccache

import (
	"testing"
	"time"

	"github.com/postrack/postrack/pkg/geo"
	"github.com/postrack/postrack/pkg/store"
)

type fakeBacking struct {
	rows map[string]*store.MacCacheRow
}

func newFakeBacking() *fakeBacking {
	return &fakeBacking{rows: make(map[string]*store.MacCacheRow)}
}

func (f *fakeBacking) MacCacheGet(address string) (*store.MacCacheRow, error) {
	return f.rows[address], nil
}

func (f *fakeBacking) MacCacheUpsert(address string, lat, lon *float64, refreshedAt time.Time) error {
	f.rows[address] = &store.MacCacheRow{Address: address, Lat: lat, Lon: lon, RefreshedAt: refreshedAt}
	return nil
}

func TestLookupMissForUnknown(t *testing.T) {
	c := New(newFakeBacking(), 24*time.Hour)

	res, err := c.Lookup("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.State != Miss {
		t.Fatalf("expected Miss for unknown address, got %v", res.State)
	}
}

func TestLookupPositive(t *testing.T) {
	backing := newFakeBacking()
	c := New(backing, 24*time.Hour)
	now := time.Now().UTC()
	c.now = func() time.Time { return now }

	coord := geo.Coordinate{Lat: 48.1005, Lon: 17.1002}
	if err := c.RecordPositive("AA:BB:CC:DD:EE:FF", coord, now.Add(-time.Hour)); err != nil {
		t.Fatalf("RecordPositive: %v", err)
	}

	res, err := c.Lookup("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.State != Positive {
		t.Fatalf("expected Positive, got %v", res.State)
	}
	if res.Coord != coord {
		t.Fatalf("expected %v, got %v", coord, res.Coord)
	}
}

func TestLookupNegative(t *testing.T) {
	backing := newFakeBacking()
	c := New(backing, 24*time.Hour)
	now := time.Now().UTC()
	c.now = func() time.Time { return now }

	if err := c.RecordFailure("AA:BB:CC:DD:EE:FF", now.Add(-time.Hour)); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	res, err := c.Lookup("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.State != Negative {
		t.Fatalf("expected Negative, got %v", res.State)
	}
}

func TestStaleEntryIsMissButNotDeleted(t *testing.T) {
	backing := newFakeBacking()
	c := New(backing, 24*time.Hour)
	now := time.Now().UTC()
	c.now = func() time.Time { return now }

	coord := geo.Coordinate{Lat: 48.1, Lon: 17.1}
	if err := c.RecordPositive("AA:BB:CC:DD:EE:FF", coord, now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("RecordPositive: %v", err)
	}

	res, err := c.Lookup("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.State != Miss {
		t.Fatalf("expected Miss for stale entry, got %v", res.State)
	}
	if backing.rows["AA:BB:CC:DD:EE:FF"] == nil {
		t.Fatal("stale entry must remain in the backing store")
	}

	// A fresh success overwrites the stale row
	if err := c.RecordPositive("AA:BB:CC:DD:EE:FF", coord, now); err != nil {
		t.Fatalf("RecordPositive: %v", err)
	}
	res, err = c.Lookup("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.State != Positive {
		t.Fatalf("expected Positive after refresh, got %v", res.State)
	}
}
