// Package hysteresis gates resolved candidates against the last accepted
// position to suppress positional jitter
package hysteresis

import (
	"github.com/postrack/postrack/pkg"
	"github.com/postrack/postrack/pkg/geo"
)

// Last is the most recently accepted position the filter compares against
type Last struct {
	Coord  geo.Coordinate
	Source pkg.Source
}

// Decision is the outcome of one evaluation
type Decision struct {
	Accept    bool
	DistanceM float64
	Reason    string
}

// Filter tracks the last accepted position across a run. The pointer only
// advances via Advance, after the caller has durably stored the position,
// so a storage failure never moves the baseline.
type Filter struct {
	thresholdM float64
	last       *Last
}

// New creates a filter with the given distance threshold in meters
func New(thresholdM float64) *Filter {
	return &Filter{thresholdM: thresholdM}
}

// Seed initializes the last-accepted pointer from storage at run start.
// A nil record leaves the filter empty; the first candidate is then
// accepted unconditionally.
func (f *Filter) Seed(p *pkg.PositionRecord) {
	if p == nil {
		f.last = nil
		return
	}
	f.last = &Last{Coord: p.Coord(), Source: p.Source}
}

// Evaluate decides whether a candidate passes the gate. It never mutates
// the filter.
func (f *Filter) Evaluate(c *pkg.Candidate) Decision {
	if f.last == nil {
		return Decision{Accept: true, Reason: "no prior position"}
	}

	d := geo.DistanceMeters(f.last.Coord, c.Coord)

	// A direct beacon match is higher-confidence than distance reasoning:
	// it overrides suppression when the previous fix was not beacon-sourced.
	if c.Source == pkg.SourceIBeacon && f.last.Source != pkg.SourceIBeacon {
		return Decision{Accept: true, DistanceM: d, Reason: "beacon override"}
	}

	if d < f.thresholdM {
		return Decision{Accept: false, DistanceM: d, Reason: "below threshold"}
	}
	return Decision{Accept: true, DistanceM: d, Reason: "moved"}
}

// Advance records a candidate as the new last accepted position
func (f *Filter) Advance(c *pkg.Candidate) {
	f.last = &Last{Coord: c.Coord, Source: c.Source}
}

// Last returns the current baseline, nil when none
func (f *Filter) Last() *Last {
	return f.last
}
