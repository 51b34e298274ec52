// Package geofence tracks per-zone membership and emits enter/exit events
package geofence

import (
	"time"

	"github.com/postrack/postrack/pkg"
	"github.com/postrack/postrack/pkg/geo"
	"github.com/postrack/postrack/pkg/logx"
	"github.com/postrack/postrack/pkg/store"
)

// Direction of a zone crossing
type Direction string

const (
	Enter Direction = "enter"
	Exit  Direction = "exit"
)

// Event is one emitted zone crossing with its interested recipients
type Event struct {
	PerimeterID   int64
	PerimeterName string
	Direction     Direction
	Coord         geo.Coordinate
	Timestamp     time.Time
	Recipients    []string
}

// StateMachine diffs inside/outside membership per perimeter for one device.
// It is seeded from the device's most recent stored position so a run
// beginning on a new day still detects an exit that happened unobserved
// since the last known position.
type StateMachine struct {
	deviceID   int64
	perimeters []store.Perimeter
	membership map[int64]bool
	seeded     bool
	logger     *logx.Logger
}

// New creates a state machine for one device over its applicable perimeters.
// lastKnown may be nil for a device with no stored history; membership is
// then seeded by the first accepted point, which never emits events.
func New(deviceID int64, perimeters []store.Perimeter, lastKnown *pkg.PositionRecord, logger *logx.Logger) *StateMachine {
	m := &StateMachine{
		deviceID:   deviceID,
		perimeters: perimeters,
		membership: make(map[int64]bool, len(perimeters)),
		logger:     logger,
	}
	if lastKnown != nil {
		m.seed(lastKnown.Coord())
	}
	return m
}

func (m *StateMachine) seed(point geo.Coordinate) {
	for _, p := range m.perimeters {
		m.membership[p.ID] = geo.PointInPolygon(point, p.Points)
	}
	m.seeded = true
}

// Evaluate recomputes membership for all perimeters at the accepted point
// and returns the crossings that have an interested recipient. Crossings
// nobody subscribed to are logged and update state without emitting.
func (m *StateMachine) Evaluate(point geo.Coordinate, ts time.Time) []Event {
	if !m.seeded {
		m.seed(point)
		return nil
	}

	var events []Event
	for _, p := range m.perimeters {
		inside := geo.PointInPolygon(point, p.Points)
		was := m.membership[p.ID]
		m.membership[p.ID] = inside
		if inside == was {
			continue
		}

		direction := Exit
		if inside {
			direction = Enter
		}
		recipients := recipientsFor(&p, direction)
		if len(recipients) == 0 {
			m.logger.Info("perimeter crossing without subscribers",
				"device", m.deviceID, "perimeter", p.Name, "direction", string(direction))
			continue
		}

		events = append(events, Event{
			PerimeterID:   p.ID,
			PerimeterName: p.Name,
			Direction:     direction,
			Coord:         point,
			Timestamp:     ts,
			Recipients:    recipients,
		})
	}
	return events
}

// Inside reports current membership for a perimeter; false when unknown
func (m *StateMachine) Inside(perimeterID int64) bool {
	return m.membership[perimeterID]
}

// recipientsFor resolves the interested addresses for a crossing. The legacy
// single-email field counts as one implicit recipient only when the
// recipient set is empty.
func recipientsFor(p *store.Perimeter, direction Direction) []string {
	if len(p.Recipients) > 0 {
		var out []string
		for _, r := range p.Recipients {
			if (direction == Enter && r.OnEnter) || (direction == Exit && r.OnExit) {
				out = append(out, r.Email)
			}
		}
		return out
	}
	if p.LegacyEmail == "" {
		return nil
	}
	if (direction == Enter && p.LegacyEnter) || (direction == Exit && p.LegacyExit) {
		return []string{p.LegacyEmail}
	}
	return nil
}
