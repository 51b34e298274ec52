package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/postrack/postrack/pkg"
	"github.com/postrack/postrack/pkg/geofence"
	"github.com/postrack/postrack/pkg/logx"
	"github.com/postrack/postrack/pkg/store"
)

// AuditStore persists the append-only alert trail
type AuditStore interface {
	InsertAlert(a *store.Alert) error
}

// Dispatcher fans emitted geofence events out to their recipients and
// writes one audit row per event.
//
// In live mode every event is sent as it happens and the audit row records
// whether at least one recipient succeeded. In replay mode events are
// accumulated; after the device's run one grouped summary goes to each
// distinct recipient, and audit rows are written immediately with
// email_sent=false (the summary is the only reconciliation).
type Dispatcher struct {
	sender  Sender
	audit   AuditStore
	logger  *logx.Logger
	runID   string
	replay  bool
	pending []replayEntry
}

type replayEntry struct {
	deviceName string
	event      geofence.Event
}

// NewDispatcher creates a dispatcher for one run
func NewDispatcher(sender Sender, audit AuditStore, runID string, replay bool, logger *logx.Logger) *Dispatcher {
	return &Dispatcher{
		sender: sender,
		audit:  audit,
		logger: logger,
		runID:  runID,
		replay: replay,
	}
}

// Dispatch handles one emitted event. Email failure is never fatal; it is
// logged and reflected in the audit row.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceName string, e geofence.Event, counters *pkg.RunCounters) error {
	counters.AlertsEmitted++

	if d.replay {
		d.pending = append(d.pending, replayEntry{deviceName: deviceName, event: e})
		return d.writeAudit(e, false)
	}

	anySent := false
	for _, to := range e.Recipients {
		if err := d.sender.Send(ctx, to, eventSubject(deviceName, e), eventBody(deviceName, e)); err != nil {
			counters.EmailFailures++
			d.logger.Warn("alert email failed", "to", to, "perimeter", e.PerimeterName, "error", err)
			continue
		}
		counters.EmailsSent++
		anySent = true
	}
	return d.writeAudit(e, anySent)
}

// Finish sends the grouped replay summaries. It is a no-op in live mode or
// when nothing was accumulated.
func (d *Dispatcher) Finish(ctx context.Context, counters *pkg.RunCounters) {
	if !d.replay || len(d.pending) == 0 {
		return
	}

	byRecipient := make(map[string][]replayEntry)
	var order []string
	for _, entry := range d.pending {
		for _, to := range entry.event.Recipients {
			if _, seen := byRecipient[to]; !seen {
				order = append(order, to)
			}
			byRecipient[to] = append(byRecipient[to], entry)
		}
	}

	for _, to := range order {
		entries := byRecipient[to]
		if err := d.sender.Send(ctx, to, summarySubject(len(entries)), summaryBody(entries)); err != nil {
			counters.EmailFailures++
			d.logger.Warn("replay summary email failed", "to", to, "events", len(entries), "error", err)
			continue
		}
		counters.EmailsSent++
	}
	d.pending = nil
}

func (d *Dispatcher) writeAudit(e geofence.Event, sent bool) error {
	return d.audit.InsertAlert(&store.Alert{
		PerimeterID: e.PerimeterID,
		Direction:   string(e.Direction),
		Lat:         e.Coord.Lat,
		Lon:         e.Coord.Lon,
		Timestamp:   e.Timestamp,
		EmailSent:   sent,
		RunID:       d.runID,
	})
}

func eventSubject(deviceName string, e geofence.Event) string {
	verb := "left"
	if e.Direction == geofence.Enter {
		verb = "entered"
	}
	return fmt.Sprintf("%s %s %s", deviceName, verb, e.PerimeterName)
}

func eventBody(deviceName string, e geofence.Event) string {
	verb := "left"
	if e.Direction == geofence.Enter {
		verb = "entered"
	}
	return fmt.Sprintf(
		"<p><strong>%s</strong> %s <strong>%s</strong> at %s.</p>"+
			"<p>Position: %.6f, %.6f (<a href=\"https://www.google.com/maps?q=%.6f,%.6f\">map</a>)</p>",
		deviceName, verb, e.PerimeterName, e.Timestamp.Format("2006-01-02 15:04:05 MST"),
		e.Coord.Lat, e.Coord.Lon, e.Coord.Lat, e.Coord.Lon)
}

func summarySubject(count int) string {
	return fmt.Sprintf("replay summary: %d perimeter event(s)", count)
}

func summaryBody(entries []replayEntry) string {
	var b strings.Builder
	b.WriteString("<p>Perimeter events from reprocessed telemetry:</p><ul>")
	for _, entry := range entries {
		e := entry.event
		verb := "left"
		if e.Direction == geofence.Enter {
			verb = "entered"
		}
		fmt.Fprintf(&b, "<li>%s: %s %s %s (%.6f, %.6f)</li>",
			e.Timestamp.Format("2006-01-02 15:04:05 MST"),
			entry.deviceName, verb, e.PerimeterName, e.Coord.Lat, e.Coord.Lon)
	}
	b.WriteString("</ul>")
	return b.String()
}
