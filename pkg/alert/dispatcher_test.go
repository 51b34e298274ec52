package alert

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/postrack/postrack/pkg"
	"github.com/postrack/postrack/pkg/geo"
	"github.com/postrack/postrack/pkg/geofence"
	"github.com/postrack/postrack/pkg/logx"
	"github.com/postrack/postrack/pkg/store"
)

type sentMail struct {
	to      string
	subject string
	html    string
}

type fakeSender struct {
	sent    []sentMail
	failFor map[string]bool
}

func (f *fakeSender) Send(_ context.Context, to, subject, html string) error {
	if f.failFor[to] {
		return errors.New("smtp relay down")
	}
	f.sent = append(f.sent, sentMail{to: to, subject: subject, html: html})
	return nil
}

type fakeAudit struct {
	alerts []store.Alert
}

func (f *fakeAudit) InsertAlert(a *store.Alert) error {
	f.alerts = append(f.alerts, *a)
	return nil
}

func quietLogger() *logx.Logger {
	return logx.NewWithOutput("error", io.Discard)
}

func enterEvent(recipients ...string) geofence.Event {
	return geofence.Event{
		PerimeterID:   1,
		PerimeterName: "yard",
		Direction:     geofence.Enter,
		Coord:         geo.Coordinate{Lat: 48.1, Lon: 17.1},
		Timestamp:     time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		Recipients:    recipients,
	}
}

func TestLiveDispatchSendsPerRecipient(t *testing.T) {
	sender := &fakeSender{}
	audit := &fakeAudit{}
	d := NewDispatcher(sender, audit, "run-1", false, quietLogger())

	var counters pkg.RunCounters
	err := d.Dispatch(context.Background(), "collar-1", enterEvent("a@example.com", "b@example.com"), &counters)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 emails, got %d", len(sender.sent))
	}
	if !strings.Contains(sender.sent[0].subject, "entered yard") {
		t.Fatalf("unexpected subject %q", sender.sent[0].subject)
	}
	if len(audit.alerts) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(audit.alerts))
	}
	if !audit.alerts[0].EmailSent {
		t.Fatal("expected email_sent=true with successful recipients")
	}
	if audit.alerts[0].RunID != "run-1" {
		t.Fatalf("expected run id recorded, got %q", audit.alerts[0].RunID)
	}
	if counters.AlertsEmitted != 1 || counters.EmailsSent != 2 {
		t.Fatalf("unexpected counters %+v", counters)
	}
}

func TestLiveDispatchPartialFailureStillAuditsSent(t *testing.T) {
	sender := &fakeSender{failFor: map[string]bool{"a@example.com": true}}
	audit := &fakeAudit{}
	d := NewDispatcher(sender, audit, "run-1", false, quietLogger())

	var counters pkg.RunCounters
	err := d.Dispatch(context.Background(), "collar-1", enterEvent("a@example.com", "b@example.com"), &counters)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if !audit.alerts[0].EmailSent {
		t.Fatal("email_sent must be true when at least one recipient succeeded")
	}
	if counters.EmailFailures != 1 || counters.EmailsSent != 1 {
		t.Fatalf("unexpected counters %+v", counters)
	}
}

func TestLiveDispatchTotalFailureAuditsUnsent(t *testing.T) {
	sender := &fakeSender{failFor: map[string]bool{"a@example.com": true}}
	audit := &fakeAudit{}
	d := NewDispatcher(sender, audit, "run-1", false, quietLogger())

	var counters pkg.RunCounters
	if err := d.Dispatch(context.Background(), "collar-1", enterEvent("a@example.com"), &counters); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if audit.alerts[0].EmailSent {
		t.Fatal("email_sent must be false when every recipient failed")
	}
}

func TestReplayAccumulatesAndGroups(t *testing.T) {
	sender := &fakeSender{}
	audit := &fakeAudit{}
	d := NewDispatcher(sender, audit, "run-2", true, quietLogger())

	var counters pkg.RunCounters
	e1 := enterEvent("a@example.com", "b@example.com")
	e2 := enterEvent("a@example.com")
	e2.Direction = geofence.Exit
	e2.Timestamp = e1.Timestamp.Add(time.Hour)

	if err := d.Dispatch(context.Background(), "collar-1", e1, &counters); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := d.Dispatch(context.Background(), "collar-1", e2, &counters); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Audit rows are written immediately, marked unsent
	if len(audit.alerts) != 2 {
		t.Fatalf("expected 2 audit rows before flush, got %d", len(audit.alerts))
	}
	for _, a := range audit.alerts {
		if a.EmailSent {
			t.Fatal("replay audit rows must record email_sent=false")
		}
	}
	if len(sender.sent) != 0 {
		t.Fatalf("no emails may be sent before Finish, got %d", len(sender.sent))
	}

	d.Finish(context.Background(), &counters)

	// One grouped summary per distinct recipient
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 summary emails, got %d", len(sender.sent))
	}
	var forA *sentMail
	for i := range sender.sent {
		if sender.sent[i].to == "a@example.com" {
			forA = &sender.sent[i]
		}
	}
	if forA == nil {
		t.Fatal("expected a summary for a@example.com")
	}
	if !strings.Contains(forA.subject, "2 perimeter event(s)") {
		t.Fatalf("expected both events in a@example.com summary, got %q", forA.subject)
	}
	if !strings.Contains(forA.html, "entered yard") || !strings.Contains(forA.html, "left yard") {
		t.Fatalf("summary body missing events: %q", forA.html)
	}

	// A second Finish sends nothing more
	d.Finish(context.Background(), &counters)
	if len(sender.sent) != 2 {
		t.Fatalf("Finish must be idempotent, got %d emails", len(sender.sent))
	}
}

func TestFinishIsNoopInLiveMode(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, &fakeAudit{}, "run-1", false, quietLogger())

	var counters pkg.RunCounters
	d.Finish(context.Background(), &counters)
	if len(sender.sent) != 0 {
		t.Fatalf("live-mode Finish must send nothing, got %d", len(sender.sent))
	}
}
