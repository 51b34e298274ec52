package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/postrack/postrack/pkg"
	"github.com/postrack/postrack/pkg/logx"
)

func TestRecordExposesCounters(t *testing.T) {
	s := NewServer(logx.NewWithOutput("error", io.Discard))

	counters := pkg.RunCounters{
		BucketsBuilt:      10,
		BucketsSkipped:    3,
		CacheHits:         4,
		CacheNegatives:    1,
		GeolocationCalls:  2,
		PositionsInserted: 6,
		AlertsEmitted:     1,
		EmailsSent:        2,
	}
	finished := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	s.Record(&counters, finished, 1500*time.Millisecond)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read scrape body: %v", err)
	}
	text := string(body)

	for _, want := range []string{
		`postrack_run_buckets{outcome="resolved"} 7`,
		`postrack_run_buckets{outcome="skipped"} 3`,
		`postrack_run_mac_cache_lookups{result="hit"} 4`,
		`postrack_run_positions_inserted 6`,
		`postrack_run_alerts 1`,
		`postrack_run_emails{result="sent"} 2`,
		`postrack_run_duration_seconds 1.5`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("scrape output missing %q:\n%s", want, text)
		}
	}
}

func TestNewServerRegistersWithoutPanic(t *testing.T) {
	// Private registries keep back-to-back constructions safe.
	_ = NewServer(logx.NewWithOutput("error", io.Discard))
	_ = NewServer(logx.NewWithOutput("error", io.Discard))
}
