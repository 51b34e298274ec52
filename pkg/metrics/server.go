// Package metrics exposes run statistics over Prometheus for operators
// that scrape between pipeline runs.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postrack/postrack/pkg"
	"github.com/postrack/postrack/pkg/logx"
)

// Server publishes the counters of the most recent run.
type Server struct {
	logger   *logx.Logger
	registry *prometheus.Registry
	server   *http.Server

	buckets          *prometheus.GaugeVec
	cacheLookups     *prometheus.GaugeVec
	geolocationCalls *prometheus.GaugeVec
	positions        prometheus.Gauge
	rejected         *prometheus.GaugeVec
	malformed        *prometheus.GaugeVec
	alerts           prometheus.Gauge
	emails           *prometheus.GaugeVec
	lastRun          prometheus.Gauge
	runDuration      prometheus.Gauge
}

// NewServer creates the server and registers all metrics on a private
// registry so repeated process starts never collide.
func NewServer(logger *logx.Logger) *Server {
	s := &Server{
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	s.registerMetrics()
	return s
}

func (s *Server) registerMetrics() {
	s.buckets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postrack_run_buckets",
			Help: "Observation buckets handled by the last run",
		},
		[]string{"outcome"},
	)

	s.cacheLookups = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postrack_run_mac_cache_lookups",
			Help: "MAC cache lookup outcomes in the last run",
		},
		[]string{"result"},
	)

	s.geolocationCalls = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postrack_run_geolocation_requests",
			Help: "Geolocation API requests issued by the last run",
		},
		[]string{"result"},
	)

	s.positions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "postrack_run_positions_inserted",
			Help: "Positions stored by the last run",
		},
	)

	s.rejected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postrack_run_positions_rejected",
			Help: "Candidate positions the last run discarded",
		},
		[]string{"reason"},
	)

	s.malformed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postrack_run_malformed_records",
			Help: "Malformed telemetry records skipped by the last run",
		},
		[]string{"kind"},
	)

	s.alerts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "postrack_run_alerts",
			Help: "Perimeter alerts emitted by the last run",
		},
	)

	s.emails = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postrack_run_emails",
			Help: "Alert email delivery outcomes in the last run",
		},
		[]string{"result"},
	)

	s.lastRun = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "postrack_last_run_timestamp_seconds",
			Help: "Unix time when the last run finished",
		},
	)

	s.runDuration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "postrack_run_duration_seconds",
			Help: "Wall time of the last run",
		},
	)

	s.registry.MustRegister(
		s.buckets,
		s.cacheLookups,
		s.geolocationCalls,
		s.positions,
		s.rejected,
		s.malformed,
		s.alerts,
		s.emails,
		s.lastRun,
		s.runDuration,
	)
}

// Record publishes one finished run.
func (s *Server) Record(c *pkg.RunCounters, finished time.Time, duration time.Duration) {
	s.buckets.WithLabelValues("resolved").Set(float64(c.BucketsBuilt - c.BucketsSkipped))
	s.buckets.WithLabelValues("skipped").Set(float64(c.BucketsSkipped))

	s.cacheLookups.WithLabelValues("hit").Set(float64(c.CacheHits))
	s.cacheLookups.WithLabelValues("negative").Set(float64(c.CacheNegatives))

	s.geolocationCalls.WithLabelValues("ok").Set(float64(c.GeolocationCalls - c.GeolocationFailures))
	s.geolocationCalls.WithLabelValues("error").Set(float64(c.GeolocationFailures))

	s.positions.Set(float64(c.PositionsInserted))

	s.rejected.WithLabelValues("hysteresis").Set(float64(c.HysteresisRejected))
	s.rejected.WithLabelValues("storage").Set(float64(c.StorageSkips))

	s.malformed.WithLabelValues("timestamp").Set(float64(c.MalformedTimestamps))
	s.malformed.WithLabelValues("payload").Set(float64(c.MalformedPayloads))
	s.malformed.WithLabelValues("address").Set(float64(c.MalformedAddresses))
	s.malformed.WithLabelValues("incomplete_fix").Set(float64(c.IncompleteFixes))

	s.alerts.Set(float64(c.AlertsEmitted))
	s.emails.WithLabelValues("sent").Set(float64(c.EmailsSent))
	s.emails.WithLabelValues("error").Set(float64(c.EmailFailures))

	s.lastRun.Set(float64(finished.Unix()))
	s.runDuration.Set(duration.Seconds())
}

// Handler returns the scrape handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Start serves /metrics and /health in the background.
func (s *Server) Start(port int) error {
	s.logger.Info("starting metrics listener", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics listener failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
