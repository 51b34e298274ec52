// Package pipeline orchestrates one batch invocation: lock, throttle,
// per-device fetch/resolve/persist/alert, end-of-run accounting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/postrack/postrack/pkg"
	"github.com/postrack/postrack/pkg/alert"
	"github.com/postrack/postrack/pkg/config"
	"github.com/postrack/postrack/pkg/geofence"
	"github.com/postrack/postrack/pkg/hysteresis"
	"github.com/postrack/postrack/pkg/logx"
	"github.com/postrack/postrack/pkg/maccache"
	"github.com/postrack/postrack/pkg/metrics"
	"github.com/postrack/postrack/pkg/mqttpub"
	"github.com/postrack/postrack/pkg/resolver"
	"github.com/postrack/postrack/pkg/store"
	"github.com/postrack/postrack/pkg/telemetry"
)

// How far back a live run looks when a device has no stored positions yet.
const defaultLiveLookback = 24 * time.Hour

// RunContext carries the mutable state of one invocation through every
// stage instead of package-level accumulators.
type RunContext struct {
	ID       string
	Replay   bool
	Counters pkg.RunCounters
}

// Deps are the collaborators a Runner needs. Publisher and Metrics are
// optional and may be nil.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Telemetry  *telemetry.Client
	Geolocator resolver.Geolocator
	Sender     alert.Sender
	Publisher  *mqttpub.Client
	Metrics    *metrics.Server
	Logger     *logx.Logger
}

// Runner executes pipeline invocations
type Runner struct {
	deps Deps
	now  func() time.Time
}

func New(deps Deps) *Runner {
	return &Runner{deps: deps, now: time.Now}
}

// Run executes one invocation. A nil replayDay selects live mode; otherwise
// the UTC day starting at replayDay is deleted and reprocessed. A held lock
// or an unexpired throttle means nothing to do, not an error; both return a
// nil RunContext.
func (r *Runner) Run(ctx context.Context, replayDay *time.Time) (*RunContext, error) {
	log := r.deps.Logger
	cfg := r.deps.Config

	lock, err := acquireLock(cfg.LockPath)
	if err != nil {
		if errors.Is(err, errLockHeld) {
			log.Warn("skipping run", "error", err)
			return nil, nil
		}
		return nil, err
	}
	defer lock.release()

	if replayDay == nil {
		last, ok, err := r.deps.Store.LastLiveRun()
		if err != nil {
			log.Warn("last-run watermark unreadable, proceeding", "error", err)
		} else if ok && r.now().Sub(last) < cfg.MinRunInterval {
			log.Info("throttled, last live run too recent",
				"last_run", last, "min_interval", cfg.MinRunInterval)
			return nil, nil
		}
	}

	rc := &RunContext{ID: uuid.NewString(), Replay: replayDay != nil}
	started := r.now()
	log.Info("run starting", "run_id", rc.ID, "replay", rc.Replay)

	beacons, err := r.deps.Store.Beacons()
	if err != nil {
		return nil, fmt.Errorf("pipeline: load beacons: %w", err)
	}
	cache := maccache.New(r.deps.Store, cfg.MacCacheMaxAge())
	res := resolver.New(beacons, cache, r.deps.Geolocator, resolver.Config{
		MinAPCount:     cfg.GeoMinAPCount,
		MaxAPCount:     cfg.GeoMaxAPCount,
		SignalFloorDBM: cfg.GeoSignalFloorDBM,
	}, log)

	devices, err := r.deps.Store.ActiveDevices()
	if err != nil {
		return nil, fmt.Errorf("pipeline: load devices: %w", err)
	}

	for i := range devices {
		r.runDevice(ctx, rc, res, &devices[i], replayDay)
	}

	if !rc.Replay {
		if err := r.deps.Store.SetLastLiveRun(r.now()); err != nil {
			log.Warn("recording last-run watermark failed", "error", err)
		}
	}

	finished := r.now()
	if r.deps.Metrics != nil {
		r.deps.Metrics.Record(&rc.Counters, finished, finished.Sub(started))
	}
	c := &rc.Counters
	log.Info("run complete",
		"run_id", rc.ID,
		"devices", len(devices),
		"duration", finished.Sub(started),
		"buckets", c.BucketsBuilt,
		"buckets_skipped", c.BucketsSkipped,
		"cache_hits", c.CacheHits,
		"cache_negatives", c.CacheNegatives,
		"geolocation_calls", c.GeolocationCalls,
		"positions_inserted", c.PositionsInserted,
		"hysteresis_rejected", c.HysteresisRejected,
		"storage_skips", c.StorageSkips,
		"alerts", c.AlertsEmitted,
		"emails_sent", c.EmailsSent,
		"email_failures", c.EmailFailures)
	return rc, nil
}

// runDevice isolates one device: a panic or error aborts that device's
// remaining work and the run moves on.
func (r *Runner) runDevice(ctx context.Context, rc *RunContext, res *resolver.Resolver, device *pkg.Device, replayDay *time.Time) {
	defer func() {
		if p := recover(); p != nil {
			r.deps.Logger.Error("device processing aborted",
				"device", device.Name, "panic", p)
		}
	}()

	if err := r.processDevice(ctx, rc, res, device, replayDay); err != nil {
		r.deps.Logger.Error("device processing failed",
			"device", device.Name, "error", err)
	}
}

func (r *Runner) processDevice(ctx context.Context, rc *RunContext, res *resolver.Resolver, device *pkg.Device, replayDay *time.Time) error {
	log := r.deps.Logger.With("device", device.Name)
	st := r.deps.Store

	var from, to time.Time
	var seed *pkg.PositionRecord
	var err error

	if replayDay != nil {
		from = replayDay.UTC()
		to = from.Add(24 * time.Hour)
		// The seed must come from before the window so the deletion below
		// cannot influence it.
		seed, err = st.LatestPositionBefore(device.ID, from)
		if err != nil {
			return err
		}
		deleted, err := st.DeletePositionsRange(device.ID, from, to)
		if err != nil {
			return err
		}
		log.Info("replay window cleared", "from", from, "to", to, "deleted", deleted)
	} else {
		seed, err = st.LatestPosition(device.ID)
		if err != nil {
			return err
		}
		to = r.now()
		from = to.Add(-defaultLiveLookback)
		if seed != nil && seed.Timestamp.After(from) {
			from = seed.Timestamp
		}
	}

	if status, err := r.deps.Telemetry.FetchStatus(ctx, device.HardwareID); err != nil {
		log.Warn("device status unavailable", "error", err)
	} else {
		log.Info("device status",
			"battery_percent", status.BatteryPercent,
			"online", status.Online,
			"last_message_at", status.LastMessageAt)
	}

	series := r.deps.Telemetry.FetchAll(ctx, device.HardwareID, telemetry.Channels{
		SatLon:    r.deps.Config.ChannelSatLon,
		SatLat:    r.deps.Config.ChannelSatLat,
		Wifi:      r.deps.Config.ChannelWifi,
		Bluetooth: r.deps.Config.ChannelBluetooth,
	}, from, to)

	buckets, stats := telemetry.BuildBuckets(series, log)
	rc.Counters.BucketsBuilt += len(buckets)
	rc.Counters.MalformedTimestamps += stats.MalformedTimestamps
	rc.Counters.MalformedPayloads += stats.MalformedPayloads
	rc.Counters.MalformedAddresses += stats.MalformedAddresses
	rc.Counters.IncompleteFixes += stats.IncompleteFixes

	filter := hysteresis.New(r.deps.Config.HysteresisThresholdM)
	filter.Seed(seed)

	perimeters, err := st.ActivePerimeters(device.ID)
	if err != nil {
		return err
	}
	fence := geofence.New(device.ID, perimeters, seed, log)
	dispatcher := alert.NewDispatcher(r.deps.Sender, st, rc.ID, rc.Replay, log)

	for i := range buckets {
		r.processBucket(ctx, rc, res, filter, fence, dispatcher, device, &buckets[i], log)
	}

	dispatcher.Finish(ctx, &rc.Counters)
	return nil
}

func (r *Runner) processBucket(ctx context.Context, rc *RunContext, res *resolver.Resolver,
	filter *hysteresis.Filter, fence *geofence.StateMachine, dispatcher *alert.Dispatcher,
	device *pkg.Device, bucket *telemetry.Bucket, log *logx.Logger) {

	candidate, err := res.Resolve(ctx, bucket, &rc.Counters)
	if err != nil {
		rc.Counters.BucketsSkipped++
		log.Warn("bucket resolution failed", "ts", bucket.Timestamp, "error", err)
		return
	}
	if candidate == nil {
		rc.Counters.BucketsSkipped++
		return
	}

	decision := filter.Evaluate(candidate)
	if !decision.Accept {
		rc.Counters.HysteresisRejected++
		log.Debug("position suppressed",
			"ts", candidate.Timestamp, "distance_m", decision.DistanceM)
		return
	}

	record := &pkg.PositionRecord{
		DeviceID:       device.ID,
		Timestamp:      candidate.Timestamp,
		Lat:            candidate.Coord.Lat,
		Lon:            candidate.Coord.Lon,
		Source:         candidate.Source,
		RawAddresses:   candidate.RawAddresses,
		PrimaryAddress: candidate.PrimaryAddress,
	}
	if err := r.deps.Store.InsertPosition(record); err != nil {
		// Same accounting path as a hysteresis rejection: the baseline must
		// not advance past a position that was never stored.
		rc.Counters.StorageSkips++
		log.Warn("position insert failed", "ts", record.Timestamp, "error", err)
		return
	}
	rc.Counters.PositionsInserted++
	filter.Advance(candidate)

	for _, event := range fence.Evaluate(candidate.Coord, candidate.Timestamp) {
		if err := dispatcher.Dispatch(ctx, device.Name, event, &rc.Counters); err != nil {
			log.Warn("alert dispatch failed", "perimeter", event.PerimeterName, "error", err)
		}
	}

	if r.deps.Publisher != nil {
		if err := r.deps.Publisher.PublishPosition(device.Name, record); err != nil {
			log.Warn("mqtt publish failed", "ts", record.Timestamp, "error", err)
		}
	}
}
