// Package store provides the embedded sqlite persistence layer
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/postrack/postrack/pkg"
	"github.com/postrack/postrack/pkg/geo"
)

const metaKeyLastLiveRun = "last_live_run"

// Store wraps the sqlite database holding devices, positions, the MAC
// location cache, beacons, perimeters and the alert audit trail.
type Store struct {
	db *sql.DB
}

// MacCacheRow is one persisted cache entry. Lat/Lon are nil for a negative
// entry (a remembered geolocation failure).
type MacCacheRow struct {
	Address     string
	Lat         *float64
	Lon         *float64
	RefreshedAt time.Time
}

// Positive reports whether the row carries a known coordinate
func (r *MacCacheRow) Positive() bool {
	return r.Lat != nil && r.Lon != nil
}

// Beacon is a fixed transmitter with an administrator-configured coordinate
type Beacon struct {
	Address string
	Name    string
	Coord   geo.Coordinate
}

// Recipient subscribes to perimeter events with independent direction flags
type Recipient struct {
	Email   string
	OnEnter bool
	OnExit  bool
}

// Perimeter is an administrator-drawn polygon zone. DeviceID is nil for a
// zone that applies to every device. LegacyEmail is honored only when the
// recipient set is empty.
type Perimeter struct {
	ID          int64
	Name        string
	Points      []geo.Coordinate
	Active      bool
	DeviceID    *int64
	LegacyEmail string
	LegacyEnter bool
	LegacyExit  bool
	Recipients  []Recipient
}

// Alert is one append-only audit row for an emitted geofence event
type Alert struct {
	ID          int64
	PerimeterID int64
	Direction   string // "enter" or "exit"
	Lat         float64
	Lon         float64
	Timestamp   time.Time
	EmailSent   bool
	RunID       string
}

// Open opens (or creates) the database at path and bootstraps the schema
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Single-writer batch process; one connection avoids sqlite lock churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		hardware_id TEXT NOT NULL UNIQUE,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL,
		ts DATETIME NOT NULL,
		lat REAL NOT NULL,
		lon REAL NOT NULL,
		source TEXT NOT NULL,
		raw_addresses TEXT,
		primary_address TEXT,
		FOREIGN KEY (device_id) REFERENCES devices(id)
	);
	CREATE INDEX IF NOT EXISTS idx_positions_device_ts ON positions(device_id, ts);

	CREATE TABLE IF NOT EXISTS mac_cache (
		address TEXT PRIMARY KEY,
		lat REAL,
		lon REAL,
		refreshed_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS beacons (
		address TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		lat REAL NOT NULL,
		lon REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS perimeters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		points TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		device_id INTEGER,
		notify_email TEXT NOT NULL DEFAULT '',
		notify_enter INTEGER NOT NULL DEFAULT 0,
		notify_exit INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS perimeter_recipients (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		perimeter_id INTEGER NOT NULL,
		email TEXT NOT NULL,
		on_enter INTEGER NOT NULL DEFAULT 1,
		on_exit INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY (perimeter_id) REFERENCES perimeters(id)
	);

	CREATE TABLE IF NOT EXISTS perimeter_alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		perimeter_id INTEGER NOT NULL,
		direction TEXT NOT NULL,
		lat REAL NOT NULL,
		lon REAL NOT NULL,
		ts DATETIME NOT NULL,
		email_sent INTEGER NOT NULL DEFAULT 0,
		run_id TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ActiveDevices returns every device the pipeline should process
func (s *Store) ActiveDevices() ([]pkg.Device, error) {
	rows, err := s.db.Query(`SELECT id, name, hardware_id, active, created_at FROM devices WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: query active devices: %w", err)
	}
	defer rows.Close()

	var devices []pkg.Device
	for rows.Next() {
		var d pkg.Device
		var active int
		if err := rows.Scan(&d.ID, &d.Name, &d.HardwareID, &active, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		d.Active = active != 0
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// InsertDevice registers a device; used by administration and tests
func (s *Store) InsertDevice(name, hardwareID string, active bool) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO devices (name, hardware_id, active, created_at) VALUES (?, ?, ?, ?)`,
		name, hardwareID, boolInt(active), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("store: insert device: %w", err)
	}
	return res.LastInsertId()
}

// InsertPosition appends one accepted position record
func (s *Store) InsertPosition(p *pkg.PositionRecord) error {
	raw, err := marshalAddresses(p.RawAddresses)
	if err != nil {
		return fmt.Errorf("store: encode raw addresses: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO positions (device_id, ts, lat, lon, source, raw_addresses, primary_address) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.DeviceID, p.Timestamp.UTC(), p.Lat, p.Lon, string(p.Source), raw, p.PrimaryAddress)
	if err != nil {
		return fmt.Errorf("store: insert position: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	return nil
}

// LatestPosition returns the most recent stored position for a device, or
// nil when the device has no history yet.
func (s *Store) LatestPosition(deviceID int64) (*pkg.PositionRecord, error) {
	return s.scanPosition(s.db.QueryRow(
		`SELECT id, device_id, ts, lat, lon, source, raw_addresses, primary_address
		 FROM positions WHERE device_id = ? ORDER BY ts DESC, id DESC LIMIT 1`, deviceID))
}

// LatestPositionBefore returns the most recent position strictly before t,
// used to reseed hysteresis and geofence state ahead of a replay window.
func (s *Store) LatestPositionBefore(deviceID int64, t time.Time) (*pkg.PositionRecord, error) {
	return s.scanPosition(s.db.QueryRow(
		`SELECT id, device_id, ts, lat, lon, source, raw_addresses, primary_address
		 FROM positions WHERE device_id = ? AND ts < ? ORDER BY ts DESC, id DESC LIMIT 1`,
		deviceID, t.UTC()))
}

// PositionsRange returns positions within [from, to) in timestamp order
func (s *Store) PositionsRange(deviceID int64, from, to time.Time) ([]pkg.PositionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, device_id, ts, lat, lon, source, raw_addresses, primary_address
		 FROM positions WHERE device_id = ? AND ts >= ? AND ts < ? ORDER BY ts, id`,
		deviceID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: query positions range: %w", err)
	}
	defer rows.Close()

	var out []pkg.PositionRecord
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// DeletePositionsRange removes all positions within [from, to) for a device.
// This is the clean-slate step of replay mode.
func (s *Store) DeletePositionsRange(deviceID int64, from, to time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM positions WHERE device_id = ? AND ts >= ? AND ts < ?`,
		deviceID, from.UTC(), to.UTC())
	if err != nil {
		return 0, fmt.Errorf("store: delete positions range: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanPosition(row *sql.Row) (*pkg.PositionRecord, error) {
	p, err := scanPositionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func scanPositionRow(row rowScanner) (*pkg.PositionRecord, error) {
	var p pkg.PositionRecord
	var source string
	var raw, primary sql.NullString
	if err := row.Scan(&p.ID, &p.DeviceID, &p.Timestamp, &p.Lat, &p.Lon, &source, &raw, &primary); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan position: %w", err)
	}
	p.Timestamp = p.Timestamp.UTC()
	p.Source = pkg.Source(source)
	p.PrimaryAddress = primary.String
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &p.RawAddresses); err != nil {
			return nil, fmt.Errorf("store: decode raw addresses: %w", err)
		}
	}
	return &p, nil
}

func marshalAddresses(addrs []string) (string, error) {
	if len(addrs) == 0 {
		return "", nil
	}
	b, err := json.Marshal(addrs)
	return string(b), err
}

// MacCacheGet returns the cache row for an address, or nil when unknown
func (s *Store) MacCacheGet(address string) (*MacCacheRow, error) {
	var r MacCacheRow
	var lat, lon sql.NullFloat64
	err := s.db.QueryRow(`SELECT address, lat, lon, refreshed_at FROM mac_cache WHERE address = ?`, address).
		Scan(&r.Address, &lat, &lon, &r.RefreshedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: mac cache get: %w", err)
	}
	r.RefreshedAt = r.RefreshedAt.UTC()
	if lat.Valid && lon.Valid {
		r.Lat, r.Lon = &lat.Float64, &lon.Float64
	}
	return &r, nil
}

// MacCacheUpsert writes or replaces the entry for an address. Nil lat/lon
// records a negative entry.
func (s *Store) MacCacheUpsert(address string, lat, lon *float64, refreshedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO mac_cache (address, lat, lon, refreshed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET lat = excluded.lat, lon = excluded.lon, refreshed_at = excluded.refreshed_at`,
		address, nullableFloat(lat), nullableFloat(lon), refreshedAt.UTC())
	if err != nil {
		return fmt.Errorf("store: mac cache upsert: %w", err)
	}
	return nil
}

// Beacons returns the configured beacon location table keyed by normalized
// address.
func (s *Store) Beacons() (map[string]geo.Coordinate, error) {
	rows, err := s.db.Query(`SELECT address, lat, lon FROM beacons`)
	if err != nil {
		return nil, fmt.Errorf("store: query beacons: %w", err)
	}
	defer rows.Close()

	out := make(map[string]geo.Coordinate)
	for rows.Next() {
		var addr string
		var c geo.Coordinate
		if err := rows.Scan(&addr, &c.Lat, &c.Lon); err != nil {
			return nil, fmt.Errorf("store: scan beacon: %w", err)
		}
		out[addr] = c
	}
	return out, rows.Err()
}

// InsertBeacon registers a fixed beacon location; used by administration and tests
func (s *Store) InsertBeacon(address, name string, coord geo.Coordinate) error {
	_, err := s.db.Exec(
		`INSERT INTO beacons (address, name, lat, lon) VALUES (?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET name = excluded.name, lat = excluded.lat, lon = excluded.lon`,
		address, name, coord.Lat, coord.Lon)
	if err != nil {
		return fmt.Errorf("store: insert beacon: %w", err)
	}
	return nil
}

// ActivePerimeters returns active perimeters applying to the given device:
// device-scoped ones plus global ones, recipients attached.
func (s *Store) ActivePerimeters(deviceID int64) ([]Perimeter, error) {
	rows, err := s.db.Query(
		`SELECT id, name, points, active, device_id, notify_email, notify_enter, notify_exit
		 FROM perimeters WHERE active = 1 AND (device_id IS NULL OR device_id = ?) ORDER BY id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("store: query perimeters: %w", err)
	}
	defer rows.Close()

	var out []Perimeter
	for rows.Next() {
		var p Perimeter
		var points string
		var active, enter, exit int
		var devID sql.NullInt64
		if err := rows.Scan(&p.ID, &p.Name, &points, &active, &devID, &p.LegacyEmail, &enter, &exit); err != nil {
			return nil, fmt.Errorf("store: scan perimeter: %w", err)
		}
		p.Active = active != 0
		p.LegacyEnter = enter != 0
		p.LegacyExit = exit != 0
		if devID.Valid {
			p.DeviceID = &devID.Int64
		}
		if err := json.Unmarshal([]byte(points), &p.Points); err != nil {
			return nil, fmt.Errorf("store: decode perimeter %d polygon: %w", p.ID, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		recipients, err := s.perimeterRecipients(out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Recipients = recipients
	}
	return out, nil
}

func (s *Store) perimeterRecipients(perimeterID int64) ([]Recipient, error) {
	rows, err := s.db.Query(
		`SELECT email, on_enter, on_exit FROM perimeter_recipients WHERE perimeter_id = ? ORDER BY id`, perimeterID)
	if err != nil {
		return nil, fmt.Errorf("store: query recipients: %w", err)
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var r Recipient
		var enter, exit int
		if err := rows.Scan(&r.Email, &enter, &exit); err != nil {
			return nil, fmt.Errorf("store: scan recipient: %w", err)
		}
		r.OnEnter = enter != 0
		r.OnExit = exit != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertPerimeter registers a perimeter; used by administration and tests
func (s *Store) InsertPerimeter(p *Perimeter) (int64, error) {
	points, err := json.Marshal(p.Points)
	if err != nil {
		return 0, fmt.Errorf("store: encode polygon: %w", err)
	}
	var devID interface{}
	if p.DeviceID != nil {
		devID = *p.DeviceID
	}
	res, err := s.db.Exec(
		`INSERT INTO perimeters (name, points, active, device_id, notify_email, notify_enter, notify_exit)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Name, string(points), boolInt(p.Active), devID, p.LegacyEmail, boolInt(p.LegacyEnter), boolInt(p.LegacyExit))
	if err != nil {
		return 0, fmt.Errorf("store: insert perimeter: %w", err)
	}
	id, _ := res.LastInsertId()
	for _, r := range p.Recipients {
		if _, err := s.db.Exec(
			`INSERT INTO perimeter_recipients (perimeter_id, email, on_enter, on_exit) VALUES (?, ?, ?, ?)`,
			id, r.Email, boolInt(r.OnEnter), boolInt(r.OnExit)); err != nil {
			return 0, fmt.Errorf("store: insert recipient: %w", err)
		}
	}
	return id, nil
}

// InsertAlert appends one audit row for an emitted geofence event
func (s *Store) InsertAlert(a *Alert) error {
	res, err := s.db.Exec(
		`INSERT INTO perimeter_alerts (perimeter_id, direction, lat, lon, ts, email_sent, run_id) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.PerimeterID, a.Direction, a.Lat, a.Lon, a.Timestamp.UTC(), boolInt(a.EmailSent), a.RunID)
	if err != nil {
		return fmt.Errorf("store: insert alert: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// Alerts returns all audit rows in insertion order; used by tests and tooling
func (s *Store) Alerts() ([]Alert, error) {
	rows, err := s.db.Query(
		`SELECT id, perimeter_id, direction, lat, lon, ts, email_sent, run_id FROM perimeter_alerts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: query alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		var sent int
		if err := rows.Scan(&a.ID, &a.PerimeterID, &a.Direction, &a.Lat, &a.Lon, &a.Timestamp, &sent, &a.RunID); err != nil {
			return nil, fmt.Errorf("store: scan alert: %w", err)
		}
		a.Timestamp = a.Timestamp.UTC()
		a.EmailSent = sent != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// LastLiveRun returns the persisted watermark of the last completed live run
func (s *Store) LastLiveRun() (time.Time, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, metaKeyLastLiveRun).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: read last live run: %w", err)
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: parse last live run %q: %w", value, err)
	}
	return t, true, nil
}

// SetLastLiveRun persists the live-run throttle watermark
func (s *Store) SetLastLiveRun(t time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaKeyLastLiveRun, t.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: set last live run: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
