// Package persistence provides SQLite storage for named contours, run
// records, and convergence history. Live drone state is never persisted.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/drone-swarm/internal/geom"
)

// ErrNotFound is returned when a named record does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a SQLite connection.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contours (
		name TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		points_json TEXT NOT NULL,
		point_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		drones INTEGER NOT NULL,
		targets INTEGER NOT NULL,
		strategy TEXT NOT NULL,
		contour TEXT NOT NULL,
		seed INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		tick INTEGER NOT NULL,
		avg_error REAL,
		converged INTEGER NOT NULL,
		held INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS swarm_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_samples_run_tick ON samples(run_id, tick);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// Contour is a stored target contour.
type Contour struct {
	Name      string      `json:"name"`
	Source    string      `json:"source"`
	Points    []geom.Vec3 `json:"points,omitempty"`
	Count     int         `json:"point_count"`
	CreatedAt time.Time   `json:"created_at"`
}

type contourRow struct {
	Name       string `db:"name"`
	Source     string `db:"source"`
	PointsJSON string `db:"points_json"`
	PointCount int    `db:"point_count"`
	CreatedAt  int64  `db:"created_at"`
}

// SaveContour stores pts under name, replacing any contour of the same name.
func (db *DB) SaveContour(name, source string, pts []geom.Vec3) error {
	if name == "" {
		return errors.New("save contour: empty name")
	}
	data, err := json.Marshal(pts)
	if err != nil {
		return fmt.Errorf("encode contour %q: %w", name, err)
	}
	_, err = db.conn.Exec(
		`INSERT OR REPLACE INTO contours (name, source, points_json, point_count, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		name, source, string(data), len(pts), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save contour %q: %w", name, err)
	}
	slog.Debug("contour saved", "name", name, "source", source, "points", len(pts))
	return nil
}

// LoadContour returns the stored contour called name.
func (db *DB) LoadContour(name string) (*Contour, error) {
	var row contourRow
	err := db.conn.Get(&row, "SELECT * FROM contours WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contour %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load contour %q: %w", name, err)
	}

	c := row.toContour()
	if err := json.Unmarshal([]byte(row.PointsJSON), &c.Points); err != nil {
		return nil, fmt.Errorf("decode contour %q: %w", name, err)
	}
	return c, nil
}

// ListContours returns every stored contour without its points, newest first.
func (db *DB) ListContours() ([]Contour, error) {
	var rows []contourRow
	err := db.conn.Select(&rows,
		"SELECT name, source, '' AS points_json, point_count, created_at FROM contours ORDER BY created_at DESC, name",
	)
	if err != nil {
		return nil, fmt.Errorf("list contours: %w", err)
	}
	out := make([]Contour, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.toContour())
	}
	return out, nil
}

// DeleteContour removes a stored contour.
func (db *DB) DeleteContour(name string) error {
	res, err := db.conn.Exec("DELETE FROM contours WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete contour %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("contour %q: %w", name, ErrNotFound)
	}
	return nil
}

func (r contourRow) toContour() *Contour {
	return &Contour{
		Name:      r.Name,
		Source:    r.Source,
		Count:     r.PointCount,
		CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
	}
}

// Run is one service session: a swarm built from one contour.
type Run struct {
	ID        string    `db:"id" json:"id"`
	StartedAt int64     `db:"started_at" json:"started_at"`
	Drones    int       `db:"drones" json:"drones"`
	Targets   int       `db:"targets" json:"targets"`
	Strategy  string    `db:"strategy" json:"strategy"`
	Contour   string    `db:"contour" json:"contour"`
	Seed      int64     `db:"seed" json:"seed"`
	Started   time.Time `db:"-" json:"-"`
}

// StartRun records a new run and returns it with a fresh ID.
func (db *DB) StartRun(drones, targets int, strategy, contour string, seed int64) (*Run, error) {
	now := time.Now()
	r := &Run{
		ID:        uuid.NewString(),
		StartedAt: now.Unix(),
		Drones:    drones,
		Targets:   targets,
		Strategy:  strategy,
		Contour:   contour,
		Seed:      seed,
		Started:   now,
	}
	_, err := db.conn.NamedExec(
		`INSERT INTO runs (id, started_at, drones, targets, strategy, contour, seed)
		 VALUES (:id, :started_at, :drones, :targets, :strategy, :contour, :seed)`,
		r,
	)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	slog.Info("run started", "run", r.ID, "drones", drones, "targets", targets, "contour", contour)
	return r, nil
}

// RecentRuns returns the most recent N runs, newest first.
func (db *DB) RecentRuns(limit int) ([]Run, error) {
	var runs []Run
	err := db.conn.Select(&runs,
		"SELECT id, started_at, drones, targets, strategy, contour, seed FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	for i := range runs {
		runs[i].Started = time.Unix(runs[i].StartedAt, 0)
	}
	return runs, nil
}

// Sample is one point of a run's convergence history. AvgError is nil while
// the swarm has no targets.
type Sample struct {
	Tick      uint64   `json:"tick"`
	AvgError  *float64 `json:"avg_error"`
	Converged bool     `json:"converged"`
	Held      int      `json:"held"`
}

type sampleRow struct {
	Tick      int64           `db:"tick"`
	AvgError  sql.NullFloat64 `db:"avg_error"`
	Converged bool            `db:"converged"`
	Held      int             `db:"held"`
}

// SaveSamples appends convergence samples for a run.
func (db *DB) SaveSamples(runID string, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Preparex(
		"INSERT INTO samples (run_id, tick, avg_error, converged, held) VALUES (?, ?, ?, ?, ?)",
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range samples {
		var avg sql.NullFloat64
		if s.AvgError != nil && !math.IsInf(*s.AvgError, 0) && !math.IsNaN(*s.AvgError) {
			avg = sql.NullFloat64{Float64: *s.AvgError, Valid: true}
		}
		if _, err := stmt.Exec(runID, int64(s.Tick), avg, s.Converged, s.Held); err != nil {
			return fmt.Errorf("save sample at tick %d: %w", s.Tick, err)
		}
	}

	return tx.Commit()
}

// RecentSamples returns up to limit of a run's latest samples in tick order.
func (db *DB) RecentSamples(runID string, limit int) ([]Sample, error) {
	var rows []sampleRow
	err := db.conn.Select(&rows,
		`SELECT tick, avg_error, converged, held FROM (
			SELECT id, tick, avg_error, converged, held FROM samples
			WHERE run_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent samples: %w", err)
	}

	out := make([]Sample, 0, len(rows))
	for _, r := range rows {
		s := Sample{Tick: uint64(r.Tick), Converged: r.Converged, Held: r.Held}
		if r.AvgError.Valid {
			v := r.AvgError.Float64
			s.AvgError = &v
		}
		out = append(out, s)
	}
	return out, nil
}

// SaveMeta stores a key-value pair.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO swarm_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM swarm_meta WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("meta %q: %w", key, ErrNotFound)
	}
	return value, err
}

// metaNextDroneID holds the first drone ID the next process may issue.
const metaNextDroneID = "next_drone_id"

// NextDroneID returns the stored next drone ID, or 0 when none is stored.
func (db *DB) NextDroneID() (uint64, error) {
	v, err := db.GetMeta(metaNextDroneID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", metaNextDroneID, v, err)
	}
	return id, nil
}

// SaveNextDroneID records the next drone ID so IDs are not reused after a restart.
func (db *DB) SaveNextDroneID(id uint64) error {
	return db.SaveMeta(metaNextDroneID, strconv.FormatUint(id, 10))
}
