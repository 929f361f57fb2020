// Package energy samples household power on a timer, mines the samples
// for usage, peak, and waste patterns, and turns those patterns into
// suggestions.
package energy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/hearth/internal/faults"
)

// analysisKey names the single analysis record kept per scope.
const analysisKey = "latest_analysis"

// Snapshot is one immutable power reading.
type Snapshot struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	TotalPower      float64   `json:"total_power"`
	SolarProduction float64   `json:"solar_production"`
	GridConsumption float64   `json:"grid_consumption"`
	BatteryLevel    float64   `json:"battery_level"`
	ActiveDevices   []string  `json:"active_devices"`
	Hour            int       `json:"hour"`
	DayOfWeek       int       `json:"day_of_week"` // 0 = Sunday
}

// Store persists snapshots and the latest analysis per scope.
type Store struct {
	db *sql.DB
}

// NewStore creates an energy store using the given database
// connection. The schema is created automatically on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate energy schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS energy_snapshots (
		id               TEXT PRIMARY KEY,
		timestamp        TEXT NOT NULL,
		total_power      REAL NOT NULL,
		solar_production REAL NOT NULL,
		grid_consumption REAL NOT NULL,
		battery_level    REAL NOT NULL,
		active_devices   TEXT NOT NULL,
		hour             INTEGER NOT NULL,
		day_of_week      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_energy_snapshots_ts ON energy_snapshots(timestamp);

	CREATE TABLE IF NOT EXISTS energy_analysis (
		scope        TEXT NOT NULL,
		analysis_key TEXT NOT NULL,
		data         TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (scope, analysis_key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends snap, assigning its ID.
func (s *Store) Record(ctx context.Context, snap *Snapshot) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate snapshot ID: %w", err)
	}
	devices, err := json.Marshal(snap.ActiveDevices)
	if err != nil {
		return fmt.Errorf("marshal active devices: %w", err)
	}
	snap.ID = id.String()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO energy_snapshots (id, timestamp, total_power, solar_production,
		 grid_consumption, battery_level, active_devices, hour, day_of_week)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Timestamp.UTC().Format(time.RFC3339), snap.TotalPower, snap.SolarProduction,
		snap.GridConsumption, snap.BatteryLevel, string(devices), snap.Hour, snap.DayOfWeek,
	)
	return faults.Persistence("insert snapshot", err)
}

// Since returns snapshots taken at or after t, oldest first.
func (s *Store) Since(ctx context.Context, t time.Time) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, total_power, solar_production, grid_consumption,
		 battery_level, active_devices, hour, day_of_week
		 FROM energy_snapshots WHERE timestamp >= ? ORDER BY timestamp, id`,
		t.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, faults.Persistence("query snapshots", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap        Snapshot
			ts, devices string
		)
		if err := rows.Scan(&snap.ID, &ts, &snap.TotalPower, &snap.SolarProduction,
			&snap.GridConsumption, &snap.BatteryLevel, &devices, &snap.Hour, &snap.DayOfWeek); err != nil {
			return nil, faults.Persistence("scan snapshot", err)
		}
		snap.Timestamp, _ = time.Parse(time.RFC3339, ts)
		if err := json.Unmarshal([]byte(devices), &snap.ActiveDevices); err != nil {
			return nil, fmt.Errorf("decode active devices: %w", err)
		}
		out = append(out, snap)
	}
	return out, faults.Persistence("iterate snapshots", rows.Err())
}

// Latest returns the most recent snapshot, or nil when none exist.
func (s *Store) Latest(ctx context.Context) (*Snapshot, error) {
	var (
		snap        Snapshot
		ts, devices string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, timestamp, total_power, solar_production, grid_consumption,
		 battery_level, active_devices, hour, day_of_week
		 FROM energy_snapshots ORDER BY timestamp DESC, id DESC LIMIT 1`,
	).Scan(&snap.ID, &ts, &snap.TotalPower, &snap.SolarProduction,
		&snap.GridConsumption, &snap.BatteryLevel, &devices, &snap.Hour, &snap.DayOfWeek)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Persistence("latest snapshot", err)
	}
	snap.Timestamp, _ = time.Parse(time.RFC3339, ts)
	if err := json.Unmarshal([]byte(devices), &snap.ActiveDevices); err != nil {
		return nil, fmt.Errorf("decode active devices: %w", err)
	}
	return &snap, nil
}

// SaveAnalysis replaces the latest analysis for a.Scope.
func (s *Store) SaveAnalysis(ctx context.Context, a *Analysis) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO energy_analysis (scope, analysis_key, data, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (scope, analysis_key) DO UPDATE
		 SET data = excluded.data, updated_at = excluded.updated_at`,
		a.Scope, analysisKey, string(data), a.AnalyzedAt.UTC().Format(time.RFC3339),
	)
	return faults.Persistence("save analysis", err)
}

// LatestAnalysis returns the stored analysis for scope, or nil when
// no analysis has run yet.
func (s *Store) LatestAnalysis(ctx context.Context, scope string) (*Analysis, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM energy_analysis WHERE scope = ? AND analysis_key = ?`,
		scope, analysisKey,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Persistence("load analysis", err)
	}
	var a Analysis
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	return &a, nil
}
