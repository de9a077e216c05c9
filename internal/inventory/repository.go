package inventory

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Repository defines the interface for sensor inventory persistence.
type Repository interface {
	// RecordSighting inserts the sensor on first sight and refreshes
	// type and last_seen on every subsequent one. first_seen is never
	// overwritten.
	RecordSighting(ctx context.Context, id string, sensorType int, seenAt time.Time) error

	// Get returns a single sensor by ID.
	Get(ctx context.Context, id string) (*Sensor, error)

	// List returns all known sensors ordered by id.
	List(ctx context.Context) ([]Sensor, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed sensor inventory.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RecordSighting upserts a sensor sighting.
func (r *SQLiteRepository) RecordSighting(ctx context.Context, id string, sensorType int, seenAt time.Time) error {
	const query = `INSERT INTO sensors (id, type, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			last_seen = excluded.last_seen`
	ts := seenAt.UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, query, id, sensorType, ts, ts)
	if err != nil {
		return fmt.Errorf("recording sighting of sensor %s: %w", id, err)
	}
	return nil
}

// Get returns a single sensor by ID.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Sensor, error) {
	const query = `SELECT id, type, first_seen, last_seen FROM sensors WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)

	var s Sensor
	var firstSeen, lastSeen string
	err := row.Scan(&s.ID, &s.Type, &firstSeen, &lastSeen)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSensorNotFound
		}
		return nil, fmt.Errorf("scanning sensor: %w", err)
	}
	s.FirstSeen = parseTime(firstSeen)
	s.LastSeen = parseTime(lastSeen)
	return &s, nil
}

// List returns all known sensors ordered by id.
func (r *SQLiteRepository) List(ctx context.Context) ([]Sensor, error) {
	const query = `SELECT id, type, first_seen, last_seen FROM sensors ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying sensors: %w", err)
	}
	defer rows.Close()

	var sensors []Sensor
	for rows.Next() {
		var s Sensor
		var firstSeen, lastSeen string
		if err := rows.Scan(&s.ID, &s.Type, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning sensor row: %w", err)
		}
		s.FirstSeen = parseTime(firstSeen)
		s.LastSeen = parseTime(lastSeen)
		sensors = append(sensors, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sensor rows: %w", err)
	}
	return sensors, nil
}

// parseTime parses an ISO 8601 timestamp from SQLite.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
