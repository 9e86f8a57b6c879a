package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"vigil/internal/event"
)

// Archive mirrors journal events into SQLite so operators can query
// history with SQL instead of grepping JSONL files. The journal stays
// the source of truth; the archive is best-effort.
type Archive struct {
	db *sql.DB
}

// NewArchive opens (creating if needed) the archive database.
func NewArchive(dbPath string) (*Archive, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	// WAL mode for concurrent readers while the supervisor appends.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

func (a *Archive) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS presence_events (
			id TEXT PRIMARY KEY,
			ts REAL NOT NULL,
			type TEXT NOT NULL,
			outlet_id TEXT NOT NULL,
			camera_id TEXT NOT NULL,
			target_id TEXT,
			display_name TEXT,
			similarity REAL,
			details TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_presence_events_ts ON presence_events(ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_presence_events_camera_ts ON presence_events(camera_id, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_presence_events_target_ts ON presence_events(target_id, ts DESC)`,
	}

	for _, migration := range migrations {
		if _, err := a.db.Exec(migration); err != nil {
			return fmt.Errorf("archive migration failed: %w", err)
		}
	}
	return nil
}

// Save inserts one event and returns its archive record id.
func (a *Archive) Save(e event.Event) (string, error) {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("failed to marshal details: %w", err)
	}

	id := uuid.New().String()
	query := `INSERT INTO presence_events
		(id, ts, type, outlet_id, camera_id, target_id, display_name, similarity, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = a.db.Exec(query, id, e.TS, string(e.Type), e.OutletID, e.CameraID,
		e.TargetID, e.DisplayName, e.Similarity, string(detailsJSON))
	if err != nil {
		return "", fmt.Errorf("failed to save event: %w", err)
	}
	return id, nil
}

// ListFilter narrows List results. Zero values mean no constraint.
type ListFilter struct {
	CameraID string
	TargetID string
	Since    float64
	Limit    int
}

// List returns archived events newest first, with optional filtering.
func (a *Archive) List(filter ListFilter) ([]event.Event, error) {
	query := `SELECT ts, type, outlet_id, camera_id, target_id, display_name, similarity, details
		FROM presence_events WHERE 1=1`
	args := []interface{}{}

	if filter.CameraID != "" {
		query += " AND camera_id = ?"
		args = append(args, filter.CameraID)
	}
	if filter.TargetID != "" {
		query += " AND target_id = ?"
		args = append(args, filter.TargetID)
	}
	if filter.Since > 0 {
		query += " AND ts >= ?"
		args = append(args, filter.Since)
	}

	query += " ORDER BY ts DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var e event.Event
		var typ, detailsJSON string

		if err := rows.Scan(&e.TS, &typ, &e.OutletID, &e.CameraID,
			&e.TargetID, &e.DisplayName, &e.Similarity, &detailsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = event.Type(typ)
		if detailsJSON != "" {
			if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteOlderThan removes archived events older than the given time and
// returns the number removed.
func (a *Archive) DeleteOlderThan(before time.Time) (int64, error) {
	result, err := a.db.Exec("DELETE FROM presence_events WHERE ts < ?",
		float64(before.UnixNano())/1e9)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return result.RowsAffected()
}
