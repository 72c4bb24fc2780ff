// Package storage keeps a local SQLite history of captures and device events
// so operators can audit what ran on each device after the fact.
package storage

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Capture is one archived screenshot row.
type Capture struct {
	Device    string
	Section   string
	Path      string
	CreatedAt time.Time
}

// Event is one device lifecycle or step event row.
type Event struct {
	Device    string
	Kind      string
	Message   string
	CreatedAt time.Time
}

// History persists captures and events in a single SQLite file.
type History struct {
	db *sql.DB
}

// OpenHistory opens (and migrates) the history database at path.
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open history database")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &History{db: db}, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "execute sqlite pragma %s", stmt)
		}
	}
	db.SetMaxOpenConns(1)
	return nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS captures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device TEXT NOT NULL,
			section TEXT NOT NULL,
			path TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_captures_device ON captures(device, created_at);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device TEXT NOT NULL,
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_device ON events(device, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "ensure history schema")
		}
	}
	return nil
}

// RecordCapture stores one archived screenshot path.
func (h *History) RecordCapture(device, section, path string) error {
	if h == nil {
		return nil
	}
	_, err := h.db.Exec(
		`INSERT INTO captures (device, section, path) VALUES (?, ?, ?)`,
		device, section, path,
	)
	return errors.Wrap(err, "record capture")
}

// RecordEvent stores one device event.
func (h *History) RecordEvent(device, kind, message string) error {
	if h == nil {
		return nil
	}
	_, err := h.db.Exec(
		`INSERT INTO events (device, kind, message) VALUES (?, ?, ?)`,
		device, kind, message,
	)
	return errors.Wrap(err, "record event")
}

// LatestCaptures returns the newest capture rows for a device, most recent first.
func (h *History) LatestCaptures(device string, limit int) ([]Capture, error) {
	if h == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := h.db.Query(
		`SELECT device, section, path, created_at FROM captures WHERE device = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		device, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query latest captures")
	}
	defer rows.Close()
	var out []Capture
	for rows.Next() {
		var c Capture
		if err := rows.Scan(&c.Device, &c.Section, &c.Path, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan capture row")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}
