// Package history persists emitted alert events in SQLite so the control
// surface can answer "what happened" after the in-memory session window has
// rolled over or the session was replaced.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/guardcam/protection-server/internal/protect"
)

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT    NOT NULL,
	emitted_at   INTEGER NOT NULL,
	disturbances TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_emitted_at ON alerts(emitted_at);
`

// Record is one archived alert.
type Record struct {
	ID        int64              `json:"id"`
	SessionID string             `json:"session_id"`
	Event     protect.AlertEvent `json:"event"`
}

// Store is a SQLite-backed alert archive.
type Store struct {
	db      *sql.DB
	maxRows int
}

// Open opens (or creates) the archive at path. Use ":memory:" for an
// ephemeral store. maxRows bounds the archive size; 0 means unbounded.
func Open(path string, maxRows int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open alert archive: %w", err)
	}
	// The evaluation loop is the only writer; a single connection keeps
	// modernc's locking simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init alert archive schema: %w", err)
	}
	return &Store{db: db, maxRows: maxRows}, nil
}

// Append archives one alert event and prunes the oldest rows past the
// configured bound.
func (s *Store) Append(sessionID string, event protect.AlertEvent) error {
	payload, err := json.Marshal(event.Disturbances)
	if err != nil {
		return fmt.Errorf("marshal disturbances: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO alerts (session_id, emitted_at, disturbances) VALUES (?, ?, ?)`,
		sessionID, event.Timestamp.UnixNano(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}

	if s.maxRows > 0 {
		_, err = s.db.Exec(
			`DELETE FROM alerts WHERE id NOT IN (SELECT id FROM alerts ORDER BY id DESC LIMIT ?)`,
			s.maxRows,
		)
		if err != nil {
			return fmt.Errorf("prune alerts: %w", err)
		}
	}
	return nil
}

// Recent returns up to limit archived alerts, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, emitted_at, disturbances FROM alerts ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			emittedAt int64
			payload   string
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &emittedAt, &payload); err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		rec.Event.Timestamp = time.Unix(0, emittedAt)
		if err := json.Unmarshal([]byte(payload), &rec.Event.Disturbances); err != nil {
			return nil, fmt.Errorf("unmarshal disturbances for alert %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the number of archived alerts.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM alerts`).Scan(&n)
	return n, err
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
