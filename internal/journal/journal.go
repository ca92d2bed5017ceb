// Package journal persists completed transfers for post-run analysis:
// an SQLite store for aggregate queries and a JSON line trace for
// replaying a run event by event.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Record is one completed transfer as written to the journal.
type Record struct {
	Seq       int64     `json:"seq"`
	Slot      uint8     `json:"slot"`
	Endpoint  uint8     `json:"endpoint"`
	Type      string    `json:"type"`
	Direction string    `json:"direction"`
	Length    int       `json:"length"`
	Actual    int       `json:"actual"`
	Status    string    `json:"status"`
	Frames    int       `json:"frames,omitempty"`
	Completed time.Time `json:"completed"`
}

const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	slot      INTEGER NOT NULL,
	endpoint  INTEGER NOT NULL,
	type      TEXT NOT NULL,
	direction TEXT NOT NULL,
	length    INTEGER NOT NULL,
	actual    INTEGER NOT NULL,
	status    TEXT NOT NULL,
	frames    INTEGER NOT NULL DEFAULT 0,
	completed TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS transfers_status ON transfers(status);
`

// Store is an SQLite-backed transfer journal.
type Store struct {
	db  *sql.DB
	ins *sql.Stmt
}

// Open creates or opens the journal database at path. ":memory:" gives
// an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	ins, err := db.Prepare(`INSERT INTO transfers
		(slot, endpoint, type, direction, length, actual, status, frames, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal prepare: %w", err)
	}
	return &Store{db: db, ins: ins}, nil
}

// Append writes one record and returns its sequence number.
func (s *Store) Append(r Record) (int64, error) {
	if r.Completed.IsZero() {
		r.Completed = time.Now()
	}
	res, err := s.ins.Exec(r.Slot, r.Endpoint, r.Type, r.Direction,
		r.Length, r.Actual, r.Status, r.Frames, r.Completed)
	if err != nil {
		return 0, fmt.Errorf("journal append: %w", err)
	}
	return res.LastInsertId()
}

// Summary is the per-status breakdown of a run.
type Summary struct {
	Total    int64
	Bytes    int64
	ByStatus map[string]int64
}

// Summarize aggregates the journal.
func (s *Store) Summarize() (Summary, error) {
	sum := Summary{ByStatus: make(map[string]int64)}
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(actual), 0) FROM transfers`)
	if err := row.Scan(&sum.Total, &sum.Bytes); err != nil {
		return Summary{}, fmt.Errorf("journal summarize: %w", err)
	}
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM transfers GROUP BY status`)
	if err != nil {
		return Summary{}, fmt.Errorf("journal summarize: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return Summary{}, fmt.Errorf("journal summarize: %w", err)
		}
		sum.ByStatus[status] = n
	}
	return sum, rows.Err()
}

// Failed returns the records whose status is not success, newest first,
// capped at limit.
func (s *Store) Failed(limit int) ([]Record, error) {
	rows, err := s.db.Query(`SELECT seq, slot, endpoint, type, direction,
		length, actual, status, frames, completed
		FROM transfers WHERE status != 'success'
		ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal failed query: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Seq, &r.Slot, &r.Endpoint, &r.Type, &r.Direction,
			&r.Length, &r.Actual, &r.Status, &r.Frames, &r.Completed); err != nil {
			return nil, fmt.Errorf("journal failed scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close flushes and closes the store.
func (s *Store) Close() error {
	_ = s.ins.Close()
	return s.db.Close()
}
