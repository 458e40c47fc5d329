package sources

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quernlabs/quern/internal/model"
)

// CrashSpool is the optional persistent store of parsed crash reports.
// Everything else in Quern is in-memory; crash reports are the one thing
// worth keeping across restarts, since the app under test may crash while
// nobody is attached.
type CrashSpool struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenCrashSpool opens (and if needed initializes) the spool database.
func OpenCrashSpool(path string) (*CrashSpool, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening crash spool: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS crashes (
	id TEXT PRIMARY KEY,
	ts TEXT NOT NULL,
	process TEXT NOT NULL,
	bundle_id TEXT,
	exception_type TEXT,
	signal TEXT,
	report JSON NOT NULL
);
CREATE INDEX IF NOT EXISTS crashes_ts ON crashes (ts DESC);`
	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing crash spool: %w", err)
	}
	return &CrashSpool{db: db}, nil
}

// Insert persists one report.
func (s *CrashSpool) Insert(r *model.CrashReport) error {
	var blob, err = json.Marshal(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO crashes (id, ts, process, bundle_id, exception_type, signal, report)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		r.Process, r.BundleID, r.ExceptionType, r.Signal, string(blob))
	return err
}

// Recent returns up to |limit| reports, newest first.
func (s *CrashSpool) Recent(limit int) ([]*model.CrashReport, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT report FROM crashes ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.CrashReport
	for rows.Next() {
		var blob string
		if err = rows.Scan(&blob); err != nil {
			return nil, err
		}
		var r model.CrashReport
		if err = json.Unmarshal([]byte(blob), &r); err != nil {
			continue
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *CrashSpool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
