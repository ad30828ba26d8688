package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Terminal outcomes recorded per file. The journal is advisory history for
// operators; the posted/ and rejected/ folder layout remains the only state
// delivery decisions are based on.
const (
	StatusPosted   = "POSTED"
	StatusRejected = "REJECTED"
	StatusDeferred = "DEFERRED"
)

// Record is one delivery outcome row.
type Record struct {
	Path     string
	Status   string
	Detail   string
	Size     int64
	ModTime  int64
	Attempts int
	At       time.Time
}

// Journal is a sqlite-backed delivery history.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the history database at the given path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database at %s: %w", path, err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS delivery_log (
		file_path TEXT PRIMARY KEY,
		status TEXT,
		detail TEXT,
		file_size INTEGER,
		mod_time INTEGER,
		attempts INTEGER DEFAULT 0,
		recorded_at DATETIME
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Put upserts the outcome for a file. A re-detected file overwrites its old
// row: the journal reflects the latest run.
func (j *Journal) Put(r Record) error {
	if j == nil || j.db == nil {
		return nil
	}
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.Exec(`
		INSERT INTO delivery_log (file_path, status, detail, file_size, mod_time, attempts, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			status = excluded.status,
			detail = excluded.detail,
			file_size = excluded.file_size,
			mod_time = excluded.mod_time,
			attempts = excluded.attempts,
			recorded_at = excluded.recorded_at
	`, r.Path, r.Status, r.Detail, r.Size, r.ModTime, r.Attempts, at)
	if err != nil {
		return fmt.Errorf("record delivery outcome: %w", err)
	}
	return nil
}

// Get returns the recorded outcome for a path, if any.
func (j *Journal) Get(path string) (Record, bool, error) {
	if j == nil || j.db == nil {
		return Record{}, false, nil
	}
	row := j.db.QueryRow(
		"SELECT status, detail, file_size, mod_time, attempts, recorded_at FROM delivery_log WHERE file_path = ?", path)
	r := Record{Path: path}
	if err := row.Scan(&r.Status, &r.Detail, &r.Size, &r.ModTime, &r.Attempts, &r.At); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("read delivery record: %w", err)
	}
	return r, true, nil
}

// Reset deletes one path's history, or everything when path is empty.
func (j *Journal) Reset(path string) error {
	if j == nil || j.db == nil {
		return nil
	}
	var err error
	if path != "" {
		_, err = j.db.Exec("DELETE FROM delivery_log WHERE file_path = ?", path)
	} else {
		_, err = j.db.Exec("DELETE FROM delivery_log")
	}
	if err != nil {
		return fmt.Errorf("reset history: %w", err)
	}
	return nil
}

// DefaultPath resolves the OS-conventional history location used when the
// config does not set history_db.
func DefaultPath() string {
	if os.Getenv("OS") == "Windows_NT" {
		return filepath.Join(os.Getenv("ProgramData"), "CleverData", "RelayAgent", "history.db")
	}
	return "/var/lib/relay-agent/history.db"
}
