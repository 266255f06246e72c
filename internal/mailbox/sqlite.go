package mailbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists thread records as one JSON row per thread. It exists
// so a restarted process resumes with the same mailbox state the clients
// already saw.
type SQLiteStore struct {
	db *sqlx.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	path := strings.TrimSpace(dbPath)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// WAL keeps snapshot reads cheap while the worker pool writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS threads (
			id         TEXT PRIMARY KEY,
			version    INTEGER NOT NULL,
			record     TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create threads table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(rec ThreadRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlite store is nil")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal thread %s: %w", rec.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO threads (id, version, record, updated_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Version, string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save thread %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadAll() ([]ThreadRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlite store is nil")
	}
	var rows []string
	if err := s.db.Select(&rows, `SELECT record FROM threads ORDER BY id`); err != nil {
		return nil, fmt.Errorf("load threads: %w", err)
	}
	recs := make([]ThreadRecord, 0, len(rows))
	for _, raw := range rows {
		var rec ThreadRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode thread record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
