// Package history persists finished calls to SQLite.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/eduline/callkit/internal/call"
)

// Record is one finished call.
type Record struct {
	ID           string `json:"id"`
	Conversation string `json:"conversation"`
	Peer         string `json:"peer"`
	Direction    string `json:"direction"`
	CallType     string `json:"callType"`
	StartedAt    int64  `json:"startedAt"`   // unix millis
	ConnectedAt  int64  `json:"connectedAt"` // unix millis, 0 = never connected
	EndedAt      int64  `json:"endedAt"`     // unix millis
	Reason       string `json:"reason"`
	Error        string `json:"error,omitempty"`
}

// Store wraps the call-history SQLite database.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	keep int
}

// Open opens or creates the history database. keep caps the number of
// stored records; 0 means unlimited.
func Open(dbPath string, keep int) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for better concurrency between the writer and API reads.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id           TEXT PRIMARY KEY,
			conversation TEXT NOT NULL,
			peer         TEXT NOT NULL,
			direction    TEXT NOT NULL,
			call_type    TEXT NOT NULL,
			started_at   INTEGER NOT NULL,
			connected_at INTEGER DEFAULT 0,
			ended_at     INTEGER NOT NULL,
			reason       TEXT DEFAULT '',
			error        TEXT DEFAULT ''
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	if _, err := db.Exec(
		`CREATE INDEX IF NOT EXISTS idx_calls_ended ON calls (ended_at DESC)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls index: %w", err)
	}

	return &Store{db: db, keep: keep}, nil
}

// Insert stores a finished call and prunes old records past the cap.
func (s *Store) Insert(sum call.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO calls (id, conversation, peer, direction, call_type,
			started_at, connected_at, ended_at, reason, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.Conversation, sum.Peer, string(sum.Direction), string(sum.CallType),
		millis(sum.StartedAt), millis(sum.ConnectedAt), millis(sum.EndedAt),
		sum.Reason, sum.Error,
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}

	if s.keep > 0 {
		_, err = s.db.Exec(
			`DELETE FROM calls WHERE id NOT IN
				(SELECT id FROM calls ORDER BY ended_at DESC LIMIT ?)`,
			s.keep,
		)
		if err != nil {
			return fmt.Errorf("prune calls: %w", err)
		}
	}
	return nil
}

// List returns the most recent calls, newest first. limit <= 0 means all.
func (s *Store) List(limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT id, conversation, peer, direction, call_type,
			started_at, connected_at, ended_at, reason, error
		  FROM calls ORDER BY ended_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Conversation, &r.Peer, &r.Direction, &r.CallType,
			&r.StartedAt, &r.ConnectedAt, &r.EndedAt, &r.Reason, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListForConversation returns recent calls on one conversation, newest first.
func (s *Store) ListForConversation(conversation string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT id, conversation, peer, direction, call_type,
			started_at, connected_at, ended_at, reason, error
		  FROM calls WHERE conversation = ? ORDER BY ended_at DESC`
	args := []any{conversation}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Conversation, &r.Peer, &r.Direction, &r.CallType,
			&r.StartedAt, &r.ConnectedAt, &r.EndedAt, &r.Reason, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
