// Package history persists classified output events per session so a
// reconnecting client can be brought up to date. Retention is bounded per
// session and enforced on insert.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/agentview/agentview/internal/model"
)

// Record is one persisted event with its storage metadata.
type Record struct {
	EventID   string            `json:"event_id"`
	SessionID string            `json:"session_id"`
	Event     model.OutputEvent `json:"event"`
	CreatedAt time.Time         `json:"created_at"`
}

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores one event and prunes the session's history down to
// retention entries, oldest first.
func (s *Store) Append(ctx context.Context, sessionID string, ev model.OutputEvent, retention int) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO events(event_id, session_id, kind, payload, created_at)
VALUES (?, ?, ?, ?, ?)
`, uuid.NewString(), sessionID, string(ev.Kind), string(payload), ts(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if retention > 0 {
		_, err = s.db.ExecContext(ctx, `
DELETE FROM events
WHERE session_id = ?
  AND id NOT IN (SELECT id FROM events WHERE session_id = ? ORDER BY id DESC LIMIT ?)
`, sessionID, sessionID, retention)
		if err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
	}
	return nil
}

// Recent returns up to limit most recent events for a session, oldest
// first, which is the order a replaying client should see them in.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, session_id, payload, created_at
FROM (SELECT id, event_id, session_id, payload, created_at FROM events WHERE session_id = ? ORDER BY id DESC LIMIT ?)
ORDER BY id ASC
`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var payload, createdAt string
		if err := rows.Scan(&rec.EventID, &rec.SessionID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Event); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", rec.EventID, err)
		}
		if rec.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, fmt.Errorf("parse event time %s: %w", rec.EventID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteSession drops a session's entire history, used when the session
// record is removed.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session events: %w", err)
	}
	return nil
}

// Count reports the stored events for a session.
func (s *Store) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
