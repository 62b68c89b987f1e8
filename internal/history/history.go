// Package history records per-attempt outcomes in a local SQLite database.
// The store survives across waves and runs, feeding the estimator with
// observed durations when no cached estimate exists.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// schema contains the DDL executed on first open. Using IF NOT EXISTS makes
// it safe to run on every startup.
const schema = `
CREATE TABLE IF NOT EXISTS attempts (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    issue        INTEGER NOT NULL,
    wave         INTEGER NOT NULL DEFAULT 0,
    attempt      INTEGER NOT NULL,
    worker       INTEGER NOT NULL DEFAULT 0,
    outcome      TEXT NOT NULL,
    exit_code    INTEGER NOT NULL DEFAULT 0,
    duration_sec INTEGER NOT NULL DEFAULT 0,
    recorded_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_attempts_issue ON attempts(issue);
`

// Outcome values recorded per attempt.
const (
	OutcomeClosed = "closed"
	OutcomeFailed = "failed"
	OutcomeDead   = "dead"
)

// Attempt is one recorded LLM execution.
type Attempt struct {
	Issue       int
	Wave        int
	Attempt     int
	Worker      int
	Outcome     string
	ExitCode    int
	DurationSec int
}

// Store is the attempt-history database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at dbPath, enables WAL mode
// and busy timeout, and creates the schema if it does not exist.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	// Limit to one connection. SQLite only supports a single writer; using
	// one connection avoids SQLITE_BUSY contention between pooled connections
	// that each need their own PRAGMA setup. WAL mode still benefits external
	// readers and provides crash-safe writes.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Record inserts one attempt outcome.
func (s *Store) Record(ctx context.Context, a Attempt) error {
	const q = `
		INSERT INTO attempts (issue, wave, attempt, worker, outcome, exit_code, duration_sec)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q,
		a.Issue, a.Wave, a.Attempt, a.Worker, a.Outcome, a.ExitCode, a.DurationSec); err != nil {
		return fmt.Errorf("history: record attempt issue=%d: %w", a.Issue, err)
	}
	return nil
}

// MedianDuration returns the median duration of successful attempts across
// all issues, or 0 when no history exists.
func (s *Store) MedianDuration(ctx context.Context) (time.Duration, error) {
	const q = `SELECT duration_sec FROM attempts WHERE outcome = ? AND duration_sec > 0`
	rows, err := s.db.QueryContext(ctx, q, OutcomeClosed)
	if err != nil {
		return 0, fmt.Errorf("history: query durations: %w", err)
	}
	defer rows.Close()

	var durs []int
	for rows.Next() {
		var d int
		if err := rows.Scan(&d); err != nil {
			return 0, fmt.Errorf("history: scan duration: %w", err)
		}
		durs = append(durs, d)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("history: iterate durations: %w", err)
	}
	if len(durs) == 0 {
		return 0, nil
	}
	sort.Ints(durs)
	return time.Duration(durs[len(durs)/2]) * time.Second, nil
}

// IssueAttempts returns the recorded attempts for one issue, oldest first.
func (s *Store) IssueAttempts(ctx context.Context, issue int) ([]Attempt, error) {
	const q = `
		SELECT issue, wave, attempt, worker, outcome, exit_code, duration_sec
		FROM attempts WHERE issue = ? ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, issue)
	if err != nil {
		return nil, fmt.Errorf("history: query issue %d: %w", issue, err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.Issue, &a.Wave, &a.Attempt, &a.Worker, &a.Outcome, &a.ExitCode, &a.DurationSec); err != nil {
			return nil, fmt.Errorf("history: scan attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate attempts: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("history: close: %w", err)
	}
	return nil
}
