// Package events provides the append-only JSONL event stream that every
// component emits structured records to. Each line carries an RFC 3339 UTC
// timestamp and an event name plus event-specific fields, making runs
// auditable and replayable.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event names emitted across the system.
const (
	Move              = "move"
	Retry             = "retry"
	Claimed           = "claimed"
	LockCreate        = "lock_create"
	ClaimTimeout      = "claim_timeout"
	Success           = "success"
	FailureReopen     = "failure_reopen"
	Dead              = "dead"
	UnlockOpen        = "unlock_open"
	DoctorPass        = "doctor_pass"
	DoctorFail        = "doctor_fail"
	Degraded          = "degraded"
	CacheStats        = "cache_stats"
	CacheStatsWarning = "cache_stats_warning"
	WaveStart         = "wave_start"
	WaveComplete      = "wave_complete"
	WatcherFinish     = "watcher_finish"
	DeadCount         = "dead_count"
	GuardianStart     = "guardian_start"
	GuardianFinish    = "guardian_finish"
	AllComplete       = "all_complete"
	InitItem          = "init_item"
	GHPreflight       = "gh_preflight"
	LeaderElected     = "leader_elected"
	LockReaped        = "lock_reaped"
)

// Fields carries the event-specific payload.
type Fields map[string]any

// Emitter appends JSONL events to a single file. It is safe for concurrent
// use; the append mutex is the only in-process lock held around I/O, and it
// is never held across calls into external systems. A nil *Emitter is a
// valid no-op emitter.
type Emitter struct {
	file *os.File
	mu   sync.Mutex
	now  func() time.Time
}

// Open creates an Emitter appending to the file at path, creating parent
// directories as needed.
func Open(path string) (*Emitter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("events: mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("events: open %s: %w", path, err)
	}
	return &Emitter{file: f, now: time.Now}, nil
}

// Emit writes one event line. Calling Emit on a nil Emitter is a no-op;
// encode or write failures are returned but callers generally treat them as
// transient and continue.
func (e *Emitter) Emit(event string, fields Fields) error {
	if e == nil {
		return nil
	}
	entry := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = e.now().UTC().Format(time.RFC3339Nano)
	entry["event"] = event
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", event, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("events: write %s: %w", event, err)
	}
	return nil
}

// Close closes the underlying file. Nil-safe.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.file.Close(); err != nil {
		return fmt.Errorf("events: close: %w", err)
	}
	return nil
}
