// Package ghstate implements the server-fields backend: task state lives in
// single-select and number fields on a GitHub ProjectV2 board, claims are
// local exclusive lock files reflected into the board by a single leader,
// and workers read a leader-written cache instead of hammering the API.
package ghstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/papapumpkin/slaps/internal/task"
)

// DefaultLeaderTTL is how long a heartbeat stays fresh.
const DefaultLeaderTTL = 15 * time.Second

// DefaultLockTTL is the lease window before a stale claim lock is reaped.
const DefaultLockTTL = 1800 * time.Second

// heartbeat is the leader record. RunID distinguishes restarts of the same
// host and pid.
type heartbeat struct {
	PID   int     `json:"pid"`
	Host  string  `json:"host"`
	RunID string  `json:"run_id"`
	TS    float64 `json:"ts"`
}

// Lease is the leader election record for one queue root. Any process that
// reads a stale heartbeat may overwrite it to become leader; a fresh
// heartbeat from another run means stand down.
type Lease struct {
	Path  string
	TTL   time.Duration
	RunID string

	now func() time.Time
}

// NewLease builds a lease over the heartbeat file.
func NewLease(path string, ttl time.Duration) *Lease {
	return &Lease{Path: path, TTL: ttl, RunID: uuid.NewString(), now: time.Now}
}

func (l *Lease) write() error {
	host, _ := os.Hostname()
	hb := heartbeat{
		PID:   os.Getpid(),
		Host:  host,
		RunID: l.RunID,
		TS:    float64(l.now().UnixNano()) / float64(time.Second),
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("ghstate: marshal heartbeat: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return fmt.Errorf("ghstate: mkdir heartbeat dir: %w", err)
	}
	if err := os.WriteFile(l.Path, data, 0o644); err != nil {
		return fmt.Errorf("ghstate: write heartbeat: %w", err)
	}
	return nil
}

// IsLeader reports whether this run holds leadership, acquiring it when the
// existing heartbeat is ours, absent, stale, or unreadable. TTL <= 0
// disables election: everyone is leader.
func (l *Lease) IsLeader() bool {
	if l.TTL <= 0 {
		_ = l.write()
		return true
	}
	data, err := os.ReadFile(l.Path)
	if err == nil {
		var hb heartbeat
		if json.Unmarshal(data, &hb) == nil {
			if hb.RunID == l.RunID {
				return true
			}
			age := l.now().Sub(time.Unix(0, int64(hb.TS*float64(time.Second))))
			if age < l.TTL {
				return false
			}
		}
	}
	return l.write() == nil
}

// Heartbeat refreshes the leader record. Call at the end of each leader
// pass.
func (l *Lease) Heartbeat() {
	_ = l.write()
}

// Lock is one parsed claim lease file.
type Lock struct {
	Issue         int
	Worker        int
	PID           int
	StartedAt     time.Time
	EstTimeoutSec int
}

type lockPayload struct {
	WorkerID      int     `json:"worker_id"`
	PID           int     `json:"pid"`
	StartedAt     float64 `json:"started_at"`
	EstTimeoutSec int     `json:"est_timeout_sec"`
}

// Locks manages the local claim lease files (<issue>.lock.txt).
type Locks struct {
	Dir string
	TTL time.Duration

	now func() time.Time
}

// NewLocks builds a lock manager over dir.
func NewLocks(dir string, ttl time.Duration) *Locks {
	return &Locks{Dir: dir, TTL: ttl, now: time.Now}
}

func (lk *Locks) path(issue int) string {
	return filepath.Join(lk.Dir, fmt.Sprintf("%d.lock.txt", issue))
}

// Create atomically creates the lock for issue on behalf of worker.
// Returns false when another worker already holds it.
func (lk *Locks) Create(issue, worker, estTimeoutSec int) (bool, error) {
	if err := os.MkdirAll(lk.Dir, 0o755); err != nil {
		return false, fmt.Errorf("ghstate: mkdir locks: %w", err)
	}
	f, err := os.OpenFile(lk.path(issue), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("ghstate: create lock %d: %w", issue, err)
	}
	defer f.Close()
	payload := lockPayload{
		WorkerID:      worker,
		PID:           os.Getpid(),
		StartedAt:     float64(lk.now().UnixNano()) / float64(time.Second),
		EstTimeoutSec: estTimeoutSec,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("ghstate: marshal lock %d: %w", issue, err)
	}
	if _, err := f.Write(data); err != nil {
		return false, fmt.Errorf("ghstate: write lock %d: %w", issue, err)
	}
	return true, nil
}

// Remove deletes the lock for issue, if present.
func (lk *Locks) Remove(issue int) {
	_ = os.Remove(lk.path(issue))
}

// parseLock accepts either the JSON payload or the legacy single-integer
// worker id form.
func parseLock(issue int, data []byte) (Lock, bool) {
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, "{") {
		var p lockPayload
		if err := json.Unmarshal([]byte(text), &p); err != nil {
			return Lock{}, false
		}
		return Lock{
			Issue:         issue,
			Worker:        p.WorkerID,
			PID:           p.PID,
			StartedAt:     time.Unix(0, int64(p.StartedAt*float64(time.Second))),
			EstTimeoutSec: p.EstTimeoutSec,
		}, true
	}
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	wid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return Lock{}, false
	}
	return Lock{Issue: issue, Worker: wid}, true
}

// List returns the current parseable locks sorted by issue. Stale locks
// (older than TTL) are deleted, not returned; their issues come back in the
// second return so the caller can emit reap events. Malformed lock files
// are skipped.
func (lk *Locks) List() (active []Lock, reaped []int) {
	entries, err := os.ReadDir(lk.Dir)
	if err != nil {
		return nil, nil
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock.txt") {
			continue
		}
		issue, ok := task.IssueNumber(e.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(lk.Dir, e.Name()))
		if err != nil {
			continue
		}
		lock, ok := parseLock(issue, data)
		if !ok {
			continue
		}
		if !lock.StartedAt.IsZero() && lk.TTL > 0 && lk.now().Sub(lock.StartedAt) > lk.TTL {
			_ = os.Remove(filepath.Join(lk.Dir, e.Name()))
			reaped = append(reaped, issue)
			continue
		}
		active = append(active, lock)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Issue < active[j].Issue })
	sort.Ints(reaped)
	return active, reaped
}
