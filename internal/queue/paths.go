// Package queue implements the filesystem queue store: each task state is a
// directory, a task is a file whose name encodes the issue number, and the
// sole mutation primitive is an atomic rename across directories on the same
// filesystem device.
package queue

import (
	"fmt"
	"path/filepath"

	"github.com/papapumpkin/slaps/internal/task"
)

// Paths resolves the on-disk layout. Queue state directories are wave-scoped
// (root/<wave>/open, ...) when Wave > 0; raw records, admin state, caches,
// and logs are always global under the root and its parent.
type Paths struct {
	Root string // e.g. .slaps/tasks
	Wave int
}

// NewPaths returns a Paths rooted at root for the given wave.
func NewPaths(root string, wave int) Paths {
	return Paths{Root: root, Wave: wave}
}

func (p Paths) waveBase() string {
	if p.Wave > 0 {
		return filepath.Join(p.Root, fmt.Sprintf("%d", p.Wave))
	}
	return p.Root
}

// dirNames maps states to directory names. The failure state routes to the
// failed/ directory; every other state directory shares the state's name.
var dirNames = map[task.State]string{
	task.StateBlocked: "blocked",
	task.StateOpen:    "open",
	task.StateClaimed: "claimed",
	task.StateClosed:  "closed",
	task.StateFailure: "failed",
	task.StateDead:    "dead",
}

// StateDir returns the directory holding tasks in the given state.
func (p Paths) StateDir(st task.State) string {
	return filepath.Join(p.waveBase(), dirNames[st])
}

// ClaimedDir returns worker w's single-slot claim directory.
func (p Paths) ClaimedDir(worker int) string {
	return filepath.Join(p.StateDir(task.StateClaimed), fmt.Sprintf("%d", worker))
}

// RawDir holds per-issue raw JSON records (issue-<N>.json), global.
func (p Paths) RawDir() string { return filepath.Join(p.Root, "raw") }

// RawIssue returns the raw record path for an issue.
func (p Paths) RawIssue(issue int) string {
	return filepath.Join(p.RawDir(), fmt.Sprintf("issue-%d.json", issue))
}

// AdminDir holds global bookkeeping (markers, edges, attempts, estimates).
func (p Paths) AdminDir() string { return filepath.Join(p.Root, "admin") }

// ClosedMarkersDir holds the idempotent closed markers (<N>.closed).
func (p Paths) ClosedMarkersDir() string { return filepath.Join(p.AdminDir(), "closed") }

// ClosedMarker returns the marker path for an issue.
func (p Paths) ClosedMarker(issue int) string {
	return filepath.Join(p.ClosedMarkersDir(), fmt.Sprintf("%d.closed", issue))
}

// EdgesCSV is the blocker→dependent edge list.
func (p Paths) EdgesCSV() string { return filepath.Join(p.AdminDir(), "edges.csv") }

// AttemptsDir holds per-issue attempt counter files (<N>.count).
func (p Paths) AttemptsDir() string { return filepath.Join(p.AdminDir(), "attempts") }

// EstimatesDir holds per-issue estimate records (<N>.json).
func (p Paths) EstimatesDir() string { return filepath.Join(p.AdminDir(), "estimates") }

// ReasonsDir holds human-readable failure-reason logs, sibling of the root.
func (p Paths) ReasonsDir() string {
	return filepath.Join(filepath.Dir(p.Root), "failures", "reasons")
}

// ReasonsFile returns the reasons log for an issue.
func (p Paths) ReasonsFile(issue int) string {
	return filepath.Join(p.ReasonsDir(), fmt.Sprintf("%d.txt", issue))
}

// LockDir holds claim lease files for the server-fields backend.
func (p Paths) LockDir() string { return filepath.Join(p.Root, "lock") }

// CacheDir holds the leader-written item and wave caches.
func (p Paths) CacheDir() string { return filepath.Join(filepath.Dir(p.Root), "cache") }

// EventsLog is the single JSONL event stream.
func (p Paths) EventsLog() string {
	return filepath.Join(filepath.Dir(p.Root), "logs", "events.jsonl")
}

// WorkersDir holds per-worker scratch state (follow-up logs, LLM streams).
func (p Paths) WorkersDir() string { return filepath.Join(filepath.Dir(p.Root), "workers") }

// LeaderHeartbeat is the single-writer heartbeat for the server backend.
func (p Paths) LeaderHeartbeat() string {
	return filepath.Join(p.AdminDir(), "gh_watcher_leader.json")
}
