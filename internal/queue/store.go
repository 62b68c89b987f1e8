package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/papapumpkin/slaps/internal/task"
)

// ErrInvalidTransition is returned when a requested move is not an edge of
// the task state machine. The store never mutates on an invalid edge.
var ErrInvalidTransition = errors.New("queue: invalid state transition")

// ErrCrossDevice is returned at startup when the state directories span
// filesystem devices, which would break rename atomicity.
var ErrCrossDevice = errors.New("queue: state directories span filesystem devices")

// Store is the filesystem queue backend. All mutation goes through atomic
// renames; success of the rename is the lock.
type Store struct {
	Paths Paths
}

// Open ensures the state and admin directories exist and refuses to start
// when they do not share a single filesystem device.
func Open(p Paths) (*Store, error) {
	dirs := []string{
		p.StateDir(task.StateOpen),
		p.StateDir(task.StateBlocked),
		p.StateDir(task.StateClaimed),
		p.StateDir(task.StateClosed),
		p.StateDir(task.StateFailure),
		p.StateDir(task.StateDead),
		p.RawDir(),
		p.AdminDir(),
		p.ClosedMarkersDir(),
		p.AttemptsDir(),
		p.EstimatesDir(),
		p.ReasonsDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("queue: mkdir %s: %w", d, err)
		}
	}
	stateDirs := dirs[:6]
	if err := checkSameDevice(stateDirs); err != nil {
		return nil, err
	}
	return &Store{Paths: p}, nil
}

// isTaskFile reports whether a directory entry is a task prompt. Only
// regular .txt files whose names carry digits participate in the queue;
// anything else is ignored by listing.
func isTaskFile(name string) bool {
	if !strings.HasSuffix(name, ".txt") {
		return false
	}
	_, ok := task.IssueNumber(name)
	return ok
}

// listDir returns the task filenames in dir sorted lexicographically.
// A missing directory lists as empty.
func listDir(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !isTaskFile(e.Name()) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

// List returns the task filenames in the given state, lexicographically
// sorted. For the claimed state it aggregates every worker slot.
func (s *Store) List(st task.State) []string {
	if st == task.StateClaimed {
		var out []string
		entries, err := os.ReadDir(s.Paths.StateDir(task.StateClaimed))
		if err != nil {
			return nil
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			out = append(out, listDir(filepath.Join(s.Paths.StateDir(task.StateClaimed), e.Name()))...)
		}
		sort.Strings(out)
		return out
	}
	return listDir(s.Paths.StateDir(st))
}

// ListWorker returns the task filenames in worker w's claim slot.
func (s *Store) ListWorker(worker int) []string {
	return listDir(s.Paths.ClaimedDir(worker))
}

// Count returns the number of tasks in the given state.
func (s *Store) Count(st task.State) int { return len(s.List(st)) }

// Issues returns the issue numbers present in the given state, sorted.
func (s *Store) Issues(st task.State) []int {
	var out []int
	for _, name := range s.List(st) {
		if n, ok := task.IssueNumber(name); ok {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

// MoveAtomic renames src to dst, creating dst's parent. Returns false when
// the source vanished (another mover won) or the rename failed.
func MoveAtomic(src, dst string) bool {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false
	}
	return os.Rename(src, dst) == nil
}

// pathFor locates the file for a filename in a state, using the worker slot
// for claimed.
func (s *Store) pathFor(st task.State, name string, worker int) string {
	if st == task.StateClaimed {
		return filepath.Join(s.Paths.ClaimedDir(worker), name)
	}
	return filepath.Join(s.Paths.StateDir(st), name)
}

// TransitionFile moves the named task file from one state to another.
// Invalid edges fail with ErrInvalidTransition without mutating. Returns
// (false, nil) when the file is already gone from the source but present at
// the destination (another process completed the same transition).
func (s *Store) TransitionFile(name string, from, to task.State, worker int) (bool, error) {
	if !task.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	src := s.pathFor(from, name, worker)
	dst := s.pathFor(to, name, worker)
	if MoveAtomic(src, dst) {
		return true, nil
	}
	if _, err := os.Stat(dst); err == nil {
		return false, nil // already transitioned
	}
	return false, fmt.Errorf("queue: move %s: %s -> %s failed", name, from, to)
}

// Transition moves issue's <N>.txt file between states. Part of the shared
// store contract with the server-fields backend.
func (s *Store) Transition(issue int, from, to task.State, worker int) (bool, error) {
	return s.TransitionFile(fmt.Sprintf("%d.txt", issue), from, to, worker)
}

// Claim attempts to move the named open task into worker w's slot. The
// rename's success is the lock: exactly one claimant wins.
func (s *Store) Claim(name string, worker int) bool {
	src := filepath.Join(s.Paths.StateDir(task.StateOpen), name)
	dst := filepath.Join(s.Paths.ClaimedDir(worker), name)
	return MoveAtomic(src, dst)
}

// attemptCount reads the shared attempts counter maintained by the ledger.
// Missing or malformed counters read as 0.
func (s *Store) attemptCount(issue int) int {
	data, err := os.ReadFile(filepath.Join(s.Paths.AttemptsDir(), fmt.Sprintf("%d.count", issue)))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Get scans the state directories for the issue and returns its snapshot.
// Attempt counts live in the ledger's counter files and worker assignment
// in the claim slot path, so both are resolved here for the shared contract.
func (s *Store) Get(issue int) (task.Task, bool) {
	name := fmt.Sprintf("%d.txt", issue)
	for _, st := range task.States {
		if st == task.StateClaimed {
			base := s.Paths.StateDir(task.StateClaimed)
			entries, err := os.ReadDir(base)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if !e.IsDir() {
					continue
				}
				if _, err := os.Stat(filepath.Join(base, e.Name(), name)); err == nil {
					w := 0
					if n, ok := task.IssueNumber(e.Name()); ok {
						w = n
					}
					return task.Task{
						Issue: issue, State: st, Wave: s.Paths.Wave,
						Attempt: s.attemptCount(issue), Worker: w,
					}, true
				}
			}
			continue
		}
		if _, err := os.Stat(filepath.Join(s.Paths.StateDir(st), name)); err == nil {
			return task.Task{
				Issue: issue, State: st, Wave: s.Paths.Wave,
				Attempt: s.attemptCount(issue),
			}, true
		}
	}
	return task.Task{}, false
}

// ReadTask reads a task file's body from a state directory.
func (s *Store) ReadTask(st task.State, name string, worker int) (string, error) {
	data, err := os.ReadFile(s.pathFor(st, name, worker))
	if err != nil {
		return "", fmt.Errorf("queue: read %s/%s: %w", st, name, err)
	}
	return string(data), nil
}

// WriteOpen writes a prompt into the open directory. Used by remediation
// and the follow-up sweep; never clobbers silently — callers check Exists.
func (s *Store) WriteOpen(name, body string) error {
	p := filepath.Join(s.Paths.StateDir(task.StateOpen), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		return fmt.Errorf("queue: write open/%s: %w", name, err)
	}
	return nil
}

// ExistsIn reports whether the named file is present in a state directory.
func (s *Store) ExistsIn(st task.State, name string, worker int) bool {
	_, err := os.Stat(s.pathFor(st, name, worker))
	return err == nil
}

// AppendText appends to a file with a single attempt, creating parents.
// Callers treat failures as transient (emitting a degraded event) — an
// append must never prevent the routing move that follows it.
func AppendText(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("queue: mkdir for append %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("queue: open append %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("queue: append %s: %w", path, err)
	}
	return nil
}

// WriteClosedMarker records the durable, idempotent closed marker for an
// issue. Marker presence is monotonic: once set it is never cleared by
// normal operation.
func (s *Store) WriteClosedMarker(issue int) error {
	p := s.Paths.ClosedMarker(issue)
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("queue: mkdir markers: %w", err)
	}
	if err := os.WriteFile(p, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("queue: write marker %d: %w", issue, err)
	}
	return nil
}

// ClosedMarkers returns the set of issues with a closed marker. Any file
// whose name begins with the issue's digits counts.
func (s *Store) ClosedMarkers() map[int]bool {
	entries, err := os.ReadDir(s.Paths.ClosedMarkersDir())
	if err != nil {
		return nil
	}
	out := make(map[int]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := task.IssueNumber(e.Name()); ok {
			out[n] = true
		}
	}
	return out
}
