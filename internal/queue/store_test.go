package queue

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/papapumpkin/slaps/internal/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(NewPaths(filepath.Join(t.TempDir(), "tasks"), 0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func seedOpen(t *testing.T, s *Store, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := s.WriteOpen(name, "body of "+name); err != nil {
			t.Fatalf("WriteOpen %s: %v", name, err)
		}
	}
}

func TestListIsLexicographic(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedOpen(t, s, "2.txt", "10.txt", "100.txt")

	got := s.List(task.StateOpen)
	want := []string{"10.txt", "100.txt", "2.txt"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List order mismatch (-want +got):\n%s", diff)
	}
}

func TestListIgnoresNonTaskFiles(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedOpen(t, s, "7.txt")
	openDir := s.Paths.StateDir(task.StateOpen)
	for _, junk := range []string{"README.md", ".keep", "notes.txt", "8.json"} {
		if err := os.WriteFile(filepath.Join(openDir, junk), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", junk, err)
		}
	}
	if err := os.Mkdir(filepath.Join(openDir, "subdir"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	got := s.List(task.StateOpen)
	want := []string{"7.txt"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}
}

func TestTransitionValidEdges(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to task.State
		ok       bool
	}{
		{task.StateBlocked, task.StateOpen, true},
		{task.StateOpen, task.StateClaimed, true},
		{task.StateClaimed, task.StateClosed, true},
		{task.StateClaimed, task.StateFailure, true},
		{task.StateFailure, task.StateOpen, true},
		{task.StateFailure, task.StateDead, true},
		{task.StateOpen, task.StateClosed, false},
		{task.StateClosed, task.StateOpen, false},
		{task.StateDead, task.StateOpen, false},
		{task.StateBlocked, task.StateClaimed, false},
	}
	for _, tc := range cases {
		s := newTestStore(t)
		src := s.pathFor(tc.from, "5.txt", 1)
		if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(src, []byte("task five"), 0o644); err != nil {
			t.Fatalf("seed: %v", err)
		}

		moved, err := s.Transition(5, tc.from, tc.to, 1)
		if tc.ok {
			if err != nil || !moved {
				t.Errorf("%s -> %s: moved=%v err=%v, want success", tc.from, tc.to, moved, err)
			}
			if !s.ExistsIn(tc.to, "5.txt", 1) {
				t.Errorf("%s -> %s: file missing at destination", tc.from, tc.to)
			}
			continue
		}
		if err == nil {
			t.Errorf("%s -> %s: want error, got moved=%v", tc.from, tc.to, moved)
		}
		if !s.ExistsIn(tc.from, "5.txt", 1) {
			t.Errorf("%s -> %s: invalid edge mutated the source", tc.from, tc.to)
		}
	}
}

func TestTransitionAlreadyDone(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedOpen(t, s, "3.txt")
	if moved, err := s.Transition(3, task.StateOpen, task.StateClaimed, 2); err != nil || !moved {
		t.Fatalf("first transition: moved=%v err=%v", moved, err)
	}

	// Source is gone, destination present: report already-done, no error.
	moved, err := s.Transition(3, task.StateOpen, task.StateClaimed, 2)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if moved {
		t.Errorf("second transition reported moved")
	}
}

func TestClaimSingleWinner(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedOpen(t, s, "42.txt")

	const workers = 8
	wins := make([]bool, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			wins[w] = s.Claim("42.txt", w+1)
		}(w)
	}
	wg.Wait()

	winners := 0
	for _, won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("got %d winners, want exactly 1", winners)
	}
	if len(s.List(task.StateOpen)) != 0 {
		t.Errorf("open still holds the task after a claim")
	}
	if got := s.List(task.StateClaimed); len(got) != 1 || got[0] != "42.txt" {
		t.Errorf("claimed = %v, want [42.txt]", got)
	}
}

func TestGetFindsClaimedWorker(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedOpen(t, s, "9.txt")
	if !s.Claim("9.txt", 4) {
		t.Fatalf("claim failed")
	}

	tk, ok := s.Get(9)
	if !ok {
		t.Fatalf("Get(9) not found")
	}
	if tk.State != task.StateClaimed || tk.Worker != 4 {
		t.Errorf("got state=%s worker=%d, want claimed worker 4", tk.State, tk.Worker)
	}
}

func TestGetResolvesAttemptCount(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedOpen(t, s, "14.txt")
	if err := os.MkdirAll(s.Paths.AttemptsDir(), 0o755); err != nil {
		t.Fatalf("mkdir attempts: %v", err)
	}
	count := filepath.Join(s.Paths.AttemptsDir(), "14.count")
	if err := os.WriteFile(count, []byte("2"), 0o644); err != nil {
		t.Fatalf("seed count: %v", err)
	}

	tk, ok := s.Get(14)
	if !ok {
		t.Fatalf("Get(14) not found")
	}
	if tk.Attempt != 2 {
		t.Errorf("attempt = %d, want 2 from the counter file", tk.Attempt)
	}
}

func TestClosedMarkerIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if err := s.WriteClosedMarker(12); err != nil {
		t.Fatalf("first marker: %v", err)
	}
	if err := s.WriteClosedMarker(12); err != nil {
		t.Fatalf("second marker: %v", err)
	}
	markers := s.ClosedMarkers()
	if !markers[12] {
		t.Errorf("marker for 12 missing: %v", markers)
	}
}

func TestWaveScopedLayout(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "tasks")
	s1, err := Open(NewPaths(root, 1))
	if err != nil {
		t.Fatalf("Open wave 1: %v", err)
	}
	s2, err := Open(NewPaths(root, 2))
	if err != nil {
		t.Fatalf("Open wave 2: %v", err)
	}
	seedOpen(t, s1, "1.txt")
	seedOpen(t, s2, "2.txt")

	if got := s1.List(task.StateOpen); len(got) != 1 || got[0] != "1.txt" {
		t.Errorf("wave 1 open = %v, want [1.txt]", got)
	}
	if got := s2.List(task.StateOpen); len(got) != 1 || got[0] != "2.txt" {
		t.Errorf("wave 2 open = %v, want [2.txt]", got)
	}
	// Admin state is shared across waves.
	if s1.Paths.AdminDir() != s2.Paths.AdminDir() {
		t.Errorf("admin dirs differ across waves")
	}
}

func TestAppendText(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "failures", "reasons", "5.txt")
	if err := AppendText(path, "## Attempt number 1\n\nfirst\n"); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := AppendText(path, "## Attempt number 2\n\nsecond\n"); err != nil {
		t.Fatalf("second append: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "## Attempt number 1\n\nfirst\n## Attempt number 2\n\nsecond\n"
	if string(data) != want {
		t.Errorf("content = %q, want %q", data, want)
	}
}
