package ghstate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/papapumpkin/slaps/internal/gh"
	"github.com/papapumpkin/slaps/internal/llm"
	"github.com/papapumpkin/slaps/internal/queue"
)

type fakeLLM struct {
	mu      sync.Mutex
	prompts []string
	results []llm.Result
}

func (f *fakeLLM) Invoke(ctx context.Context, prompt string, timeout time.Duration) llm.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if len(f.results) == 0 {
		return llm.Result{ExitCode: 0, Stdout: "done"}
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r
}

func newTestWorker(t *testing.T, port *fakePort, inv *fakeLLM) *Worker {
	t.Helper()
	paths := queue.Paths{Root: filepath.Join(t.TempDir(), ".slaps", "tasks")}
	return &Worker{
		ID:       2,
		GH:       port,
		Project:  port.project,
		Fields:   port.fields,
		Locks:    NewLocks(paths.LockDir(), DefaultLockTTL),
		Items:    NewItemsCache(filepath.Join(paths.CacheDir(), "project_items.json")),
		LLM:      inv,
		Events:   nil,
		Paths:    paths,
		Wave:     1,
		Progress: NewProgressGate(time.Minute),
		sleep:    func(time.Duration) {},
	}
}

func writeItems(t *testing.T, w *Worker, items []gh.Item) {
	t.Helper()
	if err := w.Items.Write(items); err != nil {
		t.Fatalf("prime items cache: %v", err)
	}
}

func TestClaimAndVerifyConfirmsViaCache(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	port.addItem(5, map[string]string{gh.FieldState: "claimed", gh.FieldWorker: "2", gh.FieldWave: "1"})
	w := newTestWorker(t, port, &fakeLLM{})
	writeItems(t, w, []gh.Item{
		{ID: "IT5", Issue: 5, Fields: map[string]string{gh.FieldState: "claimed", gh.FieldWorker: "2"}},
	})

	if !w.ClaimAndVerify(context.Background(), 5, time.Second) {
		t.Fatalf("claim not confirmed from cache")
	}
	active, _ := w.Locks.List()
	if len(active) != 1 || active[0].Issue != 5 {
		t.Errorf("lock not held after claim: %+v", active)
	}
}

func TestClaimAndVerifyLosesExistingLock(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	w := newTestWorker(t, port, &fakeLLM{})
	if _, err := w.Locks.Create(5, 9, 1200); err != nil {
		t.Fatal(err)
	}
	if w.ClaimAndVerify(context.Background(), 5, time.Second) {
		t.Errorf("claimed over another worker's lock")
	}
}

func TestClaimAndVerifyTimeoutReleasesLock(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	port.addItem(5, map[string]string{gh.FieldState: "open", gh.FieldWave: "1"})
	w := newTestWorker(t, port, &fakeLLM{})
	writeItems(t, w, []gh.Item{
		{ID: "IT5", Issue: 5, Fields: map[string]string{gh.FieldState: "open"}},
	})

	if w.ClaimAndVerify(context.Background(), 5, 20*time.Millisecond) {
		t.Fatalf("claim verified without board confirmation")
	}
	active, _ := w.Locks.List()
	if len(active) != 0 {
		t.Errorf("lock survived claim timeout: %+v", active)
	}
}

func TestOpenIssuesFallsBackToAPI(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	port.addItem(3, map[string]string{gh.FieldState: "open", gh.FieldWave: "1"})
	port.addItem(4, map[string]string{gh.FieldState: "open", gh.FieldWave: "2"})
	w := newTestWorker(t, port, &fakeLLM{})

	got := w.OpenIssues(context.Background())
	if len(got) != 1 || got[0] != 3 {
		t.Errorf("OpenIssues = %v, want [3]", got)
	}
}

func TestExtractAC(t *testing.T) {
	t.Parallel()

	body := "Intro\n\n## Acceptance Criteria\n- one\n- two\n\n## Notes\nskip"
	got := extractAC(body)
	if !strings.HasPrefix(got, "## Acceptance Criteria") || !strings.Contains(got, "- two") {
		t.Errorf("extractAC = %q", got)
	}
	if strings.Contains(got, "skip") {
		t.Errorf("section ran past the next heading: %q", got)
	}
	if extractAC("no section here") != "" {
		t.Errorf("extractAC invented a section")
	}
}

func TestComposePromptPrefersPlanBlock(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	port.issueJSON[5] = `{"number":5,"title":"T","body":"B"}`
	port.issueComments[5] = []gh.Comment{
		{CreatedAt: "2026-01-01T00:00:00Z", Body: "## TASKS Old\n```text\nOLD PROMPT\n```"},
		{CreatedAt: "2026-02-01T00:00:00Z", Body: "## TASKS New Approach\n\nplan\n\n```text\nDO THIS INSTEAD\n```"},
	}
	w := newTestWorker(t, port, &fakeLLM{})

	got := w.composePrompt(context.Background(), 5)
	if got != "DO THIS INSTEAD" {
		t.Errorf("composePrompt = %q, want remediation prompt block", got)
	}
}

func TestComposePromptFallsBackToBody(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	port.issueJSON[5] = `{"number":5,"title":"Add parser","body":"Parse it.\n\n## Acceptance Criteria\n- parses"}`
	w := newTestWorker(t, port, &fakeLLM{})

	got := w.composePrompt(context.Background(), 5)
	if !strings.Contains(got, "Task: Add parser") || !strings.Contains(got, "- parses") {
		t.Errorf("composePrompt = %q", got)
	}
	if !strings.Contains(got, "DO NOT perform git operations") {
		t.Errorf("prompt missing git guardrail: %q", got)
	}
}

func TestWorkIssueSuccessClosesAndComments(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	port.addItem(5, map[string]string{gh.FieldState: "claimed", gh.FieldWorker: "2", gh.FieldWave: "1", gh.FieldAttempt: "1"})
	port.issueJSON[5] = `{"number":5,"title":"T","body":"B"}`
	inv := &fakeLLM{results: []llm.Result{{ExitCode: 0, Stdout: "ok"}}}
	w := newTestWorker(t, port, inv)
	writeItems(t, w, []gh.Item{
		{ID: "IT5", Issue: 5, Fields: map[string]string{gh.FieldState: "claimed", gh.FieldAttempt: "1"}},
	})
	if _, err := w.Locks.Create(5, 2, 1200); err != nil {
		t.Fatal(err)
	}

	w.WorkIssue(context.Background(), 5)

	if fields := port.itemFields(5); fields[gh.FieldState] != "closed" {
		t.Errorf("state = %v, want closed", fields)
	}
	if labels := port.labels[5]; len(labels) != 1 || labels[0] != LabelDidIt {
		t.Errorf("labels = %v", labels)
	}
	var sawWIP, sawDone bool
	for _, c := range port.comments[5] {
		if strings.Contains(c, "Worker WIP") {
			sawWIP = true
		}
		if strings.Contains(c, "Worker Did It") {
			sawDone = true
		}
	}
	if !sawWIP || !sawDone {
		t.Errorf("comments = %v", port.comments[5])
	}
	if active, _ := w.Locks.List(); len(active) != 0 {
		t.Errorf("lock not released on success: %+v", active)
	}
	out, err := os.ReadFile(filepath.Join(w.Paths.WorkersDir(), "002", "5-llm.stdout.txt"))
	if err != nil || string(out) != "ok" {
		t.Errorf("stdout archive = %q, %v", out, err)
	}
}

func TestWorkIssueFailureReopensWithPlan(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	port.addItem(5, map[string]string{gh.FieldState: "claimed", gh.FieldWorker: "2", gh.FieldWave: "1", gh.FieldAttempt: "1"})
	port.issueJSON[5] = `{"number":5,"title":"T","body":"B"}`
	inv := &fakeLLM{results: []llm.Result{
		{ExitCode: 1, Stdout: "partial", Stderr: "boom"},
		{ExitCode: 0, Stdout: "## TASKS New Approach\n\nfix it\n\n```text\nretry prompt\n```"},
	}}
	w := newTestWorker(t, port, inv)
	writeItems(t, w, []gh.Item{
		{ID: "IT5", Issue: 5, Fields: map[string]string{gh.FieldState: "claimed", gh.FieldAttempt: "1"}},
	})

	w.WorkIssue(context.Background(), 5)

	fields := port.itemFields(5)
	if fields[gh.FieldState] != "open" || fields[gh.FieldAttempt] != "2" {
		t.Errorf("fields = %v, want reopened at attempt 2", fields)
	}
	var sawFailed, sawPlan bool
	for _, c := range port.comments[5] {
		if strings.Contains(c, "Attempt FAILED") && strings.Contains(c, "boom") {
			sawFailed = true
		}
		if strings.HasPrefix(c, "## TASKS New Approach") {
			sawPlan = true
		}
	}
	if !sawFailed || !sawPlan {
		t.Errorf("comments = %v", port.comments[5])
	}
	if len(inv.prompts) != 2 || !strings.Contains(inv.prompts[1], "remediation plan") {
		t.Errorf("remediation prompt not issued: %v", len(inv.prompts))
	}
}

func TestWorkIssueDeadAtAttemptBudget(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	port.addItem(5, map[string]string{gh.FieldState: "claimed", gh.FieldWorker: "2", gh.FieldWave: "1", gh.FieldAttempt: "3"})
	port.issueJSON[5] = `{"number":5,"title":"T","body":"B"}`
	inv := &fakeLLM{results: []llm.Result{{ExitCode: 1, Stderr: "boom"}}}
	w := newTestWorker(t, port, inv)
	writeItems(t, w, []gh.Item{
		{ID: "IT5", Issue: 5, Fields: map[string]string{gh.FieldState: "claimed", gh.FieldAttempt: "3"}},
	})

	w.WorkIssue(context.Background(), 5)

	if fields := port.itemFields(5); fields[gh.FieldState] != "dead" {
		t.Errorf("state = %v, want dead", fields)
	}
	if labels := port.labels[5]; len(labels) != 1 || labels[0] != LabelFailed {
		t.Errorf("labels = %v", labels)
	}
	var sawDead bool
	for _, c := range port.comments[5] {
		if strings.Contains(c, "marked as: dead") {
			sawDead = true
		}
	}
	if !sawDead {
		t.Errorf("no dead-letter comment: %v", port.comments[5])
	}
	// No remediation attempt after the budget is spent.
	if len(inv.prompts) != 1 {
		t.Errorf("prompts = %d, want 1", len(inv.prompts))
	}
}

func TestComposeProgress(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	w := newTestWorker(t, port, &fakeLLM{})
	writeItems(t, w, []gh.Item{
		{ID: "IT1", Issue: 1, Fields: map[string]string{gh.FieldState: "closed", gh.FieldWave: "1"}},
		{ID: "IT2", Issue: 2, Fields: map[string]string{gh.FieldState: "claimed", gh.FieldWave: "1"}},
		{ID: "IT3", Issue: 3, Fields: map[string]string{gh.FieldState: "open", gh.FieldWave: "1"}},
		{ID: "IT4", Issue: 4, Fields: map[string]string{gh.FieldState: "open", gh.FieldWave: "2"}},
	})

	md := w.ComposeProgress()
	if !strings.Contains(md, "## SLAPS Progress Update") {
		t.Errorf("missing heading:\n%s", md)
	}
	if !strings.Contains(md, "| **OPEN ISSUES:** | 1 (#3) |") {
		t.Errorf("open row wrong:\n%s", md)
	}
	if !strings.Contains(md, "| **CLOSED ISSUES:** | 1 (#1) |") {
		t.Errorf("closed row wrong:\n%s", md)
	}
	if !strings.Contains(md, "| **WAVE STATUS:** | pending |") {
		t.Errorf("status row wrong:\n%s", md)
	}
	if !strings.Contains(md, "✅ (#1)") || !strings.Contains(md, "⏳ (#2)") {
		t.Errorf("issue rows wrong:\n%s", md)
	}
	if strings.Contains(md, "#4") {
		t.Errorf("other wave leaked into progress:\n%s", md)
	}
}

func TestComposeProgressCompleteWave(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	w := newTestWorker(t, port, &fakeLLM{})
	writeItems(t, w, []gh.Item{
		{ID: "IT1", Issue: 1, Fields: map[string]string{gh.FieldState: "closed", gh.FieldWave: "1"}},
	})
	if md := w.ComposeProgress(); !strings.Contains(md, "| **WAVE STATUS:** | complete |") {
		t.Errorf("wave not complete:\n%s", md)
	}
}

func TestProgressGateThrottles(t *testing.T) {
	t.Parallel()

	g := NewProgressGate(time.Minute)
	if !g.ShouldPost(100) {
		t.Fatalf("first post denied")
	}
	if g.ShouldPost(100) {
		t.Errorf("second post inside cooldown allowed")
	}
	g.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if !g.ShouldPost(100) {
		t.Errorf("post after cooldown denied")
	}
	if g.ShouldPost(0) {
		t.Errorf("posted with no wave status issue")
	}
}
