package ghstate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/papapumpkin/slaps/internal/estimate"
	"github.com/papapumpkin/slaps/internal/events"
	"github.com/papapumpkin/slaps/internal/gh"
	"github.com/papapumpkin/slaps/internal/llm"
	"github.com/papapumpkin/slaps/internal/queue"
	"github.com/papapumpkin/slaps/internal/task"
)

// claimEstTimeoutSec is recorded in new lock files so the reaper can judge
// staleness against the expected run length.
const claimEstTimeoutSec = 1200

// remediationTimeout bounds the plan-writing invocation after a failure.
const remediationTimeout = 120 * time.Second

// ProgressGate throttles progress comments per wave status issue, shared by
// every worker in the process.
type ProgressGate struct {
	Min time.Duration

	mu   sync.Mutex
	last map[int]time.Time
	now  func() time.Time
}

// NewProgressGate builds a gate with the given cooldown.
func NewProgressGate(min time.Duration) *ProgressGate {
	return &ProgressGate{Min: min, last: make(map[int]time.Time), now: time.Now}
}

// ShouldPost reports whether a progress comment may go to waveIssue now,
// consuming the window when it may.
func (g *ProgressGate) ShouldPost(waveIssue int) bool {
	if waveIssue == 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.last[waveIssue]; ok && g.now().Sub(t) < g.Min {
		return false
	}
	g.last[waveIssue] = g.now()
	return true
}

// Worker executes tasks against the board: it claims with a local lock
// file, verifies the claim through the leader-written cache, runs the LLM,
// and writes the outcome back as field edits, labels, and comments.
type Worker struct {
	ID        int
	GH        Port
	Project   gh.Project
	Fields    map[string]gh.Field
	Locks     *Locks
	Items     *ItemsCache
	LLM       llm.Invoker
	Est       *estimate.Estimator
	Events    *events.Emitter
	Paths     queue.Paths
	Wave      int
	WaveIssue int
	Progress  *ProgressGate

	sleep func(time.Duration)
}

// NewWorker wires a worker against the watcher's project and caches.
func NewWorker(id int, w *Watcher, inv llm.Invoker, est *estimate.Estimator, wave, waveIssue int, gate *ProgressGate) *Worker {
	return &Worker{
		ID:        id,
		GH:        w.GH,
		Project:   w.Project,
		Fields:    w.Fields,
		Locks:     w.Locks,
		Items:     w.Items,
		LLM:       inv,
		Est:       est,
		Events:    w.Events,
		Paths:     w.Paths,
		Wave:      wave,
		WaveIssue: waveIssue,
		Progress:  gate,
		sleep:     time.Sleep,
	}
}

// OpenIssues returns the wave's open issues from the shared cache, waiting
// briefly for the leader to write the first snapshot, then falling back to
// a direct item listing.
func (w *Worker) OpenIssues(ctx context.Context) []int {
	if out := w.Items.OpenIssues(w.Wave); out != nil {
		return out
	}
	for i := 0; i < 3; i++ {
		w.sleep(2 * time.Second)
		if out := w.Items.OpenIssues(w.Wave); out != nil {
			return out
		}
	}
	items, err := w.GH.ListItems(ctx, w.Project)
	if err != nil {
		return nil
	}
	var out []int
	for _, it := range items {
		if it.Fields[gh.FieldState] != string(task.StateOpen) {
			continue
		}
		if wv, err := strconv.Atoi(it.Fields[gh.FieldWave]); err != nil || wv != w.Wave {
			continue
		}
		out = append(out, it.Issue)
	}
	sort.Ints(out)
	return out
}

func (w *Worker) fieldsConfirmClaim(fields map[string]string) bool {
	if fields == nil {
		return false
	}
	return fields[gh.FieldState] == string(task.StateClaimed) &&
		fields[gh.FieldWorker] == strconv.Itoa(w.ID)
}

func (w *Worker) remoteFields(ctx context.Context, issue int) map[string]string {
	items, err := w.GH.ListItems(ctx, w.Project)
	if err != nil {
		return nil
	}
	for _, it := range items {
		if it.Issue == issue {
			return it.Fields
		}
	}
	return nil
}

// ClaimAndVerify takes the local lock for issue and waits for the leader to
// reflect the claim into board fields. The cache answers the confirmation
// poll; a single API read backstops it after several misses. On timeout the
// lock is released so another run can claim.
func (w *Worker) ClaimAndVerify(ctx context.Context, issue int, timeout time.Duration) bool {
	created, err := w.Locks.Create(issue, w.ID, claimEstTimeoutSec)
	if err != nil || !created {
		return false
	}
	w.Events.Emit(events.LockCreate, events.Fields{"task": issue, "worker": w.ID})

	if _, err := w.GH.EnsureIssueInProject(ctx, w.Project, issue); err != nil {
		w.Locks.Remove(issue)
		return false
	}
	deadline := time.Now().Add(timeout)
	misses := 0
	remoteChecked := false
	for time.Now().Before(deadline) {
		if fields, ok := w.Items.Fields(issue); ok && w.fieldsConfirmClaim(fields) {
			return true
		}
		misses++
		if !remoteChecked && misses >= 5 {
			if w.fieldsConfirmClaim(w.remoteFields(ctx, issue)) {
				return true
			}
			remoteChecked = true
		}
		select {
		case <-ctx.Done():
			w.Locks.Remove(issue)
			return false
		default:
		}
		w.sleep(2 * time.Second)
	}
	w.Locks.Remove(issue)
	w.Events.Emit(events.ClaimTimeout, events.Fields{"task": issue, "worker": w.ID})
	return false
}

// extractAC returns the "## Acceptance Criteria" section of a body, up to
// the next H2 heading.
func extractAC(body string) string {
	lines := strings.Split(body, "\n")
	start := -1
	for i, ln := range lines {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(ln)), "## acceptance criteria") {
			start = i
			break
		}
	}
	if start < 0 {
		return ""
	}
	out := []string{lines[start]}
	for _, ln := range lines[start+1:] {
		if strings.HasPrefix(strings.TrimSpace(ln), "## ") {
			break
		}
		out = append(out, ln)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

var fencedBlockRe = regexp.MustCompile("```[a-zA-Z]*\n([\\s\\S]*?)\n```")

// extractPromptBlock pulls the first fenced code block out of a comment.
func extractPromptBlock(text string) string {
	m := fencedBlockRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// latestTasksComment returns the newest comment starting with "## TASKS".
func (w *Worker) latestTasksComment(ctx context.Context, issue int) string {
	comments, err := w.GH.ListIssueComments(ctx, issue)
	if err != nil {
		return ""
	}
	var latest, latestTS string
	for _, c := range comments {
		if !strings.HasPrefix(strings.TrimSpace(c.Body), "## TASKS") {
			continue
		}
		if latest == "" || c.CreatedAt > latestTS {
			latest = c.Body
			latestTS = c.CreatedAt
		}
	}
	return latest
}

// composePrompt builds the execution prompt for issue: a prompt block from
// the latest remediation plan wins; otherwise the issue body plus its
// acceptance criteria.
func (w *Worker) composePrompt(ctx context.Context, issue int) string {
	title := fmt.Sprintf("Issue #%d", issue)
	body := ""
	if data, err := os.ReadFile(w.Paths.RawIssue(issue)); err == nil {
		if ri, err := task.ParseRawIssue(data); err == nil {
			if ri.Title != "" {
				title = ri.Title
			}
			body = ri.Body
		}
	}
	if body == "" {
		if data, err := w.GH.FetchIssue(ctx, issue); err == nil {
			if ri, err := task.ParseRawIssue(data); err == nil {
				if ri.Title != "" {
					title = ri.Title
				}
				body = ri.Body
			}
		}
	}
	ac := extractAC(body)
	if ac == "" {
		ac = "## Acceptance Criteria\n- Execute the task as described."
	}
	if plan := w.latestTasksComment(ctx, issue); plan != "" {
		if p := extractPromptBlock(plan); p != "" {
			return p
		}
	}
	return fmt.Sprintf(
		"You are an autonomous repo assistant. Follow all repository rules.\n\n"+
			"Task: %s\n\n"+
			"Details (from issue body):\n\n%s\n\n"+
			"%s\n\n"+
			"Important:\n- DO NOT perform git operations.\n- Write failing tests first, then implementation.\n- Do not run tests directly; rely on repository tooling.\n",
		title, body, ac)
}

func (w *Worker) commentWIP(ctx context.Context, issue, attempt int, prompt string) {
	md := fmt.Sprintf(
		"# SLAPS: Worker WIP\n\n"+
			"Worker %d has claimed this issue and is about to begin attempt number %d using the following LLM prompt:\n\n"+
			"## Prompt\n\n````text\n%s\n````\n\n"+
			"(NOTE: this message was automatically generated by a SLAPS worker swarm 🦾 beep-boop)\n",
		w.ID, attempt, prompt)
	_ = w.GH.AddComment(ctx, issue, md)
}

func (w *Worker) commentFailure(ctx context.Context, issue int, stdout, stderr, state string) {
	md := fmt.Sprintf(
		"## SLAPS Worker Attempt FAILED\n\n"+
			"🚨 Worker #%d failed to resolve this issue. The following are the `stdout` and `stderr` streams from the LLM that made the attempt.\n\n"+
			"<details>\n<summary>STDOUT</summary>\n\n```text\n%s\n```\n</details>\n\n"+
			"<details>\n<summary>STDERR</summary>\n\n```text\n%s\n```\n</details>\n\n"+
			"The issue is now marked as: %s\n\n"+
			"(NOTE: This message was automatically generated by a SLAPS worker swarm 🦾 beep-boop)\n",
		w.ID, stdout, stderr, state)
	_ = w.GH.AddComment(ctx, issue, md)
}

func (w *Worker) commentSuccess(ctx context.Context, issue int) {
	md := fmt.Sprintf(
		"## SLAPS Worker Did It\n\n"+
			"✌️ Worker #%d successfully resolved this issue.\n\n"+
			"(NOTE: This message was automatically generated by a SLAPS worker swarm 🦾 beep-boop)\n",
		w.ID)
	_ = w.GH.AddComment(ctx, issue, md)
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// remediationPrompt asks for a "## TASKS New Approach" plan comment with a
// fresh prompt block for the next attempt.
func remediationPrompt(issue int, prompt string, res llm.Result) string {
	return fmt.Sprintf(
		"You are a senior engineer triaging a failed automated attempt.\n"+
			"Read the following artifacts and write a concise remediation plan as a Markdown comment that starts with the heading '## TASKS New Approach'.\n"+
			"Include a table with: What Went Wrong, New Plan, Why This Should Work, Confidence Index (0-1).\n"+
			"Then include a 'Prompt' section with a fenced ```text block containing the exact prompt the next worker should run.\n\n"+
			"Issue #%d prior prompt:\n\n```text\n%s\n```\n\n"+
			"LLM STDOUT (truncated):\n\n```text\n%s\n```\n\n"+
			"LLM STDERR (truncated):\n\n```text\n%s\n```\n\n"+
			"Important constraints:\n- DO NOT perform git operations.\n- Plan must be specific and executable in this repository.\n- Keep the prompt self-contained.\n",
		issue, prompt, truncateText(res.Stdout, 4000), truncateText(res.Stderr, 4000))
}

// archiveLogs writes the attempt's streams under the worker's log dir.
func (w *Worker) archiveLogs(issue int, res llm.Result) {
	dir := filepath.Join(w.Paths.WorkersDir(), fmt.Sprintf("%03d", w.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d-llm.stdout.txt", issue)), []byte(res.Stdout), 0o644)
	_ = os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d-llm.stderr.txt", issue)), []byte(res.Stderr), 0o644)
}

// WorkIssue runs the claimed issue to an outcome: closed on success, dead
// when the attempt budget is spent, otherwise failure then reopen with a
// remediation plan and an incremented attempt.
func (w *Worker) WorkIssue(ctx context.Context, issue int) {
	itemID, err := w.GH.EnsureIssueInProject(ctx, w.Project, issue)
	if err != nil {
		w.Locks.Remove(issue)
		w.Events.Emit(events.Degraded, events.Fields{"task": issue, "op": "work_issue", "error": err.Error()})
		return
	}
	attempt := 1
	fields, ok := w.Items.Fields(issue)
	if !ok {
		fields = w.remoteFields(ctx, issue)
	}
	if n, err := strconv.Atoi(fields[gh.FieldAttempt]); err == nil && n > 0 {
		attempt = n
	}
	prompt := w.composePrompt(ctx, issue)
	w.commentWIP(ctx, issue, attempt, prompt)

	timeout := time.Duration(estimate.MinTimeoutSec) * time.Second
	if w.Est != nil {
		rec := w.Est.For(ctx, issue, attempt, prompt)
		timeout = time.Duration(rec.TimeoutSec) * time.Second
	}
	// Shutdown stops new claims but never kills work in flight.
	res := w.LLM.Invoke(context.WithoutCancel(ctx), prompt, timeout)
	w.archiveLogs(issue, res)

	stateField := w.Fields[gh.FieldState]
	if res.OK() {
		_ = w.GH.SetItemSingleSelect(ctx, w.Project, itemID, stateField, string(task.StateClosed))
		_ = w.GH.AddLabel(ctx, issue, LabelDidIt)
		w.commentSuccess(ctx, issue)
		w.Locks.Remove(issue)
		w.Events.Emit(events.Success, events.Fields{"task": issue, "worker": w.ID})
		w.maybePostProgress(ctx)
		return
	}

	if attempt >= task.MaxAttempts {
		_ = w.GH.SetItemSingleSelect(ctx, w.Project, itemID, stateField, string(task.StateDead))
		_ = w.GH.AddLabel(ctx, issue, LabelFailed)
		w.commentFailure(ctx, issue, res.Stdout, res.Stderr, string(task.StateDead))
		w.Locks.Remove(issue)
		w.Events.Emit(events.Dead, events.Fields{"task": issue, "worker": w.ID, "rc": res.ExitCode})
		w.maybePostProgress(ctx)
		return
	}

	_ = w.GH.SetItemSingleSelect(ctx, w.Project, itemID, stateField, string(task.StateFailure))
	w.commentFailure(ctx, issue, res.Stdout, res.Stderr, string(task.StateFailure))
	plan := w.LLM.Invoke(ctx, remediationPrompt(issue, prompt, res), remediationTimeout)
	if plan.OK() && strings.TrimSpace(plan.Stdout) != "" {
		_ = w.GH.AddComment(ctx, issue, plan.Stdout)
	}
	_ = w.GH.SetItemNumber(ctx, w.Project, itemID, w.Fields[gh.FieldAttempt], float64(attempt+1))
	_ = w.GH.SetItemSingleSelect(ctx, w.Project, itemID, stateField, string(task.StateOpen))
	w.Locks.Remove(issue)
	w.Events.Emit(events.FailureReopen, events.Fields{
		"task": issue, "worker": w.ID, "rc": res.ExitCode, "next_attempt": attempt + 1,
	})
	w.maybePostProgress(ctx)
}

// RunOnce claims and works one open issue. Returns false when nothing was
// available.
func (w *Worker) RunOnce(ctx context.Context) bool {
	for _, issue := range w.OpenIssues(ctx) {
		if !w.ClaimAndVerify(ctx, issue, 60*time.Second) {
			continue
		}
		w.WorkIssue(ctx, issue)
		return true
	}
	return false
}

func issueLinks(nums []int) string {
	if len(nums) == 0 {
		return "(none)"
	}
	sorted := append([]int(nil), nums...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, n := range sorted {
		parts[i] = fmt.Sprintf("#%d", n)
	}
	return strings.Join(parts, ", ")
}

// ComposeProgress renders the wave progress comment from the items cache.
func (w *Worker) ComposeProgress() string {
	byState := map[task.State][]int{}
	for _, it := range w.Items.Read() {
		wv, err := strconv.Atoi(it.Fields[gh.FieldWave])
		if err != nil || wv != w.Wave {
			continue
		}
		st := task.State(it.Fields[gh.FieldState])
		byState[st] = append(byState[st], it.Issue)
	}
	open := byState[task.StateOpen]
	blocked := byState[task.StateBlocked]
	closed := byState[task.StateClosed]
	failed := byState[task.StateFailure]
	dead := byState[task.StateDead]
	claimed := byState[task.StateClaimed]

	status := "pending"
	if len(dead) > 0 {
		status = "dead"
	} else if len(open) == 0 && len(blocked) == 0 && len(failed) == 0 && len(claimed) == 0 {
		status = "complete"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## SLAPS Progress Update\n\n")
	fmt.Fprintf(&b, "|  |  |\n|--|--|\n")
	fmt.Fprintf(&b, "| **OPEN ISSUES:** | %d (%s) |\n", len(open), issueLinks(open))
	fmt.Fprintf(&b, "| **CLOSED ISSUES:** | %d (%s) |\n", len(closed), issueLinks(closed))
	fmt.Fprintf(&b, "| **BLOCKED ISSUES:** | %d (%s) |\n", len(blocked), issueLinks(blocked))
	fmt.Fprintf(&b, "| **WAVE STATUS:** | %s |\n\n", status)
	fmt.Fprintf(&b, "### Issues\n\n")
	var rows []string
	appendRows := func(icon string, nums []int) {
		sorted := append([]int(nil), nums...)
		sort.Ints(sorted)
		for _, n := range sorted {
			rows = append(rows, fmt.Sprintf("%s (#%d)", icon, n))
		}
	}
	appendRows("✅", closed)
	appendRows("⏳", claimed)
	appendRows("🪦", dead)
	appendRows("❌", failed)
	if len(rows) > 0 {
		b.WriteString(strings.Join(rows, "\n"))
		b.WriteString("\n")
	}
	return b.String()
}

func (w *Worker) maybePostProgress(ctx context.Context) {
	if w.WaveIssue == 0 || w.Wave == 0 || w.Progress == nil {
		return
	}
	if !w.Progress.ShouldPost(w.WaveIssue) {
		return
	}
	_ = w.GH.AddComment(ctx, w.WaveIssue, w.ComposeProgress())
}
