// Package watcher owns the task state machine. It observes closed and
// failed arrivals, writes closed markers, unlocks dependents whose blocker
// sets are satisfied, applies the remediation-and-retry policy with a three
// strike dead-letter bound, and runs the worker pool for the wave.
package watcher

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/papapumpkin/slaps/internal/deps"
	"github.com/papapumpkin/slaps/internal/events"
	"github.com/papapumpkin/slaps/internal/ledger"
	"github.com/papapumpkin/slaps/internal/llm"
	"github.com/papapumpkin/slaps/internal/queue"
	"github.com/papapumpkin/slaps/internal/task"
	"github.com/papapumpkin/slaps/internal/worker"
)

// DeadLetterFooter is appended to a task file before it moves to dead.
const DeadLetterFooter = "\n\n## DEAD LETTER:\n\nExceeded the maximum of 3 attempts; no further retries.\n"

const (
	tickInterval   = 2 * time.Second
	reportInterval = 30 * time.Second
	idleSleepMin   = 20 * time.Second
	idleSleepMax   = 30 * time.Second
)

// Watcher reconciles queue state for one wave.
type Watcher struct {
	Store   *queue.Store
	Ledger  *ledger.Ledger
	LLM     llm.Invoker
	Events  *events.Emitter
	Out     io.Writer
	Workers []*worker.Worker

	seenClosed map[string]bool
	seenFailed map[string]bool
}

// New builds a watcher over the store with the given worker pool.
func New(store *queue.Store, led *ledger.Ledger, inv llm.Invoker, em *events.Emitter, workers []*worker.Worker) *Watcher {
	return &Watcher{
		Store:      store,
		Ledger:     led,
		LLM:        inv,
		Events:     em,
		Out:        os.Stdout,
		Workers:    workers,
		seenClosed: make(map[string]bool),
		seenFailed: make(map[string]bool),
	}
}

// buildIndex assembles the dependency index from the edges CSV and every
// raw issue record. Parse problems are warnings, not failures.
func (w *Watcher) buildIndex() *deps.Index {
	ix := deps.NewIndex()
	edges, err := deps.ParseEdgesCSV(w.Store.Paths.EdgesCSV())
	if err != nil {
		w.Events.Emit(events.Degraded, events.Fields{"op": "parse_edges", "error": err.Error()})
	}
	ix.AddEdges(edges)

	entries, err := os.ReadDir(w.Store.Paths.RawDir())
	if err != nil {
		return ix
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		issue, ok := task.IssueNumber(e.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(w.Store.Paths.RawDir(), e.Name()))
		if err != nil {
			continue
		}
		ri, err := task.ParseRawIssue(data)
		if err != nil {
			w.Events.Emit(events.Degraded, events.Fields{"op": "parse_raw", "task": issue, "error": err.Error()})
			continue
		}
		ix.SetRawBlockers(issue, ri.BlockedBy())
	}
	return ix
}

// HandleClosed reacts to one newly closed task: write the idempotent marker
// and promote every dependent whose blocker set is now satisfied.
func (w *Watcher) HandleClosed(name string) {
	issue, ok := task.IssueNumber(name)
	if !ok {
		return
	}
	if err := w.Store.WriteClosedMarker(issue); err != nil {
		w.Events.Emit(events.Degraded, events.Fields{"task": issue, "op": "closed_marker", "error": err.Error()})
	}
	w.promoteDependents(issue)
}

// promoteDependents moves each satisfied dependent of issue from blocked to
// open, never clobbering an existing open entry.
func (w *Watcher) promoteDependents(issue int) {
	ix := w.buildIndex()
	closed := w.Store.ClosedMarkers()
	for _, dep := range ix.Dependents(issue) {
		if !ix.Satisfied(dep, closed) {
			continue
		}
		if w.Ledger.Attempts(dep) >= task.MaxAttempts {
			continue
		}
		name := fmt.Sprintf("%d.txt", dep)
		if !w.Store.ExistsIn(task.StateBlocked, name, 0) {
			continue
		}
		if w.Store.ExistsIn(task.StateOpen, name, 0) {
			// A newer open entry exists (e.g. a remediation prompt); leave
			// both files alone.
			continue
		}
		if moved, err := w.Store.Transition(dep, task.StateBlocked, task.StateOpen, 0); err != nil || !moved {
			continue
		}
		w.Events.Emit(events.UnlockOpen, events.Fields{"task": dep, "unlocked_by": issue})
		w.Events.Emit(events.Move, events.Fields{
			"task": dep, "from": string(task.StateBlocked), "to": string(task.StateOpen),
		})
	}
}

// HandleFailed reacts to one newly failed task: increment the attempt
// ledger exactly once, then either dead-letter or invoke the remediation
// agent. A remediation LLM failure never fails the watcher.
func (w *Watcher) HandleFailed(name string) {
	issue, ok := task.IssueNumber(name)
	if !ok {
		return
	}
	attempts, err := w.Ledger.Increment(issue)
	if err != nil {
		w.Events.Emit(events.Degraded, events.Fields{"task": issue, "op": "increment_attempt", "error": err.Error()})
		attempts = w.Ledger.Attempts(issue)
	}

	if attempts >= task.MaxAttempts {
		failedPath := filepath.Join(w.Store.Paths.StateDir(task.StateFailure), name)
		if err := queue.AppendText(failedPath, DeadLetterFooter); err != nil {
			w.Events.Emit(events.Degraded, events.Fields{"task": issue, "op": "dead_footer", "error": err.Error()})
		}
		if moved, err := w.Store.Transition(issue, task.StateFailure, task.StateDead, 0); err != nil || !moved {
			w.Events.Emit(events.Degraded, events.Fields{"task": issue, "op": "dead_route"})
			return
		}
		if err := w.Ledger.AppendReason(issue, attempts,
			"Failed because exceeded max attempts.\n\nGoing to try no further; moving to dead."); err != nil {
			w.Events.Emit(events.Degraded, events.Fields{"task": issue, "op": "dead_reason", "error": err.Error()})
		}
		w.Events.Emit(events.Dead, events.Fields{"task": issue, "attempts": attempts})
		w.report()
		return
	}

	prompt := w.remediationPrompt(issue, attempts, name)
	res := w.LLM.Invoke(context.Background(), prompt, 0)
	if !res.OK() {
		w.Events.Emit(events.Degraded, events.Fields{"task": issue, "op": "remediation_llm", "rc": res.ExitCode})
	}
	w.Events.Emit(events.Retry, events.Fields{"task": issue, "attempt": attempts})
	w.Events.Emit(events.FailureReopen, events.Fields{"task": issue, "attempt": attempts})
	w.report()
}

// remediationPrompt instructs an agent to diagnose the failure, log a
// reason paragraph, and enqueue a fresh prompt for the next attempt.
func (w *Watcher) remediationPrompt(issue, attempt int, name string) string {
	failedPath := filepath.Join(w.Store.Paths.StateDir(task.StateFailure), name)
	openPath := filepath.Join(w.Store.Paths.StateDir(task.StateOpen), name)
	return worker.Guardrails + fmt.Sprintf(
		"Another LLM was working on issue %d and failed. Read the original prompt and the "+
			"stdout/stderr from the previous attempt in %s. Examine the state of the repository and "+
			"determine what went wrong and what could have been done differently. Are the instructions "+
			"incorrect? Is there some other problem? Reason it out, then APPEND your rationale to %s like so:\n\n"+
			"## Attempt number %d\n\nFailed because {reason}\n\nGoing to try {new approach}\n\n"+
			"Then write a new prompt for the task at %s. The new prompt must begin with "+
			"\"Attempt %d: Tried X, now trying Y because Z\".",
		issue, failedPath, w.Store.Paths.ReasonsFile(issue), attempt, openPath, attempt+1)
}

// StartupSweep re-runs closed handling for every closed file and every
// closed marker. This recovers from crashes and admits tasks whose blockers
// closed in earlier waves. Pre-existing failed files were already routed
// before the restart, so they seed the seen set without being re-handled;
// re-routing them would double-count attempts.
func (w *Watcher) StartupSweep() {
	for _, name := range w.Store.List(task.StateClosed) {
		w.seenClosed[name] = true
		w.HandleClosed(name)
	}
	for _, name := range w.Store.List(task.StateFailure) {
		w.seenFailed[name] = true
	}
	for issue := range w.Store.ClosedMarkers() {
		w.promoteDependents(issue)
	}
}

// tick processes any closed or failed arrivals not yet handled.
func (w *Watcher) tick() {
	for _, name := range w.Store.List(task.StateClosed) {
		if w.seenClosed[name] {
			continue
		}
		w.seenClosed[name] = true
		w.HandleClosed(name)
		w.report()
	}
	for _, name := range w.Store.List(task.StateFailure) {
		if w.seenFailed[name] {
			continue
		}
		w.seenFailed[name] = true
		w.HandleFailed(name)
	}
}

// done reports whether the wave has quiesced: nothing open, blocked, or
// claimed, and every worker idle. Failed files do not count: a remediated
// failure leaves its file in failed/ as a record while the retry runs from
// a fresh open prompt.
func (w *Watcher) done() bool {
	if len(w.Store.List(task.StateOpen)) > 0 ||
		len(w.Store.List(task.StateBlocked)) > 0 ||
		len(w.Store.List(task.StateClaimed)) > 0 {
		return false
	}
	for _, wk := range w.Workers {
		if wk.Current() != 0 {
			return false
		}
	}
	return true
}

// report prints the human-readable status block with a progress bar.
func (w *Watcher) report() {
	for _, wk := range w.Workers {
		if cur := wk.Current(); cur != 0 {
			fmt.Fprintf(w.Out, "worker %d is busy working on %d\n", wk.ID, cur)
		} else {
			fmt.Fprintf(w.Out, "worker %d is idle\n", wk.ID)
		}
	}
	failures := w.Store.Count(task.StateFailure)
	completed := w.Store.Count(task.StateClosed)
	blocked := w.Store.Count(task.StateBlocked)
	dead := w.Store.Count(task.StateDead)
	open := w.Store.Count(task.StateOpen)
	claimed := w.Store.Count(task.StateClaimed)

	fmt.Fprintf(w.Out, "FAILURES\n%d failures\n", failures)
	fmt.Fprintf(w.Out, "COMPLETED TASKS\n%d completed tasks\n", completed)
	fmt.Fprintf(w.Out, "BLOCKED TASKS\n%d blocked tasks\n", blocked)
	fmt.Fprintf(w.Out, "DEAD LETTER QUEUE\n%d dead tasks\n", dead)

	progressed := completed + dead
	total := progressed + failures + blocked + open + claimed
	fmt.Fprintf(w.Out, "%s %d/%d\n", ProgressBar(progressed, total, 20), progressed, total)
}

// ProgressBar renders a fixed-width bar for done out of total.
func ProgressBar(done, total, width int) string {
	if total <= 0 {
		return "[" + strings.Repeat(".", width) + "]"
	}
	filled := done * width / total
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

// Run executes the wave: startup sweep, worker pool, and the reconcile loop
// until quiescence or context cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	w.StartupSweep()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dw, err := NewDirWatch(
		w.Store.Paths.StateDir(task.StateClosed),
		w.Store.Paths.StateDir(task.StateFailure),
	)
	if err != nil {
		w.Events.Emit(events.Degraded, events.Fields{"op": "dirwatch", "error": err.Error()})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, wk := range w.Workers {
		wk := wk
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return nil
				}
				if wk.RunOnce(gctx) {
					continue
				}
				sleep := idleSleepMin + time.Duration(rand.Int63n(int64(idleSleepMax-idleSleepMin)))
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(sleep):
				}
			}
		})
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	reportTicker := time.NewTicker(reportInterval)
	defer reportTicker.Stop()

	var arrivals <-chan Arrival
	if dw != nil {
		arrivals = dw.Arrivals
	}

	var interrupted error
loop:
	for {
		select {
		case <-ctx.Done():
			interrupted = ctx.Err()
			break loop
		case <-arrivals:
			w.tick()
		case <-ticker.C:
			w.tick()
			if w.done() {
				break loop
			}
		case <-reportTicker.C:
			w.report()
		}
	}

	cancel()
	_ = g.Wait()
	if dw != nil {
		dw.Stop()
	}

	fmt.Fprintln(w.Out, "All work complete. Final report:")
	w.report()
	w.Events.Emit(events.WatcherFinish, events.Fields{
		"wave": w.Store.Paths.Wave,
		"dead": w.Store.Count(task.StateDead),
	})
	return interrupted
}
