// Package worker implements the single-slot task executor. A worker claims
// at most one open task at a time by atomically renaming it into its own
// claimed/<id>/ slot, runs the LLM over it, and routes the outcome. It
// never touches dependencies or attempt counts; that is the watcher's job.
package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/papapumpkin/slaps/internal/estimate"
	"github.com/papapumpkin/slaps/internal/events"
	"github.com/papapumpkin/slaps/internal/history"
	"github.com/papapumpkin/slaps/internal/ledger"
	"github.com/papapumpkin/slaps/internal/llm"
	"github.com/papapumpkin/slaps/internal/queue"
	"github.com/papapumpkin/slaps/internal/task"
)

// Guardrails is prepended to every task prompt before invocation.
const Guardrails = "POLICY (READ CAREFULLY):\n" +
	"- DO NOT PERFORM GIT OPERATIONS. Do not run git/gh, do not commit, branch, rebase, or push.\n" +
	"- You are working in a shared branch alongside other LLMs. Expect transient conflicts; work around them, coordinate via code comments if needed, and avoid destructive actions.\n" +
	"- Use only containerized build/test targets (make both/test-both/lint) and file edits.\n" +
	"- Any git operation is forbidden.\n\n"

// FailureFooter formats the diagnostics appended to a task file before it
// routes to failed.
func FailureFooter(stdout, stderr string) string {
	return fmt.Sprintf("\n\n## FAILURE:\n\nSTDOUT: %s\nSTDERR: %s\n", stdout, stderr)
}

// Worker executes tasks for one claim slot.
type Worker struct {
	ID      int
	Store   *queue.Store
	LLM     llm.Invoker
	Est     *estimate.Estimator
	Ledger  *ledger.Ledger
	Events  *events.Emitter
	History *history.Store // optional
	Allowed map[int]bool   // wave allow-set; nil admits every issue

	now     func() time.Time
	current atomic.Int64
}

// New builds a worker for slot id.
func New(id int, store *queue.Store, inv llm.Invoker, est *estimate.Estimator, led *ledger.Ledger, em *events.Emitter) *Worker {
	return &Worker{
		ID:     id,
		Store:  store,
		LLM:    inv,
		Est:    est,
		Ledger: led,
		Events: em,
		now:    time.Now,
	}
}

// Current returns the issue in flight, or 0 when idle. Safe to call from
// the reporting goroutine while the worker runs.
func (w *Worker) Current() int { return int(w.current.Load()) }

// allowed reports whether the worker may claim the named file.
func (w *Worker) allowed(name string) bool {
	if w.Allowed == nil {
		return true
	}
	n, ok := task.IssueNumber(name)
	return ok && w.Allowed[n]
}

// RunOnce does one unit of work and reports whether any occurred. A stuck
// claimed file is always processed before a new claim is attempted, so a
// crash mid-task resumes on restart instead of claiming fresh work.
func (w *Worker) RunOnce(ctx context.Context) bool {
	claimed := w.Store.ListWorker(w.ID)

	// More than one claimed file means the slot is corrupted. Keep the
	// lexicographically first and route the rest to failed.
	if len(claimed) > 1 {
		for _, name := range claimed[1:] {
			w.quarantine(name)
		}
		claimed = claimed[:1]
	}

	if len(claimed) == 1 {
		w.execute(ctx, claimed[0])
		return true
	}

	for _, name := range w.Store.List(task.StateOpen) {
		if !w.allowed(name) {
			continue
		}
		if w.Store.Claim(name, w.ID) {
			issue, _ := task.IssueNumber(name)
			w.Events.Emit(events.Claimed, events.Fields{"task": issue, "worker": w.ID})
			w.Events.Emit(events.Move, events.Fields{
				"task": issue, "from": string(task.StateOpen), "to": string(task.StateClaimed), "worker": w.ID,
			})
			w.execute(ctx, name)
			return true
		}
		// Another worker won the rename; try the next candidate.
	}
	return false
}

// quarantine routes a surplus claimed file to failed with a corruption
// footer. The footer append is best-effort.
func (w *Worker) quarantine(name string) {
	issue, _ := task.IssueNumber(name)
	footer := fmt.Sprintf("\n\n## CLAIM CORRUPTION:\n\nworker %d held multiple claimed files; routing %s to failed\n", w.ID, name)
	if err := queue.AppendText(filepath.Join(w.Store.Paths.ClaimedDir(w.ID), name), footer); err != nil {
		w.Events.Emit(events.Degraded, events.Fields{"task": issue, "op": "claim_corruption_append", "error": err.Error()})
	}
	if moved, err := w.Store.TransitionFile(name, task.StateClaimed, task.StateFailure, w.ID); err != nil || !moved {
		w.Events.Emit(events.Degraded, events.Fields{"task": issue, "op": "claim_corruption_route"})
		return
	}
	w.Events.Emit(events.Move, events.Fields{
		"task": issue, "from": string(task.StateClaimed), "to": string(task.StateFailure),
		"worker": w.ID, "outcome": "claim_corruption",
	})
}

// execute runs the LLM over one claimed file and routes the outcome.
func (w *Worker) execute(ctx context.Context, name string) {
	issue, _ := task.IssueNumber(name)
	w.current.Store(int64(issue))
	defer w.current.Store(0)

	body, err := w.Store.ReadTask(task.StateClaimed, name, w.ID)
	if err != nil {
		w.Events.Emit(events.Degraded, events.Fields{"task": issue, "op": "read_claimed", "error": err.Error()})
		return
	}

	attempt := 1
	if w.Ledger != nil {
		attempt = w.Ledger.Attempts(issue) + 1
	}
	var timeout time.Duration
	if w.Est != nil {
		rec := w.Est.For(ctx, issue, attempt, body)
		timeout = time.Duration(rec.TimeoutSec) * time.Second
	}

	start := w.now()
	// Shutdown stops new claims but never kills work in flight: the
	// invocation runs to completion or to its own timeout, and the
	// outcome routes normally.
	res := w.LLM.Invoke(context.WithoutCancel(ctx), Guardrails+body, timeout)
	durationSec := int(w.now().Sub(start) / time.Second)

	if res.OK() {
		w.route(name, issue, task.StateClosed, res, attempt, durationSec)
		w.Events.Emit(events.Success, events.Fields{"task": issue, "worker": w.ID, "duration_sec": durationSec})
		return
	}
	footer := FailureFooter(res.Stdout, res.Stderr)
	if err := queue.AppendText(filepath.Join(w.Store.Paths.ClaimedDir(w.ID), name), footer); err != nil {
		w.Events.Emit(events.Degraded, events.Fields{"task": issue, "op": "failure_append", "error": err.Error()})
	}
	w.route(name, issue, task.StateFailure, res, attempt, durationSec)
}

// route moves the claimed file to its terminal directory for this
// invocation and records the attempt. A failed move leaves the file in the
// claim slot to be retried next tick.
func (w *Worker) route(name string, issue int, to task.State, res llm.Result, attempt, durationSec int) {
	moved, err := w.Store.TransitionFile(name, task.StateClaimed, to, w.ID)
	if err != nil || !moved {
		w.Events.Emit(events.Degraded, events.Fields{"task": issue, "op": "route", "to": string(to)})
		return
	}
	w.Events.Emit(events.Move, events.Fields{
		"task": issue, "from": string(task.StateClaimed), "to": string(to),
		"worker": w.ID, "rc": res.ExitCode,
	})
	if w.History != nil {
		outcome := history.OutcomeClosed
		if to == task.StateFailure {
			outcome = history.OutcomeFailed
		}
		_ = w.History.Record(context.Background(), history.Attempt{
			Issue: issue, Wave: w.Store.Paths.Wave, Attempt: attempt, Worker: w.ID,
			Outcome: outcome, ExitCode: res.ExitCode, DurationSec: durationSec,
		})
	}
}
