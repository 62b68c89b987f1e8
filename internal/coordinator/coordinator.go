package coordinator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/papapumpkin/slaps/internal/events"
	"github.com/papapumpkin/slaps/internal/llm"
	"github.com/papapumpkin/slaps/internal/queue"
	"github.com/papapumpkin/slaps/internal/task"
)

// Exit codes of the coordinate command.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitConfig  = 2
)

// guardianTimeout bounds the Quality Guardian invocation.
const guardianTimeout = 2 * time.Hour

// guardianPrompt is handed to the LLM after each wave to commit, audit, and
// heal what the swarm produced.
const guardianPrompt = "Please read through the git repo and gain an understanding of the project. " +
	"You are assigned the role of Lead QUALITY GUARDIAN - you're picking up after a swarm of LLMs just chewed through a bunch of tasks. " +
	"They were all working together on top of each other in pure chaos. The dust has settled, but that's when you come in. " +
	"Please git commit to the current branch (try to write a helpful commit message). Then:\n\n" +
	"1. Using git, examine what you just committed. Note the source files that changed.\n" +
	"2. Examine the tests: ensure that the tests that were written were comprehensive and cover the code that was committed. If you find gaps, cover them with new tests.\n" +
	"3. Run the tests.\n" +
	"4. If they pass, git commit, indicate success and exit 0.\n" +
	"5. Else for each failure: indicate test case failed via output, then iterate on the affected code. After fixing the code, go to 3.\n\n" +
	"ALL OUTPUT SHOULD BE IN JSONL FORMAT."

// WatchFunc runs the watcher for one wave to quiescence.
type WatchFunc func(ctx context.Context, wave int) error

// Coordinator drives the wave loop over the filesystem queue.
type Coordinator struct {
	Base    string // queue root, e.g. .slaps/tasks
	Roadmap string
	LLM     llm.Invoker
	Events  *events.Emitter
	Watch   WatchFunc
	Metrics *MetricsStore
	Out     io.Writer

	// Git drives the per-wave commit preflight and the final push. A nil
	// Git disables both; SkipPreflight disables the preflight alone.
	Git           GitOps
	SkipPreflight bool

	now func() time.Time
}

// New builds a coordinator. Metrics persist next to the queue root.
func New(base, roadmap string, inv llm.Invoker, em *events.Emitter, watch WatchFunc) *Coordinator {
	return &Coordinator{
		Base:    base,
		Roadmap: roadmap,
		LLM:     inv,
		Events:  em,
		Watch:   watch,
		Metrics: &MetricsStore{Path: filepath.Join(filepath.Dir(base), "run.metrics.toml")},
		Out:     os.Stderr,
		now:     time.Now,
	}
}

func (c *Coordinator) printf(format string, args ...any) {
	if c.Out != nil {
		fmt.Fprintf(c.Out, format+"\n", args...)
	}
}

func (c *Coordinator) countDead(wave int) int {
	store := &queue.Store{Paths: queue.Paths{Root: c.Base, Wave: wave}}
	return store.Count(task.StateDead)
}

func (c *Coordinator) countClosed(wave int) int {
	store := &queue.Store{Paths: queue.Paths{Root: c.Base, Wave: wave}}
	return store.Count(task.StateClosed)
}

// runGuardian invokes the Quality Guardian and returns its exit code.
func (c *Coordinator) runGuardian(ctx context.Context) int {
	c.Events.Emit(events.GuardianStart, nil)
	res := c.LLM.Invoke(ctx, guardianPrompt, guardianTimeout)
	fields := events.Fields{"rc": res.ExitCode}
	if res.ExitCode == llm.ExitMissingBinary {
		fields["error"] = "llm binary not found"
	}
	c.Events.Emit(events.GuardianFinish, fields)
	return res.ExitCode
}

// runWave executes one wave end to end: preflight, watcher, follow-up
// sweep (with a second watcher pass when it enqueues work), dead-letter
// gate, guardian, push.
func (c *Coordinator) runWave(ctx context.Context, wave int) int {
	c.Events.Emit(events.WaveStart, events.Fields{"wave": wave})

	if c.Git != nil && !c.SkipPreflight {
		c.printf("[COORD] Running commit preflight")
		if err := c.Git.Preflight(ctx); err != nil {
			c.printf("[COORD] Preflight failed: %v; aborting", err)
			return ExitFailure
		}
	}

	c.printf("[COORD] Running watcher for wave %d", wave)
	start := c.now()

	if err := c.Watch(ctx, wave); err != nil {
		c.Events.Emit(events.WatcherFinish, events.Fields{"wave": wave, "error": err.Error()})
		c.printf("[COORD] Watcher failed: %v; aborting", err)
		return ExitFailure
	}
	c.Events.Emit(events.WatcherFinish, events.Fields{"wave": wave})

	waveQueue := queue.Paths{Root: c.Base, Wave: wave}
	workersDir := waveQueue.WorkersDir()
	enqueued, err := EnqueueFollowups(waveQueue, workersDir, c.Roadmap, wave)
	if err != nil {
		c.printf("[COORD] Follow-up sweep failed: %v", err)
	}
	if enqueued {
		c.printf("[COORD] Follow-ups enqueued; rerunning watcher for wave %d", wave)
		if err := c.Watch(ctx, wave); err != nil {
			c.printf("[COORD] Follow-up watcher failed: %v; aborting", err)
			return ExitFailure
		}
	}

	dead := c.countDead(wave)
	c.Events.Emit(events.DeadCount, events.Fields{"wave": wave, "count": dead})
	if dead > 0 {
		c.printf("[COORD] Dead queue has %d files. Aborting.", dead)
		return ExitFailure
	}

	c.printf("[COORD] Running Quality Guardian LLM")
	guardianRC := c.runGuardian(ctx)
	if guardianRC != 0 {
		c.printf("[COORD] Guardian returned %d; aborting", guardianRC)
		return ExitFailure
	}

	if c.Git != nil {
		if err := c.Git.Push(ctx); err != nil {
			c.printf("[COORD] Push failed: %v; aborting", err)
			return ExitFailure
		}
	}

	if c.Metrics != nil {
		rec := WaveRecord{
			Wave:       wave,
			Closed:     c.countClosed(wave),
			Dead:       dead,
			DurationNs: int64(c.now().Sub(start)),
			GuardianRC: guardianRC,
		}
		if err := c.Metrics.RecordWave(rec); err != nil {
			c.printf("[COORD] Metrics write failed: %v", err)
		}
	}
	c.Events.Emit(events.WaveComplete, events.Fields{"wave": wave})
	return ExitOK
}

// Run executes waves waveStart..max from the roadmap. Returns a process
// exit code.
func (c *Coordinator) Run(ctx context.Context, waveStart int) int {
	maxWave, err := MaxWave(c.Roadmap)
	if err != nil {
		c.printf("[COORD] %v", err)
		return ExitConfig
	}
	if waveStart <= 0 || maxWave <= 0 {
		c.printf("[COORD] Invalid waveStart or roadmap not found")
		return ExitConfig
	}
	if c.Metrics != nil {
		if err := c.Metrics.Start(c.now()); err != nil {
			c.printf("[COORD] Metrics write failed: %v", err)
		}
	}
	for wave := waveStart; wave <= maxWave; wave++ {
		if rc := c.runWave(ctx, wave); rc != ExitOK {
			return rc
		}
	}
	c.printf("[COORD] All waves complete")
	c.Events.Emit(events.AllComplete, nil)
	if c.Metrics != nil {
		if err := c.Metrics.Complete(c.now()); err != nil {
			c.printf("[COORD] Metrics write failed: %v", err)
		}
	}
	return ExitOK
}
