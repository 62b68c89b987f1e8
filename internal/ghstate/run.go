package ghstate

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/papapumpkin/slaps/internal/estimate"
	"github.com/papapumpkin/slaps/internal/gh"
	"github.com/papapumpkin/slaps/internal/llm"
	"github.com/papapumpkin/slaps/internal/task"
)

const (
	watcherTick  = 2 * time.Second
	progressTick = 5 * time.Second
	idleSleepMin = 20 * time.Second
	idleSleepMax = 30 * time.Second
)

// RunOptions configures one wave run of the server-fields backend.
type RunOptions struct {
	ProjectTitle string
	Wave         int
	Workers      int
	WaveIssue    int
	ProgressMin  time.Duration
	Out          io.Writer
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// doneCount returns how many wave issues have reached a terminal state.
func (w *Watcher) doneCount(ctx context.Context, waveIssues []int) int {
	items := w.Items.Read()
	if items == nil {
		var err error
		items, err = w.GH.ListItems(ctx, w.Project)
		if err != nil {
			return 0
		}
	}
	inWave := make(map[int]bool, len(waveIssues))
	for _, n := range waveIssues {
		inWave[n] = true
	}
	done := 0
	for _, it := range items {
		if !inWave[it.Issue] {
			continue
		}
		st := it.Fields[gh.FieldState]
		if st == string(task.StateClosed) || st == string(task.StateDead) {
			done++
		}
	}
	return done
}

// Run executes the wave against the board: preflight, item initialization,
// then a watcher tick loop and a worker pool until every wave issue is
// closed or dead. Returns the context error on interruption, nil on
// completion.
func (w *Watcher) Run(ctx context.Context, inv llm.Invoker, est *estimate.Estimator, opts RunOptions) error {
	if err := w.Preflight(ctx, opts.ProjectTitle); err != nil {
		return err
	}
	if err := w.InitializeItems(ctx, opts.Wave); err != nil {
		return err
	}
	w.UnlockSweep(ctx, opts.Wave)

	waveIssues := w.waveIssues(ctx, opts.Wave)
	if len(waveIssues) == 0 {
		return fmt.Errorf("ghstate: no issues found for wave %d", opts.Wave)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	gate := NewProgressGate(opts.ProgressMin)
	for i := 1; i <= opts.Workers; i++ {
		wk := NewWorker(i, w, inv, est, opts.Wave, opts.WaveIssue, gate)
		g.Go(func() error {
			for gctx.Err() == nil {
				if !wk.RunOnce(gctx) {
					sleepCtx(gctx, idleSleepMin+time.Duration(rand.Int63n(int64(idleSleepMax-idleSleepMin))))
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for gctx.Err() == nil {
			w.Tick(gctx, opts.Wave)
			sleepCtx(gctx, watcherTick)
		}
		return nil
	})

	var interrupted error
	for {
		done := w.doneCount(ctx, waveIssues)
		if opts.Out != nil {
			fmt.Fprintf(opts.Out, "[SYSTEM] Wave %d progress: %d/%d\n", opts.Wave, done, len(waveIssues))
		}
		if done >= len(waveIssues) {
			break
		}
		select {
		case <-ctx.Done():
			interrupted = ctx.Err()
		default:
		}
		if interrupted != nil {
			break
		}
		sleepCtx(ctx, progressTick)
	}
	cancel()
	_ = g.Wait()
	return interrupted
}
