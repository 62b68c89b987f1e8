package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/papapumpkin/slaps/internal/config"
	"github.com/papapumpkin/slaps/internal/coordinator"
	"github.com/papapumpkin/slaps/internal/estimate"
	"github.com/papapumpkin/slaps/internal/events"
	"github.com/papapumpkin/slaps/internal/history"
	"github.com/papapumpkin/slaps/internal/ledger"
	"github.com/papapumpkin/slaps/internal/llm"
	"github.com/papapumpkin/slaps/internal/queue"
	"github.com/papapumpkin/slaps/internal/watcher"
	"github.com/papapumpkin/slaps/internal/worker"
)

var coordinateCmd = &cobra.Command{
	Use:   "coordinate",
	Short: "Run the wave loop: watcher, follow-up sweep, dead-letter gate, guardian",
	RunE:  runCoordinate,
}

func init() {
	rootCmd.AddCommand(coordinateCmd)
	coordinateCmd.Flags().Int("waveStart", 0, "first wave to run")
	_ = viper.BindPFlag("wave_start", coordinateCmd.Flags().Lookup("waveStart"))
	_ = viper.BindEnv("wave_start", "SLAPS_WAVE_START", "TASK_WAVE_START")
	coordinateCmd.Flags().Bool("no-commit-preflight", false, "skip the per-wave commit preflight")
	_ = viper.BindPFlag("no_commit_preflight", coordinateCmd.Flags().Lookup("no-commit-preflight"))
}

// watchWave runs the filesystem watcher for one wave to quiescence.
func watchWave(cfg config.Config, inv *llm.CLI, em *events.Emitter) coordinator.WatchFunc {
	return func(ctx context.Context, wave int) error {
		paths := queue.Paths{Root: cfg.BaseDir, Wave: wave}
		store, err := queue.Open(paths)
		if err != nil {
			return err
		}

		hist, err := history.Open(ctx, filepath.Join(paths.AdminDir(), "history.db"))
		if err != nil {
			hist = nil
		} else {
			defer hist.Close()
		}

		led := &ledger.Ledger{Paths: paths}
		est := &estimate.Estimator{Paths: paths, LLM: inv}
		if hist != nil {
			est.History = hist
		}
		workers := make([]*worker.Worker, cfg.Workers)
		for i := range workers {
			w := worker.New(i+1, store, inv, est, led, em)
			w.History = hist
			workers[i] = w
		}
		return watcher.New(store, led, inv, em, workers).Run(ctx)
	}
}

func runCoordinate(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	waveStart := viper.GetInt("wave_start")

	paths := queue.Paths{Root: cfg.BaseDir}
	em, err := events.Open(paths.EventsLog())
	if err != nil {
		return err
	}
	defer em.Close()

	inv := &llm.CLI{Path: cfg.LLMPath, Verbose: cfg.Verbose}
	if err := inv.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord := coordinator.New(cfg.BaseDir, cfg.RoadmapPath, inv, em, watchWave(cfg, inv, em))
	coord.Git = coordinator.Git{}
	coord.SkipPreflight = viper.GetBool("no_commit_preflight")
	rc := coord.Run(ctx, waveStart)
	if ctx.Err() != nil {
		em.Close()
		os.Exit(130)
	}
	if rc != coordinator.ExitOK {
		// Preserve the coordinator's exit-code contract.
		em.Close()
		fmt.Fprintf(os.Stderr, "coordinate failed with code %d\n", rc)
		os.Exit(rc)
	}
	return nil
}
