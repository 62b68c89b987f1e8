package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/papapumpkin/slaps/internal/config"
	"github.com/papapumpkin/slaps/internal/estimate"
	"github.com/papapumpkin/slaps/internal/events"
	"github.com/papapumpkin/slaps/internal/history"
	"github.com/papapumpkin/slaps/internal/ledger"
	"github.com/papapumpkin/slaps/internal/llm"
	"github.com/papapumpkin/slaps/internal/queue"
	"github.com/papapumpkin/slaps/internal/watcher"
	"github.com/papapumpkin/slaps/internal/worker"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the filesystem queue watcher and worker pool for one wave",
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Int("wave", 0, "wave number (0 = unscoped queue root)")
	_ = viper.BindPFlag("wave", watchCmd.Flags().Lookup("wave"))
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	paths := queue.Paths{Root: cfg.BaseDir, Wave: cfg.Wave}

	store, err := queue.Open(paths)
	if err != nil {
		return err
	}
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

	hist, err := history.Open(ctx, filepath.Join(paths.AdminDir(), "history.db"))
	if err != nil {
		// History only feeds estimate fallbacks; run without it.
		fmt.Fprintf(os.Stderr, "history store unavailable: %v\n", err)
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

	err = watcher.New(store, led, inv, em, workers).Run(ctx)
	if errors.Is(err, context.Canceled) {
		// Interrupted: workers drained their in-flight work above.
		if hist != nil {
			hist.Close()
		}
		em.Close()
		os.Exit(130)
	}
	return err
}
