package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/papapumpkin/slaps/internal/config"
	"github.com/papapumpkin/slaps/internal/estimate"
	"github.com/papapumpkin/slaps/internal/events"
	"github.com/papapumpkin/slaps/internal/gh"
	"github.com/papapumpkin/slaps/internal/ghstate"
	"github.com/papapumpkin/slaps/internal/llm"
	"github.com/papapumpkin/slaps/internal/queue"
)

var watchGHCmd = &cobra.Command{
	Use:   "watch-gh",
	Short: "Run the watcher and worker pool against GitHub project fields",
	Long: "Task state lives in single-select and number fields on a GitHub\n" +
		"ProjectV2 board. Claims are local lock files reflected into the board\n" +
		"by an elected leader; workers read a leader-written item cache.",
	RunE: runWatchGH,
}

func init() {
	rootCmd.AddCommand(watchGHCmd)
	watchGHCmd.Flags().Int("wave", 0, "wave number")
	watchGHCmd.Flags().String("project", "", "project title (default SLAPS-<repo>)")
	_ = viper.BindPFlag("wave", watchGHCmd.Flags().Lookup("wave"))
	_ = viper.BindPFlag("project", watchGHCmd.Flags().Lookup("project"))
}

func runWatchGH(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.Wave <= 0 {
		return fmt.Errorf("watch-gh requires a wave (--wave or SLAPS_WAVE)")
	}
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

	client := gh.NewClient("")
	title := cfg.ProjectTitle
	if title == "" {
		repo, err := client.RepoName(ctx)
		if err != nil {
			repo = "repo"
		}
		title = "SLAPS-" + repo
	}

	w := ghstate.NewWatcher(client, paths, em, ghstate.WatcherConfig{
		RefreshInterval:   time.Duration(cfg.RefreshSec) * time.Second,
		ReconcileInterval: time.Duration(cfg.ReconcileSec) * time.Second,
		ReconcileMax:      cfg.ReconcileMax,
		CacheHitWarn:      cfg.CacheHitWarn,
	})
	w.Lease.TTL = time.Duration(cfg.LeaderTTLSec) * time.Second
	w.Locks.TTL = time.Duration(cfg.LockTTLSec) * time.Second

	est := &estimate.Estimator{Paths: paths, LLM: inv}

	err = w.Run(ctx, inv, est, ghstate.RunOptions{
		ProjectTitle: title,
		Wave:         cfg.Wave,
		Workers:      cfg.Workers,
		WaveIssue:    cfg.WaveStatusIssue,
		ProgressMin:  time.Duration(cfg.ProgressMinSec) * time.Second,
		Out:          os.Stderr,
	})
	if errors.Is(err, context.Canceled) {
		em.Close()
		os.Exit(130)
	}
	return err
}
