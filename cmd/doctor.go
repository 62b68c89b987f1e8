package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/slaps/internal/config"
	"github.com/papapumpkin/slaps/internal/events"
	"github.com/papapumpkin/slaps/internal/gh"
	"github.com/papapumpkin/slaps/internal/llm"
	"github.com/papapumpkin/slaps/internal/queue"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the LLM binary, GitHub auth, and queue layout",
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type doctorCheck struct {
	name string
	run  func() error
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	paths := queue.Paths{Root: cfg.BaseDir}

	em, err := events.Open(paths.EventsLog())
	if err != nil {
		return err
	}
	defer em.Close()

	inv := &llm.CLI{Path: cfg.LLMPath}
	client := gh.NewClient("")

	checks := []doctorCheck{
		{"llm binary", inv.Validate},
		{"gh auth", func() error { return client.AuthStatus(cmd.Context()) }},
		{"container toolchain", func() error {
			_, err := exec.LookPath("make")
			return err
		}},
		{"queue layout", func() error {
			_, err := queue.Open(paths)
			return err
		}},
	}

	failed := 0
	for _, c := range checks {
		if err := c.run(); err != nil {
			failed++
			em.Emit(events.DoctorFail, events.Fields{"check": c.name, "error": err.Error()})
			fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", c.name, err)
			continue
		}
		em.Emit(events.DoctorPass, events.Fields{"check": c.name})
		fmt.Fprintf(os.Stdout, "ok   %s\n", c.name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(checks))
	}
	return nil
}
