// Package ledger tracks per-issue attempt counts and the human-readable
// failure-reason logs. Counts live in admin/attempts/<N>.count files so that
// every process sharing the queue root sees the same budget.
package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/papapumpkin/slaps/internal/queue"
)

// Ledger reads and writes attempt counters and reason logs under a queue
// layout.
type Ledger struct {
	Paths queue.Paths
}

// New returns a Ledger over the given layout.
func New(p queue.Paths) *Ledger { return &Ledger{Paths: p} }

func (l *Ledger) countFile(issue int) string {
	return filepath.Join(l.Paths.AttemptsDir(), fmt.Sprintf("%d.count", issue))
}

// Attempts returns the current attempt count for issue. A missing or
// unreadable counter reads as 0.
func (l *Ledger) Attempts(issue int) int {
	data, err := os.ReadFile(l.countFile(issue))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Increment bumps the counter by one and returns the new value. Called
// exactly once per routed failure, before any remediation prompt is
// composed.
func (l *Ledger) Increment(issue int) (int, error) {
	n := l.Attempts(issue) + 1
	if err := os.MkdirAll(l.Paths.AttemptsDir(), 0o755); err != nil {
		return 0, fmt.Errorf("ledger: mkdir attempts: %w", err)
	}
	if err := os.WriteFile(l.countFile(issue), []byte(strconv.Itoa(n)), 0o644); err != nil {
		return 0, fmt.Errorf("ledger: write count %d: %w", issue, err)
	}
	return n, nil
}

// Set forces the counter to n. Used during wave initialization to reset the
// budget to zero.
func (l *Ledger) Set(issue, n int) error {
	if err := os.MkdirAll(l.Paths.AttemptsDir(), 0o755); err != nil {
		return fmt.Errorf("ledger: mkdir attempts: %w", err)
	}
	if err := os.WriteFile(l.countFile(issue), []byte(strconv.Itoa(n)), 0o644); err != nil {
		return fmt.Errorf("ledger: write count %d: %w", issue, err)
	}
	return nil
}

// AppendReason adds an "Attempt number N" paragraph to the issue's reason
// log. Best-effort for callers: a failed append never blocks routing.
func (l *Ledger) AppendReason(issue, attempt int, reason string) error {
	text := fmt.Sprintf("## Attempt number %d\n\n%s\n\n", attempt, strings.TrimSpace(reason))
	return queue.AppendText(l.Paths.ReasonsFile(issue), text)
}

// Reasons returns the accumulated reason log for issue, empty when absent.
func (l *Ledger) Reasons(issue int) string {
	data, err := os.ReadFile(l.Paths.ReasonsFile(issue))
	if err != nil {
		return ""
	}
	return string(data)
}
