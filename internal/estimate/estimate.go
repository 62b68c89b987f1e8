// Package estimate derives per-attempt execution time estimates and the
// invocation timeout they imply. Estimates are cached per issue under
// admin/estimates/<N>.json and re-derived whenever the attempt number
// changes, so a retried task gets a fresh budget.
package estimate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/papapumpkin/slaps/internal/llm"
	"github.com/papapumpkin/slaps/internal/queue"
)

// Timeout bounds in seconds.
const (
	DefaultMinutes = 20
	MinTimeoutSec  = 600
	MaxTimeoutSec  = 7200
)

// Record is the persisted estimate for one issue.
type Record struct {
	Attempt     int `json:"attempt"`
	EstimateSec int `json:"estimate_sec"`
	TimeoutSec  int `json:"timeout_sec"`
}

// Historian supplies an observed duration baseline when the LLM cannot
// produce an estimate. A zero median means no history.
type Historian interface {
	MedianDuration(ctx context.Context) (time.Duration, error)
}

// Estimator loads, derives, and persists per-attempt estimates.
type Estimator struct {
	Paths   queue.Paths
	LLM     llm.Invoker
	History Historian // optional
}

var firstIntRe = regexp.MustCompile(`\d+`)

// ParseMinutes extracts the first integer from an LLM estimate reply.
// Returns DefaultMinutes when no integer is present or the value is not
// positive.
func ParseMinutes(s string) int {
	m := firstIntRe.FindString(s)
	if m == "" {
		return DefaultMinutes
	}
	n, err := strconv.Atoi(m)
	if err != nil || n <= 0 {
		return DefaultMinutes
	}
	return n
}

// TimeoutFor clamps 2x the estimate into the allowed timeout window.
func TimeoutFor(estimateSec int) int {
	t := 2 * estimateSec
	if t < MinTimeoutSec {
		return MinTimeoutSec
	}
	if t > MaxTimeoutSec {
		return MaxTimeoutSec
	}
	return t
}

// Prompt builds the estimate-only prompt for a task body.
func Prompt(body string) string {
	return fmt.Sprintf(
		"Estimate how long the following task will take an autonomous LLM agent to complete. "+
			"Reply with a single integer number of minutes and nothing else.\n\n%s", body)
}

func (e *Estimator) file(issue int) string {
	return fmt.Sprintf("%s/%d.json", e.Paths.EstimatesDir(), issue)
}

// Load returns the cached record for issue, if any.
func (e *Estimator) Load(issue int) (Record, bool) {
	data, err := os.ReadFile(e.file(issue))
	if err != nil {
		return Record{}, false
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, false
	}
	return r, true
}

// persist writes the record for issue, creating the estimates directory.
func (e *Estimator) persist(issue int, r Record) error {
	if err := os.MkdirAll(e.Paths.EstimatesDir(), 0o755); err != nil {
		return fmt.Errorf("estimate: mkdir: %w", err)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("estimate: marshal %d: %w", issue, err)
	}
	if err := os.WriteFile(e.file(issue), data, 0o644); err != nil {
		return fmt.Errorf("estimate: write %d: %w", issue, err)
	}
	return nil
}

// For returns the estimate record for (issue, attempt). A cached record for
// the same attempt is reused; otherwise the LLM is asked for a fresh
// estimate, falling back to the history median and finally the 20 minute
// default. The derived record is persisted before returning.
func (e *Estimator) For(ctx context.Context, issue, attempt int, body string) Record {
	if r, ok := e.Load(issue); ok && r.Attempt == attempt && r.TimeoutSec > 0 {
		return r
	}

	estSec := e.derive(ctx, body)
	r := Record{Attempt: attempt, EstimateSec: estSec, TimeoutSec: TimeoutFor(estSec)}
	// Persist failures are not fatal: the invocation proceeds with the
	// in-memory record and the next attempt re-estimates.
	_ = e.persist(issue, r)
	return r
}

func (e *Estimator) derive(ctx context.Context, body string) int {
	if e.LLM != nil {
		res := e.LLM.Invoke(ctx, Prompt(body), time.Duration(MinTimeoutSec)*time.Second)
		if res.OK() {
			return ParseMinutes(res.Stdout) * 60
		}
	}
	if e.History != nil {
		if med, err := e.History.MedianDuration(ctx); err == nil && med > 0 {
			return int(med / time.Second)
		}
	}
	return DefaultMinutes * 60
}
