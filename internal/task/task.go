// Package task defines the task identity, state enumeration, and transition
// table shared by both queue backends. A task corresponds to one GitHub issue
// and is identified by its non-negative issue number.
package task

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// State is a task's position in the lifecycle.
type State string

// The six task states. Failure is transient: it becomes Open after
// remediation or Dead once the attempt budget is exhausted.
const (
	StateBlocked State = "blocked"
	StateOpen    State = "open"
	StateClaimed State = "claimed"
	StateClosed  State = "closed"
	StateFailure State = "failure"
	StateDead    State = "dead"
)

// States lists every state in lifecycle order.
var States = []State{StateBlocked, StateOpen, StateClaimed, StateClosed, StateFailure, StateDead}

// MaxAttempts is the dead-letter threshold: a task whose attempt count
// reaches this value on failure is terminal for the wave.
const MaxAttempts = 3

// Task is a snapshot of one issue's scheduling state.
type Task struct {
	Issue      int
	State      State
	Wave       int
	Attempt    int
	Worker     int    // 0 = unowned
	Prompt     string // task body, when loaded
	EstimateSec int
	TimeoutSec  int
}

// transitions is the total edge set of the state machine. Any (from, to)
// pair not present here is invalid and must be rejected at the store
// boundary without mutating.
var transitions = map[State]map[State]bool{
	StateBlocked: {StateOpen: true},
	StateOpen:    {StateClaimed: true},
	StateClaimed: {StateClosed: true, StateFailure: true},
	StateFailure: {StateOpen: true, StateDead: true},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// ValidState reports whether s is one of the six known states.
func ValidState(s State) bool {
	switch s {
	case StateBlocked, StateOpen, StateClaimed, StateClosed, StateFailure, StateDead:
		return true
	}
	return false
}

var issueNumRe = regexp.MustCompile(`(\d+)`)

// IssueNumber extracts the first run of digits from a filename. Returns
// false for names carrying no digits (non-task files are ignored by
// listing, so this is not an error).
func IssueNumber(name string) (int, bool) {
	m := issueNumRe.FindString(name)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Label is a GitHub label attached to an issue.
type Label struct {
	Name string `json:"name"`
}

// Milestone is the GitHub milestone attached to an issue.
type Milestone struct {
	Title string `json:"title"`
}

// RawIssue is the per-issue record cached under raw/issue-<N>.json.
// Relationships is kept raw so that the blockedBy key can be matched
// case-insensitively.
type RawIssue struct {
	Number        int                        `json:"number"`
	Title         string                     `json:"title"`
	Body          string                     `json:"body"`
	State         string                     `json:"state"`
	Labels        []Label                    `json:"labels"`
	Milestone     *Milestone                 `json:"milestone"`
	Relationships map[string]json.RawMessage `json:"relationships"`
}

// ParseRawIssue decodes a raw issue record.
func ParseRawIssue(data []byte) (*RawIssue, error) {
	var ri RawIssue
	if err := json.Unmarshal(data, &ri); err != nil {
		return nil, fmt.Errorf("task: parse raw issue: %w", err)
	}
	return &ri, nil
}

// BlockedBy returns the issue's blocker set. The blockedBy key is matched
// case-insensitively; entries may be numbers or digit strings; anything
// malformed is skipped. A missing key means no blockers.
func (ri *RawIssue) BlockedBy() []int {
	if ri == nil || ri.Relationships == nil {
		return nil
	}
	var raw json.RawMessage
	for k, v := range ri.Relationships {
		if strings.EqualFold(k, "blockedBy") {
			raw = v
			break
		}
	}
	if raw == nil {
		return nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	var out []int
	for _, e := range entries {
		var n int
		if err := json.Unmarshal(e, &n); err == nil {
			out = append(out, n)
			continue
		}
		var s string
		if err := json.Unmarshal(e, &s); err == nil {
			if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				out = append(out, n)
			}
		}
	}
	return out
}

// Wave returns the wave number identified by a milestone::M<wave> label,
// falling back to a milestone titled M<wave> or "Wave <wave>". Returns 0
// when no wave is declared.
func (ri *RawIssue) Wave() int {
	if ri == nil {
		return 0
	}
	for _, lab := range ri.Labels {
		name := strings.TrimSpace(lab.Name)
		if rest, ok := strings.CutPrefix(name, "milestone::M"); ok {
			if n, err := strconv.Atoi(rest); err == nil && n > 0 {
				return n
			}
		}
	}
	if ri.Milestone != nil {
		title := strings.TrimSpace(ri.Milestone.Title)
		if rest, ok := strings.CutPrefix(title, "M"); ok {
			if n, err := strconv.Atoi(rest); err == nil && n > 0 {
				return n
			}
		}
		if rest, ok := strings.CutPrefix(strings.ToLower(title), "wave "); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}
