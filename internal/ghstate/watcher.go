package ghstate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/papapumpkin/slaps/internal/deps"
	"github.com/papapumpkin/slaps/internal/events"
	"github.com/papapumpkin/slaps/internal/gh"
	"github.com/papapumpkin/slaps/internal/queue"
	"github.com/papapumpkin/slaps/internal/task"
)

// Labels managed on worked issues.
const (
	LabelWIP    = "slaps-wip"
	LabelDidIt  = "slaps-did-it"
	LabelFailed = "slaps-failed"
)

// Port is the GitHub surface the server-fields backend mutates through.
// *gh.Client implements it; tests substitute a fake.
type Port interface {
	EnsureProject(ctx context.Context, title string) (gh.Project, error)
	EnsureFields(ctx context.Context, project gh.Project) (map[string]gh.Field, error)
	EnsureLabels(ctx context.Context, labels []string) error
	EnsureIssueInProject(ctx context.Context, project gh.Project, issue int) (string, error)
	ListItems(ctx context.Context, project gh.Project) ([]gh.Item, error)
	ListIssuesForWave(ctx context.Context, wave int) ([]int, error)
	GetBlockers(ctx context.Context, issue int) ([]int, error)
	SetItemNumber(ctx context.Context, project gh.Project, itemID string, field gh.Field, value float64) error
	SetItemSingleSelect(ctx context.Context, project gh.Project, itemID string, field gh.Field, option string) error
	FetchIssue(ctx context.Context, issue int) ([]byte, error)
	AddLabel(ctx context.Context, issue int, label string) error
	RemoveLabel(ctx context.Context, issue int, label string) error
	AddComment(ctx context.Context, issue int, body string) error
	ListIssueComments(ctx context.Context, issue int) ([]gh.Comment, error)
}

// WatcherConfig carries the tunables of the server-fields watcher.
type WatcherConfig struct {
	RefreshInterval   time.Duration
	ReconcileInterval time.Duration
	ReconcileMax      int
	CacheHitWarn      float64
}

// Watcher is the server-fields reconciler. All board mutation is
// leader-only; non-leader ticks only maintain local state.
type Watcher struct {
	GH       Port
	Paths    queue.Paths
	Lease    *Lease
	Locks    *Locks
	Items    *ItemsCache
	Waves    *WavesCache
	Blockers *deps.BlockersCache
	Events   *events.Emitter
	Config   WatcherConfig

	Project gh.Project
	Fields  map[string]gh.Field

	now           func() time.Time
	lastRefresh   time.Time
	lastReconcile time.Time
}

// NewWatcher wires a watcher over the queue layout.
func NewWatcher(port Port, p queue.Paths, em *events.Emitter, cfg WatcherConfig) *Watcher {
	w := &Watcher{
		GH:     port,
		Paths:  p,
		Lease:  NewLease(p.LeaderHeartbeat(), DefaultLeaderTTL),
		Locks:  NewLocks(p.LockDir(), DefaultLockTTL),
		Items:  NewItemsCache(filepath.Join(p.CacheDir(), "project_items.json")),
		Waves:  NewWavesCache(filepath.Join(p.CacheDir(), "waves.json"), DefaultWavesTTL),
		Events: em,
		Config: cfg,
		now:    time.Now,
	}
	w.Blockers = deps.NewBlockersCache(func(issue int) ([]int, error) {
		return port.GetBlockers(context.Background(), issue)
	}, 300*time.Second)
	return w
}

// Preflight resolves the project and its fields, refusing startup when the
// state field enumeration is incomplete, and ensures the worked-issue
// labels and lock directory exist.
func (w *Watcher) Preflight(ctx context.Context, projectTitle string) error {
	project, err := w.GH.EnsureProject(ctx, projectTitle)
	if err != nil {
		return fmt.Errorf("ghstate: preflight project: %w", err)
	}
	fields, err := w.GH.EnsureFields(ctx, project)
	if err != nil {
		return fmt.Errorf("ghstate: preflight fields: %w", err)
	}
	if err := w.GH.EnsureLabels(ctx, []string{LabelWIP, LabelDidIt, LabelFailed}); err != nil {
		return fmt.Errorf("ghstate: preflight labels: %w", err)
	}
	if err := os.MkdirAll(w.Paths.LockDir(), 0o755); err != nil {
		return fmt.Errorf("ghstate: preflight lock dir: %w", err)
	}
	w.Project = project
	w.Fields = fields
	w.Events.Emit(events.GHPreflight, events.Fields{
		"project": project.Title, "number": project.Number,
	})
	return nil
}

// waveIssues discovers the wave's membership: waves cache, then the API,
// then the raw records on disk.
func (w *Watcher) waveIssues(ctx context.Context, wave int) []int {
	if issues, ok := w.Waves.Get(wave); ok && len(issues) > 0 {
		return issues
	}
	if nums, err := w.GH.ListIssuesForWave(ctx, wave); err == nil && len(nums) > 0 {
		_ = w.Waves.Put(wave, nums)
		return nums
	}
	var out []int
	entries, err := os.ReadDir(w.Paths.RawDir())
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(w.Paths.RawDir(), e.Name()))
		if err != nil {
			continue
		}
		ri, err := task.ParseRawIssue(data)
		if err != nil {
			continue
		}
		if ri.Number > 0 && ri.Wave() == wave {
			out = append(out, ri.Number)
		}
	}
	if len(out) > 0 {
		_ = w.Waves.Put(wave, out)
	}
	return out
}

// InitializeItems adds every wave issue to the project with initial fields:
// wave number, attempt 0, state blocked. Idempotent; re-running resets
// fields to the same values.
func (w *Watcher) InitializeItems(ctx context.Context, wave int) error {
	issues := w.waveIssues(ctx, wave)
	if len(issues) == 0 {
		w.Events.Emit(events.Degraded, events.Fields{
			"op": "initialize_items", "wave": wave, "error": "no issues discovered",
		})
		return nil
	}
	for _, issue := range issues {
		itemID, err := w.GH.EnsureIssueInProject(ctx, w.Project, issue)
		if err != nil {
			return fmt.Errorf("ghstate: add issue %d to project: %w", issue, err)
		}
		if err := w.GH.SetItemNumber(ctx, w.Project, itemID, w.Fields[gh.FieldWave], float64(wave)); err != nil {
			return err
		}
		if err := w.GH.SetItemNumber(ctx, w.Project, itemID, w.Fields[gh.FieldAttempt], 0); err != nil {
			return err
		}
		if err := w.GH.SetItemSingleSelect(ctx, w.Project, itemID, w.Fields[gh.FieldState], string(task.StateBlocked)); err != nil {
			return err
		}
		w.ensureRawCached(ctx, issue)
		w.Events.Emit(events.InitItem, events.Fields{"task": issue, "item_id": itemID, "wave": wave})
	}
	w.RefreshCache(ctx, true)
	return nil
}

// ensureRawCached writes the raw issue record if absent, so prompts and
// wave discovery survive API outages.
func (w *Watcher) ensureRawCached(ctx context.Context, issue int) {
	path := w.Paths.RawIssue(issue)
	if _, err := os.Stat(path); err == nil {
		return
	}
	data, err := w.GH.FetchIssue(ctx, issue)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o644)
}

// issueClosedRemotely reports whether the repo issue itself is closed.
func (w *Watcher) issueClosedRemotely(ctx context.Context, issue int) bool {
	data, err := w.GH.FetchIssue(ctx, issue)
	if err != nil {
		return false
	}
	var meta struct {
		State string `json:"state"`
	}
	if json.Unmarshal(data, &meta) != nil {
		return false
	}
	return strings.EqualFold(meta.State, "closed")
}

// issueWave returns the wave an issue declares via its labels, 0 if none.
func (w *Watcher) issueWave(ctx context.Context, issue int) int {
	data, err := w.GH.FetchIssue(ctx, issue)
	if err != nil {
		return 0
	}
	ri, err := task.ParseRawIssue(data)
	if err != nil {
		return 0
	}
	return ri.Wave()
}

// blockersSatisfied decides whether every blocker of issue is closed,
// taking a blocker in a strictly earlier wave as satisfied. The cache
// answers first; uncached blockers cost one API read each.
func (w *Watcher) blockersSatisfied(ctx context.Context, wave, issue int) bool {
	blockers, err := w.Blockers.Get(issue)
	if err != nil || len(blockers) == 0 {
		return true
	}
	for _, b := range blockers {
		if fields, ok := w.Items.Fields(b); ok {
			if fields[gh.FieldState] == string(task.StateClosed) {
				continue
			}
			if bw, err := strconv.Atoi(fields[gh.FieldWave]); err == nil && bw < wave {
				continue
			}
			return false
		}
		if w.issueClosedRemotely(ctx, b) {
			continue
		}
		if bw := w.issueWave(ctx, b); bw > 0 && bw < wave {
			continue
		}
		return false
	}
	return true
}

// UnlockSweep promotes blocked and failure items whose blocker sets are
// satisfied and whose attempt budget remains, bumping the attempt count as
// each opens. Leader-only.
func (w *Watcher) UnlockSweep(ctx context.Context, wave int) {
	if !w.Lease.IsLeader() {
		return
	}
	opened := 0
	for _, issue := range w.waveIssues(ctx, wave) {
		item, ok := w.Items.Find(issue)
		if !ok {
			continue
		}
		st := item.Fields[gh.FieldState]
		if st != string(task.StateBlocked) && st != string(task.StateFailure) {
			continue
		}
		if !w.blockersSatisfied(ctx, wave, issue) {
			continue
		}
		attempt, _ := strconv.Atoi(item.Fields[gh.FieldAttempt])
		if attempt >= task.MaxAttempts {
			continue
		}
		if err := w.GH.SetItemNumber(ctx, w.Project, item.ID, w.Fields[gh.FieldAttempt], float64(attempt+1)); err != nil {
			continue
		}
		if err := w.GH.SetItemSingleSelect(ctx, w.Project, item.ID, w.Fields[gh.FieldState], string(task.StateOpen)); err != nil {
			continue
		}
		opened++
		w.Events.Emit(events.UnlockOpen, events.Fields{"task": issue, "wave": wave})
	}
	if opened > 0 {
		w.RefreshCache(ctx, true)
	}
}

// WatchLocks reflects new local claim locks into board state: worker field,
// claimed state, WIP label. Stale locks are reaped. Leader-only.
func (w *Watcher) WatchLocks(ctx context.Context) {
	if !w.Lease.IsLeader() {
		return
	}
	active, reaped := w.Locks.List()
	for _, issue := range reaped {
		w.Events.Emit(events.LockReaped, events.Fields{"task": issue})
	}
	claims := 0
	for _, lock := range active {
		fields, ok := w.Items.Fields(lock.Issue)
		if ok && fields[gh.FieldState] == string(task.StateClaimed) {
			continue // already reflected
		}
		itemID, err := w.GH.EnsureIssueInProject(ctx, w.Project, lock.Issue)
		if err != nil {
			continue
		}
		if err := w.GH.SetItemNumber(ctx, w.Project, itemID, w.Fields[gh.FieldWorker], float64(lock.Worker)); err != nil {
			continue
		}
		if err := w.GH.SetItemSingleSelect(ctx, w.Project, itemID, w.Fields[gh.FieldState], string(task.StateClaimed)); err != nil {
			continue
		}
		_ = w.GH.AddLabel(ctx, lock.Issue, LabelWIP)
		w.Events.Emit(events.Claimed, events.Fields{"task": lock.Issue, "worker": lock.Worker})
		claims++
	}
	w.Lease.Heartbeat()
	if claims > 0 {
		w.RefreshCache(ctx, true)
	}
}

// RefreshCache snapshots the project items into the shared cache. The
// interval gate keeps API pressure bounded; force bypasses it after a
// mutating pass. Leader-only.
func (w *Watcher) RefreshCache(ctx context.Context, force bool) {
	if !w.Lease.IsLeader() {
		return
	}
	if !force && w.now().Sub(w.lastRefresh) < w.Config.RefreshInterval {
		return
	}
	items, err := w.GH.ListItems(ctx, w.Project)
	if err != nil {
		w.Events.Emit(events.Degraded, events.Fields{"op": "refresh_cache", "error": err.Error()})
		return
	}
	if err := w.Items.Write(items); err != nil {
		w.Events.Emit(events.Degraded, events.Fields{"op": "refresh_cache", "error": err.Error()})
		return
	}
	w.lastRefresh = w.now()
	w.Items.EmitStats(w.Events, w.Config.CacheHitWarn)
}

// ReconcileClosed samples a bounded number of non-closed items and marks
// closed any whose repo issue is closed. Recovers items closed out of band.
// Leader-only.
func (w *Watcher) ReconcileClosed(ctx context.Context) {
	if !w.Lease.IsLeader() {
		return
	}
	if w.now().Sub(w.lastReconcile) < w.Config.ReconcileInterval {
		return
	}
	w.lastReconcile = w.now()

	count := 0
	for _, item := range w.Items.Read() {
		if count >= w.Config.ReconcileMax {
			break
		}
		if item.Fields[gh.FieldState] == string(task.StateClosed) || item.ID == "" {
			continue
		}
		if !w.issueClosedRemotely(ctx, item.Issue) {
			continue
		}
		if err := w.GH.SetItemSingleSelect(ctx, w.Project, item.ID, w.Fields[gh.FieldState], string(task.StateClosed)); err != nil {
			continue
		}
		count++
	}
}

// Tick runs one watcher pass for the wave.
func (w *Watcher) Tick(ctx context.Context, wave int) {
	w.WatchLocks(ctx)
	w.UnlockSweep(ctx, wave)
	w.RefreshCache(ctx, false)
	w.ReconcileClosed(ctx)
}
