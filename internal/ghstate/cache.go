package ghstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/papapumpkin/slaps/internal/events"
	"github.com/papapumpkin/slaps/internal/gh"
)

// Telemetry counts cache interactions so a degrading hit rate is visible
// before it turns into API pressure.
type Telemetry struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewTelemetry returns an empty counter set.
func NewTelemetry() *Telemetry {
	return &Telemetry{counts: make(map[string]int)}
}

// Incr bumps a counter.
func (t *Telemetry) Incr(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[key]++
}

// Snapshot returns the current counters, clearing them when reset is true.
func (t *Telemetry) Snapshot(reset bool) map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	if reset {
		t.counts = make(map[string]int)
	}
	return out
}

// itemsSnapshot is the persisted cache shape.
type itemsSnapshot struct {
	UpdatedAt float64   `json:"updated_at"`
	Items     []gh.Item `json:"items"`
}

// ItemsCache is the leader-written snapshot of project items that workers
// read instead of calling the API. Writes are atomic (temp then rename);
// readers tolerate absence and staleness.
type ItemsCache struct {
	Path      string
	Telemetry *Telemetry

	now func() time.Time
}

// NewItemsCache builds a cache at path with its own telemetry.
func NewItemsCache(path string) *ItemsCache {
	return &ItemsCache{Path: path, Telemetry: NewTelemetry(), now: time.Now}
}

// Write atomically replaces the snapshot.
func (c *ItemsCache) Write(items []gh.Item) error {
	snap := itemsSnapshot{
		UpdatedAt: float64(c.now().UnixNano()) / float64(time.Second),
		Items:     items,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("ghstate: marshal items cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
		return fmt.Errorf("ghstate: mkdir cache dir: %w", err)
	}
	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("ghstate: write items cache temp: %w", err)
	}
	if err := os.Rename(tmp, c.Path); err != nil {
		return fmt.Errorf("ghstate: replace items cache: %w", err)
	}
	return nil
}

// Read returns the snapshot items, or nil when the cache is absent or
// unreadable.
func (c *ItemsCache) Read() []gh.Item {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil
	}
	var snap itemsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil
	}
	return snap.Items
}

// OpenIssues returns the cached issues in the open state for the wave,
// sorted.
func (c *ItemsCache) OpenIssues(wave int) []int {
	c.Telemetry.Incr("open_calls")
	var out []int
	for _, it := range c.Read() {
		if it.Fields[gh.FieldState] != "open" {
			continue
		}
		if w, err := strconv.Atoi(it.Fields[gh.FieldWave]); err != nil || w != wave {
			continue
		}
		out = append(out, it.Issue)
	}
	sort.Ints(out)
	return out
}

// Find returns the cached item for an issue.
func (c *ItemsCache) Find(issue int) (gh.Item, bool) {
	c.Telemetry.Incr("find_calls")
	for _, it := range c.Read() {
		if it.Issue == issue {
			c.Telemetry.Incr("find_hit")
			return it, true
		}
	}
	c.Telemetry.Incr("find_miss")
	return gh.Item{}, false
}

// Fields returns the cached field map for an issue, counting hit or miss.
func (c *ItemsCache) Fields(issue int) (map[string]string, bool) {
	for _, it := range c.Read() {
		if it.Issue == issue && it.Fields != nil {
			c.Telemetry.Incr("fields_hit")
			return it.Fields, true
		}
	}
	c.Telemetry.Incr("fields_miss")
	return nil, false
}

// EmitStats snapshots and resets telemetry, emitting a cache_stats event
// and a cache_stats_warning when the fields hit rate falls under warnAt.
func (c *ItemsCache) EmitStats(em *events.Emitter, warnAt float64) {
	stats := c.Telemetry.Snapshot(true)
	if len(stats) == 0 {
		return
	}
	hit := stats["fields_hit"]
	total := hit + stats["fields_miss"]
	fields := events.Fields{
		"open_calls": stats["open_calls"],
		"find_calls": stats["find_calls"],
		"fields_hit": hit,
		"fields_miss": stats["fields_miss"],
	}
	if total > 0 {
		rate := float64(hit) / float64(total)
		fields["fields_hit_rate"] = rate
		em.Emit(events.CacheStats, fields)
		if rate < warnAt {
			em.Emit(events.CacheStatsWarning, events.Fields{
				"threshold": warnAt, "fields_hit": hit, "fields_total": total,
			})
		}
		return
	}
	em.Emit(events.CacheStats, fields)
}
