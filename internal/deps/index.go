package deps

import (
	"sort"
	"sync"
)

// Index holds the merged dependency graph. Edge ingestion is idempotent;
// the raw blockedBy list for an issue, when present and non-empty, is the
// authoritative blocker set, with edge-derived blockers as fallback.
type Index struct {
	mu         sync.RWMutex
	dependents map[int]map[int]bool // blocker -> dependents
	blockers   map[int]map[int]bool // dependent -> blockers, from edges
	raw        map[int][]int        // dependent -> blockers, from raw records
	rawSeen    map[int]bool
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		dependents: make(map[int]map[int]bool),
		blockers:   make(map[int]map[int]bool),
		raw:        make(map[int][]int),
		rawSeen:    make(map[int]bool),
	}
}

// AddEdge records blocker -> dependent. Re-adding an existing edge is a
// no-op.
func (ix *Index) AddEdge(blocker, dependent int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.dependents[blocker] == nil {
		ix.dependents[blocker] = make(map[int]bool)
	}
	ix.dependents[blocker][dependent] = true
	if ix.blockers[dependent] == nil {
		ix.blockers[dependent] = make(map[int]bool)
	}
	ix.blockers[dependent][blocker] = true
}

// AddEdges records a batch of edges.
func (ix *Index) AddEdges(edges []Edge) {
	for _, e := range edges {
		ix.AddEdge(e.Blocker, e.Dependent)
	}
}

// SetRawBlockers records the blockedBy list from an issue's raw record.
// Recording an issue with no blockers is meaningful: it marks the issue as
// seen with an authoritative empty set.
func (ix *Index) SetRawBlockers(issue int, blockers []int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.raw[issue] = append([]int(nil), blockers...)
	ix.rawSeen[issue] = true
	for _, b := range blockers {
		if ix.dependents[b] == nil {
			ix.dependents[b] = make(map[int]bool)
		}
		ix.dependents[b][issue] = true
		if ix.blockers[issue] == nil {
			ix.blockers[issue] = make(map[int]bool)
		}
		ix.blockers[issue][b] = true
	}
}

// Blockers returns the issue's full blocker set, sorted. The raw blockedBy
// list wins when non-empty; an empty raw list falls back to edge-derived
// blockers so a sparse record cannot hide a declared edge.
func (ix *Index) Blockers(issue int) []int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.rawSeen[issue] && len(ix.raw[issue]) > 0 {
		out := append([]int(nil), ix.raw[issue]...)
		sort.Ints(out)
		return out
	}
	var out []int
	for b := range ix.blockers[issue] {
		out = append(out, b)
	}
	sort.Ints(out)
	return out
}

// Dependents returns the issues blocked by the given blocker, sorted.
func (ix *Index) Dependents(blocker int) []int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []int
	for d := range ix.dependents[blocker] {
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

// Satisfied reports whether every blocker of dependent carries a closed
// marker. Markers are global, so a blocker closed in a strictly earlier
// wave satisfies a dependent in a later one. An issue with no blockers is
// trivially satisfied. An issue inside a dependency cycle is never
// satisfied: cycles are malformed input and nothing is unlocked through
// them.
func (ix *Index) Satisfied(dependent int, closed map[int]bool) bool {
	if ix.InCycle(dependent) {
		return false
	}
	for _, b := range ix.Blockers(dependent) {
		if !closed[b] {
			return false
		}
	}
	return true
}

// InCycle reports whether the issue participates in a dependency cycle
// reachable from itself through edge-derived blockers.
func (ix *Index) InCycle(issue int) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	seen := make(map[int]bool)
	var walk func(n int) bool
	walk = func(n int) bool {
		for b := range ix.blockers[n] {
			if b == issue {
				return true
			}
			if seen[b] {
				continue
			}
			seen[b] = true
			if walk(b) {
				return true
			}
		}
		return false
	}
	return walk(issue)
}
