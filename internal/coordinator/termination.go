package coordinator

import (
	"sync"

	"github.com/JakeFAU/race-results-harvester/internal/harvest"
)

// cutoffTracker applies the empty-page rule to pairs with estimated plans. Once
// threshold consecutive ordinals ending at i completed with zero records, units above i
// are skipped at pickup. Units already in flight are left to finish.
type cutoffTracker struct {
	threshold int

	mu    sync.Mutex
	pairs map[harvest.PairKey]*pairState
}

type pairState struct {
	empty  map[int]bool
	cutoff int
}

func newCutoffTracker(threshold int) *cutoffTracker {
	return &cutoffTracker{threshold: threshold, pairs: make(map[harvest.PairKey]*pairState)}
}

// track enables the rule for pair. Exact plans are never tracked.
func (c *cutoffTracker) track(pair harvest.PairKey) {
	if c.threshold <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairs[pair] = &pairState{empty: make(map[int]bool)}
}

// Skip implements worker.Gate.
func (c *cutoffTracker) Skip(unit harvest.FetchUnit) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.pairs[unit.Pair()]
	if !ok || state.cutoff == 0 {
		return false
	}
	return unit.Index.Ordinal > state.cutoff
}

// Observe implements worker.Gate. Failed units do not count as empty.
func (c *cutoffTracker) Observe(unit harvest.FetchUnit, success bool, records int) {
	if !success || records > 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.pairs[unit.Pair()]
	if !ok {
		return
	}
	n := unit.Index.Ordinal
	state.empty[n] = true

	// The new empty ordinal can complete any window ending in [n, n+threshold-1].
	for end := n; end < n+c.threshold; end++ {
		start := end - c.threshold + 1
		if start < 1 {
			continue
		}
		if state.cutoff != 0 && end >= state.cutoff {
			break
		}
		if c.windowEmpty(state, start, end) {
			state.cutoff = end
			break
		}
	}
}

func (c *cutoffTracker) windowEmpty(state *pairState, start, end int) bool {
	for i := start; i <= end; i++ {
		if !state.empty[i] {
			return false
		}
	}
	return true
}

// cutoff returns the ordinal after which units of pair are skipped, or 0.
func (c *cutoffTracker) cutoff(pair harvest.PairKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.pairs[pair]; ok {
		return state.cutoff
	}
	return 0
}
