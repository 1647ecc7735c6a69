package harvest

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Aggregator errors.
var (
	ErrDuplicateOutcome = errors.New("duplicate outcome for unit")
	ErrFinalized        = errors.New("aggregator already finalized")
)

// Aggregator builds a Report from concurrently completing units. All methods are safe for
// concurrent use; each call appends under a single mutex so one page's records are never
// interleaved with another's.
type Aggregator struct {
	mu        sync.Mutex
	records   []Record
	failed    map[UnitKey]FetchUnit
	seen      map[UnitKey]struct{}
	discovery []DiscoveryFailure
	counts    map[PairKey]PairCount
	schemas   map[SourceID][]string
	finalized bool
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		failed:  make(map[UnitKey]FetchUnit),
		seen:    make(map[UnitKey]struct{}),
		counts:  make(map[PairKey]PairCount),
		schemas: make(map[SourceID][]string),
	}
}

// SetSchema records the declared field order of a source.
func (a *Aggregator) SetSchema(source SourceID, schema []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.schemas[source] = append([]string(nil), schema...)
}

// AddPlan records the discovered plan of a pair.
func (a *Aggregator) AddPlan(pair PairKey, plan Plan) {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := a.counts[pair]
	count.Units = plan.Total
	count.Estimated = plan.Estimated
	a.counts[pair] = count
}

// AddDiscoveryFailure records a pair whose probe failed.
func (a *Aggregator) AddDiscoveryFailure(pair PairKey, cause error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discovery = append(a.discovery, DiscoveryFailure{Pair: pair, Cause: cause})
	count := a.counts[pair]
	count.DiscoveryFailed = true
	a.counts[pair] = count
}

// AddSkipped records units of a pair that were never dispatched.
func (a *Aggregator) AddSkipped(pair PairKey, n int) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	count := a.counts[pair]
	count.Skipped += n
	a.counts[pair] = count
}

// AddOutcome records one unit outcome and the records extracted from it. Records of a
// failed outcome are ignored.
func (a *Aggregator) AddOutcome(outcome FetchOutcome, records []Record) error {
	key := outcome.Unit.Key()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return ErrFinalized
	}
	if _, dup := a.seen[key]; dup {
		return fmt.Errorf("%w %s/%d/%d", ErrDuplicateOutcome, key.Source, key.Period, key.Ordinal)
	}
	a.seen[key] = struct{}{}

	pair := outcome.Unit.Pair()
	count := a.counts[pair]
	count.Dispatched++
	if !outcome.Success() {
		count.Failed++
		a.failed[key] = outcome.Unit
		a.counts[pair] = count
		return nil
	}
	count.Succeeded++
	count.Records += len(records)
	a.counts[pair] = count
	a.records = append(a.records, records...)
	return nil
}

// Finalize freezes the aggregator and returns the report. Failed units are sorted by
// identity; records keep completion order.
func (a *Aggregator) Finalize(runID string, started, finished time.Time) *Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalized = true

	failed := make([]FetchUnit, 0, len(a.failed))
	for _, unit := range a.failed {
		failed = append(failed, unit)
	}
	sort.Slice(failed, func(i, j int) bool {
		return lessKey(failed[i].Key(), failed[j].Key())
	})

	counts := make(map[PairKey]PairCount, len(a.counts))
	for k, v := range a.counts {
		counts[k] = v
	}
	schemas := make(map[SourceID][]string, len(a.schemas))
	for k, v := range a.schemas {
		schemas[k] = append([]string(nil), v...)
	}

	return &Report{
		RunID:             runID,
		StartedAt:         started,
		FinishedAt:        finished,
		Records:           append([]Record(nil), a.records...),
		FailedUnits:       failed,
		DiscoveryFailures: append([]DiscoveryFailure(nil), a.discovery...),
		Counts:            counts,
		Schemas:           schemas,
	}
}

func lessKey(a, b UnitKey) bool {
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if a.Period != b.Period {
		return a.Period < b.Period
	}
	return a.Ordinal < b.Ordinal
}
