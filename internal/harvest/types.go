package harvest

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"
)

// Unavailable marks a declared field whose value could not be located in the markup.
const Unavailable = "N/A"

// SourceID names one result-listing website or endpoint.
type SourceID string

// PairKey identifies a (source, period) harvest scope.
type PairKey struct {
	Source SourceID
	Period int
}

// String renders the pair as "source/period".
func (k PairKey) String() string {
	return fmt.Sprintf("%s/%d", k.Source, k.Period)
}

// UnitIndex locates one fetchable unit within a period. Ordinal is the 1-based page
// number. Begin and End carry the inclusive result range for offset-paginated sources
// and are zero for page-numbered ones.
type UnitIndex struct {
	Ordinal int
	Begin   int
	End     int
}

// IsRange reports whether the index addresses an offset range.
func (i UnitIndex) IsRange() bool {
	return i.Begin > 0 || i.End > 0
}

// RequestSpec fully describes one request: GET sends Params as the query string, POST
// sends them as a form-encoded body.
type RequestSpec struct {
	Method  string
	URL     string
	Params  url.Values
	Headers http.Header
}

// UnitKey is the identity of a FetchUnit.
type UnitKey struct {
	Source  SourceID
	Period  int
	Ordinal int
}

// FetchUnit is one page or offset range to fetch for a source/period.
type FetchUnit struct {
	Source  SourceID
	Period  int
	Index   UnitIndex
	Request RequestSpec
}

// Key returns the unit identity.
func (u FetchUnit) Key() UnitKey {
	return UnitKey{Source: u.Source, Period: u.Period, Ordinal: u.Index.Ordinal}
}

// Pair returns the (source, period) scope the unit belongs to.
func (u FetchUnit) Pair() PairKey {
	return PairKey{Source: u.Source, Period: u.Period}
}

// FetchOutcome is produced exactly once per dispatched unit. Err is nil on success.
type FetchOutcome struct {
	Unit     FetchUnit
	Markup   []byte
	Err      *FetchError
	Duration time.Duration
}

// Success reports whether the fetch returned markup.
func (o FetchOutcome) Success() bool {
	return o.Err == nil
}

// Record is one normalized result row. Fields holds every declared field of the source
// schema; missing values are Unavailable.
type Record struct {
	Source SourceID
	Period int
	Fields map[string]string
}

// Get returns the field value, or Unavailable when the field is not present.
func (r Record) Get(name string) string {
	if v, ok := r.Fields[name]; ok {
		return v
	}
	return Unavailable
}

// Values projects the record onto the given schema order.
func (r Record) Values(schema []string) []string {
	out := make([]string, len(schema))
	for i, name := range schema {
		out[i] = r.Get(name)
	}
	return out
}

// PairCount summarizes the work done for one (source, period) pair.
type PairCount struct {
	// Units is the discovered unit count (0 when the pair was skipped).
	Units int `json:"units"`
	// Estimated is set when Units came from the fallback estimate.
	Estimated bool `json:"estimated"`
	// DiscoveryFailed is set when the probe fetch failed.
	DiscoveryFailed bool `json:"discovery_failed"`
	Dispatched      int  `json:"dispatched"`
	Succeeded       int  `json:"succeeded"`
	Failed          int  `json:"failed"`
	// Skipped counts units never dispatched because the empty-page rule fired.
	Skipped int `json:"skipped"`
	Records int `json:"records"`
}

// DiscoveryFailure records a pair whose probe fetch failed.
type DiscoveryFailure struct {
	Pair  PairKey
	Cause error
}

// Report is the aggregated result of one harvest run.
type Report struct {
	RunID             string
	StartedAt         time.Time
	FinishedAt        time.Time
	Records           []Record
	FailedUnits       []FetchUnit
	DiscoveryFailures []DiscoveryFailure
	Counts            map[PairKey]PairCount
	// Schemas holds the declared field order per source for writers.
	Schemas map[SourceID][]string
}

// RecordsFor returns the records harvested for the given pair in report order.
func (r *Report) RecordsFor(pair PairKey) []Record {
	var out []Record
	for _, rec := range r.Records {
		if rec.Source == pair.Source && rec.Period == pair.Period {
			out = append(out, rec)
		}
	}
	return out
}

// SourceCount sums the record counts of every period of a source.
func (r *Report) SourceCount(source SourceID) int {
	total := 0
	for pair, count := range r.Counts {
		if pair.Source == source {
			total += count.Records
		}
	}
	return total
}

// Complete reports whether no unit or probe failed.
func (r *Report) Complete() bool {
	return len(r.FailedUnits) == 0 && len(r.DiscoveryFailures) == 0
}

// Pairs returns the counted pairs sorted by source then period.
func (r *Report) Pairs() []PairKey {
	out := make([]PairKey, 0, len(r.Counts))
	for pair := range r.Counts {
		out = append(out, pair)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Period < out[j].Period
	})
	return out
}
