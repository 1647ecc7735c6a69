package harvest

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unit(source SourceID, period, ordinal int) FetchUnit {
	return FetchUnit{Source: source, Period: period, Index: UnitIndex{Ordinal: ordinal}}
}

func records(source SourceID, period, ordinal, n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{
			Source: source,
			Period: period,
			Fields: map[string]string{"full_name": fmt.Sprintf("runner-%d-%d", ordinal, i)},
		}
	}
	return out
}

// TestAggregatorConcurrentAppendIsLossless checks every record from every success lands exactly once.
func TestAggregatorConcurrentAppendIsLossless(t *testing.T) {
	t.Parallel()

	agg := NewAggregator()
	const pages = 200
	var wg sync.WaitGroup
	for i := 1; i <= pages; i++ {
		wg.Add(1)
		go func(ordinal int) {
			defer wg.Done()
			outcome := FetchOutcome{Unit: unit("boston", 2024, ordinal), Markup: []byte("<html/>")}
			assert.NoError(t, agg.AddOutcome(outcome, records("boston", 2024, ordinal, ordinal%5)))
		}(i)
	}
	wg.Wait()

	report := agg.Finalize("run", time.Unix(0, 0), time.Unix(1, 0))
	expected := 0
	for i := 1; i <= pages; i++ {
		expected += i % 5
	}
	require.Len(t, report.Records, expected)

	seen := make(map[string]int)
	for _, rec := range report.Records {
		seen[rec.Get("full_name")]++
	}
	for name, n := range seen {
		assert.Equalf(t, 1, n, "record %s duplicated", name)
	}

	count := report.Counts[PairKey{Source: "boston", Period: 2024}]
	assert.Equal(t, pages, count.Dispatched)
	assert.Equal(t, pages, count.Succeeded)
	assert.Equal(t, expected, count.Records)
}

// TestAggregatorPreservesIntraPageOrder verifies one page's records stay contiguous and ordered.
func TestAggregatorPreservesIntraPageOrder(t *testing.T) {
	t.Parallel()

	agg := NewAggregator()
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(ordinal int) {
			defer wg.Done()
			_ = agg.AddOutcome(FetchOutcome{Unit: unit("chicago", 2021, ordinal)}, records("chicago", 2021, ordinal, 10))
		}(i)
	}
	wg.Wait()

	report := agg.Finalize("run", time.Time{}, time.Time{})
	require.Len(t, report.Records, 200)
	for start := 0; start < len(report.Records); start += 10 {
		var ordinal int
		_, err := fmt.Sscanf(report.Records[start].Get("full_name"), "runner-%d-0", &ordinal)
		require.NoError(t, err)
		for j := 0; j < 10; j++ {
			assert.Equal(t, fmt.Sprintf("runner-%d-%d", ordinal, j), report.Records[start+j].Get("full_name"))
		}
	}
}

func TestAggregatorFailedUnitsExcludedFromRecords(t *testing.T) {
	t.Parallel()

	agg := NewAggregator()
	failed := FetchOutcome{Unit: unit("boston", 2019, 3), Err: NetworkError(errors.New("refused"))}
	require.NoError(t, agg.AddOutcome(failed, records("boston", 2019, 3, 4)))
	require.NoError(t, agg.AddOutcome(FetchOutcome{Unit: unit("boston", 2019, 1)}, records("boston", 2019, 1, 2)))

	report := agg.Finalize("run", time.Time{}, time.Time{})
	require.Len(t, report.FailedUnits, 1)
	assert.Equal(t, 3, report.FailedUnits[0].Index.Ordinal)
	assert.Len(t, report.Records, 2)
	assert.False(t, report.Complete())

	count := report.Counts[PairKey{Source: "boston", Period: 2019}]
	assert.Equal(t, PairCount{Dispatched: 2, Succeeded: 1, Failed: 1, Records: 2}, count)
}

func TestAggregatorRejectsDuplicateOutcome(t *testing.T) {
	t.Parallel()

	agg := NewAggregator()
	out := FetchOutcome{Unit: unit("boston", 2020, 1)}
	require.NoError(t, agg.AddOutcome(out, nil))
	err := agg.AddOutcome(out, nil)
	require.ErrorIs(t, err, ErrDuplicateOutcome)

	agg.Finalize("run", time.Time{}, time.Time{})
	require.ErrorIs(t, agg.AddOutcome(FetchOutcome{Unit: unit("boston", 2020, 2)}, nil), ErrFinalized)
}

func TestAggregatorFailedUnitsSorted(t *testing.T) {
	t.Parallel()

	agg := NewAggregator()
	for _, u := range []FetchUnit{unit("b", 2020, 2), unit("a", 2021, 1), unit("a", 2020, 5), unit("a", 2020, 1)} {
		require.NoError(t, agg.AddOutcome(FetchOutcome{Unit: u, Err: StatusError(503)}, nil))
	}
	report := agg.Finalize("run", time.Time{}, time.Time{})
	var keys []UnitKey
	for _, u := range report.FailedUnits {
		keys = append(keys, u.Key())
	}
	assert.Equal(t, []UnitKey{
		{Source: "a", Period: 2020, Ordinal: 1},
		{Source: "a", Period: 2020, Ordinal: 5},
		{Source: "a", Period: 2021, Ordinal: 1},
		{Source: "b", Period: 2020, Ordinal: 2},
	}, keys)
}

func TestAggregatorDiscoveryFailureAndSkipped(t *testing.T) {
	t.Parallel()

	agg := NewAggregator()
	pair := PairKey{Source: "boston", Period: 2005}
	agg.AddPlan(pair, Plan{})
	agg.AddDiscoveryFailure(pair, &DiscoveryError{Pair: pair, Err: NetworkError(errors.New("down"))})
	other := PairKey{Source: "boston", Period: 2006}
	agg.AddPlan(other, Plan{Total: 100, Estimated: true})
	agg.AddSkipped(other, 97)
	agg.AddSkipped(other, 0)

	report := agg.Finalize("run", time.Time{}, time.Time{})
	assert.Equal(t, 0, report.Counts[pair].Records)
	assert.True(t, report.Counts[pair].DiscoveryFailed)
	assert.Empty(t, report.FailedUnits)
	require.Len(t, report.DiscoveryFailures, 1)
	assert.Equal(t, 97, report.Counts[other].Skipped)
	assert.True(t, report.Counts[other].Estimated)
	assert.Equal(t, []PairKey{pair, other}, report.Pairs())
}

func TestFetchErrorFormatting(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "http_status(429)", StatusError(429).Error())
	assert.Equal(t, "network_error: boom", NetworkError(errors.New("boom")).Error())
	assert.Equal(t, "timeout", (&FetchError{Cause: CauseTimeout}).Error())

	wrapped := fmt.Errorf("outer: %w", TimeoutError(errors.New("slow")))
	assert.Equal(t, CauseTimeout, AsFetchError(wrapped).Cause)
	assert.Equal(t, CauseNetwork, AsFetchError(errors.New("plain")).Cause)
	assert.Nil(t, AsFetchError(nil))
}

func TestCauseOf(t *testing.T) {
	t.Parallel()

	unresolved := &DiscoveryError{Err: fmt.Errorf("MIDD: %w", ErrUnresolvedTemplate)}
	assert.Equal(t, CauseTemplate, CauseOf(unresolved))
	assert.Equal(t, CauseHTTPStatus, CauseOf(&DiscoveryError{Err: StatusError(503)}))
	assert.Equal(t, CauseNetwork, CauseOf(errors.New("plain")))
	assert.Empty(t, CauseOf(nil))
}

func TestRecordValuesFillsUnavailable(t *testing.T) {
	t.Parallel()

	rec := Record{Fields: map[string]string{"full_name": "Jane Doe"}}
	assert.Equal(t, []string{"Jane Doe", Unavailable}, rec.Values([]string{"full_name", "bib_number"}))
}
