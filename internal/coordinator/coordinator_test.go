package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/race-results-harvester/internal/clock/system"
	"github.com/JakeFAU/race-results-harvester/internal/extract"
	"github.com/JakeFAU/race-results-harvester/internal/fetcher"
	"github.com/JakeFAU/race-results-harvester/internal/harvest"
	"github.com/JakeFAU/race-results-harvester/internal/hash/sha256"
	"github.com/JakeFAU/race-results-harvester/internal/progress"
	"github.com/JakeFAU/race-results-harvester/internal/source"
	"github.com/JakeFAU/race-results-harvester/internal/storage/memory"
)

const testSource harvest.SourceID = "local"

// site serves list pages keyed by period and page number.
type site struct {
	mu       sync.Mutex
	pages    map[int]map[int]string
	statuses map[int]map[int]int
	calls    map[int]int
	delay    time.Duration
	inFlight atomic.Int64
	peak     atomic.Int64
}

func newSite() *site {
	return &site{
		pages:    map[int]map[int]string{},
		statuses: map[int]map[int]int{},
		calls:    map[int]int{},
	}
}

func (s *site) set(period, page int, markup string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pages[period] == nil {
		s.pages[period] = map[int]string{}
	}
	s.pages[period][page] = markup
}

func (s *site) fail(period, page, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[period] == nil {
		s.statuses[period] = map[int]int{}
	}
	s.statuses[period][page] = status
}

func (s *site) RoundTrip(_ context.Context, spec harvest.RequestSpec) (harvest.Response, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	period, err := strconv.Atoi(strings.Trim(strings.TrimPrefix(spec.URL, "https://results.test/"), "/"))
	if err != nil {
		return harvest.Response{}, fmt.Errorf("bad url %s", spec.URL)
	}
	page, _ := strconv.Atoi(spec.Params.Get("page"))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[period]++
	if status, ok := s.statuses[period][page]; ok {
		return harvest.Response{StatusCode: status}, nil
	}
	return harvest.Response{StatusCode: http.StatusOK, Body: []byte(s.pages[period][page])}, nil
}

func (s *site) callsFor(period int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[period]
}

func listPage(names []string, lastPage int) string {
	var b strings.Builder
	b.WriteString(`<html><body><ul class="results">`)
	for _, n := range names {
		fmt.Fprintf(&b, `<li class="r"><span class="name">%s</span></li>`, n)
	}
	b.WriteString(`</ul>`)
	if lastPage > 0 {
		b.WriteString(`<ul class="pagination">`)
		for i := 1; i <= lastPage; i++ {
			fmt.Fprintf(&b, `<li><a href="?page=%d">%d</a></li>`, i, i)
		}
		b.WriteString(`<li><a href="#">Next</a></li></ul>`)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

func names(page, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("p%d-r%d", page, i+1)
	}
	return out
}

// paged fills pages 1..len(sizes) of period, each carrying a control to the last page.
func (s *site) paged(period int, sizes ...int) {
	for i, size := range sizes {
		s.set(period, i+1, listPage(names(i+1, size), len(sizes)))
	}
}

func testRegistry(t *testing.T) *source.Registry {
	t.Helper()
	reg, err := source.NewRegistry(map[string]source.Config{
		string(testSource): {
			URL:    "https://results.test/{period}/",
			Params: []source.Param{{Name: "page", Value: "{page}"}},
			Paging: source.Paging{PageSize: 3, Control: "ul.pagination", FallbackUnits: 10},
			Layout: extract.FieldMap{
				Kind:   extract.KindList,
				Entry:  "li.r",
				Fields: []extract.FieldRule{{Name: "name", Selector: "span.name"}},
			},
		},
	})
	require.NoError(t, err)
	return reg
}

type fixedID string

func (f fixedID) NewID() (string, error) { return string(f), nil }

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) byStage(stage progress.Stage) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, e := range r.events {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

func newCoordinator(t *testing.T, s *site, cfg Config, deps Deps) *Coordinator {
	t.Helper()
	deps.Sources = testRegistry(t)
	deps.Fetcher = fetcher.New(s, nil, fetcher.Config{}, zap.NewNop())
	if deps.IDs == nil {
		deps.IDs = fixedID("0192f3a4-7b1c-7d2e-8f90-123456789abc")
	}
	deps.Clock = system.New()
	c, err := New(deps, cfg, zap.NewNop())
	require.NoError(t, err)
	return c
}

func pairOf(period int) harvest.PairKey {
	return harvest.PairKey{Source: testSource, Period: period}
}

func TestHarvestFetchesEveryDiscoveredUnit(t *testing.T) {
	t.Parallel()

	s := newSite()
	s.paged(2019, 3, 3, 3, 1)
	c := newCoordinator(t, s, Config{Concurrency: 3, EmptyPageThreshold: 2}, Deps{})

	report, err := c.Harvest(context.Background(), []harvest.SourceID{testSource}, []int{2019})
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Equal(t, "0192f3a4-7b1c-7d2e-8f90-123456789abc", report.RunID)

	// The probe is reused as unit 1.
	assert.Equal(t, 4, s.callsFor(2019))
	count := report.Counts[pairOf(2019)]
	assert.Equal(t, harvest.PairCount{Units: 4, Dispatched: 4, Succeeded: 4, Records: 10}, count)
	require.Len(t, report.Records, 10)

	// Records of one page stay contiguous and in page order.
	seen := map[string]bool{}
	for i := 0; i < len(report.Records); {
		page := strings.SplitN(report.Records[i].Get("name"), "-", 2)[0]
		require.False(t, seen[page], "page %s interleaved", page)
		seen[page] = true
		for r := 1; i < len(report.Records) && strings.HasPrefix(report.Records[i].Get("name"), page+"-"); r++ {
			assert.Equal(t, fmt.Sprintf("%s-r%d", page, r), report.Records[i].Get("name"))
			i++
		}
	}
	assert.Len(t, seen, 4)
	assert.Equal(t, []string{"name"}, report.Schemas[testSource])
}

func TestHarvestRecordsEmptyAndFailedDiscovery(t *testing.T) {
	t.Parallel()

	s := newSite()
	s.paged(2019, 3, 2)
	s.set(2005, 1, listPage(nil, 0))
	s.fail(2006, 1, http.StatusServiceUnavailable)
	c := newCoordinator(t, s, Config{Concurrency: 2}, Deps{})

	report, err := c.Harvest(context.Background(), []harvest.SourceID{testSource}, []int{2005, 2006, 2019})
	require.NoError(t, err)

	empty := report.Counts[pairOf(2005)]
	assert.Zero(t, empty.Units)
	assert.Zero(t, empty.Records)
	assert.Equal(t, 1, s.callsFor(2005))

	require.Len(t, report.DiscoveryFailures, 1)
	failure := report.DiscoveryFailures[0]
	assert.Equal(t, pairOf(2006), failure.Pair)
	var derr *harvest.DiscoveryError
	require.ErrorAs(t, failure.Cause, &derr)
	fe := harvest.AsFetchError(failure.Cause)
	assert.Equal(t, http.StatusServiceUnavailable, fe.StatusCode)
	assert.True(t, report.Counts[pairOf(2006)].DiscoveryFailed)

	assert.Empty(t, report.FailedUnits)
	assert.Equal(t, 5, report.SourceCount(testSource))
	assert.Len(t, report.RecordsFor(pairOf(2019)), 5)
	assert.False(t, report.Complete())
}

func TestHarvestFailedUnitIsReportedAndOthersKept(t *testing.T) {
	t.Parallel()

	s := newSite()
	s.paged(2019, 3, 3, 3, 3)
	s.fail(2019, 3, http.StatusInternalServerError)
	c := newCoordinator(t, s, Config{Concurrency: 4}, Deps{})

	report, err := c.Harvest(context.Background(), []harvest.SourceID{testSource}, []int{2019})
	require.NoError(t, err)
	require.Len(t, report.FailedUnits, 1)
	assert.Equal(t, 3, report.FailedUnits[0].Index.Ordinal)
	assert.Len(t, report.Records, 9)
	for _, rec := range report.Records {
		assert.False(t, strings.HasPrefix(rec.Get("name"), "p3-"))
	}
	assert.Equal(t, 1, report.Counts[pairOf(2019)].Failed)
}

func TestHarvestBoundsInFlightFetches(t *testing.T) {
	t.Parallel()

	s := newSite()
	s.delay = 5 * time.Millisecond
	periods := []int{2017, 2018, 2019}
	for _, p := range periods {
		s.paged(p, 3, 3, 3, 3, 3, 3)
	}
	c := newCoordinator(t, s, Config{Concurrency: 2}, Deps{})

	report, err := c.Harvest(context.Background(), []harvest.SourceID{testSource}, periods)
	require.NoError(t, err)
	assert.Len(t, report.Records, 3*6*3)
	assert.LessOrEqual(t, s.peak.Load(), int64(2))
	assert.GreaterOrEqual(t, s.peak.Load(), int64(1))
}

func TestHarvestEndsEstimatedPairAfterEmptyPages(t *testing.T) {
	t.Parallel()

	s := newSite()
	// A full first page without a pagination control yields the fallback estimate.
	for page := 1; page <= 3; page++ {
		s.set(2019, page, listPage(names(page, 3), 0))
	}
	emitter := &recordingEmitter{}
	c := newCoordinator(t, s, Config{Concurrency: 1, EmptyPageThreshold: 2}, Deps{Emitter: emitter})

	report, err := c.Harvest(context.Background(), []harvest.SourceID{testSource}, []int{2019})
	require.NoError(t, err)

	count := report.Counts[pairOf(2019)]
	assert.True(t, count.Estimated)
	assert.Equal(t, 10, count.Units)
	assert.Equal(t, 5, count.Dispatched)
	assert.Equal(t, 5, count.Skipped)
	assert.Equal(t, 9, count.Records)
	assert.Equal(t, 5, s.callsFor(2019))

	skipped := emitter.byStage(progress.StageUnitsSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, 5, skipped[0].Units)
}

func TestHarvestExactPlanFetchesEmptyPages(t *testing.T) {
	t.Parallel()

	s := newSite()
	s.set(2019, 1, listPage(names(1, 3), 5))
	for page := 2; page <= 5; page++ {
		s.set(2019, page, listPage(nil, 5))
	}
	c := newCoordinator(t, s, Config{Concurrency: 1, EmptyPageThreshold: 2}, Deps{})

	report, err := c.Harvest(context.Background(), []harvest.SourceID{testSource}, []int{2019})
	require.NoError(t, err)
	count := report.Counts[pairOf(2019)]
	assert.False(t, count.Estimated)
	assert.Equal(t, 5, count.Dispatched)
	assert.Zero(t, count.Skipped)
}

func TestHarvestArchivesAndEmitsEvents(t *testing.T) {
	t.Parallel()

	s := newSite()
	s.paged(2019, 3, 1)
	archive := memory.NewArchive()
	emitter := &recordingEmitter{}
	c := newCoordinator(t, s, Config{Concurrency: 2, ArchivePrefix: "raw"}, Deps{
		Archive: archive,
		Hasher:  mustHasher(t),
		Emitter: emitter,
		IDs:     fixedID("run-1"),
	})

	report, err := c.Harvest(context.Background(), []harvest.SourceID{testSource, testSource}, []int{2019, 2019})
	require.NoError(t, err)
	assert.Len(t, report.Records, 4)

	paths := archive.Paths()
	require.Len(t, paths, 2)
	assert.True(t, strings.HasPrefix(paths[0], "raw/local/2019/00001-"))
	assert.True(t, strings.HasPrefix(paths[1], "raw/local/2019/00002-"))

	emitter.mu.Lock()
	events := append([]progress.Event(nil), emitter.events...)
	emitter.mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, progress.StageRunStart, events[0].Stage)
	assert.Equal(t, progress.StageRunDone, events[len(events)-1].Stage)
	assert.Equal(t, 4, events[len(events)-1].Records)
	assert.Empty(t, events[len(events)-1].Cause)
	for _, e := range events {
		assert.NoError(t, e.Validate(), "event %s", e.Stage)
	}
	assert.Len(t, emitter.byStage(progress.StageUnitDone), 2)
	assert.Len(t, emitter.byStage(progress.StagePairDiscovered), 1)
}

func TestHarvestConfigErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		ids     []harvest.SourceID
		periods []int
		cfg     Config
		want    error
	}{
		{name: "no sources", periods: []int{2019}, cfg: Config{Concurrency: 1}, want: harvest.ErrNoSources},
		{name: "no periods", ids: []harvest.SourceID{testSource}, cfg: Config{Concurrency: 1}, want: harvest.ErrNoPeriods},
		{name: "unknown source", ids: []harvest.SourceID{"berlin"}, periods: []int{2019}, cfg: Config{Concurrency: 1}, want: harvest.ErrUnknownSource},
		{name: "bad concurrency", ids: []harvest.SourceID{testSource}, periods: []int{2019}, cfg: Config{}, want: harvest.ErrBadConcurrency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newSite()
			c := newCoordinator(t, s, tc.cfg, Deps{})
			report, err := c.Harvest(context.Background(), tc.ids, tc.periods)
			require.ErrorIs(t, err, tc.want)
			assert.Nil(t, report)
			assert.Zero(t, s.callsFor(2019))
		})
	}
}

func TestHarvestCanceledReturnsPartialReport(t *testing.T) {
	t.Parallel()

	s := newSite()
	s.paged(2019, 3, 3)
	c := newCoordinator(t, s, Config{Concurrency: 1}, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := c.Harvest(ctx, []harvest.SourceID{testSource}, []int{2019})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Empty(t, report.Records)
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{Concurrency: 1}, nil)
	require.Error(t, err)

	_, err = New(Deps{Sources: testRegistry(t)}, Config{Concurrency: 1}, nil)
	require.Error(t, err)
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

func TestHarvestIDFailure(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, newSite(), Config{Concurrency: 1}, Deps{IDs: failingIDs{}})
	_, err := c.Harvest(context.Background(), []harvest.SourceID{testSource}, []int{2019})
	require.ErrorContains(t, err, "entropy exhausted")
}

func mustHasher(t *testing.T) *sha256.Hasher {
	t.Helper()
	h, err := sha256.New(12)
	require.NoError(t, err)
	return h
}
