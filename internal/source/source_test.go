package source

import (
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/race-results-harvester/internal/extract"
	"github.com/JakeFAU/race-results-harvester/internal/harvest"
)

func minimalLayout() extract.FieldMap {
	return extract.FieldMap{
		Kind:   extract.KindList,
		Entry:  "li",
		Fields: []extract.FieldRule{{Name: "name"}},
	}
}

func TestPresetsCompile(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(nil)
	require.NoError(t, err)
	assert.Equal(t, []harvest.SourceID{Boston, ChicagoMen, ChicagoWomen, MarathonGuide}, reg.IDs())
}

func TestRegistryResolveUnknownSource(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(nil)
	require.NoError(t, err)
	_, err = reg.Resolve([]harvest.SourceID{Boston, "nyc"})
	require.ErrorIs(t, err, harvest.ErrUnknownSource)
}

func TestRegistryCustomOverridesPreset(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(map[string]Config{
		"boston": {URL: "http://localhost/{period}", Layout: minimalLayout()},
		"local":  {URL: "http://localhost/list", Layout: minimalLayout()},
	})
	require.NoError(t, err)

	src, err := reg.Lookup(Boston)
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, src.Config().Method)
	assert.Equal(t, "http://localhost/2020", src.Unit(2020, 1, 0).Request.URL)

	_, err = reg.Lookup("local")
	require.NoError(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cases := map[string]Config{
		"no url":         {Layout: minimalLayout()},
		"bad method":     {Method: "DELETE", URL: "http://x", Layout: minimalLayout()},
		"bad paging":     {URL: "http://x", Paging: Paging{Mode: "cursor"}, Layout: minimalLayout()},
		"negative size":  {URL: "http://x", Paging: Paging{PageSize: -1}, Layout: minimalLayout()},
		"bad layout":     {URL: "http://x"},
		"negative total": {URL: "http://x", Layout: minimalLayout(), Editions: map[int]Edition{2020: {Total: -5}}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := New("x", cfg)
			assert.Error(t, err)
		})
	}
}

func TestBostonUnitRequest(t *testing.T) {
	t.Parallel()

	src, err := New(Boston, bostonConfig())
	require.NoError(t, err)

	units := src.Units(2019, harvest.Plan{Total: 3})
	require.Len(t, units, 3)
	for i, u := range units {
		assert.Equal(t, i+1, u.Index.Ordinal)
		assert.False(t, u.Index.IsRange())
	}
	req := units[2].Request
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "https://results.baa.org/2019/", req.URL)
	assert.Equal(t, "3", req.Params.Get("page"))
	assert.Equal(t, "1000", req.Params.Get("num_results"))
	assert.Equal(t, "%", req.Params.Get("search[nation]"))
}

// TestOffsetUnitsCoverDeclaredTotal checks ranges are contiguous, disjoint and end at the total.
func TestOffsetUnitsCoverDeclaredTotal(t *testing.T) {
	t.Parallel()

	src, err := New(MarathonGuide, marathonGuideConfig())
	require.NoError(t, err)

	total := src.DeclaredTotal(2023)
	require.Equal(t, 48574, total)
	units := src.Units(2023, harvest.Plan{Total: (total + 99) / 100})
	require.Len(t, units, 486)

	next := 1
	for i, u := range units {
		assert.Equal(t, i+1, u.Index.Ordinal)
		assert.Equal(t, next, u.Index.Begin)
		assert.GreaterOrEqual(t, u.Index.End, u.Index.Begin)
		next = u.Index.End + 1
	}
	assert.Equal(t, total+1, next)

	last := units[len(units)-1].Request
	assert.Equal(t, "48501", last.Params.Get("Begin"))
	assert.Equal(t, "48574", last.Params.Get("End"))
	assert.Equal(t, "48574", last.Params.Get("Max"))
	assert.Equal(t, "67231008", last.Params.Get("MIDD"))
	assert.Contains(t, last.Headers.Get("Referer"), "MIDD=67231008")
}

func TestOffsetUnitsWithoutEditionUsePlanMax(t *testing.T) {
	t.Parallel()

	src, err := New(MarathonGuide, marathonGuideConfig())
	require.NoError(t, err)
	assert.Zero(t, src.DeclaredTotal(1999))

	units := src.Units(1999, harvest.Plan{Total: 2, Estimated: true})
	require.Len(t, units, 2)
	assert.Equal(t, harvest.UnitIndex{Ordinal: 2, Begin: 101, End: 200}, units[1].Index)
	assert.Equal(t, "200", units[1].Request.Params.Get("Max"))
	// Unknown placeholders are left untouched and reported.
	assert.Equal(t, "{race_id}", units[1].Request.Params.Get("MIDD"))
	assert.Equal(t, []string{"{race_id}"}, Unresolved(units[1].Request))
	assert.Empty(t, Unresolved(src.Unit(2023, 1, 0).Request))
}

func TestUnresolvedScansURLAndHeaders(t *testing.T) {
	t.Parallel()

	spec := harvest.RequestSpec{
		URL:     "https://example.com/{edition}/list",
		Params:  url.Values{"q": {"{b}", "{a}"}, "plain": {"x{y"}},
		Headers: http.Header{"Referer": {"https://example.com/?id={a}"}},
	}
	assert.Equal(t, []string{"{a}", "{b}", "{edition}"}, Unresolved(spec))
	assert.Empty(t, Unresolved(harvest.RequestSpec{URL: "https://example.com/"}))
}

func TestPlanResultsClampOffsetUnits(t *testing.T) {
	t.Parallel()

	src, err := New("club", Config{
		URL:    "https://example.com/results",
		Params: []Param{{Name: "Begin", Value: "{begin}"}, {Name: "End", Value: "{end}"}, {Name: "Max", Value: "{max}"}},
		Paging: Paging{Mode: PagingOffset, PageSize: 100},
		Layout: extract.FieldMap{Kind: extract.KindList, Entry: "li", Fields: []extract.FieldRule{{Name: "n"}}},
	})
	require.NoError(t, err)

	units := src.Units(2019, harvest.Plan{Total: 3, Results: 250})
	require.Len(t, units, 3)
	assert.Equal(t, harvest.UnitIndex{Ordinal: 3, Begin: 201, End: 250}, units[2].Index)
	assert.Equal(t, "250", units[2].Request.Params.Get("End"))
	assert.Equal(t, "250", units[2].Request.Params.Get("Max"))
	assert.Equal(t, "250", units[0].Request.Params.Get("Max"))

	// Without a result count the plan capacity bounds the range.
	units = src.Units(2019, harvest.Plan{Total: 3, Estimated: true})
	assert.Equal(t, "300", units[2].Request.Params.Get("End"))
	assert.Equal(t, "300", units[2].Request.Params.Get("Max"))
}

func TestChicagoSourcesDifferBySex(t *testing.T) {
	t.Parallel()

	men, err := New(ChicagoMen, chicagoConfig("M", "man"))
	require.NoError(t, err)
	women, err := New(ChicagoWomen, chicagoConfig("W", "woman"))
	require.NoError(t, err)

	assert.Equal(t, "M", men.Unit(2021, 1, 0).Request.Params.Get("search[sex]"))
	assert.Equal(t, "W", women.Unit(2021, 1, 0).Request.Params.Get("search[sex]"))
	assert.Equal(t, "https://results.chicagomarathon.com/2021/", women.Unit(2021, 1, 0).Request.URL)
	assert.Contains(t, men.Extractor().Schema(), "athlete_id")

	markup := `<ul><li class="list-group-item">
<div class="list-field type-fullname"><a href="?content=detail&amp;idp=9TGG9638A1&amp;lang=EN_CAP">Smith, John (USA)</a></div>
</li></ul>`
	recs := men.Extractor().Extract([]byte(markup), 2021)
	require.Len(t, recs, 1)
	assert.Equal(t, "9TGG9638A1", recs[0].Get("athlete_id"))
	assert.Equal(t, "https://results.chicagomarathon.com/2021/?content=detail&idp=9TGG9638A1", recs[0].Get("details_url"))
}

func TestPeriodsSorted(t *testing.T) {
	t.Parallel()

	src, err := New(MarathonGuide, marathonGuideConfig())
	require.NoError(t, err)
	assert.Equal(t, []int{2022, 2023, 2024}, src.Periods())
}

func TestLookupErrorMessage(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(nil)
	require.NoError(t, err)
	_, err = reg.Lookup("berlin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, harvest.ErrUnknownSource))
	assert.Contains(t, err.Error(), `"berlin"`)
}
