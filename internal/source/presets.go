package source

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/JakeFAU/race-results-harvester/internal/extract"
	"github.com/JakeFAU/race-results-harvester/internal/harvest"
)

// Built-in source identifiers.
const (
	Boston        harvest.SourceID = "boston"
	MarathonGuide harvest.SourceID = "marathonguide"
	ChicagoMen    harvest.SourceID = "chicago-men"
	ChicagoWomen  harvest.SourceID = "chicago-women"
)

const browserAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"

// Presets returns the built-in source definitions keyed by id.
func Presets() map[harvest.SourceID]Config {
	return map[harvest.SourceID]Config{
		Boston:        bostonConfig(),
		MarathonGuide: marathonGuideConfig(),
		ChicagoMen:    chicagoConfig("M", "man"),
		ChicagoWomen:  chicagoConfig("W", "woman"),
	}
}

// Boston Athletic Association results: POSTed search form, 1000 results per page.
func bostonConfig() Config {
	label := ".list-label"
	times := "div.split.list-field.type-time"
	return Config{
		Method: http.MethodPost,
		URL:    "https://results.baa.org/{period}/",
		Params: []Param{
			{Name: "page", Value: "{page}"},
			{Name: "event", Value: "R"},
			{Name: "event_main_group", Value: "runner"},
			{Name: "num_results", Value: "{size}"},
			{Name: "pid", Value: "search"},
			{Name: "search[age_class]", Value: "%"},
			{Name: "search[nation]", Value: "%"},
			{Name: "search_sort", Value: "name"},
		},
		Headers: []Param{{Name: "Accept", Value: browserAccept}},
		Paging: Paging{
			Mode:          PagingPage,
			PageSize:      1000,
			Control:       "ul.pagination",
			ControlItem:   "a",
			FallbackUnits: 100,
		},
		Layout: extract.FieldMap{
			Kind:  extract.KindList,
			Entry: "li.list-group-item.row:not(.list-group-thead)",
			Fields: []extract.FieldRule{
				{Name: "full_name", Selector: "h4.list-field.type-fullname"},
				{Name: "overall_place", Selector: "div.list-field.type-place.place-secondary"},
				{Name: "gender_place", Selector: "div.list-field.type-place.place-primary"},
				{Name: "bib_number", Selector: `div.list-field.type-field[style*="45px"]`, Exclude: label},
				{Name: "half_time", Selector: times, Index: 0, Exclude: label, Transforms: []string{"trim_prefix:HALF"}},
				{Name: "finish_net_time", Selector: times, Index: 1, Exclude: label, Transforms: []string{"trim_prefix:Finish Net"}},
				{Name: "finish_gun_time", Selector: times, Index: 2, Exclude: label, Transforms: []string{"trim_prefix:Finish Gun"}},
			},
		},
	}
}

// MarathonGuide browse pages: GET offset ranges of 100 against a per-edition race id.
func marathonGuideConfig() Config {
	namePattern := `^(.*?)\s*\(([MF])`
	return Config{
		Method: http.MethodGet,
		URL:    "https://www.marathonguide.com/results/browse.cfm",
		Params: []Param{
			{Name: "RL", Value: "1"},
			{Name: "MIDD", Value: "{race_id}"},
			{Name: "Gen", Value: "B"},
			{Name: "Begin", Value: "{begin}"},
			{Name: "End", Value: "{end}"},
			{Name: "Max", Value: "{max}"},
		},
		Headers: []Param{
			{Name: "Accept", Value: browserAccept},
			{Name: "Accept-Language", Value: "en-US,en;q=0.9"},
			{Name: "Referer", Value: "https://www.marathonguide.com/results/browse.cfm?RL=1&MIDD={race_id}&Gen=B&Begin=1&End=100&Max={max}"},
		},
		Paging: Paging{
			Mode:          PagingOffset,
			PageSize:      100,
			FallbackUnits: 100,
		},
		Layout: extract.FieldMap{
			Kind:       extract.KindTable,
			Entry:      "table.colordataTable",
			SkipRows:   1,
			MinColumns: 6,
			Fields: []extract.FieldRule{
				{Name: "full_name", Column: 0, Transforms: []string{"regex:1:" + namePattern}, KeepRaw: true},
				{Name: "sex", Column: 0, Transforms: []string{"regex:2:" + namePattern}},
				{Name: "finish_time", Column: 1},
				{Name: "overall_place", Column: 2},
				{Name: "sex_place", Column: 3, Transforms: []string{"split:/:0"}, KeepRaw: true},
				{Name: "division_place", Column: 3, Transforms: []string{"split:/:1"}},
				{Name: "division", Column: 4},
				{Name: "country", Column: 5},
				{Name: "bq_status", Column: 6},
			},
		},
		Editions: map[int]Edition{
			2022: {Vars: map[string]string{"race_id": "67221009"}, Total: 39420},
			2023: {Vars: map[string]string{"race_id": "67231008"}, Total: 48574},
			2024: {Vars: map[string]string{"race_id": "67241013"}, Total: 52129},
		},
	}
}

// Chicago Marathon list pages, one source per sex; the sex is not in the markup so it is
// carried as a constant field.
func chicagoConfig(sex, gender string) Config {
	label := ".list-label"
	namePattern := `^(.*?)\s*\(([A-Z]{3})\)$`
	idpPattern := `regex:1:idp=([A-Za-z0-9_.-]+)`
	return Config{
		Method: http.MethodGet,
		URL:    "https://results.chicagomarathon.com/{period}/",
		Params: []Param{
			{Name: "page", Value: "{page}"},
			{Name: "event", Value: "MAR"},
			{Name: "lang", Value: "EN_CAP"},
			{Name: "num_results", Value: "{size}"},
			{Name: "pid", Value: "list"},
			{Name: "search[sex]", Value: "{sex}"},
			{Name: "search[age_class]", Value: "%"},
		},
		Headers: []Param{{Name: "Accept", Value: browserAccept}},
		Vars:    map[string]string{"sex": sex},
		Paging: Paging{
			Mode:          PagingPage,
			PageSize:      1000,
			Control:       "ul.pagination",
			ControlItem:   "a",
			FallbackUnits: 100,
		},
		Layout: extract.FieldMap{
			Kind:  extract.KindAnchor,
			Entry: ".list-field.type-fullname a",
			Row:   "li.list-group-item",
			Fields: []extract.FieldRule{
				{Name: "name", Selector: ".type-fullname a", Transforms: []string{"regex:1:" + namePattern}, KeepRaw: true},
				{Name: "country", Selector: ".type-fullname a", Transforms: []string{"regex:2:" + namePattern}},
				{Name: "gender", Value: gender},
				{Name: "age_class", Selector: ".type-age_class", Exclude: label},
				{Name: "half_time", Selector: ".type-time", Index: 0, Exclude: label},
				{Name: "finish_time", Selector: ".type-time", Index: 1, Exclude: label},
				{Name: "athlete_id", Selector: ".type-fullname a", Attr: "href", Transforms: []string{idpPattern}},
				{Name: "details_url", Selector: ".type-fullname a", Attr: "href", Transforms: []string{
					idpPattern,
					"format:https://results.chicagomarathon.com/{period}/?content=detail&idp={value}",
				}},
			},
		},
	}
}

// Registry holds compiled sources by id.
type Registry struct {
	sources map[harvest.SourceID]*Source
}

// NewRegistry compiles the presets overlaid with custom definitions. A custom entry
// with a preset's id replaces the preset.
func NewRegistry(custom map[string]Config) (*Registry, error) {
	defs := Presets()
	for id, cfg := range custom {
		defs[harvest.SourceID(id)] = cfg
	}
	reg := &Registry{sources: make(map[harvest.SourceID]*Source, len(defs))}
	for id, cfg := range defs {
		src, err := New(id, cfg)
		if err != nil {
			return nil, err
		}
		reg.sources[id] = src
	}
	return reg, nil
}

// Lookup returns the source registered under id.
func (r *Registry) Lookup(id harvest.SourceID) (*Source, error) {
	src, ok := r.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", harvest.ErrUnknownSource, id)
	}
	return src, nil
}

// Resolve looks up every id, failing on the first unknown one.
func (r *Registry) Resolve(ids []harvest.SourceID) ([]*Source, error) {
	out := make([]*Source, 0, len(ids))
	for _, id := range ids {
		src, err := r.Lookup(id)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

// IDs lists the registered ids in sorted order.
func (r *Registry) IDs() []harvest.SourceID {
	out := make([]harvest.SourceID, 0, len(r.sources))
	for id := range r.sources {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
