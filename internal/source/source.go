// Package source describes the result-listing sites a harvest can target: how a unit
// request is built, how the site paginates and how each page is extracted.
package source

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/race-results-harvester/internal/extract"
	"github.com/JakeFAU/race-results-harvester/internal/harvest"
)

// PagingMode selects how units are addressed.
type PagingMode string

// Supported paging modes.
const (
	// PagingPage addresses units by 1-based page number.
	PagingPage PagingMode = "page"
	// PagingOffset addresses units by inclusive result ranges of PageSize.
	PagingOffset PagingMode = "offset"
)

const (
	defaultPageSize      = 100
	defaultFallbackUnits = 100
	defaultControlItem   = "a"
)

// Param is one templated request parameter or header. Lists keep names case-sensitive
// (config keys are case-folded) and preserve order.
type Param struct {
	Name  string `mapstructure:"name"`
	Value string `mapstructure:"value"`
}

// Paging describes how a site paginates and where the probe finds the unit count.
type Paging struct {
	Mode PagingMode `mapstructure:"mode"`
	// PageSize is the number of results a full unit holds.
	PageSize int `mapstructure:"page_size"`
	// Control selects the pagination container; ControlItem selects its links.
	Control     string `mapstructure:"control"`
	ControlItem string `mapstructure:"control_item"`
	// RequireControl marks sites that always render the control when results span more
	// than one page; its absence then means markup drift.
	RequireControl bool `mapstructure:"require_control"`
	// TotalSelector and TotalPattern locate a total result count in the probe page.
	TotalSelector string `mapstructure:"total_selector"`
	TotalPattern  string `mapstructure:"total_pattern"`
	// FallbackUnits is the conservative estimate used when the count is unreadable.
	FallbackUnits int `mapstructure:"fallback_units"`
}

// Edition carries per-period request variables and the declared result count.
type Edition struct {
	Vars  map[string]string `mapstructure:"vars"`
	Total int               `mapstructure:"total"`
}

// Config is the declarative form of a source, loadable from configuration.
type Config struct {
	Method  string  `mapstructure:"method"`
	URL     string  `mapstructure:"url"`
	Params  []Param `mapstructure:"params"`
	Headers []Param `mapstructure:"headers"`
	// Vars are substituted into templates as {name}.
	Vars     map[string]string `mapstructure:"vars"`
	Paging   Paging            `mapstructure:"paging"`
	Layout   extract.FieldMap  `mapstructure:"layout"`
	Editions map[int]Edition   `mapstructure:"editions"`
}

// Source is a compiled, immutable source definition.
type Source struct {
	id        harvest.SourceID
	cfg       Config
	extractor harvest.Extractor
}

// New validates cfg and compiles its field map.
func New(id harvest.SourceID, cfg Config) (*Source, error) {
	if id == "" {
		return nil, errors.New("source id is required")
	}
	cfg.Method = strings.ToUpper(strings.TrimSpace(cfg.Method))
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.Method != http.MethodGet && cfg.Method != http.MethodPost {
		return nil, fmt.Errorf("source %s: unsupported method %q", id, cfg.Method)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("source %s: url is required", id)
	}
	switch cfg.Paging.Mode {
	case "":
		cfg.Paging.Mode = PagingPage
	case PagingPage, PagingOffset:
	default:
		return nil, fmt.Errorf("source %s: unknown paging mode %q", id, cfg.Paging.Mode)
	}
	if cfg.Paging.PageSize < 0 || cfg.Paging.FallbackUnits < 0 {
		return nil, fmt.Errorf("source %s: page_size and fallback_units must be >= 0", id)
	}
	if cfg.Paging.PageSize == 0 {
		cfg.Paging.PageSize = defaultPageSize
	}
	if cfg.Paging.FallbackUnits == 0 {
		cfg.Paging.FallbackUnits = defaultFallbackUnits
	}
	if cfg.Paging.ControlItem == "" {
		cfg.Paging.ControlItem = defaultControlItem
	}
	if p := cfg.Paging.TotalPattern; p != "" {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("source %s: compile total_pattern: %w", id, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("source %s: total_pattern needs a capture group", id)
		}
	}
	for period, ed := range cfg.Editions {
		if ed.Total < 0 {
			return nil, fmt.Errorf("source %s: edition %d has negative total", id, period)
		}
	}
	ex, err := extract.New(id, cfg.Layout)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", id, err)
	}
	return &Source{id: id, cfg: cfg, extractor: ex}, nil
}

// ID returns the source identifier.
func (s *Source) ID() harvest.SourceID { return s.id }

// Paging returns the pagination settings with defaults applied.
func (s *Source) Paging() Paging { return s.cfg.Paging }

// Extractor returns the compiled layout variant.
func (s *Source) Extractor() harvest.Extractor { return s.extractor }

// Config returns a copy of the resolved configuration.
func (s *Source) Config() Config { return s.cfg }

// DeclaredTotal returns the result count declared for period, or 0 when unknown.
func (s *Source) DeclaredTotal(period int) int {
	return s.cfg.Editions[period].Total
}

// Periods lists the periods with declared editions in ascending order.
func (s *Source) Periods() []int {
	out := make([]int, 0, len(s.cfg.Editions))
	for p := range s.cfg.Editions {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// UnitIndex returns the index of the nth unit (1-based) of period. Offset ranges are
// clamped to the declared total when one is known.
func (s *Source) UnitIndex(period, n int) harvest.UnitIndex {
	return s.index(n, s.DeclaredTotal(period))
}

func (s *Source) index(n, results int) harvest.UnitIndex {
	if s.cfg.Paging.Mode != PagingOffset {
		return harvest.UnitIndex{Ordinal: n}
	}
	size := s.cfg.Paging.PageSize
	begin := (n-1)*size + 1
	end := begin + size - 1
	if results > 0 && end > results {
		end = results
	}
	return harvest.UnitIndex{Ordinal: n, Begin: begin, End: end}
}

// Unit builds the nth unit of period. results is the known result count: it clamps
// offset ranges and feeds {max}. A declared total takes precedence.
func (s *Source) Unit(period, n, results int) harvest.FetchUnit {
	if total := s.DeclaredTotal(period); total > 0 {
		results = total
	}
	idx := s.index(n, results)
	return harvest.FetchUnit{
		Source:  s.id,
		Period:  period,
		Index:   idx,
		Request: s.request(period, idx, results),
	}
}

// Units expands a plan into its fetch units, ordinals 1..plan.Total. Without a result
// count the plan's capacity stands in for it.
func (s *Source) Units(period int, plan harvest.Plan) []harvest.FetchUnit {
	results := plan.Results
	if results <= 0 {
		results = plan.Total * s.cfg.Paging.PageSize
	}
	out := make([]harvest.FetchUnit, 0, plan.Total)
	for n := 1; n <= plan.Total; n++ {
		out = append(out, s.Unit(period, n, results))
	}
	return out
}

var placeholder = regexp.MustCompile(`\{[A-Za-z_][A-Za-z0-9_]*\}`)

// Unresolved lists the {name} placeholders left in spec after templating, sorted and
// without duplicates.
func Unresolved(spec harvest.RequestSpec) []string {
	seen := map[string]struct{}{}
	scan := func(v string) {
		for _, m := range placeholder.FindAllString(v, -1) {
			seen[m] = struct{}{}
		}
	}
	scan(spec.URL)
	for _, vs := range spec.Params {
		for _, v := range vs {
			scan(v)
		}
	}
	for _, vs := range spec.Headers {
		for _, v := range vs {
			scan(v)
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (s *Source) request(period int, idx harvest.UnitIndex, results int) harvest.RequestSpec {
	r := s.replacer(period, idx, results)
	spec := harvest.RequestSpec{
		Method:  s.cfg.Method,
		URL:     r.Replace(s.cfg.URL),
		Params:  url.Values{},
		Headers: http.Header{},
	}
	for _, p := range s.cfg.Params {
		spec.Params.Add(p.Name, r.Replace(p.Value))
	}
	for _, h := range s.cfg.Headers {
		spec.Headers.Add(h.Name, r.Replace(h.Value))
	}
	return spec
}

func (s *Source) replacer(period int, idx harvest.UnitIndex, results int) *strings.Replacer {
	vars := map[string]string{}
	for k, v := range s.cfg.Vars {
		vars[k] = v
	}
	for k, v := range s.cfg.Editions[period].Vars {
		vars[k] = v
	}
	vars["period"] = strconv.Itoa(period)
	vars["page"] = strconv.Itoa(idx.Ordinal)
	vars["size"] = strconv.Itoa(s.cfg.Paging.PageSize)
	vars["begin"] = strconv.Itoa(idx.Begin)
	vars["end"] = strconv.Itoa(idx.End)
	vars["max"] = strconv.Itoa(results)

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	return strings.NewReplacer(pairs...)
}
