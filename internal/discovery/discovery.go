// Package discovery determines how many units a (source, period) pair spans from a single
// probe fetch of its first unit.
package discovery

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/race-results-harvester/internal/harvest"
	"github.com/JakeFAU/race-results-harvester/internal/source"
)

// Plan reasons.
const (
	ReasonNoEntries        = "no entries"
	ReasonDeclaredTotal    = "declared total"
	ReasonControl          = "pagination control"
	ReasonTotalLocator     = "total locator"
	ReasonSinglePage       = "single page"
	ReasonControlDrift     = "pagination control unparseable"
	ReasonControlMissing   = "pagination control missing"
	ReasonFullPageNoPaging = "full first page without pagination"
)

var digits = regexp.MustCompile(`\d[\d,]*`)

// Probe is the outcome of discovering one pair. Unit, Markup and Records describe the
// probe fetch so the caller can account it as unit 1 instead of fetching it again.
type Probe struct {
	Plan    harvest.Plan
	Unit    harvest.FetchUnit
	Markup  []byte
	Records []harvest.Record
}

// Discoverer probes sources through a Fetcher.
type Discoverer struct {
	fetcher harvest.Fetcher
	logger  *zap.Logger
}

// New builds a Discoverer.
func New(fetcher harvest.Fetcher, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{fetcher: fetcher, logger: logger.Named("discovery")}
}

// Discover returns the unit plan for src and period.
func (d *Discoverer) Discover(ctx context.Context, src *source.Source, period int) (harvest.Plan, error) {
	probe, err := d.Probe(ctx, src, period)
	return probe.Plan, err
}

// Probe fetches unit 1 and derives the plan. A failed probe returns a zero plan and a
// *harvest.DiscoveryError. A request still holding {name} placeholders is never sent.
func (d *Discoverer) Probe(ctx context.Context, src *source.Source, period int) (Probe, error) {
	paging := src.Paging()
	unit := src.Unit(period, 1, paging.FallbackUnits*paging.PageSize)
	pair := unit.Pair()
	probe := Probe{Unit: unit}

	if missing := source.Unresolved(unit.Request); len(missing) > 0 {
		err := fmt.Errorf("%w: %s", harvest.ErrUnresolvedTemplate, strings.Join(missing, ", "))
		d.logger.Warn("pair request unresolved",
			zap.String("pair", pair.String()),
			zap.Strings("placeholders", missing),
		)
		return probe, &harvest.DiscoveryError{Pair: pair, Err: err}
	}

	markup, err := d.fetcher.Fetch(ctx, unit.Request)
	if err != nil {
		d.logger.Warn("probe failed",
			zap.String("pair", pair.String()),
			zap.Error(err),
		)
		return probe, &harvest.DiscoveryError{Pair: pair, Err: err}
	}
	probe.Markup = markup
	probe.Records = src.Extractor().Extract(markup, period)
	probe.Plan = plan(src, period, markup, len(probe.Records))

	d.logger.Info("pair discovered",
		zap.String("pair", pair.String()),
		zap.Int("units", probe.Plan.Total),
		zap.Bool("estimated", probe.Plan.Estimated),
		zap.String("reason", probe.Plan.Reason),
	)
	return probe, nil
}

func plan(src *source.Source, period int, markup []byte, entries int) harvest.Plan {
	if entries == 0 {
		return harvest.Plan{Reason: ReasonNoEntries}
	}
	paging := src.Paging()
	fallback := harvest.Plan{Total: paging.FallbackUnits, Estimated: true}

	if total := src.DeclaredTotal(period); total > 0 {
		return harvest.Plan{Total: unitsFor(total, paging.PageSize), Reason: ReasonDeclaredTotal, Results: total}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		fallback.Reason = fmt.Sprintf("parse probe: %v", err)
		return fallback
	}

	if paging.Control != "" {
		control := doc.Find(paging.Control)
		if control.Length() > 0 {
			n, ok := highestPage(control.Find(paging.ControlItem))
			if !ok {
				fallback.Reason = ReasonControlDrift
				return fallback
			}
			return harvest.Plan{Total: n, Reason: ReasonControl}
		}
	}

	if total, ok := locateTotal(doc, paging); ok {
		return harvest.Plan{Total: unitsFor(total, paging.PageSize), Reason: ReasonTotalLocator, Results: total}
	}

	if paging.RequireControl && paging.Control != "" {
		fallback.Reason = ReasonControlMissing
		return fallback
	}
	if entries >= paging.PageSize {
		fallback.Reason = ReasonFullPageNoPaging
		return fallback
	}
	return harvest.Plan{Total: 1, Reason: ReasonSinglePage}
}

// highestPage returns the largest page number among the control's links. Navigation
// links ("Next", "»") carry no number and are ignored.
func highestPage(items *goquery.Selection) (int, bool) {
	best := 0
	items.Each(func(_ int, item *goquery.Selection) {
		text := strings.TrimSpace(item.Text())
		if n, err := strconv.Atoi(text); err == nil && n > best {
			best = n
		}
	})
	return best, best > 0
}

// locateTotal reads a total result count from the probe page.
func locateTotal(doc *goquery.Document, paging source.Paging) (int, bool) {
	if paging.TotalSelector == "" && paging.TotalPattern == "" {
		return 0, false
	}
	text := doc.Text()
	if paging.TotalSelector != "" {
		sel := doc.Find(paging.TotalSelector).First()
		if sel.Length() == 0 {
			return 0, false
		}
		text = sel.Text()
	}
	var match string
	if paging.TotalPattern != "" {
		re, err := regexp.Compile(paging.TotalPattern)
		if err != nil {
			return 0, false
		}
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			return 0, false
		}
		match = m[1]
	} else {
		match = digits.FindString(text)
	}
	n, err := strconv.Atoi(strings.ReplaceAll(strings.TrimSpace(match), ",", ""))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func unitsFor(total, size int) int {
	if size <= 0 {
		return 1
	}
	return (total + size - 1) / size
}
