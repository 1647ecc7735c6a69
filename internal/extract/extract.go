// Package extract turns result-listing markup into normalized records. Each source
// declares a FieldMap; New compiles it into one of three layout variants that share the
// harvest.Extractor contract. Extraction never fails a page: unmatched fields become
// harvest.Unavailable and a missing entry container yields zero records.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/race-results-harvester/internal/harvest"
)

const defaultRowSelector = "tr"

// New compiles a FieldMap into the layout variant it declares.
func New(source harvest.SourceID, m FieldMap) (harvest.Extractor, error) {
	rules, err := m.compile()
	if err != nil {
		return nil, fmt.Errorf("compile field map for %s: %w", source, err)
	}
	base := layout{source: source, m: m, rules: rules}
	switch m.Kind {
	case KindTable:
		if base.m.Row == "" {
			base.m.Row = defaultRowSelector
		}
		if base.m.MinColumns == 0 {
			base.m.MinColumns = requiredColumns(m.Fields)
		}
		return &tableLayout{layout: base}, nil
	case KindAnchor:
		return &anchorLayout{layout: base}, nil
	default:
		return &listLayout{layout: base}, nil
	}
}

// requiredColumns is the cell count needed to address every located column. A row
// without cells never qualifies.
func requiredColumns(fields []FieldRule) int {
	n := 1
	for _, f := range fields {
		if f.Value == "" && f.Column+1 > n {
			n = f.Column + 1
		}
	}
	return n
}

type layout struct {
	source harvest.SourceID
	m      FieldMap
	rules  []compiledRule
}

// Schema implements harvest.Extractor.
func (l *layout) Schema() []string {
	return l.m.Schema()
}

func (l *layout) parse(markup []byte) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return nil
	}
	return doc
}

func (l *layout) newRecord(period int) harvest.Record {
	return harvest.Record{
		Source: l.source,
		Period: period,
		Fields: make(map[string]string, len(l.rules)),
	}
}

// resolve reads one field from scope.
func (l *layout) resolve(scope *goquery.Selection, rule compiledRule, period int) string {
	if rule.Value != "" {
		return rule.Value
	}
	target := scope
	if rule.Selector != "" {
		target = scope.Find(rule.Selector).Eq(rule.Index)
	}
	if target.Length() == 0 {
		return harvest.Unavailable
	}

	var raw string
	if rule.Attr != "" {
		v, ok := target.Attr(rule.Attr)
		if !ok {
			return harvest.Unavailable
		}
		raw = normalizeSpace(v)
	} else {
		raw = textOf(target, rule.Exclude)
	}
	return applyTransforms(raw, rule, period)
}

func applyTransforms(raw string, rule compiledRule, period int) string {
	value := raw
	for _, t := range rule.transforms {
		out, ok := t.apply(value, period)
		if !ok {
			if rule.KeepRaw && raw != "" {
				return raw
			}
			return harvest.Unavailable
		}
		value = out
	}
	if value == "" {
		return harvest.Unavailable
	}
	return value
}

func textOf(s *goquery.Selection, exclude string) string {
	if exclude != "" {
		s = s.Clone()
		s.Find(exclude).Remove()
	}
	return normalizeSpace(s.Text())
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// listLayout emits one record per entry element.
type listLayout struct {
	layout
}

// Extract implements harvest.Extractor.
func (l *listLayout) Extract(markup []byte, period int) []harvest.Record {
	doc := l.parse(markup)
	if doc == nil {
		return nil
	}
	var out []harvest.Record
	doc.Find(l.m.Entry).Each(func(_ int, entry *goquery.Selection) {
		out = append(out, l.record(entry, period))
	})
	return out
}

func (l *layout) record(scope *goquery.Selection, period int) harvest.Record {
	rec := l.newRecord(period)
	for _, rule := range l.rules {
		rec.Fields[rule.Name] = l.resolve(scope, rule, period)
	}
	return rec
}

// tableLayout emits one record per data row of the first matching table.
type tableLayout struct {
	layout
}

// Extract implements harvest.Extractor.
func (l *tableLayout) Extract(markup []byte, period int) []harvest.Record {
	doc := l.parse(markup)
	if doc == nil {
		return nil
	}
	table := doc.Find(l.m.Entry).First()
	if table.Length() == 0 {
		return nil
	}
	// Only rows owned by this table; nested tables are ignored.
	rows := table.Find(l.m.Row).FilterFunction(func(_ int, row *goquery.Selection) bool {
		return row.Closest("table").IsSelection(table)
	})

	var out []harvest.Record
	rows.Each(func(i int, row *goquery.Selection) {
		if i < l.m.SkipRows {
			return
		}
		cells := row.ChildrenFiltered("td")
		if cells.Length() < l.m.MinColumns {
			return
		}
		rec := l.newRecord(period)
		for _, rule := range l.rules {
			cell := cells.Eq(rule.Column)
			if cell.Length() == 0 && rule.Value == "" {
				rec.Fields[rule.Name] = harvest.Unavailable
				continue
			}
			rec.Fields[rule.Name] = l.resolve(cell, rule, period)
		}
		out = append(out, rec)
	})
	return out
}

// anchorLayout locates entries through an anchor and reads fields from its closest row.
type anchorLayout struct {
	layout
}

// Extract implements harvest.Extractor.
func (l *anchorLayout) Extract(markup []byte, period int) []harvest.Record {
	doc := l.parse(markup)
	if doc == nil {
		return nil
	}
	// An entry can carry more than one matching anchor; each row is emitted once.
	var rows []*goquery.Selection
	doc.Find(l.m.Entry).Each(func(_ int, anchor *goquery.Selection) {
		row := anchor.Closest(l.m.Row)
		if row.Length() == 0 {
			return
		}
		for _, prev := range rows {
			if prev.IsSelection(row) {
				return
			}
		}
		rows = append(rows, row)
	})
	out := make([]harvest.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, l.record(row, period))
	}
	return out
}
