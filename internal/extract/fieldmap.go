package extract

import (
	"errors"
	"fmt"

	"github.com/andybalholm/cascadia"
)

// Kind selects one of the supported markup shapes.
type Kind string

// Supported layouts.
const (
	// KindList reads one record per repeating entry element (li.list-group-item rows).
	KindList Kind = "list"
	// KindTable reads one record per table row, addressing fields by cell column.
	KindTable Kind = "table"
	// KindAnchor locates each record from a per-entry anchor and walks up to its row.
	KindAnchor Kind = "anchor"
)

// FieldRule declares how one output field is located and normalized.
type FieldRule struct {
	Name string `mapstructure:"name"`
	// Selector is relative to the entry (or table cell); empty means the scope itself.
	Selector string `mapstructure:"selector"`
	// Index picks the nth selector match.
	Index int `mapstructure:"index"`
	// Column is the 0-based cell index for table layouts.
	Column int `mapstructure:"column"`
	// Attr reads an attribute instead of text.
	Attr string `mapstructure:"attr"`
	// Exclude removes matching descendants (labels) before the text is read.
	Exclude    string   `mapstructure:"exclude"`
	Transforms []string `mapstructure:"transforms"`
	// KeepRaw keeps the located text when a transform does not match instead of
	// emitting the unavailable marker.
	KeepRaw bool `mapstructure:"keep_raw"`
	// Value is a constant emitted for every record; locator settings are ignored.
	Value string `mapstructure:"value"`
}

// FieldMap is the source-specific extraction declaration.
type FieldMap struct {
	Kind Kind `mapstructure:"kind"`
	// Entry selects the repeating entry (list), the results table (table) or the
	// per-entry anchor (anchor).
	Entry string `mapstructure:"entry"`
	// Row selects table rows (default "tr") or, for anchor layouts, the ancestor row of
	// each anchor.
	Row string `mapstructure:"row"`
	// SkipRows drops leading header rows of a table.
	SkipRows int `mapstructure:"skip_rows"`
	// MinColumns is the minimum cell count for a table row to be read. Zero means
	// enough cells for the highest column any field reads.
	MinColumns int         `mapstructure:"min_columns"`
	Fields     []FieldRule `mapstructure:"fields"`
}

type compiledRule struct {
	FieldRule
	transforms []transform
}

// Validate checks selectors, transforms and field names.
func (m FieldMap) Validate() error {
	_, err := m.compile()
	return err
}

func (m FieldMap) compile() ([]compiledRule, error) {
	switch m.Kind {
	case KindList, KindTable:
	case KindAnchor:
		if m.Row == "" {
			return nil, errors.New("anchor layout requires row selector")
		}
	default:
		return nil, fmt.Errorf("unknown layout kind %q", m.Kind)
	}
	if m.Entry == "" {
		return nil, errors.New("entry selector is required")
	}
	if len(m.Fields) == 0 {
		return nil, errors.New("at least one field is required")
	}
	if m.SkipRows < 0 || m.MinColumns < 0 {
		return nil, errors.New("skip_rows and min_columns must be >= 0")
	}
	for _, sel := range []string{m.Entry, m.Row} {
		if err := checkSelector(sel); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]struct{}, len(m.Fields))
	rules := make([]compiledRule, 0, len(m.Fields))
	for _, f := range m.Fields {
		if f.Name == "" {
			return nil, errors.New("field name is required")
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		if f.Index < 0 || f.Column < 0 {
			return nil, fmt.Errorf("field %q: index and column must be >= 0", f.Name)
		}
		for _, sel := range []string{f.Selector, f.Exclude} {
			if err := checkSelector(sel); err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
		}
		rule := compiledRule{FieldRule: f}
		for _, spec := range f.Transforms {
			t, err := parseTransform(spec)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
			rule.transforms = append(rule.transforms, t)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func checkSelector(sel string) error {
	if sel == "" {
		return nil
	}
	if _, err := cascadia.Compile(sel); err != nil {
		return fmt.Errorf("compile selector %q: %w", sel, err)
	}
	return nil
}

// Schema returns the declared field names in order.
func (m FieldMap) Schema() []string {
	out := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		out[i] = f.Name
	}
	return out
}
