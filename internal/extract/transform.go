package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// transform rewrites a located value of a record harvested for period. ok is false when
// the value does not have the shape the transform expects.
type transform interface {
	apply(in string, period int) (out string, ok bool)
}

// parseTransform compiles one transform spec. Supported forms:
//
//	trim_prefix:<label>    drop a leading label when present
//	trim_suffix:<label>    drop a trailing label when present
//	split:<sep>:<n>        keep part n (0-based) of a delimited value
//	regex:<n>:<pattern>    keep capture group n of the first match
//	format:<template>      substitute {value} and {period} into template
func parseTransform(spec string) (transform, error) {
	name, rest, _ := strings.Cut(spec, ":")
	switch name {
	case "trim_prefix":
		if rest == "" {
			return nil, fmt.Errorf("transform %q: label is required", spec)
		}
		return trimPrefix(rest), nil
	case "trim_suffix":
		if rest == "" {
			return nil, fmt.Errorf("transform %q: label is required", spec)
		}
		return trimSuffix(rest), nil
	case "split":
		idx := strings.LastIndex(rest, ":")
		if idx <= 0 {
			return nil, fmt.Errorf("transform %q: want split:<sep>:<n>", spec)
		}
		part, err := strconv.Atoi(rest[idx+1:])
		if err != nil || part < 0 {
			return nil, fmt.Errorf("transform %q: bad part index", spec)
		}
		return splitPart{sep: rest[:idx], part: part}, nil
	case "regex":
		groupText, pattern, found := strings.Cut(rest, ":")
		if !found || pattern == "" {
			return nil, fmt.Errorf("transform %q: want regex:<n>:<pattern>", spec)
		}
		group, err := strconv.Atoi(groupText)
		if err != nil || group < 0 {
			return nil, fmt.Errorf("transform %q: bad group index", spec)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("transform %q: compile pattern: %w", spec, err)
		}
		if group > re.NumSubexp() {
			return nil, fmt.Errorf("transform %q: group %d out of range", spec, group)
		}
		return regexGroup{re: re, group: group}, nil
	case "format":
		if !strings.Contains(rest, "{value}") {
			return nil, fmt.Errorf("transform %q: template needs {value}", spec)
		}
		return format(rest), nil
	default:
		return nil, fmt.Errorf("unknown transform %q", spec)
	}
}

type trimPrefix string

func (t trimPrefix) apply(in string, _ int) (string, bool) {
	return strings.TrimSpace(strings.TrimPrefix(in, string(t))), true
}

type trimSuffix string

func (t trimSuffix) apply(in string, _ int) (string, bool) {
	return strings.TrimSpace(strings.TrimSuffix(in, string(t))), true
}

type splitPart struct {
	sep  string
	part int
}

func (s splitPart) apply(in string, _ int) (string, bool) {
	parts := strings.Split(in, s.sep)
	if len(parts) < 2 || s.part >= len(parts) {
		return "", false
	}
	return strings.TrimSpace(parts[s.part]), true
}

type regexGroup struct {
	re    *regexp.Regexp
	group int
}

func (r regexGroup) apply(in string, _ int) (string, bool) {
	m := r.re.FindStringSubmatch(in)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[r.group]), true
}

type format string

func (f format) apply(in string, period int) (string, bool) {
	if in == "" {
		return "", false
	}
	return strings.NewReplacer("{value}", in, "{period}", strconv.Itoa(period)).Replace(string(f)), true
}
