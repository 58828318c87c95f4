package silence

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/prometheus/common/model"
)

// MatchOp is a label matcher operator.
type MatchOp string

// Supported matcher operators.
const (
	OpEqual    MatchOp = "="
	OpNotEqual MatchOp = "!="
	OpRegex    MatchOp = "=~"
	OpNotRegex MatchOp = "!~"
)

// Matcher matches one label against a value or anchored regular expression.
type Matcher struct {
	Name  model.LabelName `json:"name"`
	Op    MatchOp         `json:"op"`
	Value string          `json:"value"`

	re *regexp.Regexp
}

// NewMatcher builds and validates a Matcher, compiling the regex for the
// regex operators. Regex values are anchored, Alertmanager-style.
func NewMatcher(name model.LabelName, op MatchOp, value string) (Matcher, error) {
	if !name.IsValid() || name == "" {
		return Matcher{}, fmt.Errorf("invalid label name %q", name)
	}
	m := Matcher{Name: name, Op: op, Value: value}
	switch op {
	case OpEqual, OpNotEqual:
	case OpRegex, OpNotRegex:
		re, err := regexp.Compile("^(?:" + value + ")$")
		if err != nil {
			return Matcher{}, fmt.Errorf("matcher %s%s%q: %w", name, op, value, err)
		}
		m.re = re
	default:
		return Matcher{}, fmt.Errorf("matcher operator %q unknown: want = != =~ !~", op)
	}
	return m, nil
}

// ParseMatcher parses a matcher string such as `severity="critical"`,
// `alertname!=HighRPS`, or `db=~"orders|carts"`. The value may be quoted.
func ParseMatcher(s string) (Matcher, error) {
	for _, op := range []MatchOp{OpRegex, OpNotRegex, OpNotEqual, OpEqual} {
		idx := strings.Index(s, string(op))
		if idx < 0 {
			continue
		}
		// "=" would also match inside "=~" and "!="; the two-char operators
		// are tried first, but guard against `a!=b` hitting OpEqual at the
		// wrong offset anyway.
		if op == OpEqual && idx > 0 && (s[idx-1] == '!' || len(s) > idx+1 && s[idx+1] == '~') {
			continue
		}

		name := strings.TrimSpace(s[:idx])
		value := strings.TrimSpace(s[idx+len(op):])
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		return NewMatcher(model.LabelName(name), op, value)
	}
	return Matcher{}, fmt.Errorf("matcher %q: no operator found", s)
}

// ParseMatchers parses a list of matcher strings.
func ParseMatchers(ss []string) ([]Matcher, error) {
	out := make([]Matcher, 0, len(ss))
	for _, s := range ss {
		m, err := ParseMatcher(s)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Matches reports whether labels satisfy the matcher. A label absent from
// the set matches as the empty string, so `foo=""` matches instances without
// a foo label.
func (m Matcher) Matches(labels model.LabelSet) bool {
	v := string(labels[m.Name])
	switch m.Op {
	case OpEqual:
		return v == m.Value
	case OpNotEqual:
		return v != m.Value
	case OpRegex:
		return m.re.MatchString(v)
	case OpNotRegex:
		return !m.re.MatchString(v)
	default:
		return false
	}
}

// MatchAll reports whether labels satisfy every matcher in ms.
// An empty matcher list matches nothing — a silence must name what it covers.
func MatchAll(ms []Matcher, labels model.LabelSet) bool {
	if len(ms) == 0 {
		return false
	}
	for _, m := range ms {
		if !m.Matches(labels) {
			return false
		}
	}
	return true
}
