package rules

import (
	"fmt"
	"time"

	"github.com/prometheus/common/model"

	"github.com/threshd/threshd/internal/config"
)

// AlertNameLabel is attached to every instance a rule produces, holding the
// rule name. Silence and inhibition matchers can match on it like any label.
const AlertNameLabel = model.LabelName("alertname")

// SeverityLabel carries the rule severity on produced instances.
const SeverityLabel = model.LabelName("severity")

const defaultInterval = 30 * time.Second

// CmpOp is a threshold comparison operator.
type CmpOp string

// Supported comparison operators.
const (
	OpGT CmpOp = ">"
	OpGE CmpOp = ">="
	OpLT CmpOp = "<"
	OpLE CmpOp = "<="
	OpEQ CmpOp = "=="
)

// Rule is one compiled threshold alert rule. Immutable once compiled.
type Rule struct {
	Name           string
	Expr           string
	Op             CmpOp
	Threshold      float64
	For            time.Duration
	Interval       time.Duration
	Labels         model.LabelSet
	Severity       string
	GroupBy        []model.LabelName
	Receiver       string
	RepeatInterval time.Duration
}

// Breaches reports whether v satisfies the rule's comparison against its
// threshold.
func (r *Rule) Breaches(v float64) bool {
	switch r.Op {
	case OpGT:
		return v > r.Threshold
	case OpGE:
		return v >= r.Threshold
	case OpLT:
		return v < r.Threshold
	case OpLE:
		return v <= r.Threshold
	case OpEQ:
		return v == r.Threshold
	default:
		return false
	}
}

// InstanceLabels returns the label set identifying the instance produced for
// a series with the given labels: series labels plus the rule's static labels
// (rule labels win on conflict), alertname, and severity.
func (r *Rule) InstanceLabels(series model.LabelSet) model.LabelSet {
	out := make(model.LabelSet, len(series)+len(r.Labels)+2)
	for k, v := range series {
		out[k] = v
	}
	for k, v := range r.Labels {
		out[k] = v
	}
	out[AlertNameLabel] = model.LabelValue(r.Name)
	out[SeverityLabel] = model.LabelValue(r.Severity)
	return out
}

// Set is an immutable compiled rule set. Version increases by one on every
// compile so reloads are observable downstream.
type Set struct {
	Version int
	Rules   []*Rule
}

// ByInterval partitions the set's rules by evaluation interval. Rules sharing
// an interval are evaluated by one loop.
func (s *Set) ByInterval() map[time.Duration][]*Rule {
	out := make(map[time.Duration][]*Rule)
	for _, r := range s.Rules {
		out[r.Interval] = append(out[r.Interval], r)
	}
	return out
}

// RuleError is the diagnostic for one rejected rule definition.
type RuleError struct {
	Index int    // position in the config rule list
	Name  string // rule name, may be empty when that is the problem
	Err   error
}

func (e *RuleError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("rule[%d]: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("rule %q: %v", e.Name, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// Compile builds a Set from the configured rule definitions. Each invalid
// rule is dropped and reported as a *RuleError; valid rules in the same load
// still take effect. version should increase monotonically across reloads.
func Compile(cfgs []config.RuleConfig, route config.RouteConfig, version int) (*Set, []*RuleError) {
	set := &Set{Version: version}
	var errs []*RuleError

	seen := make(map[string]bool, len(cfgs))
	for i, rc := range cfgs {
		r, err := compileRule(rc, route)
		if err == nil && seen[rc.Name] {
			err = fmt.Errorf("duplicate rule name")
		}
		if err != nil {
			errs = append(errs, &RuleError{Index: i, Name: rc.Name, Err: err})
			continue
		}
		seen[rc.Name] = true
		set.Rules = append(set.Rules, r)
	}
	return set, errs
}

// compileRule validates and compiles one rule definition.
func compileRule(rc config.RuleConfig, route config.RouteConfig) (*Rule, error) {
	if rc.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if rc.Expr == "" {
		return nil, fmt.Errorf("expr is required")
	}

	op := CmpOp(rc.Op)
	switch op {
	case OpGT, OpGE, OpLT, OpLE, OpEQ:
	case "":
		return nil, fmt.Errorf("op is required")
	default:
		return nil, fmt.Errorf("op %q unknown: want one of > >= < <= ==", rc.Op)
	}

	if rc.For < 0 {
		return nil, fmt.Errorf("for must not be negative")
	}

	interval := time.Duration(rc.Interval)
	if interval == 0 {
		interval = defaultInterval
	}
	if interval < time.Second {
		return nil, fmt.Errorf("interval %s is below the 1s minimum", interval)
	}

	severity := rc.Severity
	switch severity {
	case "critical", "warning", "info":
	case "":
		severity = "warning"
	default:
		return nil, fmt.Errorf("severity %q unknown: want critical|warning|info", rc.Severity)
	}

	if err := rc.Labels.Validate(); err != nil {
		return nil, fmt.Errorf("labels: %w", err)
	}

	groupBy := make([]model.LabelName, 0, len(rc.GroupBy))
	for _, name := range rc.GroupBy {
		ln := model.LabelName(name)
		if !ln.IsValid() {
			return nil, fmt.Errorf("group_by: invalid label name %q", name)
		}
		groupBy = append(groupBy, ln)
	}

	receiver := rc.Receiver
	if receiver == "" {
		receiver = route.DefaultReceiver
	}
	if receiver == "" {
		return nil, fmt.Errorf("no receiver: set rule receiver or route.default_receiver")
	}

	repeat := time.Duration(rc.RepeatInterval)
	if repeat == 0 {
		repeat = time.Duration(route.RepeatInterval)
	}

	return &Rule{
		Name:           rc.Name,
		Expr:           rc.Expr,
		Op:             op,
		Threshold:      rc.Threshold,
		For:            time.Duration(rc.For),
		Interval:       interval,
		Labels:         rc.Labels,
		Severity:       severity,
		GroupBy:        groupBy,
		Receiver:       receiver,
		RepeatInterval: repeat,
	}, nil
}
