package rules

import (
	"github.com/prometheus/common/model"

	"github.com/threshd/threshd/internal/query"
)

// Breach is one series whose latest sample satisfies a rule's condition.
type Breach struct {
	// Labels is the full instance label set (series + rule labels).
	Labels model.LabelSet
	// Value is the breaching sample value.
	Value float64
}

// Evaluate returns the breaching series for r given one query's result.
// When a result contains several samples for the same series, the latest
// timestamp wins. Series absent from the result are simply not returned —
// missing data never counts as a breach, so a vanished series resolves.
func Evaluate(r *Rule, samples []query.Sample) []Breach {
	latest := make(map[model.Fingerprint]query.Sample, len(samples))
	for _, s := range samples {
		fp := s.Labels.Fingerprint()
		if prev, ok := latest[fp]; !ok || s.Time.After(prev.Time) {
			latest[fp] = s
		}
	}

	var out []Breach
	for _, s := range latest {
		if r.Breaches(s.Value) {
			out = append(out, Breach{
				Labels: r.InstanceLabels(s.Labels),
				Value:  s.Value,
			})
		}
	}
	return out
}
