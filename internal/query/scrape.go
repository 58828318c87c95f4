package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// scrapeQuerier evaluates expressions directly against text-exposition
// /metrics endpoints, for running without a Prometheus server in between.
//
// The supported expression form is a metric name with an optional equality
// selector:
//
//	app_requests_total
//	app_request_latency_seconds{endpoint="/orders"}
//
// Each matching series from each target becomes one sample; the target URL is
// attached as the "instance" label so series stay distinct across targets.
type scrapeQuerier struct {
	targets []string
	client  *http.Client
}

// Query fetches every target and returns the samples selected by expr.
// All targets failing is a *QueryError; a partial fetch degrades to the
// reachable targets.
func (q *scrapeQuerier) Query(ctx context.Context, expr string, ts time.Time) ([]Sample, error) {
	name, selector, err := parseSelector(expr)
	if err != nil {
		return nil, &QueryError{Expr: expr, Err: err}
	}

	var samples []Sample
	var errs []error
	for _, target := range q.targets {
		mfs, err := fetchMetrics(ctx, q.client, target)
		if err != nil {
			errs = append(errs, fmt.Errorf("target %s: %w", target, err))
			continue
		}
		samples = append(samples, extractSamples(mfs[name], selector, target, ts)...)
	}

	if len(errs) == len(q.targets) {
		return nil, &QueryError{Expr: expr, Err: errors.Join(errs...)}
	}
	return samples, nil
}

// parseSelector splits expr into a metric name and equality matchers.
func parseSelector(expr string) (string, model.LabelSet, error) {
	expr = strings.TrimSpace(expr)
	open := strings.IndexByte(expr, '{')
	if open < 0 {
		if expr == "" {
			return "", nil, fmt.Errorf("empty expression")
		}
		return expr, nil, nil
	}
	if !strings.HasSuffix(expr, "}") {
		return "", nil, fmt.Errorf("malformed selector %q: missing closing brace", expr)
	}

	name := strings.TrimSpace(expr[:open])
	if name == "" {
		return "", nil, fmt.Errorf("malformed selector %q: missing metric name", expr)
	}

	selector := model.LabelSet{}
	body := strings.TrimSpace(expr[open+1 : len(expr)-1])
	if body == "" {
		return name, selector, nil
	}
	for _, pair := range strings.Split(body, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return "", nil, fmt.Errorf("malformed matcher %q: want label=\"value\"", pair)
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if len(v) < 2 || v[0] != '"' || v[len(v)-1] != '"' {
			return "", nil, fmt.Errorf("malformed matcher %q: value must be quoted", pair)
		}
		selector[model.LabelName(k)] = model.LabelValue(v[1 : len(v)-1])
	}
	return name, selector, nil
}

// extractSamples converts the metrics of mf that match selector into Samples.
func extractSamples(mf *dto.MetricFamily, selector model.LabelSet, target string, ts time.Time) []Sample {
	if mf == nil {
		return nil
	}
	var out []Sample
	for _, m := range mf.GetMetric() {
		labels := model.LabelSet{"instance": model.LabelValue(target)}
		for _, lp := range m.GetLabel() {
			labels[model.LabelName(lp.GetName())] = model.LabelValue(lp.GetValue())
		}
		if !matchesSelector(labels, selector) {
			continue
		}

		v, ok := metricValue(m)
		if !ok {
			continue
		}
		out = append(out, Sample{Labels: labels, Value: v, Time: ts})
	}
	return out
}

// matchesSelector reports whether every selector pair is present in labels.
func matchesSelector(labels, selector model.LabelSet) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// metricValue extracts the scalar value of a counter, gauge, or untyped metric.
// Histograms and summaries have no single scalar — they must be queried through
// a Prometheus server instead.
func metricValue(m *dto.Metric) (float64, bool) {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue(), true
	case m.Gauge != nil:
		return m.Gauge.GetValue(), true
	case m.Untyped != nil:
		return m.Untyped.GetValue(), true
	default:
		return 0, false
	}
}

// fetchMetrics GETs url and parses the body as Prometheus text exposition.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition from r into metric families.
// A partial result with a non-fatal parse warning is still returned successfully.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	// Non-empty result with a non-nil err means partial parse (trailing lines,
	// format warnings). Treat as success.
	return mfs, nil
}
