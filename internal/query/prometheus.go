package query

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/common/model"
)

// promQuerier issues instant queries against a Prometheus-compatible HTTP API
// (GET /api/v1/query). Expressions are passed through verbatim — the query
// language belongs to the backend, not to this engine.
type promQuerier struct {
	url    string
	client *http.Client
}

// apiResponse is the envelope of a Prometheus API query response.
type apiResponse struct {
	Status    string  `json:"status"`
	ErrorType string  `json:"errorType"`
	Error     string  `json:"error"`
	Data      apiData `json:"data"`
}

type apiData struct {
	ResultType string      `json:"resultType"`
	Result     []apiSeries `json:"result"`
}

type apiSeries struct {
	Metric model.LabelSet `json:"metric"`
	// Value is [unix_seconds, "<float as string>"].
	Value [2]json.RawMessage `json:"value"`
}

// Query runs expr as an instant query at ts and returns one sample per
// result series. A non-success API status or transport failure returns a
// *QueryError; an empty vector is a successful empty result.
func (q *promQuerier) Query(ctx context.Context, expr string, ts time.Time) ([]Sample, error) {
	params := url.Values{}
	params.Set("query", expr)
	params.Set("time", strconv.FormatFloat(float64(ts.UnixNano())/1e9, 'f', 3, 64))

	reqURL := q.url + "/api/v1/query?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &QueryError{Expr: expr, Err: fmt.Errorf("build request: %w", err)}
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, &QueryError{Expr: expr, Err: fmt.Errorf("http get: %w", err)}
	}
	defer resp.Body.Close()

	// Prometheus returns JSON error envelopes with 4xx/5xx status codes, so
	// decode the body before judging the status code.
	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &QueryError{Expr: expr, Err: fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)}
	}

	if body.Status != "success" {
		return nil, &QueryError{Expr: expr, Err: fmt.Errorf("api %s: %s", body.ErrorType, body.Error)}
	}
	if body.Data.ResultType != "vector" {
		return nil, &QueryError{Expr: expr, Err: fmt.Errorf("unexpected result type %q, want vector", body.Data.ResultType)}
	}

	samples := make([]Sample, 0, len(body.Data.Result))
	for _, s := range body.Data.Result {
		sample, err := decodeSample(s)
		if err != nil {
			return nil, &QueryError{Expr: expr, Err: err}
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// decodeSample converts one API series into a Sample.
func decodeSample(s apiSeries) (Sample, error) {
	var secs float64
	if err := json.Unmarshal(s.Value[0], &secs); err != nil {
		return Sample{}, fmt.Errorf("decode sample timestamp: %w", err)
	}
	var raw string
	if err := json.Unmarshal(s.Value[1], &raw); err != nil {
		return Sample{}, fmt.Errorf("decode sample value: %w", err)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("parse sample value %q: %w", raw, err)
	}

	labels := s.Metric
	if labels == nil {
		labels = model.LabelSet{}
	}
	return Sample{
		Labels: labels,
		Value:  v,
		Time:   time.Unix(0, int64(secs*1e9)).UTC(),
	}, nil
}
