package query

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/common/model"

	"github.com/threshd/threshd/internal/config"
)

// Sample is one (label set, value, timestamp) triple returned by a query.
// The label set is unique per series within a single result.
type Sample struct {
	Labels model.LabelSet
	Value  float64
	Time   time.Time
}

// Querier answers rule expressions against the metrics source at a point in
// time. An empty result with a nil error means "no data"; failures return a
// *QueryError.
type Querier interface {
	Query(ctx context.Context, expr string, ts time.Time) ([]Sample, error)
}

// QueryError reports a failed query: source unreachable, a non-success API
// response, or a malformed expression. It is distinct from an empty result.
type QueryError struct {
	Expr string
	Err  error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %q: %v", e.Expr, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// New returns the Querier for the given source configuration.
// It builds the HTTP client once and reuses it across query calls.
func New(cfg config.SourceConfig) (Querier, error) {
	client := buildHTTPClient(cfg)
	switch cfg.Mode {
	case "prometheus":
		return &promQuerier{url: cfg.URL, client: client}, nil
	case "scrape":
		return &scrapeQuerier{targets: cfg.Targets, client: client}, nil
	default:
		return nil, fmt.Errorf("query: unsupported source mode %q", cfg.Mode)
	}
}

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.SourceAuth
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.auth.Mode {
	case "apikey":
		req = req.Clone(req.Context())
		req.Header.Set(t.auth.EffectiveHeader(), t.auth.Key())
	case "bearer":
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.auth.Token())
	case "basic":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.auth.Username, t.auth.Password())
	}
	return t.base.RoundTrip(req)
}

// buildHTTPClient constructs an http.Client for the source's auth and TLS settings.
func buildHTTPClient(cfg config.SourceConfig) *http.Client {
	transport := &authRoundTripper{
		base: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
			},
		},
		auth: cfg.Auth,
	}
	timeout := time.Duration(cfg.Timeout)
	if timeout <= 0 {
		timeout = config.DefaultQueryTimeout
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
