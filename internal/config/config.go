package config

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"
)

// Default values for optional configuration fields.
const (
	DefaultHTTPPort       = 8080
	DefaultStreamInterval = 5 * time.Second
	DefaultQueryTimeout   = 10 * time.Second
	DefaultGroupWait      = 30 * time.Second
	DefaultRepeatInterval = 4 * time.Hour
	DefaultQueueCapacity  = 1024
	DefaultMaxAttempts    = 5
	DefaultRetryBackoff   = 5 * time.Second
)

// Config is the full threshd configuration parsed from the config file.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Source      SourceConfig       `yaml:"source"`
	Route       RouteConfig        `yaml:"route"`
	Receivers   []ReceiverConfig   `yaml:"receivers"`
	Inhibitions []InhibitionConfig `yaml:"inhibitions"`
	Rules       []RuleConfig       `yaml:"rules"`
}

// ServerConfig holds the administrative HTTP server settings.
type ServerConfig struct {
	// HTTPPort is the port the admin REST API, /metrics endpoint, and
	// WebSocket stream listen on (default 8080).
	HTTPPort int `yaml:"http_port"`

	// Auth configures API key authentication for the admin interface.
	Auth AuthConfig `yaml:"auth"`

	// StreamInterval is how often the WebSocket hub broadcasts the current
	// alert snapshot to connected clients. Default: 5s.
	StreamInterval model.Duration `yaml:"stream_interval"`
}

// AuthConfig controls admin client authentication.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected
	// API key. Used when Mode == "apikey".
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header name to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// SourceConfig describes the metrics source rule queries run against.
type SourceConfig struct {
	// Mode selects the query client: "prometheus" issues instant queries
	// against a Prometheus-compatible HTTP API; "scrape" fetches text
	// exposition directly from the configured targets.
	Mode string `yaml:"mode"`

	// URL is the base URL of the query API (prometheus mode), e.g.
	// "http://prometheus:9090".
	URL string `yaml:"url"`

	// Targets are the /metrics endpoints to fetch in scrape mode.
	Targets []string `yaml:"targets"`

	// Timeout bounds a single query or scrape. Default: 10s.
	Timeout model.Duration `yaml:"timeout"`

	// Auth configures outbound authentication toward the source.
	Auth SourceAuth `yaml:"auth"`

	// TLS holds TLS client settings for the source connection.
	TLS TLSConfig `yaml:"tls"`
}

// SourceAuth configures how queries authenticate to the metrics source.
// Secrets are resolved from the environment, never stored in the file.
type SourceAuth struct {
	// Mode is one of: apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// Header is the header name used in apikey mode (default "x-api-key").
	Header string `yaml:"header"`

	// KeyEnv names the environment variable holding the API key.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv names the environment variable holding the bearer token.
	TokenEnv string `yaml:"token_env"`

	// Username and PasswordEnv are used in basic mode.
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key resolved from the environment.
func (a SourceAuth) Key() string { return os.Getenv(a.KeyEnv) }

// Token returns the bearer token resolved from the environment.
func (a SourceAuth) Token() string { return os.Getenv(a.TokenEnv) }

// Password returns the basic-auth password resolved from the environment.
func (a SourceAuth) Password() string { return os.Getenv(a.PasswordEnv) }

// EffectiveHeader returns the configured apikey header, or "x-api-key".
func (a SourceAuth) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// TLSConfig holds TLS client settings.
type TLSConfig struct {
	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// RouteConfig holds grouping and delivery tuning shared by all rules unless
// overridden per rule.
type RouteConfig struct {
	// GroupWait is how long newly firing instances are buffered before the
	// first notification for their group is sent. Default: 30s.
	GroupWait model.Duration `yaml:"group_wait"`

	// RepeatInterval is the minimum time between notifications for a group
	// whose alerts are still firing. Default: 4h.
	RepeatInterval model.Duration `yaml:"repeat_interval"`

	// QueueCapacity bounds the transition queue between evaluation and
	// dispatch. Transitions coalesce per instance under back-pressure.
	// Default: 1024.
	QueueCapacity int `yaml:"queue_capacity"`

	// MaxAttempts is the delivery attempt limit per notification. Default: 5.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoff is the initial delay before a failed delivery is retried;
	// it doubles on every subsequent failure. Default: 5s.
	RetryBackoff model.Duration `yaml:"retry_backoff"`

	// DefaultReceiver is the receiver used by rules that name none.
	DefaultReceiver string `yaml:"default_receiver"`
}

// ReceiverConfig defines one named notification destination.
type ReceiverConfig struct {
	// Name is the identifier rules reference.
	Name string `yaml:"name"`

	// Type is one of: slack | teams | webhook.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the
	// delivery URL. Takes precedence over URL when set.
	URLEnv string `yaml:"url_env"`

	// URL is the delivery URL, for targets that are not secret.
	URL string `yaml:"url"`

	// Template optionally overrides the default message template.
	Template string `yaml:"template"`
}

// EffectiveURL returns the delivery URL, preferring the environment variable.
func (r ReceiverConfig) EffectiveURL() string {
	if r.URLEnv != "" {
		return os.Getenv(r.URLEnv)
	}
	return r.URL
}

// InhibitionConfig defines one inhibition relationship: while an alert
// matching the source matchers is firing, alerts matching the target matchers
// are not delivered.
type InhibitionConfig struct {
	// SourceMatchers select the inhibiting alerts, e.g. `severity="critical"`.
	SourceMatchers []string `yaml:"source_matchers"`

	// TargetMatchers select the alerts to suppress.
	TargetMatchers []string `yaml:"target_matchers"`

	// Equal lists label names that must have identical values on source and
	// target for the inhibition to apply.
	Equal []string `yaml:"equal"`
}

// RuleConfig defines one threshold alert rule as written in the config file.
// Rules are validated individually at compile time; an invalid rule is
// rejected with a diagnostic without affecting the rest of the set.
type RuleConfig struct {
	// Name is the alert identifier, attached to instances as the
	// "alertname" label.
	Name string `yaml:"name"`

	// Expr is the query expression handed to the metrics source verbatim.
	Expr string `yaml:"expr"`

	// Op is the comparison operator: > | >= | < | <= | ==
	Op string `yaml:"op"`

	// Threshold is the value Expr results are compared against.
	Threshold float64 `yaml:"threshold"`

	// For is the minimum continuous breach duration before the alert fires.
	// Zero fires on the first breaching evaluation.
	For model.Duration `yaml:"for"`

	// Interval is how often the rule is evaluated. Default: 30s.
	Interval model.Duration `yaml:"interval"`

	// Labels are attached to every instance this rule produces, overriding
	// same-named series labels.
	Labels model.LabelSet `yaml:"labels"`

	// Severity is one of: critical | warning | info. Default: warning.
	Severity string `yaml:"severity"`

	// GroupBy lists the label names instances are grouped by for
	// notification. Empty groups all of the rule's instances together.
	GroupBy []string `yaml:"group_by"`

	// Receiver names the notification destination. Falls back to
	// route.default_receiver.
	Receiver string `yaml:"receiver"`

	// RepeatInterval overrides route.repeat_interval for this rule.
	RepeatInterval model.Duration `yaml:"repeat_interval"`
}

// Load reads and parses the config file at path. Missing fields are filled
// with defaults before validation. Rule definitions are carried through
// verbatim — per-rule validation happens when the rule set is compiled.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       DefaultHTTPPort,
			StreamInterval: model.Duration(DefaultStreamInterval),
		},
		Source: SourceConfig{
			Mode:    "prometheus",
			Timeout: model.Duration(DefaultQueryTimeout),
		},
		Route: RouteConfig{
			GroupWait:      model.Duration(DefaultGroupWait),
			RepeatInterval: model.Duration(DefaultRepeatInterval),
			QueueCapacity:  DefaultQueueCapacity,
			MaxAttempts:    DefaultMaxAttempts,
			RetryBackoff:   model.Duration(DefaultRetryBackoff),
		},
	}
}

// applyDefaults fills zero values that yaml.Unmarshal may have written over
// the pre-populated defaults (e.g. an explicit empty section).
func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = DefaultHTTPPort
	}
	if cfg.Server.StreamInterval == 0 {
		cfg.Server.StreamInterval = model.Duration(DefaultStreamInterval)
	}
	if cfg.Source.Mode == "" {
		cfg.Source.Mode = "prometheus"
	}
	if cfg.Source.Timeout == 0 {
		cfg.Source.Timeout = model.Duration(DefaultQueryTimeout)
	}
	if cfg.Route.GroupWait == 0 {
		cfg.Route.GroupWait = model.Duration(DefaultGroupWait)
	}
	if cfg.Route.RepeatInterval == 0 {
		cfg.Route.RepeatInterval = model.Duration(DefaultRepeatInterval)
	}
	if cfg.Route.QueueCapacity == 0 {
		cfg.Route.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Route.MaxAttempts == 0 {
		cfg.Route.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Route.RetryBackoff == 0 {
		cfg.Route.RetryBackoff = model.Duration(DefaultRetryBackoff)
	}
}

// validate checks structural constraints on the parsed configuration.
// Rule-level problems are deliberately not checked here.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	switch cfg.Server.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", cfg.Server.Auth.Mode)
	}

	switch cfg.Source.Mode {
	case "prometheus":
		if cfg.Source.URL == "" {
			return fmt.Errorf("source.url is required in prometheus mode")
		}
	case "scrape":
		if len(cfg.Source.Targets) == 0 {
			return fmt.Errorf("source.targets is required in scrape mode")
		}
	default:
		return fmt.Errorf("source.mode %q unknown: want prometheus|scrape", cfg.Source.Mode)
	}
	switch cfg.Source.Auth.Mode {
	case "apikey", "bearer", "basic", "none", "":
	default:
		return fmt.Errorf("source.auth.mode %q unknown: want apikey|bearer|basic|none", cfg.Source.Auth.Mode)
	}

	if cfg.Route.QueueCapacity < 0 {
		return fmt.Errorf("route.queue_capacity must not be negative")
	}
	if cfg.Route.MaxAttempts < 1 {
		return fmt.Errorf("route.max_attempts must be at least 1")
	}

	seen := make(map[string]bool, len(cfg.Receivers))
	for i, r := range cfg.Receivers {
		if r.Name == "" {
			return fmt.Errorf("receivers[%d]: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("receivers[%d]: duplicate receiver name %q", i, r.Name)
		}
		seen[r.Name] = true
		switch r.Type {
		case "slack", "teams", "webhook":
		default:
			return fmt.Errorf("receiver %q: type %q unknown: want slack|teams|webhook", r.Name, r.Type)
		}
		if r.URL == "" && r.URLEnv == "" {
			return fmt.Errorf("receiver %q: one of url or url_env is required", r.Name)
		}
	}
	if cfg.Route.DefaultReceiver != "" && !seen[cfg.Route.DefaultReceiver] {
		return fmt.Errorf("route.default_receiver %q is not a configured receiver", cfg.Route.DefaultReceiver)
	}
	return nil
}
