package api

import (
	"time"

	"github.com/prometheus/common/model"

	"github.com/threshd/threshd/internal/notify"
	"github.com/threshd/threshd/internal/sched"
	"github.com/threshd/threshd/internal/state"
)

// HealthResponse is the GET /api/v1/health payload.
type HealthResponse struct {
	// Status is "ok" or "degraded". Degraded means a query or delivery
	// failure occurred within the last five minutes; the engine keeps
	// running either way.
	Status string `json:"status"`

	FiringInstances  int `json:"firing_instances"`
	PendingInstances int `json:"pending_instances"`
	ActiveGroups     int `json:"active_groups"`
	ActiveSilences   int `json:"active_silences"`

	Evaluation sched.Stats  `json:"evaluation"`
	Delivery   notify.Stats `json:"delivery"`
}

// AlertResponse is one alert instance in GET /api/v1/alerts.
type AlertResponse struct {
	Rule        string         `json:"rule"`
	Labels      model.LabelSet `json:"labels"`
	State       string         `json:"state"`
	ActiveSince time.Time      `json:"active_since"`
	FiredAt     *time.Time     `json:"fired_at,omitempty"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	Value       float64        `json:"value"`
}

// ToAlertResponse converts an instance snapshot for the wire.
func ToAlertResponse(in state.Instance) AlertResponse {
	out := AlertResponse{
		Rule:        in.Rule,
		Labels:      in.Labels,
		State:       in.State.String(),
		ActiveSince: in.ActiveSince,
		Value:       in.Value,
	}
	if !in.FiredAt.IsZero() {
		t := in.FiredAt
		out.FiredAt = &t
	}
	if !in.ResolvedAt.IsZero() {
		t := in.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

// RuleResponse is one rule in GET /api/v1/rules.
type RuleResponse struct {
	Name           string         `json:"name"`
	Expr           string         `json:"expr"`
	Op             string         `json:"op"`
	Threshold      float64        `json:"threshold"`
	For            string         `json:"for"`
	Interval       string         `json:"interval"`
	Severity       string         `json:"severity"`
	Labels         model.LabelSet `json:"labels,omitempty"`
	GroupBy        []string       `json:"group_by,omitempty"`
	Receiver       string         `json:"receiver"`
	RepeatInterval string         `json:"repeat_interval"`
}

// silenceRequest is the POST /api/v1/silences body.
type silenceRequest struct {
	Matchers  []string  `json:"matchers"`
	StartsAt  time.Time `json:"starts_at,omitempty"`
	EndsAt    time.Time `json:"ends_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	Comment   string    `json:"comment,omitempty"`
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
}
