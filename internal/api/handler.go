package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/common/model"

	"github.com/threshd/threshd/internal/group"
	"github.com/threshd/threshd/internal/notify"
	"github.com/threshd/threshd/internal/sched"
	"github.com/threshd/threshd/internal/silence"
	"github.com/threshd/threshd/internal/state"
)

// degradedWindow is how long after a query or delivery failure the health
// view reports "degraded".
const degradedWindow = 5 * time.Minute

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	sched    *sched.Scheduler
	groups   *group.Engine
	silences *silence.Store
	router   *notify.Router
	mux      *http.ServeMux
	now      func() time.Time
}

// New creates a Handler wired to the engine components and registers all routes.
func New(s *sched.Scheduler, g *group.Engine, st *silence.Store, r *notify.Router) http.Handler {
	h := &Handler{
		sched:    s,
		groups:   g,
		silences: st,
		router:   r,
		mux:      http.NewServeMux(),
		now:      time.Now,
	}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/alerts", h.alerts)
	h.mux.HandleFunc("/api/v1/groups", h.listGroups)
	h.mux.HandleFunc("/api/v1/rules", h.listRules)
	h.mux.HandleFunc("/api/v1/silences", h.silencesCollection)
	h.mux.HandleFunc("/api/v1/silences/", h.silenceByID) // subtree — extracts {id}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health — engine health and failure diagnostics.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	now := h.now()
	evalStats := h.sched.Stats()
	deliveryStats := h.router.Stats()

	resp := HealthResponse{
		Status:       "ok",
		ActiveGroups: len(h.groups.Views()),
		Evaluation:   evalStats,
		Delivery:     deliveryStats,
	}
	for _, in := range h.sched.Snapshot() {
		switch in.State {
		case state.Firing:
			resp.FiringInstances++
		case state.Pending:
			resp.PendingInstances++
		}
	}
	for _, s := range h.silences.List() {
		if s.Active(now) {
			resp.ActiveSilences++
		}
	}

	recentQueryFailure := !evalStats.LastQueryErrorAt.IsZero() &&
		now.Sub(evalStats.LastQueryErrorAt) < degradedWindow
	recentDeliveryFailure := !deliveryStats.LastDeliveryErrorAt.IsZero() &&
		now.Sub(deliveryStats.LastDeliveryErrorAt) < degradedWindow
	if recentQueryFailure || recentDeliveryFailure {
		resp.Status = "degraded"
	}

	jsonResp(w, http.StatusOK, resp)
}

// alerts returns GET /api/v1/alerts — all tracked alert instances.
// ?state=firing filters by state.
func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	filter := r.URL.Query().Get("state")
	out := make([]AlertResponse, 0)
	for _, in := range h.sched.Snapshot() {
		if filter != "" && in.State.String() != filter {
			continue
		}
		out = append(out, ToAlertResponse(in))
	}
	jsonResp(w, http.StatusOK, out)
}

// listGroups returns GET /api/v1/groups — active notification groups.
func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, h.groups.Views())
}

// listRules returns GET /api/v1/rules — the currently applied rule set.
func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	set := h.sched.Rules()
	out := make([]RuleResponse, 0)
	if set != nil {
		for _, rule := range set.Rules {
			groupBy := make([]string, 0, len(rule.GroupBy))
			for _, ln := range rule.GroupBy {
				groupBy = append(groupBy, string(ln))
			}
			out = append(out, RuleResponse{
				Name:           rule.Name,
				Expr:           rule.Expr,
				Op:             string(rule.Op),
				Threshold:      rule.Threshold,
				For:            model.Duration(rule.For).String(),
				Interval:       model.Duration(rule.Interval).String(),
				Severity:       rule.Severity,
				Labels:         rule.Labels,
				GroupBy:        groupBy,
				Receiver:       rule.Receiver,
				RepeatInterval: model.Duration(rule.RepeatInterval).String(),
			})
		}
	}
	jsonResp(w, http.StatusOK, out)
}

// silencesCollection handles GET (list) and POST (create) /api/v1/silences.
func (h *Handler) silencesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jsonResp(w, http.StatusOK, h.silences.List())

	case http.MethodPost:
		var req silenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		matchers, err := silence.ParseMatchers(req.Matchers)
		if err != nil {
			jsonErr(w, http.StatusBadRequest, err.Error())
			return
		}
		s, err := h.silences.Add(silence.Silence{
			Matchers:  matchers,
			StartsAt:  req.StartsAt,
			EndsAt:    req.EndsAt,
			CreatedBy: req.CreatedBy,
			Comment:   req.Comment,
		})
		if err != nil {
			jsonErr(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Info("api: silence created",
			"id", s.ID, "created_by", s.CreatedBy, "ends_at", s.EndsAt)
		jsonResp(w, http.StatusCreated, s)

	default:
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// silenceByID handles DELETE /api/v1/silences/{id}.
func (h *Handler) silenceByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/silences/")
	if id == "" {
		h.silencesCollection(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := h.silences.Delete(id); err != nil {
		if errors.Is(err, silence.ErrNotFound) {
			jsonErr(w, http.StatusNotFound, "silence not found")
			return
		}
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("api: silence deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: encode response", "err", err)
	}
}

func jsonErr(w http.ResponseWriter, status int, msg string) {
	jsonResp(w, status, errorResponse{Error: msg})
}
