package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/threshd/threshd/internal/api"
	"github.com/threshd/threshd/internal/auth"
	"github.com/threshd/threshd/internal/config"
	"github.com/threshd/threshd/internal/group"
	"github.com/threshd/threshd/internal/metrics"
	"github.com/threshd/threshd/internal/notify"
	"github.com/threshd/threshd/internal/query"
	"github.com/threshd/threshd/internal/rules"
	"github.com/threshd/threshd/internal/sched"
	"github.com/threshd/threshd/internal/silence"
	"github.com/threshd/threshd/internal/state"
	"github.com/threshd/threshd/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("threshd starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"source_mode", cfg.Source.Mode,
		"rules", len(cfg.Rules),
		"receivers", len(cfg.Receivers),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metric query client for the configured source.
	querier, err := query.New(cfg.Source)
	if err != nil {
		slog.Error("failed to build query client", "err", err)
		os.Exit(1)
	}

	// Transition queue between evaluation and dispatch.
	queue := sched.NewQueue(cfg.Route.QueueCapacity)

	// Rule scheduler — one evaluation loop per distinct interval.
	scheduler := sched.New(querier, queue, time.Duration(cfg.Source.Timeout))

	set, ruleErrs := rules.Compile(cfg.Rules, cfg.Route, 1)
	for _, re := range ruleErrs {
		slog.Error("skipping invalid rule", "index", re.Index, "rule", re.Name, "err", re.Err)
	}
	if len(set.Rules) == 0 {
		slog.Warn("no valid rules configured — evaluator will idle")
	}
	scheduler.ApplyRules(ctx, set)

	// Silence store with configured inhibition rules.
	silences := silence.NewStore()
	inhibitions, err := silence.InhibitionsFromConfig(cfg.Inhibitions)
	if err != nil {
		slog.Error("invalid inhibition config", "err", err)
		os.Exit(1)
	}
	silences.SetInhibitions(inhibitions)

	// Grouping engine and notification router.
	groups := group.NewEngine(time.Duration(cfg.Route.GroupWait))
	router := notify.New(queue, groups, silences, scheduler.Firing,
		notify.NewWebhookTransport(), cfg.Route)
	if err := router.SetReceivers(cfg.Receivers); err != nil {
		slog.Error("invalid receiver config", "err", err)
		os.Exit(1)
	}
	go router.Run(ctx)

	// Watch the config file for hot-reload. A reload swaps rules, receivers,
	// and inhibitions; server and source settings need a restart.
	version := 1
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			version++
			newSet, errs := rules.Compile(updated.Rules, updated.Route, version)
			for _, re := range errs {
				slog.Error("skipping invalid rule on reload", "index", re.Index, "rule", re.Name, "err", re.Err)
			}
			scheduler.ApplyRules(ctx, newSet)

			if err := router.SetReceivers(updated.Receivers); err != nil {
				slog.Error("reload kept previous receivers", "err", err)
			}
			inh, err := silence.InhibitionsFromConfig(updated.Inhibitions)
			if err != nil {
				slog.Error("reload kept previous inhibitions", "err", err)
			} else {
				silences.SetInhibitions(inh)
			}
			slog.Info("config hot-reloaded", "version", version, "rules", len(newSet.Rules))
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	// WebSocket hub — streams the live alert set to UI clients.
	hub := ws.New(func() []state.Instance { return scheduler.Snapshot() },
		time.Duration(cfg.Server.StreamInterval))
	go hub.Run(ctx)

	// Admin HTTP server: REST API, Prometheus self-metrics, WebSocket stream.
	// The REST API and the alert stream sit behind the API-key check; /metrics
	// stays open so Prometheus can scrape it without credentials.
	guard := func(next http.Handler) http.Handler {
		return auth.APIKeyMiddleware(
			cfg.Server.Auth.Mode,
			cfg.Server.Auth.EffectiveHeader(),
			cfg.Server.Auth.Key(),
			next,
		)
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", guard(api.New(scheduler, groups, silences, router)))
	httpMux.Handle("/metrics", metrics.Handler())
	httpMux.Handle("/ws/stream", guard(hub))

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: httpMux,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("threshd shutting down")
	httpSrv.Shutdown(context.Background()) //nolint:errcheck
	scheduler.Stop()
}
