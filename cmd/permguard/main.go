// Permguard - Permission Decision Cache, Audit Trail and Anomaly Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/permguard

// Command permguard runs the permission decision cache, session manager,
// audit trail and anomaly monitor behind a supervised ops API.
//
// Components are built in dependency order:
//
//  1. Configuration (koanf: defaults, permguard.yaml, environment)
//  2. Metrics registry and circuit breakers
//  3. Key-value store (memory, Badger or Redis) for decisions and sessions
//  4. DuckDB for the audit trail, access attempts and security alerts
//  5. Decision cache, Casbin enforcer, session manager, monitor, guard
//  6. Supervisor tree: store health check, sweeps, policy reload, HTTP server
//
// Usage:
//
//	permguard                       run the service
//	permguard issue-token <actor>   mint a session token and print it as JSON
//
// SIGINT and SIGTERM stop the tree; in-flight alert notifications are
// drained before the stores close.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tomtom215/permguard/internal/api"
	"github.com/tomtom215/permguard/internal/audit"
	"github.com/tomtom215/permguard/internal/authz"
	"github.com/tomtom215/permguard/internal/config"
	"github.com/tomtom215/permguard/internal/database"
	"github.com/tomtom215/permguard/internal/decision"
	"github.com/tomtom215/permguard/internal/errs"
	"github.com/tomtom215/permguard/internal/guard"
	"github.com/tomtom215/permguard/internal/kvstore"
	"github.com/tomtom215/permguard/internal/logging"
	"github.com/tomtom215/permguard/internal/metrics"
	"github.com/tomtom215/permguard/internal/monitor"
	"github.com/tomtom215/permguard/internal/resilience"
	"github.com/tomtom215/permguard/internal/session"
	"github.com/tomtom215/permguard/internal/supervisor"
	"github.com/tomtom215/permguard/internal/supervisor/services"
)

const storeCheckInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) > 1 {
		err = runCommand(ctx, cfg, os.Args[1:])
	} else {
		err = serve(ctx, cfg)
	}
	if err != nil {
		stop()
		logging.Fatal().Err(err).Msg("permguard exited")
	}
}

// app holds the wired components.
type app struct {
	registry *prometheus.Registry
	rep      metrics.Reporter
	kv       kvstore.Store
	db       *database.DB
	trail    *audit.Trail
	cache    *decision.Cache
	enforcer *authz.Enforcer
	sessions *session.Manager
	monitor  *monitor.Monitor
	guard    *guard.Service
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.rep = metrics.NewPrometheus(a.registry)
	breakerCfg := cfg.BreakerConfig()

	rawKV, err := kvstore.Open(ctx, cfg.Stores.KV)
	if err != nil {
		return nil, fmt.Errorf("open key-value store: %w", err)
	}
	a.kv = kvstore.NewGuarded(rawKV, resilience.NewBreaker("kv", breakerCfg, a.rep))

	a.db, err = database.Open(ctx, cfg.Stores.DuckDB)
	if err != nil {
		_ = a.kv.Close()
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	auditStore := audit.NewBreakerStore(audit.NewDuckDBStore(a.db), resilience.NewBreaker("audit", breakerCfg, a.rep))
	a.trail = audit.NewTrail(auditStore, cfg.Audit, a.rep)

	a.cache = decision.New(a.kv, cfg.Cache, a.rep)
	a.enforcer, err = authz.NewEnforcer(cfg.Authz, a.cache)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load authorization policy: %w", err)
	}
	a.sessions = session.NewManager(a.kv, a.trail, a.cache, cfg.Session, a.rep)

	monStore := monitor.NewBreakerStore(monitor.NewDuckDBStore(a.db), resilience.NewBreaker("monitor", breakerCfg, a.rep))
	a.monitor = monitor.New(monStore, a.trail, cfg.Monitor, a.rep)
	a.monitor.RegisterNotifier(monitor.LogNotifier{})
	if cfg.Monitor.Webhook.Enabled {
		a.monitor.RegisterNotifier(monitor.NewWebhookNotifier(cfg.Monitor.Webhook))
	}

	a.guard = guard.New(a.cache, a.enforcer, a.trail, a.monitor)
	return a, nil
}

func (a *app) close() {
	if err := a.kv.Close(); err != nil {
		logging.Error().Err(err).Msg("error closing key-value store")
	}
	if err := a.db.Close(); err != nil {
		logging.Error().Err(err).Msg("error closing duckdb")
	}
}

func (a *app) pingKV(ctx context.Context) error {
	_, err := a.kv.Get(ctx, "health:ping")
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	return err
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	tree := supervisor.NewTree(logging.NewSlogLogger(), cfg.Supervisor)

	tree.AddStorageService(services.NewTickerService("store-check", storeCheckInterval, func(ctx context.Context) error {
		if err := a.db.Ping(ctx); err != nil {
			return fmt.Errorf("duckdb: %w", err)
		}
		if err := a.pingKV(ctx); err != nil {
			return fmt.Errorf("kv: %w", err)
		}
		return nil
	}))

	tree.AddMonitoringService(services.NewTickerService("decision-sweep", cfg.Cache.SweepInterval, func(ctx context.Context) error {
		_, out := a.cache.Sweep(ctx)
		return out.Err()
	}))
	tree.AddMonitoringService(services.NewTickerService("monitor-sweep", a.monitor.Config().SweepInterval, func(ctx context.Context) error {
		return a.monitor.Sweep(ctx).Err()
	}))
	if every := a.enforcer.ReloadInterval(); every > 0 {
		tree.AddMonitoringService(services.NewTickerService("policy-reload", every, func(ctx context.Context) error {
			_, err := a.enforcer.Reload(ctx)
			return err
		}))
	}

	if cfg.Server.Enabled {
		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
		tree.AddAPIService(services.NewHTTPServerService(addr, newHTTPServer(cfg, a), cfg.Server.ShutdownTimeout))
	}

	logging.Info().
		Str("kv_backend", cfg.Stores.KV.Backend).
		Str("duckdb", cfg.Stores.DuckDB.Path).
		Bool("api", cfg.Server.Enabled).
		Msg("starting permguard")

	errCh := tree.ServeBackground(ctx)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor tree error")
		}
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("service failed to stop within timeout")
		}
	}

	a.monitor.Wait()
	logging.Info().Msg("permguard stopped")
	return nil
}

func newHTTPServer(cfg *config.Config, a *app) *http.Server {
	mw := api.DefaultChiMiddlewareConfig()
	mw.CORSAllowedOrigins = cfg.Server.CORSOrigins
	mw.RateLimitRequests = cfg.Server.RateLimitRequests
	mw.RateLimitWindow = cfg.Server.RateLimitWindow

	router := api.NewRouter(api.Deps{
		Audit:    a.trail,
		Alerts:   a.monitor,
		Sessions: a.sessions,
		Guard:    a.guard,
		Reporter: a.rep,
		Gatherer: a.registry,
		Health: map[string]api.HealthCheck{
			"duckdb": a.db.Ping,
			"kv":     a.pingKV,
		},
	}, mw)

	return &http.Server{
		Handler:           router.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

// runCommand handles one-shot administrative subcommands.
func runCommand(ctx context.Context, cfg *config.Config, args []string) error {
	switch args[0] {
	case "issue-token":
		if len(args) != 2 {
			return errors.New("usage: permguard issue-token <actor-id>")
		}
		if cfg.Stores.KV.Backend == kvstore.BackendMemory {
			logging.Warn().Msg("memory kv backend: the token only lives for this process")
		}
		a, err := build(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		tok, err := a.sessions.CreateToken(ctx, args[1], session.ClientInfo{UserAgent: "permguard-cli"})
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(tok)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}
