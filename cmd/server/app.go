package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	_ "modernc.org/sqlite"

	"github.com/GoCodeAlone/billing-webhooks/alert"
	"github.com/GoCodeAlone/billing-webhooks/audit"
	"github.com/GoCodeAlone/billing-webhooks/billing"
	"github.com/GoCodeAlone/billing-webhooks/config"
	"github.com/GoCodeAlone/billing-webhooks/metrics"
	"github.com/GoCodeAlone/billing-webhooks/middleware"
	"github.com/GoCodeAlone/billing-webhooks/notify"
	"github.com/GoCodeAlone/billing-webhooks/risk"
	"github.com/GoCodeAlone/billing-webhooks/scheduler"
	"github.com/GoCodeAlone/billing-webhooks/store"
	"github.com/GoCodeAlone/billing-webhooks/tracing"
	"github.com/GoCodeAlone/billing-webhooks/webhook"
)

// persistence is what the state machine and the task runner share.
type persistence interface {
	store.BillingStore
	store.TaskStore
}

// app holds the wired service.
type app struct {
	handler     http.Handler
	runner      *scheduler.Runner
	dispatcher  *webhook.Dispatcher
	deadLetters *webhook.DeadLetterStore
	store       persistence
	collector   *metrics.Collector
	closers     []func()
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// buildApp wires every component from cfg. On error, everything acquired so
// far is released.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.collector = metrics.New(cfg.Metrics)

	alerts := alert.Multi{alert.NewLogSink(logger)}
	if cfg.Slack.WebhookURL != "" {
		alerts = append(alerts, alert.NewSlackSink(cfg.Slack, logger))
		logger.Info("slack alerts enabled", "channel", cfg.Slack.Channel, "min_severity", cfg.Slack.MinSeverity)
	}

	var tracer *tracing.EventTracer
	if cfg.Tracing.Enabled() {
		tp, err := tracing.NewProvider(ctx, cfg.Tracing)
		if err != nil {
			return nil, err
		}
		a.onClose(func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(sctx); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		})
		tracer = tracing.NewEventTracer(tp.Tracer())
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	auditOut, err := openAudit(cfg.Audit, a)
	if err != nil {
		return nil, err
	}
	auditLog := audit.NewLogger(auditOut, logger, alerts)

	var pool *pgxpool.Pool
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pg, err := store.NewPGStore(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, err
		}
		a.onClose(pg.Close)
		if err := store.NewMigrator(pg.Pool()).Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		pool = pg.Pool()
		a.store = pg
	default:
		logger.Warn("using in-memory store; state is lost on restart")
		a.store = store.NewMemoryStore()
	}

	ledger, err := openLedger(cfg.Store.Ledger, pool, a)
	if err != nil {
		return nil, err
	}

	var upstream billing.PaymentProvider
	if cfg.Stripe.SecretKey != "" {
		upstream = billing.NewStripeProvider(cfg.Stripe.SecretKey)
	} else {
		logger.Warn("no stripe secret key configured; provider lookups use an empty offline provider")
		upstream = billing.NewMockProvider()
	}
	breakerCfg := cfg.Stripe.Breaker
	breakerCfg.IsFailure = billing.IsProviderFailure
	breaker := middleware.NewCircuitBreaker(breakerCfg, middleware.WithBreakerObserver(a.collector))
	breaker.OnStateChange(providerBreakerAlert(breaker.Name(), alerts, logger))
	provider := billing.NewGuardedProvider(upstream, breaker)

	var transport notify.Transport = notify.NewLogTransport(logger)
	if cfg.NATS.URL != "" {
		nc, err := notify.ConnectNATS(cfg.NATS.URL, "billing-webhooks")
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = nc.Drain() })
		transport = notify.NewNATSTransport(nc, cfg.NATS.Subject)
	}
	notifier := notify.NewService(notify.DefaultRegistry(), transport, logger)

	var attempts risk.AttemptStore = risk.NewMemoryAttemptStore()
	if cfg.Redis.Address != "" {
		rs, client, err := risk.NewRedisAttemptStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = client.Close() })
		attempts = rs
	}
	src := billing.RiskSource{Provider: provider}
	assessor := risk.NewAssessor(cfg.RiskSettings(), risk.Deps{
		Charges:   src,
		History:   src,
		Customers: a.store,
		Attempts:  attempts,
		Audit:     auditLog,
		Alerts:    alerts,
		Recorder:  a.collector,
		Logger:    logger,
	})

	sm := billing.NewStateMachine(billing.Config{
		UpgradeReminderDelay: cfg.Billing.UpgradeReminderDelay,
		TaskMaxAttempts:      cfg.Billing.TaskMaxAttempts,
	}, billing.Deps{
		Store:    a.store,
		Provider: provider,
		Risk:     assessor,
		Notifier: notifier,
		Audit:    auditLog,
		Alerts:   alerts,
		Recorder: a.collector,
		Logger:   logger,
	})
	sec := billing.NewSecurityResponder(billing.SecurityDeps{
		Store:    a.store,
		Provider: provider,
		Notifier: notifier,
		Audit:    auditLog,
		Alerts:   alerts,
		Recorder: a.collector,
		Logger:   logger,
	})

	a.deadLetters = webhook.NewDeadLetterStore()
	a.dispatcher = webhook.NewDispatcher(webhook.DispatcherDeps{
		DeadLetters: a.deadLetters,
		Alerts:      alerts,
		Recorder:    a.collector,
		Tracer:      tracer,
		Logger:      logger,
		Retry:       cfg.Webhook.Replay,
	})
	billing.Register(a.dispatcher, sm, sec)

	if cfg.Stripe.WebhookSecret == "" {
		logger.Error("no webhook secret configured; every webhook will be refused")
	}
	receiver := webhook.NewReceiver(
		webhook.ReceiverConfig{Retention: cfg.Store.Ledger.Retention},
		webhook.NewVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.Tolerance),
		ledger, a.dispatcher, logger,
	)

	a.runner = scheduler.NewRunner(cfg.Scheduler, a.store, scheduler.Deps{
		Alerts:   alerts,
		Recorder: a.collector,
		Tracer:   tracer,
		Logger:   logger,
	})
	a.runner.Handle(store.TaskUpgradeReminder, sm.RunUpgradeReminder)
	a.runner.Handle(store.TaskCancelUpstreamSubscription, sm.RunCancelUpstream)
	a.runner.Handle(store.TaskPurgeProcessedEvents, scheduler.PurgeHandler(ledger, logger))

	mux := http.NewServeMux()
	receiver.RegisterRoutes(mux)
	if cfg.Server.AdminEnabled {
		admin := http.NewServeMux()
		webhook.NewHandler(a.deadLetters, a.dispatcher).RegisterRoutes(admin)
		scheduler.NewHandler(a.runner).RegisterRoutes(admin)
		guarded := middleware.AdminAuth(cfg.Server.AdminTokens, admin)
		mux.Handle("/api/v1/webhooks/dead-letter", guarded)
		mux.Handle("/api/v1/webhooks/dead-letter/", guarded)
		mux.Handle("/api/v1/tasks/", guarded)
	}
	mux.Handle("GET "+a.collector.MetricsPath(), a.collector.Handler())
	mux.HandleFunc("GET /healthz", healthHandler(pool))

	var h http.Handler = a.collector.Middleware(mux)
	if cfg.Tracing.Enabled() {
		h = otelhttp.NewHandler(h, "billing-webhooks")
	}
	a.handler = h
	return a, nil
}

// providerBreakerAlert raises an alert whenever the provider circuit opens
// or recovers. The alert is sent off the breaker's lock.
func providerBreakerAlert(name string, alerts alert.Sink, logger *slog.Logger) func(from, to middleware.CircuitState) {
	return func(from, to middleware.CircuitState) {
		logger.Warn("provider circuit changed", "provider", name, "from", from.String(), "to", to.String())
		sev := alert.SeverityInfo
		switch to {
		case middleware.CircuitOpen:
			sev = alert.SeverityError
		case middleware.CircuitHalfOpen:
			return
		}
		go alerts.Alert(context.Background(), sev, "payment provider circuit "+to.String(), map[string]any{
			"provider": name,
			"from":     from.String(),
		})
	}
}

func openAudit(cfg config.AuditConfig, a *app) (io.Writer, error) {
	if cfg.Path == "" {
		return os.Stdout, nil
	}
	f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a.onClose(func() { _ = f.Close() })
	return f, nil
}

func openLedger(cfg config.LedgerConfig, pool *pgxpool.Pool, a *app) (store.ProcessedEventStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return store.NewPGEventLedger(pool), nil
	case config.DriverSQLite:
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
		a.onClose(func() { _ = db.Close() })
		return store.NewSQLiteEventLedger(db)
	default:
		return store.NewInMemoryEventLedger(), nil
	}
}

func healthHandler(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = io.WriteString(w, `{"status":"unavailable"}`)
				return
			}
		}
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	}
}
