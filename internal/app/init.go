package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/relay-gateway/internal/logger"
	"github.com/nulpointcorp/relay-gateway/internal/metrics"
	"github.com/nulpointcorp/relay-gateway/internal/proxy"
	"github.com/nulpointcorp/relay-gateway/internal/ratelimit"
	"github.com/nulpointcorp/relay-gateway/internal/store"
	"github.com/nulpointcorp/relay-gateway/internal/upstream"
)

// initInfra opens the credential store and the optional external connections.
// Redis is only required when RPM_LIMIT > 0; ClickHouse only when
// CLICKHOUSE_DSN is set.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("opening credential store",
		slog.String("driver", a.cfg.Store.Driver),
		slog.String("dsn", redactURL(a.cfg.Store.DSN())),
	)
	st, err := store.Open(ctx, a.cfg.Store.Driver, a.cfg.Store.DSN())
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	a.store = st

	if creds, err := st.ListCredentials(ctx); err == nil {
		if len(creds) == 0 {
			a.log.Warn("credential store is empty; chat requests will fail until credentials are added")
		} else {
			a.log.Info("credential store ready", slog.Int("credentials", len(creds)))
		}
	}

	if a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouse.DSN != "" {
		a.log.Info("connecting to clickhouse", slog.String("dsn", redactURL(a.cfg.ClickHouse.DSN)))

		sink, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouse.DSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
		a.log.Info("clickhouse connected")
	}

	return nil
}

// initServices creates the Prometheus metrics registry and the async
// request log.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var sink logger.Sink
	if a.chSink != nil {
		sink = a.chSink
		a.log.Info("request log sink: clickhouse")
	} else {
		a.log.Info("request log sink: slog")
	}

	rl, err := logger.New(ctx, a.log, sink)
	if err != nil {
		return fmt.Errorf("request log: %w", err)
	}
	a.reqLogger = rl
	a.prom.RegisterDroppedLogs(rl.DroppedLogs)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Upstream client ──────────────────────────────────────────────────────
	a.httpClient = upstream.NewHTTPClient()
	up := upstream.New(a.httpClient,
		upstream.WithURL(a.cfg.Upstream.URL),
		upstream.WithAttemptTimeout(a.cfg.Upstream.AttemptTimeout),
	)

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:          a.log,
		Metrics:         a.prom,
		ModelAliases:    a.cfg.Upstream.ModelAliases,
		Ordering:        proxy.Ordering(a.cfg.Credentials.Ordering),
		FailureCooldown: a.cfg.Credentials.FailureCooldown,
		Probes:          a.buildProbes(),
		Version:         a.version,
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.store, up, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting needs Redis.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiter(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	gw.SetLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)
	gw.SetWriteTimeout(a.cfg.WriteTimeout)

	if len(a.cfg.Upstream.ModelAliases) > 0 {
		a.log.Info("model aliases loaded", slog.Int("aliases", len(a.cfg.Upstream.ModelAliases)))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	at := -1
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == '@' {
			at = i
			break
		}
	}
	if at < 0 {
		return raw
	}
	for j := at - 1; j >= 0; j-- {
		if j+2 < len(raw) && raw[j:j+3] == "://" {
			return raw[:j+3] + "***" + raw[at:]
		}
	}
	return "***" + raw[at:]
}
