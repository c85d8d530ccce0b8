// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra:    credential store, plus Redis and ClickHouse when configured
//  2. initServices: metrics registry, async request log
//  3. initGateway:  upstream client, proxy, management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/relay-gateway/internal/config"
	"github.com/nulpointcorp/relay-gateway/internal/logger"
	"github.com/nulpointcorp/relay-gateway/internal/metrics"
	"github.com/nulpointcorp/relay-gateway/internal/proxy"
	"github.com/nulpointcorp/relay-gateway/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	store *store.SQLStore

	// Optional external connections, nil when not configured.
	rdb      *redis.Client
	chSink   *logger.ClickHouseSink
	chClosed bool

	reqLogger *logger.Logger
	prom      *metrics.Registry

	// httpClient is the single outbound client shared by every attempt.
	httpClient *http.Client
	mgmt       *proxy.ManagementRoutes
	gw         *proxy.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. It closes the app once the server has stopped.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("upstream", a.cfg.Upstream.URL),
		slog.String("store_driver", a.cfg.Store.Driver),
		slog.String("credential_ordering", a.cfg.Credentials.Ordering),
		slog.Duration("attempt_timeout", a.cfg.Upstream.AttemptTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(gctx, addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutdown requested")
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.gw != nil {
		a.gw.Close()
	}
	if a.httpClient != nil {
		a.httpClient.CloseIdleConnections()
	}
	// The request log owns the ClickHouse sink once it exists.
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("request log close error", slog.String("error", err.Error()))
		}
		a.chClosed = true
	}
	if a.chSink != nil && !a.chClosed {
		if err := a.chSink.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildProbes lists the dependency checks behind /health and /readiness.
// Only the store gates readiness.
func (a *App) buildProbes() []proxy.Probe {
	probes := []proxy.Probe{{Name: "store", Required: true, Check: a.store.Ping}}
	if a.rdb != nil {
		rdb := a.rdb
		probes = append(probes, proxy.Probe{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	if a.chSink != nil {
		probes = append(probes, proxy.Probe{Name: "clickhouse", Check: a.chSink.Ping})
	}
	return probes
}
