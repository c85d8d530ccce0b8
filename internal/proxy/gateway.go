// Package proxy is the OpenAI-compatible front door of the gateway.
//
// The Gateway authenticates the caller against the access-token store,
// reshapes the chat request for the upstream platform, and walks the
// credential list until one credential gets a usable response, which is
// then relayed to the caller (buffered JSON or a live event stream).
//
// Key design constraints:
//   - Authentication happens before any upstream I/O.
//   - Credentials are read fresh from the store for every request.
//   - Each credential is tried at most once per request, in sequence.
//   - Logger, metrics and rate limiter are optional and nil-safe.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nulpointcorp/relay-gateway/internal/logger"
	"github.com/nulpointcorp/relay-gateway/internal/metrics"
	"github.com/nulpointcorp/relay-gateway/internal/store"
	"github.com/nulpointcorp/relay-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const routeChat = "chat_completions"

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failover
	// diagnostics. Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// ModelAliases maps caller model names to upstream labels.
	ModelAliases map[string]string

	// Ordering is the credential attempt order. Default: OrderByStore.
	Ordering Ordering

	// FailureCooldown is how long a failed credential is tried last under
	// OrderByHealth. Zero disables demotion; negative means
	// DefaultFailureCooldown.
	FailureCooldown time.Duration

	// Probes are the dependency checks behind /health and /readiness.
	Probes []Probe

	// Version is reported by /health.
	Version string
}

// RateLimiter decides whether a caller may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, token string) (bool, error)
}

// Gateway is the main proxy. All dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	store    store.Reader
	upstream Upstream
	health   *CredentialHealth
	checker  *HealthChecker
	baseCtx  context.Context
	log      *slog.Logger
	metrics  *metrics.Registry
	aliases  map[string]string
	version  string

	// Optional dependencies, nil-safe when not configured.
	rpmLimiter RateLimiter
	reqLogger  *logger.Logger

	// CORS allowed origins. Empty or ["*"] allows any origin.
	corsOrigins []string

	writeTimeout time.Duration
}

// NewGateway creates a Gateway with default options.
func NewGateway(ctx context.Context, st store.Reader, up Upstream) *Gateway {
	return NewGatewayWithOptions(ctx, st, up, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway. baseCtx bounds
// every upstream attempt; cancelling it stops in-flight scans.
func NewGatewayWithOptions(baseCtx context.Context, st store.Reader, up Upstream, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if st == nil || up == nil {
		panic("gateway: store and upstream must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Gateway{
		store:       st,
		upstream:    up,
		health:      NewCredentialHealth(opts.Ordering, opts.FailureCooldown),
		checker:     NewHealthChecker(baseCtx, opts.Probes, opts.Metrics),
		baseCtx:     baseCtx,
		log:         log,
		metrics:     opts.Metrics,
		aliases:     opts.ModelAliases,
		version:     opts.Version,
		corsOrigins: []string{"*"},
	}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetWriteTimeout bounds response writes on the HTTP server.
func (g *Gateway) SetWriteTimeout(d time.Duration) {
	g.writeTimeout = d
}

// SetRateLimiter injects the per-token RPM rate limiter.
func (g *Gateway) SetRateLimiter(rl RateLimiter) {
	g.rpmLimiter = rl
}

// SetLogger injects the async request logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// Close stops background health probes.
func (g *Gateway) Close() {
	g.checker.Close()
}

// dispatchChat is the handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqBytes := len(ctx.PostBody())
	streaming := false
	entry := logger.RequestLog{Outcome: "rejected"}

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if streaming {
			return // finalised by the stream writer
		}
		status := ctx.Response.StatusCode()
		g.finish(entry, status, start, reqBytes, len(ctx.Response.Body()))
	}()

	reqID, _ := ctx.UserValue(requestIDKey).(string)
	entry.RequestID = reqID

	// 1. Authenticate the caller.
	token, err := g.authenticate(ctx, ctx.Request.Header.Peek("Authorization"))
	if err != nil {
		g.writeAuthError(ctx, reqID, err)
		return
	}

	// 2. Rate limit check (RPM per token).
	if g.rpmLimiter != nil && !g.allowRate(ctx, reqID, token) {
		entry.Outcome = "rate_limited"
		apierr.WriteRateLimit(ctx)
		return
	}

	// 3. Parse and translate.
	req, err := parseInbound(ctx.PostBody())
	if err != nil {
		entry.Outcome = "invalid_request"
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}
	entry.Model = req.model()
	entry.Stream = req.streaming()

	body, err := json.Marshal(translate(req, g.aliases))
	if err != nil {
		entry.Outcome = "internal_error"
		apierr.WriteInternal(ctx)
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.model()),
		slog.Bool("stream", entry.Stream),
		slog.Int("messages", len(req.Messages)),
	)

	// 4. Walk the credentials.
	res, err := g.requestWithFailover(ctx, reqID, body, entry.Stream)
	entry.Attempts = attemptCount(res.attempts)
	if err != nil {
		entry.Outcome = g.writeDispatchError(ctx, reqID, err)
		return
	}
	entry.CredentialID = res.cred.ID
	entry.Outcome = "success"

	// 5. Relay.
	if entry.Stream && res.resp.Stream != nil {
		streaming = true
		relayStream(ctx, res.resp, func(out streamOutcome) {
			if g.metrics != nil {
				g.metrics.AddStreamBytes(out.bytes)
				if out.abortedBy != "" {
					g.metrics.RecordStreamAborted(out.abortedBy)
				}
			}
			if out.abortedBy != "" {
				entry.Outcome = "stream_aborted_" + out.abortedBy
				g.log.WarnContext(g.baseCtx, "stream_aborted",
					slog.String("request_id", reqID),
					slog.String("side", out.abortedBy),
					slog.Int64("bytes", out.bytes),
					slog.String("error", out.err.Error()),
				)
			}
			g.finish(entry, fasthttp.StatusOK, start, reqBytes, -1)
		})
		return
	}

	writeBuffered(ctx, res.resp)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.Int64("credential_id", res.cred.ID),
		slog.Int("attempts", res.attempts),
		slog.Int("bytes", len(res.resp.Body)),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// finish records metrics and the async request log for one chat request.
func (g *Gateway) finish(entry logger.RequestLog, status int, start time.Time, reqBytes, respBytes int) {
	dur := time.Since(start)
	if g.metrics != nil {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeChat, status, dur, reqBytes, respBytes)
	}
	if g.reqLogger == nil {
		return
	}

	latencyMs := dur.Milliseconds()
	if latencyMs > int64(^uint32(0)) {
		latencyMs = int64(^uint32(0))
	}
	entry.Status = uint16(status)
	entry.LatencyMs = uint32(latencyMs)
	entry.CreatedAt = time.Now()
	g.reqLogger.Log(entry)
}

// attemptCount narrows n to the request log column, saturating at its max.
func attemptCount(n int) uint16 {
	if n > int(^uint16(0)) {
		return ^uint16(0)
	}
	return uint16(n)
}

func (g *Gateway) allowRate(ctx *fasthttp.RequestCtx, reqID, token string) bool {
	allowed, err := g.rpmLimiter.Allow(ctx, token)
	if err != nil {
		g.log.WarnContext(ctx, "rate_limit_check_failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		if g.metrics != nil {
			g.metrics.RecordRateLimit("error")
		}
		return true
	}
	if !allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		g.log.WarnContext(ctx, "rate_limit_exceeded", slog.String("request_id", reqID))
		return false
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit("allowed")
	}
	return true
}

func (g *Gateway) writeAuthError(ctx *fasthttp.RequestCtx, reqID string, err error) {
	var reason string
	switch {
	case errors.Is(err, ErrMissingCredential):
		reason = "missing"
		apierr.WriteUnauthorized(ctx, "API key is required", apierr.CodeMissingAPIKey)
	case errors.Is(err, ErrInvalidCredential):
		reason = "invalid"
		apierr.WriteUnauthorized(ctx, "Invalid API key", apierr.CodeInvalidAPIKey)
	default:
		reason = "store_error"
		g.log.ErrorContext(ctx, "auth_store_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx)
	}

	if g.metrics != nil {
		g.metrics.RecordAuthRejection(reason)
	}
	g.log.InfoContext(ctx, "auth_rejected",
		slog.String("request_id", reqID),
		slog.String("reason", reason),
	)
}

// writeDispatchError maps scan failures to HTTP responses and returns the
// request-log outcome.
func (g *Gateway) writeDispatchError(ctx *fasthttp.RequestCtx, reqID string, err error) string {
	switch {
	case errors.Is(err, ErrNoCredentials):
		g.log.ErrorContext(ctx, "no_credentials_configured", slog.String("request_id", reqID))
		apierr.WriteNoCredentials(ctx)
		return "no_credentials"
	case errors.Is(err, ErrUpstreamUnavailable):
		apierr.WriteUpstreamUnavailable(ctx)
		return "exhausted"
	default:
		g.log.ErrorContext(ctx, "dispatch_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx)
		return "internal_error"
	}
}
