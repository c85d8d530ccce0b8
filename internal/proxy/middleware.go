package proxy

import (
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/relay-gateway/pkg/apierr"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"

	// maxRequestIDLen caps caller-supplied request IDs before they reach logs.
	maxRequestIDLen = 128
)

// middleware wraps a handler.
type middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

// chain wraps h so that mws[0] runs first on the way in and last on the way
// out: chain(h, a, b) == a(b(h)).
func chain(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// recoverPanics turns a handler panic into the 500 internal_error envelope.
// Once a stream writer has taken over the body there is nothing left to
// rewrite, so only buffered responses are affected.
func recoverPanics(log *slog.Logger) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				reqID, _ := ctx.UserValue(requestIDKey).(string)
				log.Error("handler_panic",
					slog.String("request_id", reqID),
					slog.String("method", string(ctx.Method())),
					slog.String("path", string(ctx.Path())),
					slog.Any("panic", r),
				)
				ctx.ResetBody()
				apierr.WriteInternal(ctx)
			}()
			next(ctx)
		}
	}
}

// validRequestID accepts 1..maxRequestIDLen visible ASCII bytes, so a
// caller-chosen ID cannot smuggle control characters into log lines.
func validRequestID(id []byte) bool {
	if len(id) == 0 || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// requestID propagates the caller's X-Request-ID or mints a UUID v4. The ID
// is echoed in the response and stored under requestIDKey so every log line
// of a failover scan carries it.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		raw := ctx.Request.Header.Peek(requestIDHeader)
		id := string(raw)
		if !validRequestID(raw) {
			id = uuid.NewString()
		}
		ctx.SetUserValue(requestIDKey, id)
		ctx.Response.Header.Set(requestIDHeader, id)
		next(ctx)
	}
}

// responseTimer reports handler time in X-Response-Time. For streamed
// replies this covers the failover scan only, not the relay.
func responseTimer(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// apiSecurityHeaders is the fixed header set for a JSON/SSE-only API.
var apiSecurityHeaders = [...][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "0"},
	{"Content-Security-Policy", "default-src 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Permissions-Policy", "geolocation=(), camera=(), microphone=()"},
}

func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		for _, kv := range apiSecurityHeaders {
			ctx.Response.Header.Set(kv[0], kv[1])
		}
	}
}

// cors answers browser clients. With no origins or ["*"] any origin is
// allowed; otherwise the request Origin is echoed only when it is listed.
// Preflight requests end here with 204.
func cors(origins []string) middleware {
	wildcard := len(origins) == 0 || slices.Contains(origins, "*")
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			if wildcard {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Add("Vary", "Origin")
				if origin := string(ctx.Request.Header.Peek("Origin")); slices.Contains(origins, origin) {
					h.Set("Access-Control-Allow-Origin", origin)
				}
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID")

			if ctx.IsOptions() {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}
