package proxy

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

func serveOnce(h fasthttp.RequestHandler, method string, headers map[string]string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	for k, v := range headers {
		ctx.Request.Header.Set(k, v)
	}
	h(ctx)
	return ctx
}

func okHandler(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString("ok")
}

func TestRecoverPanics(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&logs, nil))

	h := chain(func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString("partial")
		panic("boom")
	}, recoverPanics(log), requestID)

	ctx := serveOnce(h, fasthttp.MethodPost, map[string]string{requestIDHeader: "req-panic"})

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", ctx.Response.StatusCode())
	}
	if body := string(ctx.Response.Body()); !strings.Contains(body, `"code":"internal_error"`) || strings.Contains(body, "partial") {
		t.Errorf("body = %s, want only the internal_error envelope", body)
	}
	if out := logs.String(); !strings.Contains(out, `"msg":"handler_panic"`) || !strings.Contains(out, `"request_id":"req-panic"`) {
		t.Errorf("panic log = %s", out)
	}
}

func TestRecoverPanics_PassesThrough(t *testing.T) {
	h := recoverPanics(slog.New(slog.NewTextHandler(io.Discard, nil)))(okHandler)
	ctx := serveOnce(h, fasthttp.MethodGet, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusOK || string(ctx.Response.Body()) != "ok" {
		t.Errorf("got %d %q", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"missing", "", false},
		{"caller supplied", "custom-id-123", true},
		{"max length", strings.Repeat("x", maxRequestIDLen), true},
		{"oversized", strings.Repeat("x", maxRequestIDLen+1), false},
		{"contains space", "a b", false},
		{"non ascii", "id-é", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := requestID(func(ctx *fasthttp.RequestCtx) {
				seen, _ = ctx.UserValue(requestIDKey).(string)
			})
			headers := map[string]string{}
			if tt.incoming != "" {
				headers[requestIDHeader] = tt.incoming
			}
			ctx := serveOnce(h, fasthttp.MethodGet, headers)

			echoed := string(ctx.Response.Header.Peek(requestIDHeader))
			if seen == "" || echoed != seen {
				t.Fatalf("user value %q, response header %q", seen, echoed)
			}
			if got := seen == tt.incoming; got != tt.keep {
				t.Errorf("kept caller ID = %v, want %v (id %q)", got, tt.keep, seen)
			}
		})
	}
}

func TestResponseTimer(t *testing.T) {
	ctx := serveOnce(responseTimer(okHandler), fasthttp.MethodGet, nil)
	if len(ctx.Response.Header.Peek("X-Response-Time")) == 0 {
		t.Error("X-Response-Time not set")
	}
}

func TestSecurityHeaders(t *testing.T) {
	ctx := serveOnce(securityHeaders(okHandler), fasthttp.MethodGet, nil)
	for _, kv := range apiSecurityHeaders {
		if got := string(ctx.Response.Header.Peek(kv[0])); got != kv[1] {
			t.Errorf("%s = %q, want %q", kv[0], got, kv[1])
		}
	}
}

func TestCORS(t *testing.T) {
	allow := []string{"https://app.example.com", "https://ops.example.com"}
	tests := []struct {
		name       string
		origins    []string
		origin     string
		wantOrigin string
		wantVary   bool
	}{
		{"nil allows any", nil, "https://x.test", "*", false},
		{"explicit wildcard", []string{"*"}, "", "*", false},
		{"listed origin echoed", allow, "https://ops.example.com", "https://ops.example.com", true},
		{"unlisted origin refused", allow, "https://evil.test", "", true},
		{"no origin header", allow, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.origin != "" {
				headers["Origin"] = tt.origin
			}
			ctx := serveOnce(cors(tt.origins)(okHandler), fasthttp.MethodGet, headers)

			if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := string(ctx.Response.Header.Peek("Vary")) == "Origin"; got != tt.wantVary {
				t.Errorf("Vary: Origin = %v, want %v", got, tt.wantVary)
			}
			if ctx.Response.StatusCode() != fasthttp.StatusOK {
				t.Errorf("status = %d", ctx.Response.StatusCode())
			}
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	ctx := serveOnce(cors(nil)(okHandler), fasthttp.MethodOptions, nil)

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent || len(ctx.Response.Body()) != 0 {
		t.Errorf("preflight = %d %q, want empty 204", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Methods")); got != "GET, POST, OPTIONS" {
		t.Errorf("Allow-Methods = %q", got)
	}
	allowHeaders := string(ctx.Response.Header.Peek("Access-Control-Allow-Headers"))
	for _, h := range []string{"Authorization", "Content-Type", requestIDHeader} {
		if !strings.Contains(allowHeaders, h) {
			t.Errorf("Allow-Headers %q lacks %s", allowHeaders, h)
		}
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	trace := func(name string) middleware {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name+">")
				next(ctx)
				order = append(order, "<"+name)
			}
		}
	}

	h := chain(func(*fasthttp.RequestCtx) { order = append(order, "h") }, trace("a"), trace("b"))
	serveOnce(h, fasthttp.MethodGet, nil)

	if got := strings.Join(order, " "); got != "a> b> h <b <a" {
		t.Errorf("order = %q", got)
	}
	if got := chain(okHandler); got == nil {
		t.Error("chain with no middleware must return the handler")
	}
}
