package apierr

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func decode(t *testing.T, ctx *fasthttp.RequestCtx) APIError {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("body is not a JSON error envelope: %v (%s)", err, ctx.Response.Body())
	}
	return env.Error
}

func TestWriters(t *testing.T) {
	cases := []struct {
		name   string
		write  func(*fasthttp.RequestCtx)
		status int
		code   string
	}{
		{"unauthorized", func(c *fasthttp.RequestCtx) { WriteUnauthorized(c, "Invalid API key", CodeInvalidAPIKey) }, 401, CodeInvalidAPIKey},
		{"invalid request", func(c *fasthttp.RequestCtx) { WriteInvalidRequest(c, "bad") }, 400, CodeInvalidRequest},
		{"no credentials", WriteNoCredentials, 500, CodeNoCredentials},
		{"exhausted", WriteUpstreamUnavailable, 502, CodeUpstreamUnavailable},
		{"internal", WriteInternal, 500, CodeInternalError},
		{"rate limit", WriteRateLimit, 429, CodeRateLimitExceeded},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var ctx fasthttp.RequestCtx
			tc.write(&ctx)

			if ctx.Response.StatusCode() != tc.status {
				t.Errorf("status = %d, want %d", ctx.Response.StatusCode(), tc.status)
			}
			if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
				t.Errorf("content type = %q", ct)
			}
			if got := decode(t, &ctx); got.Code != tc.code || got.Message == "" {
				t.Errorf("unexpected error body %+v", got)
			}
		})
	}
}

func TestWriteUnauthorized_Challenge(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteUnauthorized(&ctx, "API key is required", CodeMissingAPIKey)
	if h := string(ctx.Response.Header.Peek("WWW-Authenticate")); h == "" {
		t.Error("expected WWW-Authenticate header")
	}
}

func TestWriteRateLimit_RetryAfter(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteRateLimit(&ctx)
	if h := string(ctx.Response.Header.Peek("Retry-After")); h != "60" {
		t.Errorf("Retry-After = %q, want 60", h)
	}
}
