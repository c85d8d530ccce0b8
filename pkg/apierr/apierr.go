// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeUpstreamError     = "upstream_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeMissingAPIKey       = "missing_api_key"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeInternalError       = "internal_error"
	CodeNoCredentials       = "no_credentials_configured"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeInvalidRequest      = "invalid_request"
	CodeNotFound            = "not_found"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteUnauthorized writes a 401 with a WWW-Authenticate challenge.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, message, code string) {
	ctx.Response.Header.Set("WWW-Authenticate", `Bearer realm="relay-gateway"`)
	Write(ctx, fasthttp.StatusUnauthorized, message, TypeAuthenticationErr, code)
}

// WriteInvalidRequest writes a 400 for a malformed request body.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteNoCredentials writes a 500: the gateway has nothing to send upstream.
func WriteNoCredentials(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "No credentials configured", TypeServerError, CodeNoCredentials)
}

// WriteUpstreamUnavailable writes a 502 after every credential failed.
func WriteUpstreamUnavailable(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusBadGateway, "All credentials exhausted", TypeUpstreamError, CodeUpstreamUnavailable)
}

// WriteInternal writes a generic 500.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, CodeInternalError)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
