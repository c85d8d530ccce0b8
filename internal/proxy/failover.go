package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/relay-gateway/internal/store"
	"github.com/nulpointcorp/relay-gateway/internal/upstream"
)

// ErrUpstreamUnavailable means no credential produced a usable response.
var ErrUpstreamUnavailable = errors.New("proxy: upstream unavailable")

// ErrNoCredentials means the store held no credentials, so nothing was tried.
// It also matches ErrUpstreamUnavailable.
var ErrNoCredentials error = noCredentialsError{}

type noCredentialsError struct{}

func (noCredentialsError) Error() string { return "proxy: no credentials configured" }

func (noCredentialsError) Is(target error) bool { return target == ErrUpstreamUnavailable }

// Upstream performs one attempt with one credential secret.
type Upstream interface {
	Send(ctx context.Context, secret string, body []byte, stream bool) (*upstream.Response, error)
}

type statusCoder interface {
	HTTPStatus() int
}

// dispatchResult is the outcome of a successful scan.
type dispatchResult struct {
	resp     *upstream.Response
	cred     store.Credential
	attempts int
}

// requestWithFailover scans the credential snapshot one credential at a
// time until an attempt succeeds. body is serialized once by the caller and
// reused for every attempt. Every failure (non-2xx, transport, timeout,
// invalid JSON) moves on to the next credential; there is no backoff and no
// credential is tried twice.
func (g *Gateway) requestWithFailover(
	ctx context.Context,
	reqID string,
	body []byte,
	stream bool,
) (dispatchResult, error) {
	creds, err := g.store.ListCredentials(ctx)
	if err != nil {
		return dispatchResult{}, fmt.Errorf("proxy: list credentials: %w", err)
	}
	if len(creds) == 0 {
		if g.metrics != nil {
			g.metrics.RecordNoCredentials()
		}
		return dispatchResult{}, ErrNoCredentials
	}

	ordered := g.health.Order(creds)

	var lastErr error
	attempts := 0
	for i, cred := range ordered {
		// Stop scanning once the server is shutting down.
		if err := g.baseCtx.Err(); err != nil {
			lastErr = err
			break
		}

		start := time.Now()
		// fasthttp reports no caller disconnect, so a non-streaming scan keeps
		// going after the caller hangs up; only shutdown stops it.
		resp, err := g.upstream.Send(g.baseCtx, cred.Secret, body, stream)
		dur := time.Since(start)
		attempts++

		if err == nil {
			g.health.RecordSuccess(cred.ID)
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(cred.ID, "success", dur)
				g.metrics.SetCredentialHealth(cred.ID, true)
				g.metrics.ObserveAttempts(attempts)
			}
			if i > 0 {
				g.log.InfoContext(ctx, "failover_success",
					slog.String("request_id", reqID),
					slog.Int64("credential_id", cred.ID),
					slog.String("credential_label", cred.Label),
					slog.Int("attempt", attempts),
					slog.Int64("latency_ms", dur.Milliseconds()),
				)
				if g.metrics != nil {
					g.metrics.RecordFailoverSuccess()
				}
			}
			return dispatchResult{resp: resp, cred: cred, attempts: attempts}, nil
		}

		g.health.RecordFailure(cred.ID)
		reason := classifyError(err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(cred.ID, reason, dur)
			g.metrics.SetCredentialHealth(cred.ID, false)
		}

		attrs := []any{
			slog.String("request_id", reqID),
			slog.Int64("credential_id", cred.ID),
			slog.String("credential_label", cred.Label),
			slog.Int("attempt", attempts),
			slog.String("reason", reason),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		}
		var sc statusCoder
		if errors.As(err, &sc) {
			attrs = append(attrs, slog.Int("status", sc.HTTPStatus()))
		}
		g.log.WarnContext(ctx, "credential_attempt_failed", attrs...)

		lastErr = err
	}

	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted()
		g.metrics.ObserveAttempts(attempts)
	}
	g.log.ErrorContext(ctx, "failover_exhausted",
		slog.String("request_id", reqID),
		slog.Int("attempts", attempts),
		slog.Int("credentials", len(ordered)),
	)
	return dispatchResult{attempts: attempts}, fmt.Errorf(
		"%w: all credentials failed after %d attempt(s): %w", ErrUpstreamUnavailable, attempts, lastErr)
}

// classifyError converts an error into a short category string used in log
// fields and metrics labels.
func classifyError(err error) string {
	if errors.Is(err, upstream.ErrAttemptTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, upstream.ErrDecode) {
		return "decode"
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "transport"
}
