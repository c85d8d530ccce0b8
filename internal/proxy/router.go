package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

const defaultWriteTimeout = 10 * time.Minute

// defaultModel is always advertised by /v1/models.
const defaultModel = "gpt-3.5-turbo"

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full request handler: routes wrapped in the middleware
// chain. Pass nil for mgmt to serve proxy routes only.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	for _, prefix := range []string{"", "/api"} {
		r.POST(prefix+"/v1/chat/completions", g.handleChatCompletions)
		r.GET(prefix+"/v1/models", g.handleModels)
		r.GET(prefix+"/health", g.handleHealth)
	}
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return chain(r.Handler,
		recoverPanics(g.log),
		requestID,
		responseTimer,
		cors(g.corsOrigins),
		securityHeaders,
	)
}

// StartWithRoutes serves on addr (e.g. ":8080") until ctx is cancelled, then
// shuts the server down. In-flight streams keep going until they end or the
// write timeout fires.
func (g *Gateway) StartWithRoutes(ctx context.Context, addr string, mgmt *ManagementRoutes) error {
	writeTimeout := g.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		Name:         "relay-gateway",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	g.log.Info("server_stopped", slog.String("addr", addr))
	return nil
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// handleModels lists the models callers can name. The upstream accepts any
// label, so this is the default model plus configured aliases.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue(requestIDKey).(string)
	if _, err := g.authenticate(ctx, ctx.Request.Header.Peek("Authorization")); err != nil {
		g.writeAuthError(ctx, reqID, err)
		return
	}

	ids := []string{defaultModel}
	for alias := range g.aliases {
		if alias != defaultModel {
			ids = append(ids, alias)
		}
	}
	sort.Strings(ids[1:])

	data := make([]modelEntry, 0, len(ids))
	for _, id := range ids {
		data = append(data, modelEntry{ID: id, Object: "model", Created: 1677610602, OwnedBy: "relay-gateway"})
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := g.checker.Snapshot()
	snap.Version = g.version
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.checker.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
