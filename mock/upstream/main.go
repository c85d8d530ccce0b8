// Command upstream runs a lightweight HTTP server that simulates the chat
// platform behind the gateway. It is used for E2E/load testing without real
// credentials.
//
// Point the gateway at it with UPSTREAM_URL=http://localhost:19001/ai/chat/completions.
//
// Behaviour flags (via env):
//
//	PORT              listen port (default 19001)
//	MOCK_LATENCY_MS   artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS words in a response (default 10)
//	MOCK_FAIL_SECRETS comma-separated credential secrets answered with 401
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Config holds runtime configuration for the mock server.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
	FailSecrets map[string]bool
}

func loadConfig() Config {
	c := Config{StreamWords: 10, FailSecrets: map[string]bool{}}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	for _, s := range strings.Split(os.Getenv("MOCK_FAIL_SECRETS"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			c.FailSecrets[s] = true
		}
	}
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock upstream",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.StreamWords),
		slog.Int("fail_secrets", len(cfg.FailSecrets)),
	)

	addr := ":" + portFromEnv("PORT", 19001)
	srv := &http.Server{
		Addr:         addr,
		Handler:      newChatHandler(cfg, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock upstream listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Print readiness
	fmt.Println("READY")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down mock upstream")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("mock upstream stopped")
}
