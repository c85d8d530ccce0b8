package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// chatRequest is the platform body the gateway sends.
type chatRequest struct {
	RequestPayload struct {
		Messages    []json.RawMessage `json:"messages"`
		Temperature *float64          `json:"temperature"`
		Stream      bool              `json:"stream"`
	} `json:"requestPayload"`
	PlatformAttributes struct {
		Model string `json:"model"`
	} `json:"platformAttributes"`
}

// newChatHandler returns an http.Handler that simulates the platform's
// chat-completion endpoint. Responses are OpenAI-shaped.
func newChatHandler(cfg Config, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ai/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}

		secret, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || secret == "" {
			writeError(w, http.StatusUnauthorized, "missing credential", "unauthorized")
			return
		}
		if cfg.FailSecrets[secret] {
			log.Info("rejecting credential", slog.String("secret_prefix", prefix(secret)))
			writeError(w, http.StatusUnauthorized, "credential rejected", "unauthorized")
			return
		}

		applyLatency(r, cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}
		if req.RequestPayload.Messages == nil {
			writeError(w, http.StatusBadRequest, "requestPayload.messages is required", "invalid_request")
			return
		}

		model := req.PlatformAttributes.Model
		if model == "" {
			model = "gpt-4o"
		}

		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)
		inTokens := 10 * len(req.RequestPayload.Messages)
		outTokens := cfg.StreamWords

		if req.RequestPayload.Stream {
			serveStream(w, id, model, content)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": content,
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     inTokens,
				"completion_tokens": outTokens,
				"total_tokens":      inTokens + outTokens,
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// serveStream writes an SSE stream of chat completion chunks, one word per
// event.
func serveStream(w http.ResponseWriter, id, model, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	writeChunk := func(delta map[string]string, finish any) {
		data, _ := json.Marshal(map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{"index": 0, "delta": delta, "finish_reason": finish},
			},
		})
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	for _, word := range strings.Fields(content) {
		writeChunk(map[string]string{"content": word + " "}, nil)
	}
	writeChunk(map[string]string{}, "stop")

	fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// prefix returns a short, log-safe prefix of a secret.
func prefix(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + "****"
}
