// Package upstream talks to the fixed chat-completion platform the gateway
// fronts. One Client is shared by every request; each Send is one attempt
// with one credential.
package upstream

import "encoding/json"

// DefaultURL is the platform chat-completion endpoint.
const DefaultURL = "https://api.atlassian.com/ai/chat/completions"

type (
	// ChatRequest is the upstream body:
	// {requestPayload:{messages,temperature,stream},platformAttributes:{model}}.
	ChatRequest struct {
		RequestPayload     RequestPayload     `json:"requestPayload"`
		PlatformAttributes PlatformAttributes `json:"platformAttributes"`
	}

	RequestPayload struct {
		Messages []Message `json:"messages"`
		// Temperature is omitted when the caller did not send one.
		Temperature *float64 `json:"temperature,omitempty"`
		Stream      bool     `json:"stream"`
	}

	PlatformAttributes struct {
		Model string `json:"model"`
	}

	// Message is one conversation turn. Content stays raw so string and
	// multi-part content survive the round trip untouched.
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
)
