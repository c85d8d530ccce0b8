package proxy

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nulpointcorp/relay-gateway/internal/upstream"
)

// ErrInvalidRequestBody means the inbound JSON could not be used.
var ErrInvalidRequestBody = errors.New("proxy: invalid request body")

// inboundRequest is the OpenAI-style body accepted on /v1/chat/completions.
// Pointer fields distinguish "absent" from the zero value.
type inboundRequest struct {
	Model       *string            `json:"model"`
	Messages    []upstream.Message `json:"messages"`
	Stream      *bool              `json:"stream"`
	Temperature *float64           `json:"temperature"`
}

// model returns the requested model label; parseInbound guarantees presence.
func (r inboundRequest) model() string {
	if r.Model == nil {
		return ""
	}
	return *r.Model
}

func (r inboundRequest) streaming() bool {
	return r.Stream != nil && *r.Stream
}

// parseInbound decodes and structurally validates a request body. Message
// contents are not inspected.
func parseInbound(body []byte) (inboundRequest, error) {
	var req inboundRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return inboundRequest{}, fmt.Errorf("%w: invalid JSON: %s", ErrInvalidRequestBody, err.Error())
	}
	if req.Model == nil {
		return inboundRequest{}, fmt.Errorf("%w: field 'model' is required", ErrInvalidRequestBody)
	}
	if req.Messages == nil {
		return inboundRequest{}, fmt.Errorf("%w: field 'messages' is required", ErrInvalidRequestBody)
	}
	return req, nil
}

// translate maps the inbound request onto the upstream shape. It is pure:
// messages keep their order and content, temperature keeps its absence, and
// stream defaults to false. The model is forwarded as-is unless aliases maps
// it to another label.
func translate(req inboundRequest, aliases map[string]string) upstream.ChatRequest {
	model := req.model()
	if mapped, ok := aliases[model]; ok {
		model = mapped
	}

	return upstream.ChatRequest{
		RequestPayload: upstream.RequestPayload{
			Messages:    req.Messages,
			Temperature: req.Temperature,
			Stream:      req.streaming(),
		},
		PlatformAttributes: upstream.PlatformAttributes{Model: model},
	}
}
