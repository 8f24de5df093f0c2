// Package httpapi exposes the OpenAI-compatible surface in front of the
// routing core. The wire schema itself is out of scope (spec §1): decode.go
// extracts only the narrow fields RequestAnalyzer consumes (spec §4.7), it
// never validates the full OpenAI request/response shape.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/nexus-gateway/nexus/internal/pipeline"
)

type wireContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL any    `json:"image_url,omitempty"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wireResponseFormat struct {
	Type string `json:"type"`
}

type wireChatRequest struct {
	Model          string             `json:"model"`
	Messages       []wireMessage      `json:"messages"`
	Stream         bool               `json:"stream"`
	Tools          json.RawMessage    `json:"tools,omitempty"`
	ResponseFormat wireResponseFormat `json:"response_format,omitempty"`
}

// DecodeChatRequest reads and decodes a /v1/chat/completions body into the
// pipeline's narrow DecodedRequest view. It returns the raw body bytes too,
// since the dispatcher re-sends the original payload upstream unmodified.
func DecodeChatRequest(body io.Reader) (pipeline.DecodedRequest, []byte, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return pipeline.DecodedRequest{}, nil, fmt.Errorf("httpapi: read request body: %w", err)
	}

	var wire wireChatRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return pipeline.DecodedRequest{}, nil, fmt.Errorf("httpapi: decode chat request: %w", err)
	}

	decoded := pipeline.DecodedRequest{
		Model:              wire.Model,
		HasTools:           len(wire.Tools) > 0,
		ResponseFormatJSON: wire.ResponseFormat.Type == "json_object",
		Stream:             wire.Stream,
	}
	for _, m := range wire.Messages {
		decoded.Messages = append(decoded.Messages, pipeline.Message{
			Role:  m.Role,
			Parts: decodeContentParts(m.Content),
		})
	}
	return decoded, raw, nil
}

// decodeContentParts handles both OpenAI content shapes: a plain string, or
// an array of typed parts (text / image_url) for multimodal messages.
func decodeContentParts(raw json.RawMessage) []pipeline.ContentPart {
	if len(raw) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []pipeline.ContentPart{{Type: "text", Text: asString}}
	}
	var asParts []wireContentPart
	if err := json.Unmarshal(raw, &asParts); err != nil {
		return nil
	}
	parts := make([]pipeline.ContentPart, 0, len(asParts))
	for _, p := range asParts {
		parts = append(parts, pipeline.ContentPart{Type: p.Type, Text: p.Text})
	}
	return parts
}

type wireEmbeddingsRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

// DecodeEmbeddingsRequest extracts the model field from a /v1/embeddings
// body; embeddings requests carry no messages, tools, or streaming.
func DecodeEmbeddingsRequest(body io.Reader) (pipeline.DecodedRequest, []byte, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return pipeline.DecodedRequest{}, nil, fmt.Errorf("httpapi: read request body: %w", err)
	}
	var wire wireEmbeddingsRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return pipeline.DecodedRequest{}, nil, fmt.Errorf("httpapi: decode embeddings request: %w", err)
	}
	return pipeline.DecodedRequest{Model: wire.Model}, raw, nil
}

// DecodeHeaders extracts the X-Nexus-* routing headers consumed by the core
// (spec §6.1).
func DecodeHeaders(strict, flexible, priorityHigh bool) pipeline.RequestHeaders {
	return pipeline.RequestHeaders{
		StrictRouting:   strict,
		FlexibleRouting: flexible,
		HighPriority:    priorityHigh,
	}
}
