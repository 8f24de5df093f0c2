package dispatch_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexus-gateway/nexus/internal/dispatch"
	"github.com/nexus-gateway/nexus/internal/registry"
)

type bufSink struct {
	bytes.Buffer
	flushed int
}

func (b *bufSink) Flush() { b.flushed++ }

func TestDispatchStreamsResponseBodyAndMeasuresTTFT(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello "))
		w.Write([]byte("world"))
	}))
	defer srv.Close()

	d := dispatch.New(0)
	backend := registry.Snapshot{Backend: registry.Backend{ID: "b1", URL: srv.URL}}
	sink := &bufSink{}

	result, err := d.Do(context.Background(), backend, "/v1/chat/completions", bytes.NewReader(nil), nil, sink)
	require.NoError(t, err)
	require.Equal(t, "hello world", sink.String())
	require.True(t, result.FirstByteSent)
	require.Greater(t, sink.flushed, 0)
}

func TestDispatchReturnsErrorOn500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := dispatch.New(0)
	backend := registry.Snapshot{Backend: registry.Backend{ID: "b1", URL: srv.URL}}
	_, err := d.Do(context.Background(), backend, "/v1/chat/completions", bytes.NewReader(nil), nil, &bufSink{})
	require.Error(t, err)
}

func TestDispatchReturnsErrorOn400WithBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	d := dispatch.New(0)
	backend := registry.Snapshot{Backend: registry.Backend{ID: "b1", URL: srv.URL}}
	_, err := d.Do(context.Background(), backend, "/v1/chat/completions", bytes.NewReader(nil), nil, &bufSink{})
	require.Error(t, err)
}

func TestDispatchParsesUsageFromNonStreamingJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"x","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":34}}`))
	}))
	defer srv.Close()

	d := dispatch.New(0)
	backend := registry.Snapshot{Backend: registry.Backend{ID: "b1", URL: srv.URL}}
	result, err := d.Do(context.Background(), backend, "/v1/chat/completions", bytes.NewReader(nil), nil, &bufSink{})
	require.NoError(t, err)
	require.Equal(t, 12, result.PromptTokens)
	require.Equal(t, 34, result.CompletionTokens)
}

func TestDispatchParsesUsageFromTrailingSSEChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		w.Write([]byte("data: {\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2}}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	d := dispatch.New(0)
	backend := registry.Snapshot{Backend: registry.Backend{ID: "b1", URL: srv.URL}}
	result, err := d.Do(context.Background(), backend, "/v1/chat/completions", bytes.NewReader(nil), nil, &bufSink{})
	require.NoError(t, err)
	require.Equal(t, 5, result.PromptTokens)
	require.Equal(t, 2, result.CompletionTokens)
}

func TestChatCompletionsPathDiffersForOllama(t *testing.T) {
	require.Equal(t, "/api/chat", dispatch.ChatCompletionsPath(registry.TypeOllama))
	require.Equal(t, "/v1/chat/completions", dispatch.ChatCompletionsPath(registry.TypeVLLM))
}

func TestEmbeddingsPathDiffersForOllama(t *testing.T) {
	require.Equal(t, "/api/embeddings", dispatch.EmbeddingsPath(registry.TypeOllama))
	require.Equal(t, "/v1/embeddings", dispatch.EmbeddingsPath(registry.TypeGeneric))
}
