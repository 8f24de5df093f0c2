// Package dispatch sends a routed request to the chosen backend and streams
// the response back, byte for byte, measuring time-to-first-byte and total
// latency along the way (spec §4.6 step 4). It never retries: retry/failover
// policy belongs to the request handler, which re-enters the pipeline and
// calls Dispatcher.Do again on a different backend.
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nexus-gateway/nexus/internal/gatewayerrors"
	"github.com/nexus-gateway/nexus/internal/registry"
)

// maxUsageBuffer bounds the side buffer Do keeps for usage-token parsing;
// past this, streamed bodies stop being accumulated and usage simply comes
// back zero rather than risking unbounded memory on a huge completion.
const maxUsageBuffer = 1 << 20 // 1MiB

// Result carries what the handler needs to record quality/latency outcomes
// and build the structured completion log (spec §4.6 steps 4-5, §6.4).
type Result struct {
	StatusCode     int
	TTFT           time.Duration
	TotalLatency   time.Duration
	BytesStreamed  int64
	FirstByteSent  bool // true once any response byte reached the client
	PromptTokens   int
	CompletionTokens int
}

// Sink is where response bytes are written as they arrive — the HTTP
// response writer for a live request, wrapped to flush after every write.
type Sink interface {
	io.Writer
	Flush()
}

// Dispatcher performs one request/response cycle against a backend.
type Dispatcher struct {
	Client *http.Client
}

// New builds a Dispatcher with a client timeout suited to long-lived
// streaming completions (the teacher's BaseClient uses a 180s ceiling for
// reasoning models; nexus proxies arbitrary backends so it mirrors that).
func New(timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &Dispatcher{Client: &http.Client{Timeout: timeout}}
}

// Do translates path+body to the backend's base URL, issues the request,
// and streams the response body into sink as it arrives. It never retries.
func (d *Dispatcher) Do(ctx context.Context, backend registry.Snapshot, path string, body io.Reader, headers http.Header, sink Sink) (Result, error) {
	url := strings.TrimSuffix(backend.URL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return Result{}, gatewayerrors.New("dispatch.Do", gatewayerrors.KindBackendBadResponse, backend.ID, "failed to build upstream request", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if backend.APIKeyEnv != "" {
		if key := os.Getenv(backend.APIKeyEnv); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}

	start := time.Now()
	resp, err := d.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, gatewayerrors.New("dispatch.Do", gatewayerrors.KindBackendTimeout, backend.ID, "upstream call timed out", gatewayerrors.ErrBackendTimeout)
		}
		return Result{}, gatewayerrors.New("dispatch.Do", gatewayerrors.KindBackendUnreachable, backend.ID, "upstream call failed", gatewayerrors.ErrBackendUnreachable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Result{StatusCode: resp.StatusCode}, gatewayerrors.New("dispatch.Do", gatewayerrors.KindBackendUnreachable, backend.ID, fmt.Sprintf("upstream returned %d", resp.StatusCode), gatewayerrors.ErrBackendUnreachable)
	}
	if resp.StatusCode >= 400 {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{StatusCode: resp.StatusCode}, gatewayerrors.New("dispatch.Do", gatewayerrors.KindBackendBadResponse, backend.ID, fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, string(buf)), gatewayerrors.ErrBackendBadResponse)
	}

	result := Result{StatusCode: resp.StatusCode}
	reader := bufio.NewReaderSize(resp.Body, 4096)
	buf := make([]byte, 4096)
	var usageBuf bytes.Buffer
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if !result.FirstByteSent {
				result.TTFT = time.Since(start)
				result.FirstByteSent = true
			}
			if _, writeErr := sink.Write(buf[:n]); writeErr != nil {
				return result, gatewayerrors.New("dispatch.Do", gatewayerrors.KindBackendBadResponse, backend.ID, "failed writing to client", writeErr)
			}
			sink.Flush()
			result.BytesStreamed += int64(n)
			if usageBuf.Len() < maxUsageBuffer {
				usageBuf.Write(buf[:n])
			}
		}
		if readErr != nil {
			result.TotalLatency = time.Since(start)
			if readErr == io.EOF {
				result.PromptTokens, result.CompletionTokens = parseUsage(usageBuf.Bytes())
				return result, nil
			}
			if result.FirstByteSent {
				// Already sent bytes downstream: per spec §4.6, this is not
				// retryable. The caller terminates the stream abruptly.
				return result, gatewayerrors.New("dispatch.Do", gatewayerrors.KindBackendBadResponse, backend.ID, "stream interrupted after first byte", readErr)
			}
			return result, gatewayerrors.New("dispatch.Do", gatewayerrors.KindBackendUnreachable, backend.ID, "stream interrupted before first byte", readErr)
		}
	}
}

// usageWire is the OpenAI-shaped usage object nexus looks for in either a
// full non-streaming JSON body or a trailing SSE data chunk.
type usageWire struct {
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// parseUsage extracts prompt/completion token counts from a response body
// (spec §4.6 step 4: "parse usage tokens if present"). It tries the body as
// one JSON object first (the non-streaming case), then falls back to
// scanning "data: " SSE lines from the end — the streaming case, when the
// client set stream_options.include_usage and the backend echoes a final
// usage-bearing chunk before "data: [DONE]".
func parseUsage(body []byte) (prompt, completion int) {
	if p, c, ok := parseUsageJSON(body); ok {
		return p, c
	}
	lines := bytes.Split(body, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		if p, c, ok := parseUsageJSON(payload); ok {
			return p, c
		}
	}
	return 0, 0
}

func parseUsageJSON(data []byte) (prompt, completion int, ok bool) {
	var wire usageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return 0, 0, false
	}
	if wire.Usage.PromptTokens == 0 && wire.Usage.CompletionTokens == 0 {
		return 0, 0, false
	}
	return wire.Usage.PromptTokens, wire.Usage.CompletionTokens, true
}

// ChatCompletionsPath returns the backend-type-specific path for chat
// completions, since only Ollama's native API diverges from the
// OpenAI-compatible '/v1/chat/completions' shape nexus otherwise assumes.
func ChatCompletionsPath(t registry.BackendType) string {
	if t == registry.TypeOllama {
		return "/api/chat"
	}
	return "/v1/chat/completions"
}

// EmbeddingsPath mirrors ChatCompletionsPath for the embeddings endpoint.
func EmbeddingsPath(t registry.BackendType) string {
	if t == registry.TypeOllama {
		return "/api/embeddings"
	}
	return "/v1/embeddings"
}
