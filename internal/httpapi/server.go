package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/nexus-gateway/nexus/internal/dispatch"
	"github.com/nexus-gateway/nexus/internal/events"
	"github.com/nexus-gateway/nexus/internal/handler"
	"github.com/nexus-gateway/nexus/internal/logging"
	"github.com/nexus-gateway/nexus/internal/pipeline"
	"github.com/nexus-gateway/nexus/internal/queue"
	"github.com/nexus-gateway/nexus/internal/registry"
)

// StatusReporter narrows *registry.Registry and *queue.Queue to what the
// /nexus/status snapshot endpoint needs.
type StatusReporter struct {
	Registry *registry.Registry
	Queue    *queue.Queue
}

// Server wires the routing core behind an OpenAI-compatible HTTP surface
// (spec §4.7). Routes exist for the shape RequestAnalyzer needs, not as a
// full OpenAI schema implementation.
type Server struct {
	Handler  *handler.Handler
	Registry *registry.Registry
	Status   StatusReporter
	Log      logging.Logger
	DevMode  bool

	// Broadcaster is optional; when set, /nexus/status/stream upgrades to a
	// websocket pushing registry backend-status/model-change events live
	// (SPEC_FULL §5 dashboard event feed). Nil disables the route.
	Broadcaster *events.WebSocketBroadcaster

	mux *http.ServeMux
}

// NewServer builds the routed Server; call WrappedHandler for the
// middleware-wrapped http.Handler to pass to http.Server.
func NewServer(h *handler.Handler, reg *registry.Registry, status StatusReporter, log logging.Logger, devMode bool, broadcaster *events.WebSocketBroadcaster) *Server {
	s := &Server{Handler: h, Registry: reg, Status: status, Log: log, DevMode: devMode, Broadcaster: broadcaster, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("/v1/embeddings", s.handleEmbeddings)
	s.mux.HandleFunc("/v1/models", s.handleModels)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/nexus/status", s.handleStatus)
	if s.Broadcaster != nil {
		s.mux.Handle("/nexus/status/stream", s.Broadcaster)
	}
}

// WrappedHandler returns the fully middleware-wrapped handler for
// http.Server (logging outermost, then recovery, then the mux).
func (s *Server) WrappedHandler() http.Handler {
	var h http.Handler = s.mux
	h = recoveryMiddleware(s.Log)(h)
	h = loggingMiddleware(s.Log, s.DevMode)(h)
	return h
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	decoded, raw, err := DecodeChatRequest(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.dispatchRequest(w, r, decoded, raw, dispatch.ChatCompletionsPath(registry.TypeGeneric))
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	decoded, raw, err := DecodeEmbeddingsRequest(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.dispatchRequest(w, r, decoded, raw, dispatch.EmbeddingsPath(registry.TypeGeneric))
}

// dispatchRequest builds a RoutingIntent from the decoded request and drives
// it through the handler, then translates the Outcome into an HTTP response
// (spec §4.6, §6.1, §6.3).
func (s *Server) dispatchRequest(w http.ResponseWriter, r *http.Request, decoded pipeline.DecodedRequest, raw []byte, path string) {
	headers := DecodeHeaders(
		r.Header.Get("X-Nexus-Strict") != "",
		r.Header.Get("X-Nexus-Flexible") != "",
		strings.EqualFold(r.Header.Get("X-Nexus-Priority"), "high"),
	)
	intent := pipeline.NewIntent(decoded, headers)

	sink := &flushWriter{w: w}
	deps := handler.Deps{Path: path, Body: bytes.NewReader(raw), Headers: forwardableHeaders(r.Header), Sink: sink}

	backendForID := func(id string) (registry.Snapshot, bool) { return s.Registry.GetBackend(id) }
	outcome := s.Handler.Handle(r.Context(), intent, backendForID, deps)

	w.Header().Set("X-Nexus-Request-Id", outcome.RequestID)
	if outcome.Decision != nil && outcome.Decision.BackendID != "" {
		w.Header().Set("X-Nexus-Backend", outcome.Decision.BackendID)
	}
	w.Header().Set("X-Nexus-Retry-Count", strconv.Itoa(outcome.RetryCount))

	switch {
	case outcome.Err != nil && sink.wroteHeader:
		// Stream already reached the client; not retryable, connection just ends.
		return
	case outcome.Err != nil:
		writeHandlerError(w, outcome.Err, pipeline.AvailableExcludedBackends(intent.Annotations))
	case outcome.Decision != nil && outcome.Decision.Kind == pipeline.DecisionReject:
		writeRejection(w, outcome.Decision.Rejection)
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	backends := s.Registry.AllBackends()
	seen := map[string]bool{}
	type modelEntry struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	models := []modelEntry{}
	for _, b := range backends {
		for _, m := range b.Models {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			models = append(models, modelEntry{ID: m.ID, Object: "model"})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"object": "list", "data": models})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleStatus is the REST fallback for dashboard polling when the
// websocket event feed isn't attached (SPEC_FULL §5).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	backends := s.Status.Registry.AllBackends()
	type backendView struct {
		ID      string  `json:"id"`
		Name    string  `json:"name"`
		Status  string  `json:"status"`
		Pending int64   `json:"pending"`
		EWMAMs  float64 `json:"ewma_latency_ms"`
	}
	views := make([]backendView, 0, len(backends))
	for _, b := range backends {
		views = append(views, backendView{ID: b.ID, Name: b.Name, Status: string(b.Status), Pending: b.Pending, EWMAMs: b.EWMALatencyMs})
	}
	high, normal := 0, 0
	if s.Status.Queue != nil {
		high, normal = s.Status.Queue.Depth()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"backends":     views,
		"queue_high":   high,
		"queue_normal": normal,
	})
}

// forwardableHeaders strips nexus's own routing headers before forwarding
// the remainder upstream.
func forwardableHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		if strings.HasPrefix(k, "X-Nexus-") {
			continue
		}
		out[k] = v
	}
	return out
}

// flushWriter adapts an http.ResponseWriter into a dispatch.Sink, tracking
// whether any byte has already reached the client (so the caller can tell
// a terminal error from a recoverable pre-dispatch one).
type flushWriter struct {
	w           http.ResponseWriter
	wroteHeader bool
}

func (f *flushWriter) Write(p []byte) (int, error) {
	f.wroteHeader = true
	return f.w.Write(p)
}

func (f *flushWriter) Flush() {
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
}
