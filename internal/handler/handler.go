// Package handler implements the per-request retry/failover driver (spec
// §4.6): it owns a RoutingIntent end to end, runs the pipeline, branches on
// the decision, dispatches to the chosen backend, and on a retryable
// pre-first-byte failure re-enters the pipeline with the failed backend
// excluded.
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-gateway/nexus/internal/dispatch"
	"github.com/nexus-gateway/nexus/internal/gatewayerrors"
	"github.com/nexus-gateway/nexus/internal/logging"
	"github.com/nexus-gateway/nexus/internal/pipeline"
	"github.com/nexus-gateway/nexus/internal/quality"
	"github.com/nexus-gateway/nexus/internal/queue"
	"github.com/nexus-gateway/nexus/internal/registry"
)

// PendingTracker is the narrow registry slice the handler needs around a
// dispatch (spec §4.6 step 4: inc_pending / dec_pending / record_latency).
type PendingTracker interface {
	IncPending(backendID string)
	DecPending(backendID string)
	RecordLatency(backendID string, ms float64)
}

// QualityRecorder is the narrow quality-tracker slice the handler writes to
// on every dispatch outcome (spec §4.6 step 5-6).
type QualityRecorder interface {
	Record(backendID string, o quality.Outcome)
}

// Outcome is the terminal result the HTTP layer turns into a response.
type Outcome struct {
	RequestID      string
	Decision       *pipeline.RoutingDecision
	DispatchResult dispatch.Result
	Err            error
	RetryCount     int
}

// Handler drives one request from RoutingIntent to terminal outcome.
type Handler struct {
	Pipeline   *pipeline.Pipeline
	Registry   PendingTracker
	Quality    QualityRecorder
	Queue      *queue.Queue
	Dispatcher *dispatch.Dispatcher
	Log        logging.Logger
	MaxRetries uint32 // config.RoutingConfig.MaxRetries; total attempts = MaxRetries+1
}

// Deps is how the caller supplies a per-dispatch I/O sink and path; kept
// separate from Handle's signature so tests can stub dispatch without a
// real HTTP round trip.
type Deps struct {
	Path    string
	Body    io.Reader
	Headers http.Header
	Sink    dispatch.Sink
}

// Handle runs intent through the full retry/failover lifecycle (spec §4.6).
func (h *Handler) Handle(ctx context.Context, intent *pipeline.RoutingIntent, backendForID func(string) (registry.Snapshot, bool), deps Deps) Outcome {
	requestID := uuid.New().String()
	ctx = logging.WithRequestID(ctx, requestID)

	var lastBackendType registry.BackendType

	for {
		if err := h.Pipeline.Run(ctx, intent); err != nil {
			return h.finish(ctx, requestID, intent, lastBackendType, Outcome{RequestID: requestID, Err: err, RetryCount: intent.RetryCount})
		}

		decision := intent.Decision
		switch decision.Kind {
		case pipeline.DecisionReject:
			return h.finish(ctx, requestID, intent, lastBackendType, Outcome{RequestID: requestID, Decision: decision, RetryCount: intent.RetryCount})

		case pipeline.DecisionQueue:
			outcome := h.awaitQueue(ctx, intent, decision)
			if outcome.Err != nil || outcome.Decision.Kind != pipeline.DecisionRoute {
				outcome.RequestID = requestID
				outcome.RetryCount = intent.RetryCount
				return h.finish(ctx, requestID, intent, lastBackendType, outcome)
			}
			decision = outcome.Decision
			intent.Decision = decision
			fallthrough

		case pipeline.DecisionRoute:
			backend, ok := backendForID(decision.BackendID)
			if !ok {
				// Backend vanished between Scheduler and dispatch (e.g.
				// mDNS removal race); treat as a retryable failure.
				if !h.retry(intent, decision.BackendID) {
					return h.finish(ctx, requestID, intent, lastBackendType, h.exhausted(requestID, intent))
				}
				continue
			}
			lastBackendType = backend.Type

			result, dispatchErr := h.dispatchOnce(ctx, backend, deps)
			if dispatchErr == nil {
				return h.finish(ctx, requestID, intent, lastBackendType, Outcome{RequestID: requestID, Decision: decision, DispatchResult: result, RetryCount: intent.RetryCount})
			}

			if result.FirstByteSent {
				// Not retryable: the stream already reached the client.
				return h.finish(ctx, requestID, intent, lastBackendType, Outcome{RequestID: requestID, Decision: decision, DispatchResult: result, Err: dispatchErr, RetryCount: intent.RetryCount})
			}

			if !h.retry(intent, decision.BackendID) {
				return h.finish(ctx, requestID, intent, lastBackendType, h.exhausted(requestID, intent))
			}
			continue
		}

		return h.finish(ctx, requestID, intent, lastBackendType, Outcome{RequestID: requestID, Err: gatewayerrors.New("handler.Handle", gatewayerrors.KindInternalInvariant, "", "unknown decision kind", nil), RetryCount: intent.RetryCount})
	}
}

// finish emits the single structured terminal-outcome log entry spec §6.4
// requires (step 7: "on every terminal outcome... even for rejects,
// timeouts, and exhausted retries") and returns outcome unchanged, so every
// return path in Handle can stay a one-liner.
func (h *Handler) finish(ctx context.Context, requestID string, intent *pipeline.RoutingIntent, backendType registry.BackendType, outcome Outcome) Outcome {
	fields := map[string]interface{}{
		"target":      "handler",
		"model":       intent.Raw.Model,
		"stream":      intent.Raw.Stream,
		"retry_count": outcome.RetryCount,
	}
	if p := intent.Annotations.AppliedPolicy; p != "" {
		fields["applied_policy"] = p
	}

	status := "success"
	backend := "none"
	fallback := strings.Join(intent.FallbackChain, ",")
	fields["fallback_chain"] = fallback

	switch {
	case outcome.Err != nil:
		fields["error_message"] = outcome.Err.Error()
		var gwErr *gatewayerrors.GatewayError
		switch {
		case errors.As(outcome.Err, &gwErr) && gwErr.Kind == gatewayerrors.KindQueueTimeout:
			status = "timeout"
		case errors.Is(outcome.Err, gatewayerrors.ErrAllRetriesExhausted):
			status = "exhausted"
		default:
			status = "error"
		}
	case outcome.Decision != nil && outcome.Decision.Kind == pipeline.DecisionReject:
		status = "error"
		fields["route_reason"] = outcome.Decision.Rejection.Reason
		if len(outcome.Decision.Rejection.AvailableBackends) > 0 {
			fields["available_backends"] = strings.Join(outcome.Decision.Rejection.AvailableBackends, ",")
		}
	}

	if outcome.Decision != nil && outcome.Decision.Kind == pipeline.DecisionRoute {
		backend = outcome.Decision.BackendID
		fields["actual_model"] = outcome.Decision.ActualModel
		fields["route_reason"] = outcome.Decision.Reason
		if backendType != "" {
			fields["backend_type"] = string(backendType)
		}
		result := outcome.DispatchResult
		if result.StatusCode != 0 {
			fields["status_code"] = result.StatusCode
		}
		fields["latency_ms"] = result.TotalLatency.Milliseconds()
		fields["ttft_ms"] = result.TTFT.Milliseconds()
		if result.PromptTokens != 0 || result.CompletionTokens != 0 {
			fields["tokens_prompt"] = result.PromptTokens
			fields["tokens_completion"] = result.CompletionTokens
			fields["tokens_total"] = result.PromptTokens + result.CompletionTokens
		}
	}
	fields["backend"] = backend

	msg := "request completed"
	if status != "success" {
		h.Log.ErrorWithContext(ctx, msg, fields)
	} else {
		h.Log.InfoWithContext(ctx, msg, fields)
	}
	return outcome
}

// dispatchOnce wraps one dispatch attempt with pending/latency/quality
// bookkeeping (spec §4.6 steps 4-6).
func (h *Handler) dispatchOnce(ctx context.Context, backend registry.Snapshot, deps Deps) (dispatch.Result, error) {
	h.Registry.IncPending(backend.ID)
	start := time.Now()
	result, err := h.Dispatcher.Do(ctx, backend, deps.Path, deps.Body, deps.Headers, deps.Sink)
	h.Registry.DecPending(backend.ID)

	if h.Queue != nil {
		h.Queue.NotifyCompletion()
	}

	totalMs := time.Since(start).Milliseconds()
	h.Registry.RecordLatency(backend.ID, float64(totalMs))
	h.Quality.Record(backend.ID, quality.Outcome{
		Success:        err == nil,
		TTFTMs:         result.TTFT.Milliseconds(),
		TotalLatencyMs: totalMs,
	})
	return result, err
}

// retry excludes the failed backend and loops back into the pipeline
// (spec §4.6: "re-enter the Pipeline... after excluding the failed backend
// from candidate_backends, incrementing retry_count, and appending
// backend_id to fallback_chain"). Returns false if the retry budget
// (max_retries+1 total attempts) is exhausted.
func (h *Handler) retry(intent *pipeline.RoutingIntent, failedBackendID string) bool {
	maxAttempts := h.MaxRetries + 1
	if uint32(intent.RetryCount)+1 >= maxAttempts {
		return false
	}
	intent.ExcludeCandidate(failedBackendID)
	intent.RetryCount++
	intent.FallbackChain = append(intent.FallbackChain, failedBackendID)
	return true
}

func (h *Handler) exhausted(requestID string, intent *pipeline.RoutingIntent) Outcome {
	return Outcome{
		RequestID:  requestID,
		RetryCount: intent.RetryCount,
		Err:        gatewayerrors.New("handler.Handle", gatewayerrors.KindRoutingRejection, "", "all retries exhausted", gatewayerrors.ErrAllRetriesExhausted),
	}
}

// awaitQueue enqueues intent and blocks on its result channel up to
// queue.max_wait_seconds (spec §4.6 step 3's Queue branch).
func (h *Handler) awaitQueue(ctx context.Context, intent *pipeline.RoutingIntent, decision *pipeline.RoutingDecision) Outcome {
	item := &queue.Item{
		Intent:   intent,
		Priority: decision.Priority,
		Result:   make(chan queue.Outcome, 1),
	}
	if err := h.Queue.Enqueue(item); err != nil {
		return Outcome{Err: err}
	}

	deadline := time.Duration(decision.MaxWait) * time.Second
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case out := <-item.Result:
		if out.Err != nil {
			return Outcome{Err: out.Err}
		}
		return Outcome{Decision: out.Decision}
	case <-timer.C:
		return Outcome{Err: gatewayerrors.New("handler.awaitQueue", gatewayerrors.KindQueueTimeout, "", "queue wait exceeded deadline", gatewayerrors.ErrQueueTimeout)}
	case <-ctx.Done():
		return Outcome{Err: ctx.Err()}
	}
}

