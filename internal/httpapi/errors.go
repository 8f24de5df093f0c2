package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/nexus-gateway/nexus/internal/gatewayerrors"
	"github.com/nexus-gateway/nexus/internal/pipeline"
)

// errorBody is the OpenAI-shaped error object extended with a `context`
// object per spec §6.3.
type errorBody struct {
	Error struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Context rejectionContext `json:"context"`
	} `json:"error"`
}

type rejectionContext struct {
	RejectionReason    string                                     `json:"rejection_reason"`
	AppliedPolicy      string                                     `json:"applied_policy,omitempty"`
	PrivacyExcluded    map[string]pipeline.PrivacyViolation       `json:"privacy_excluded,omitempty"`
	BudgetExcluded     map[string]pipeline.BudgetViolation         `json:"budget_excluded,omitempty"`
	CapabilityExcluded map[string]pipeline.CapabilityMismatch     `json:"capability_excluded,omitempty"`
	QualityExcluded    map[string]pipeline.QualityExclusion        `json:"quality_excluded,omitempty"`
	AvailableBackends  []string                                   `json:"available_backends"`
	RetryAfterSeconds  int                                        `json:"retry_after_seconds"`
}

// writeRejection renders a Scheduler Reject decision as a 503 (spec §6.3).
func writeRejection(w http.ResponseWriter, rejection pipeline.RejectionReasons) {
	body := errorBody{}
	body.Error.Message = "no eligible backend for this request"
	body.Error.Type = "routing_rejection"
	body.Error.Context = rejectionContext{
		RejectionReason:    rejection.Reason,
		AppliedPolicy:      rejection.AppliedPolicy,
		PrivacyExcluded:    rejection.PrivacyExcluded,
		BudgetExcluded:     rejection.BudgetExcluded,
		CapabilityExcluded: rejection.CapabilityExcluded,
		QualityExcluded:    rejection.QualityExcluded,
		AvailableBackends:  rejection.AvailableBackends,
		RetryAfterSeconds:  rejection.RetryAfterSeconds,
	}
	writeStructuredError(w, http.StatusServiceUnavailable, body, rejection.RetryAfterSeconds)
}

// writeHandlerError maps a handler-returned error to its HTTP status and
// structured 503 body, per the taxonomy in spec §7. availableBackends is
// whatever the pipeline had already excluded for this intent before the
// handler gave up (queue_full/queue_timeout/all_retries_exhausted all occur
// after at least one Scheduler pass), so it reuses the same
// pipeline.AvailableExcludedBackends union the caller computed from the
// intent rather than ever being a permanently-empty placeholder.
func writeHandlerError(w http.ResponseWriter, err error, availableBackends []string) {
	reason := "all_retries_exhausted"
	retryAfter := 5
	status := http.StatusServiceUnavailable

	var gwErr *gatewayerrors.GatewayError
	if errors.As(err, &gwErr) {
		switch gwErr.Kind {
		case gatewayerrors.KindQueueFull:
			reason = "queue_full"
		case gatewayerrors.KindQueueTimeout:
			reason = "queue_timeout"
		case gatewayerrors.KindInternalInvariant:
			reason, status = "internal_invariant", http.StatusInternalServerError
		default:
			reason = "all_retries_exhausted"
		}
	}

	if availableBackends == nil {
		availableBackends = []string{}
	}

	body := errorBody{}
	body.Error.Message = err.Error()
	body.Error.Type = reason
	body.Error.Context = rejectionContext{
		RejectionReason:   reason,
		AvailableBackends: availableBackends,
		RetryAfterSeconds: retryAfter,
	}
	writeStructuredError(w, status, body, retryAfter)
}

func writeStructuredError(w http.ResponseWriter, status int, body errorBody, retryAfterSeconds int) {
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
