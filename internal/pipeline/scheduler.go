package pipeline

import (
	"context"
	"errors"

	"github.com/nexus-gateway/nexus/internal/registry"
	"github.com/nexus-gateway/nexus/internal/routing"
)

// Scheduler is the pipeline's sixth and final stage (spec §4.4.6). It is
// FailClosed: an internal error here becomes a 500, never a silent skip.
type Scheduler struct {
	Strategy Strategy

	// QueueEnabled mirrors config's queue.max_size > 0; when false the
	// Scheduler's only outcomes are Route or Reject.
	QueueEnabled     bool
	QueueMaxWaitSecs int

	DefaultRetryAfterSeconds int
}

func (Scheduler) Name() string { return "scheduler" }

// ErrInternalInvariant signals a Scheduler invariant violation (spec §4.4.6:
// "returns an internal error that becomes a 500... never expected in normal
// operation").
var ErrInternalInvariant = errors.New("scheduler: internal invariant violated")

func (s *Scheduler) Reconcile(_ context.Context, intent *RoutingIntent) error {
	if len(intent.CandidateBackends) == 0 {
		intent.Decision = s.reject(intent)
		intent.Trace("scheduler: reject, no eligible candidates")
		return nil
	}

	if s.Strategy == nil {
		return ErrInternalInvariant
	}
	chosen, reason, score := s.Strategy.Select(intent.CandidateBackends, intent)
	if chosen.ID == "" {
		return ErrInternalInvariant
	}

	if s.QueueEnabled && backendSaturated(chosen) {
		priority := PriorityNormal
		if intent.Headers.HighPriority {
			priority = PriorityHigh
		}
		maxWait := s.QueueMaxWaitSecs
		if maxWait <= 0 {
			maxWait = 30
		}
		intent.Decision = &RoutingDecision{
			Kind:     DecisionQueue,
			Priority: priority,
			MaxWait:  maxWait,
		}
		intent.Trace("scheduler: queue, backend saturated")
		return nil
	}

	intent.Decision = &RoutingDecision{
		Kind:        DecisionRoute,
		BackendID:   chosen.ID,
		ActualModel: resolveActualModel(intent),
		Reason:      reason,
		Score:       score,
	}
	intent.Trace("scheduler: route backend_id=" + chosen.ID + " reason=" + reason)
	return nil
}

// backendSaturated reports whether the chosen backend has met its
// configured per-backend concurrency ceiling (spec §4.4.6 step 3). A
// MaxPending of 0 means "no declared ceiling."
func backendSaturated(chosen registry.Snapshot) bool {
	return chosen.MaxPending > 0 && chosen.Pending >= int64(chosen.MaxPending)
}

// resolveActualModel applies the fallback:{original_model}: prefix when the
// request was served via a fallback chain entry rather than the originally
// resolved model (spec §4.4.1, §6.3).
func resolveActualModel(intent *RoutingIntent) string {
	if intent.Annotations.FallbackUsed {
		return routing.FallbackPrefix(intent.Annotations.OriginalModel) + intent.Requirements.Model
	}
	return intent.Requirements.Model
}

// reject builds a Reject decision carrying every exclusion map accumulated
// so far, plus a best-effort rejection_reason and retry_after (spec §4.4.6
// step 1, §6.3).
func (s *Scheduler) reject(intent *RoutingIntent) *RoutingDecision {
	retryAfter := s.DefaultRetryAfterSeconds
	if retryAfter <= 0 {
		retryAfter = 30
	}

	reason := "model_not_found"
	switch {
	case len(intent.Annotations.BudgetExcluded) > 0 && intent.Annotations.BudgetStatus == BudgetHardLimit:
		reason = "budget_hard_limit"
	case intent.Annotations.OverflowDecision == OverflowBlockedWithHistory:
		reason = "overflow_blocked_with_history"
	case intent.Annotations.OverflowDecision == OverflowBlockedByPolicy && len(intent.Annotations.PrivacyExcluded) > 0:
		reason = "privacy_zone_mismatch"
	case len(intent.Annotations.CapabilityExcluded) > 0:
		reason = capabilityRejectionReason(intent.Annotations.CapabilityExcluded)
	case len(intent.Annotations.QualityExcluded) > 0:
		reason = "quality_threshold_exceeded"
	}

	return &RoutingDecision{
		Kind: DecisionReject,
		Rejection: RejectionReasons{
			Reason:             reason,
			AppliedPolicy:      intent.Annotations.AppliedPolicy,
			PrivacyExcluded:    intent.Annotations.PrivacyExcluded,
			BudgetExcluded:     intent.Annotations.BudgetExcluded,
			CapabilityExcluded: intent.Annotations.CapabilityExcluded,
			QualityExcluded:    intent.Annotations.QualityExcluded,
			AvailableBackends:  AvailableExcludedBackends(intent.Annotations),
			RetryAfterSeconds:  retryAfter,
		},
	}
}

// capabilityDimensionOrder fixes the sub-priority among capability misses
// when deriving a single rejection_reason, matching the enum order in spec
// §6.3 (tier_insufficient_{reasoning|coding|context|vision|tools}).
var capabilityDimensionOrder = []struct {
	reason string
	keys   []string
}{
	{"reasoning", []string{"reasoning"}},
	{"coding", []string{"coding"}},
	{"context", []string{"context_window", "tier_context_window"}},
	{"vision", []string{"vision", "tier_vision"}},
	{"tools", []string{"tools", "tier_tools"}},
}

// capabilityRejectionReason derives the single enum rejection_reason from
// the accumulated missing-capability strings across every excluded backend
// (spec §6.3, §8 scenario 4). A capability miss limited to exact_model,
// no_suitable_model, or json_mode has no matching tier_insufficient_* value
// and falls back to model_not_found.
func capabilityRejectionReason(excluded map[string]CapabilityMismatch) string {
	present := map[string]bool{}
	for _, mismatch := range excluded {
		for _, miss := range mismatch.MissingCapabilities {
			present[miss] = true
		}
	}
	for _, dim := range capabilityDimensionOrder {
		for _, key := range dim.keys {
			if present[key] {
				return "tier_insufficient_" + dim.reason
			}
		}
	}
	return "model_not_found"
}
