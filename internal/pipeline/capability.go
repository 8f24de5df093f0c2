package pipeline

import (
	"context"
	"strconv"
	"strings"

	"github.com/nexus-gateway/nexus/internal/registry"
)

// Capability is the pipeline's fourth, FailOpen stage (spec §4.4.4).
type Capability struct{}

func (Capability) Name() string { return "capability" }

func (Capability) Reconcile(_ context.Context, intent *RoutingIntent) error {
	req := intent.Requirements
	kept := make([]registry.Snapshot, 0, len(intent.CandidateBackends))

	for _, cand := range intent.CandidateBackends {
		_, missing := evaluateCandidate(cand, req, intent.Annotations.RequiredTier)
		if len(missing) == 0 {
			kept = append(kept, cand)
			continue
		}
		intent.Annotations.CapabilityExcluded[cand.ID] = CapabilityMismatch{
			RequiredTier:        tierLabel(intent.Annotations.RequiredTier),
			BackendTier:         tierLabel(cand.CapabilityTier),
			MissingCapabilities: missing,
			Message:             "backend does not satisfy required capabilities: " + strings.Join(missing, ", "),
		}
	}
	intent.CandidateBackends = kept
	intent.Trace("capability: filtered to capable candidates")
	return nil
}

// evaluateCandidate returns the missing-capabilities list (empty = eligible).
func evaluateCandidate(cand registry.Snapshot, req RequestRequirements, requiredTier *registry.CapabilityTier) (registry.Model, []string) {
	var missing []string

	model, found := cand.HasModel(req.Model)
	strict := req.RoutingPreference == PreferenceStrict
	if strict {
		if !found {
			missing = append(missing, "exact_model")
			return model, missing
		}
	} else if !found {
		// Flexible: accept any model on this backend that satisfies tier
		// requirements on every declared dimension; pick the first that
		// qualifies, else fall through to "no suitable model".
		bestFound := false
		for _, m := range cand.Models {
			if modelSatisfies(m, req) {
				model = m
				bestFound = true
				break
			}
		}
		if !bestFound {
			missing = append(missing, "no_suitable_model")
			return model, missing
		}
	}

	if req.NeedsVision && !model.SupportsVision {
		missing = append(missing, "vision")
	}
	if req.NeedsTools && !model.SupportsTools {
		missing = append(missing, "tools")
	}
	if req.NeedsJSONMode && !model.SupportsJSONMode {
		missing = append(missing, "json_mode")
	}
	if model.ContextLength > 0 && uint32(model.ContextLength) < req.EstimatedTokens {
		missing = append(missing, "context_window")
	}

	if requiredTier != nil {
		if requiredTier.Reasoning > 0 && (cand.CapabilityTier == nil || cand.CapabilityTier.Reasoning < requiredTier.Reasoning) {
			missing = append(missing, "reasoning")
		}
		if requiredTier.Coding > 0 && (cand.CapabilityTier == nil || cand.CapabilityTier.Coding < requiredTier.Coding) {
			missing = append(missing, "coding")
		}
		if requiredTier.ContextWindow > 0 && (cand.CapabilityTier == nil || cand.CapabilityTier.ContextWindow < requiredTier.ContextWindow) {
			missing = append(missing, "tier_context_window")
		}
		if requiredTier.Vision && (cand.CapabilityTier == nil || !cand.CapabilityTier.Vision) {
			missing = append(missing, "tier_vision")
		}
		if requiredTier.Tools && (cand.CapabilityTier == nil || !cand.CapabilityTier.Tools) {
			missing = append(missing, "tier_tools")
		}
	}

	return model, missing
}

// modelSatisfies is Flexible mode's per-model check against the request's
// declared requirements only (tier minimums are checked separately at the
// backend level).
func modelSatisfies(m registry.Model, req RequestRequirements) bool {
	if req.NeedsVision && !m.SupportsVision {
		return false
	}
	if req.NeedsTools && !m.SupportsTools {
		return false
	}
	if req.NeedsJSONMode && !m.SupportsJSONMode {
		return false
	}
	if m.ContextLength > 0 && uint32(m.ContextLength) < req.EstimatedTokens {
		return false
	}
	return true
}

func tierLabel(t *registry.CapabilityTier) string {
	if t == nil {
		return "none"
	}
	return "reasoning=" + strconv.Itoa(t.Reasoning) + ",coding=" + strconv.Itoa(t.Coding) + ",context=" + strconv.Itoa(t.ContextWindow)
}
