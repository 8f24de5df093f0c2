package pipeline

import (
	"context"
	"math"
	"slices"
	"strings"

	"github.com/nexus-gateway/nexus/internal/gatewayerrors"
	"github.com/nexus-gateway/nexus/internal/registry"
	"github.com/nexus-gateway/nexus/internal/routing"
)

// RequestAnalyzer is the pipeline's first, FailClosed stage (spec §4.4.1):
// it resolves aliases/fallbacks, derives RequestRequirements from the raw
// decoded request, and populates the initial candidate set.
type RequestAnalyzer struct {
	Registry  *registry.Registry
	Aliases   map[string]string
	Fallbacks map[string][]string
	Policies  map[string]routing.PolicyMatch
}

func (a *RequestAnalyzer) Name() string { return "request_analyzer" }

func (a *RequestAnalyzer) Reconcile(_ context.Context, intent *RoutingIntent) error {
	originalModel := intent.Raw.Model
	resolvedModel := routing.ResolveAlias(a.Aliases, originalModel)

	req := RequestRequirements{
		Model:             resolvedModel,
		EstimatedTokens:   estimateTokens(intent.Raw.Messages),
		NeedsVision:       anyImagePart(intent.Raw.Messages),
		NeedsTools:        intent.Raw.HasTools,
		NeedsJSONMode:     intent.Raw.ResponseFormatJSON,
		PrefersStreaming:  intent.Raw.Stream,
		RoutingPreference: resolveRoutingPreference(intent.Headers),
	}
	intent.Requirements = req
	intent.Annotations.OriginalModel = originalModel

	candidates := healthyBackendsForModel(a.Registry, resolvedModel, intent.FallbackChain)
	if len(candidates) == 0 {
		for _, fallbackModel := range routing.FallbackChain(a.Fallbacks, resolvedModel) {
			fallbackCandidates := healthyBackendsForModel(a.Registry, fallbackModel, intent.FallbackChain)
			if len(fallbackCandidates) > 0 {
				candidates = fallbackCandidates
				intent.Annotations.FallbackUsed = true
				req.Model = fallbackModel
				intent.Requirements = req
				break
			}
		}
	}
	if len(candidates) == 0 && intent.RetryCount > 0 {
		return gatewayerrors.New("request_analyzer", gatewayerrors.KindRoutingRejection, "", "all retries exhausted", gatewayerrors.ErrAllRetriesExhausted)
	}
	intent.CandidateBackends = candidates

	if match, ok := routing.MatchPolicy(a.Policies, originalModel); ok {
		intent.Annotations.AppliedPolicy = match.Pattern
		tier := &registry.CapabilityTier{
			Reasoning:     match.MinReasoning,
			Coding:        match.MinCoding,
			ContextWindow: match.MinContextWindow,
			Vision:        match.VisionRequired,
			Tools:         match.ToolsRequired,
		}
		intent.Annotations.RequiredTier = tier
		intent.Annotations.PrivacyConstraint = match.Privacy
		intent.Annotations.OverflowMode = match.OverflowMode
	}

	intent.Trace("request_analyzer: resolved_model=" + resolvedModel)
	return nil
}

// healthyBackendsForModel returns the healthy backends carrying model,
// leaving out any id in failed (backends this request already failed on).
func healthyBackendsForModel(reg *registry.Registry, model string, failed []string) []registry.Snapshot {
	all := reg.BackendsForModel(model)
	out := make([]registry.Snapshot, 0, len(all))
	for _, b := range all {
		if b.Status == registry.StatusHealthy && !slices.Contains(failed, b.ID) {
			out = append(out, b)
		}
	}
	return out
}

// estimateTokens sums ceil(len(text)/4) over every textual content part
// across every message (spec §4.4.1 step 2); images contribute 0.
func estimateTokens(messages []Message) uint32 {
	var total uint32
	for _, m := range messages {
		for _, part := range m.Parts {
			if part.Type != "text" && part.Type != "" {
				continue
			}
			total += uint32(math.Ceil(float64(len([]rune(part.Text))) / 4.0))
		}
	}
	return total
}

func anyImagePart(messages []Message) bool {
	for _, m := range messages {
		for _, part := range m.Parts {
			if part.Type == "image_url" {
				return true
			}
		}
	}
	return false
}

// resolveRoutingPreference implements spec §4.4.1 step 3's header
// precedence: X-Nexus-Strict takes precedence over X-Nexus-Flexible;
// absent both, Strict is the default.
func resolveRoutingPreference(h RequestHeaders) RoutingPreference {
	if h.StrictRouting {
		return PreferenceStrict
	}
	if h.FlexibleRouting {
		return PreferenceFlexible
	}
	return PreferenceStrict
}

// hasAssistantMessage reports whether any message has role == "assistant",
// used by the Privacy reconciler's FreshOnly overflow rule.
func hasAssistantMessage(messages []Message) bool {
	for _, m := range messages {
		if strings.EqualFold(m.Role, "assistant") {
			return true
		}
	}
	return false
}
