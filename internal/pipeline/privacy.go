package pipeline

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/nexus-gateway/nexus/internal/registry"
)

// privacyConstraint is the parsed form of a policy's privacy string
// ("restricted" | "open" | "zone:<name>"), spec §4.4.2's Restricted /
// Unrestricted / Zone(x) tagged sum.
type privacyConstraint struct {
	unrestricted bool
	zoneName     string // non-empty only for a named zone constraint
}

func parsePrivacyConstraint(s string) privacyConstraint {
	switch {
	case s == "" || s == "restricted":
		return privacyConstraint{}
	case s == "open":
		return privacyConstraint{unrestricted: true}
	case strings.HasPrefix(s, "zone:"):
		return privacyConstraint{zoneName: strings.TrimPrefix(s, "zone:")}
	default:
		return privacyConstraint{}
	}
}

func (c privacyConstraint) label() string {
	switch {
	case c.unrestricted:
		return "open"
	case c.zoneName != "":
		return "zone:" + c.zoneName
	default:
		return "restricted"
	}
}

func (c privacyConstraint) allows(zone registry.Zone) bool {
	switch {
	case c.unrestricted:
		return true
	case c.zoneName != "":
		return zone.Kind == registry.ZoneNamed && zone.Name == c.zoneName
	default:
		return zone.Kind == registry.ZoneRestricted
	}
}

// Privacy is the pipeline's second, FailClosed stage (spec §4.4.2).
type Privacy struct{}

func (Privacy) Name() string { return "privacy" }

func (Privacy) Reconcile(_ context.Context, intent *RoutingIntent) error {
	constraint := parsePrivacyConstraint(intent.Annotations.PrivacyConstraint)
	intent.Annotations.PrivacyConstraint = constraint.label()

	original := intent.CandidateBackends
	kept := make([]registry.Snapshot, 0, len(original))
	for _, b := range original {
		if constraint.allows(b.Zone) {
			kept = append(kept, b)
		} else {
			intent.Annotations.PrivacyExcluded[b.ID] = PrivacyViolation{
				BackendZone:        b.Zone.String(),
				RequiredConstraint: constraint.label(),
				Message:            "backend zone " + b.Zone.String() + " does not satisfy required constraint " + constraint.label(),
			}
		}
	}

	intent.Annotations.AffinityKey = affinityKey(intent.Raw.Messages)

	if len(kept) > 0 {
		intent.CandidateBackends = kept
		intent.Annotations.OverflowDecision = OverflowNotNeeded
		intent.Trace("privacy: kept candidates, no overflow needed")
		return nil
	}

	intent.CandidateBackends = kept // empty
	overflowMode := overflowModeFromPolicy(intent)
	switch overflowMode {
	case "fresh_only":
		if !hasConversationHistory(intent.Raw.Messages) {
			intent.CandidateBackends = openZoneCandidates(original)
			intent.Annotations.OverflowDecision = OverflowAllowedFresh
			intent.Trace("privacy: overflow allowed (fresh conversation)")
		} else {
			intent.Annotations.OverflowDecision = OverflowBlockedWithHistory
			intent.Trace("privacy: overflow blocked (conversation has history)")
		}
	default: // block_entirely
		intent.Annotations.OverflowDecision = OverflowBlockedByPolicy
		intent.Trace("privacy: overflow blocked entirely by policy")
	}
	return nil
}

func overflowModeFromPolicy(intent *RoutingIntent) string {
	// The applied policy's overflow_mode is threaded through via
	// RequestAnalyzer's AppliedPolicy lookup; callers without a matching
	// policy default to block_entirely (the conservative choice).
	if intent.Annotations.OverflowMode == "" {
		return "block_entirely"
	}
	return intent.Annotations.OverflowMode
}

func openZoneCandidates(all []registry.Snapshot) []registry.Snapshot {
	out := make([]registry.Snapshot, 0, len(all))
	for _, b := range all {
		if b.Zone.Kind == registry.ZoneOpen {
			out = append(out, b)
		}
	}
	return out
}

// hasConversationHistory matches spec §4.4.2's FreshOnly test: messages
// length <= 1 AND no message has role == "assistant" counts as fresh.
func hasConversationHistory(messages []Message) bool {
	if len(messages) > 1 {
		return true
	}
	return hasAssistantMessage(messages)
}

// affinityKey hashes the first user message's content for sticky-selection
// tiebreaks (spec §4.4.2). Best-effort: invalidated automatically whenever
// the candidate set changes, since it's recomputed from the request alone.
func affinityKey(messages []Message) uint64 {
	for _, m := range messages {
		if !strings.EqualFold(m.Role, "user") {
			continue
		}
		h := fnv.New64a()
		for _, part := range m.Parts {
			h.Write([]byte(part.Text))
		}
		return h.Sum64()
	}
	return 0
}
