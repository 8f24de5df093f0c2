// Package pipeline implements the reconciler pipeline (spec §4.4): an
// ordered, fixed sequence of policy evaluators that mutably narrow a
// RoutingIntent down to a single RoutingDecision.
package pipeline

import (
	"sort"

	"github.com/nexus-gateway/nexus/internal/registry"
)

// RoutingPreference controls how strictly the Capability reconciler treats
// the requested model versus substitutes.
type RoutingPreference string

const (
	PreferenceStrict   RoutingPreference = "strict"
	PreferenceFlexible RoutingPreference = "flexible"
)

// RequestRequirements is derived exclusively from the request payload and
// headers by RequestAnalyzer; immutable for the remainder of the pipeline.
type RequestRequirements struct {
	Model             string
	EstimatedTokens   uint32
	NeedsVision       bool
	NeedsTools        bool
	NeedsJSONMode     bool
	PrefersStreaming  bool
	RoutingPreference RoutingPreference
}

// BudgetStatus is the tagged sum for the Budget reconciler's annotation.
type BudgetStatus string

const (
	BudgetNormal    BudgetStatus = "normal"
	BudgetSoftLimit BudgetStatus = "soft_limit"
	BudgetHardLimit BudgetStatus = "hard_limit"
)

// OverflowDecision is the tagged sum the Privacy reconciler records.
type OverflowDecision string

const (
	OverflowNotNeeded             OverflowDecision = "not_needed"
	OverflowAllowedFresh          OverflowDecision = "allowed_fresh"
	OverflowBlockedWithHistory    OverflowDecision = "blocked_with_history"
	OverflowBlockedByPolicy       OverflowDecision = "blocked_by_policy"
)

// PrivacyViolation explains why one backend was excluded by Privacy.
type PrivacyViolation struct {
	BackendZone        string
	RequiredConstraint string
	Message            string
}

// BudgetViolation explains why one backend was excluded by Budget.
type BudgetViolation struct {
	EstimatedCost float64
	CurrentUsage  float64
	Limit         float64
	Message       string
}

// CapabilityMismatch explains why one backend was excluded by Capability.
type CapabilityMismatch struct {
	RequiredTier       string
	BackendTier        string
	MissingCapabilities []string
	Message            string
}

// QualityExclusion explains why one backend was excluded by Quality.
type QualityExclusion struct {
	ErrorRate1h float64
	Threshold   float64
	Message     string
}

// RoutingAnnotations accumulates every reconciler's side-effects (spec §3).
type RoutingAnnotations struct {
	PrivacyConstraint  string
	PrivacyExcluded    map[string]PrivacyViolation
	EstimatedCost      *float64
	BudgetStatus       BudgetStatus
	BudgetExcluded     map[string]BudgetViolation
	RequiredTier       *registry.CapabilityTier
	CapabilityExcluded map[string]CapabilityMismatch
	QualityExcluded    map[string]QualityExclusion
	AppliedPolicy      string
	OverflowMode       string
	OverflowDecision   OverflowDecision
	AffinityKey        uint64
	FallbackUsed       bool
	OriginalModel      string
	Trace              []string
}

func newAnnotations() RoutingAnnotations {
	return RoutingAnnotations{
		PrivacyExcluded:    map[string]PrivacyViolation{},
		BudgetExcluded:     map[string]BudgetViolation{},
		CapabilityExcluded: map[string]CapabilityMismatch{},
		QualityExcluded:    map[string]QualityExclusion{},
	}
}

// DecisionKind tags RoutingDecision's variant.
type DecisionKind string

const (
	DecisionRoute  DecisionKind = "route"
	DecisionQueue  DecisionKind = "queue"
	DecisionReject DecisionKind = "reject"
)

// RejectionReasons carries the structured exclusion maps surfaced in the
// 503 body (spec §6.3).
type RejectionReasons struct {
	Reason             string
	AppliedPolicy      string
	PrivacyExcluded    map[string]PrivacyViolation
	BudgetExcluded     map[string]BudgetViolation
	CapabilityExcluded map[string]CapabilityMismatch
	QualityExcluded    map[string]QualityExclusion
	AvailableBackends  []string
	RetryAfterSeconds  int
}

// QueuePriority is the two-level priority the Scheduler assigns a Queue
// decision.
type QueuePriority string

const (
	PriorityHigh   QueuePriority = "high"
	PriorityNormal QueuePriority = "normal"
)

// RoutingDecision is the Scheduler's single output (spec §3).
type RoutingDecision struct {
	Kind DecisionKind

	// Route fields.
	BackendID   string
	ActualModel string
	Reason      string
	Score       *float64

	// Queue fields.
	Priority QueuePriority
	MaxWait  int

	// Reject fields.
	Rejection RejectionReasons
}

// ContentPart is one part of a chat message's content (text or image_url),
// the narrow subset RequestAnalyzer needs to compute estimated_tokens and
// needs_vision without validating the full OpenAI schema (spec §4.7: the
// core only "consumes from" that schema, it never defines it).
type ContentPart struct {
	Type string // "text" | "image_url"
	Text string
}

// Message is one chat message in the decoded request.
type Message struct {
	Role  string
	Parts []ContentPart
}

// DecodedRequest is the narrow view of the incoming HTTP request body that
// RequestAnalyzer consumes (spec §4.4.1, §4.7).
type DecodedRequest struct {
	Model               string
	Messages            []Message
	HasTools            bool
	ResponseFormatJSON  bool
	Stream              bool
}

// RequestHeaders is the narrow view of request headers RequestAnalyzer
// consumes (spec §6.1).
type RequestHeaders struct {
	StrictRouting   bool // X-Nexus-Strict present
	FlexibleRouting bool // X-Nexus-Flexible present
	HighPriority    bool // X-Nexus-Priority: high
}

// RoutingIntent is exclusively owned by one request handler (or the queue
// while parked); reconcilers mutably borrow it in sequence (spec §3).
// Requirements starts zero-valued and is populated by RequestAnalyzer, the
// pipeline's first stage, from Raw/Headers — once populated it is never
// mutated again by later reconcilers (spec §3).
type RoutingIntent struct {
	Raw     DecodedRequest
	Headers RequestHeaders

	Requirements      RequestRequirements
	CandidateBackends []registry.Snapshot
	Annotations       RoutingAnnotations
	Decision          *RoutingDecision

	RetryCount    int
	FallbackChain []string
}

// NewIntent constructs a RoutingIntent ready for its first pipeline pass.
func NewIntent(raw DecodedRequest, headers RequestHeaders) *RoutingIntent {
	return &RoutingIntent{
		Raw:         raw,
		Headers:     headers,
		Annotations: newAnnotations(),
	}
}

// Trace appends one reconciler's observability note (spec §4.4: "must
// append one trace entry per invocation").
func (i *RoutingIntent) Trace(note string) {
	i.Annotations.Trace = append(i.Annotations.Trace, note)
}

// AvailableExcludedBackends unions the backend ids recorded across every
// exclusion map into the sorted list a rejection response reports as
// available_backends (spec §6.3: the backends that exist for the model but
// were excluded by some reconciler, not every backend in the registry).
func AvailableExcludedBackends(ann RoutingAnnotations) []string {
	seen := make(map[string]struct{}, len(ann.PrivacyExcluded)+len(ann.BudgetExcluded)+len(ann.CapabilityExcluded)+len(ann.QualityExcluded))
	for id := range ann.PrivacyExcluded {
		seen[id] = struct{}{}
	}
	for id := range ann.BudgetExcluded {
		seen[id] = struct{}{}
	}
	for id := range ann.CapabilityExcluded {
		seen[id] = struct{}{}
	}
	for id := range ann.QualityExcluded {
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ExcludeCandidate removes id from CandidateBackends, if present.
func (i *RoutingIntent) ExcludeCandidate(id string) {
	kept := i.CandidateBackends[:0]
	for _, b := range i.CandidateBackends {
		if b.ID != id {
			kept = append(kept, b)
		}
	}
	i.CandidateBackends = kept
}
