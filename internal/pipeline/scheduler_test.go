package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexus-gateway/nexus/internal/pipeline"
	"github.com/nexus-gateway/nexus/internal/registry"
)

func TestSchedulerRejectsWhenNoCandidates(t *testing.T) {
	intent := pipeline.NewIntent(pipeline.DecodedRequest{}, pipeline.RequestHeaders{})
	s := &pipeline.Scheduler{Strategy: &pipeline.RandomStrategy{}}
	require.NoError(t, s.Reconcile(context.Background(), intent))
	require.Equal(t, pipeline.DecisionReject, intent.Decision.Kind)
	require.Equal(t, 30, intent.Decision.Rejection.RetryAfterSeconds)
}

func TestSchedulerRoutesToSelectedBackend(t *testing.T) {
	intent := pipeline.NewIntent(pipeline.DecodedRequest{}, pipeline.RequestHeaders{})
	intent.Requirements.Model = "llama3"
	intent.CandidateBackends = []registry.Snapshot{snap("b1", registry.Zone{})}

	s := &pipeline.Scheduler{Strategy: pipeline.PriorityOnlyStrategy{}}
	require.NoError(t, s.Reconcile(context.Background(), intent))
	require.Equal(t, pipeline.DecisionRoute, intent.Decision.Kind)
	require.Equal(t, "b1", intent.Decision.BackendID)
	require.Equal(t, "llama3", intent.Decision.ActualModel)
}

func TestSchedulerAppliesFallbackPrefixToActualModel(t *testing.T) {
	intent := pipeline.NewIntent(pipeline.DecodedRequest{Model: "primary"}, pipeline.RequestHeaders{})
	intent.Requirements.Model = "backup"
	intent.Annotations.OriginalModel = "primary"
	intent.Annotations.FallbackUsed = true
	intent.CandidateBackends = []registry.Snapshot{snap("b1", registry.Zone{})}

	s := &pipeline.Scheduler{Strategy: pipeline.PriorityOnlyStrategy{}}
	require.NoError(t, s.Reconcile(context.Background(), intent))
	require.Equal(t, "fallback:primary:backup", intent.Decision.ActualModel)
}

func TestSchedulerQueuesWhenBackendSaturatedAndQueueEnabled(t *testing.T) {
	intent := pipeline.NewIntent(pipeline.DecodedRequest{}, pipeline.RequestHeaders{})
	saturated := snap("b1", registry.Zone{})
	saturated.MaxPending = 1
	saturated.Pending = 1
	intent.CandidateBackends = []registry.Snapshot{saturated}

	s := &pipeline.Scheduler{Strategy: pipeline.PriorityOnlyStrategy{}, QueueEnabled: true, QueueMaxWaitSecs: 5}
	require.NoError(t, s.Reconcile(context.Background(), intent))
	require.Equal(t, pipeline.DecisionQueue, intent.Decision.Kind)
	require.Equal(t, 5, intent.Decision.MaxWait)
	require.Equal(t, pipeline.PriorityNormal, intent.Decision.Priority)
}

func TestSchedulerQueuesHighPriorityWhenHeaderSet(t *testing.T) {
	intent := pipeline.NewIntent(pipeline.DecodedRequest{}, pipeline.RequestHeaders{HighPriority: true})
	saturated := snap("b1", registry.Zone{})
	saturated.MaxPending = 1
	saturated.Pending = 1
	intent.CandidateBackends = []registry.Snapshot{saturated}

	s := &pipeline.Scheduler{Strategy: pipeline.PriorityOnlyStrategy{}, QueueEnabled: true}
	require.NoError(t, s.Reconcile(context.Background(), intent))
	require.Equal(t, pipeline.DecisionQueue, intent.Decision.Kind)
	require.Equal(t, pipeline.PriorityHigh, intent.Decision.Priority)
}

func TestSchedulerDoesNotQueueWhenQueueDisabledEvenIfSaturated(t *testing.T) {
	intent := pipeline.NewIntent(pipeline.DecodedRequest{}, pipeline.RequestHeaders{})
	saturated := snap("b1", registry.Zone{})
	saturated.MaxPending = 1
	saturated.Pending = 1
	intent.CandidateBackends = []registry.Snapshot{saturated}

	s := &pipeline.Scheduler{Strategy: pipeline.PriorityOnlyStrategy{}, QueueEnabled: false}
	require.NoError(t, s.Reconcile(context.Background(), intent))
	require.Equal(t, pipeline.DecisionRoute, intent.Decision.Kind)
}

func TestSchedulerReturnsInternalInvariantWhenStrategyNil(t *testing.T) {
	intent := pipeline.NewIntent(pipeline.DecodedRequest{}, pipeline.RequestHeaders{})
	intent.CandidateBackends = []registry.Snapshot{snap("b1", registry.Zone{})}

	s := &pipeline.Scheduler{}
	err := s.Reconcile(context.Background(), intent)
	require.ErrorIs(t, err, pipeline.ErrInternalInvariant)
}

// TestSchedulerRejectsWithTierInsufficientContextOnCapabilityMiss covers
// spec §8 scenario 4: a context-window capability miss must surface as
// rejection_reason=tier_insufficient_context, not a generic placeholder.
func TestSchedulerRejectsWithTierInsufficientContextOnCapabilityMiss(t *testing.T) {
	intent := pipeline.NewIntent(pipeline.DecodedRequest{}, pipeline.RequestHeaders{})
	intent.Annotations.CapabilityExcluded["b1"] = pipeline.CapabilityMismatch{
		MissingCapabilities: []string{"context_window"},
	}

	s := &pipeline.Scheduler{Strategy: &pipeline.RandomStrategy{}}
	require.NoError(t, s.Reconcile(context.Background(), intent))
	require.Equal(t, pipeline.DecisionReject, intent.Decision.Kind)
	require.Equal(t, "tier_insufficient_context", intent.Decision.Rejection.Reason)
}

// TestSchedulerRejectsWithTierInsufficientReasoningOverVisionPrecedence
// checks the capability reason's own sub-priority: reasoning outranks
// vision when both dimensions are missing on the same candidate set.
func TestSchedulerRejectsWithTierInsufficientReasoningOverVisionPrecedence(t *testing.T) {
	intent := pipeline.NewIntent(pipeline.DecodedRequest{}, pipeline.RequestHeaders{})
	intent.Annotations.CapabilityExcluded["b1"] = pipeline.CapabilityMismatch{
		MissingCapabilities: []string{"vision", "reasoning"},
	}

	s := &pipeline.Scheduler{Strategy: &pipeline.RandomStrategy{}}
	require.NoError(t, s.Reconcile(context.Background(), intent))
	require.Equal(t, "tier_insufficient_reasoning", intent.Decision.Rejection.Reason)
}

// TestSchedulerFallsBackToModelNotFoundWhenCapabilityMissHasNoTierDimension
// covers a capability exclusion limited to exact_model/no_suitable_model/
// json_mode, none of which has a tier_insufficient_* counterpart.
func TestSchedulerFallsBackToModelNotFoundWhenCapabilityMissHasNoTierDimension(t *testing.T) {
	intent := pipeline.NewIntent(pipeline.DecodedRequest{}, pipeline.RequestHeaders{})
	intent.Annotations.CapabilityExcluded["b1"] = pipeline.CapabilityMismatch{
		MissingCapabilities: []string{"exact_model"},
	}

	s := &pipeline.Scheduler{Strategy: &pipeline.RandomStrategy{}}
	require.NoError(t, s.Reconcile(context.Background(), intent))
	require.Equal(t, "model_not_found", intent.Decision.Rejection.Reason)
}

// TestSchedulerPopulatesAvailableBackendsFromExclusionMaps covers spec
// §6.3's available_backends: the union of every backend id excluded by any
// reconciler, not a permanently-empty placeholder.
func TestSchedulerPopulatesAvailableBackendsFromExclusionMaps(t *testing.T) {
	intent := pipeline.NewIntent(pipeline.DecodedRequest{}, pipeline.RequestHeaders{})
	intent.Annotations.PrivacyExcluded["b1"] = pipeline.PrivacyViolation{}
	intent.Annotations.CapabilityExcluded["b2"] = pipeline.CapabilityMismatch{MissingCapabilities: []string{"reasoning"}}
	intent.Annotations.QualityExcluded["b1"] = pipeline.QualityExclusion{}

	s := &pipeline.Scheduler{Strategy: &pipeline.RandomStrategy{}}
	require.NoError(t, s.Reconcile(context.Background(), intent))
	require.Equal(t, []string{"b1", "b2"}, intent.Decision.Rejection.AvailableBackends)
}
