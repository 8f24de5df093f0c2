package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexus-gateway/nexus/internal/pipeline"
	"github.com/nexus-gateway/nexus/internal/registry"
)

func snapWithModel(id string, models ...registry.Model) registry.Snapshot {
	s := snap(id, registry.Zone{})
	s.Models = models
	return s
}

func TestCapabilityStrictRequiresExactModel(t *testing.T) {
	intent := pipeline.NewIntent(pipeline.DecodedRequest{}, pipeline.RequestHeaders{})
	intent.Requirements = pipeline.RequestRequirements{Model: "llama3", RoutingPreference: pipeline.PreferenceStrict}
	intent.CandidateBackends = []registry.Snapshot{
		snapWithModel("has-it", registry.Model{ID: "llama3", SupportsJSONMode: true}),
		snapWithModel("missing-it", registry.Model{ID: "mistral"}),
	}

	c := pipeline.Capability{}
	require.NoError(t, c.Reconcile(context.Background(), intent))
	require.Len(t, intent.CandidateBackends, 1)
	require.Equal(t, "has-it", intent.CandidateBackends[0].ID)
	require.Contains(t, intent.Annotations.CapabilityExcluded, "missing-it")
}

func TestCapabilityFlexibleAcceptsSubstituteModel(t *testing.T) {
	intent := pipeline.NewIntent(pipeline.DecodedRequest{}, pipeline.RequestHeaders{})
	intent.Requirements = pipeline.RequestRequirements{Model: "llama3", RoutingPreference: pipeline.PreferenceFlexible}
	intent.CandidateBackends = []registry.Snapshot{
		snapWithModel("substitute", registry.Model{ID: "mistral", SupportsJSONMode: true}),
	}

	c := pipeline.Capability{}
	require.NoError(t, c.Reconcile(context.Background(), intent))
	require.Len(t, intent.CandidateBackends, 1)
}

func TestCapabilityFiltersOnVisionRequirement(t *testing.T) {
	intent := pipeline.NewIntent(pipeline.DecodedRequest{}, pipeline.RequestHeaders{})
	intent.Requirements = pipeline.RequestRequirements{Model: "llama3", NeedsVision: true, RoutingPreference: pipeline.PreferenceStrict}
	intent.CandidateBackends = []registry.Snapshot{
		snapWithModel("no-vision", registry.Model{ID: "llama3"}),
	}

	c := pipeline.Capability{}
	require.NoError(t, c.Reconcile(context.Background(), intent))
	require.Empty(t, intent.CandidateBackends)
}

func TestCapabilityRequiredTierFiltersInsufficientBackends(t *testing.T) {
	intent := pipeline.NewIntent(pipeline.DecodedRequest{}, pipeline.RequestHeaders{})
	intent.Requirements = pipeline.RequestRequirements{Model: "llama3", RoutingPreference: pipeline.PreferenceStrict}
	intent.Annotations.RequiredTier = &registry.CapabilityTier{Reasoning: 3}
	weak := snapWithModel("weak", registry.Model{ID: "llama3"})
	weak.CapabilityTier = &registry.CapabilityTier{Reasoning: 1}
	strong := snapWithModel("strong", registry.Model{ID: "llama3"})
	strong.CapabilityTier = &registry.CapabilityTier{Reasoning: 5}
	intent.CandidateBackends = []registry.Snapshot{weak, strong}

	c := pipeline.Capability{}
	require.NoError(t, c.Reconcile(context.Background(), intent))
	require.Len(t, intent.CandidateBackends, 1)
	require.Equal(t, "strong", intent.CandidateBackends[0].ID)
}

func TestCapabilityContextWindowExactlyEqualIsAllowed(t *testing.T) {
	intent := pipeline.NewIntent(pipeline.DecodedRequest{}, pipeline.RequestHeaders{})
	intent.Requirements = pipeline.RequestRequirements{Model: "llama3", EstimatedTokens: 8192, RoutingPreference: pipeline.PreferenceStrict}
	intent.CandidateBackends = []registry.Snapshot{
		snapWithModel("fits", registry.Model{ID: "llama3", ContextLength: 8192}),
	}

	c := pipeline.Capability{}
	require.NoError(t, c.Reconcile(context.Background(), intent))
	require.Len(t, intent.CandidateBackends, 1)
}
