package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexus-gateway/nexus/internal/events"
	"github.com/nexus-gateway/nexus/internal/pipeline"
	"github.com/nexus-gateway/nexus/internal/registry"
	"github.com/nexus-gateway/nexus/internal/routing"
)

func newRegistryWithBackend(t *testing.T, id, model string, zone registry.Zone) *registry.Registry {
	t.Helper()
	reg := registry.New(events.New())
	_, err := reg.AddBackend(registry.Backend{
		ID:              id,
		Name:            id,
		URL:             "http://" + id + ".local",
		Type:            registry.TypeOllama,
		DiscoverySource: registry.DiscoveryStatic,
		Zone:            zone,
	})
	require.NoError(t, err)
	reg.UpdateModels(id, []registry.Model{{ID: model, ContextLength: 8192, SupportsJSONMode: true}})
	reg.UpdateStatus(id, registry.StatusHealthy, "")
	return reg
}

func TestRequestAnalyzerResolvesAliasAndPopulatesCandidates(t *testing.T) {
	reg := newRegistryWithBackend(t, "b1", "llama3", registry.Zone{Kind: registry.ZoneOpen})
	a := &pipeline.RequestAnalyzer{
		Registry: reg,
		Aliases:  map[string]string{"fast": "llama3"},
	}
	intent := pipeline.NewIntent(pipeline.DecodedRequest{Model: "fast"}, pipeline.RequestHeaders{})

	err := a.Reconcile(context.Background(), intent)
	require.NoError(t, err)
	require.Equal(t, "llama3", intent.Requirements.Model)
	require.Len(t, intent.CandidateBackends, 1)
	require.Equal(t, "b1", intent.CandidateBackends[0].ID)
	require.NotEmpty(t, intent.Annotations.Trace)
}

func TestRequestAnalyzerFallsBackWhenPrimaryHasNoHealthyCandidates(t *testing.T) {
	reg := newRegistryWithBackend(t, "b1", "backup-model", registry.Zone{Kind: registry.ZoneOpen})
	a := &pipeline.RequestAnalyzer{
		Registry:  reg,
		Fallbacks: map[string][]string{"primary-model": {"backup-model"}},
	}
	intent := pipeline.NewIntent(pipeline.DecodedRequest{Model: "primary-model"}, pipeline.RequestHeaders{})

	err := a.Reconcile(context.Background(), intent)
	require.NoError(t, err)
	require.True(t, intent.Annotations.FallbackUsed)
	require.Equal(t, "backup-model", intent.Requirements.Model)
	require.Len(t, intent.CandidateBackends, 1)
}

func TestRequestAnalyzerNoCandidatesWhenModelUnknown(t *testing.T) {
	reg := newRegistryWithBackend(t, "b1", "llama3", registry.Zone{Kind: registry.ZoneOpen})
	a := &pipeline.RequestAnalyzer{Registry: reg}
	intent := pipeline.NewIntent(pipeline.DecodedRequest{Model: "does-not-exist"}, pipeline.RequestHeaders{})

	err := a.Reconcile(context.Background(), intent)
	require.NoError(t, err)
	require.Empty(t, intent.CandidateBackends)
}

func TestRequestAnalyzerAppliesMatchingPolicy(t *testing.T) {
	reg := newRegistryWithBackend(t, "b1", "llama3", registry.Zone{Kind: registry.ZoneRestricted})
	a := &pipeline.RequestAnalyzer{
		Registry: reg,
		Policies: map[string]routing.PolicyMatch{
			"llama3": {Pattern: "llama3", Privacy: "restricted", OverflowMode: "fresh_only", MinReasoning: 2},
		},
	}
	intent := pipeline.NewIntent(pipeline.DecodedRequest{Model: "llama3"}, pipeline.RequestHeaders{})

	err := a.Reconcile(context.Background(), intent)
	require.NoError(t, err)
	require.Equal(t, "llama3", intent.Annotations.AppliedPolicy)
	require.Equal(t, "restricted", intent.Annotations.PrivacyConstraint)
	require.Equal(t, "fresh_only", intent.Annotations.OverflowMode)
	require.NotNil(t, intent.Annotations.RequiredTier)
	require.Equal(t, 2, intent.Annotations.RequiredTier.Reasoning)
}

func TestRequestAnalyzerStrictHeaderWinsOverFlexible(t *testing.T) {
	reg := newRegistryWithBackend(t, "b1", "llama3", registry.Zone{Kind: registry.ZoneOpen})
	a := &pipeline.RequestAnalyzer{Registry: reg}
	intent := pipeline.NewIntent(pipeline.DecodedRequest{Model: "llama3"}, pipeline.RequestHeaders{StrictRouting: true, FlexibleRouting: true})

	err := a.Reconcile(context.Background(), intent)
	require.NoError(t, err)
	require.Equal(t, pipeline.PreferenceStrict, intent.Requirements.RoutingPreference)
}

func TestRequestAnalyzerEstimatesTokensFromTextParts(t *testing.T) {
	reg := newRegistryWithBackend(t, "b1", "llama3", registry.Zone{Kind: registry.ZoneOpen})
	a := &pipeline.RequestAnalyzer{Registry: reg}
	intent := pipeline.NewIntent(pipeline.DecodedRequest{
		Model: "llama3",
		Messages: []pipeline.Message{
			{Role: "user", Parts: []pipeline.ContentPart{{Type: "text", Text: "12345678"}}},
		},
	}, pipeline.RequestHeaders{})

	err := a.Reconcile(context.Background(), intent)
	require.NoError(t, err)
	require.Equal(t, uint32(2), intent.Requirements.EstimatedTokens)
}
