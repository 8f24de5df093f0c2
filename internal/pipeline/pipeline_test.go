package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexus-gateway/nexus/internal/events"
	"github.com/nexus-gateway/nexus/internal/logging"
	"github.com/nexus-gateway/nexus/internal/pipeline"
	"github.com/nexus-gateway/nexus/internal/registry"
)

type stubReconciler struct {
	name string
	err  error
	fn   func(*pipeline.RoutingIntent)
}

func (s stubReconciler) Name() string { return s.name }

func (s stubReconciler) Reconcile(_ context.Context, intent *pipeline.RoutingIntent) error {
	if s.fn != nil {
		s.fn(intent)
	}
	return s.err
}

type panicReconciler struct{}

func (panicReconciler) Name() string { return "panics" }
func (panicReconciler) Reconcile(context.Context, *pipeline.RoutingIntent) error {
	panic("boom")
}

func TestPipelineRunsStagesInOrderAndFinalizesDecision(t *testing.T) {
	reg := newRegistryWithBackend(t, "b1", "llama3", registry.Zone{Kind: registry.ZoneRestricted})
	p := pipeline.New(logging.NoOp{},
		pipeline.Stage{Reconciler: &pipeline.RequestAnalyzer{Registry: reg}, Policy: pipeline.FailClosed},
		pipeline.Stage{Reconciler: pipeline.Privacy{}, Policy: pipeline.FailClosed},
		pipeline.Stage{Reconciler: &pipeline.Budget{}, Policy: pipeline.FailOpen},
		pipeline.Stage{Reconciler: pipeline.Capability{}, Policy: pipeline.FailOpen},
		pipeline.Stage{Reconciler: &pipeline.Quality{Tracker: fakeQualitySource{}}, Policy: pipeline.FailOpen},
		pipeline.Stage{Reconciler: &pipeline.Scheduler{Strategy: &pipeline.SmartStrategy{}}, Policy: pipeline.FailClosed},
	)
	intent := pipeline.NewIntent(pipeline.DecodedRequest{Model: "llama3"}, pipeline.RequestHeaders{})

	err := p.Run(context.Background(), intent)
	require.NoError(t, err)
	require.NotNil(t, intent.Decision)
	require.Equal(t, pipeline.DecisionRoute, intent.Decision.Kind)
	require.Equal(t, "b1", intent.Decision.BackendID)
	require.Len(t, intent.Annotations.Trace, 6)
}

func TestPipelineFailOpenSwallowsErrorAndContinues(t *testing.T) {
	var secondRan bool
	p := pipeline.New(logging.NoOp{},
		pipeline.Stage{Reconciler: stubReconciler{name: "first", err: errors.New("boom")}, Policy: pipeline.FailOpen},
		pipeline.Stage{Reconciler: stubReconciler{name: "second", fn: func(*pipeline.RoutingIntent) { secondRan = true }}, Policy: pipeline.FailOpen},
	)
	intent := pipeline.NewIntent(pipeline.DecodedRequest{}, pipeline.RequestHeaders{})

	err := p.Run(context.Background(), intent)
	require.NoError(t, err)
	require.True(t, secondRan)
	require.Contains(t, intent.Annotations.Trace[0], "error (fail-open)")
}

func TestPipelineFailClosedAbortsRemainingStages(t *testing.T) {
	var secondRan bool
	p := pipeline.New(logging.NoOp{},
		pipeline.Stage{Reconciler: stubReconciler{name: "first", err: errors.New("fatal")}, Policy: pipeline.FailClosed},
		pipeline.Stage{Reconciler: stubReconciler{name: "second", fn: func(*pipeline.RoutingIntent) { secondRan = true }}, Policy: pipeline.FailOpen},
	)
	intent := pipeline.NewIntent(pipeline.DecodedRequest{}, pipeline.RequestHeaders{})

	err := p.Run(context.Background(), intent)
	require.Error(t, err)
	require.False(t, secondRan)
}

func TestPipelineRecoversPanicAsInternalInvariant(t *testing.T) {
	p := pipeline.New(logging.NoOp{}, pipeline.Stage{Reconciler: panicReconciler{}, Policy: pipeline.FailClosed})
	intent := pipeline.NewIntent(pipeline.DecodedRequest{}, pipeline.RequestHeaders{})

	err := p.Run(context.Background(), intent)
	require.Error(t, err)
}

func TestPipelineRejectsWhenModelUnknown(t *testing.T) {
	reg := registry.New(events.New())
	p := pipeline.New(logging.NoOp{},
		pipeline.Stage{Reconciler: &pipeline.RequestAnalyzer{Registry: reg}, Policy: pipeline.FailClosed},
		pipeline.Stage{Reconciler: pipeline.Privacy{}, Policy: pipeline.FailClosed},
		pipeline.Stage{Reconciler: &pipeline.Scheduler{Strategy: &pipeline.SmartStrategy{}, DefaultRetryAfterSeconds: 30}, Policy: pipeline.FailClosed},
	)
	intent := pipeline.NewIntent(pipeline.DecodedRequest{Model: "unknown"}, pipeline.RequestHeaders{})

	err := p.Run(context.Background(), intent)
	require.NoError(t, err)
	require.Equal(t, pipeline.DecisionReject, intent.Decision.Kind)
	require.Equal(t, "model_not_found", intent.Decision.Rejection.Reason)
}
