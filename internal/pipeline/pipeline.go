package pipeline

import (
	"context"
	"fmt"

	"github.com/nexus-gateway/nexus/internal/gatewayerrors"
	"github.com/nexus-gateway/nexus/internal/logging"
)

// Pipeline runs its Stages in fixed order against a RoutingIntent. No
// dynamic reordering, per spec §4.4.
type Pipeline struct {
	stages []Stage
	log    logging.Logger
}

// New builds a Pipeline from stages, in the order they will execute.
func New(log logging.Logger, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, log: log.WithComponent("pipeline")}
}

// Run executes every stage in order. A FailClosed reconciler's error aborts
// the run and is returned to the caller (the request handler turns it into
// a Reject decision, or a 500 if it's an internal invariant). A FailOpen
// reconciler's error is logged, traced, and swallowed.
//
// A panic inside any reconciler is recovered and treated as an
// InternalInvariant error (spec §7), never allowed to crash the request
// handler's goroutine.
func (p *Pipeline) Run(ctx context.Context, intent *RoutingIntent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = gatewayerrors.New("pipeline.Run", gatewayerrors.KindInternalInvariant, "", fmt.Sprintf("reconciler panicked: %v", r), nil)
		}
	}()

	for _, stage := range p.stages {
		stageErr := p.runStage(ctx, stage, intent)
		if stageErr == nil {
			continue
		}
		if stage.Policy == FailClosed {
			return stageErr
		}
		p.log.WarnWithContext(ctx, "reconciler failed (fail-open)", map[string]interface{}{
			"reconciler": stage.Reconciler.Name(),
			"error":      stageErr.Error(),
		})
		intent.Trace(fmt.Sprintf("%s: error (fail-open): %v", stage.Reconciler.Name(), stageErr))
	}
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, intent *RoutingIntent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = gatewayerrors.New(stage.Reconciler.Name(), gatewayerrors.KindInternalInvariant, "", fmt.Sprintf("panicked: %v", r), nil)
		}
	}()
	return stage.Reconciler.Reconcile(ctx, intent)
}
