package pipeline

import (
	"context"

	"github.com/nexus-gateway/nexus/internal/quality"
	"github.com/nexus-gateway/nexus/internal/registry"
)

// QualitySource is the read side of the Quality Tracker the reconciler
// consumes.
type QualitySource interface {
	Snapshot(backendID string) quality.Snapshot
}

// Quality is the pipeline's fifth, FailOpen stage (spec §4.4.5).
type Quality struct {
	Tracker   QualitySource
	Threshold float64 // error_rate_threshold, default 0.5
}

func (Quality) Name() string { return "quality" }

func (q *Quality) Reconcile(_ context.Context, intent *RoutingIntent) error {
	threshold := q.Threshold
	if threshold <= 0 {
		threshold = 0.5
	}

	kept := make([]registry.Snapshot, 0, len(intent.CandidateBackends))
	for _, cand := range intent.CandidateBackends {
		snap := q.Tracker.Snapshot(cand.ID)
		if snap.ErrorRate1h > threshold {
			intent.Annotations.QualityExcluded[cand.ID] = QualityExclusion{
				ErrorRate1h: snap.ErrorRate1h,
				Threshold:   threshold,
				Message:     "error_rate_1h exceeds threshold",
			}
			continue
		}
		kept = append(kept, cand)
	}
	intent.CandidateBackends = kept
	intent.Trace("quality: filtered candidates by error rate threshold")
	return nil
}
