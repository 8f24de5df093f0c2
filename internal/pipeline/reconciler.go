package pipeline

import "context"

// Reconciler is the one-method capability every pipeline stage implements,
// mirroring the teacher's single-capability interface pattern
// (core.CircuitBreaker, pkg/routing.Router) rather than a large mixed-concern
// interface.
type Reconciler interface {
	// Name identifies the reconciler for tracing and error attribution.
	Name() string
	// Reconcile mutates intent in place. Must be cooperative (no unbounded
	// blocking) and complete in O(candidates) work.
	Reconcile(ctx context.Context, intent *RoutingIntent) error
}

// FailPolicy controls what happens when a Reconciler returns an error.
type FailPolicy int

const (
	// FailOpen logs the error, appends a trace entry, and continues the
	// pipeline with the intent as-is.
	FailOpen FailPolicy = iota
	// FailClosed aborts the pipeline; the caller turns this into a Reject
	// or, for a panic/invariant violation, a 500.
	FailClosed
)

// Stage pairs a Reconciler with its error policy.
type Stage struct {
	Reconciler Reconciler
	Policy     FailPolicy
}
