package pipeline

import (
	"context"

	"github.com/nexus-gateway/nexus/internal/registry"
)

// UsageSource is the pluggable current-usage signal the Budget reconciler
// consumes (spec §9 Open Questions: the spec treats this as a
// placeholder; nexus wires an optional Redis-backed implementation at
// cmd/nexus, scoped to this one narrow read — never used for registry or
// queue state persistence).
type UsageSource interface {
	CurrentUsageUSD(ctx context.Context) (float64, error)
}

// ZeroUsageSource always reports 0 usage, the fail-open default when no
// real usage source is configured.
type ZeroUsageSource struct{}

func (ZeroUsageSource) CurrentUsageUSD(context.Context) (float64, error) { return 0, nil }

// Budget is the pipeline's third, FailOpen stage (spec §4.4.3).
type Budget struct {
	CostPerToken    map[string]float64 // keyed by registry.BackendType
	MonthlyLimitUSD float64
	UsageSource     UsageSource
}

func (Budget) Name() string { return "budget" }

const (
	softLimitPct = 0.75
	hardLimitPct = 1.0
)

func (b *Budget) Reconcile(ctx context.Context, intent *RoutingIntent) error {
	if len(intent.CandidateBackends) == 0 {
		intent.Annotations.BudgetStatus = BudgetNormal
		intent.Trace("budget: no candidates to evaluate")
		return nil
	}

	source := b.UsageSource
	if source == nil {
		source = ZeroUsageSource{}
	}
	currentUsage, err := source.CurrentUsageUSD(ctx)
	if err != nil {
		// Fail-open: current-usage source unavailable treats as Normal.
		currentUsage = 0
		intent.Trace("budget: usage source unavailable, treating as Normal (fail-open)")
	}

	type candidateCost struct {
		backend registry.Snapshot
		cost    float64
	}
	costs := make([]candidateCost, 0, len(intent.CandidateBackends))
	minCost := -1.0
	for _, cand := range intent.CandidateBackends {
		perToken := b.CostPerToken[string(cand.Type)]
		cost := float64(intent.Requirements.EstimatedTokens) * perToken
		costs = append(costs, candidateCost{backend: cand, cost: cost})
		if minCost < 0 || cost < minCost {
			minCost = cost
		}
	}
	if minCost >= 0 {
		intent.Annotations.EstimatedCost = &minCost
	}

	status := BudgetNormal
	if b.MonthlyLimitUSD > 0 {
		pct := currentUsage / b.MonthlyLimitUSD
		switch {
		case pct >= hardLimitPct:
			status = BudgetHardLimit
		case pct >= softLimitPct:
			status = BudgetSoftLimit
		}
	}
	intent.Annotations.BudgetStatus = status

	if status != BudgetHardLimit {
		intent.Trace("budget: status=" + string(status))
		return nil
	}

	remaining := b.MonthlyLimitUSD - currentUsage
	kept := make([]registry.Snapshot, 0, len(costs))
	for _, c := range costs {
		if c.cost <= remaining {
			kept = append(kept, c.backend)
			continue
		}
		intent.Annotations.BudgetExcluded[c.backend.ID] = BudgetViolation{
			EstimatedCost: c.cost,
			CurrentUsage:  currentUsage,
			Limit:         b.MonthlyLimitUSD,
			Message:       "projected cost exceeds remaining monthly budget",
		}
	}
	intent.CandidateBackends = kept
	intent.Trace("budget: hard limit reached, filtered candidates")
	return nil
}
