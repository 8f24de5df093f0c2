package pipeline

import (
	"math/rand"
	"strconv"
	"sync/atomic"

	"github.com/nexus-gateway/nexus/internal/registry"
)

// ScoringWeights mirrors config.RoutingConfig.Scoring without importing the
// config package from pipeline (keeps the dependency direction pointing
// config -> pipeline wiring at cmd/nexus, not the reverse).
type ScoringWeights struct {
	Priority    float64
	Load        float64
	Latency     float64
	TTFT        float64
	BudgetBoost float64
}

// Strategy picks one backend from a non-empty candidate set and explains
// why (spec §4.4.6).
type Strategy interface {
	Select(candidates []registry.Snapshot, intent *RoutingIntent) (chosen registry.Snapshot, reason string, score *float64)
}

// SmartStrategy computes a composite score per candidate (spec §4.4.6).
type SmartStrategy struct {
	Weights ScoringWeights
	Tracker QualitySource
}

func (s *SmartStrategy) Select(candidates []registry.Snapshot, intent *RoutingIntent) (registry.Snapshot, string, *float64) {
	if len(candidates) == 1 {
		score := 1.0
		return candidates[0], "only_healthy_backend", &score
	}

	maxPriority, maxPending, maxEWMA, maxTTFT := 0.0, 0.0, 0.0, 0.0
	for _, c := range candidates {
		maxPriority = maxFloat(maxPriority, float64(c.Priority))
		maxPending = maxFloat(maxPending, float64(c.Pending))
		maxEWMA = maxFloat(maxEWMA, c.EWMALatencyMs)
		if s.Tracker != nil {
			maxTTFT = maxFloat(maxTTFT, s.Tracker.Snapshot(c.ID).AvgTTFTMs)
		}
	}

	var best registry.Snapshot
	bestScore := -1e18
	var tied []registry.Snapshot
	for _, c := range candidates {
		score := s.score(c, maxPriority, maxPending, maxEWMA, maxTTFT)
		switch {
		case len(tied) == 0 || score > bestScore:
			best, bestScore, tied = c, score, []registry.Snapshot{c}
		case score == bestScore:
			tied = append(tied, c)
		}
	}
	if len(tied) > 1 {
		best = breakTie(tied, intent.Annotations.AffinityKey)
	}
	return best, "smart_score", &bestScore
}

// breakTie applies spec §4.4.6's deterministic tiebreak order: highest
// priority, then lowest pending, then lowest EWMA latency, then affinity_key
// mod N as a stable selector among any remaining tie.
func breakTie(tied []registry.Snapshot, affinityKey uint64) registry.Snapshot {
	best := tied[0]
	for _, c := range tied[1:] {
		if c.Priority != best.Priority {
			if c.Priority > best.Priority {
				best = c
			}
			continue
		}
		if c.Pending != best.Pending {
			if c.Pending < best.Pending {
				best = c
			}
			continue
		}
		if c.EWMALatencyMs != best.EWMALatencyMs {
			if c.EWMALatencyMs < best.EWMALatencyMs {
				best = c
			}
		}
	}
	// If still genuinely tied across every dimension, affinity_key selects a
	// stable index so repeat requests with the same affinity land on the
	// same backend.
	var remaining []registry.Snapshot
	for _, c := range tied {
		if c.Priority == best.Priority && c.Pending == best.Pending && c.EWMALatencyMs == best.EWMALatencyMs {
			remaining = append(remaining, c)
		}
	}
	idx := int(affinityKey % uint64(len(remaining)))
	return remaining[idx]
}

func (s *SmartStrategy) score(c registry.Snapshot, maxPriority, maxPending, maxEWMA, maxTTFT float64) float64 {
	normPriority := normalize(float64(c.Priority), maxPriority)
	normPending := normalize(float64(c.Pending), maxPending)
	normEWMA := normalize(c.EWMALatencyMs, maxEWMA)
	normTTFT := 0.0
	if s.Tracker != nil {
		normTTFT = normalize(s.Tracker.Snapshot(c.ID).AvgTTFTMs, maxTTFT)
	}
	boost := 0.0 // budget boost requires a richer cost model than the placeholder usage source provides; left at 0.

	w := s.Weights
	return w.Priority*normPriority - w.Load*normPending - w.Latency*normEWMA - w.TTFT*normTTFT + w.BudgetBoost*boost
}

func normalize(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return v / max
}

func maxFloat(a, b float64) float64 {
	if b > a {
		return b
	}
	return a
}

// RoundRobinStrategy selects index = counter++ mod N across candidates.
type RoundRobinStrategy struct {
	counter uint64
}

func (s *RoundRobinStrategy) Select(candidates []registry.Snapshot, _ *RoutingIntent) (registry.Snapshot, string, *float64) {
	if len(candidates) == 1 {
		return candidates[0], "only_healthy_backend", nil
	}
	idx := atomic.AddUint64(&s.counter, 1) - 1
	i := int(idx % uint64(len(candidates)))
	return candidates[i], "round_robin:index_" + strconv.Itoa(i), nil
}

// PriorityOnlyStrategy selects the candidate with the maximum priority,
// tie-breaking on lowest pending.
type PriorityOnlyStrategy struct{}

func (PriorityOnlyStrategy) Select(candidates []registry.Snapshot, _ *RoutingIntent) (registry.Snapshot, string, *float64) {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Priority > best.Priority || (c.Priority == best.Priority && c.Pending < best.Pending) {
			best = c
		}
	}
	return best, "priority_only", nil
}

// RandomStrategy selects uniformly at random.
type RandomStrategy struct{}

func (RandomStrategy) Select(candidates []registry.Snapshot, _ *RoutingIntent) (registry.Snapshot, string, *float64) {
	return candidates[rand.Intn(len(candidates))], "random", nil
}
