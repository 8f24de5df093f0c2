// Package quality maintains rolling per-backend quality signals consumed
// by the Quality reconciler and the Scheduler's Smart strategy (spec §4.3).
package quality

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is the immutable view exposed to readers; the tracker is the
// single writer, readers only ever see a Snapshot value copy.
type Snapshot struct {
	ErrorRate1h    float64
	AvgTTFTMs      float64
	SuccessRate24h float64
	RequestCount1h int
	LastFailureAt  time.Time
}

type backendState struct {
	mu       sync.Mutex
	outcomes *ring
	cached   atomic.Pointer[Snapshot]
}

// Tracker holds one ring buffer per backend and recomputes snapshots on a
// fixed interval.
type Tracker struct {
	mu       sync.RWMutex
	backends map[string]*backendState

	ringCapacity int
	interval     time.Duration
}

// defaultPeakRequestsPerSecond is used when the config value is unset or
// non-positive.
const defaultPeakRequestsPerSecond = 5

// New creates a Tracker. interval is how often recomputed snapshots are
// refreshed (config quality.metrics_interval_seconds, default 30s).
// peakRPS sizes each backend's ring buffer to cover 24h of history at that
// assumed peak rate (config quality.expected_peak_rps).
func New(interval time.Duration, peakRPS int) *Tracker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if peakRPS <= 0 {
		peakRPS = defaultPeakRequestsPerSecond
	}
	return &Tracker{
		backends:     make(map[string]*backendState),
		ringCapacity: peakRPS * 24 * 3600,
		interval:     interval,
	}
}

func (t *Tracker) stateFor(backendID string) *backendState {
	t.mu.RLock()
	s, ok := t.backends[backendID]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.backends[backendID]; ok {
		return s
	}
	s = &backendState{outcomes: newRing(t.ringCapacity)}
	s.cached.Store(&Snapshot{})
	t.backends[backendID] = s
	return s
}

// Record appends one request outcome for backendID. Safe for concurrent
// callers across different backends; serialized per backend.
func (t *Tracker) Record(backendID string, o Outcome) {
	s := t.stateFor(backendID)
	s.mu.Lock()
	s.outcomes.push(o)
	s.mu.Unlock()
}

// Snapshot returns the most recently recomputed snapshot for backendID.
// Never blocks on the ring buffer — it reads the cached, periodically
// refreshed value.
func (t *Tracker) Snapshot(backendID string) Snapshot {
	t.mu.RLock()
	s, ok := t.backends[backendID]
	t.mu.RUnlock()
	if !ok {
		return Snapshot{}
	}
	return *s.cached.Load()
}

// Recompute refreshes the cached snapshot for every known backend from its
// ring buffer. Called by the periodic loop (Run) but exported so callers
// can force a synchronous refresh in tests.
func (t *Tracker) Recompute(now time.Time) {
	t.mu.RLock()
	states := make(map[string]*backendState, len(t.backends))
	for id, s := range t.backends {
		states[id] = s
	}
	t.mu.RUnlock()

	for _, s := range states {
		s.mu.Lock()
		snap := computeSnapshot(s.outcomes, now)
		s.mu.Unlock()
		s.cached.Store(&snap)
	}
}

func computeSnapshot(r *ring, now time.Time) Snapshot {
	oneHourAgo := now.Add(-time.Hour)
	oneDayAgo := now.Add(-24 * time.Hour)

	var (
		count1h, success1h, successDay, countDay int
		ttftSum                                  int64
		ttftCount                                int
		lastFailure                              time.Time
	)

	r.forEach(func(o Outcome) {
		if o.Timestamp.Before(oneDayAgo) {
			return
		}
		countDay++
		if o.Success {
			successDay++
		} else if o.Timestamp.After(lastFailure) {
			lastFailure = o.Timestamp
		}
		if o.Timestamp.Before(oneHourAgo) {
			return
		}
		count1h++
		if o.Success {
			success1h++
			if o.TTFTMs > 0 {
				ttftSum += o.TTFTMs
				ttftCount++
			}
		}
	})

	snap := Snapshot{RequestCount1h: count1h, LastFailureAt: lastFailure}
	if count1h > 0 {
		snap.ErrorRate1h = float64(count1h-success1h) / float64(count1h)
	}
	if ttftCount > 0 {
		snap.AvgTTFTMs = float64(ttftSum) / float64(ttftCount)
	}
	if countDay > 0 {
		snap.SuccessRate24h = float64(successDay) / float64(countDay)
	}
	return snap
}

// Run blocks, recomputing snapshots on the configured interval, until stop
// is closed. Intended to be launched as one errgroup-supervised
// goroutine from cmd/nexus.
func (t *Tracker) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Recompute(time.Now())
		case <-stop:
			return
		}
	}
}
