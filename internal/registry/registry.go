package registry

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-gateway/nexus/internal/events"
	"github.com/nexus-gateway/nexus/internal/gatewayerrors"
)

const ewmaAlpha = 0.2

// entry is the registry's mutable per-backend record. status/reason/models/
// timestamps are guarded by mu so status transitions are serialized per
// backend id (§4.1 invariant); pending uses its own atomic so the hot
// inc/dec path never contends with the probe/status path.
type entry struct {
	mu      sync.Mutex
	backend Backend
	pending int64

	status        Status
	reason        string
	lastProbeAt   time.Time
	lastFailureAt time.Time
	ewmaLatencyMs float64
	models        map[string]Model
}

func (e *entry) snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	models := make([]Model, 0, len(e.models))
	for _, m := range e.models {
		models = append(models, m)
	}
	return Snapshot{
		Backend:       e.backend,
		Status:        e.status,
		Reason:        e.reason,
		LastProbeAt:   e.lastProbeAt,
		LastFailureAt: e.lastFailureAt,
		Pending:       atomic.LoadInt64(&e.pending),
		EWMALatencyMs: e.ewmaLatencyMs,
		Models:        models,
	}
}

// Registry is the authoritative in-memory backend/model store (§4.1).
type Registry struct {
	mu         sync.RWMutex
	backends   map[string]*entry
	byURL      map[string]string // normalized url -> id
	modelIndex map[string]map[string]struct{}
	mdnsIndex  map[string]string // instance -> id
	bus        *events.Bus
}

// New creates an empty registry. bus may be nil, in which case events are
// dropped (useful in tests that don't care about the event feed).
func New(bus *events.Bus) *Registry {
	return &Registry{
		backends:   make(map[string]*entry),
		byURL:      make(map[string]string),
		modelIndex: make(map[string]map[string]struct{}),
		mdnsIndex:  make(map[string]string),
		bus:        bus,
	}
}

func normalizeURL(url string) string {
	return strings.TrimSuffix(url, "/")
}

// AddBackend inserts backend, initializing runtime state (status=Unknown,
// pending=0, EWMA=0). Idempotent against URL for discovery-sourced inserts:
// a duplicate URL from DiscoveryMDNS/DiscoveryManual returns the existing
// id instead of erroring, per §4.1.
func (r *Registry) AddBackend(b Backend) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[b.ID]; exists {
		return "", gatewayerrors.New("registry.AddBackend", gatewayerrors.KindInternalInvariant, b.ID, "duplicate backend id", gatewayerrors.ErrDuplicateID)
	}

	normalized := normalizeURL(b.URL)
	if existingID, exists := r.byURL[normalized]; exists {
		if b.DiscoverySource == DiscoveryMDNS || b.DiscoverySource == DiscoveryManual {
			return existingID, nil
		}
		return "", gatewayerrors.New("registry.AddBackend", gatewayerrors.KindInternalInvariant, b.ID, "duplicate backend url", gatewayerrors.ErrDuplicateURL)
	}

	e := &entry{
		backend: b,
		status:  StatusUnknown,
		models:  make(map[string]Model),
	}
	r.backends[b.ID] = e
	r.byURL[normalized] = b.ID
	if b.MDNSInstance != "" {
		r.mdnsIndex[b.MDNSInstance] = b.ID
	}
	return b.ID, nil
}

// RemoveBackend deletes the backend and its model index entries. In-flight
// requests holding a stale snapshot are unaffected; only new dispatches are
// prevented.
func (r *Registry) RemoveBackend(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.backends[id]
	if !ok {
		return
	}
	delete(r.backends, id)
	delete(r.byURL, normalizeURL(e.backend.URL))
	if e.backend.MDNSInstance != "" {
		delete(r.mdnsIndex, e.backend.MDNSInstance)
	}
	e.mu.Lock()
	for modelID := range e.models {
		r.removeFromIndexLocked(modelID, id)
	}
	e.mu.Unlock()
}

// GetBackend returns a lock-free, consistent snapshot of one backend.
func (r *Registry) GetBackend(id string) (Snapshot, bool) {
	r.mu.RLock()
	e, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// HasBackendURL reports whether url (normalized) is already registered.
func (r *Registry) HasBackendURL(url string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byURL[normalizeURL(url)]
	return ok
}

// AllBackends returns snapshots of every registered backend (used by
// /nexus/status and by the FallbackChain candidate lookup).
func (r *Registry) AllBackends() []Snapshot {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.backends))
	for _, e := range r.backends {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// removeFromIndexLocked removes (modelID, backendID) from modelIndex. r.mu
// must be held for writing.
func (r *Registry) removeFromIndexLocked(modelID, backendID string) {
	set, ok := r.modelIndex[modelID]
	if !ok {
		return
	}
	delete(set, backendID)
	if len(set) == 0 {
		delete(r.modelIndex, modelID)
	}
}

// UpdateModels atomically replaces a backend's model list and recomputes
// the ModelIndex diff, emitting ModelChange events for any net change.
func (r *Registry) UpdateModels(id string, models []Model) error {
	r.mu.Lock()
	e, ok := r.backends[id]
	if !ok {
		r.mu.Unlock()
		return gatewayerrors.New("registry.UpdateModels", gatewayerrors.KindInternalInvariant, id, "backend not found", gatewayerrors.ErrBackendNotFound)
	}

	e.mu.Lock()
	next := make(map[string]Model, len(models))
	for _, m := range models {
		next[m.ID] = m
	}

	var added, removed []string
	for modelID := range next {
		if _, existed := e.models[modelID]; !existed {
			added = append(added, modelID)
		}
	}
	for modelID := range e.models {
		if _, stillThere := next[modelID]; !stillThere {
			removed = append(removed, modelID)
		}
	}
	e.models = next
	e.lastProbeAt = time.Now()

	for _, modelID := range added {
		if r.modelIndex[modelID] == nil {
			r.modelIndex[modelID] = make(map[string]struct{})
		}
		r.modelIndex[modelID][id] = struct{}{}
	}
	for _, modelID := range removed {
		r.removeFromIndexLocked(modelID, id)
	}
	e.mu.Unlock()
	r.mu.Unlock()

	if r.bus != nil {
		now := time.Now()
		for _, modelID := range added {
			r.bus.PublishModelChange(events.ModelChangeEvent{BackendID: id, ModelID: modelID, Added: true, At: now})
		}
		for _, modelID := range removed {
			r.bus.PublishModelChange(events.ModelChangeEvent{BackendID: id, ModelID: modelID, Added: false, At: now})
		}
	}
	return nil
}

// UpdateStatus transitions a backend's health state and publishes a
// BackendStatus event.
func (r *Registry) UpdateStatus(id string, status Status, reason string) error {
	r.mu.RLock()
	e, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return gatewayerrors.New("registry.UpdateStatus", gatewayerrors.KindInternalInvariant, id, "backend not found", gatewayerrors.ErrBackendNotFound)
	}

	e.mu.Lock()
	e.status = status
	e.reason = reason
	if status == StatusUnhealthy {
		e.lastFailureAt = time.Now()
	}
	e.mu.Unlock()

	if r.bus != nil {
		r.bus.PublishBackendStatus(events.BackendStatusEvent{BackendID: id, Status: string(status), Reason: reason, At: time.Now()})
	}
	return nil
}

// BackendsForModel returns snapshots of every backend currently carrying
// modelID, via an O(1) index lookup followed by snapshot construction.
func (r *Registry) BackendsForModel(modelID string) []Snapshot {
	r.mu.RLock()
	set, ok := r.modelIndex[modelID]
	if !ok {
		r.mu.RUnlock()
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	entries := make([]*entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.backends[id]; ok {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// MarkMDNSInstance associates an mDNS instance name with id, for later
// reverse lookup on removal.
func (r *Registry) MarkMDNSInstance(id, instance string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.backends[id]
	if !ok {
		return gatewayerrors.New("registry.MarkMDNSInstance", gatewayerrors.KindInternalInvariant, id, "backend not found", gatewayerrors.ErrBackendNotFound)
	}
	e.backend.MDNSInstance = instance
	r.mdnsIndex[instance] = id
	return nil
}

// FindByMDNSInstance is the reverse lookup used by discovery removal.
func (r *Registry) FindByMDNSInstance(instance string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.mdnsIndex[instance]
	return id, ok
}

// IncPending atomically increments a backend's in-flight request counter.
// No-op if the backend has since been removed.
func (r *Registry) IncPending(id string) {
	r.mu.RLock()
	e, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	atomic.AddInt64(&e.pending, 1)
}

// DecPending atomically decrements a backend's in-flight request counter.
// Safe to call even if the backend has since been removed (no-op), and
// must be called exactly once per successful IncPending including on
// failure paths.
func (r *Registry) DecPending(id string) {
	r.mu.RLock()
	e, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	atomic.AddInt64(&e.pending, -1)
}

// RecordLatency updates a backend's EWMA latency with smoothing constant
// alpha ~= 0.2.
func (r *Registry) RecordLatency(id string, ms float64) {
	r.mu.RLock()
	e, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.ewmaLatencyMs == 0 {
		e.ewmaLatencyMs = ms
	} else {
		e.ewmaLatencyMs = ewmaAlpha*ms + (1-ewmaAlpha)*e.ewmaLatencyMs
	}
	e.mu.Unlock()
}
