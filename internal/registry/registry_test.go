package registry_test

import (
	"sync"
	"testing"

	"github.com/nexus-gateway/nexus/internal/registry"
)

func TestAddBackendRejectsDuplicateID(t *testing.T) {
	r := registry.New(nil)
	b := registry.Backend{ID: "a", URL: "http://a", DiscoverySource: registry.DiscoveryStatic}
	if _, err := r.AddBackend(b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.AddBackend(b); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestAddBackendDuplicateURLFromDiscoveryReturnsExistingID(t *testing.T) {
	r := registry.New(nil)
	first := registry.Backend{ID: "a", URL: "http://host/", DiscoverySource: registry.DiscoveryStatic}
	if _, err := r.AddBackend(first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	discovered := registry.Backend{ID: "b", URL: "http://host", DiscoverySource: registry.DiscoveryMDNS}
	id, err := r.AddBackend(discovered)
	if err != nil {
		t.Fatalf("unexpected error from discovery duplicate: %v", err)
	}
	if id != "a" {
		t.Errorf("expected existing id 'a', got %q", id)
	}
}

func TestAddBackendDuplicateURLFromStaticFails(t *testing.T) {
	r := registry.New(nil)
	first := registry.Backend{ID: "a", URL: "http://host", DiscoverySource: registry.DiscoveryStatic}
	if _, err := r.AddBackend(first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := registry.Backend{ID: "b", URL: "http://host/", DiscoverySource: registry.DiscoveryStatic}
	if _, err := r.AddBackend(second); err == nil {
		t.Fatal("expected duplicate url error for static add")
	}
}

func TestUpdateModelsMaintainsIndex(t *testing.T) {
	r := registry.New(nil)
	r.AddBackend(registry.Backend{ID: "a", URL: "http://a"})
	r.AddBackend(registry.Backend{ID: "b", URL: "http://b"})

	r.UpdateModels("a", []registry.Model{{ID: "llama3"}})
	r.UpdateModels("b", []registry.Model{{ID: "llama3"}})

	snaps := r.BackendsForModel("llama3")
	if len(snaps) != 2 {
		t.Fatalf("expected 2 backends for llama3, got %d", len(snaps))
	}

	// removing llama3 from a should shrink the index to just b.
	r.UpdateModels("a", nil)
	snaps = r.BackendsForModel("llama3")
	if len(snaps) != 1 || snaps[0].ID != "b" {
		t.Fatalf("expected only b to remain, got %+v", snaps)
	}
}

func TestRemoveBackendClearsModelIndex(t *testing.T) {
	r := registry.New(nil)
	r.AddBackend(registry.Backend{ID: "a", URL: "http://a"})
	r.UpdateModels("a", []registry.Model{{ID: "llama3"}})

	r.RemoveBackend("a")

	if _, ok := r.GetBackend("a"); ok {
		t.Fatal("expected backend to be gone")
	}
	if snaps := r.BackendsForModel("llama3"); len(snaps) != 0 {
		t.Fatalf("expected model index to be cleared, got %+v", snaps)
	}
}

func TestPendingNeverGoesNegativeAndBalances(t *testing.T) {
	r := registry.New(nil)
	r.AddBackend(registry.Backend{ID: "a", URL: "http://a"})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.IncPending("a")
			r.DecPending("a")
		}()
	}
	wg.Wait()

	snap, _ := r.GetBackend("a")
	if snap.Pending != 0 {
		t.Errorf("expected pending to settle at 0, got %d", snap.Pending)
	}
}

func TestDecPendingOnRemovedBackendIsNoOp(t *testing.T) {
	r := registry.New(nil)
	r.AddBackend(registry.Backend{ID: "a", URL: "http://a"})
	r.IncPending("a")
	r.RemoveBackend("a")
	r.DecPending("a") // must not panic
}

func TestUpdateStatusTransitions(t *testing.T) {
	r := registry.New(nil)
	r.AddBackend(registry.Backend{ID: "a", URL: "http://a"})

	snap, _ := r.GetBackend("a")
	if snap.Status != registry.StatusUnknown {
		t.Fatalf("expected initial status Unknown, got %v", snap.Status)
	}

	if err := r.UpdateStatus("a", registry.StatusHealthy, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap, _ = r.GetBackend("a")
	if snap.Status != registry.StatusHealthy {
		t.Errorf("expected Healthy, got %v", snap.Status)
	}
}

func TestRecordLatencyEWMA(t *testing.T) {
	r := registry.New(nil)
	r.AddBackend(registry.Backend{ID: "a", URL: "http://a"})

	r.RecordLatency("a", 100)
	snap, _ := r.GetBackend("a")
	if snap.EWMALatencyMs != 100 {
		t.Fatalf("expected first observation to seed EWMA, got %v", snap.EWMALatencyMs)
	}

	r.RecordLatency("a", 200)
	snap, _ = r.GetBackend("a")
	want := 0.2*200 + 0.8*100
	if snap.EWMALatencyMs != want {
		t.Errorf("expected EWMA %v, got %v", want, snap.EWMALatencyMs)
	}
}

func TestHasBackendURLNormalizesTrailingSlash(t *testing.T) {
	r := registry.New(nil)
	r.AddBackend(registry.Backend{ID: "a", URL: "http://host/"})
	if !r.HasBackendURL("http://host") {
		t.Error("expected trailing-slash-normalized match")
	}
}
