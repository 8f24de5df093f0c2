package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/nexus-gateway/nexus/internal/logging"
	"github.com/nexus-gateway/nexus/internal/registry"
)

// Checker runs the periodic probe loop described in spec §4.2.
type Checker struct {
	reg      *registry.Registry
	log      logging.Logger
	interval time.Duration
	client   *http.Client

	proberFor func(registry.BackendType) CatalogProber
}

// NewChecker builds a Checker. interval is config health.interval_seconds
// (default 30s); probeTimeout is config health.probe_timeout_seconds
// (default 5s).
func NewChecker(reg *registry.Registry, log logging.Logger, interval, probeTimeout time.Duration) *Checker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	client := NewHTTPClient(probeTimeout)
	return &Checker{
		reg:      reg,
		log:      log.WithComponent("health"),
		interval: interval,
		client:   client,
		proberFor: func(t registry.BackendType) CatalogProber {
			return NewProberFor(t, client)
		},
	}
}

// drainDeadline bounds how long Run waits for in-flight probes to finish
// after cancellation, per spec §4.2 "bounded drain deadline".
const drainDeadline = 10 * time.Second

// Run loops until stop is closed, probing every backend on each tick. The
// loop itself never blocks on an individual probe failure; a shared
// cancellation signal stops it at the next safe point (between ticks) and
// the final in-flight round is awaited with a bounded deadline.
func (c *Checker) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.probeAll(stop)
		case <-stop:
			return
		}
	}
}

// probeAll runs one round of probes across all backends concurrently and
// waits for the round to finish (bounded by drainDeadline so a hung probe
// can't stall the loop indefinitely past the next tick).
func (c *Checker) probeAll(stop <-chan struct{}) {
	backends := c.reg.AllBackends()
	if len(backends) == 0 {
		return
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(b registry.Snapshot) {
			defer wg.Done()
			c.probeOne(b)
		}(b)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainDeadline):
		c.log.Warn("probe round did not finish within drain deadline", map[string]interface{}{"deadline_ms": drainDeadline.Milliseconds()})
	case <-stop:
		select {
		case <-done:
		case <-time.After(drainDeadline):
		}
	}
}

func (c *Checker) probeOne(backend registry.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), c.client.Timeout)
	defer cancel()

	prober := c.proberFor(backend.Type)
	models, err := prober.ProbeCatalog(ctx, backend)
	if err != nil {
		c.markUnhealthy(backend.ID, err)
		return
	}

	if updateErr := c.reg.UpdateModels(backend.ID, models); updateErr != nil {
		c.log.Warn("update_models failed after successful probe", map[string]interface{}{"backend": backend.ID, "error": updateErr.Error()})
	}
	if updateErr := c.reg.UpdateStatus(backend.ID, registry.StatusHealthy, ""); updateErr != nil {
		c.log.Warn("update_status failed after successful probe", map[string]interface{}{"backend": backend.ID, "error": updateErr.Error()})
	}
}

func (c *Checker) markUnhealthy(backendID string, probeErr error) {
	reason := classifyError(probeErr)
	if err := c.reg.UpdateStatus(backendID, registry.StatusUnhealthy, reason); err != nil {
		c.log.Warn("update_status failed after probe failure", map[string]interface{}{"backend": backendID, "error": err.Error()})
	}
	c.log.Debug("catalog probe failed", map[string]interface{}{"backend": backendID, "reason": reason})
}

func classifyError(err error) string {
	if err == nil {
		return ""
	}
	if context.DeadlineExceeded == err {
		return "probe_timeout"
	}
	return err.Error()
}
