// Command nexus runs the gateway: it loads configuration, seeds the backend
// registry, and starts the health checker, quality tracker, request queue
// drain loop, and HTTP server as supervised goroutines (SPEC_FULL §5,
// grounded on the teacher's core/agent.go Start/Stop lifecycle).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nexus-gateway/nexus/internal/config"
	"github.com/nexus-gateway/nexus/internal/dispatch"
	"github.com/nexus-gateway/nexus/internal/events"
	"github.com/nexus-gateway/nexus/internal/handler"
	"github.com/nexus-gateway/nexus/internal/health"
	"github.com/nexus-gateway/nexus/internal/httpapi"
	"github.com/nexus-gateway/nexus/internal/logging"
	"github.com/nexus-gateway/nexus/internal/obs"
	"github.com/nexus-gateway/nexus/internal/pipeline"
	"github.com/nexus-gateway/nexus/internal/quality"
	"github.com/nexus-gateway/nexus/internal/queue"
	"github.com/nexus-gateway/nexus/internal/registry"
	"github.com/nexus-gateway/nexus/internal/routing"
)

func main() {
	configPath := flag.String("config", "", "path to nexus TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nexus: "+err.Error())
		os.Exit(1)
	}

	log := logging.New(logging.ParseLevel(cfg.Logging.Level), logging.Format(cfg.Logging.Format), cfg.Logging.ComponentLevels)

	bus := events.New()
	reg := registry.New(bus)
	if err := seedBackends(reg, cfg.Backends); err != nil {
		log.Error("failed to seed backends from config", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	qualityTracker := quality.New(time.Duration(cfg.Quality.MetricsIntervalSeconds)*time.Second, cfg.Quality.ExpectedPeakRPS)
	healthChecker := health.NewChecker(reg, log, time.Duration(cfg.Health.IntervalSeconds)*time.Second, time.Duration(cfg.Health.ProbeTimeoutSeconds)*time.Second)

	budgetSource := budgetUsageSource(cfg, log)

	p := pipeline.New(log,
		pipeline.Stage{Reconciler: &pipeline.RequestAnalyzer{Registry: reg, Aliases: cfg.Aliases, Fallbacks: cfg.Fallbacks, Policies: toPolicyMatches(cfg.Policies)}, Policy: pipeline.FailClosed},
		pipeline.Stage{Reconciler: pipeline.Privacy{}, Policy: pipeline.FailClosed},
		pipeline.Stage{Reconciler: &pipeline.Budget{CostPerToken: cfg.Budget.CostPerTokenByType, MonthlyLimitUSD: cfg.Budget.MonthlyLimitUSD, UsageSource: budgetSource}, Policy: pipeline.FailOpen},
		pipeline.Stage{Reconciler: pipeline.Capability{}, Policy: pipeline.FailOpen},
		pipeline.Stage{Reconciler: &pipeline.Quality{Tracker: qualityTracker, Threshold: cfg.Quality.ErrorRateThreshold}, Policy: pipeline.FailOpen},
		pipeline.Stage{Reconciler: &pipeline.Scheduler{
			Strategy:         buildStrategy(cfg.Routing.Strategy, cfg.Routing.Scoring, qualityTracker),
			QueueEnabled:     cfg.Queue.Enabled && cfg.Queue.MaxSize > 0,
			QueueMaxWaitSecs: cfg.Queue.MaxWaitSeconds,
		}, Policy: pipeline.FailClosed},
	)

	var q *queue.Queue
	if cfg.Queue.Enabled && cfg.Queue.MaxSize > 0 {
		q = queue.New(queue.Config{MaxSize: cfg.Queue.MaxSize, MaxWaitSeconds: cfg.Queue.MaxWaitSeconds}, p.Run, log)
	}

	h := &handler.Handler{
		Pipeline:   p,
		Registry:   reg,
		Quality:    qualityTracker,
		Queue:      q,
		Dispatcher: dispatch.New(0),
		Log:        log,
		MaxRetries: cfg.Routing.MaxRetries,
	}

	metrics, err := obs.New()
	if err != nil {
		log.Error("failed to initialize metrics provider", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	registerGauges(metrics, reg, q)

	broadcaster := events.NewWebSocketBroadcaster(bus, log)
	defer broadcaster.Close()
	srv := httpapi.NewServer(h, reg, httpapi.StatusReporter{Registry: reg, Queue: q}, log, cfg.Logging.Level == "debug", broadcaster)

	mux := http.NewServeMux()
	mux.Handle("/", srv.WrappedHandler())
	mux.Handle("/metrics", metrics.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)
	stopCh := make(chan struct{})

	group.Go(func() error {
		healthChecker.Run(stopCh)
		return nil
	})
	group.Go(func() error {
		qualityTracker.Run(stopCh)
		return nil
	})
	if q != nil {
		group.Go(func() error {
			q.Run(gctx)
			return nil
		})
	}
	group.Go(func() error {
		log.Info("nexus listening", map[string]interface{}{"addr": addr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	<-gctx.Done()
	log.Info("shutting down", nil)
	close(stopCh)
	if q != nil {
		q.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", map[string]interface{}{"error": err.Error()})
	}
	metrics.Shutdown(shutdownCtx)

	if err := group.Wait(); err != nil {
		log.Error("nexus exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

// seedBackends registers every statically-configured backend (SPEC_FULL §5
// "Static backend seeding from config").
func seedBackends(reg *registry.Registry, backends []config.BackendConfig) error {
	for _, b := range backends {
		backend := registry.Backend{
			ID:              b.ID,
			Name:            b.Name,
			URL:             b.URL,
			Type:            registry.BackendType(b.Type),
			DiscoverySource: registry.DiscoveryStatic,
			Priority:        b.Priority,
			APIKeyEnv:       b.APIKeyEnv,
			Zone:            parseZone(b.Zone),
			MaxPending:      b.MaxPending,
		}
		if b.CapabilityTier != nil {
			backend.CapabilityTier = &registry.CapabilityTier{
				Reasoning:     b.CapabilityTier.Reasoning,
				Coding:        b.CapabilityTier.Coding,
				ContextWindow: b.CapabilityTier.ContextWindow,
				Vision:        b.CapabilityTier.Vision,
				Tools:         b.CapabilityTier.Tools,
			}
		}
		if _, err := reg.AddBackend(backend); err != nil {
			return fmt.Errorf("seed backend %q: %w", b.ID, err)
		}
	}
	return nil
}

func parseZone(s string) registry.Zone {
	switch {
	case s == "" || s == "restricted":
		return registry.Zone{Kind: registry.ZoneRestricted}
	case s == "open":
		return registry.Zone{Kind: registry.ZoneOpen}
	case len(s) > 5 && s[:5] == "zone:":
		return registry.Zone{Kind: registry.ZoneNamed, Name: s[5:]}
	default:
		return registry.Zone{Kind: registry.ZoneRestricted}
	}
}

func toPolicyMatches(policies map[string]config.PolicyConfig) map[string]routing.PolicyMatch {
	out := make(map[string]routing.PolicyMatch, len(policies))
	for pattern, p := range policies {
		out[pattern] = routing.PolicyMatch{
			Pattern:          pattern,
			Privacy:          p.Privacy,
			MinReasoning:     p.MinReasoning,
			MinCoding:        p.MinCoding,
			MinContextWindow: p.MinContextWindow,
			VisionRequired:   p.VisionRequired,
			ToolsRequired:    p.ToolsRequired,
			OverflowMode:     p.OverflowMode,
		}
	}
	return out
}

func buildStrategy(name string, weights config.ScoringWeights, tracker pipeline.QualitySource) pipeline.Strategy {
	switch name {
	case "round_robin":
		return &pipeline.RoundRobinStrategy{}
	case "priority_only":
		return pipeline.PriorityOnlyStrategy{}
	case "random":
		return pipeline.RandomStrategy{}
	default:
		return &pipeline.SmartStrategy{
			Weights: pipeline.ScoringWeights{
				Priority:    weights.Priority,
				Load:        weights.Load,
				Latency:     weights.Latency,
				TTFT:        weights.TTFT,
				BudgetBoost: weights.BudgetBoost,
			},
			Tracker: tracker,
		}
	}
}

// budgetUsageSource wires the optional Redis-backed usage signal when
// configured; the Budget reconciler fails open to ZeroUsageSource otherwise.
func budgetUsageSource(cfg *config.Config, log logging.Logger) pipeline.UsageSource {
	if cfg.Budget.UsageSourceRedisURL == "" {
		return nil
	}
	src, err := pipeline.NewRedisUsageSource(cfg.Budget.UsageSourceRedisURL, "nexus:budget")
	if err != nil {
		log.Warn("failed to connect budget usage source, falling back to zero usage", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return src
}

// registerGauges wires registry/queue depth into obs's pull-based Prometheus
// gauges (SPEC_FULL §4.7/§2 metrics).
func registerGauges(metrics *obs.Provider, reg *registry.Registry, q *queue.Queue) {
	metrics.RegisterGauge(obs.MetricBackendPending, func() float64 {
		var total float64
		for _, b := range reg.AllBackends() {
			total += float64(b.Pending)
		}
		return total
	})
	if q != nil {
		metrics.RegisterGauge(obs.MetricQueueDepth, func() float64 {
			high, normal := q.Depth()
			return float64(high + normal)
		})
	}
}
