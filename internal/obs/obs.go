// Package obs is nexus's metrics surface: an OpenTelemetry Meter backed by
// the Prometheus exporter, exposed at /metrics. It caches instruments the
// way the teacher's telemetry.MetricInstruments does, scoped to the
// counters/histograms/gauges the gateway itself needs (request outcomes,
// dispatch latency, queue depth, backend health) rather than the teacher's
// generic agent-lifecycle metric set.
package obs

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics name constants, grouped by subsystem.
const (
	MetricRequestsTotal   = "nexus.requests.total"
	MetricRequestDuration = "nexus.requests.duration_ms"
	MetricBackendLatency  = "nexus.backend.latency_ms"
	MetricBackendTTFT     = "nexus.backend.ttft_ms"
	MetricBackendPending  = "nexus.backend.pending"
	MetricBackendHealth   = "nexus.backend.health"
	MetricQueueDepth      = "nexus.queue.depth"
	MetricQueueTimeouts   = "nexus.queue.timeouts"
	MetricRetries         = "nexus.requests.retries"
	MetricRejections      = "nexus.requests.rejections"
)

// Provider owns the OTel MeterProvider wired to a Prometheus registry and a
// small set of cached instruments the gateway records against.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter

	mu         sync.RWMutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// New builds a Provider with a Prometheus exporter registered as the
// MeterProvider's reader (pull-based, matching /metrics semantics, unlike
// the teacher's push-based OTLP periodic reader).
func New() (*Provider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("obs: create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return &Provider{
		meterProvider: mp,
		meter:         mp.Meter("nexus-gateway"),
		counters:      make(map[string]metric.Int64Counter),
		histograms:    make(map[string]metric.Float64Histogram),
	}, nil
}

// Handler returns the /metrics HTTP handler serving the default Prometheus
// registry the exporter registered against.
func (p *Provider) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.meterProvider.Shutdown(ctx)
}

func (p *Provider) counter(name string) metric.Int64Counter {
	p.mu.RLock()
	c, ok := p.counters[name]
	p.mu.RUnlock()
	if ok {
		return c
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok = p.counters[name]; ok {
		return c
	}
	c, _ = p.meter.Int64Counter(name)
	p.counters[name] = c
	return c
}

func (p *Provider) histogram(name string) metric.Float64Histogram {
	p.mu.RLock()
	h, ok := p.histograms[name]
	p.mu.RUnlock()
	if ok {
		return h
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok = p.histograms[name]; ok {
		return h
	}
	h, _ = p.meter.Float64Histogram(name)
	p.histograms[name] = h
	return h
}

// IncCounter increments a named counter with optional attribute pairs
// (k1, v1, k2, v2, ...).
func (p *Provider) IncCounter(ctx context.Context, name string, attrs ...string) {
	p.counter(name).Add(ctx, 1, metric.WithAttributes(toAttributes(attrs)...))
}

// RecordDuration records a millisecond duration in a named histogram.
func (p *Provider) RecordDuration(ctx context.Context, name string, ms float64, attrs ...string) {
	p.histogram(name).Record(ctx, ms, metric.WithAttributes(toAttributes(attrs)...))
}

func toAttributes(kv []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	return attrs
}

// RegisterGauge registers an observable gauge; read reports its current
// value at every /metrics scrape. This is the same deferred-read pattern as
// the teacher's MetricInstruments.RegisterGauge — obs polls the
// registry/queue live at collection time, it never caches their state.
func (p *Provider) RegisterGauge(name string, read func() float64, attrs ...string) error {
	attributes := toAttributes(attrs)
	gauge, err := p.meter.Float64ObservableGauge(name)
	if err != nil {
		return fmt.Errorf("obs: create gauge %s: %w", name, err)
	}
	_, err = p.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveFloat64(gauge, read(), metric.WithAttributes(attributes...))
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("obs: register gauge callback %s: %w", name, err)
	}
	return nil
}
