package obs_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexus-gateway/nexus/internal/obs"
)

func TestProviderExposesCountersOnMetricsEndpoint(t *testing.T) {
	p, err := obs.New()
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	p.IncCounter(context.Background(), obs.MetricRequestsTotal, "outcome", "success")
	p.RecordDuration(context.Background(), obs.MetricRequestDuration, 42.5, "backend", "b1")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	require.Contains(t, w.Body.String(), strings.ReplaceAll(obs.MetricRequestsTotal, ".", "_"))
}

func TestRegisterGaugeReportsLiveValue(t *testing.T) {
	p, err := obs.New()
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	depth := 3.0
	require.NoError(t, p.RegisterGauge(obs.MetricQueueDepth, func() float64 { return depth }))

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	require.Contains(t, w.Body.String(), strings.ReplaceAll(obs.MetricQueueDepth, ".", "_"))
}
