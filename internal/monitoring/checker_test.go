package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenders/deadonfilm-sub007/internal/config"
	"github.com/chenders/deadonfilm-sub007/internal/model"
)

func newTestChecker(runs *mockRuns, metrics *Metrics, cfg config.MonitoringConfig) *Checker {
	collector := NewCollector(runs)
	collector.now = func() time.Time { return fixedNow }
	return NewChecker(collector, NewAlerter(cfg), metrics, cfg)
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	runs := &mockRuns{}
	checker := newTestChecker(runs, nil, config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		CheckIntervalSecs:    1,
		LookbackWindowHours:  24,
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
	assert.NotEmpty(t, runs.filters, "first check runs without waiting for the ticker")
}

func TestChecker_CancelledBeforeStart(t *testing.T) {
	runs := &mockRuns{}
	checker := newTestChecker(runs, nil, config.MonitoringConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
	assert.Empty(t, runs.filters)
}

func TestChecker_CollectError(t *testing.T) {
	runs := &mockRuns{listErr: assert.AnError}
	checker := newTestChecker(runs, nil, config.MonitoringConfig{LookbackWindowHours: 6})
	assert.Nil(t, checker.check(context.Background(), zapNop()))
	require.Len(t, runs.filters, 1)
	assert.Equal(t, fixedNow.Add(-6*time.Hour), runs.filters[0].Since)
}

func TestChecker_AlertsOnlyWhenNewlyFiring(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tripped := testRun(model.ExitCircuitBreaker, time.Hour, model.RunCounters{Processed: 3, Failed: 3}, nil)
	runs := &mockRuns{runs: []model.Run{tripped}}
	checker := newTestChecker(runs, nil, config.MonitoringConfig{
		WebhookURL:           srv.URL,
		FailureRateThreshold: 0.5,
		LookbackWindowHours:  24,
	})
	ctx := context.Background()

	sent := checker.check(ctx, zapNop())
	require.Len(t, sent, 1)
	assert.Equal(t, AlertCircuitBreaker, sent[0].Type)
	assert.Equal(t, int32(1), posts.Load())

	// Same breaker run still in the window: no repeat page.
	assert.Empty(t, checker.check(ctx, zapNop()))
	assert.Equal(t, int32(1), posts.Load())

	// The run ages out, the alert clears, and a new trip pages again.
	runs.runs = nil
	assert.Empty(t, checker.check(ctx, zapNop()))
	runs.runs = []model.Run{tripped}
	assert.Len(t, checker.check(ctx, zapNop()), 1)
	assert.Equal(t, int32(2), posts.Load())
}

func TestChecker_PublishesWindowGauges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	runs := &mockRuns{runs: []model.Run{
		testRun(model.ExitCompleted, time.Hour, model.RunCounters{Processed: 10, Enriched: 8, Failed: 2}, map[string]float64{"search": 0.5}),
		testRun(model.ExitCircuitBreaker, 2*time.Hour, model.RunCounters{Processed: 10, Failed: 3}, map[string]float64{"claude": 0.25}),
	}}
	checker := newTestChecker(runs, m, config.MonitoringConfig{LookbackWindowHours: 24, FailureRateThreshold: 0.9})

	checker.check(context.Background(), zapNop())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.windowRuns.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.windowRuns.WithLabelValues("circuit_breaker")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.windowRuns.WithLabelValues("cost_limit")))
	assert.InDelta(t, 0.25, testutil.ToFloat64(m.windowFailRate), 1e-9)
	assert.InDelta(t, 0.75, testutil.ToFloat64(m.windowCost), 1e-9)
}
