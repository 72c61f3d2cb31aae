// Package monitoring exposes enrichment metrics to Prometheus and raises
// alerts from run history.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chenders/deadonfilm-sub007/internal/model"
)

const namespace = "deadonfilm"

// Metrics records attempts and items as Prometheus series. It implements
// enrich.Observer.
type Metrics struct {
	attempts *prometheus.CounterVec
	costs    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	items    *prometheus.CounterVec
	detailed prometheus.Counter

	// Window gauges are set from the checker's latest snapshot.
	windowRuns     *prometheus.GaugeVec
	windowFailRate prometheus.Gauge
	windowCost     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_attempts_total",
			Help:      "Source lookups by source and outcome.",
		}, []string{"source", "outcome"}),
		costs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_cost_usd_total",
			Help:      "Spend charged to each source in USD.",
		}, []string{"source"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_lookup_seconds",
			Help:      "Lookup latency per source, cache hits excluded.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Items processed by stop reason.",
		}, []string{"stop_reason"}),
		detailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_detailed_total",
			Help:      "Items whose narrative was published as detailed.",
		}),
		windowRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_runs",
			Help:      "Runs started inside the monitoring lookback window, by exit reason.",
		}, []string{"exit_reason"}),
		windowFailRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_item_fail_rate",
			Help:      "Share of processed items that failed inside the lookback window.",
		}),
		windowCost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_cost_usd",
			Help:      "Spend recorded by runs inside the lookback window.",
		}),
	}
	reg.MustRegister(m.attempts, m.costs, m.latency, m.items, m.detailed,
		m.windowRuns, m.windowFailRate, m.windowCost)
	return m
}

// ObserveAttempt records one source attempt.
func (m *Metrics) ObserveAttempt(a model.Attempt) {
	m.attempts.WithLabelValues(a.Source, outcome(a)).Inc()
	if a.CostUSD > 0 {
		m.costs.WithLabelValues(a.Source).Add(a.CostUSD)
	}
	if !a.Cached {
		m.latency.WithLabelValues(a.Source).Observe(float64(a.ElapsedMS) / 1000)
	}
}

// ObserveItem records one finished item.
func (m *Metrics) ObserveItem(res *model.EnrichmentResult) {
	m.items.WithLabelValues(string(res.StopReason)).Inc()
	if res.Detailed {
		m.detailed.Inc()
	}
}

// ObserveSnapshot publishes a run-history snapshot as window gauges.
func (m *Metrics) ObserveSnapshot(s *MetricsSnapshot) {
	m.windowRuns.WithLabelValues("running").Set(float64(s.RunsRunning))
	m.windowRuns.WithLabelValues(string(model.ExitCompleted)).Set(float64(s.RunsCompleted))
	m.windowRuns.WithLabelValues(string(model.ExitCostLimit)).Set(float64(s.RunsCostLimit))
	m.windowRuns.WithLabelValues(string(model.ExitInterrupted)).Set(float64(s.RunsInterrupted))
	m.windowRuns.WithLabelValues(string(model.ExitCircuitBreaker)).Set(float64(s.RunsCircuitBreaker))
	m.windowRuns.WithLabelValues(string(model.ExitError)).Set(float64(s.RunsErrored))
	m.windowFailRate.Set(s.ItemFailRate)
	m.windowCost.Set(s.CostUSD)
}

func outcome(a model.Attempt) string {
	switch {
	case a.Cached && a.Success:
		return "cache_hit"
	case a.Success:
		return "hit"
	case a.ErrorKind == model.ErrorMiss || a.ErrorKind == model.ErrorNone:
		return "miss"
	default:
		return string(a.ErrorKind)
	}
}

// Handler serves the metrics in g in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
