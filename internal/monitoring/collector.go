package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/internal/store"
)

// MetricsSnapshot holds a point-in-time view of enrichment health.
type MetricsSnapshot struct {
	// Runs within the lookback window, by exit reason.
	RunsTotal          int `json:"runs_total"`
	RunsRunning        int `json:"runs_running"`
	RunsCompleted      int `json:"runs_completed"`
	RunsCostLimit      int `json:"runs_cost_limit"`
	RunsInterrupted    int `json:"runs_interrupted"`
	RunsCircuitBreaker int `json:"runs_circuit_breaker"`
	RunsErrored        int `json:"runs_errored"`

	// Items across those runs.
	ItemsProcessed         int     `json:"items_processed"`
	ItemsEnriched          int     `json:"items_enriched"`
	ItemsFailed            int     `json:"items_failed"`
	ItemsPermanentlyFailed int     `json:"items_permanently_failed"`
	ItemFailRate           float64 `json:"item_fail_rate"`

	CostUSD      float64            `json:"cost_usd"`
	CostBySource map[string]float64 `json:"cost_by_source"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the store query the collector needs.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// Collector gathers metrics from run history.
type Collector struct {
	runs RunLister
	now  func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window. A window of
// zero or less covers all history.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
		CostBySource:  map[string]float64{},
	}

	filter := store.RunFilter{Limit: 10000}
	if lookbackHours > 0 {
		filter.Since = now.Add(-time.Duration(lookbackHours) * time.Hour)
	}
	runs, err := c.runs.ListRuns(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	for _, r := range runs {
		if r.Status == model.RunStatusRunning {
			snap.RunsRunning++
		}
		switch r.ExitReason {
		case model.ExitCompleted:
			snap.RunsCompleted++
		case model.ExitCostLimit:
			snap.RunsCostLimit++
		case model.ExitInterrupted:
			snap.RunsInterrupted++
		case model.ExitCircuitBreaker:
			snap.RunsCircuitBreaker++
		case model.ExitError:
			snap.RunsErrored++
		}

		snap.ItemsProcessed += r.Counters.Processed
		snap.ItemsEnriched += r.Counters.Enriched
		snap.ItemsFailed += r.Counters.Failed
		snap.ItemsPermanentlyFailed += r.Counters.PermanentlyFailed
		snap.CostUSD += r.TotalCostUSD
		for src, usd := range r.CostBySource {
			snap.CostBySource[src] += usd
		}
	}

	if snap.ItemsProcessed > 0 {
		snap.ItemFailRate = float64(snap.ItemsFailed) / float64(snap.ItemsProcessed)
	}
	return snap, nil
}
