package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chenders/deadonfilm-sub007/internal/config"
)

// Checker watches run history in the background. Each tick collects a
// snapshot over the lookback window, publishes it as gauges and sends the
// alerts that fired since the previous tick.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	metrics   *Metrics // nil skips gauge publishing
	cfg       config.MonitoringConfig

	// firing holds the alert types raised on the last tick. A type is sent
	// again only after a tick where it cleared.
	firing map[AlertType]bool
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, metrics *Metrics, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		metrics:   metrics,
		cfg:       cfg,
		firing:    map[AlertType]bool{},
	}
}

// Run checks once immediately, then on every interval until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("monitoring: watching run history",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	if ctx.Err() == nil {
		c.check(ctx, log)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("monitoring: checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

// check runs one tick and returns the alerts it sent.
func (c *Checker) check(ctx context.Context, log *zap.Logger) []Alert {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: collect run history", zap.Error(err))
		return nil
	}
	if c.metrics != nil {
		c.metrics.ObserveSnapshot(snap)
	}

	log.Info("monitoring: run window",
		zap.Int("runs", snap.RunsTotal),
		zap.Int("running", snap.RunsRunning),
		zap.Int("circuit_breaker_runs", snap.RunsCircuitBreaker),
		zap.Int("cost_limit_runs", snap.RunsCostLimit),
		zap.Int("items_processed", snap.ItemsProcessed),
		zap.Float64("item_fail_rate", snap.ItemFailRate),
		zap.Float64("cost_usd", snap.CostUSD),
	)

	fired := c.alerter.Evaluate(snap)
	now := make(map[AlertType]bool, len(fired))
	var fresh []Alert
	for _, a := range fired {
		now[a.Type] = true
		if !c.firing[a.Type] {
			fresh = append(fresh, a)
		}
	}
	for t := range c.firing {
		if !now[t] {
			log.Info("monitoring: alert cleared", zap.String("type", string(t)))
		}
	}
	c.firing = now

	if len(fresh) == 0 {
		return nil
	}
	sent := c.alerter.SendAlerts(ctx, fresh)
	log.Warn("monitoring: alerts raised",
		zap.Int("alerts", len(fresh)),
		zap.Int("sent", sent),
		zap.Int("still_firing", len(fired)-len(fresh)),
	)
	return fresh
}
