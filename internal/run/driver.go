// Package run drives a batch of items through the enrichment orchestrator,
// persisting each outcome as it lands and deciding how the batch ends.
package run

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/chenders/deadonfilm-sub007/internal/cost"
	"github.com/chenders/deadonfilm-sub007/internal/enrich"
	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/internal/resilience"
)

// Enricher is the orchestrator surface the driver needs.
type Enricher interface {
	EnrichItem(ctx context.Context, item model.Item, opts enrich.Options) (*model.EnrichmentResult, error)
	Ledger() *cost.Ledger
	Stats() enrich.Stats
}

// Store is the persistence the driver writes through.
type Store interface {
	CreateRun(ctx context.Context, options map[string]any) (*model.Run, error)
	UpdateRun(ctx context.Context, run *model.Run) error
	UpsertRunItem(ctx context.Context, ri model.RunItem) error
	SaveEnrichment(ctx context.Context, itemID int64, res *model.EnrichmentResult) error
	UpdateRetryState(ctx context.Context, itemID int64, state model.RetryState) error
}

// Progress receives two callbacks per item. Either may be nil.
type Progress struct {
	BeforeItem func(index, total int, name string)
	AfterItem  func(index, total int, counters model.RunCounters)
}

// Config wires a Driver.
type Config struct {
	Store    Store
	Enricher Enricher
	// Breaker is optional; nil uses the default threshold.
	Breaker  *resilience.CircuitBreaker
	Backoff  resilience.BackoffPolicy
	Progress Progress
}

// Driver runs batches. It is not safe for concurrent Run calls.
type Driver struct {
	store    Store
	enricher Enricher
	breaker  *resilience.CircuitBreaker
	backoff  resilience.BackoffPolicy
	progress Progress
	now      func() time.Time
}

// New creates a Driver.
func New(cfg Config) (*Driver, error) {
	if cfg.Store == nil {
		return nil, eris.New("run: store is required")
	}
	if cfg.Enricher == nil {
		return nil, eris.New("run: enricher is required")
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return &Driver{
		store:    cfg.Store,
		enricher: cfg.Enricher,
		breaker:  cfg.Breaker,
		backoff:  cfg.Backoff,
		progress: cfg.Progress,
		now:      time.Now,
	}, nil
}

// Run processes items in order. Cancelling ctx stops new items from
// starting; the in-flight item always finishes and is persisted.
//
// A reached batch ceiling returns the report together with a
// *cost.LimitError. Any other error marks the run as failed.
func (d *Driver) Run(ctx context.Context, items []model.Item, opts enrich.Options) (*Report, error) {
	// Store writes must land even after cancellation.
	wctx := context.WithoutCancel(ctx)

	run, err := d.store.CreateRun(wctx, opts.Map())
	if err != nil {
		return nil, eris.Wrap(err, "run: create run")
	}
	run.Counters.Queried = len(items)

	log := zap.L().With(zap.String("run_id", run.ID))
	log.Info("run: starting", zap.Int("items", len(items)))

	rep := &Report{Run: run}
	reason := model.ExitCompleted
	total := len(items)

loop:
	for i, item := range items {
		switch {
		case ctx.Err() != nil:
			reason = model.ExitInterrupted
			log.Info("run: interrupted", zap.Int("remaining", total-i))
			break loop
		case d.breaker.Tripped():
			reason = model.ExitCircuitBreaker
			break loop
		}

		if d.progress.BeforeItem != nil {
			d.progress.BeforeItem(i+1, total, item.Name)
		}
		run.CurrentItem = item.Name

		res, err := d.enricher.EnrichItem(wctx, item, opts)
		limited := errors.Is(err, cost.ErrBatchLimit)
		if err != nil && !limited {
			return d.fail(wctx, rep, eris.Wrapf(err, "run: enrich item %d", item.ID))
		}

		// A ceiling already reached before the item started leaves nothing
		// to record.
		if res != nil && !(limited && len(res.Attempts) == 0) {
			if err := d.record(wctx, rep, item, res); err != nil {
				return d.fail(wctx, rep, err)
			}
			if d.progress.AfterItem != nil {
				d.progress.AfterItem(i+1, total, run.Counters)
			}
		}

		if limited {
			reason = model.ExitCostLimit
			log.Warn("run: batch cost ceiling reached",
				zap.Float64("spent_usd", d.enricher.Ledger().Total()),
				zap.Float64("limit_usd", d.enricher.Ledger().Limits().PerBatchUSD),
			)
			break
		}
	}

	// A trip on the last item has no next iteration to notice it.
	if reason == model.ExitCompleted && d.breaker.Tripped() {
		reason = model.ExitCircuitBreaker
	}

	if err := d.finish(wctx, rep, reason, ""); err != nil {
		return d.fail(wctx, rep, err)
	}
	log.Info("run: finished",
		zap.String("exit_reason", string(reason)),
		zap.Int("processed", run.Counters.Processed),
		zap.Int("enriched", run.Counters.Enriched),
		zap.Float64("cost_usd", run.TotalCostUSD),
	)

	if reason == model.ExitCostLimit {
		ledger := d.enricher.Ledger()
		return rep, &cost.LimitError{
			Limit:   ledger.Limits().PerBatchUSD,
			Spent:   ledger.Total(),
			Run:     run,
			Results: rep.Results(),
		}
	}
	return rep, nil
}

// record persists one item's outcome and folds it into the run counters.
func (d *Driver) record(ctx context.Context, rep *Report, item model.Item, res *model.EnrichmentResult) error {
	run := rep.Run
	now := d.now()
	rep.Outcomes = append(rep.Outcomes, Outcome{Item: item, Result: res})

	run.Counters.Processed++
	if res.HasData() {
		run.Counters.Enriched++
	}

	if res.Detailed || fieldsChanged(item, res) {
		if err := d.store.SaveEnrichment(ctx, item.ID, res); err != nil {
			return eris.Wrapf(err, "run: save enrichment for item %d", item.ID)
		}
		run.MutatedItems = append(run.MutatedItems, item.ID)
	}

	ri := model.NewRunItem(run.ID, res)
	var state model.RetryState
	if res.Faulted() {
		ierr := newItemError(res)
		ri.Error = ierr.Error()
		run.Counters.Failed++
		state = d.backoff.RecordFailure(item.Retry, ierr, now)
		if state.PermanentlyFailed {
			run.Counters.PermanentlyFailed++
		}
		if d.breaker.RecordFailure(ierr) {
			snap := d.breaker.Snapshot()
			rep.Breaker = &snap
			zap.L().Error("run: circuit breaker tripped",
				zap.String("run_id", run.ID),
				zap.Int("consecutive_failures", snap.ConsecutiveFailures),
				zap.String("last_error", snap.LastError),
			)
		}
	} else {
		state = d.backoff.RecordSuccess(now)
		d.breaker.RecordSuccess()
	}

	if err := d.store.UpdateRetryState(ctx, item.ID, state); err != nil {
		return eris.Wrapf(err, "run: update retry state for item %d", item.ID)
	}
	if err := d.store.UpsertRunItem(ctx, ri); err != nil {
		return eris.Wrapf(err, "run: record item %d", item.ID)
	}

	d.syncCost(run)
	if err := d.store.UpdateRun(ctx, run); err != nil {
		return eris.Wrap(err, "run: update run")
	}
	return nil
}

func (d *Driver) syncCost(run *model.Run) {
	ledger := d.enricher.Ledger()
	run.TotalCostUSD = ledger.Total()
	run.CostBySource = ledger.BySource()
}

func (d *Driver) finish(ctx context.Context, rep *Report, reason model.ExitReason, msg string) error {
	run := rep.Run
	now := d.now()
	run.Status = model.RunStatusFinished
	run.ExitReason = reason
	run.CurrentItem = ""
	run.Error = msg
	run.FinishedAt = &now
	d.syncCost(run)

	rep.ExitReason = reason
	rep.Stats = d.enricher.Stats()
	rep.Costs = d.enricher.Ledger().Breakdown()
	if reason == model.ExitCircuitBreaker && rep.Breaker == nil {
		snap := d.breaker.Snapshot()
		rep.Breaker = &snap
	}

	if err := d.store.UpdateRun(ctx, run); err != nil {
		return eris.Wrap(err, "run: finalize run")
	}
	return nil
}

// fail marks the run as errored, flushes the logger and returns err.
func (d *Driver) fail(ctx context.Context, rep *Report, err error) (*Report, error) {
	zap.L().Error("run: aborted", zap.String("run_id", rep.Run.ID), zap.Error(err))
	if ferr := d.finish(ctx, rep, model.ExitError, err.Error()); ferr != nil {
		zap.L().Error("run: could not mark run failed", zap.Error(ferr))
	}
	_ = zap.L().Sync()
	return rep, err
}

// fieldsChanged reports whether res carries a value the item did not
// already have.
func fieldsChanged(item model.Item, res *model.EnrichmentResult) bool {
	known := map[model.Field]string{
		model.FieldCause:     item.CauseOfDeath,
		model.FieldNarrative: item.CauseOfDeathDetails,
		model.FieldLocation:  item.DeathLocation,
		model.FieldRelated:   strings.Join(item.RelatedPeople, ", "),
	}
	for _, f := range model.AllFields() {
		v := strings.TrimSpace(res.Value(f))
		if v != "" && v != strings.TrimSpace(known[f]) {
			return true
		}
	}
	return false
}

// ItemError summarizes why every source failed on an item. It is permanent
// only when every failure was.
type ItemError struct {
	ItemID int64
	Kinds  []model.ErrorKind
	Last   string
}

func newItemError(res *model.EnrichmentResult) *ItemError {
	e := &ItemError{ItemID: res.ItemID}
	for _, a := range res.Attempts {
		if a.ErrorKind.IsFault() {
			e.Kinds = append(e.Kinds, a.ErrorKind)
			e.Last = a.Error
		}
	}
	return e
}

func (e *ItemError) Error() string {
	kinds := make([]string, len(e.Kinds))
	for i, k := range e.Kinds {
		kinds[i] = string(k)
	}
	return "all sources failed (" + strings.Join(kinds, ", ") + "): " + e.Last
}

// Permanent reports whether no failure could clear on retry.
func (e *ItemError) Permanent() bool {
	if len(e.Kinds) == 0 {
		return false
	}
	for _, k := range e.Kinds {
		switch k {
		case model.ErrorPermanent, model.ErrorAuth, model.ErrorBlocked:
		default:
			return false
		}
	}
	return true
}
