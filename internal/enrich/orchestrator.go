// Package enrich runs the source cascade for one item: cache, throttled
// lookups, tier-aware merging, spend accounting and the cleanup gate.
package enrich

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chenders/deadonfilm-sub007/internal/cache"
	"github.com/chenders/deadonfilm-sub007/internal/cleanup"
	"github.com/chenders/deadonfilm-sub007/internal/cost"
	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/internal/resilience"
	"github.com/chenders/deadonfilm-sub007/internal/source"
	"github.com/chenders/deadonfilm-sub007/internal/waterfall"
)

// Observer receives every attempt and finished item, e.g. for metrics.
type Observer interface {
	ObserveAttempt(a model.Attempt)
	ObserveItem(res *model.EnrichmentResult)
}

// Config wires an Orchestrator.
type Config struct {
	Registry  *source.Registry
	Waterfall *waterfall.Config
	// Cache is optional; nil disables caching.
	Cache cache.Cache
	// Ledger is required; it carries the run's spend and ceilings.
	Ledger *cost.Ledger
	// Gate is optional; nil disables cleanup regardless of Options.
	Gate     cleanup.Gate
	Throttle *source.Throttle
	Retry    resilience.RetryConfig
	Observer Observer
}

// Orchestrator enriches items one at a time. A single Orchestrator may be
// shared by concurrent EnrichItem calls only when no ledger ceilings are
// set, since per-item spend lives on the ledger.
type Orchestrator struct {
	registry  *source.Registry
	waterfall *waterfall.Config
	cache     cache.Cache
	ledger    *cost.Ledger
	gate      cleanup.Gate
	throttle  *source.Throttle
	retry     resilience.RetryConfig
	observer  Observer
	stats     *statsTracker
	now       func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, eris.New("enrich: registry is required")
	}
	if cfg.Ledger == nil {
		return nil, eris.New("enrich: ledger is required")
	}
	if cfg.Waterfall == nil {
		cfg.Waterfall = waterfall.NewConfig(waterfall.DefaultThreshold)
	}
	if cfg.Throttle == nil {
		cfg.Throttle = source.NewThrottle()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	return &Orchestrator{
		registry:  cfg.Registry,
		waterfall: cfg.Waterfall,
		cache:     cfg.Cache,
		ledger:    cfg.Ledger,
		gate:      cfg.Gate,
		throttle:  cfg.Throttle,
		retry:     cfg.Retry,
		observer:  cfg.Observer,
		stats:     newStatsTracker(),
		now:       time.Now,
	}, nil
}

// Ledger returns the spend ledger the orchestrator charges.
func (o *Orchestrator) Ledger() *cost.Ledger { return o.ledger }

// Stats returns a snapshot of the aggregate counters.
func (o *Orchestrator) Stats() Stats { return o.stats.snapshot() }

// Cascade returns the sources that would run under opts, in cascade order:
// free before paid before AI, then higher tier first, then registration
// order.
func (o *Orchestrator) Cascade(opts Options) []source.Source {
	type ranked struct {
		src   source.Source
		cat   int
		tier  model.Tier
		order int
	}
	var rs []ranked
	for i, s := range o.registry.All() {
		d := s.Descriptor()
		if !opts.CategoryEnabled(d.Category) || !opts.SourceEnabled(d.Name) || !s.Available() {
			continue
		}
		rs = append(rs, ranked{src: s, cat: d.Category.Rank(), tier: o.waterfall.TierFor(d.Name, d.Tier), order: i})
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].cat != rs[j].cat {
			return rs[i].cat < rs[j].cat
		}
		if rs[i].tier != rs[j].tier {
			return rs[i].tier > rs[j].tier
		}
		return rs[i].order < rs[j].order
	})
	out := make([]source.Source, len(rs))
	for i, r := range rs {
		out[i] = r.src
	}
	return out
}

// itemRun is the mutable state of one EnrichItem call. mu guards every
// field once sources run concurrently.
type itemRun struct {
	mu       sync.Mutex
	item     model.Item
	opts     Options
	merger   *waterfall.Merger
	res      *model.EnrichmentResult
	stop     model.StopReason
	batchErr error
	log      *zap.Logger
}

func (r *itemRun) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop != ""
}

// EnrichItem runs the cascade for one item. Source failures never fail the
// item; an item every source failed on returns an empty, valid result.
// When the batch ceiling is reached the partial result is returned along
// with cost.ErrBatchLimit.
func (o *Orchestrator) EnrichItem(ctx context.Context, item model.Item, opts Options) (*model.EnrichmentResult, error) {
	start := o.now()
	o.ledger.StartItem()

	run := &itemRun{
		item:   item,
		opts:   opts,
		merger: waterfall.NewMerger(o.waterfall, opts.UseReliability),
		res:    &model.EnrichmentResult{ItemID: item.ID, Name: item.Name},
		log:    zap.L().With(zap.Int64("item_id", item.ID), zap.String("name", item.Name)),
	}

	if !item.IsDeceased() {
		run.stop = model.StopNotDeceased
		return o.finish(run, start), nil
	}
	if err := o.ledger.Check(); errors.Is(err, cost.ErrBatchLimit) {
		run.stop = model.StopBatchLimit
		return o.finish(run, start), err
	}

	cascade := o.Cascade(opts)
	if len(cascade) == 0 {
		run.stop = model.StopNoSources
		return o.finish(run, start), nil
	}

	if opts.Parallel > 1 {
		o.runParallel(ctx, run, cascade)
	} else {
		for _, src := range cascade {
			if run.stopped() {
				break
			}
			if ctx.Err() != nil {
				run.stop = model.StopCanceled
				break
			}
			o.runSource(ctx, run, src)
		}
	}

	if run.stop == "" {
		run.stop = model.StopExhausted
	}
	run.res.Fields = run.merger.Result()

	gateTried, gateRan := false, false
	if o.shouldCleanup(run) {
		gateTried = true
		gateRan = o.runCleanup(ctx, run)
	}
	run.res.Detailed = detailed(run.res, gateTried, gateRan, opts.minNarrative())

	return o.finish(run, start), run.batchErr
}

// runParallel queries free and high-priority sources in order, then fans the
// rest out with at most opts.Parallel in flight.
func (o *Orchestrator) runParallel(ctx context.Context, run *itemRun, cascade []source.Source) {
	var rest []source.Source
	for _, src := range cascade {
		d := src.Descriptor()
		if d.Category != model.CategoryFree && !d.HighPriority {
			rest = append(rest, src)
			continue
		}
		if run.stopped() {
			return
		}
		if ctx.Err() != nil {
			run.stop = model.StopCanceled
			return
		}
		o.runSource(ctx, run, src)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(run.opts.Parallel)
	for _, src := range rest {
		if run.stopped() {
			break
		}
		g.Go(func() error {
			if run.stopped() {
				return nil
			}
			if gCtx.Err() != nil {
				run.mu.Lock()
				if run.stop == "" {
					run.stop = model.StopCanceled
				}
				run.mu.Unlock()
				return nil
			}
			o.runSource(gCtx, run, src)
			return nil
		})
	}
	_ = g.Wait()
}

// runSource performs one attempt and folds it into the item under run.mu.
func (o *Orchestrator) runSource(ctx context.Context, run *itemRun, src source.Source) {
	d := src.Descriptor()
	attempt, lr := o.attempt(ctx, run.item, d, src, run.opts)

	run.mu.Lock()
	defer run.mu.Unlock()

	if attempt.Success && lr != nil {
		attempt.Accepted = run.merger.Offer(d.Name, attempt.Tier, attempt.Confidence, lr.Fields)
	} else if lr != nil && lr.Fields.RawText != "" {
		run.merger.AddRawText(waterfall.RawText{
			Source: d.Name, Tier: attempt.Tier, Confidence: attempt.Confidence,
			URL: lr.Fields.SourceURL, Text: lr.Fields.RawText,
		})
	}
	run.res.Attempts = append(run.res.Attempts, attempt)
	o.stats.attempt(attempt, d.HighPriority)
	if o.observer != nil {
		o.observer.ObserveAttempt(attempt)
	}

	fields := []zap.Field{
		zap.String("source", d.Name),
		zap.Bool("success", attempt.Success),
		zap.Bool("cached", attempt.Cached),
		zap.Float64("cost_usd", attempt.CostUSD),
		zap.Int64("elapsed_ms", attempt.ElapsedMS),
	}
	if attempt.ErrorKind.IsFault() {
		run.log.Warn("enrich: source failed", append(fields,
			zap.String("error_kind", string(attempt.ErrorKind)),
			zap.String("error", attempt.Error),
		)...)
	} else {
		run.log.Debug("enrich: source answered", fields...)
	}

	switch err := o.ledger.Charge(d.Name, attempt.CostUSD); {
	case errors.Is(err, cost.ErrBatchLimit):
		run.batchErr = err
		run.stop = model.StopBatchLimit
		return
	case errors.Is(err, cost.ErrItemLimit):
		if run.stop == "" {
			run.stop = model.StopItemLimit
		}
		return
	}

	if run.stop == "" && !run.opts.GatherAll && run.merger.CoreResolved() {
		run.stop = model.StopEarlyExit
	}
}

// attempt looks a source up through the cache or the network and records
// the outcome. It never fails; errors become the attempt's ErrorKind.
func (o *Orchestrator) attempt(ctx context.Context, item model.Item, d source.Descriptor, src source.Source, opts Options) (model.Attempt, *model.LookupResult) {
	start := o.now()
	a := model.Attempt{Source: d.Name, Category: d.Category}
	query := item.LookupQuery()

	var (
		lr     *model.LookupResult
		err    error
		cached bool
	)
	if o.cache != nil && !opts.BypassCache {
		hit, ok, cerr := o.cache.Get(ctx, d.Name, query)
		if cerr != nil {
			zap.L().Warn("enrich: cache read failed", zap.String("source", d.Name), zap.Error(cerr))
		}
		if ok {
			lr, cached = hit, true
		}
	}

	var spent float64
	if !cached {
		lr, spent, err = o.lookup(ctx, item, d, src)
		if err == nil && lr != nil && o.cache != nil {
			if cerr := o.cache.Set(ctx, d.Name, query, lr); cerr != nil {
				zap.L().Warn("enrich: cache write failed", zap.String("source", d.Name), zap.Error(cerr))
			}
		}
	}

	a.ElapsedMS = o.now().Sub(start).Milliseconds()
	a.Cached = cached

	switch {
	case err != nil:
		a.ErrorKind = source.Kind(err)
		a.Error = err.Error()
		a.CostUSD = spent
		return a, nil
	case lr == nil:
		a.ErrorKind = model.ErrorMiss
		a.Error = "empty result"
		return a, nil
	}

	if !cached {
		a.CostUSD = lr.CostUSD
	}
	a.Tier = o.waterfall.TierFor(d.Name, lr.Tier)
	a.Confidence = lr.Confidence
	a.Success = lr.Success
	if !lr.Success {
		a.ErrorKind = model.ErrorMiss
		a.Error = lr.Reason
	}
	return a, lr
}

// lookup calls the source with throttling, a per-source timeout and
// in-process retry of transient failures. spent is what failed tries cost;
// on success it is already folded into the result's CostUSD.
func (o *Orchestrator) lookup(ctx context.Context, item model.Item, d source.Descriptor, src source.Source) (*model.LookupResult, float64, error) {
	cfg := o.retry
	cfg.OnRetry = resilience.RetryLogger(d.Name, item.ID)

	var spent float64
	lr, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.LookupResult, error) {
		if err := o.throttle.Wait(ctx, d); err != nil {
			return nil, err
		}
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if d.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		}
		defer cancel()

		r, err := src.Lookup(callCtx, item)
		if err != nil {
			spent += source.IncurredCost(err)
			if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return nil, &source.TimeoutError{Source: d.Name, Timeout: d.Timeout, HighPriority: d.HighPriority}
			}
			return nil, err
		}
		return r, nil
	})
	if err == nil && lr != nil {
		lr.CostUSD += spent
	}
	return lr, spent, err
}

func (o *Orchestrator) shouldCleanup(run *itemRun) bool {
	if o.gate == nil || !run.opts.Cleanup {
		return false
	}
	switch run.stop {
	case model.StopBatchLimit, model.StopItemLimit, model.StopCanceled:
		return false
	}
	return len(run.merger.RawTexts()) > 0
}

// runCleanup invokes the gate and applies its overrides. It reports whether
// the gate produced a usable verdict.
func (o *Orchestrator) runCleanup(ctx context.Context, run *itemRun) bool {
	name := o.gate.Name()
	gres, err := o.gate.Cleanup(ctx, run.item, run.merger.RawTexts())

	spent := 0.0
	if gres != nil {
		spent = gres.CostUSD
	}
	if cerr := o.ledger.Charge(name, spent); errors.Is(cerr, cost.ErrBatchLimit) {
		run.batchErr = cerr
	}

	if err != nil {
		if !errors.Is(err, cleanup.ErrNoInput) {
			run.log.Warn("enrich: cleanup failed", zap.Error(err))
		}
		o.stats.cleanup(spent, name, false, false)
		return false
	}

	run.res.CleanupRan = true
	run.res.CleanupSubstantive = gres.Substantive
	run.res.Fields = cleanup.Apply(run.res.Fields, gres, name, o.waterfall.TierFor(name, model.TierUnknown), o.waterfall)
	o.stats.cleanup(spent, name, true, gres.Substantive)
	return true
}

// detailed is the publish decision. A narrative must be long enough, and
// when cleanup was attempted the gate must have approved it.
func detailed(res *model.EnrichmentResult, gateTried, gateRan bool, minLen int) bool {
	if gateTried && (!gateRan || !res.CleanupSubstantive) {
		return false
	}
	narrative := strings.TrimSpace(res.Value(model.FieldNarrative))
	return narrative != "" && utf8.RuneCountInString(narrative) >= minLen
}

func (o *Orchestrator) finish(run *itemRun, start time.Time) *model.EnrichmentResult {
	res := run.res
	if res.Fields == nil {
		res.Fields = map[model.Field]model.FieldValue{}
	}
	res.StopReason = run.stop
	res.DurationMS = o.now().Sub(start).Milliseconds()
	res.CostUSD = o.ledger.ItemTotal()

	o.stats.item(res)
	if o.observer != nil {
		o.observer.ObserveItem(res)
	}
	run.log.Info("enrich: item done",
		zap.String("stop_reason", string(res.StopReason)),
		zap.Int("attempts", len(res.Attempts)),
		zap.Int("fields", len(res.Fields)),
		zap.Bool("detailed", res.Detailed),
		zap.Float64("cost_usd", res.CostUSD),
	)
	return res
}
