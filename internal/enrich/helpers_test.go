package enrich

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chenders/deadonfilm-sub007/internal/cache"
	"github.com/chenders/deadonfilm-sub007/internal/cleanup"
	"github.com/chenders/deadonfilm-sub007/internal/cost"
	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/internal/resilience"
	"github.com/chenders/deadonfilm-sub007/internal/source"
	"github.com/chenders/deadonfilm-sub007/internal/waterfall"
)

// fakeSource answers from a scripted list of outcomes; the last outcome
// repeats once the script runs out.
type fakeSource struct {
	desc        source.Descriptor
	unavailable bool
	calls       atomic.Int32

	mu      sync.Mutex
	script  []outcome
	onStart func()
}

type outcome struct {
	res   *model.LookupResult
	err   error
	block bool // wait for the context to end
}

func (f *fakeSource) Descriptor() source.Descriptor { return f.desc }
func (f *fakeSource) Available() bool               { return !f.unavailable }

func (f *fakeSource) Lookup(ctx context.Context, item model.Item) (*model.LookupResult, error) {
	n := int(f.calls.Add(1)) - 1
	if f.onStart != nil {
		f.onStart()
	}
	f.mu.Lock()
	var o outcome
	if len(f.script) > 0 {
		if n >= len(f.script) {
			n = len(f.script) - 1
		}
		o = f.script[n]
	}
	f.mu.Unlock()

	if o.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if o.res == nil && o.err == nil {
		return model.Miss("nothing"), nil
	}
	if o.res != nil {
		cp := *o.res
		return &cp, o.err
	}
	return nil, o.err
}

func src(name string, cat model.Category, tier model.Tier, script ...outcome) *fakeSource {
	return &fakeSource{desc: source.Descriptor{Name: name, Category: cat, Tier: tier}, script: script}
}

func hit(conf float64, fields model.FieldBundle, costUSD float64) outcome {
	return outcome{res: &model.LookupResult{Success: true, Confidence: conf, Fields: fields, CostUSD: costUSD}}
}

func miss(costUSD float64) outcome {
	r := model.Miss("not found")
	r.CostUSD = costUSD
	return outcome{res: r}
}

func fail(err error) outcome { return outcome{err: err} }

type fakeGate struct {
	res   *cleanup.Result
	err   error
	calls int
	texts []waterfall.RawText
}

func (g *fakeGate) Name() string { return "cleanup" }

func (g *fakeGate) Cleanup(_ context.Context, _ model.Item, texts []waterfall.RawText) (*cleanup.Result, error) {
	g.calls++
	g.texts = texts
	if g.err != nil {
		return g.res, g.err
	}
	cp := *g.res
	return &cp, nil
}

type harness struct {
	orch   *Orchestrator
	ledger *cost.Ledger
	cache  *cache.MemoryCache
}

type harnessOpt func(*Config)

func withLimits(l cost.Limits) harnessOpt {
	return func(c *Config) { c.Ledger = cost.NewLedger(l) }
}

func withGate(g cleanup.Gate) harnessOpt {
	return func(c *Config) { c.Gate = g }
}

func withObserver(o Observer) harnessOpt {
	return func(c *Config) { c.Observer = o }
}

func newHarness(t *testing.T, srcs []source.Source, opts ...harnessOpt) *harness {
	t.Helper()
	reg, err := source.NewRegistry(srcs...)
	require.NoError(t, err)

	mc := cache.NewMemoryCache(time.Hour)
	cfg := Config{
		Registry:  reg,
		Waterfall: waterfall.NewConfig(0.5),
		Cache:     mc,
		Ledger:    cost.NewLedger(cost.Limits{}),
		Retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
	}
	for _, o := range opts {
		o(&cfg)
	}
	orch, err := New(cfg)
	require.NoError(t, err)
	return &harness{orch: orch, ledger: cfg.Ledger, cache: mc}
}

func deceased(id int64, name string) model.Item {
	dd := time.Date(2022, 8, 14, 0, 0, 0, 0, time.UTC)
	return model.Item{ID: id, Name: name, Deathday: &dd}
}

var longNarrative = strings.Repeat("She died peacefully at home after a long illness. ", 6)

func names(srcs []source.Source) []string {
	out := make([]string, len(srcs))
	for i, s := range srcs {
		out[i] = s.Descriptor().Name
	}
	return out
}
