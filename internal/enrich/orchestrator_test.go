package enrich

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenders/deadonfilm-sub007/internal/cleanup"
	"github.com/chenders/deadonfilm-sub007/internal/cost"
	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/internal/source"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Ledger: cost.NewLedger(cost.Limits{})})
	assert.Error(t, err)

	reg, _ := source.NewRegistry()
	_, err = New(Config{Registry: reg})
	assert.Error(t, err)
}

func TestCascade_Order(t *testing.T) {
	aiLow := src("claude", model.CategoryAI, model.TierMarginal)
	paidTop := src("news", model.CategoryPaid, model.TierTopNews)
	paidLow := src("search", model.CategoryPaid, model.TierMarginal)
	freeA := src("wikidata", model.CategoryFree, model.TierSecondary)
	freeB := src("archive", model.CategoryFree, model.TierSecondary)

	h := newHarness(t, []source.Source{aiLow, paidLow, freeA, paidTop, freeB})
	got := names(h.orch.Cascade(DefaultOptions()))
	assert.Equal(t, []string{"wikidata", "archive", "news", "search", "claude"}, got)
}

func TestCascade_Toggles(t *testing.T) {
	free := src("wikidata", model.CategoryFree, model.TierSecondary)
	paid := src("search", model.CategoryPaid, model.TierMarginal)
	ai := src("claude", model.CategoryAI, model.TierMarginal)
	offline := src("perplexity", model.CategoryAI, model.TierMarginal)
	offline.unavailable = true

	h := newHarness(t, []source.Source{free, paid, ai, offline})

	tests := []struct {
		name string
		mod  func(*Options)
		want []string
	}{
		{"defaults", func(*Options) {}, []string{"wikidata", "search", "claude"}},
		{"no ai", func(o *Options) { o.AI = false }, []string{"wikidata", "search"}},
		{"free only", func(o *Options) { o.Paid, o.AI = false, false }, []string{"wikidata"}},
		{"disable source", func(o *Options) { o.Sources = map[string]bool{"search": false} }, []string{"wikidata", "claude"}},
		{"only", func(o *Options) { o.Only = []string{"claude", "perplexity"} }, []string{"claude"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mod(&opts)
			assert.Equal(t, tt.want, names(h.orch.Cascade(opts)))
		})
	}
}

func TestEnrichItem_NotDeceased(t *testing.T) {
	s := src("wikidata", model.CategoryFree, model.TierSecondary)
	h := newHarness(t, []source.Source{s})

	res, err := h.orch.EnrichItem(context.Background(), model.Item{ID: 1, Name: "Alive"}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, model.StopNotDeceased, res.StopReason)
	assert.Empty(t, res.Attempts)
	assert.Equal(t, int32(0), s.calls.Load())
}

func TestEnrichItem_NoSources(t *testing.T) {
	s := src("wikidata", model.CategoryFree, model.TierSecondary)
	h := newHarness(t, []source.Source{s})
	opts := DefaultOptions()
	opts.Free = false

	res, err := h.orch.EnrichItem(context.Background(), deceased(1, "Jane Doe"), opts)
	require.NoError(t, err)
	assert.Equal(t, model.StopNoSources, res.StopReason)
	assert.NotNil(t, res.Fields)
}

func TestEnrichItem_EarlyExit(t *testing.T) {
	wd := src("wikidata", model.CategoryFree, model.TierSecondary,
		hit(0.7, model.FieldBundle{CauseOfDeath: "lung cancer", Narrative: "Died in hospital."}, 0))
	paid := src("search", model.CategoryPaid, model.TierMarginal, hit(0.9, model.FieldBundle{CauseOfDeath: "x"}, 0.01))
	h := newHarness(t, []source.Source{wd, paid})

	opts := DefaultOptions()
	opts.Cleanup = false
	res, err := h.orch.EnrichItem(context.Background(), deceased(1, "Jane Doe"), opts)
	require.NoError(t, err)
	assert.Equal(t, model.StopEarlyExit, res.StopReason)
	assert.Equal(t, int32(0), paid.calls.Load())
	assert.Equal(t, "lung cancer", res.Value(model.FieldCause))
	require.Len(t, res.Attempts, 1)
	assert.ElementsMatch(t, []model.Field{model.FieldCause, model.FieldNarrative}, res.Attempts[0].Accepted)
}

func TestEnrichItem_GatherAll(t *testing.T) {
	wd := src("wikidata", model.CategoryFree, model.TierSecondary,
		hit(0.7, model.FieldBundle{CauseOfDeath: "lung cancer", Narrative: "Died in hospital."}, 0))
	paid := src("search", model.CategoryPaid, model.TierMarginal, miss(0.001))
	h := newHarness(t, []source.Source{wd, paid})

	opts := DefaultOptions()
	opts.GatherAll = true
	opts.Cleanup = false
	res, err := h.orch.EnrichItem(context.Background(), deceased(1, "Jane Doe"), opts)
	require.NoError(t, err)
	assert.Equal(t, model.StopExhausted, res.StopReason)
	assert.Equal(t, int32(1), paid.calls.Load())
	assert.Len(t, res.Attempts, 2)
	assert.InDelta(t, 0.001, res.CostUSD, 1e-12)
}

func TestEnrichItem_TierDominance(t *testing.T) {
	wd := src("wikidata", model.CategoryFree, model.TierSecondary,
		hit(0.6, model.FieldBundle{CauseOfDeath: "heart attack"}, 0))
	// The search source reports the tier of the page it read.
	news := src("search", model.CategoryPaid, model.TierUnknown, outcome{res: &model.LookupResult{
		Success: true, Confidence: 0.55, Tier: model.TierTopNews,
		Fields: model.FieldBundle{CauseOfDeath: "cardiac arrest", SourceURL: "https://apnews.com/x"},
	}})
	ai := src("claude", model.CategoryAI, model.TierMarginal,
		hit(0.99, model.FieldBundle{CauseOfDeath: "heart disease", Narrative: "n"}, 0.003))
	h := newHarness(t, []source.Source{wd, news, ai})

	opts := DefaultOptions()
	opts.Cleanup = false
	res, err := h.orch.EnrichItem(context.Background(), deceased(1, "Jane Doe"), opts)
	require.NoError(t, err)

	cause := res.Fields[model.FieldCause]
	assert.Equal(t, "cardiac arrest", cause.Value)
	assert.Equal(t, "search", cause.Source)
	assert.Equal(t, model.TierTopNews, cause.Tier)
	assert.Equal(t, "https://apnews.com/x", cause.SourceURL)
	// The AI source still fills the narrative nobody else had.
	assert.Equal(t, "claude", res.Fields[model.FieldNarrative].Source)

	// Without reliability ranking, confidence alone decides.
	opts.UseReliability = false
	opts.BypassCache = true
	res, err = h.orch.EnrichItem(context.Background(), deceased(1, "Jane Doe"), opts)
	require.NoError(t, err)
	assert.Equal(t, "claude", res.Fields[model.FieldCause].Source)
}

func TestEnrichItem_BelowThresholdRecordedNotMerged(t *testing.T) {
	wd := src("wikidata", model.CategoryFree, model.TierSecondary,
		hit(0.3, model.FieldBundle{CauseOfDeath: "rumor", RawText: "maybe a rumor"}, 0))
	h := newHarness(t, []source.Source{wd})
	gate := &fakeGate{res: &cleanup.Result{}}
	h.orch.gate = gate

	res, err := h.orch.EnrichItem(context.Background(), deceased(1, "Jane Doe"), DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, res.Fields)
	require.Len(t, res.Attempts, 1)
	assert.True(t, res.Attempts[0].Success)
	assert.Empty(t, res.Attempts[0].Accepted)
	// Its raw text still reaches the cleanup pass.
	assert.Equal(t, 1, gate.calls)
	require.Len(t, gate.texts, 1)
	assert.Equal(t, "maybe a rumor", gate.texts[0].Text)
}

func TestEnrichItem_FailuresDoNotAbort(t *testing.T) {
	blocked := src("search", model.CategoryPaid, model.TierMarginal,
		fail(&source.AccessBlockedError{Source: "search", URL: "https://x", Block: "cloudflare", CostUSD: 0.002}))
	auth := src("perplexity", model.CategoryAI, model.TierMarginal,
		fail(&source.AuthError{Source: "perplexity", Reason: "status 401"}))
	ai := src("claude", model.CategoryAI, model.TierMarginal,
		hit(0.8, model.FieldBundle{CauseOfDeath: "stroke"}, 0.003))
	h := newHarness(t, []source.Source{blocked, auth, ai})

	opts := DefaultOptions()
	opts.Cleanup = false
	res, err := h.orch.EnrichItem(context.Background(), deceased(1, "Jane Doe"), opts)
	require.NoError(t, err)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, model.ErrorBlocked, res.Attempts[0].ErrorKind)
	assert.InDelta(t, 0.002, res.Attempts[0].CostUSD, 1e-12, "blocked reads are still paid for")
	assert.Equal(t, model.ErrorAuth, res.Attempts[1].ErrorKind)
	assert.Equal(t, "stroke", res.Value(model.FieldCause))
	assert.False(t, res.Faulted())

	// Permanent errors are not retried.
	assert.Equal(t, int32(1), blocked.calls.Load())
	assert.Equal(t, int32(1), auth.calls.Load())

	st := h.orch.Stats()
	assert.Equal(t, []string{"search"}, st.BlockedSources)
	assert.Equal(t, 1, st.ErrorsByKind[model.ErrorBlocked])
	assert.Equal(t, 1, st.ErrorsByKind[model.ErrorAuth])
	assert.InDelta(t, 0.005, h.ledger.Total(), 1e-12)
	assert.InDelta(t, 0.002, h.ledger.BySource()["search"], 1e-12)
}

func TestEnrichItem_AllFail(t *testing.T) {
	s1 := src("search", model.CategoryPaid, model.TierMarginal, fail(&source.StatusError{Source: "search", StatusCode: 500}))
	s2 := src("claude", model.CategoryAI, model.TierMarginal, fail(errors.New("read tcp: connection reset by peer")))
	h := newHarness(t, []source.Source{s1, s2})

	res, err := h.orch.EnrichItem(context.Background(), deceased(1, "Jane Doe"), DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.Faulted())
	assert.False(t, res.HasData())
	assert.Equal(t, model.StopExhausted, res.StopReason)
	// Transient errors get one retry each.
	assert.Equal(t, int32(2), s1.calls.Load())
	assert.Equal(t, int32(2), s2.calls.Load())
}

func TestEnrichItem_RetryRecovers(t *testing.T) {
	s := src("search", model.CategoryPaid, model.TierMarginal,
		fail(&source.StatusError{Source: "search", StatusCode: 503}),
		hit(0.8, model.FieldBundle{CauseOfDeath: "cancer"}, 0.002))
	h := newHarness(t, []source.Source{s})

	res, err := h.orch.EnrichItem(context.Background(), deceased(1, "Jane Doe"), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "cancer", res.Value(model.FieldCause))
	require.Len(t, res.Attempts, 1)
	assert.True(t, res.Attempts[0].Success)
}

func TestEnrichItem_Cache(t *testing.T) {
	s := src("search", model.CategoryPaid, model.TierMarginal, hit(0.8, model.FieldBundle{CauseOfDeath: "cancer"}, 0.002))
	failing := src("claude", model.CategoryAI, model.TierMarginal, fail(errors.New("boom")))
	h := newHarness(t, []source.Source{s, failing})
	opts := DefaultOptions()
	opts.Cleanup = false
	item := deceased(1, "Jane Doe")

	_, err := h.orch.EnrichItem(context.Background(), item, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, h.cache.Len(), "errors are never cached")

	res, err := h.orch.EnrichItem(context.Background(), item, opts)
	require.NoError(t, err)
	assert.Equal(t, int32(1), s.calls.Load())
	assert.True(t, res.Attempts[0].Cached)
	assert.Equal(t, 0.0, res.Attempts[0].CostUSD)
	assert.Equal(t, "cancer", res.Value(model.FieldCause))

	opts.BypassCache = true
	_, err = h.orch.EnrichItem(context.Background(), item, opts)
	require.NoError(t, err)
	assert.Equal(t, int32(2), s.calls.Load())
	assert.Equal(t, 1, h.orch.Stats().CacheHits)
}

func TestEnrichItem_ItemLimit(t *testing.T) {
	pricey := src("perplexity", model.CategoryPaid, model.TierMarginal, miss(0.02))
	next := src("claude", model.CategoryAI, model.TierMarginal, hit(0.9, model.FieldBundle{CauseOfDeath: "x"}, 0.003))
	h := newHarness(t, []source.Source{pricey, next}, withLimits(cost.Limits{PerItemUSD: 0.01}))

	res, err := h.orch.EnrichItem(context.Background(), deceased(1, "Jane Doe"), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, model.StopItemLimit, res.StopReason)
	assert.Equal(t, int32(0), next.calls.Load())

	// The next item starts with a fresh per-item total.
	res, err = h.orch.EnrichItem(context.Background(), deceased(2, "John Roe"), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, model.StopItemLimit, res.StopReason)
	assert.InDelta(t, 0.04, h.ledger.Total(), 1e-12)
}

func TestEnrichItem_BatchLimit(t *testing.T) {
	paid := src("search", model.CategoryPaid, model.TierMarginal,
		hit(0.8, model.FieldBundle{CauseOfDeath: "cancer"}, 0.06))
	ai := src("claude", model.CategoryAI, model.TierMarginal, hit(0.9, model.FieldBundle{Narrative: "n"}, 0.003))
	h := newHarness(t, []source.Source{paid, ai}, withLimits(cost.Limits{PerBatchUSD: 0.05}))

	res, err := h.orch.EnrichItem(context.Background(), deceased(1, "Jane Doe"), DefaultOptions())
	require.ErrorIs(t, err, cost.ErrBatchLimit)
	require.NotNil(t, res)
	assert.Equal(t, model.StopBatchLimit, res.StopReason)
	assert.Equal(t, "cancer", res.Value(model.FieldCause), "partial result kept")
	assert.Equal(t, int32(0), ai.calls.Load())

	// Once over the ceiling no further item touches a source.
	res, err = h.orch.EnrichItem(context.Background(), deceased(2, "John Roe"), DefaultOptions())
	require.ErrorIs(t, err, cost.ErrBatchLimit)
	assert.Empty(t, res.Attempts)
	assert.Equal(t, int32(1), paid.calls.Load())
}

func TestEnrichItem_Timeout(t *testing.T) {
	slow := src("wikidata", model.CategoryFree, model.TierSecondary, outcome{block: true})
	slow.desc.Timeout = 20 * time.Millisecond
	slow.desc.HighPriority = true
	h := newHarness(t, []source.Source{slow})

	res, err := h.orch.EnrichItem(context.Background(), deceased(1, "Jane Doe"), DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, model.ErrorTimeout, res.Attempts[0].ErrorKind)
	assert.Equal(t, []string{"wikidata"}, h.orch.Stats().HighPriorityTimeouts)
}

func TestEnrichItem_Canceled(t *testing.T) {
	s := src("wikidata", model.CategoryFree, model.TierSecondary)
	h := newHarness(t, []source.Source{s})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.orch.EnrichItem(ctx, deceased(1, "Jane Doe"), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, model.StopCanceled, res.StopReason)
	assert.Equal(t, int32(0), s.calls.Load())
}

func TestEnrichItem_DetailedDecision(t *testing.T) {
	full := model.FieldBundle{CauseOfDeath: "cancer", Narrative: longNarrative, RawText: "raw"}
	short := model.FieldBundle{CauseOfDeath: "cancer", Narrative: "Brief.", RawText: "raw"}

	tests := []struct {
		name     string
		bundle   model.FieldBundle
		gate     *fakeGate
		cleanup  bool
		detailed bool
	}{
		{"no gate, long narrative", full, nil, true, true},
		{"no gate, short narrative", short, nil, true, false},
		{"cleanup off", full, &fakeGate{res: &cleanup.Result{Substantive: false}}, false, true},
		{"gate approves", full, &fakeGate{res: &cleanup.Result{Narrative: longNarrative, Substantive: true}}, true, true},
		{"gate rejects long narrative", full, &fakeGate{res: &cleanup.Result{Substantive: false}}, true, false},
		{"gate approves short text", short, &fakeGate{res: &cleanup.Result{Narrative: "Brief.", Substantive: true}}, true, false},
		{"gate errors", full, &fakeGate{err: errors.New("overloaded")}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := src("wikidata", model.CategoryFree, model.TierSecondary, hit(0.8, tt.bundle, 0))
			var opts []harnessOpt
			if tt.gate != nil {
				opts = append(opts, withGate(tt.gate))
			}
			h := newHarness(t, []source.Source{s}, opts...)
			o := DefaultOptions()
			o.Cleanup = tt.cleanup

			res, err := h.orch.EnrichItem(context.Background(), deceased(1, "Jane Doe"), o)
			require.NoError(t, err)
			assert.Equal(t, tt.detailed, res.Detailed)
		})
	}
}

func TestEnrichItem_CleanupOverridesKeepProvenance(t *testing.T) {
	s := src("wikidata", model.CategoryFree, model.TierSecondary,
		hit(0.8, model.FieldBundle{CauseOfDeath: "cancer", Narrative: "Short.", RawText: "raw"}, 0))
	gate := &fakeGate{res: &cleanup.Result{
		CauseOfDeath: "cancer", Narrative: longNarrative, DeathLocation: "Paris",
		Confidence: 0.9, Substantive: true, CostUSD: 0.004,
	}}
	h := newHarness(t, []source.Source{s}, withGate(gate))

	res, err := h.orch.EnrichItem(context.Background(), deceased(1, "Jane Doe"), DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.CleanupRan)
	assert.True(t, res.Detailed)

	narr := res.Fields[model.FieldNarrative]
	assert.Equal(t, "wikidata", narr.Source)
	assert.True(t, narr.Synthesized)
	assert.Equal(t, "Short.", narr.RawValue)
	assert.Equal(t, "cleanup", res.Fields[model.FieldLocation].Source)

	assert.InDelta(t, 0.004, h.ledger.BySource()["cleanup"], 1e-12)
	assert.InDelta(t, 0.004, res.CostUSD, 1e-12)
	assert.Equal(t, 1, h.orch.Stats().CleanupSubstantive)
}

func TestEnrichItem_CleanupLowConfidenceAddsNothing(t *testing.T) {
	s := src("wikidata", model.CategoryFree, model.TierSecondary,
		hit(0.8, model.FieldBundle{CauseOfDeath: "cancer", RawText: "raw"}, 0))
	gate := &fakeGate{res: &cleanup.Result{
		CauseOfDeath: "cancer", DeathLocation: "Paris",
		Confidence: 0.1, Substantive: true,
	}}
	h := newHarness(t, []source.Source{s}, withGate(gate))

	res, err := h.orch.EnrichItem(context.Background(), deceased(1, "Jane Doe"), DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.CleanupRan)
	assert.Equal(t, "cancer", res.Value(model.FieldCause))
	_, ok := res.Fields[model.FieldLocation]
	assert.False(t, ok)
}

func TestEnrichItem_Parallel(t *testing.T) {
	var inFlight, peak atomic.Int32
	track := func() {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
	}

	free := src("wikidata", model.CategoryFree, model.TierSecondary, miss(0))
	var srcs []source.Source
	srcs = append(srcs, free)
	var fanned []*fakeSource
	for _, n := range []string{"search", "perplexity", "claude"} {
		s := src(n, model.CategoryAI, model.TierMarginal, hit(0.6, model.FieldBundle{DeathLocation: n}, 0.001))
		s.onStart = track
		fanned = append(fanned, s)
		srcs = append(srcs, s)
	}
	h := newHarness(t, srcs)

	opts := DefaultOptions()
	opts.Parallel = 3
	opts.Cleanup = false
	res, err := h.orch.EnrichItem(context.Background(), deceased(1, "Jane Doe"), opts)
	require.NoError(t, err)

	assert.Len(t, res.Attempts, 4)
	assert.Equal(t, "wikidata", res.Attempts[0].Source, "free sources run first")
	for _, s := range fanned {
		assert.Equal(t, int32(1), s.calls.Load())
	}
	assert.Greater(t, peak.Load(), int32(1))
	assert.InDelta(t, 0.003, h.ledger.Total(), 1e-12)
	assert.Contains(t, []string{"search", "perplexity", "claude"}, res.Value(model.FieldLocation))
}

type recordingObserver struct {
	mu       sync.Mutex
	attempts int
	items    int
}

func (r *recordingObserver) ObserveAttempt(model.Attempt) {
	r.mu.Lock()
	r.attempts++
	r.mu.Unlock()
}

func (r *recordingObserver) ObserveItem(*model.EnrichmentResult) {
	r.mu.Lock()
	r.items++
	r.mu.Unlock()
}

func TestEnrichItem_ObserverAndStats(t *testing.T) {
	s := src("wikidata", model.CategoryFree, model.TierSecondary,
		hit(0.8, model.FieldBundle{CauseOfDeath: "cancer"}, 0))
	m := src("search", model.CategoryPaid, model.TierMarginal, miss(0.001))
	obs := &recordingObserver{}
	h := newHarness(t, []source.Source{s, m}, withObserver(obs))

	_, err := h.orch.EnrichItem(context.Background(), deceased(1, "Jane Doe"), DefaultOptions())
	require.NoError(t, err)
	_, err = h.orch.EnrichItem(context.Background(), model.Item{ID: 2, Name: "Alive"}, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 2, obs.attempts)
	assert.Equal(t, 2, obs.items)

	st := h.orch.Stats()
	assert.Equal(t, 2, st.ItemsProcessed)
	assert.Equal(t, 1, st.ItemsEnriched)
	assert.Equal(t, 1, st.Hits)
	assert.Equal(t, 1, st.Misses)
	assert.InDelta(t, 0.001, st.CostBySource["search"], 1e-12)
}
