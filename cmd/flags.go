package main

import (
	"github.com/spf13/cobra"

	"github.com/chenders/deadonfilm-sub007/internal/cost"
	"github.com/chenders/deadonfilm-sub007/internal/enrich"
)

// runFlags are the per-run overrides shared by enrich and backfill. A flag
// only overrides config when it was set on the command line.
type runFlags struct {
	free, paid, ai  bool
	only            []string
	disable         []string
	gatherAll       bool
	noCleanup       bool
	bypassCache     bool
	noReliability   bool
	parallel        int
	itemLimitUSD    float64
	batchLimitUSD   float64
	minNarrativeLen int
}

func (f *runFlags) register(cmd *cobra.Command, batch bool) {
	fs := cmd.Flags()
	fs.BoolVar(&f.free, "free", true, "query free sources")
	fs.BoolVar(&f.paid, "paid", true, "query paid sources")
	fs.BoolVar(&f.ai, "ai", true, "query AI sources")
	fs.StringSliceVar(&f.only, "source", nil, "restrict the cascade to these sources (repeatable)")
	fs.StringSliceVar(&f.disable, "disable-source", nil, "skip these sources (repeatable)")
	fs.BoolVar(&f.gatherAll, "gather-all", false, "query every source instead of stopping once core fields are found")
	fs.BoolVar(&f.noCleanup, "no-cleanup", false, "skip the AI cleanup gate")
	fs.BoolVar(&f.bypassCache, "bypass-cache", false, "ignore cached answers (fresh answers are still cached)")
	fs.BoolVar(&f.noReliability, "no-reliability", false, "disable reliability-tier gating and dominance")
	fs.IntVar(&f.parallel, "parallel", 0, "fan non-priority paid and AI sources out concurrently (default from config)")
	fs.IntVar(&f.minNarrativeLen, "min-narrative-length", 0, "shortest narrative counted as detailed (default from config)")
	fs.Float64Var(&f.itemLimitUSD, "item-cost-limit", 0, "per-item spend ceiling in USD (default from config)")
	if batch {
		fs.Float64Var(&f.batchLimitUSD, "batch-cost-limit", 0, "per-batch spend ceiling in USD (default from config)")
	}
}

// options applies the set flags on top of the configured options.
func (f *runFlags) options(cmd *cobra.Command) enrich.Options {
	o := baseOptions()
	changed := cmd.Flags().Changed

	if changed("free") {
		o.Free = f.free
	}
	if changed("paid") {
		o.Paid = f.paid
	}
	if changed("ai") {
		o.AI = f.ai
	}
	if len(f.only) > 0 {
		o.Only = f.only
	}
	if len(f.disable) > 0 {
		if o.Sources == nil {
			o.Sources = make(map[string]bool, len(f.disable))
		}
		for _, name := range f.disable {
			o.Sources[name] = false
		}
	}
	if f.gatherAll {
		o.GatherAll = true
	}
	if f.noCleanup {
		o.Cleanup = false
	}
	if f.bypassCache {
		o.BypassCache = true
	}
	if f.noReliability {
		o.UseReliability = false
	}
	if f.parallel > 0 {
		o.Parallel = f.parallel
	}
	if f.minNarrativeLen > 0 {
		o.MinNarrativeLength = f.minNarrativeLen
	}
	return o
}

// limits applies the set ceilings on top of the configured ones.
func (f *runFlags) limits() cost.Limits {
	l := baseLimits()
	if f.itemLimitUSD > 0 {
		l.PerItemUSD = f.itemLimitUSD
	}
	if f.batchLimitUSD > 0 {
		l.PerBatchUSD = f.batchLimitUSD
	}
	return l
}
