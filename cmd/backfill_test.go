//go:build !integration

package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/internal/resilience"
	"github.com/chenders/deadonfilm-sub007/internal/run"
)

func TestItemSelection_Validate(t *testing.T) {
	tests := []struct {
		name    string
		sel     itemSelection
		wantErr string
	}{
		{name: "popularity default", sel: itemSelection{limit: 10}},
		{name: "ids", sel: itemSelection{ids: []int64{1, 2}}},
		{name: "missing narrative", sel: itemSelection{missing: "narrative"}},
		{name: "retry", sel: itemSelection{retry: true}},
		{name: "unknown field", sel: itemSelection{missing: "shoe_size"}, wantErr: "unknown field"},
		{name: "ids and retry", sel: itemSelection{ids: []int64{1}, retry: true}, wantErr: "mutually exclusive"},
		{name: "missing and retry", sel: itemSelection{missing: "narrative", retry: true}, wantErr: "mutually exclusive"},
		{name: "negative limit", sel: itemSelection{limit: -1}, wantErr: "--limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sel.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func ids(items []model.Item) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestSelectItems(t *testing.T) {
	ctx := context.Background()
	st := newSeededStore(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	policy := resilience.BackoffPolicy{MaxAttempts: 3, BaseDelay: time.Hour}

	// Item 2 failed ten minutes ago and is still backing off.
	recent := now.Add(-10 * time.Minute)
	require.NoError(t, st.UpdateRetryState(ctx, 2, model.RetryState{Attempts: 1, LastAttemptAt: &recent}))
	// Item 3 failed long enough ago to be eligible again.
	old := now.Add(-3 * time.Hour)
	require.NoError(t, st.UpdateRetryState(ctx, 3, model.RetryState{Attempts: 1, LastAttemptAt: &old}))

	tests := []struct {
		name string
		sel  itemSelection
		want []int64
	}{
		{name: "popularity skips backoff", sel: itemSelection{}, want: []int64{1, 3}},
		{name: "min popularity", sel: itemSelection{minPopularity: 20}, want: []int64{1}},
		{name: "limit", sel: itemSelection{limit: 1}, want: []int64{1}},
		{name: "limit counts eligible items only", sel: itemSelection{limit: 2}, want: []int64{1, 3}},
		{name: "explicit ids ignore backoff", sel: itemSelection{ids: []int64{2, 3}}, want: []int64{2, 3}},
		{name: "explicit ids limited", sel: itemSelection{ids: []int64{1, 2, 3}, limit: 2}, want: []int64{1, 2}},
		{name: "retry eligible only", sel: itemSelection{retry: true}, want: []int64{3}},
		{name: "missing cause", sel: itemSelection{missing: "cause_of_death"}, want: []int64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := selectItems(ctx, st, tt.sel, policy, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(items))
		})
	}
}

func TestRunFlags_Options(t *testing.T) {
	useTestConfig(t)
	cfg.Sources.Enabled = map[string]bool{"perplexity": false}
	cfg.Enrich.Parallel = 2

	var f runFlags
	cmd := &cobra.Command{Use: "test"}
	f.register(cmd, true)
	require.NoError(t, cmd.ParseFlags([]string{
		"--paid=false", "--disable-source", "claude", "--gather-all",
		"--no-cleanup", "--bypass-cache", "--batch-cost-limit", "2.5",
	}))

	o := f.options(cmd)
	assert.True(t, o.Free, "unset flag keeps config")
	assert.False(t, o.Paid)
	assert.True(t, o.AI)
	assert.Equal(t, map[string]bool{"perplexity": false, "claude": false}, o.Sources)
	assert.True(t, o.GatherAll)
	assert.False(t, o.Cleanup)
	assert.True(t, o.BypassCache)
	assert.True(t, o.UseReliability)
	assert.Equal(t, 2, o.Parallel)
	assert.Equal(t, map[string]bool{"perplexity": false}, cfg.Sources.Enabled, "config map is not mutated")

	l := f.limits()
	assert.Equal(t, 2.5, l.PerBatchUSD)
	assert.Equal(t, cfg.Enrich.ItemCostLimitUSD, l.PerItemUSD)
}

func TestRunBackfill_EndToEnd(t *testing.T) {
	ctx := context.Background()
	useTestConfig(t)

	env, err := initEnrich(ctx, "backfill")
	require.NoError(t, err)
	defer env.Close()

	_, err = env.Store.ImportItems(ctx, testItems())
	require.NoError(t, err)

	opts := baseOptions()
	opts.Paid = false
	opts.AI = false

	var out bytes.Buffer
	rep, err := runBackfill(ctx, env, itemSelection{ids: []int64{1, 2}}, opts, baseLimits(), &out)
	require.NoError(t, err)
	require.NotNil(t, rep)

	assert.Equal(t, model.ExitCompleted, rep.ExitReason)
	assert.Equal(t, 0, run.ExitCode(rep.ExitReason))
	assert.Equal(t, 2, rep.Run.Counters.Processed)
	assert.Equal(t, 2, rep.Run.Counters.Enriched)
	assert.Contains(t, out.String(), "Jane Doe")

	got, err := env.Store.GetItem(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "myocardial infarction", got.CauseOfDeath)
	assert.Equal(t, "Santa Barbara", got.DeathLocation)

	stored, err := env.Store.GetRun(ctx, rep.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFinished, stored.Status)
}

func TestRunBackfill_NoItems(t *testing.T) {
	ctx := context.Background()
	useTestConfig(t)

	env, err := initEnrich(ctx, "backfill")
	require.NoError(t, err)
	defer env.Close()

	var out bytes.Buffer
	rep, err := runBackfill(ctx, env, itemSelection{retry: true}, baseOptions(), baseLimits(), &out)
	require.NoError(t, err)
	assert.Nil(t, rep)
	assert.Contains(t, out.String(), "No items to enrich.")
}

func TestInitEnrich_UnknownMinTier(t *testing.T) {
	useTestConfig(t)
	cfg.Enrich.MinTier = "gossip"

	_, err := initEnrich(context.Background(), "backfill")
	require.Error(t, err)
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	useTestConfig(t)
	cfg.Store.Driver = "mongo"

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitCache_Drivers(t *testing.T) {
	useTestConfig(t)
	st := newSeededStore(t)

	for _, driver := range []string{"store", "memory"} {
		cfg.Cache.Driver = driver
		c, client, err := initCache(context.Background(), st)
		require.NoError(t, err, driver)
		assert.NotNil(t, c, driver)
		assert.Nil(t, client, driver)
	}

	cfg.Cache.Driver = "none"
	c, _, err := initCache(context.Background(), st)
	require.NoError(t, err)
	assert.Nil(t, c)

	cfg.Cache.Driver = "memcached"
	_, _, err = initCache(context.Background(), st)
	assert.Error(t, err)
}
