package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chenders/deadonfilm-sub007/internal/cost"
	"github.com/chenders/deadonfilm-sub007/internal/enrich"
	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/internal/resilience"
	"github.com/chenders/deadonfilm-sub007/internal/run"
)

// exitCode is set by commands that finish without an error but still need
// a non-zero status, e.g. a batch stopped by its cost ceiling.
var exitCode int

var (
	backfillSel   itemSelection
	backfillFlags runFlags
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Enrich a batch of items",
	Long: `Selects items by ID, popularity, a missing field or retry eligibility and
runs each through the source cascade. SIGINT finishes the in-flight item
and stops the batch.

Exit codes: 0 completed or interrupted, 1 error, 2 batch cost ceiling
reached, 3 circuit breaker tripped.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := backfillSel.validate(); err != nil {
			return err
		}

		env, err := initEnrich(ctx, "backfill")
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := runBackfill(ctx, env, backfillSel, backfillFlags.options(cmd), backfillFlags.limits(), os.Stdout)
		if err != nil {
			return err
		}
		if rep != nil {
			exitCode = run.ExitCode(rep.ExitReason)
		}
		return nil
	},
}

func init() {
	fs := backfillCmd.Flags()
	fs.Int64SliceVar(&backfillSel.ids, "ids", nil, "item IDs to enrich (comma separated)")
	fs.Float64Var(&backfillSel.minPopularity, "min-popularity", 0, "only items at or above this popularity")
	fs.StringVar(&backfillSel.missing, "missing", "", "only items missing this field (cause_of_death, narrative, death_location, related_people)")
	fs.BoolVar(&backfillSel.retry, "retry", false, "only previously failed items that are eligible for retry")
	fs.IntVar(&backfillSel.limit, "limit", 100, "max number of items to process (0 = all)")
	backfillFlags.register(backfillCmd, true)
	rootCmd.AddCommand(backfillCmd)
}

// itemSelection picks the items for a batch. At most one of ids, missing
// and retry may be set; otherwise items are chosen by popularity.
type itemSelection struct {
	ids           []int64
	minPopularity float64
	missing       string
	retry         bool
	limit         int
}

func (s itemSelection) validate() error {
	modes := 0
	if len(s.ids) > 0 {
		modes++
	}
	if s.missing != "" {
		modes++
		if _, ok := model.ParseField(s.missing); !ok {
			return eris.Errorf("unknown field for --missing: %s", s.missing)
		}
	}
	if s.retry {
		modes++
	}
	if modes > 1 {
		return eris.New("--ids, --missing and --retry are mutually exclusive")
	}
	if s.limit < 0 {
		return eris.New("--limit must be >= 0")
	}
	return nil
}

// itemSource is the store query surface selectItems needs.
type itemSource interface {
	ItemsByIDs(ctx context.Context, ids []int64) ([]model.Item, error)
	ItemsByPopularity(ctx context.Context, minPopularity float64, limit int) ([]model.Item, error)
	ItemsMissingField(ctx context.Context, field model.Field, limit int) ([]model.Item, error)
	RetryCandidates(ctx context.Context, limit int) ([]model.Item, error)
}

// selectItems loads the batch. Explicit IDs are taken as given; every other
// mode skips items still waiting out their retry backoff, and the limit
// counts only the items that remain.
func selectItems(ctx context.Context, st itemSource, sel itemSelection, policy resilience.BackoffPolicy, now time.Time) ([]model.Item, error) {
	if len(sel.ids) > 0 {
		items, err := st.ItemsByIDs(ctx, sel.ids)
		if err != nil {
			return nil, eris.Wrap(err, "select items by id")
		}
		if sel.limit > 0 && len(items) > sel.limit {
			items = items[:sel.limit]
		}
		return items, nil
	}

	// Skipped items eat into a fixed query limit, so widen the query until
	// enough survive or the store runs out.
	fetch := sel.limit
	for {
		items, err := queryItems(ctx, st, sel, fetch)
		if err != nil {
			return nil, err
		}

		eligible := items[:0]
		for _, it := range items {
			if it.Retry.Attempts > 0 && !policy.Eligible(it.Retry, now) {
				continue
			}
			if sel.minPopularity > 0 && it.Popularity < sel.minPopularity {
				continue
			}
			eligible = append(eligible, it)
		}

		if fetch <= 0 {
			return eligible, nil
		}
		if len(eligible) >= sel.limit {
			return eligible[:sel.limit], nil
		}
		if len(items) < fetch {
			return eligible, nil
		}
		fetch *= 4
	}
}

func queryItems(ctx context.Context, st itemSource, sel itemSelection, limit int) ([]model.Item, error) {
	var (
		items []model.Item
		err   error
	)
	switch {
	case sel.retry:
		items, err = st.RetryCandidates(ctx, limit)
	case sel.missing != "":
		f, _ := model.ParseField(sel.missing)
		items, err = st.ItemsMissingField(ctx, f, limit)
	default:
		items, err = st.ItemsByPopularity(ctx, sel.minPopularity, limit)
	}
	if err != nil {
		return nil, eris.Wrap(err, "select items")
	}
	return items, nil
}

// runBackfill selects items, drives the batch and writes the summary to
// out. A reached batch ceiling is not an error; the report carries it.
func runBackfill(ctx context.Context, env *enrichEnv, sel itemSelection, opts enrich.Options, limits cost.Limits, out io.Writer) (*run.Report, error) {
	if n, err := env.Store.DeleteExpiredLookups(ctx, time.Now()); err != nil {
		zap.L().Warn("backfill: cache sweep failed", zap.Error(err))
	} else if n > 0 {
		zap.L().Info("backfill: expired cache entries removed", zap.Int("count", n))
	}

	policy := resilience.FromBackoffConfig(cfg.Backoff.MaxAttempts, float64(cfg.Backoff.BaseDelayMins))
	items, err := selectItems(ctx, env.Store, sel, policy, time.Now())
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		_, _ = fmt.Fprintln(out, "No items to enrich.")
		return nil, nil
	}

	d, err := env.driver(limits, backfillProgress())
	if err != nil {
		return nil, err
	}

	rep, err := d.Run(ctx, items, opts)
	if rep != nil {
		run.WriteSummary(out, rep)
	}
	if err != nil && !errors.Is(err, cost.ErrBatchLimit) {
		return rep, eris.Wrap(err, "backfill")
	}
	return rep, nil
}

func backfillProgress() run.Progress {
	return run.Progress{
		BeforeItem: func(index, total int, name string) {
			zap.L().Info(fmt.Sprintf("backfill: [%d/%d] %s", index, total, name))
		},
		AfterItem: func(index, total int, c model.RunCounters) {
			zap.L().Debug("backfill: item done",
				zap.Int("index", index),
				zap.Int("total", total),
				zap.Int("enriched", c.Enriched),
				zap.Int("failed", c.Failed),
			)
		},
	}
}
