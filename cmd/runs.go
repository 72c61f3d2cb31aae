package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/internal/monitoring"
	"github.com/chenders/deadonfilm-sub007/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect enrichment run history",
	Long:  "Commands for listing, viewing, and summarizing enrichment runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrichment runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("runs"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		exitReason, _ := cmd.Flags().GetString("exit-reason")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status:     model.RunStatus(status),
			ExitReason: model.ExitReason(exitReason),
			Limit:      limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run and its items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("runs"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		detail, err := loadRunDetail(ctx, st, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(detail)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("runs"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		snap, err := monitoring.NewCollector(st).Collect(ctx, int(since.Hours()))
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, snap)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, finished)")
	runsListCmd.Flags().String("exit-reason", "", "filter by exit reason (completed, cost_limit, interrupted, circuit_breaker, error)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h; 0 = all)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runDetail is a run together with its per-item audit rows.
type runDetail struct {
	*model.Run
	Items []model.RunItem `json:"items"`
}

// runReader is the store surface for reading one run.
type runReader interface {
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRunItems(ctx context.Context, runID string) ([]model.RunItem, error)
}

func loadRunDetail(ctx context.Context, st runReader, id string) (*runDetail, error) {
	r, err := st.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := st.ListRunItems(ctx, id)
	if err != nil {
		return nil, err
	}
	return &runDetail{Run: r, Items: items}, nil
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tEXIT\tPROCESSED\tENRICHED\tFAILED\tCOST\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t----\t---------\t--------\t------\t----\t-------\t--------")

	for _, r := range runs {
		end := r.UpdatedAt
		if r.FinishedAt != nil {
			end = *r.FinishedAt
		}
		dur := end.Sub(r.StartedAt).Round(time.Second).String()

		exit := string(r.ExitReason)
		if exit == "" {
			exit = "-"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t$%.4f\t%s\t%s\n",
			truncateID(r.ID),
			r.Status,
			exit,
			r.Counters.Processed,
			r.Counters.Enriched,
			r.Counters.Failed,
			r.TotalCostUSD,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if s.LookbackHours > 0 {
		_, _ = fmt.Fprintf(w, "Window:\tlast %dh\n", s.LookbackHours)
	} else {
		_, _ = fmt.Fprintln(w, "Window:\tall history")
	}
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.RunsTotal)
	_, _ = fmt.Fprintf(w, "  Running:\t%d\n", s.RunsRunning)
	_, _ = fmt.Fprintf(w, "  Completed:\t%d\n", s.RunsCompleted)
	_, _ = fmt.Fprintf(w, "  Cost limit:\t%d\n", s.RunsCostLimit)
	_, _ = fmt.Fprintf(w, "  Interrupted:\t%d\n", s.RunsInterrupted)
	_, _ = fmt.Fprintf(w, "  Circuit breaker:\t%d\n", s.RunsCircuitBreaker)
	_, _ = fmt.Fprintf(w, "  Error:\t%d\n", s.RunsErrored)
	_, _ = fmt.Fprintf(w, "Items processed:\t%d\n", s.ItemsProcessed)
	_, _ = fmt.Fprintf(w, "  Enriched:\t%d\n", s.ItemsEnriched)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d (%.1f%%)\n", s.ItemsFailed, s.ItemFailRate*100)
	_, _ = fmt.Fprintf(w, "  Permanently failed:\t%d\n", s.ItemsPermanentlyFailed)
	_, _ = fmt.Fprintf(w, "Total cost:\t$%.4f\n", s.CostUSD)

	sources := make([]string, 0, len(s.CostBySource))
	for src := range s.CostBySource {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	for _, src := range sources {
		_, _ = fmt.Fprintf(w, "  %s:\t$%.4f\n", src, s.CostBySource[src])
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
