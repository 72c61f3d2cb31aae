package run

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/chenders/deadonfilm-sub007/internal/cost"
	"github.com/chenders/deadonfilm-sub007/internal/enrich"
	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/internal/resilience"
)

// Process exit codes for batch commands.
const (
	ExitCodeOK        = 0
	ExitCodeError     = 1
	ExitCodeCostLimit = 2
	ExitCodeBreaker   = 3
)

// Outcome pairs an item with what enrichment produced for it.
type Outcome struct {
	Item   model.Item
	Result *model.EnrichmentResult
}

// Report is everything a finished (or stopped) run produced.
type Report struct {
	Run        *model.Run
	ExitReason model.ExitReason
	Outcomes   []Outcome
	Stats      enrich.Stats
	Costs      []cost.SourceCost
	// Breaker is set when the circuit breaker ended the run.
	Breaker *resilience.Snapshot
}

// Results returns the enrichment results in processing order.
func (r *Report) Results() []*model.EnrichmentResult {
	if r == nil {
		return nil
	}
	out := make([]*model.EnrichmentResult, len(r.Outcomes))
	for i, o := range r.Outcomes {
		out[i] = o.Result
	}
	return out
}

// ExitCode maps an exit reason to the process exit code. An interrupted
// run is not an error.
func ExitCode(reason model.ExitReason) int {
	switch reason {
	case model.ExitCompleted, model.ExitInterrupted:
		return ExitCodeOK
	case model.ExitCostLimit:
		return ExitCodeCostLimit
	case model.ExitCircuitBreaker:
		return ExitCodeBreaker
	default:
		return ExitCodeError
	}
}

// WriteSummary prints the operator-facing end-of-run summary.
func WriteSummary(w io.Writer, rep *Report) {
	if rep == nil || rep.Run == nil {
		return
	}
	run := rep.Run
	c := run.Counters

	fmt.Fprintf(w, "Run %s: %s\n", run.ID, rep.ExitReason)
	fmt.Fprintf(w, "  queried %d, processed %d, enriched %d, failed %d, permanently failed %d\n",
		c.Queried, c.Processed, c.Enriched, c.Failed, c.PermanentlyFailed)
	fmt.Fprintf(w, "  total cost $%.4f\n", run.TotalCostUSD)

	if len(rep.Outcomes) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tDIED\tCAUSE\tDETAILED\tSTOP\tCOST")
		for _, o := range rep.Outcomes {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\t%s\t$%.4f\n",
				o.Item.ID,
				o.Item.Name,
				o.Item.DeathDisplay(),
				truncate(o.Result.Value(model.FieldCause), 40),
				o.Result.Detailed,
				o.Result.StopReason,
				o.Result.CostUSD,
			)
		}
		_ = tw.Flush()
	}

	if len(rep.Costs) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Cost by source:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, sc := range rep.Costs {
			fmt.Fprintf(tw, "  %s\t$%.4f\n", sc.Source, sc.USD)
		}
		_ = tw.Flush()
	}

	if len(rep.Stats.BlockedSources) > 0 {
		fmt.Fprintf(w, "\nBlocked sources (review access): %s\n", strings.Join(rep.Stats.BlockedSources, ", "))
	}
	if len(rep.Stats.HighPriorityTimeouts) > 0 {
		fmt.Fprintf(w, "High-priority sources that timed out: %s\n", strings.Join(rep.Stats.HighPriorityTimeouts, ", "))
	}

	switch rep.ExitReason {
	case model.ExitCostLimit:
		fmt.Fprintln(w, "\nStopped at the batch cost ceiling. Results gathered so far were saved.")
	case model.ExitInterrupted:
		fmt.Fprintln(w, "\nInterrupted. The in-flight item finished and was saved.")
	case model.ExitCircuitBreaker:
		fmt.Fprintln(w, "\nCircuit breaker tripped: consecutive items failed on every source.")
		fmt.Fprintln(w, "This is likely an upstream outage (network, API credentials or rate limits),")
		fmt.Fprintln(w, "not a problem with the items. Check source status before re-running.")
		if b := rep.Breaker; b != nil {
			fmt.Fprintf(w, "  %d consecutive failures (threshold %d); last error: %s\n",
				b.ConsecutiveFailures, b.Threshold, b.LastError)
		}
	case model.ExitError:
		fmt.Fprintf(w, "\nRun aborted: %s\n", run.Error)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
