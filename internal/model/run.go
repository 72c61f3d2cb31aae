package model

import "time"

// RunStatus is the lifecycle state of a batch run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusFinished RunStatus = "finished"
)

// ExitReason says why a run ended.
type ExitReason string

const (
	ExitCompleted      ExitReason = "completed"
	ExitCostLimit      ExitReason = "cost_limit"
	ExitInterrupted    ExitReason = "interrupted"
	ExitCircuitBreaker ExitReason = "circuit_breaker"
	ExitError          ExitReason = "error"
)

// RunCounters are the aggregate counters of a run.
type RunCounters struct {
	Queried           int `json:"queried"`
	Processed         int `json:"processed"`
	Enriched          int `json:"enriched"`
	Failed            int `json:"failed"`
	PermanentlyFailed int `json:"permanently_failed"`
}

// Run is one batch run. It is created at start, updated after every item,
// and finalized with an exit reason.
type Run struct {
	ID           string             `json:"id"`
	Status       RunStatus          `json:"status"`
	ExitReason   ExitReason         `json:"exit_reason,omitempty"`
	Options      map[string]any     `json:"options,omitempty"`
	Counters     RunCounters        `json:"counters"`
	TotalCostUSD float64            `json:"total_cost_usd"`
	CostBySource map[string]float64 `json:"cost_by_source,omitempty"`
	MutatedItems []int64            `json:"mutated_items,omitempty"`
	CurrentItem  string             `json:"current_item,omitempty"`
	Error        string             `json:"error,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
}

// SourceAttempt is the compact per-source line of a RunItem.
type SourceAttempt struct {
	Source    string    `json:"source"`
	Success   bool      `json:"success"`
	Cached    bool      `json:"cached,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	CostUSD   float64   `json:"cost_usd"`
}

// RunItem is the audit row for one item processed by a run, keyed by
// (RunID, ItemID). Re-processing the item in the same run overwrites it.
type RunItem struct {
	RunID         string          `json:"run_id"`
	ItemID        int64           `json:"item_id"`
	Name          string          `json:"name"`
	Sources       []SourceAttempt `json:"sources"`
	WinningSource string          `json:"winning_source,omitempty"`
	Confidence    float64         `json:"confidence"`
	CostUSD       float64         `json:"cost_usd"`
	DurationMS    int64           `json:"duration_ms"`
	Detailed      bool            `json:"detailed"`
	StopReason    StopReason      `json:"stop_reason,omitempty"`
	Error         string          `json:"error,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewRunItem builds the audit row for an enrichment result.
func NewRunItem(runID string, res *EnrichmentResult) RunItem {
	ri := RunItem{
		RunID:      runID,
		ItemID:     res.ItemID,
		Name:       res.Name,
		CostUSD:    res.CostUSD,
		DurationMS: res.DurationMS,
		Detailed:   res.Detailed,
		StopReason: res.StopReason,
	}
	for _, a := range res.Attempts {
		ri.Sources = append(ri.Sources, SourceAttempt{
			Source:    a.Source,
			Success:   a.Success,
			Cached:    a.Cached,
			ErrorKind: a.ErrorKind,
			CostUSD:   a.CostUSD,
		})
	}
	if w, ok := res.Winner(); ok {
		ri.WinningSource = w.Source
		ri.Confidence = w.Confidence
	}
	return ri
}
