package model

import "strings"

// Category groups sources for the free/paid/AI toggles. The order of the
// constants is the cascade order.
type Category string

const (
	CategoryFree Category = "free"
	CategoryPaid Category = "paid"
	CategoryAI   Category = "ai"
)

// Rank orders categories in the cascade (free first).
func (c Category) Rank() int {
	switch c {
	case CategoryFree:
		return 0
	case CategoryPaid:
		return 1
	case CategoryAI:
		return 2
	default:
		return 3
	}
}

// LookupResult is what a single source lookup returns. Ordinary "not found"
// outcomes are LookupResults with Success=false and a Reason, never errors.
type LookupResult struct {
	Success    bool        `json:"success"`
	Confidence float64     `json:"confidence"`
	Tier       Tier        `json:"tier"`
	Fields     FieldBundle `json:"fields"`
	Reason     string      `json:"reason,omitempty"`
	CostUSD    float64     `json:"cost_usd"`
}

// Miss builds a failed result with a human-readable reason.
func Miss(reason string) *LookupResult {
	return &LookupResult{Success: false, Reason: reason}
}

// ErrorKind classifies why an attempt did not produce data.
type ErrorKind string

const (
	ErrorNone      ErrorKind = ""
	ErrorMiss      ErrorKind = "miss"
	ErrorBlocked   ErrorKind = "blocked"
	ErrorTimeout   ErrorKind = "timeout"
	ErrorAuth      ErrorKind = "auth"
	ErrorTransient ErrorKind = "transient"
	ErrorPermanent ErrorKind = "permanent"
)

// IsFault reports whether the kind is an actual failure rather than a clean
// response (hit or ordinary miss).
func (k ErrorKind) IsFault() bool {
	return k != ErrorNone && k != ErrorMiss
}

// Attempt records one source attempt for one item, whatever its outcome.
type Attempt struct {
	Source     string    `json:"source"`
	Category   Category  `json:"category"`
	Success    bool      `json:"success"`
	Confidence float64   `json:"confidence"`
	Tier       Tier      `json:"tier"`
	Cached     bool      `json:"cached,omitempty"`
	CostUSD    float64   `json:"cost_usd"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Accepted   []Field   `json:"accepted,omitempty"`
}

// StopReason says why an item's cascade ended.
type StopReason string

const (
	StopExhausted   StopReason = "exhausted"
	StopEarlyExit   StopReason = "early_exit"
	StopItemLimit   StopReason = "item_cost_limit"
	StopBatchLimit  StopReason = "batch_cost_limit"
	StopCanceled    StopReason = "canceled"
	StopNoSources   StopReason = "no_sources"
	StopNotDeceased StopReason = "not_deceased"
)

// EnrichmentResult is the orchestrator's answer for one item.
type EnrichmentResult struct {
	ItemID int64  `json:"item_id"`
	Name   string `json:"name"`

	Fields   map[Field]FieldValue `json:"fields"`
	Attempts []Attempt            `json:"attempts"`

	CostUSD    float64    `json:"cost_usd"`
	DurationMS int64      `json:"duration_ms"`
	StopReason StopReason `json:"stop_reason"`

	CleanupRan         bool `json:"cleanup_ran"`
	CleanupSubstantive bool `json:"cleanup_substantive"`
	Detailed           bool `json:"detailed"`
}

// Value returns the merged text value of a field, or "".
func (r *EnrichmentResult) Value(f Field) string {
	if r == nil {
		return ""
	}
	fv, ok := r.Fields[f]
	if !ok {
		return ""
	}
	return strings.TrimSpace(fv.String())
}

// Winner returns the provenance of the most important resolved field:
// narrative first, then cause of death.
func (r *EnrichmentResult) Winner() (FieldValue, bool) {
	if r == nil {
		return FieldValue{}, false
	}
	for _, f := range []Field{FieldNarrative, FieldCause, FieldLocation, FieldRelated} {
		if fv, ok := r.Fields[f]; ok {
			return fv, true
		}
	}
	return FieldValue{}, false
}

// HasData reports whether any field was merged.
func (r *EnrichmentResult) HasData() bool {
	return r != nil && len(r.Fields) > 0
}

// Responded reports whether at least one source answered cleanly (a hit or
// an ordinary miss).
func (r *EnrichmentResult) Responded() bool {
	if r == nil {
		return false
	}
	for _, a := range r.Attempts {
		if !a.ErrorKind.IsFault() {
			return true
		}
	}
	return false
}

// Faulted reports whether sources were attempted and every one of them
// failed with a fault. Such items count against the circuit breaker.
func (r *EnrichmentResult) Faulted() bool {
	return r != nil && len(r.Attempts) > 0 && !r.Responded()
}
