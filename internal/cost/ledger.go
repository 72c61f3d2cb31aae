package cost

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/chenders/deadonfilm-sub007/internal/model"
)

var (
	// ErrItemLimit is returned by Charge once the current item's spend
	// reaches the per-item ceiling.
	ErrItemLimit = eris.New("cost: per-item ceiling reached")
	// ErrBatchLimit is returned by Charge once the run's spend reaches the
	// per-batch ceiling.
	ErrBatchLimit = eris.New("cost: batch ceiling reached")
)

// Limits are the optional spend ceilings in USD. Zero means unlimited.
type Limits struct {
	PerItemUSD  float64 `json:"per_item_usd,omitempty"`
	PerBatchUSD float64 `json:"per_batch_usd,omitempty"`
}

// Ledger tracks spend for one run: the batch total, the current item, and a
// breakdown by source. It is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	limits   Limits
	total    float64
	item     float64
	bySource map[string]float64
	charges  int
}

// NewLedger creates a ledger with the given ceilings.
func NewLedger(limits Limits) *Ledger {
	return &Ledger{
		limits:   limits,
		bySource: make(map[string]float64),
	}
}

// StartItem resets the per-item total.
func (l *Ledger) StartItem() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.item = 0
}

// Charge records spend for source and reports whether a ceiling has been
// reached. The charge is always recorded, even when it crosses a ceiling.
// The batch ceiling takes precedence over the item ceiling.
func (l *Ledger) Charge(source string, usd float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if usd < 0 {
		usd = 0
	}
	l.charges++
	l.total += usd
	l.item += usd
	if usd > 0 {
		l.bySource[source] += usd
	}
	return l.check()
}

// Check reports a reached ceiling without charging anything.
func (l *Ledger) Check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check()
}

func (l *Ledger) check() error {
	if l.limits.PerBatchUSD > 0 && l.total >= l.limits.PerBatchUSD {
		return ErrBatchLimit
	}
	if l.limits.PerItemUSD > 0 && l.item >= l.limits.PerItemUSD {
		return ErrItemLimit
	}
	return nil
}

// Total returns the batch spend so far.
func (l *Ledger) Total() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// ItemTotal returns the current item's spend so far.
func (l *Ledger) ItemTotal() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.item
}

// Charges returns how many charges were recorded.
func (l *Ledger) Charges() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.charges
}

// Limits returns the configured ceilings.
func (l *Ledger) Limits() Limits {
	return l.limits
}

// BySource returns a copy of the per-source spend.
func (l *Ledger) BySource() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.bySource))
	for k, v := range l.bySource {
		out[k] = v
	}
	return out
}

// SourceCost is one line of a cost breakdown.
type SourceCost struct {
	Source string
	USD    float64
}

// Breakdown returns per-source spend, most expensive first.
func (l *Ledger) Breakdown() []SourceCost {
	by := l.BySource()
	out := make([]SourceCost, 0, len(by))
	for s, v := range by {
		out = append(out, SourceCost{Source: s, USD: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].USD != out[j].USD {
			return out[i].USD > out[j].USD
		}
		return out[i].Source < out[j].Source
	})
	return out
}

// LimitError is the control-flow signal for a reached batch ceiling. It
// carries every item result gathered so far so the caller can persist them.
type LimitError struct {
	Limit   float64
	Spent   float64
	Run     *model.Run
	Results []*model.EnrichmentResult
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("cost: batch ceiling $%.4f reached (spent $%.4f, %d items kept)", e.Limit, e.Spent, len(e.Results))
}

// Unwrap lets errors.Is(err, ErrBatchLimit) match.
func (e *LimitError) Unwrap() error {
	return ErrBatchLimit
}
