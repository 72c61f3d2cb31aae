package enrich

import (
	"sort"
	"sync"

	"github.com/chenders/deadonfilm-sub007/internal/model"
)

// Stats are the orchestrator's aggregate counters across every item it
// has processed.
type Stats struct {
	ItemsProcessed     int                     `json:"items_processed"`
	ItemsEnriched      int                     `json:"items_enriched"`
	ItemsDetailed      int                     `json:"items_detailed"`
	Attempts           int                     `json:"attempts"`
	Hits               int                     `json:"hits"`
	Misses             int                     `json:"misses"`
	CacheHits          int                     `json:"cache_hits"`
	ErrorsByKind       map[model.ErrorKind]int `json:"errors_by_kind"`
	CostBySource       map[string]float64      `json:"cost_by_source"`
	CleanupRuns        int                     `json:"cleanup_runs"`
	CleanupSubstantive int                     `json:"cleanup_substantive"`
	// BlockedSources lists sources that hit an access block at least once.
	BlockedSources []string `json:"blocked_sources,omitempty"`
	// HighPriorityTimeouts lists high-priority sources that timed out.
	HighPriorityTimeouts []string `json:"high_priority_timeouts,omitempty"`
}

type statsTracker struct {
	mu       sync.Mutex
	s        Stats
	blocked  map[string]bool
	timeouts map[string]bool
}

func newStatsTracker() *statsTracker {
	return &statsTracker{
		s: Stats{
			ErrorsByKind: make(map[model.ErrorKind]int),
			CostBySource: make(map[string]float64),
		},
		blocked:  make(map[string]bool),
		timeouts: make(map[string]bool),
	}
}

func (t *statsTracker) attempt(a model.Attempt, highPriority bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.s.Attempts++
	switch {
	case a.Success:
		t.s.Hits++
	case a.ErrorKind == model.ErrorMiss:
		t.s.Misses++
	}
	if a.Cached {
		t.s.CacheHits++
	}
	if a.ErrorKind.IsFault() {
		t.s.ErrorsByKind[a.ErrorKind]++
	}
	if a.CostUSD > 0 {
		t.s.CostBySource[a.Source] += a.CostUSD
	}
	if a.ErrorKind == model.ErrorBlocked {
		t.blocked[a.Source] = true
	}
	if a.ErrorKind == model.ErrorTimeout && highPriority {
		t.timeouts[a.Source] = true
	}
}

func (t *statsTracker) cleanup(costUSD float64, gate string, ran, substantive bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if costUSD > 0 {
		t.s.CostBySource[gate] += costUSD
	}
	if ran {
		t.s.CleanupRuns++
	}
	if substantive {
		t.s.CleanupSubstantive++
	}
}

func (t *statsTracker) item(res *model.EnrichmentResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.ItemsProcessed++
	if res.HasData() {
		t.s.ItemsEnriched++
	}
	if res.Detailed {
		t.s.ItemsDetailed++
	}
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.s
	out.ErrorsByKind = make(map[model.ErrorKind]int, len(t.s.ErrorsByKind))
	for k, v := range t.s.ErrorsByKind {
		out.ErrorsByKind[k] = v
	}
	out.CostBySource = make(map[string]float64, len(t.s.CostBySource))
	for k, v := range t.s.CostBySource {
		out.CostBySource[k] = v
	}
	out.BlockedSources = sortedKeys(t.blocked)
	out.HighPriorityTimeouts = sortedKeys(t.timeouts)
	return out
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
