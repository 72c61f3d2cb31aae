package enrich

import (
	"github.com/chenders/deadonfilm-sub007/internal/model"
)

// DefaultMinNarrativeLength is the shortest narrative (in characters) that
// can count as detailed content.
const DefaultMinNarrativeLength = 200

// Options are the per-run switches of the orchestrator. They are passed
// explicitly on every call; nothing is process-wide.
type Options struct {
	// Category toggles.
	Free bool `json:"free"`
	Paid bool `json:"paid"`
	AI   bool `json:"ai"`

	// Sources holds per-source enable flags. A source mapped to false is
	// skipped; unlisted sources follow their category toggle.
	Sources map[string]bool `json:"sources,omitempty"`
	// Only, when non-empty, restricts the cascade to these source names.
	Only []string `json:"only,omitempty"`

	GatherAll      bool `json:"gather_all"`
	Cleanup        bool `json:"cleanup"`
	BypassCache    bool `json:"bypass_cache"`
	UseReliability bool `json:"use_reliability"`

	MinNarrativeLength int `json:"min_narrative_length"`
	// Parallel > 1 fans the non-priority paid and AI sources out
	// concurrently.
	Parallel int `json:"parallel"`
}

// DefaultOptions enables every category, cleanup and tier gating.
func DefaultOptions() Options {
	return Options{
		Free:               true,
		Paid:               true,
		AI:                 true,
		Cleanup:            true,
		UseReliability:     true,
		MinNarrativeLength: DefaultMinNarrativeLength,
		Parallel:           1,
	}
}

// CategoryEnabled reports whether a source category is toggled on.
func (o Options) CategoryEnabled(c model.Category) bool {
	switch c {
	case model.CategoryFree:
		return o.Free
	case model.CategoryPaid:
		return o.Paid
	case model.CategoryAI:
		return o.AI
	}
	return false
}

// SourceEnabled reports whether the per-source flags allow name.
func (o Options) SourceEnabled(name string) bool {
	if len(o.Only) > 0 {
		found := false
		for _, n := range o.Only {
			if n == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if on, ok := o.Sources[name]; ok {
		return on
	}
	return true
}

func (o Options) minNarrative() int {
	if o.MinNarrativeLength <= 0 {
		return DefaultMinNarrativeLength
	}
	return o.MinNarrativeLength
}

// Map renders the options for the run record.
func (o Options) Map() map[string]any {
	m := map[string]any{
		"free":                 o.Free,
		"paid":                 o.Paid,
		"ai":                   o.AI,
		"gather_all":           o.GatherAll,
		"cleanup":              o.Cleanup,
		"bypass_cache":         o.BypassCache,
		"use_reliability":      o.UseReliability,
		"min_narrative_length": o.minNarrative(),
		"parallel":             o.Parallel,
	}
	if len(o.Sources) > 0 {
		m["sources"] = o.Sources
	}
	if len(o.Only) > 0 {
		m["only"] = o.Only
	}
	return m
}
