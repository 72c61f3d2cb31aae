// Package cleanup is the final synthesis pass: every raw text gathered for
// an item is handed to a model that writes one coherent answer and says
// whether there was anything substantive to write.
package cleanup

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/internal/waterfall"
)

// ErrNoInput is returned when the gate is asked to run without text.
var ErrNoInput = eris.New("cleanup: no raw text to synthesize")

// Result is the gate's synthesized answer.
type Result struct {
	CauseOfDeath  string   `json:"cause_of_death"`
	Narrative     string   `json:"narrative"`
	DeathLocation string   `json:"death_location"`
	RelatedPeople []string `json:"related_people"`
	Confidence    float64  `json:"confidence"`
	Substantive   bool     `json:"has_substantive_content"`

	CostUSD float64 `json:"-"`
}

// Bundle returns the synthesized fields as a source-style bundle.
func (r *Result) Bundle() model.FieldBundle {
	return model.FieldBundle{
		CauseOfDeath:  strings.TrimSpace(r.CauseOfDeath),
		Narrative:     strings.TrimSpace(r.Narrative),
		DeathLocation: strings.TrimSpace(r.DeathLocation),
		RelatedPeople: r.RelatedPeople,
	}
}

// Gate synthesizes raw texts into a final answer. A gate that spent money
// before failing returns a non-nil Result carrying CostUSD with the error.
type Gate interface {
	Name() string
	Cleanup(ctx context.Context, item model.Item, texts []waterfall.RawText) (*Result, error)
}

// Apply folds a substantive gate result into merged fields. A synthesized
// value replaces the incumbent's Value and keeps its Source, Confidence and
// Tier, with the original moved to RawValue. Fields with no incumbent are
// attributed to the gate and, like any other candidate, are only merged when
// the gate's confidence meets the field's threshold in wf (nil skips the
// check). Non-substantive results change nothing.
func Apply(fields map[model.Field]model.FieldValue, res *Result, gate string, tier model.Tier, wf *waterfall.Config) map[model.Field]model.FieldValue {
	out := make(map[model.Field]model.FieldValue, len(fields)+1)
	for f, fv := range fields {
		out[f] = fv
	}
	if res == nil || !res.Substantive {
		return out
	}

	for f, v := range res.Bundle().Values() {
		incumbent, ok := out[f]
		if !ok {
			if wf != nil && res.Confidence < wf.Threshold(f) {
				continue
			}
			out[f] = model.FieldValue{
				Field:       f,
				Value:       v,
				Confidence:  res.Confidence,
				Source:      gate,
				Tier:        tier,
				Synthesized: true,
			}
			continue
		}
		if sameValue(incumbent.Value, v) {
			continue
		}
		if !incumbent.Synthesized {
			incumbent.RawValue = incumbent.Value
		}
		incumbent.Value = v
		incumbent.Synthesized = true
		out[f] = incumbent
	}
	return out
}

func sameValue(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && strings.TrimSpace(av) == strings.TrimSpace(bv)
	case []string:
		bv, ok := b.([]string)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	}
	return false
}

// hasText reports whether any raw text is non-blank.
func hasText(texts []waterfall.RawText) bool {
	for _, t := range texts {
		if strings.TrimSpace(t.Text) != "" {
			return true
		}
	}
	return false
}
