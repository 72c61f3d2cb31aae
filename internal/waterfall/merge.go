package waterfall

import (
	"sort"

	"github.com/chenders/deadonfilm-sub007/internal/model"
)

// Dominates reports whether candidate should replace incumbent. With tiers
// on, a higher tier always wins and equal tiers fall back to strictly
// greater confidence. With tiers off only confidence counts.
func Dominates(candidate, incumbent SourceValue, useTiers bool) bool {
	if useTiers && candidate.Tier != incumbent.Tier {
		return candidate.Tier > incumbent.Tier
	}
	return candidate.Confidence > incumbent.Confidence
}

// Merger folds source answers into one value per field. It is not safe for
// concurrent use; callers running sources in parallel serialize Offer.
type Merger struct {
	cfg      *Config
	useTiers bool

	resolutions map[model.Field]*FieldResolution
	rawTexts    []RawText
}

// RawText is unstructured text a source read, kept for the cleanup gate.
type RawText struct {
	Source     string     `json:"source"`
	Tier       model.Tier `json:"tier"`
	Confidence float64    `json:"confidence"`
	URL        string     `json:"url,omitempty"`
	Text       string     `json:"text"`
}

// NewMerger creates a merger. useTiers enables tier ranking and the
// min-tier gate; with it off candidates compete on confidence alone.
func NewMerger(cfg *Config, useTiers bool) *Merger {
	if cfg == nil {
		cfg = NewConfig(DefaultThreshold)
	}
	return &Merger{
		cfg:         cfg,
		useTiers:    useTiers,
		resolutions: make(map[model.Field]*FieldResolution),
	}
}

// Offer records a successful source answer and merges every eligible field.
// It returns the fields this answer now wins.
func (m *Merger) Offer(source string, tier model.Tier, confidence float64, bundle model.FieldBundle) []model.Field {
	var accepted []model.Field

	vals := bundle.Values()
	for _, f := range model.AllFields() {
		v, ok := vals[f]
		if !ok {
			continue
		}
		res := m.resolution(f)
		sv := SourceValue{
			Source:     source,
			Value:      v,
			Confidence: confidence,
			Tier:       tier,
			SourceURL:  bundle.SourceURL,
		}

		switch {
		case confidence < res.Threshold:
			sv.Rejected = rejectBelowThreshold
		case m.useTiers && tier < m.cfg.Defaults.MinTier:
			sv.Rejected = rejectBelowMinTier
		case res.Winner != nil && !Dominates(sv, *res.Winner, m.useTiers):
			sv.Rejected = rejectDominated
		}

		res.Attempts = append(res.Attempts, sv)
		if sv.Rejected != "" {
			continue
		}
		winner := sv
		res.Winner = &winner
		res.ThresholdMet = true
		res.Resolved = true
		accepted = append(accepted, f)
	}

	if bundle.RawText != "" {
		m.rawTexts = append(m.rawTexts, RawText{
			Source:     source,
			Tier:       tier,
			Confidence: confidence,
			URL:        bundle.SourceURL,
			Text:       bundle.RawText,
		})
	}

	return accepted
}

// AddRawText keeps text a source read without merging any field from it.
// Sub-threshold answers still feed the cleanup gate this way.
func (m *Merger) AddRawText(rt RawText) {
	if rt.Text == "" {
		return
	}
	m.rawTexts = append(m.rawTexts, rt)
}

// Resolved reports whether a field has a merged value.
func (m *Merger) Resolved(f model.Field) bool {
	res, ok := m.resolutions[f]
	return ok && res.Resolved
}

// CoreResolved reports whether every core field has a merged value.
func (m *Merger) CoreResolved() bool {
	for _, f := range model.CoreFields() {
		if !m.Resolved(f) {
			return false
		}
	}
	return true
}

// Resolutions returns a copy of the per-field resolutions.
func (m *Merger) Resolutions() map[model.Field]FieldResolution {
	out := make(map[model.Field]FieldResolution, len(m.resolutions))
	for f, res := range m.resolutions {
		out[f] = *res
	}
	return out
}

// RawTexts returns every raw text gathered, highest tier first.
func (m *Merger) RawTexts() []RawText {
	out := append([]RawText(nil), m.rawTexts...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Tier > out[j].Tier
	})
	return out
}

// Result returns the merged values with their provenance.
func (m *Merger) Result() map[model.Field]model.FieldValue {
	out := make(map[model.Field]model.FieldValue, len(m.resolutions))
	for f, res := range m.resolutions {
		if !res.Resolved || res.Winner == nil {
			continue
		}
		w := res.Winner
		out[f] = model.FieldValue{
			Field:      f,
			Value:      w.Value,
			Confidence: w.Confidence,
			Source:     w.Source,
			Tier:       w.Tier,
			SourceURL:  w.SourceURL,
		}
	}
	return out
}

func (m *Merger) resolution(f model.Field) *FieldResolution {
	res, ok := m.resolutions[f]
	if !ok {
		res = &FieldResolution{Field: f, Threshold: m.cfg.Threshold(f)}
		m.resolutions[f] = res
	}
	return res
}
