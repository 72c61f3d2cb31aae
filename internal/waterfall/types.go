package waterfall

import "github.com/chenders/deadonfilm-sub007/internal/model"

// SourceValue represents a field value from a specific source.
type SourceValue struct {
	Source     string     `json:"source"`
	Value      any        `json:"value"`
	Confidence float64    `json:"confidence"`
	Tier       model.Tier `json:"tier"`
	SourceURL  string     `json:"source_url,omitempty"`
	// Rejected explains why a candidate was not eligible to merge.
	Rejected string `json:"rejected,omitempty"`
}

// FieldResolution is the outcome of merging for a single field.
type FieldResolution struct {
	Field        model.Field   `json:"field"`
	Resolved     bool          `json:"resolved"`
	Winner       *SourceValue  `json:"winner,omitempty"`
	Threshold    float64       `json:"threshold"`
	ThresholdMet bool          `json:"threshold_met"`
	Attempts     []SourceValue `json:"attempts"`
}

const (
	rejectBelowThreshold = "below_threshold"
	rejectBelowMinTier   = "below_min_tier"
	rejectDominated      = "dominated"
)
