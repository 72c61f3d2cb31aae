package model

import "strings"

// Field names a logical enrichment field.
type Field string

const (
	FieldCause     Field = "cause_of_death"
	FieldNarrative Field = "narrative"
	FieldLocation  Field = "death_location"
	FieldRelated   Field = "related_people"
)

// AllFields returns the merged fields in display order.
func AllFields() []Field {
	return []Field{FieldCause, FieldNarrative, FieldLocation, FieldRelated}
}

// CoreFields are the fields whose resolution ends a cascade early.
func CoreFields() []Field {
	return []Field{FieldCause, FieldNarrative}
}

// ParseField returns the Field for s, or false if s is not a known field.
func ParseField(s string) (Field, bool) {
	for _, f := range AllFields() {
		if string(f) == s {
			return f, true
		}
	}
	return "", false
}

// FieldBundle is the typed partial answer a source returns. Empty members
// mean the source did not supply that field.
type FieldBundle struct {
	CauseOfDeath  string   `json:"cause_of_death,omitempty"`
	Narrative     string   `json:"narrative,omitempty"`
	DeathLocation string   `json:"death_location,omitempty"`
	RelatedPeople []string `json:"related_people,omitempty"`

	// RawText is the unstructured text the source read, kept for the
	// cleanup pass.
	RawText   string `json:"raw_text,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
}

// Values returns the non-empty fields of the bundle.
func (b FieldBundle) Values() map[Field]any {
	out := make(map[Field]any, 4)
	if s := strings.TrimSpace(b.CauseOfDeath); s != "" {
		out[FieldCause] = s
	}
	if s := strings.TrimSpace(b.Narrative); s != "" {
		out[FieldNarrative] = s
	}
	if s := strings.TrimSpace(b.DeathLocation); s != "" {
		out[FieldLocation] = s
	}
	if len(b.RelatedPeople) > 0 {
		out[FieldRelated] = append([]string(nil), b.RelatedPeople...)
	}
	return out
}

// IsEmpty reports whether the bundle carries no field values and no text.
func (b FieldBundle) IsEmpty() bool {
	return len(b.Values()) == 0 && strings.TrimSpace(b.RawText) == ""
}

// FieldValue is a merged value with the provenance that produced it.
type FieldValue struct {
	Field      Field   `json:"field"`
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
	Tier       Tier    `json:"tier"`
	SourceURL  string  `json:"source_url,omitempty"`

	// Synthesized is set when the cleanup gate rewrote Value. RawValue then
	// holds the value the source originally returned.
	Synthesized bool `json:"synthesized,omitempty"`
	RawValue    any  `json:"raw_value,omitempty"`
}

// String renders the value as text. Lists are joined with ", ".
func (fv FieldValue) String() string {
	switch v := fv.Value.(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, ", ")
	case nil:
		return ""
	default:
		return ""
	}
}
