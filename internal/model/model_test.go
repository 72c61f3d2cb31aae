package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestItem_IsDeceased(t *testing.T) {
	t.Parallel()

	assert.False(t, Item{Name: "Alive"}.IsDeceased())
	assert.False(t, Item{Name: "Zero", Deathday: &time.Time{}}.IsDeceased())
	assert.True(t, Item{Name: "Gone", Deathday: date(2020, time.March, 1)}.IsDeceased())
}

func TestItem_LookupQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		item Item
		want string
	}{
		{
			name: "name only",
			item: Item{Name: "  Jane Doe "},
			want: "Jane Doe",
		},
		{
			name: "all identity fields",
			item: Item{
				Name:       "John Smith",
				Birthday:   date(1931, time.February, 8),
				Deathday:   date(1955, time.September, 30),
				IMDbID:     "nm0000015",
				WikidataID: "Q83359",
			},
			want: "John Smith b1931 d1955-09-30 nm0000015 Q83359",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.item.LookupQuery())
		})
	}
}

func TestItem_DeathDisplay(t *testing.T) {
	t.Parallel()

	item := Item{Deathday: date(1955, time.September, 30)}
	assert.Equal(t, "Sep 30, 1955", item.DeathDisplay())
	assert.Equal(t, 1955, item.DeathYear())
	assert.Equal(t, "", Item{}.DeathDisplay())
	assert.Equal(t, 0, Item{}.BirthYear())
}

func TestTier_Ordering(t *testing.T) {
	t.Parallel()

	assert.Less(t, int(TierUnknown), int(TierUnreliableUGC))
	assert.Less(t, int(TierUnreliableUGC), int(TierMarginal))
	assert.Less(t, int(TierMarginal), int(TierSecondary))
	assert.Less(t, int(TierSecondary), int(TierTopNews))
}

func TestParseTier(t *testing.T) {
	t.Parallel()

	for _, tier := range []Tier{TierUnknown, TierUnreliableUGC, TierMarginal, TierSecondary, TierTopNews} {
		got, ok := ParseTier(tier.String())
		assert.True(t, ok, tier.String())
		assert.Equal(t, tier, got)
	}

	got, ok := ParseTier("tabloid")
	assert.False(t, ok)
	assert.Equal(t, TierUnknown, got)
}

func TestTier_JSONText(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(struct {
		Tier Tier `json:"tier"`
	}{TierTopNews})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tier":"top-news"}`, string(b))

	var out struct {
		Tier Tier `json:"tier"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"tier":"marginal"}`), &out))
	assert.Equal(t, TierMarginal, out.Tier)
}

func TestFieldBundle_Values(t *testing.T) {
	t.Parallel()

	b := FieldBundle{
		CauseOfDeath:  " heart attack ",
		DeathLocation: "",
		RelatedPeople: []string{"A", "B"},
	}
	vals := b.Values()
	assert.Len(t, vals, 2)
	assert.Equal(t, "heart attack", vals[FieldCause])
	assert.Equal(t, []string{"A", "B"}, vals[FieldRelated])
	assert.False(t, b.IsEmpty())

	assert.True(t, FieldBundle{}.IsEmpty())
	assert.False(t, FieldBundle{RawText: "article body"}.IsEmpty())
}

func TestParseField(t *testing.T) {
	t.Parallel()

	f, ok := ParseField("cause_of_death")
	assert.True(t, ok)
	assert.Equal(t, FieldCause, f)

	_, ok = ParseField("revenue")
	assert.False(t, ok)
}

func TestFieldValue_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "x", FieldValue{Value: "x"}.String())
	assert.Equal(t, "A, B", FieldValue{Value: []string{"A", "B"}}.String())
	assert.Equal(t, "", FieldValue{}.String())
}

func TestCategory_Rank(t *testing.T) {
	t.Parallel()

	assert.Less(t, CategoryFree.Rank(), CategoryPaid.Rank())
	assert.Less(t, CategoryPaid.Rank(), CategoryAI.Rank())
	assert.Less(t, CategoryAI.Rank(), Category("other").Rank())
}

func TestEnrichmentResult_Faulted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		attempts []Attempt
		faulted  bool
	}{
		{name: "no attempts", faulted: false},
		{name: "clean miss", attempts: []Attempt{{Source: "a", ErrorKind: ErrorMiss}}, faulted: false},
		{name: "hit", attempts: []Attempt{{Source: "a", Success: true}}, faulted: false},
		{name: "all faults", attempts: []Attempt{
			{Source: "a", ErrorKind: ErrorTransient},
			{Source: "b", ErrorKind: ErrorTimeout},
		}, faulted: true},
		{name: "one fault one miss", attempts: []Attempt{
			{Source: "a", ErrorKind: ErrorBlocked},
			{Source: "b", ErrorKind: ErrorMiss},
		}, faulted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := &EnrichmentResult{Attempts: tt.attempts}
			assert.Equal(t, tt.faulted, r.Faulted())
		})
	}
}

func TestNewRunItem(t *testing.T) {
	t.Parallel()

	res := &EnrichmentResult{
		ItemID: 42,
		Name:   "Jane Doe",
		Fields: map[Field]FieldValue{
			FieldCause:     {Field: FieldCause, Value: "cancer", Source: "wikidata", Confidence: 0.7},
			FieldNarrative: {Field: FieldNarrative, Value: "long text", Source: "claude", Confidence: 0.8},
		},
		Attempts: []Attempt{
			{Source: "wikidata", Success: true, CostUSD: 0},
			{Source: "claude", Success: true, CostUSD: 0.02},
		},
		CostUSD:  0.02,
		Detailed: true,
	}

	ri := NewRunItem("run-1", res)
	assert.Equal(t, "run-1", ri.RunID)
	assert.Equal(t, int64(42), ri.ItemID)
	assert.Equal(t, "claude", ri.WinningSource)
	assert.InDelta(t, 0.8, ri.Confidence, 1e-9)
	assert.Len(t, ri.Sources, 2)
	assert.True(t, ri.Detailed)
	assert.Equal(t, "", (*EnrichmentResult)(nil).Value(FieldCause))
	assert.Equal(t, "cancer", res.Value(FieldCause))
}
