package source

import (
	"context"
	"strings"
	"time"

	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/pkg/wikidata"
)

// Wikidata reads structured death facts (P509 cause, P20 place of death)
// from the Wikidata SPARQL endpoint. It is free and needs no credentials.
type Wikidata struct {
	client   wikidata.Client
	minDelay time.Duration
}

// NewWikidata wraps a SPARQL client as a source.
func NewWikidata(client wikidata.Client, minDelay time.Duration) *Wikidata {
	return &Wikidata{client: client, minDelay: minDelay}
}

func (w *Wikidata) Descriptor() Descriptor {
	return Descriptor{
		Name:         "wikidata",
		Category:     model.CategoryFree,
		Tier:         model.TierSecondary,
		MinDelay:     w.minDelay,
		Timeout:      30 * time.Second,
		HighPriority: true,
	}
}

func (w *Wikidata) Available() bool { return w.client != nil }

func (w *Wikidata) Lookup(ctx context.Context, item model.Item) (*model.LookupResult, error) {
	if miss := RequireDeceased(item); miss != nil {
		return miss, nil
	}

	facts, err := w.client.DeathFacts(ctx, wikidata.Query{
		QID:       item.WikidataID,
		IMDbID:    item.IMDbID,
		Name:      item.Name,
		DeathDate: *item.Deathday,
	})
	if err != nil {
		return nil, FromHTTPError("wikidata", err)
	}
	if facts.Empty() {
		return model.Miss("no death facts on wikidata"), nil
	}

	cause := strings.Join(facts.Causes, ", ")
	if cause == "" {
		cause = facts.MannerOfDeath
	}

	// Structured statements are curated but often coarse ("cancer").
	confidence := 0.7
	if len(facts.Causes) > 1 {
		confidence = 0.6
	}

	bundle := model.FieldBundle{
		CauseOfDeath:  cause,
		DeathLocation: facts.PlaceOfDeath,
		SourceURL:     "https://www.wikidata.org/wiki/" + facts.QID,
	}
	var raw []string
	if cause != "" {
		raw = append(raw, item.Name+" died of "+cause+".")
	}
	if facts.PlaceOfDeath != "" {
		raw = append(raw, "Place of death: "+facts.PlaceOfDeath+".")
	}
	bundle.RawText = strings.Join(raw, " ")

	return &model.LookupResult{
		Success:    true,
		Confidence: confidence,
		Fields:     bundle,
	}, nil
}
