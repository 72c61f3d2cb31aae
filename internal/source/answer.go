package source

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/pkg/anthropic"
)

// answerSchema is the JSON shape AI-assisted sources are asked to return.
const answerSchema = `Respond with JSON only, no prose:
{
  "found": true|false,
  "cause_of_death": "short medical or legal cause, e.g. \"pancreatic cancer\"",
  "narrative": "2-4 factual sentences on the circumstances of death",
  "death_location": "city, region, country",
  "related_people": ["names of people directly involved in the circumstances"],
  "confidence": 0.0-1.0,
  "sources": ["urls you relied on"]
}
If you do not know, answer {"found": false, "confidence": 0}. Never guess.`

// aiAnswer is the parsed reply of an AI-assisted source.
type aiAnswer struct {
	Found         bool     `json:"found"`
	CauseOfDeath  string   `json:"cause_of_death"`
	Narrative     string   `json:"narrative"`
	DeathLocation string   `json:"death_location"`
	RelatedPeople []string `json:"related_people"`
	Confidence    float64  `json:"confidence"`
	Sources       []string `json:"sources"`
}

func parseAnswer(text string) (*aiAnswer, error) {
	var a aiAnswer
	if err := json.Unmarshal([]byte(anthropic.CleanJSON(text)), &a); err != nil {
		return nil, eris.Wrap(err, "source: parse ai answer")
	}
	if a.Confidence < 0 {
		a.Confidence = 0
	}
	if a.Confidence > 1 {
		a.Confidence = 1
	}
	return &a, nil
}

// result turns the answer into a LookupResult. The raw reply is kept as raw
// text for the cleanup pass.
func (a *aiAnswer) result(raw string, costUSD float64) *model.LookupResult {
	bundle := model.FieldBundle{
		CauseOfDeath:  strings.TrimSpace(a.CauseOfDeath),
		Narrative:     strings.TrimSpace(a.Narrative),
		DeathLocation: strings.TrimSpace(a.DeathLocation),
		RelatedPeople: a.RelatedPeople,
		RawText:       raw,
	}
	if len(a.Sources) > 0 {
		bundle.SourceURL = a.Sources[0]
	}
	if !a.Found || len(bundle.Values()) == 0 {
		r := model.Miss("no answer")
		r.CostUSD = costUSD
		return r
	}
	return &model.LookupResult{
		Success:    true,
		Confidence: a.Confidence,
		Fields:     bundle,
		CostUSD:    costUSD,
	}
}

// personPrompt describes the item to an AI-assisted source.
func personPrompt(item model.Item) string {
	var b strings.Builder
	b.WriteString("Person: ")
	b.WriteString(item.Name)
	if y := item.BirthYear(); y != 0 {
		b.WriteString("\nBorn: ")
		b.WriteString(item.Birthday.Format("2006-01-02"))
	}
	b.WriteString("\nDied: ")
	b.WriteString(item.Deathday.Format("2006-01-02"))
	if item.IMDbID != "" {
		b.WriteString("\nIMDb: ")
		b.WriteString(item.IMDbID)
	}
	b.WriteString("\nThis person was an actor. How did they die?")
	return b.String()
}
