package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/chenders/deadonfilm-sub007/internal/cost"
	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/internal/waterfall"
	"github.com/chenders/deadonfilm-sub007/pkg/anthropic"
)

const (
	// GateName is the ledger and provenance name of the Claude gate.
	GateName = "cleanup"

	defaultMaxChars = 6000
	totalMaxChars   = 24000
)

const cleanupSystem = `You edit a film reference site's record of how an actor died.
You are given every text our research gathered, with the source of each.
Sources disagree and some are noise. Write one consistent answer using only
facts stated in the texts; prefer higher-tier sources when they conflict.

Respond with JSON only, no prose:
{
  "cause_of_death": "short medical or legal cause",
  "narrative": "2-5 factual sentences on the circumstances of death",
  "death_location": "city, region, country",
  "related_people": ["people directly involved in the circumstances"],
  "confidence": 0.0-1.0,
  "has_substantive_content": true|false
}
Set has_substantive_content to false when the texts say nothing concrete
about the death beyond the date. Leave fields empty rather than guess.`

// Claude is the cleanup gate backed by an Anthropic model.
type Claude struct {
	client   anthropic.Client
	calc     *cost.Calculator
	model    string
	maxChars int
}

// NewClaude creates the Claude cleanup gate.
func NewClaude(client anthropic.Client, calc *cost.Calculator, modelName string) *Claude {
	if modelName == "" {
		modelName = anthropic.DefaultModel
	}
	return &Claude{client: client, calc: calc, model: modelName, maxChars: defaultMaxChars}
}

func (c *Claude) Name() string { return GateName }

// Cleanup sends all gathered texts in one request.
func (c *Claude) Cleanup(ctx context.Context, item model.Item, texts []waterfall.RawText) (*Result, error) {
	if !hasText(texts) {
		return nil, ErrNoInput
	}

	temp := 0.0
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   1200,
		System:      anthropic.CachedSystem(cleanupSystem),
		Messages:    []anthropic.Message{{Role: "user", Content: c.prompt(item, texts)}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(err, "cleanup: create message")
	}

	spent := c.calc.Claude(c.model,
		int(resp.Usage.InputTokens),
		int(resp.Usage.OutputTokens),
		int(resp.Usage.CacheCreationInputTokens),
		int(resp.Usage.CacheReadInputTokens),
	)

	var res Result
	if err := json.Unmarshal([]byte(anthropic.CleanJSON(resp.Text())), &res); err != nil {
		zap.L().Warn("cleanup: unparseable response",
			zap.Int64("item_id", item.ID),
			zap.Error(err),
		)
		return &Result{CostUSD: spent}, eris.Wrap(err, "cleanup: parse response")
	}
	res.CostUSD = spent
	if res.Confidence < 0 {
		res.Confidence = 0
	}
	if res.Confidence > 1 {
		res.Confidence = 1
	}
	// An approval with nothing to publish is not an approval.
	if res.Substantive && len(res.Bundle().Values()) == 0 {
		res.Substantive = false
	}
	return &res, nil
}

func (c *Claude) prompt(item model.Item, texts []waterfall.RawText) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Person: %s\n", item.Name)
	if d := item.DeathDisplay(); d != "" {
		fmt.Fprintf(&b, "Died: %s\n", d)
	}
	b.WriteString("\nGathered texts:\n")

	budget := totalMaxChars
	for i, t := range texts {
		text := strings.TrimSpace(t.Text)
		if text == "" || budget <= 0 {
			continue
		}
		limit := c.maxChars
		if limit > budget {
			limit = budget
		}
		if len(text) > limit {
			text = text[:limit]
		}
		budget -= len(text)

		fmt.Fprintf(&b, "\n--- text %d: source=%s tier=%s", i+1, t.Source, t.Tier)
		if t.URL != "" {
			fmt.Fprintf(&b, " url=%s", t.URL)
		}
		b.WriteString(" ---\n")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String()
}
