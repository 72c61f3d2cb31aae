package source

import (
	"context"
	"time"

	"github.com/chenders/deadonfilm-sub007/internal/cost"
	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/pkg/anthropic"
)

const claudeSystem = `You help maintain a film reference site that records how actors died.
Answer only from facts you are confident were publicly reported. Prefer
"found": false over a plausible guess; an empty answer is acceptable.
` + answerSchema

// Claude asks an Anthropic model what it knows about the death. It is the
// last resort in the cascade: cheap, broad, and unverifiable.
type Claude struct {
	client   anthropic.Client
	calc     *cost.Calculator
	model    string
	minDelay time.Duration
}

// NewClaude wraps an Anthropic client as a source.
func NewClaude(client anthropic.Client, calc *cost.Calculator, modelName string, minDelay time.Duration) *Claude {
	if modelName == "" {
		modelName = anthropic.DefaultModel
	}
	return &Claude{client: client, calc: calc, model: modelName, minDelay: minDelay}
}

func (c *Claude) Descriptor() Descriptor {
	return Descriptor{
		Name:         "claude",
		Category:     model.CategoryAI,
		Tier:         model.TierMarginal,
		CostEstimate: 0.003,
		MinDelay:     c.minDelay,
		Timeout:      90 * time.Second,
	}
}

func (c *Claude) Available() bool { return c.client != nil }

func (c *Claude) Lookup(ctx context.Context, item model.Item) (*model.LookupResult, error) {
	if miss := RequireDeceased(item); miss != nil {
		return miss, nil
	}

	temp := 0.0
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   800,
		System:      anthropic.CachedSystem(claudeSystem),
		Messages:    []anthropic.Message{{Role: "user", Content: personPrompt(item)}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, FromHTTPError("claude", err)
	}
	spent := c.calc.Claude(c.model,
		int(resp.Usage.InputTokens),
		int(resp.Usage.OutputTokens),
		int(resp.Usage.CacheCreationInputTokens),
		int(resp.Usage.CacheReadInputTokens),
	)

	text := resp.Text()
	answer, err := parseAnswer(text)
	if err != nil {
		r := model.Miss("unparseable answer")
		r.CostUSD = spent
		return r, nil
	}
	return answer.result(text, spent), nil
}
