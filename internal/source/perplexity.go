package source

import (
	"context"
	"time"

	"github.com/chenders/deadonfilm-sub007/internal/cost"
	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/pkg/perplexity"
)

const perplexitySystem = `You are a research assistant for a film reference site that records how
actors died. Answer from published news coverage and obituaries only.
` + answerSchema

// Perplexity asks Perplexity's web-grounded model for the circumstances of
// death. Its confidence is the model's own estimate.
type Perplexity struct {
	client   perplexity.Client
	calc     *cost.Calculator
	minDelay time.Duration
}

// NewPerplexity wraps a Perplexity client as a source.
func NewPerplexity(client perplexity.Client, calc *cost.Calculator, minDelay time.Duration) *Perplexity {
	return &Perplexity{client: client, calc: calc, minDelay: minDelay}
}

func (p *Perplexity) Descriptor() Descriptor {
	return Descriptor{
		Name:         "perplexity",
		Category:     model.CategoryAI,
		Tier:         model.TierMarginal,
		CostEstimate: 0.006,
		MinDelay:     p.minDelay,
		Timeout:      90 * time.Second,
	}
}

func (p *Perplexity) Available() bool { return p.client != nil }

func (p *Perplexity) Lookup(ctx context.Context, item model.Item) (*model.LookupResult, error) {
	if miss := RequireDeceased(item); miss != nil {
		return miss, nil
	}

	temp := 0.1
	resp, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Messages: []perplexity.Message{
			{Role: "system", Content: perplexitySystem},
			{Role: "user", Content: personPrompt(item)},
		},
		Temperature:        &temp,
		SearchDomainFilter: []string{"-imdb.com", "-fandom.com", "-reddit.com"},
	})
	if err != nil {
		return nil, FromHTTPError("perplexity", err)
	}
	spent := p.calc.Perplexity(resp.Usage.Total())

	text := resp.Content()
	answer, err := parseAnswer(text)
	if err != nil {
		r := model.Miss("unparseable answer")
		r.CostUSD = spent
		return r, nil
	}
	if len(answer.Sources) == 0 && len(resp.Citations) > 0 {
		answer.Sources = resp.Citations
	}
	return answer.result(text, spent), nil
}
