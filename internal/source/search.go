package source

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chenders/deadonfilm-sub007/internal/cost"
	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/pkg/jina"
)

// Search finds obituary coverage through Jina Search, then reads the most
// reliable hit through Jina Reader. The result's tier comes from the page's
// domain, so a wire-service obituary outranks a fan wiki.
type Search struct {
	client   jina.Client
	calc     *cost.Calculator
	minDelay time.Duration
	results  int
}

// NewSearch wraps a Jina client as a source.
func NewSearch(client jina.Client, calc *cost.Calculator, minDelay time.Duration) *Search {
	return &Search{client: client, calc: calc, minDelay: minDelay, results: 8}
}

func (s *Search) Descriptor() Descriptor {
	return Descriptor{
		Name:         "search",
		Category:     model.CategoryPaid,
		Tier:         model.TierMarginal,
		CostEstimate: 0.002,
		MinDelay:     s.minDelay,
		Timeout:      45 * time.Second,
	}
}

func (s *Search) Available() bool { return s.client != nil }

var (
	causeRe     = regexp.MustCompile(`(?i)\b(?:died|passed away|death)\s+(?:of|from|due to|following)\s+(?:complications (?:of|from)\s+)?([a-z][a-z' -]{2,60}?)(?:[.,;:(]|\s+(?:at|in|on|after|while|surrounded)\b)`)
	deathWordRe = regexp.MustCompile(`(?i)\b(died|dies|death|passed away|killed|suicide|overdose|cause)\b`)
	sentenceRe  = regexp.MustCompile(`[^.!?\n]+[.!?]`)
)

func (s *Search) Lookup(ctx context.Context, item model.Item) (*model.LookupResult, error) {
	if miss := RequireDeceased(item); miss != nil {
		return miss, nil
	}

	query := fmt.Sprintf("%s actor died %d cause of death obituary", item.Name, item.DeathYear())
	resp, err := s.client.Search(ctx, query, jina.WithCount(s.results))
	if err != nil {
		return nil, FromHTTPError("search", err)
	}
	spent := s.calc.Jina(resp.Tokens())

	hits := s.rank(item, resp.Data)
	if len(hits) == 0 {
		r := model.Miss("no matching search results")
		r.CostUSD = spent
		return r, nil
	}

	best := hits[0]
	text := best.Content
	if text == "" {
		text = best.Description
	}

	page, err := s.client.Read(ctx, best.URL)
	switch {
	case err != nil:
		zap.L().Debug("search: read failed, using snippet",
			zap.String("url", best.URL),
			zap.Error(err),
		)
	default:
		spent += s.calc.Jina(page.Data.Usage.Tokens)
		if blocked, kind := DetectBlock(0, nil, []byte(page.Data.Content)); blocked {
			return nil, &AccessBlockedError{Source: "search", URL: best.URL, Block: kind, CostUSD: spent}
		}
		if page.Data.Content != "" {
			text = page.Data.Content
		}
	}

	bundle, confidence := extract(item, text)
	bundle.SourceURL = best.URL
	bundle.RawText = truncateText(text, 8000)
	if len(bundle.Values()) == 0 {
		r := model.Miss("no death details in " + best.URL)
		r.CostUSD = spent
		return r, nil
	}

	return &model.LookupResult{
		Success:    true,
		Confidence: confidence,
		Tier:       TierForURL(best.URL),
		Fields:     bundle,
		CostUSD:    spent,
	}, nil
}

// rank keeps results that mention the person's surname and orders them by
// domain tier, preserving search order within a tier.
func (s *Search) rank(item model.Item, results []jina.SearchResult) []jina.SearchResult {
	surname := strings.ToLower(lastWord(item.Name))
	var hits []jina.SearchResult
	for _, r := range results {
		if r.URL == "" {
			continue
		}
		text := strings.ToLower(r.Title + " " + r.Description + " " + r.Content)
		if surname != "" && !strings.Contains(text, surname) {
			continue
		}
		hits = append(hits, r)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return TierForURL(hits[i].URL) > TierForURL(hits[j].URL)
	})
	return hits
}

// extract pulls a cause and a short narrative out of page text. Confidence
// reflects how specific the text is, not how trustworthy the page is; the
// tier covers that.
func extract(item model.Item, text string) (model.FieldBundle, float64) {
	var bundle model.FieldBundle
	surname := strings.ToLower(lastWord(item.Name))

	if m := causeRe.FindStringSubmatch(text); m != nil {
		bundle.CauseOfDeath = strings.TrimSpace(m[1])
	}

	var picked []string
	for _, sent := range sentenceRe.FindAllString(text, -1) {
		sent = strings.TrimSpace(sent)
		if len(sent) < 20 || !deathWordRe.MatchString(sent) {
			continue
		}
		lower := strings.ToLower(sent)
		if surname != "" && !strings.Contains(lower, surname) &&
			!strings.HasPrefix(lower, "he ") && !strings.HasPrefix(lower, "she ") &&
			!strings.HasPrefix(lower, "they ") {
			continue
		}
		picked = append(picked, sent)
		if len(picked) == 4 {
			break
		}
	}
	bundle.Narrative = strings.Join(picked, " ")

	switch {
	case bundle.CauseOfDeath != "" && bundle.Narrative != "":
		return bundle, 0.75
	case bundle.CauseOfDeath != "":
		return bundle, 0.6
	case bundle.Narrative != "":
		return bundle, 0.5
	default:
		return bundle, 0
	}
}

func lastWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
