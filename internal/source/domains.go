package source

import (
	"net/url"
	"strings"

	"github.com/chenders/deadonfilm-sub007/internal/model"
)

// Domain reliability for pages found through search. Lookups by suffix, so
// "www.nytimes.com" and "nytimes.com" both match.
var domainTiers = map[string]model.Tier{
	"apnews.com":            model.TierTopNews,
	"reuters.com":           model.TierTopNews,
	"nytimes.com":           model.TierTopNews,
	"washingtonpost.com":    model.TierTopNews,
	"latimes.com":           model.TierTopNews,
	"bbc.co.uk":             model.TierTopNews,
	"bbc.com":               model.TierTopNews,
	"theguardian.com":       model.TierTopNews,
	"variety.com":           model.TierTopNews,
	"hollywoodreporter.com": model.TierTopNews,
	"deadline.com":          model.TierTopNews,
	"npr.org":               model.TierTopNews,
	"wikipedia.org":         model.TierSecondary,
	"britannica.com":        model.TierSecondary,
	"legacy.com":            model.TierSecondary,
	"findagrave.com":        model.TierMarginal,
	"people.com":            model.TierMarginal,
	"tmz.com":               model.TierMarginal,
	"reddit.com":            model.TierUnreliableUGC,
	"fandom.com":            model.TierUnreliableUGC,
	"quora.com":             model.TierUnreliableUGC,
	"imdb.com":              model.TierUnreliableUGC,
	"wikia.org":             model.TierUnreliableUGC,
	"famousbirthdays.com":   model.TierUnreliableUGC,
	"thefamouspeople.com":   model.TierUnreliableUGC,
	"celebritynetworth.com": model.TierUnreliableUGC,
}

// TierForURL returns the reliability tier of the page's domain. Unknown
// domains are marginal.
func TierForURL(raw string) model.Tier {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return model.TierMarginal
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	for {
		if t, ok := domainTiers[host]; ok {
			return t
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return model.TierMarginal
		}
		host = host[i+1:]
	}
}
