package source

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/chenders/deadonfilm-sub007/internal/cost"
	"github.com/chenders/deadonfilm-sub007/pkg/anthropic"
	"github.com/chenders/deadonfilm-sub007/pkg/jina"
	"github.com/chenders/deadonfilm-sub007/pkg/perplexity"
	"github.com/chenders/deadonfilm-sub007/pkg/wikidata"
)

// Registry is the ordered, build-time list of sources. Registration order
// breaks ties in the cascade.
type Registry struct {
	sources []Source
	byName  map[string]Source
}

// NewRegistry creates a registry holding srcs in order. Duplicate names are
// rejected.
func NewRegistry(srcs ...Source) (*Registry, error) {
	r := &Registry{byName: make(map[string]Source, len(srcs))}
	for _, s := range srcs {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends a source.
func (r *Registry) Register(s Source) error {
	name := s.Descriptor().Name
	if name == "" {
		return eris.New("source: registry: empty source name")
	}
	if _, ok := r.byName[name]; ok {
		return eris.Errorf("source: registry: duplicate source %q", name)
	}
	r.sources = append(r.sources, s)
	r.byName[name] = s
	return nil
}

// All returns the sources in registration order.
func (r *Registry) All() []Source {
	return append([]Source(nil), r.sources...)
}

// Get returns a source by name.
func (r *Registry) Get(name string) (Source, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// Names returns the registered names in order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.sources))
	for i, s := range r.sources {
		names[i] = s.Descriptor().Name
	}
	return names
}

// Deps are the clients the built-in sources need. A nil client leaves its
// source registered but unavailable.
type Deps struct {
	Wikidata    wikidata.Client
	Jina        jina.Client
	Perplexity  perplexity.Client
	Anthropic   anthropic.Client
	ClaudeModel string
	Calculator  *cost.Calculator

	// MinDelays overrides per-source politeness delays by name.
	MinDelays map[string]time.Duration
}

// Default politeness delays per source.
var defaultDelays = map[string]time.Duration{
	"wikidata":   time.Second,
	"search":     500 * time.Millisecond,
	"perplexity": time.Second,
	"claude":     200 * time.Millisecond,
}

func (d Deps) delay(name string) time.Duration {
	if v, ok := d.MinDelays[name]; ok {
		return v
	}
	return defaultDelays[name]
}

// BuiltIn returns the registry of every source compiled into the binary.
func BuiltIn(d Deps) *Registry {
	calc := d.Calculator
	if calc == nil {
		calc = cost.NewCalculator(cost.DefaultRates())
	}

	r := &Registry{byName: make(map[string]Source)}
	for _, s := range []Source{
		NewWikidata(d.Wikidata, d.delay("wikidata")),
		NewSearch(d.Jina, calc, d.delay("search")),
		NewPerplexity(d.Perplexity, calc, d.delay("perplexity")),
		NewClaude(d.Anthropic, calc, d.ClaudeModel, d.delay("claude")),
	} {
		_ = r.Register(s) // names are distinct constants
	}
	return r
}
