package waterfall

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/chenders/deadonfilm-sub007/internal/model"
)

// DefaultThreshold is the minimum confidence a candidate needs to be merged.
const DefaultThreshold = 0.5

// Config is the top-level waterfall configuration.
type Config struct {
	Defaults DefaultConfig           `yaml:"defaults"`
	Fields   map[string]FieldConfig  `yaml:"fields"`
	Sources  map[string]SourceConfig `yaml:"sources"`
}

// DefaultConfig holds global defaults.
type DefaultConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// MinTier is the lowest tier that may be merged while tier gating is on.
	MinTier model.Tier `yaml:"min_tier"`
}

// FieldConfig overrides the threshold for one field.
type FieldConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// SourceConfig overrides the reliability tier of a source.
type SourceConfig struct {
	Tier model.Tier `yaml:"tier"`
}

// defaultTiers is the static reliability table. Sources that report their
// own per-result tier (search) use it only as a fallback.
var defaultTiers = map[string]model.Tier{
	"wikidata":   model.TierSecondary,
	"search":     model.TierMarginal,
	"perplexity": model.TierMarginal,
	"claude":     model.TierMarginal,
	"cleanup":    model.TierMarginal,
}

// DefaultTier returns the built-in tier for a source name.
func DefaultTier(source string) model.Tier {
	return defaultTiers[source]
}

// NewConfig returns a config with built-in defaults and no overrides.
func NewConfig(threshold float64) *Config {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Config{
		Defaults: DefaultConfig{
			ConfidenceThreshold: threshold,
			MinTier:             model.TierMarginal,
		},
		Fields:  map[string]FieldConfig{},
		Sources: map[string]SourceConfig{},
	}
}

// LoadConfig reads waterfall config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "waterfall: read config %s", path)
	}

	// The YAML has a top-level "waterfall" key
	var wrapper struct {
		Waterfall Config `yaml:"waterfall"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "waterfall: parse config")
	}

	cfg := &wrapper.Waterfall
	if cfg.Defaults.ConfidenceThreshold <= 0 {
		cfg.Defaults.ConfidenceThreshold = DefaultThreshold
	}
	if cfg.Defaults.MinTier == model.TierUnknown {
		cfg.Defaults.MinTier = model.TierMarginal
	}
	if cfg.Fields == nil {
		cfg.Fields = map[string]FieldConfig{}
	}
	if cfg.Sources == nil {
		cfg.Sources = map[string]SourceConfig{}
	}
	for key, fc := range cfg.Fields {
		if fc.ConfidenceThreshold == 0 {
			fc.ConfidenceThreshold = cfg.Defaults.ConfidenceThreshold
		}
		cfg.Fields[key] = fc
	}

	return cfg, nil
}

// Threshold returns the confidence threshold for a field, falling back to
// the default.
func (c *Config) Threshold(f model.Field) float64 {
	if fc, ok := c.Fields[string(f)]; ok && fc.ConfidenceThreshold > 0 {
		return fc.ConfidenceThreshold
	}
	if c.Defaults.ConfidenceThreshold > 0 {
		return c.Defaults.ConfidenceThreshold
	}
	return DefaultThreshold
}

// TierFor resolves the tier a source's answer is ranked at. A configured
// override wins; otherwise the tier the source reported; otherwise the
// built-in table.
func (c *Config) TierFor(source string, reported model.Tier) model.Tier {
	if sc, ok := c.Sources[source]; ok && sc.Tier != model.TierUnknown {
		return sc.Tier
	}
	if reported != model.TierUnknown {
		return reported
	}
	return DefaultTier(source)
}
