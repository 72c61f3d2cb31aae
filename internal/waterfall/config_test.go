package waterfall

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenders/deadonfilm-sub007/internal/model"
)

func TestLoadConfig(t *testing.T) {
	yaml := `
waterfall:
  defaults:
    confidence_threshold: 0.6
    min_tier: secondary
  fields:
    narrative:
      confidence_threshold: 0.75
    cause_of_death: {}
  sources:
    search: { tier: top-news }
    perplexity: { tier: unreliable-ugc }
`
	dir := t.TempDir()
	path := filepath.Join(dir, "waterfall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 0.6, cfg.Defaults.ConfidenceThreshold)
	assert.Equal(t, model.TierSecondary, cfg.Defaults.MinTier)

	assert.Equal(t, 0.75, cfg.Threshold(model.FieldNarrative))
	assert.Equal(t, 0.6, cfg.Threshold(model.FieldCause)) // inherited
	assert.Equal(t, 0.6, cfg.Threshold(model.FieldLocation))

	assert.Equal(t, model.TierTopNews, cfg.TierFor("search", model.TierMarginal))
	assert.Equal(t, model.TierUnreliableUGC, cfg.TierFor("perplexity", model.TierUnknown))
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "waterfall.yaml")
	require.NoError(t, os.WriteFile(path, []byte("waterfall: {}\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultThreshold, cfg.Defaults.ConfidenceThreshold)
	assert.Equal(t, model.TierMarginal, cfg.Defaults.MinTier)
	assert.NotNil(t, cfg.Sources)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path.yaml")
	assert.Error(t, err)
}

func TestLoadConfig_BadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "waterfall.yaml")
	require.NoError(t, os.WriteFile(path, []byte("waterfall: [unclosed"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestTierFor_Fallbacks(t *testing.T) {
	cfg := NewConfig(0)

	assert.Equal(t, DefaultThreshold, cfg.Defaults.ConfidenceThreshold)
	assert.Equal(t, model.TierTopNews, cfg.TierFor("search", model.TierTopNews), "reported tier used")
	assert.Equal(t, model.TierSecondary, cfg.TierFor("wikidata", model.TierUnknown), "built-in table used")
	assert.Equal(t, model.TierUnknown, cfg.TierFor("mystery", model.TierUnknown))
}
