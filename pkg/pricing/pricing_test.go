package pricing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ogulcanaydogan/spend-guard/pkg/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openaiYAML = `
provider: openai
updated: "2026-02-01"
models:
  - model: gpt-4o
    input_per_million: 2.50
    output_per_million: 10.00
  - model: gpt-4o-mini
    input_per_million: 0.15
    output_per_million: 0.60
`

const anthropicYAML = `
provider: anthropic
updated: "2026-02-01"
models:
  - model: claude-3-5-sonnet-20241022
    input_per_million: 3.00
    output_per_million: 15.00
    cached_input_per_million: 0.30
`

func newTestEngine(t *testing.T, overrides map[string]pricing.Override) *pricing.Engine {
	t.Helper()
	oa, err := pricing.LoadCatalogFromBytes([]byte(openaiYAML))
	require.NoError(t, err)
	an, err := pricing.LoadCatalogFromBytes([]byte(anthropicYAML))
	require.NoError(t, err)

	e, err := pricing.NewEngine(overrides, oa, an)
	require.NoError(t, err)
	return e
}

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestLoadCatalog(t *testing.T) {
	path := writeFile(t, t.TempDir(), "openai.yaml", openaiYAML)

	c, err := pricing.LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Provider)
	assert.Len(t, c.Models, 2)
	assert.True(t, c.SupportsModel("gpt-4o"))
	assert.False(t, c.SupportsModel("gpt-5"))
}

func TestLoadCatalog_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"invalid yaml", "invalid: [yaml", "parse pricing data"},
		{"missing provider", "models:\n  - model: m\n    input_per_million: 1\n", "missing provider"},
		{"no models", "provider: x\nmodels: []\n", "no models"},
		{"negative price", "provider: x\nmodels:\n  - model: m\n    input_per_million: -1\n", "negative price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "bad.yaml", tt.data)
			_, err := pricing.LoadCatalog(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadCatalog_FileNotFound(t *testing.T) {
	_, err := pricing.LoadCatalog("/nonexistent/path.yaml")
	assert.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "openai.yaml", openaiYAML)
	writeFile(t, dir, "anthropic.yaml", anthropicYAML)
	writeFile(t, dir, "README.md", "not a catalog")

	catalogs, err := pricing.LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, catalogs, 2)
	assert.Equal(t, "anthropic", catalogs[0].Provider)
	assert.Equal(t, "openai", catalogs[1].Provider)
}

func TestLoadDir_Missing(t *testing.T) {
	catalogs, err := pricing.LoadDir(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, catalogs)
}

func TestEngine_Calculate(t *testing.T) {
	e := newTestEngine(t, nil)

	tests := []struct {
		name     string
		model    string
		input    int64
		output   int64
		expected float64
	}{
		{"gpt-4o 1M in", "gpt-4o", 1_000_000, 0, 2.50},
		{"gpt-4o 1M out", "gpt-4o", 0, 1_000_000, 10.00},
		{"gpt-4o-mini mixed", "gpt-4o-mini", 1000, 500, 0.00045},
		{"sonnet", "claude-3-5-sonnet-20241022", 1000, 1000, 0.018},
		{"zero tokens", "gpt-4o", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, err := e.Calculate(tt.model, tt.input, tt.output)
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, cost, 1e-9)
		})
	}
}

func TestEngine_OverrideWins(t *testing.T) {
	e := newTestEngine(t, map[string]pricing.Override{
		"gpt-4o":       {InputCostPerToken: 0.001, OutputCostPerToken: 0.002},
		"custom-model": {InputCostPerToken: 0.00001, OutputCostPerToken: 0.00003},
	})

	cost, err := e.Calculate("gpt-4o", 10, 10)
	require.NoError(t, err)
	assert.InDelta(t, 0.03, cost, 1e-12)

	cost, err = e.Calculate("custom-model", 1000, 1000)
	require.NoError(t, err)
	assert.InDelta(t, 0.04, cost, 1e-12)

	assert.Equal(t, "override", e.ProviderFor("custom-model"))
	assert.Equal(t, "anthropic", e.ProviderFor("claude-3-5-sonnet-20241022"))
	assert.Empty(t, e.ProviderFor("nope"))
}

func TestEngine_UnknownModel(t *testing.T) {
	e := newTestEngine(t, nil)

	_, err := e.Calculate("gpt-5-turbo", 10, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, pricing.ErrUnknownModel)
}

func TestEngine_NegativeTokens(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.Calculate("gpt-4o", -1, 0)
	assert.Error(t, err)
}

func TestEngine_NegativeOverride(t *testing.T) {
	_, err := pricing.NewEngine(map[string]pricing.Override{"m": {InputCostPerToken: -1}})
	assert.Error(t, err)
}

func TestEngine_CalculateWithCache(t *testing.T) {
	e := newTestEngine(t, nil)

	// Anthropic: cached tokens at the cached rate.
	cost, err := e.CalculateWithCache("claude-3-5-sonnet-20241022", 1_000_000, 1_000_000, 0)
	require.NoError(t, err)
	assert.InDelta(t, 3.30, cost, 1e-9)

	// No cached price in the catalog: cached tokens fall back to the input rate.
	cost, err = e.CalculateWithCache("gpt-4o", 0, 1_000_000, 0)
	require.NoError(t, err)
	assert.InDelta(t, 2.50, cost, 1e-9)
}

func TestEngine_DuplicateProvider(t *testing.T) {
	e := newTestEngine(t, nil)
	c, err := pricing.LoadCatalogFromBytes([]byte(openaiYAML))
	require.NoError(t, err)

	err = e.Register(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestEngine_Models(t *testing.T) {
	e := newTestEngine(t, map[string]pricing.Override{"zz-local": {InputCostPerToken: 1e-6, OutputCostPerToken: 2e-6}})

	models := e.Models()
	require.Len(t, models, 4)
	assert.Equal(t, "anthropic", models[0].Provider)
	assert.Equal(t, "gpt-4o", models[1].Model)
	assert.Equal(t, "gpt-4o-mini", models[2].Model)
	assert.Equal(t, "override", models[3].Provider)
	assert.InDelta(t, 2.0, models[3].OutputPerMillion, 1e-9)
}

func TestShippedCatalogs(t *testing.T) {
	catalogs, err := pricing.LoadDir(filepath.Join("..", "..", "pricing"))
	require.NoError(t, err)
	require.NotEmpty(t, catalogs)

	e, err := pricing.NewEngine(nil, catalogs...)
	require.NoError(t, err)

	cost, err := e.Calculate("gpt-4o-mini", 1_000_000, 1_000_000)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, cost, 1e-9)
}
