package pricing

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Catalog holds YAML-loaded prices for one provider.
type Catalog struct {
	Provider string         `yaml:"provider"`
	Updated  string         `yaml:"updated"`
	Models   []ModelPricing `yaml:"models"`

	index map[string]ModelPricing
}

// LoadCatalog reads a YAML pricing file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file %s: %w", path, err)
	}

	c, err := LoadCatalogFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("pricing file %s: %w", path, err)
	}
	return c, nil
}

// LoadCatalogFromBytes parses YAML pricing data from raw bytes.
func LoadCatalogFromBytes(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse pricing data: %w", err)
	}
	if c.Provider == "" {
		return nil, fmt.Errorf("missing provider name")
	}
	if len(c.Models) == 0 {
		return nil, fmt.Errorf("no models defined")
	}

	c.index = make(map[string]ModelPricing, len(c.Models))
	for _, m := range c.Models {
		if m.InputPerMillion < 0 || m.OutputPerMillion < 0 || m.CachedInputPerMillion < 0 {
			return nil, fmt.Errorf("model %q: negative price", m.Model)
		}
		c.index[m.Model] = m
	}
	return &c, nil
}

// LoadDir loads every *.yaml catalog in dir, ordered by file name.
// A missing directory yields no catalogs.
func LoadDir(dir string) ([]*Catalog, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list pricing files: %w", err)
	}
	sort.Strings(paths)

	catalogs := make([]*Catalog, 0, len(paths))
	for _, p := range paths {
		c, err := LoadCatalog(p)
		if err != nil {
			return nil, err
		}
		catalogs = append(catalogs, c)
	}
	return catalogs, nil
}

// SupportsModel reports whether the catalog prices model.
func (c *Catalog) SupportsModel(model string) bool {
	_, ok := c.index[model]
	return ok
}

// PricePerToken returns the cost of a single token of the given type.
// Cached input falls back to the input price when the catalog has none.
func (c *Catalog) PricePerToken(model string, tokenType TokenType) (float64, error) {
	p, ok := c.index[model]
	if !ok {
		return 0, fmt.Errorf("%s: %w %q", c.Provider, ErrUnknownModel, model)
	}

	switch tokenType {
	case TokenInput:
		return p.InputPerMillion / 1_000_000, nil
	case TokenOutput:
		return p.OutputPerMillion / 1_000_000, nil
	case TokenCachedInput:
		if p.CachedInputPerMillion > 0 {
			return p.CachedInputPerMillion / 1_000_000, nil
		}
		return p.InputPerMillion / 1_000_000, nil
	default:
		return 0, fmt.Errorf("%s: unknown token type %d", c.Provider, tokenType)
	}
}
