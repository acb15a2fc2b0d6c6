package pricing

import (
	"fmt"
	"sort"
	"sync"
)

// Engine prices model usage from per-model overrides and provider catalogs.
// Overrides win; catalogs are consulted in registration order.
type Engine struct {
	mu        sync.RWMutex
	overrides map[string]Override
	catalogs  []*Catalog
}

// NewEngine creates an engine. Either argument may be empty.
func NewEngine(overrides map[string]Override, catalogs ...*Catalog) (*Engine, error) {
	e := &Engine{overrides: make(map[string]Override, len(overrides))}
	for model, o := range overrides {
		if o.InputCostPerToken < 0 || o.OutputCostPerToken < 0 {
			return nil, fmt.Errorf("pricing override for %q: negative price", model)
		}
		e.overrides[model] = o
	}
	for _, c := range catalogs {
		if err := e.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Register adds a provider catalog.
func (e *Engine) Register(c *Catalog) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, existing := range e.catalogs {
		if existing.Provider == c.Provider {
			return fmt.Errorf("provider %q already registered", c.Provider)
		}
	}
	e.catalogs = append(e.catalogs, c)
	return nil
}

// Calculate returns the USD cost of a call.
func (e *Engine) Calculate(model string, inputTokens, outputTokens int64) (float64, error) {
	return e.CalculateWithCache(model, inputTokens, 0, outputTokens)
}

// CalculateWithCache returns the USD cost of a call that also read cached
// input tokens. Overrides price cached tokens at the input rate.
func (e *Engine) CalculateWithCache(model string, inputTokens, cachedInputTokens, outputTokens int64) (float64, error) {
	if inputTokens < 0 || cachedInputTokens < 0 || outputTokens < 0 {
		return 0, fmt.Errorf("pricing %q: token counts must not be negative", model)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if o, ok := e.overrides[model]; ok {
		return float64(inputTokens+cachedInputTokens)*o.InputCostPerToken +
			float64(outputTokens)*o.OutputCostPerToken, nil
	}

	c := e.catalogFor(model)
	if c == nil {
		return 0, fmt.Errorf("%w %q", ErrUnknownModel, model)
	}

	inputPrice, err := c.PricePerToken(model, TokenInput)
	if err != nil {
		return 0, fmt.Errorf("input pricing: %w", err)
	}
	cachedPrice, err := c.PricePerToken(model, TokenCachedInput)
	if err != nil {
		return 0, fmt.Errorf("cached input pricing: %w", err)
	}
	outputPrice, err := c.PricePerToken(model, TokenOutput)
	if err != nil {
		return 0, fmt.Errorf("output pricing: %w", err)
	}

	return float64(inputTokens)*inputPrice +
		float64(cachedInputTokens)*cachedPrice +
		float64(outputTokens)*outputPrice, nil
}

// ProviderFor returns the provider that prices model, "override" for
// configured overrides, or "" when the model is unknown.
func (e *Engine) ProviderFor(model string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.overrides[model]; ok {
		return "override"
	}
	if c := e.catalogFor(model); c != nil {
		return c.Provider
	}
	return ""
}

// Models lists every priced model, sorted by provider then model.
func (e *Engine) Models() []Quote {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Quote
	for model, o := range e.overrides {
		out = append(out, Quote{
			Provider:         "override",
			Model:            model,
			InputPerMillion:  o.InputCostPerToken * 1_000_000,
			OutputPerMillion: o.OutputCostPerToken * 1_000_000,
		})
	}
	for _, c := range e.catalogs {
		for _, m := range c.Models {
			out = append(out, Quote{
				Provider:              c.Provider,
				Model:                 m.Model,
				InputPerMillion:       m.InputPerMillion,
				OutputPerMillion:      m.OutputPerMillion,
				CachedInputPerMillion: m.CachedInputPerMillion,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}

func (e *Engine) catalogFor(model string) *Catalog {
	for _, c := range e.catalogs {
		if c.SupportsModel(model) {
			return c
		}
	}
	return nil
}
