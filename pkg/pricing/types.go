// Package pricing converts token counts into a USD cost.
package pricing

import "errors"

// TokenType distinguishes input from output tokens for pricing.
type TokenType int

const (
	TokenInput       TokenType = iota // Standard input tokens
	TokenOutput                       // Standard output tokens
	TokenCachedInput                  // Cached input tokens
)

// ErrUnknownModel is returned when no override or catalog prices a model.
var ErrUnknownModel = errors.New("pricing: unknown model")

// ModelPricing contains per-model catalog prices.
type ModelPricing struct {
	Model                 string  `yaml:"model"`
	InputPerMillion       float64 `yaml:"input_per_million"`
	OutputPerMillion      float64 `yaml:"output_per_million"`
	CachedInputPerMillion float64 `yaml:"cached_input_per_million,omitempty"`
}

// Override is a per-token price configured for a single model. It takes
// precedence over every catalog.
type Override struct {
	InputCostPerToken  float64 `mapstructure:"input_cost_per_token" yaml:"input_cost_per_token" json:"input_cost_per_token"`
	OutputCostPerToken float64 `mapstructure:"output_cost_per_token" yaml:"output_cost_per_token" json:"output_cost_per_token"`
}

// Quote is one priced model, as listed by Engine.Models.
type Quote struct {
	Provider              string  `json:"provider"`
	Model                 string  `json:"model"`
	InputPerMillion       float64 `json:"input_per_million"`
	OutputPerMillion      float64 `json:"output_per_million"`
	CachedInputPerMillion float64 `json:"cached_input_per_million,omitempty"`
}
