// Package cost prices provider token usage and accumulates per-run spend.
package cost

import (
	"github.com/sells-group/visibility-cli/internal/model"
)

// TokenRate holds per-model token pricing (USD per million tokens).
type TokenRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Cost computes the USD cost of usage at this rate. Negative token counts
// and negative prices are treated as zero so the result is never negative.
func (r TokenRate) Cost(u model.TokenUsage) float64 {
	in := max(float64(u.InputTokens), 0) / 1e6 * max(r.Input, 0)
	out := max(float64(u.OutputTokens), 0) / 1e6 * max(r.Output, 0)
	return in + out
}

// Calculator resolves a rate for a model and prices usage with it.
type Calculator struct {
	rates map[string]TokenRate
}

// NewCalculator creates a Calculator over the given model → rate table.
func NewCalculator(rates map[string]TokenRate) *Calculator {
	if rates == nil {
		rates = map[string]TokenRate{}
	}
	return &Calculator{rates: rates}
}

// Rate returns the rate for a model, falling back to fallback when the
// model is not in the table.
func (c *Calculator) Rate(modelName string, fallback TokenRate) TokenRate {
	if r, ok := c.rates[modelName]; ok {
		return r
	}
	return fallback
}

// Cost prices usage for a model. Unknown models cost 0.
func (c *Calculator) Cost(modelName string, u model.TokenUsage) float64 {
	return c.Rate(modelName, TokenRate{}).Cost(u)
}

// DefaultRates returns list prices for the models the scanner ships with.
func DefaultRates() map[string]TokenRate {
	return map[string]TokenRate{
		"gpt-4o":                     {Input: 2.50, Output: 10.00},
		"gpt-4o-mini":                {Input: 0.15, Output: 0.60},
		"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
		"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		"sonar":                      {Input: 1.00, Output: 1.00},
		"sonar-pro":                  {Input: 3.00, Output: 15.00},
		"grok-3":                     {Input: 3.00, Output: 15.00},
	}
}
