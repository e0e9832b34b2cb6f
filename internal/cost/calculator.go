// Package cost prices classifier token usage.
package cost

import "sync"

// Rates maps a model name to its token pricing.
type Rates struct {
	Models map[string]ModelRate `yaml:"models" mapstructure:"models"`
}

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Calculator computes costs for classifier usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Tokens computes the cost of one call. Unknown models cost 0 and report
// ok=false so callers can warn once.
func (c *Calculator) Tokens(model string, input, output int64) (float64, bool) {
	rate, ok := c.rates.Models[model]
	if !ok {
		return 0, false
	}
	return perM(input)*rate.Input + perM(output)*rate.Output, true
}

// Cached computes the cost of a call that wrote or read the prompt cache.
func (c *Calculator) Cached(model string, input, output, cacheWrite, cacheRead int64) float64 {
	rate, ok := c.rates.Models[model]
	if !ok {
		return 0
	}
	return perM(input)*rate.Input +
		perM(output)*rate.Output +
		perM(cacheWrite)*rate.Input*rate.CacheWriteMul +
		perM(cacheRead)*rate.Input*rate.CacheReadMul
}

func perM(tokens int64) float64 { return float64(tokens) / 1e6 }

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Models: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 1.00, Output: 5.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"gpt-4o-mini": {Input: 0.15, Output: 0.60},
			"gpt-4o":      {Input: 2.50, Output: 10.00},
		},
	}
}

// Tracker accumulates spend across concurrent calls.
type Tracker struct {
	calc    *Calculator
	mu      sync.Mutex
	calls   int
	usd     float64
	unknown map[string]bool
}

// NewTracker returns a zeroed tracker pricing with calc.
func NewTracker(calc *Calculator) *Tracker {
	return &Tracker{calc: calc, unknown: map[string]bool{}}
}

// Add records one call and returns its cost.
func (t *Tracker) Add(model string, input, output int64) float64 {
	usd, ok := t.calc.Tokens(model, input, output)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	t.usd += usd
	if !ok && model != "" {
		t.unknown[model] = true
	}
	return usd
}

// Totals returns the number of calls recorded and their summed cost.
func (t *Tracker) Totals() (int, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls, t.usd
}

// UnpricedModels lists models seen without a configured rate.
func (t *Tracker) UnpricedModels() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.unknown))
	for m := range t.unknown {
		out = append(out, m)
	}
	return out
}
