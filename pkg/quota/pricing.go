package quota

import "math"

// Pricing is the cost per 1K tokens of one model.
type Pricing struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// defaultPricing applies to models without an explicit table entry.
var defaultPricing = Pricing{Input: 0.002, Output: 0.004}

// PriceTable maps model names to their pricing.
type PriceTable map[string]Pricing

// Cost prices one exchange, rounded to 6 decimals so ledger rows compare
// cleanly.
func (t PriceTable) Cost(model string, inputTokens, outputTokens int) float64 {
	p, ok := t[model]
	if !ok {
		p = defaultPricing
	}
	cost := float64(inputTokens)/1000*p.Input + float64(outputTokens)/1000*p.Output
	return math.Round(cost*1e6) / 1e6
}
