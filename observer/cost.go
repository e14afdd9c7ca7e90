package observer

import "strings"

// ModelPricing holds per-million-token USD rates for one model family.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// defaultPricing covers the model families the builtin providers resolve to.
// Entries act as prefixes, so date-suffixed ids like "gpt-4o-2024-11-20"
// resolve to the "gpt-4o" rate. Override or extend via [observer.pricing]
// in loom.toml.
var defaultPricing = map[string]ModelPricing{
	"gpt-4o":            {2.50, 10.00},
	"gpt-4o-mini":       {0.15, 0.60},
	"gpt-4.1":           {2.00, 8.00},
	"gpt-4.1-mini":      {0.40, 1.60},
	"gpt-4.1-nano":      {0.10, 0.40},
	"o3-mini":           {1.10, 4.40},
	"gemini-2.0-flash":  {0.10, 0.40},
	"gemini-2.5-flash":  {0.15, 0.60},
	"gemini-2.5-pro":    {1.25, 10.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-3-5":  {0.80, 4.00},
	"claude-opus-4":     {15.00, 75.00},
}

// CostCalculator turns token usage into a USD estimate.
type CostCalculator struct {
	pricing map[string]ModelPricing
}

// NewCostCalculator merges overrides onto the builtin rate table.
// An override for an existing key replaces it.
func NewCostCalculator(overrides map[string]ModelPricing) *CostCalculator {
	merged := make(map[string]ModelPricing, len(defaultPricing)+len(overrides))
	for k, v := range defaultPricing {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return &CostCalculator{pricing: merged}
}

// Calculate returns the USD cost for a call. The model id is matched
// exactly first, then by the longest table key that is a prefix of it.
// Unknown models cost 0 so telemetry never blocks on a missing rate.
func (c *CostCalculator) Calculate(model string, inputTokens, outputTokens int) float64 {
	p, ok := c.lookup(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*p.InputPerMillion +
		float64(outputTokens)/1e6*p.OutputPerMillion
}

func (c *CostCalculator) lookup(model string) (ModelPricing, bool) {
	if p, ok := c.pricing[model]; ok {
		return p, true
	}
	var (
		best    ModelPricing
		bestLen = -1
	)
	for key, p := range c.pricing {
		if len(key) > bestLen && strings.HasPrefix(model, key) {
			best, bestLen = p, len(key)
		}
	}
	return best, bestLen >= 0
}
