// Package pricing provides per-model cost estimation for token usage.
package pricing

import (
	"sort"
	"strings"
)

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	InputPer1M  float64 `yaml:"input_per_1m" json:"inputPer1M"`
	OutputPer1M float64 `yaml:"output_per_1m" json:"outputPer1M"`
}

// defaultEntries is matched by substring against the reported model id, in
// order, so "claude-sonnet-4-5-20250929" resolves via "claude-sonnet-4-5".
// Prices as of Feb 2026. Add new models as needed.
var defaultEntries = []struct {
	match string
	price ModelPricing
}{
	// Anthropic
	{"claude-opus-4", ModelPricing{15.00, 75.00}},
	{"claude-sonnet-4-5", ModelPricing{3.00, 15.00}},
	{"claude-sonnet-4", ModelPricing{3.00, 15.00}},
	{"claude-3-7-sonnet", ModelPricing{3.00, 15.00}},
	{"claude-haiku", ModelPricing{0.80, 4.00}},
	// OpenAI
	{"gpt-4o-mini", ModelPricing{0.15, 0.60}},
	{"gpt-4o", ModelPricing{2.50, 10.00}},
	// Gemini
	{"gemini-2.5-flash-lite", ModelPricing{0.0, 0.0}},
	{"gemini-2.5-flash", ModelPricing{0.075, 0.30}},
	{"gemini-1.5-pro", ModelPricing{1.25, 5.00}},
}

type entry struct {
	match string
	price ModelPricing
}

// Table resolves model ids to pricing. Overrides take precedence over the
// built-in entries and use the same substring semantics.
type Table struct {
	overrides []entry
}

// NewTable builds a Table with optional per-model overrides keyed by
// model-id substring. Longer keys are tried first, so when two overrides
// both match a model id the more specific one wins regardless of map order.
func NewTable(overrides map[string]ModelPricing) Table {
	keys := make([]string, 0, len(overrides))
	for match := range overrides {
		if match == "" {
			continue
		}
		keys = append(keys, match)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	var t Table
	for _, match := range keys {
		t.overrides = append(t.overrides, entry{strings.ToLower(match), overrides[match]})
	}
	return t
}

// Lookup returns the pricing for the first entry whose key is a substring of
// modelID (case-insensitive). Unknown models return false.
func (t Table) Lookup(modelID string) (ModelPricing, bool) {
	id := strings.ToLower(modelID)
	for _, e := range t.overrides {
		if strings.Contains(id, e.match) {
			return e.price, true
		}
	}
	for _, e := range defaultEntries {
		if strings.Contains(id, e.match) {
			return e.price, true
		}
	}
	return ModelPricing{}, false
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown models (safe default).
func (t Table) EstimateCost(modelID string, inputTokens, outputTokens int) float64 {
	p, ok := t.Lookup(modelID)
	if !ok {
		return 0.0
	}
	return (float64(inputTokens)/1_000_000)*p.InputPer1M +
		(float64(outputTokens)/1_000_000)*p.OutputPer1M
}
