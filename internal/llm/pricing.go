package llm

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ModelPricing holds prices per 1 million tokens.
type ModelPricing struct {
	InputPer1M  float64 `yaml:"input_per_1m" json:"input_per_1m"`
	OutputPer1M float64 `yaml:"output_per_1m" json:"output_per_1m"`
}

// Cost returns the USD cost of u at these prices.
func (m ModelPricing) Cost(u Usage) float64 {
	in := float64(u.PromptTokens) / 1_000_000.0 * m.InputPer1M
	out := float64(u.CompletionTokens) / 1_000_000.0 * m.OutputPer1M
	return in + out
}

// Pricing maps provider -> model -> price. Safe for concurrent use.
type Pricing struct {
	mu     sync.RWMutex
	Models map[string]map[string]ModelPricing `yaml:"pricing"`
}

// DefaultPricing returns prices for the models posture ships configured for.
// Local Ollama models are free.
func DefaultPricing() *Pricing {
	return &Pricing{
		Models: map[string]map[string]ModelPricing{
			"openrouter": {
				"google/gemini-2.0-flash-001":      {InputPer1M: 0.10, OutputPer1M: 0.40},
				"google/gemini-2.0-flash-lite-001": {InputPer1M: 0.075, OutputPer1M: 0.30},
				"openai/gpt-4o-mini":               {InputPer1M: 0.15, OutputPer1M: 0.60},
				"anthropic/claude-3.5-haiku":       {InputPer1M: 0.80, OutputPer1M: 4.00},
			},
		},
	}
}

// LoadPricing reads a YAML pricing file and merges it over the defaults.
//
//	pricing:
//	  openrouter:
//	    google/gemini-2.0-flash-001:
//	      input_per_1m: 0.10
//	      output_per_1m: 0.40
func LoadPricing(path string) (*Pricing, error) {
	p := DefaultPricing()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}
	var overrides Pricing
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parsing pricing file %s: %w", path, err)
	}
	for provider, models := range overrides.Models {
		for model, price := range models {
			if price.InputPer1M < 0 || price.OutputPer1M < 0 {
				return nil, fmt.Errorf("pricing for %s/%s: negative price", provider, model)
			}
			p.Set(provider, model, price)
		}
	}
	return p, nil
}

func (p *Pricing) Set(provider, model string, price ModelPricing) {
	p.mu.Lock()
	defer p.mu.Unlock()

	provider, model = normalize(provider), normalize(model)
	if p.Models == nil {
		p.Models = make(map[string]map[string]ModelPricing)
	}
	if p.Models[provider] == nil {
		p.Models[provider] = make(map[string]ModelPricing)
	}
	p.Models[provider][model] = price
}

// EstimateCost returns the USD cost of u for provider/model. ok is false when
// no price is known; ollama is always free.
func (p *Pricing) EstimateCost(provider, model string, u Usage) (cost float64, ok bool) {
	provider, model = normalize(provider), normalize(model)
	if provider == "ollama" {
		return 0, true
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	price, found := p.Models[provider][model]
	if !found {
		return 0, false
	}
	return price.Cost(u), true
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
