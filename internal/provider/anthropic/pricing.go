package anthropic

import (
	"context"
	"fmt"

	"github.com/davidbz/kiln/internal/domain"
)

const (
	// Opus pricing per 1K tokens
	opusInputCostPer1K  = 0.015
	opusOutputCostPer1K = 0.075

	// Sonnet pricing per 1K tokens
	sonnetInputCostPer1K  = 0.003
	sonnetOutputCostPer1K = 0.015

	// Haiku pricing per 1K tokens
	haikuInputCostPer1K  = 0.001
	haikuOutputCostPer1K = 0.005
)

// modelPricing returns the pricing table for every supported model.
func modelPricing() map[string]domain.PricingConfig {
	return map[string]domain.PricingConfig{
		"claude-opus-4-1": {
			InputCostPer1K:  opusInputCostPer1K,
			OutputCostPer1K: opusOutputCostPer1K,
		},
		"claude-sonnet-4-5": {
			InputCostPer1K:  sonnetInputCostPer1K,
			OutputCostPer1K: sonnetOutputCostPer1K,
		},
		"claude-haiku-4-5": {
			InputCostPer1K:  haikuInputCostPer1K,
			OutputCostPer1K: haikuOutputCostPer1K,
		},
	}
}

// pricingFor looks up pricing for a model. Unknown models price at zero.
func pricingFor(model string) domain.PricingConfig {
	return modelPricing()[model]
}

// RegisterPricing registers Anthropic model pricing with the registry.
func RegisterPricing(ctx context.Context, registry domain.PricingRegistry) error {
	for model, config := range modelPricing() {
		if err := registry.RegisterPricing(ctx, model, config); err != nil {
			return fmt.Errorf("failed to register pricing for model %s: %w", model, err)
		}
	}
	return nil
}
