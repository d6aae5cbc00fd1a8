package openai

import (
	"context"
	"fmt"

	"github.com/davidbz/kiln/internal/domain"
)

const (
	// GPT-4o pricing per 1K tokens
	gpt4oInputCostPer1K  = 0.0025
	gpt4oOutputCostPer1K = 0.01

	// GPT-4o mini pricing per 1K tokens
	gpt4oMiniInputCostPer1K  = 0.00015
	gpt4oMiniOutputCostPer1K = 0.0006

	// GPT-4 Turbo pricing per 1K tokens
	gpt4TurboInputCostPer1K  = 0.01
	gpt4TurboOutputCostPer1K = 0.03

	// GPT-3.5 Turbo pricing per 1K tokens
	gpt35TurboInputCostPer1K  = 0.0005
	gpt35TurboOutputCostPer1K = 0.0015

	// Embedding pricing per 1K tokens (input only)
	embeddingSmallCostPer1K = 0.00002
	embeddingLargeCostPer1K = 0.00013
)

// modelPricing returns the pricing table for every supported model.
func modelPricing() map[string]domain.PricingConfig {
	return map[string]domain.PricingConfig{
		"gpt-4o": {
			InputCostPer1K:  gpt4oInputCostPer1K,
			OutputCostPer1K: gpt4oOutputCostPer1K,
		},
		"gpt-4o-mini": {
			InputCostPer1K:  gpt4oMiniInputCostPer1K,
			OutputCostPer1K: gpt4oMiniOutputCostPer1K,
		},
		"gpt-4-turbo": {
			InputCostPer1K:  gpt4TurboInputCostPer1K,
			OutputCostPer1K: gpt4TurboOutputCostPer1K,
		},
		"gpt-3.5-turbo": {
			InputCostPer1K:  gpt35TurboInputCostPer1K,
			OutputCostPer1K: gpt35TurboOutputCostPer1K,
		},
		"text-embedding-3-small": {
			InputCostPer1K: embeddingSmallCostPer1K,
		},
		"text-embedding-3-large": {
			InputCostPer1K: embeddingLargeCostPer1K,
		},
	}
}

// pricingFor looks up pricing for a model. Unknown models price at zero.
func pricingFor(model string) domain.PricingConfig {
	return modelPricing()[model]
}

// RegisterPricing registers OpenAI model pricing with the registry.
func RegisterPricing(ctx context.Context, registry domain.PricingRegistry) error {
	for model, config := range modelPricing() {
		if err := registry.RegisterPricing(ctx, model, config); err != nil {
			return fmt.Errorf("failed to register pricing for model %s: %w", model, err)
		}
	}
	return nil
}
