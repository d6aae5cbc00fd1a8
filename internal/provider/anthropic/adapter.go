// Package anthropic adapts the Anthropic Messages API to the gateway's
// provider contract using the official SDK. Anthropic has no embeddings
// endpoint, so the adapter declares Embeddings unsupported and lets the
// router exclude it from embedding requests.
package anthropic

import (
	"context"
	"errors"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/davidbz/kiln/internal/domain"
)

const (
	providerName = "anthropic"

	// Token conversion factor (tokens to per-1K)
	tokensToPerK = 1000.0

	// Rough characters-per-token ratio used for cost estimation.
	charsPerToken = 4

	// Assumed completion size when the request does not cap output tokens.
	defaultEstimatedCompletionTokens = 500

	// The Messages API requires an explicit output cap.
	defaultMaxTokens = 4096
)

// Provider implements domain.ProviderAdapter for Anthropic.
type Provider struct {
	client anthropicsdk.Client
	name   string
	logger *zap.Logger
}

// NewProvider creates a new Anthropic adapter.
func NewProvider(config Config, logger *zap.Logger) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(config.Timeout)*time.Second))
	}

	if config.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(config.MaxRetries))
	}

	return &Provider{
		client: anthropicsdk.NewClient(opts...),
		name:   providerName,
		logger: logger,
	}, nil
}

// Complete sends a completion request and returns the full response.
func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	p.logger.Debug("calling Anthropic API", zap.String("model", req.Model))

	resp, err := p.client.Messages.New(ctx, p.toSDKParams(req))
	if err != nil {
		p.logger.Error("Anthropic API call failed", zap.Error(err))
		return nil, classify(err)
	}

	p.logger.Debug("Anthropic API call succeeded",
		zap.Int("input_tokens", int(resp.Usage.InputTokens)),
		zap.Int("output_tokens", int(resp.Usage.OutputTokens)),
	)

	return p.toDomainResponse(resp), nil
}

// Embed is unsupported; Anthropic exposes no embeddings endpoint.
func (p *Provider) Embed(_ context.Context, _ *domain.EmbeddingRequest) (*domain.EmbeddingResponse, error) {
	return nil, domain.NewProviderError(domain.ErrProviderConfiguration, p.name,
		"embeddings are not supported", nil)
}

// Stream sends a completion request and returns a stream of chunks.
func (p *Provider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	p.logger.Debug("calling Anthropic streaming API", zap.String("model", req.Model))

	stream := p.client.Messages.NewStreaming(ctx, p.toSDKParams(req))

	chunks := make(chan domain.StreamChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()

			switch event.Type {
			case "content_block_delta":
				if event.Delta.Type != "text_delta" {
					continue
				}
				select {
				case chunks <- domain.StreamChunk{Delta: event.Delta.Text}:
				case <-ctx.Done():
					return
				}

			case "message_stop":
				select {
				case chunks <- domain.StreamChunk{Done: true}:
				case <-ctx.Done():
				}
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case chunks <- domain.StreamChunk{Error: classify(err)}:
			case <-ctx.Done():
			}
			return
		}

		// The stream ended without an explicit message_stop event.
		select {
		case chunks <- domain.StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()

	return chunks, nil
}

// CheckHealth probes the backend by listing models.
func (p *Provider) CheckHealth(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx, anthropicsdk.ModelListParams{}); err != nil {
		return classify(err)
	}
	return nil
}

// EstimateCost predicts the USD cost of serving the request from the
// static pricing table and a rough character-based token count.
func (p *Provider) EstimateCost(req *domain.CompletionRequest) float64 {
	if req == nil {
		return 0
	}

	pricing := pricingFor(req.Model)

	promptChars := 0
	for _, msg := range req.Messages {
		promptChars += len(msg.Content)
	}
	promptTokens := promptChars / charsPerToken

	completionTokens := req.MaxTokens
	if completionTokens <= 0 {
		completionTokens = defaultEstimatedCompletionTokens
	}

	inputCost := float64(promptTokens) / tokensToPerK * pricing.InputCostPer1K
	outputCost := float64(completionTokens) / tokensToPerK * pricing.OutputCostPer1K
	return inputCost + outputCost
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// Capabilities declares which operations this adapter supports.
func (p *Provider) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		Completions: true,
		Embeddings:  false,
		Streaming:   true,
	}
}

// toSDKParams converts a domain request to SDK MessageNewParams. System
// messages are lifted into the top-level system param; the Messages API
// does not accept them inline.
func (p *Provider) toSDKParams(req *domain.CompletionRequest) anthropicsdk.MessageNewParams {
	messages := make([]anthropicsdk.MessageParam, 0, len(req.Messages))
	var system []anthropicsdk.TextBlockParam

	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			messages = append(messages, anthropicsdk.NewAssistantMessage(
				anthropicsdk.NewTextBlock(msg.Content),
			))
		case "system":
			system = append(system, anthropicsdk.TextBlockParam{Text: msg.Content})
		default:
			messages = append(messages, anthropicsdk.NewUserMessage(
				anthropicsdk.NewTextBlock(msg.Content),
			))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(req.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}

	if len(system) > 0 {
		params.System = system
	}

	if req.Temperature > 0 {
		params.Temperature = anthropicsdk.Float(req.Temperature)
	}

	return params
}

// toDomainResponse converts an SDK response to a domain response.
func (p *Provider) toDomainResponse(resp *anthropicsdk.Message) *domain.CompletionResponse {
	content := ""
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	promptTokens := int(resp.Usage.InputTokens)
	completionTokens := int(resp.Usage.OutputTokens)

	pricing := pricingFor(string(resp.Model))
	inputCost := float64(promptTokens) / tokensToPerK * pricing.InputCostPer1K
	outputCost := float64(completionTokens) / tokensToPerK * pricing.OutputCostPer1K

	return &domain.CompletionResponse{
		ID:           resp.ID,
		Model:        string(resp.Model),
		Provider:     p.name,
		Content:      content,
		FinishReason: string(resp.StopReason),
		Usage: domain.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
			Cost:             inputCost + outputCost,
		},
		FinishTime: time.Now(),
	}
}
