// Package openai adapts the OpenAI API to the gateway's provider contract
// using the official SDK. It converts between domain types and SDK types,
// classifies SDK failures into the shared error taxonomy, and prices
// requests from a static per-model table.
package openai

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/davidbz/kiln/internal/domain"
)

const (
	providerName = "openai"

	// Token conversion factor (tokens to per-1K)
	tokensToPerK = 1000.0

	// Rough characters-per-token ratio used for cost estimation.
	charsPerToken = 4

	// Assumed completion size when the request does not cap output tokens.
	defaultEstimatedCompletionTokens = 500
)

// Provider implements domain.ProviderAdapter for OpenAI.
type Provider struct {
	client         openai.Client
	name           string
	embeddingModel string
	logger         *zap.Logger
}

// NewProvider creates a new OpenAI adapter.
func NewProvider(config Config, logger *zap.Logger) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
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

	embeddingModel := config.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = string(openai.EmbeddingModelTextEmbedding3Small)
	}

	return &Provider{
		client:         openai.NewClient(opts...),
		name:           providerName,
		embeddingModel: embeddingModel,
		logger:         logger,
	}, nil
}

// Complete sends a completion request and returns the full response.
func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	p.logger.Debug("calling OpenAI API", zap.String("model", req.Model))

	resp, err := p.client.Chat.Completions.New(ctx, p.toSDKParams(req))
	if err != nil {
		p.logger.Error("OpenAI API call failed", zap.Error(err))
		return nil, classify(err)
	}

	p.logger.Debug("OpenAI API call succeeded",
		zap.Int("prompt_tokens", int(resp.Usage.PromptTokens)),
		zap.Int("completion_tokens", int(resp.Usage.CompletionTokens)),
	)

	return p.toDomainResponse(resp), nil
}

// Embed generates vector embeddings for the given inputs.
func (p *Provider) Embed(ctx context.Context, req *domain.EmbeddingRequest) (*domain.EmbeddingResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	if len(req.Input) == 0 {
		return nil, errors.New("input cannot be empty")
	}

	model := req.Model
	if model == "" {
		model = p.embeddingModel
	}

	//nolint:exhaustruct // OpenAI SDK struct has many optional fields
	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		p.logger.Error("OpenAI embeddings call failed", zap.Error(err))
		return nil, classify(err)
	}

	if len(resp.Data) == 0 {
		return nil, domain.NewProviderError(domain.ErrProviderUnavailable, p.name,
			"no embeddings returned", nil)
	}

	embeddings := make([][]float64, len(resp.Data))
	for i, data := range resp.Data {
		embeddings[i] = data.Embedding
	}

	promptTokens := int(resp.Usage.PromptTokens)
	cost := float64(promptTokens) / tokensToPerK * pricingFor(model).InputCostPer1K

	return &domain.EmbeddingResponse{
		Model:      model,
		Provider:   p.name,
		Embeddings: embeddings,
		Usage: domain.Usage{
			PromptTokens: promptTokens,
			TotalTokens:  int(resp.Usage.TotalTokens),
			Cost:         cost,
		},
	}, nil
}

// Stream sends a completion request and returns a stream of chunks.
func (p *Provider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	p.logger.Debug("calling OpenAI streaming API", zap.String("model", req.Model))

	stream := p.client.Chat.Completions.NewStreaming(ctx, p.toSDKParams(req))

	chunks := make(chan domain.StreamChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}

			delta := chunk.Choices[0].Delta.Content
			done := chunk.Choices[0].FinishReason != ""

			select {
			case chunks <- domain.StreamChunk{Delta: delta, Done: done}:
			case <-ctx.Done():
				return
			}

			if done {
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

		// The stream ended without an explicit finish reason.
		select {
		case chunks <- domain.StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()

	return chunks, nil
}

// CheckHealth probes the backend by listing models, the cheapest
// authenticated call the API offers.
func (p *Provider) CheckHealth(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx); err != nil {
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
		Embeddings:  true,
		Streaming:   true,
		JSONMode:    true,
	}
}

// toSDKParams converts a domain request to SDK ChatCompletionNewParams.
func (p *Provider) toSDKParams(req *domain.CompletionRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, len(req.Messages))
	for i, msg := range req.Messages {
		switch msg.Role {
		case "user":
			messages[i] = openai.UserMessage(msg.Content)
		case "assistant":
			messages[i] = openai.AssistantMessage(msg.Content)
		case "system":
			messages[i] = openai.SystemMessage(msg.Content)
		default:
			// Fallback to user message if role is unknown
			messages[i] = openai.UserMessage(msg.Content)
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}

	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	return params
}

// toDomainResponse converts an SDK response to a domain response.
func (p *Provider) toDomainResponse(resp *openai.ChatCompletion) *domain.CompletionResponse {
	content := ""
	finishReason := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finishReason = string(resp.Choices[0].FinishReason)
	}

	pricing := pricingFor(string(resp.Model))
	inputCost := float64(resp.Usage.PromptTokens) / tokensToPerK * pricing.InputCostPer1K
	outputCost := float64(resp.Usage.CompletionTokens) / tokensToPerK * pricing.OutputCostPer1K

	return &domain.CompletionResponse{
		ID:           resp.ID,
		Model:        string(resp.Model),
		Provider:     p.name,
		Content:      content,
		FinishReason: finishReason,
		Usage: domain.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
			Cost:             inputCost + outputCost,
		},
		FinishTime: time.Now(),
	}
}
