// Package echo provides a testing adapter that echoes back input messages.
// It implements the domain.ProviderAdapter interface without making external
// API calls, providing deterministic responses for development and for
// exercising the gateway end to end.
package echo

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/davidbz/kiln/internal/domain"
)

const (
	providerName = "echo"
	modelName    = "echo4"
	chunkDelay   = 10 * time.Millisecond

	embeddingDimension = 8
)

// Provider implements domain.ProviderAdapter for echo testing.
type Provider struct {
	name            string
	supportedModels map[string]bool
}

// NewProvider creates a new echo adapter.
// No configuration is required as this adapter operates entirely in-memory.
func NewProvider() *Provider {
	return &Provider{
		name: providerName,
		supportedModels: map[string]bool{
			modelName: true,
		},
	}
}

// Complete sends a completion request and returns the echoed response.
func (p *Provider) Complete(_ context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	if !p.supportedModels[req.Model] {
		return nil, domain.NewProviderError(domain.ErrValidation, p.name,
			fmt.Sprintf("model %s is not supported by echo provider", req.Model), nil)
	}

	echoContent := buildEchoContent(req.Messages)

	promptTokens := countTokens(echoContent)
	completionTokens := promptTokens // Echo returns same size
	totalTokens := promptTokens + completionTokens

	return &domain.CompletionResponse{
		ID:           fmt.Sprintf("echo-%d", time.Now().UnixNano()),
		Model:        req.Model,
		Provider:     p.name,
		Content:      echoContent,
		FinishReason: "stop",
		Usage: domain.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      totalTokens,
			Cost:             0.0,
		},
		FinishTime: time.Now(),
	}, nil
}

// Embed returns deterministic pseudo-embeddings derived from each input's
// hash, so identical inputs always embed identically.
func (p *Provider) Embed(_ context.Context, req *domain.EmbeddingRequest) (*domain.EmbeddingResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	if len(req.Input) == 0 {
		return nil, errors.New("input cannot be empty")
	}

	embeddings := make([][]float64, len(req.Input))
	tokens := 0
	for i, text := range req.Input {
		embeddings[i] = pseudoEmbedding(text)
		tokens += countTokens(text)
	}

	return &domain.EmbeddingResponse{
		Model:      req.Model,
		Provider:   p.name,
		Embeddings: embeddings,
		Usage: domain.Usage{
			PromptTokens: tokens,
			TotalTokens:  tokens,
		},
	}, nil
}

// Stream sends a completion request and returns a stream of echo chunks.
func (p *Provider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	if !p.supportedModels[req.Model] {
		return nil, domain.NewProviderError(domain.ErrValidation, p.name,
			fmt.Sprintf("model %s is not supported by echo provider", req.Model), nil)
	}

	echoContent := buildEchoContent(req.Messages)

	chunks := make(chan domain.StreamChunk)

	go func() {
		defer close(chunks)

		words := strings.Fields(echoContent)
		if len(words) == 0 {
			select {
			case chunks <- domain.StreamChunk{Delta: "", Done: true}:
			case <-ctx.Done():
			}
			return
		}

		for i, word := range words {
			delta := word
			if i < len(words)-1 {
				delta += " " // Add space between words
			}

			select {
			case <-ctx.Done():
				// The consumer may already be gone on cancellation, so
				// never block delivering the terminal chunk.
				select {
				case chunks <- domain.StreamChunk{Done: true, Error: ctx.Err()}:
				default:
				}
				return
			case chunks <- domain.StreamChunk{Delta: delta}:
				time.Sleep(chunkDelay)
			}
		}

		select {
		case chunks <- domain.StreamChunk{Delta: "", Done: true}:
		case <-ctx.Done():
		}
	}()

	return chunks, nil
}

// CheckHealth always succeeds; the echo adapter has no backend.
func (p *Provider) CheckHealth(_ context.Context) error {
	return nil
}

// EstimateCost returns zero; echo requests are free.
func (p *Provider) EstimateCost(_ *domain.CompletionRequest) float64 {
	return 0
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// Capabilities declares full support; echo exists to exercise every path.
func (p *Provider) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		Completions: true,
		Embeddings:  true,
		Streaming:   true,
	}
}

// buildEchoContent constructs the echo response from request messages.
func buildEchoContent(messages []domain.Message) string {
	if len(messages) == 0 {
		return ""
	}

	var builder strings.Builder
	for _, msg := range messages {
		builder.WriteString(fmt.Sprintf("[%s]: %s\n", msg.Role, msg.Content))
	}
	return builder.String()
}

// countTokens performs simple word-based token counting.
func countTokens(content string) int {
	if content == "" {
		return 0
	}
	return len(strings.Fields(content))
}

// pseudoEmbedding derives a fixed-dimension unit-free vector from the text's
// FNV hash.
func pseudoEmbedding(text string) []float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vector := make([]float64, embeddingDimension)
	for i := range vector {
		seed = seed*6364136223846793005 + 1442695040888963407
		vector[i] = float64(seed%2000)/1000.0 - 1.0
	}
	return vector
}
