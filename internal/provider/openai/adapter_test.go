package openai_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/kiln/internal/domain"
	"github.com/davidbz/kiln/internal/provider/openai"
)

func TestNewProvider_Success(t *testing.T) {
	config := openai.Config{
		APIKey:     "test-api-key",
		BaseURL:    "https://api.openai.com/v1",
		Timeout:    60,
		MaxRetries: 3,
	}

	provider, err := openai.NewProvider(config, nil)

	require.NoError(t, err)
	require.NotNil(t, provider)
	require.Equal(t, "openai", provider.Name())
}

func TestNewProvider_MissingAPIKey(t *testing.T) {
	config := openai.Config{
		APIKey:  "",
		BaseURL: "https://api.openai.com/v1",
	}

	provider, err := openai.NewProvider(config, nil)

	require.Error(t, err)
	require.Nil(t, provider)
	require.Contains(t, err.Error(), "OpenAI API key is required")
}

func TestProvider_Capabilities(t *testing.T) {
	provider, err := openai.NewProvider(openai.Config{APIKey: "test-key"}, nil)
	require.NoError(t, err)

	caps := provider.Capabilities()
	require.True(t, caps.Completions)
	require.True(t, caps.Embeddings)
	require.True(t, caps.Streaming)
	require.True(t, caps.JSONMode)
}

func TestProvider_EstimateCost(t *testing.T) {
	provider, err := openai.NewProvider(openai.Config{APIKey: "test-key"}, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		req  *domain.CompletionRequest
		want float64
	}{
		{
			name: "known model with capped output",
			req: &domain.CompletionRequest{
				Model:     "gpt-4o",
				Messages:  []domain.Message{{Role: "user", Content: "this prompt is forty characters long....."}},
				MaxTokens: 100,
			},
			// 10 prompt tokens at 0.0025/1K plus 100 output tokens at 0.01/1K.
			want: 0.001025,
		},
		{
			name: "unknown model prices at zero",
			req: &domain.CompletionRequest{
				Model:    "unknown-model",
				Messages: []domain.Message{{Role: "user", Content: "hello"}},
			},
			want: 0,
		},
		{
			name: "nil request prices at zero",
			req:  nil,
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.InDelta(t, tt.want, provider.EstimateCost(tt.req), 1e-9)
		})
	}
}

func TestProvider_Complete_NilRequest(t *testing.T) {
	provider, err := openai.NewProvider(openai.Config{APIKey: "test-key"}, nil)
	require.NoError(t, err)

	resp, err := provider.Complete(context.Background(), nil)

	require.Error(t, err)
	require.Nil(t, resp)
	require.Contains(t, err.Error(), "request cannot be nil")
}

func TestProvider_Stream_NilRequest(t *testing.T) {
	provider, err := openai.NewProvider(openai.Config{APIKey: "test-key"}, nil)
	require.NoError(t, err)

	chunks, err := provider.Stream(context.Background(), nil)

	require.Error(t, err)
	require.Nil(t, chunks)
	require.Contains(t, err.Error(), "request cannot be nil")
}

func TestProvider_Stream(t *testing.T) {
	disconnected := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		fmt.Fprintf(w, "data: %s\n\n",
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"hello"},"finish_reason":null}]}`)
		fmt.Fprintf(w, "data: %s\n\n",
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)
		w.(http.Flusher).Flush()

		select {
		case <-r.Context().Done():
			close(disconnected)
		case <-time.After(3 * time.Second):
		}
	}))
	defer srv.Close()

	provider, err := openai.NewProvider(openai.Config{APIKey: "test-key", BaseURL: srv.URL + "/"}, nil)
	require.NoError(t, err)

	chunks, err := provider.Stream(context.Background(), &domain.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	var content string
	var done bool
	for chunk := range chunks {
		require.NoError(t, chunk.Error)
		content += chunk.Delta
		done = done || chunk.Done
	}
	require.Equal(t, "hello", content)
	require.True(t, done)

	// The SDK stream is closed once the finish reason arrives, releasing
	// the connection instead of holding it until request-context teardown.
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("stream connection was not released after completion")
	}
}

func TestProvider_Embed_EmptyInput(t *testing.T) {
	provider, err := openai.NewProvider(openai.Config{APIKey: "test-key"}, nil)
	require.NoError(t, err)

	resp, err := provider.Embed(context.Background(), &domain.EmbeddingRequest{
		Model: "text-embedding-3-small",
	})

	require.Error(t, err)
	require.Nil(t, resp)
	require.Contains(t, err.Error(), "input cannot be empty")
}

func TestRegisterPricing(t *testing.T) {
	ctx := context.Background()
	registry := domain.NewInMemoryPricingRegistry()

	require.NoError(t, openai.RegisterPricing(ctx, registry))

	pricing, err := registry.GetPricing(ctx, "gpt-4o")
	require.NoError(t, err)
	require.InDelta(t, 0.0025, pricing.InputCostPer1K, 1e-9)
	require.InDelta(t, 0.01, pricing.OutputCostPer1K, 1e-9)
}
