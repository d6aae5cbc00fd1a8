// Package providertest provides a configurable fake adapter used by the
// gateway's own tests. It implements domain.ProviderAdapter entirely
// in-memory with scriptable failures and latency.
package providertest

import (
	"context"
	"sync"
	"time"

	"github.com/davidbz/kiln/internal/domain"
)

// Adapter is a scriptable in-memory provider adapter.
type Adapter struct {
	ProviderName string
	Caps         domain.Capabilities
	CostPerCall  float64
	Latency      time.Duration

	mu          sync.Mutex
	failWith    error
	healthErr   error
	hangStream  bool
	calls       int
	healthCalls int
}

// New creates a fake adapter that succeeds at everything.
func New(name string) *Adapter {
	return &Adapter{
		ProviderName: name,
		Caps: domain.Capabilities{
			Completions: true,
			Embeddings:  true,
			Streaming:   true,
		},
	}
}

// FailWith makes every subsequent call fail with err. Pass nil to recover.
func (a *Adapter) FailWith(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failWith = err
}

// HangStream makes Stream return a channel that never yields a chunk
// until the stream context is cancelled.
func (a *Adapter) HangStream() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hangStream = true
}

// FailHealthWith makes health probes fail with err. Pass nil to recover.
func (a *Adapter) FailHealthWith(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthErr = err
}

// Calls returns how many completion/embedding/stream calls were made.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// HealthCalls returns how many health probes were made.
func (a *Adapter) HealthCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthCalls
}

func (a *Adapter) begin() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.failWith
}

// Complete implements domain.ProviderAdapter.
func (a *Adapter) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if err := a.begin(); err != nil {
		return nil, err
	}
	if a.Latency > 0 {
		select {
		case <-time.After(a.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return &domain.CompletionResponse{
		ID:           "fake-" + a.ProviderName,
		Model:        req.Model,
		Provider:     a.ProviderName,
		Content:      "ok",
		FinishReason: "stop",
		Usage:        domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		FinishTime:   time.Now(),
	}, nil
}

// Embed implements domain.ProviderAdapter.
func (a *Adapter) Embed(_ context.Context, req *domain.EmbeddingRequest) (*domain.EmbeddingResponse, error) {
	if err := a.begin(); err != nil {
		return nil, err
	}

	embeddings := make([][]float64, len(req.Input))
	for i := range req.Input {
		embeddings[i] = []float64{0.1, 0.2, 0.3}
	}

	return &domain.EmbeddingResponse{
		Model:      req.Model,
		Provider:   a.ProviderName,
		Embeddings: embeddings,
		Usage:      domain.Usage{PromptTokens: len(req.Input), TotalTokens: len(req.Input)},
	}, nil
}

// Stream implements domain.ProviderAdapter.
func (a *Adapter) Stream(ctx context.Context, _ *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
	if err := a.begin(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	hang := a.hangStream
	a.mu.Unlock()

	chunks := make(chan domain.StreamChunk)
	go func() {
		defer close(chunks)
		if hang {
			<-ctx.Done()
			return
		}
		for _, delta := range []string{"ok ", "done"} {
			select {
			case chunks <- domain.StreamChunk{Delta: delta}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case chunks <- domain.StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return chunks, nil
}

// CheckHealth implements domain.ProviderAdapter.
func (a *Adapter) CheckHealth(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthCalls++
	return a.healthErr
}

// EstimateCost implements domain.ProviderAdapter.
func (a *Adapter) EstimateCost(_ *domain.CompletionRequest) float64 {
	return a.CostPerCall
}

// Name implements domain.ProviderAdapter.
func (a *Adapter) Name() string {
	return a.ProviderName
}

// Capabilities implements domain.ProviderAdapter.
func (a *Adapter) Capabilities() domain.Capabilities {
	return a.Caps
}
