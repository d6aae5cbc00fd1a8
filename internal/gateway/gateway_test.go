package gateway_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/kiln/internal/breaker"
	"github.com/davidbz/kiln/internal/domain"
	"github.com/davidbz/kiln/internal/fallback"
	"github.com/davidbz/kiln/internal/gateway"
	"github.com/davidbz/kiln/internal/providertest"
	"github.com/davidbz/kiln/internal/registry"
	"github.com/davidbz/kiln/internal/routing"
)

// denyQuota rejects every request.
type denyQuota struct{}

func (denyQuota) Check(_ context.Context, _ domain.Operation, _ *domain.RoutingContext) error {
	return domain.NewProviderError(domain.ErrQuotaExceeded, "", "monthly budget exhausted", nil)
}

// memoryStatusStore records status writes for assertions.
type memoryStatusStore struct {
	mu       sync.Mutex
	breakers []domain.BreakerStatus
	closed   bool
}

func (s *memoryStatusStore) PutProviderStatus(_ context.Context, _ domain.ProviderStatus) error {
	return nil
}

func (s *memoryStatusStore) PutBreakerStatus(_ context.Context, status domain.BreakerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers = append(s.breakers, status)
	return nil
}

func (s *memoryStatusStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memoryStatusStore) breakerWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.breakers)
}

type fixture struct {
	registry *registry.Registry
	breaker  *breaker.Manager
	metrics  *gateway.MetricsRecorder
	service  *gateway.Service
}

type fixtureOptions struct {
	fallbackEnabled bool
	quota           domain.QuotaChecker
	statusStore     domain.StatusStore
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	reg := registry.NewRegistry(registry.Config{ErrorThreshold: 5, HealthCheckTick: time.Minute}, nil)
	cb := breaker.NewManager(breaker.DefaultConfig(), nil)
	metrics := gateway.NewMetricsRecorder(1000, nil)
	router := routing.NewRouter(reg, cb, metrics, routing.DefaultConfig(), nil)
	executor := fallback.NewExecutor(reg, cb, metrics, fallback.Config{
		AttemptTimeout: time.Second,
		RetryDelay:     time.Millisecond,
	}, nil)

	pricing := domain.NewInMemoryPricingRegistry()
	require.NoError(t, pricing.RegisterPricing(context.Background(), "gpt-4o", domain.PricingConfig{
		InputCostPer1K:  0.005,
		OutputCostPer1K: 0.015,
	}))

	svc := gateway.NewService(
		reg, cb, router, executor, metrics,
		domain.NewStandardCostCalculator(pricing),
		gateway.Config{FallbackEnabled: opts.fallbackEnabled},
		gateway.Params{Quota: opts.quota, StatusStore: opts.statusStore},
		nil,
	)
	t.Cleanup(svc.Destroy)

	return &fixture{registry: reg, breaker: cb, metrics: metrics, service: svc}
}

func (f *fixture) add(t *testing.T, adapter *providertest.Adapter, priority int) {
	t.Helper()
	err := f.registry.Register(context.Background(), adapter, domain.ProviderConfig{
		Enabled:  true,
		Priority: priority,
	})
	require.NoError(t, err)
}

func completionReq() *domain.CompletionRequest {
	return &domain.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: "user", Content: "hello"}},
	}
}

func TestService_Complete(t *testing.T) {
	ctx := context.Background()

	t.Run("should route to the highest-priority healthy provider", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{fallbackEnabled: true})
		a := providertest.New("a")
		b := providertest.New("b")
		f.add(t, a, 10)
		f.add(t, b, 5)

		resp, err := f.service.Complete(ctx, completionReq())
		require.NoError(t, err)
		require.Equal(t, "a", resp.Provider)
		require.Equal(t, 1, a.Calls())
		require.Equal(t, 0, b.Calls())
		require.Equal(t, 1, f.metrics.Len())
	})

	t.Run("should fail over when the preferred provider's circuit is forced open", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{fallbackEnabled: true})
		a := providertest.New("a")
		b := providertest.New("b")
		f.add(t, a, 10)
		f.add(t, b, 5)

		f.breaker.ForceOpen("a")

		resp, err := f.service.Complete(ctx, completionReq())
		require.NoError(t, err)
		require.Equal(t, "b", resp.Provider)
		require.Equal(t, 0, a.Calls())
	})

	t.Run("should backfill cost from the pricing registry", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{fallbackEnabled: true})
		f.add(t, providertest.New("a"), 10)

		resp, err := f.service.Complete(ctx, completionReq())
		require.NoError(t, err)
		// 10 prompt tokens at 0.005/1K plus 5 completion tokens at 0.015/1K.
		require.InDelta(t, 0.000125, resp.Usage.Cost, 1e-9)
	})

	t.Run("should dispatch only to the selected provider when fallback is disabled", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{fallbackEnabled: false})
		a := providertest.New("a")
		a.FailWith(domain.NewProviderError(domain.ErrNetwork, "a", "reset", nil))
		b := providertest.New("b")
		f.add(t, a, 10)
		f.add(t, b, 5)

		_, err := f.service.Complete(ctx, completionReq())
		require.Error(t, err)
		require.Equal(t, 1, a.Calls())
		require.Equal(t, 0, b.Calls())
	})

	t.Run("should reject over-quota requests before touching any provider", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{fallbackEnabled: true, quota: denyQuota{}})
		a := providertest.New("a")
		f.add(t, a, 10)

		_, err := f.service.Complete(ctx, completionReq())
		require.Error(t, err)
		require.Equal(t, domain.ErrQuotaExceeded, domain.ClassifyErrorKind(err))
		require.Equal(t, 0, a.Calls())
		require.Equal(t, 0, f.metrics.Len())
	})

	t.Run("should validate the request before routing", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{fallbackEnabled: true})

		_, err := f.service.Complete(ctx, nil)
		require.Error(t, err)

		_, err = f.service.Complete(ctx, &domain.CompletionRequest{})
		require.Error(t, err)
	})

	t.Run("should mirror status to the external store", func(t *testing.T) {
		store := &memoryStatusStore{}
		f := newFixture(t, fixtureOptions{fallbackEnabled: true, statusStore: store})
		f.add(t, providertest.New("a"), 10)

		_, err := f.service.Complete(ctx, completionReq())
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return store.breakerWrites() > 0
		}, time.Second, 5*time.Millisecond)
	})
}

func TestService_Embed(t *testing.T) {
	ctx := context.Background()

	t.Run("should embed through the routed provider", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{fallbackEnabled: true})
		f.add(t, providertest.New("a"), 10)

		resp, err := f.service.Embed(ctx, &domain.EmbeddingRequest{
			Model: "text-embedding-3-small",
			Input: []string{"hello"},
		})
		require.NoError(t, err)
		require.Equal(t, "a", resp.Provider)
		require.Len(t, resp.Embeddings, 1)
	})

	t.Run("should reject empty input", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{fallbackEnabled: true})

		_, err := f.service.Embed(ctx, &domain.EmbeddingRequest{Model: "text-embedding-3-small"})
		require.Error(t, err)
	})
}

func TestService_Stream(t *testing.T) {
	ctx := context.Background()

	t.Run("should stream through the routed provider", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{fallbackEnabled: true})
		f.add(t, providertest.New("a"), 10)

		chunks, err := f.service.Stream(ctx, completionReq())
		require.NoError(t, err)

		var content string
		for chunk := range chunks {
			content += chunk.Delta
		}
		require.Equal(t, "ok done", content)
	})
}

func TestService_HealthCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("should be healthy when every enabled provider is healthy", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{fallbackEnabled: true})
		f.add(t, providertest.New("a"), 10)
		f.add(t, providertest.New("b"), 5)

		report := f.service.HealthCheck(ctx)
		require.Equal(t, domain.HealthHealthy, report.Status)
		require.Len(t, report.Providers, 2)
	})

	t.Run("should degrade when one of three providers is unhealthy", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{fallbackEnabled: true})
		f.add(t, providertest.New("a"), 10)
		f.add(t, providertest.New("b"), 5)
		f.add(t, providertest.New("c"), 1)

		for range 5 {
			f.registry.RecordError(ctx, "c", errors.New("boom"))
		}

		report := f.service.HealthCheck(ctx)
		require.Equal(t, domain.HealthDegraded, report.Status)
		require.False(t, report.Providers["c"].Healthy)
	})

	t.Run("should be unhealthy when no provider is healthy", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{fallbackEnabled: true})
		f.add(t, providertest.New("a"), 10)

		for range 5 {
			f.registry.RecordError(ctx, "a", errors.New("boom"))
		}

		report := f.service.HealthCheck(ctx)
		require.Equal(t, domain.HealthUnhealthy, report.Status)
	})
}

func TestService_Operations(t *testing.T) {
	ctx := context.Background()

	t.Run("should force and reset circuit state", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{fallbackEnabled: true})
		f.add(t, providertest.New("a"), 10)

		ok, err := f.service.ForceProviderState("a", "open")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, domain.BreakerOpen, f.service.CircuitBreakerStatus()["a"].State)

		require.True(t, f.service.ResetProvider("a"))
		require.Equal(t, domain.BreakerClosed, f.service.CircuitBreakerStatus()["a"].State)

		_, err = f.service.ForceProviderState("a", "wedged")
		require.Error(t, err)
	})

	t.Run("should disable and re-enable providers", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{fallbackEnabled: true})
		a := providertest.New("a")
		f.add(t, a, 10)

		require.NoError(t, f.service.DisableProvider(ctx, "a"))
		_, err := f.service.Complete(ctx, completionReq())
		require.ErrorIs(t, err, domain.ErrNoProviders)

		require.NoError(t, f.service.EnableProvider(ctx, "a"))
		_, err = f.service.Complete(ctx, completionReq())
		require.NoError(t, err)
	})

	t.Run("should apply partial configuration updates", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{fallbackEnabled: true})

		enabled := false
		cfg := f.service.UpdateConfiguration(gateway.ConfigPatch{FallbackEnabled: &enabled})
		require.False(t, cfg.FallbackEnabled)
		require.False(t, f.service.Configuration().FallbackEnabled)

		cfg = f.service.UpdateConfiguration(gateway.ConfigPatch{})
		require.False(t, cfg.FallbackEnabled)
	})

	t.Run("should clear metrics on demand", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{fallbackEnabled: true})
		f.add(t, providertest.New("a"), 10)

		_, err := f.service.Complete(ctx, completionReq())
		require.NoError(t, err)
		require.Equal(t, 1, f.service.Metrics().TotalRequests)

		f.service.ClearMetrics()
		require.Equal(t, 0, f.service.Metrics().TotalRequests)
	})
}

func TestService_Destroy(t *testing.T) {
	ctx := context.Background()

	t.Run("should tear down cleanly and be idempotent", func(t *testing.T) {
		store := &memoryStatusStore{}
		f := newFixture(t, fixtureOptions{fallbackEnabled: true, statusStore: store})
		f.add(t, providertest.New("a"), 10)

		_, err := f.service.Complete(ctx, completionReq())
		require.NoError(t, err)

		f.service.Destroy()
		f.service.Destroy()

		store.mu.Lock()
		closed := store.closed
		store.mu.Unlock()
		require.True(t, closed)
		require.Equal(t, 0, f.metrics.Len())
	})
}
