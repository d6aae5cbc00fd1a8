package routing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/kiln/internal/breaker"
	"github.com/davidbz/kiln/internal/domain"
	"github.com/davidbz/kiln/internal/providertest"
	"github.com/davidbz/kiln/internal/registry"
	"github.com/davidbz/kiln/internal/routing"
)

// stubStats is a fixed StatsSource for deterministic scoring.
type stubStats struct {
	stats map[string]domain.ProviderStats
}

func (s *stubStats) ProviderStats(provider string) domain.ProviderStats {
	return s.stats[provider]
}

type fixture struct {
	registry *registry.Registry
	breaker  *breaker.Manager
	stats    *stubStats
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := registry.NewRegistry(registry.Config{ErrorThreshold: 5, HealthCheckTick: time.Minute}, nil)
	t.Cleanup(func() { _ = reg.Close() })

	return &fixture{
		registry: reg,
		breaker:  breaker.NewManager(breaker.DefaultConfig(), nil),
		stats:    &stubStats{stats: make(map[string]domain.ProviderStats)},
	}
}

func (f *fixture) router(cfg routing.Config) *routing.Router {
	return routing.NewRouter(f.registry, f.breaker, f.stats, cfg, nil)
}

func (f *fixture) add(t *testing.T, adapter *providertest.Adapter, cfg domain.ProviderConfig) {
	t.Helper()
	require.NoError(t, f.registry.Register(context.Background(), adapter, cfg))
}

func TestRouter_Route(t *testing.T) {
	ctx := context.Background()

	t.Run("should select the higher priority provider on balanced ties", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, providertest.New("a"), domain.ProviderConfig{Enabled: true, Priority: 10})
		f.add(t, providertest.New("b"), domain.ProviderConfig{Enabled: true, Priority: 5})

		decision, err := f.router(routing.DefaultConfig()).Route(ctx, &domain.RoutingContext{
			PriorityHint: domain.HintBalanced,
		})
		require.NoError(t, err)
		require.Equal(t, "a", decision.Provider)
		require.Equal(t, []string{"b"}, decision.Fallbacks)
		require.Greater(t, decision.Confidence, 0.0)
	})

	t.Run("should default to the balanced profile", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, providertest.New("a"), domain.ProviderConfig{Enabled: true, Priority: 1})

		decision, err := f.router(routing.DefaultConfig()).Route(ctx, &domain.RoutingContext{})
		require.NoError(t, err)
		require.Equal(t, "a", decision.Provider)
	})

	t.Run("should exclude a forced-open provider", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, providertest.New("a"), domain.ProviderConfig{Enabled: true, Priority: 10})
		f.add(t, providertest.New("b"), domain.ProviderConfig{Enabled: true, Priority: 5})

		f.breaker.ForceOpen("a")

		decision, err := f.router(routing.DefaultConfig()).Route(ctx, &domain.RoutingContext{})
		require.NoError(t, err)
		require.Equal(t, "b", decision.Provider)
		require.Empty(t, decision.Fallbacks)
	})

	t.Run("should fail with ErrNoProviders when nothing is eligible", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.router(routing.DefaultConfig()).Route(ctx, &domain.RoutingContext{})
		require.ErrorIs(t, err, domain.ErrNoProviders)
	})

	t.Run("should reject a nil routing context", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.router(routing.DefaultConfig()).Route(ctx, nil)
		require.Error(t, err)
	})

	t.Run("should reject an unknown priority hint", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, providertest.New("a"), domain.ProviderConfig{Enabled: true})

		_, err := f.router(routing.DefaultConfig()).Route(ctx, &domain.RoutingContext{
			PriorityHint: "turbo",
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown priority hint")
	})
}

func TestRouter_Capabilities(t *testing.T) {
	ctx := context.Background()

	t.Run("should exclude providers without embedding support", func(t *testing.T) {
		f := newFixture(t)

		chatOnly := providertest.New("chat-only")
		chatOnly.Caps = domain.Capabilities{Completions: true, Streaming: true}
		f.add(t, chatOnly, domain.ProviderConfig{Enabled: true, Priority: 10})
		f.add(t, providertest.New("full"), domain.ProviderConfig{Enabled: true, Priority: 1})

		decision, err := f.router(routing.DefaultConfig()).Route(ctx, &domain.RoutingContext{
			Operation: domain.OperationEmbedding,
		})
		require.NoError(t, err)
		require.Equal(t, "full", decision.Provider)
		require.Empty(t, decision.Fallbacks)
	})

	t.Run("should exclude non-streaming providers from stream requests", func(t *testing.T) {
		f := newFixture(t)

		batch := providertest.New("batch")
		batch.Caps = domain.Capabilities{Completions: true}
		f.add(t, batch, domain.ProviderConfig{Enabled: true, Priority: 10})
		f.add(t, providertest.New("full"), domain.ProviderConfig{Enabled: true, Priority: 1})

		decision, err := f.router(routing.DefaultConfig()).Route(ctx, &domain.RoutingContext{
			Operation: domain.OperationStream,
		})
		require.NoError(t, err)
		require.Equal(t, "full", decision.Provider)
	})
}

func TestRouter_Scoring(t *testing.T) {
	ctx := context.Background()

	t.Run("should prefer the faster provider under the fast hint", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, providertest.New("slow"), domain.ProviderConfig{Enabled: true, Priority: 10})
		f.add(t, providertest.New("quick"), domain.ProviderConfig{Enabled: true, Priority: 1})

		f.stats.stats["slow"] = domain.ProviderStats{Samples: 20, SuccessRate: 0.95, AverageLatency: 4 * time.Second}
		f.stats.stats["quick"] = domain.ProviderStats{Samples: 20, SuccessRate: 0.95, AverageLatency: 100 * time.Millisecond}

		decision, err := f.router(routing.DefaultConfig()).Route(ctx, &domain.RoutingContext{
			PriorityHint: domain.HintFast,
		})
		require.NoError(t, err)
		require.Equal(t, "quick", decision.Provider)
	})

	t.Run("should prefer the cheaper provider under the cost hint", func(t *testing.T) {
		f := newFixture(t)

		pricey := providertest.New("pricey")
		pricey.CostPerCall = 0.08
		cheap := providertest.New("cheap")
		cheap.CostPerCall = 0.001
		f.add(t, pricey, domain.ProviderConfig{Enabled: true, Priority: 10})
		f.add(t, cheap, domain.ProviderConfig{Enabled: true, Priority: 1})

		decision, err := f.router(routing.DefaultConfig()).Route(ctx, &domain.RoutingContext{
			PriorityHint: domain.HintCost,
		})
		require.NoError(t, err)
		require.Equal(t, "cheap", decision.Provider)
	})

	t.Run("should prefer the more reliable provider under the powerful hint", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, providertest.New("shaky"), domain.ProviderConfig{Enabled: true, Priority: 10, QualityRating: 0.6})
		f.add(t, providertest.New("solid"), domain.ProviderConfig{Enabled: true, Priority: 1, QualityRating: 0.95})

		f.stats.stats["shaky"] = domain.ProviderStats{Samples: 20, SuccessRate: 0.5, AverageLatency: 100 * time.Millisecond}
		f.stats.stats["solid"] = domain.ProviderStats{Samples: 20, SuccessRate: 0.99, AverageLatency: 2 * time.Second}

		decision, err := f.router(routing.DefaultConfig()).Route(ctx, &domain.RoutingContext{
			PriorityHint: domain.HintPowerful,
		})
		require.NoError(t, err)
		require.Equal(t, "solid", decision.Provider)
	})

	t.Run("should apply the cost multiplier to the estimate", func(t *testing.T) {
		f := newFixture(t)

		a := providertest.New("a")
		a.CostPerCall = 0.01
		f.add(t, a, domain.ProviderConfig{Enabled: true, CostMultiplier: 2.5})

		decision, err := f.router(routing.DefaultConfig()).Route(ctx, &domain.RoutingContext{})
		require.NoError(t, err)
		require.InDelta(t, 0.025, decision.EstimatedCost, 0.0001)
	})
}

func TestRouter_Penalties(t *testing.T) {
	ctx := context.Background()

	t.Run("should demote but keep budget violators", func(t *testing.T) {
		f := newFixture(t)

		pricey := providertest.New("pricey")
		pricey.CostPerCall = 0.5
		cheap := providertest.New("cheap")
		cheap.CostPerCall = 0.001
		f.add(t, pricey, domain.ProviderConfig{Enabled: true, Priority: 10})
		f.add(t, cheap, domain.ProviderConfig{Enabled: true, Priority: 1})

		decision, err := f.router(routing.DefaultConfig()).Route(ctx, &domain.RoutingContext{
			PriorityHint:  domain.HintBalanced,
			BudgetCeiling: 0.01,
		})
		require.NoError(t, err)
		require.Equal(t, "cheap", decision.Provider)
		// The violator stays ranked as a last resort.
		require.Equal(t, []string{"pricey"}, decision.Fallbacks)
	})

	t.Run("should still route when every candidate violates the budget", func(t *testing.T) {
		f := newFixture(t)

		pricey := providertest.New("pricey")
		pricey.CostPerCall = 0.5
		f.add(t, pricey, domain.ProviderConfig{Enabled: true})

		decision, err := f.router(routing.DefaultConfig()).Route(ctx, &domain.RoutingContext{
			BudgetCeiling: 0.001,
		})
		require.NoError(t, err)
		require.Equal(t, "pricey", decision.Provider)
	})

	t.Run("should demote providers below the quality floor", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, providertest.New("rough"), domain.ProviderConfig{Enabled: true, Priority: 10, QualityRating: 0.4})
		f.add(t, providertest.New("fine"), domain.ProviderConfig{Enabled: true, Priority: 1, QualityRating: 0.9})

		decision, err := f.router(routing.DefaultConfig()).Route(ctx, &domain.RoutingContext{
			QualityFloor: 0.8,
		})
		require.NoError(t, err)
		require.Equal(t, "fine", decision.Provider)
		require.Equal(t, []string{"rough"}, decision.Fallbacks)
	})
}
