// Package routing ranks eligible providers for a request by blending
// latency, cost, success-rate, and quality sub-scores under priority-hint
// dependent weights.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/davidbz/kiln/internal/domain"
)

const (
	defaultPenaltyFactor = 0.15

	// Neutral sub-scores for providers with no observed traffic yet.
	unknownLatencyScore = 0.5
	unknownSuccessScore = 0.8
)

// Weights blends the four normalized sub-scores. They should sum to 1 but
// the router does not enforce it; only relative magnitude matters.
type Weights struct {
	Latency     float64
	Cost        float64
	SuccessRate float64
	Quality     float64
}

// Config contains router tuning. The weight profiles and penalty factor are
// deliberately configuration, not constants: the defaults are hand-tuned
// starting points, not derived truths.
type Config struct {
	// Profiles maps each priority hint to its score weights.
	Profiles map[domain.PriorityHint]Weights

	// PenaltyFactor multiplies a candidate's score when it violates the
	// budget ceiling or quality floor. Violators stay in the ranking as
	// last-resort fallbacks instead of emptying the candidate set.
	PenaltyFactor float64
}

// DefaultConfig returns the standard weight profiles.
func DefaultConfig() Config {
	return Config{
		Profiles: map[domain.PriorityHint]Weights{
			domain.HintFast:     {Latency: 0.5, Cost: 0.15, SuccessRate: 0.2, Quality: 0.15},
			domain.HintCost:     {Latency: 0.1, Cost: 0.5, SuccessRate: 0.2, Quality: 0.2},
			domain.HintPowerful: {Latency: 0.1, Cost: 0.1, SuccessRate: 0.4, Quality: 0.4},
			domain.HintBalanced: {Latency: 0.3, Cost: 0.3, SuccessRate: 0.25, Quality: 0.15},
		},
		PenaltyFactor: defaultPenaltyFactor,
	}
}

// Router implements domain.Router with weighted scoring.
type Router struct {
	registry domain.ProviderRegistry
	breaker  domain.CircuitBreaker
	stats    domain.StatsSource
	config   Config
	logger   *zap.Logger
}

// NewRouter creates a scoring router.
func NewRouter(
	reg domain.ProviderRegistry,
	cb domain.CircuitBreaker,
	stats domain.StatsSource,
	cfg Config,
	logger *zap.Logger,
) *Router {
	if cfg.Profiles == nil {
		cfg.Profiles = DefaultConfig().Profiles
	}
	if cfg.PenaltyFactor <= 0 {
		cfg.PenaltyFactor = defaultPenaltyFactor
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Router{
		registry: reg,
		breaker:  cb,
		stats:    stats,
		config:   cfg,
		logger:   logger,
	}
}

// scored pairs a candidate with its computed score for ranking.
type scored struct {
	name     string
	score    float64
	priority int
	cost     float64
}

// Route scores currently eligible providers and returns the selected
// provider plus ordered fallbacks. The decision is request-scoped and must
// not be cached: provider health changes continuously.
func (r *Router) Route(ctx context.Context, rc *domain.RoutingContext) (*domain.RoutingDecision, error) {
	if rc == nil {
		return nil, errors.New("routing context cannot be nil")
	}

	hint := rc.PriorityHint
	if hint == "" {
		hint = domain.HintBalanced
	}
	weights, ok := r.config.Profiles[hint]
	if !ok {
		return nil, fmt.Errorf("unknown priority hint: %s", hint)
	}

	candidates := r.eligible(ctx, rc)
	if len(candidates) == 0 {
		return nil, domain.ErrNoProviders
	}

	ranked := r.rank(ctx, candidates, rc, weights)

	fallbacks := make([]string, 0, len(ranked)-1)
	for _, c := range ranked[1:] {
		fallbacks = append(fallbacks, c.name)
	}

	decision := &domain.RoutingDecision{
		Provider:      ranked[0].name,
		Fallbacks:     fallbacks,
		EstimatedCost: ranked[0].cost,
		Confidence:    ranked[0].score,
	}

	r.logger.Debug("routing decision",
		zap.String("provider", decision.Provider),
		zap.Strings("fallbacks", decision.Fallbacks),
		zap.Float64("confidence", decision.Confidence),
		zap.String("hint", string(hint)))

	return decision, nil
}

// eligible intersects the registry's available providers with circuit
// breaker availability and required capabilities. Breaker state is read
// from snapshots, never through Allow, so ranking cannot consume the
// half-open probe slot that belongs to the executor.
func (r *Router) eligible(ctx context.Context, rc *domain.RoutingContext) []string {
	available := r.registry.Available(ctx)

	eligible := make([]string, 0, len(available))
	for _, name := range available {
		status := r.breaker.Status(name)
		switch status.State {
		case domain.BreakerClosed:
		case domain.BreakerOpen:
			// Probe-eligible circuits stay in the candidate set; the
			// executor's availability check performs the transition.
			if status.NextRetryAt.IsZero() || time.Now().Before(status.NextRetryAt) {
				continue
			}
		case domain.BreakerHalfOpen:
			continue
		}

		if !r.supports(ctx, name, rc.Operation) {
			continue
		}

		eligible = append(eligible, name)
	}
	return eligible
}

// supports checks the adapter's declared capabilities for the operation.
func (r *Router) supports(ctx context.Context, name string, op domain.Operation) bool {
	adapter, err := r.registry.Adapter(ctx, name)
	if err != nil {
		return false
	}

	caps := adapter.Capabilities()
	switch op {
	case domain.OperationEmbedding:
		return caps.Embeddings
	case domain.OperationStream:
		return caps.Streaming
	default:
		return caps.Completions
	}
}

// rank scores every candidate and sorts by score descending, breaking ties
// by registry priority then name so results are reproducible.
func (r *Router) rank(
	ctx context.Context,
	candidates []string,
	rc *domain.RoutingContext,
	weights Weights,
) []scored {
	ranked := make([]scored, 0, len(candidates))
	for _, name := range candidates {
		ranked = append(ranked, r.score(ctx, name, rc, weights))
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].priority != ranked[j].priority {
			return ranked[i].priority > ranked[j].priority
		}
		return ranked[i].name < ranked[j].name
	})

	return ranked
}

// score computes one candidate's weighted score in [0, 1].
func (r *Router) score(
	ctx context.Context,
	name string,
	rc *domain.RoutingContext,
	weights Weights,
) scored {
	cfg, _ := r.registry.Config(ctx, name)
	stats := r.stats.ProviderStats(name)

	latencyScore := unknownLatencyScore
	successScore := unknownSuccessScore
	if stats.Samples > 0 {
		latencyScore = 1.0 / (1.0 + stats.AverageLatency.Seconds())
		successScore = stats.SuccessRate
	}

	estimatedCost := r.estimateCost(ctx, name, rc) * cfg.CostMultiplier
	costScore := 1.0 / (1.0 + estimatedCost*100)

	qualityScore := cfg.QualityRating

	total := weights.Latency*latencyScore +
		weights.Cost*costScore +
		weights.SuccessRate*successScore +
		weights.Quality*qualityScore

	// Constraint violations demote rather than eliminate, so a violating
	// provider remains available as a last resort.
	if rc.BudgetCeiling > 0 && estimatedCost > rc.BudgetCeiling {
		total *= r.config.PenaltyFactor
	}
	if rc.QualityFloor > 0 && qualityScore < rc.QualityFloor {
		total *= r.config.PenaltyFactor
	}

	return scored{
		name:     name,
		score:    total,
		priority: cfg.Priority,
		cost:     estimatedCost,
	}
}

// estimateCost asks the adapter to price a nominal request for the
// context's model tier.
func (r *Router) estimateCost(ctx context.Context, name string, rc *domain.RoutingContext) float64 {
	adapter, err := r.registry.Adapter(ctx, name)
	if err != nil {
		return 0
	}
	return adapter.EstimateCost(&domain.CompletionRequest{Model: rc.ModelTier})
}
