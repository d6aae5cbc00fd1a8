// Package gateway is the single entry point of the AI provider gateway.
// The Service wires the router, fallback executor, circuit breaker, and
// registry together, records metrics, and answers health and status
// queries. It is an explicitly constructed, dependency-injected object
// owned by the application's startup code; there are no module-level
// singletons and destruction is an explicit call.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/davidbz/kiln/internal/domain"
	"github.com/davidbz/kiln/internal/fallback"
)

// Config contains facade-level settings.
type Config struct {
	// FallbackEnabled dispatches through the full fallback chain when
	// true; when false requests go only to the router's top candidate,
	// trading resilience for a predictable fast failure.
	FallbackEnabled bool `json:"fallback_enabled"`
}

// ConfigPatch carries partial configuration updates.
type ConfigPatch struct {
	FallbackEnabled *bool `json:"fallback_enabled,omitempty"`
}

// Service is the gateway facade.
type Service struct {
	registry    domain.ProviderRegistry
	breaker     domain.CircuitBreaker
	router      domain.Router
	executor    *fallback.Executor
	metrics     *MetricsRecorder
	calculator  domain.CostCalculator
	quota       domain.QuotaChecker
	statusStore domain.StatusStore
	logger      *zap.Logger

	mu     sync.RWMutex
	config Config

	destroyOnce sync.Once
}

// Params collects the facade's optional collaborators.
type Params struct {
	Quota       domain.QuotaChecker // nil = no quota enforcement
	StatusStore domain.StatusStore  // nil = no external status mirror
}

// NewService creates the gateway facade (DI constructor).
func NewService(
	reg domain.ProviderRegistry,
	cb domain.CircuitBreaker,
	router domain.Router,
	executor *fallback.Executor,
	metrics *MetricsRecorder,
	calculator domain.CostCalculator,
	cfg Config,
	params Params,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		registry:    reg,
		breaker:     cb,
		router:      router,
		executor:    executor,
		metrics:     metrics,
		calculator:  calculator,
		quota:       params.Quota,
		statusStore: params.StatusStore,
		logger:      logger,
		config:      cfg,
	}
}

// Complete handles a completion request.
func (s *Service) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	if req.Model == "" {
		return nil, errors.New("model cannot be empty")
	}

	rc := req.Routing
	rc.Operation = domain.OperationCompletion
	if rc.ModelTier == "" {
		rc.ModelTier = req.Model
	}

	decision, err := s.route(ctx, &rc)
	if err != nil {
		return nil, err
	}

	outcome, err := s.executor.Completion(ctx, decision, req)
	if err != nil {
		return nil, fmt.Errorf("completion failed: %w", err)
	}

	resp := outcome.Response
	if resp.Usage.Cost == 0 && s.calculator != nil {
		cost, _ := s.calculator.Calculate(ctx, resp.Model, resp.Usage)
		resp.Usage.Cost = cost
	}

	s.mirrorStatus(outcome.Provider)
	return resp, nil
}

// Embed handles an embedding request.
func (s *Service) Embed(ctx context.Context, req *domain.EmbeddingRequest) (*domain.EmbeddingResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	if len(req.Input) == 0 {
		return nil, errors.New("input cannot be empty")
	}

	rc := req.Routing
	rc.Operation = domain.OperationEmbedding
	if rc.ModelTier == "" {
		rc.ModelTier = req.Model
	}

	decision, err := s.route(ctx, &rc)
	if err != nil {
		return nil, err
	}

	outcome, err := s.executor.Embedding(ctx, decision, req)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}

	s.mirrorStatus(outcome.Provider)
	return outcome.Response, nil
}

// Stream handles a streaming completion request. Fallback only engages
// before the first byte reaches the caller.
func (s *Service) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	if req.Model == "" {
		return nil, errors.New("model cannot be empty")
	}

	rc := req.Routing
	rc.Operation = domain.OperationStream
	if rc.ModelTier == "" {
		rc.ModelTier = req.Model
	}

	decision, err := s.route(ctx, &rc)
	if err != nil {
		return nil, err
	}

	outcome, err := s.executor.Stream(ctx, decision, req)
	if err != nil {
		return nil, fmt.Errorf("failed to stream: %w", err)
	}

	s.mirrorStatus(outcome.Provider)
	return outcome.Chunks, nil
}

// route runs quota enforcement and routing, trimming the fallback list
// when fallback is disabled.
func (s *Service) route(ctx context.Context, rc *domain.RoutingContext) (*domain.RoutingDecision, error) {
	if s.quota != nil {
		if err := s.quota.Check(ctx, rc.Operation, rc); err != nil {
			// Quota rejections fail before any provider is touched.
			return nil, fmt.Errorf("quota check rejected request: %w", err)
		}
	}

	decision, err := s.router.Route(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("routing failed: %w", err)
	}

	if !s.fallbackEnabled() {
		decision.Fallbacks = nil
	}
	return decision, nil
}

func (s *Service) fallbackEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.FallbackEnabled
}

// Metrics aggregates the ring buffer.
func (s *Service) Metrics() domain.MetricsSummary {
	return s.metrics.Summary()
}

// ClearMetrics empties the ring buffer.
func (s *Service) ClearMetrics() {
	s.metrics.Clear()
}

// HealthCheck classifies the gateway: healthy iff every enabled provider is
// healthy, degraded iff some are, unhealthy iff none are.
func (s *Service) HealthCheck(ctx context.Context) domain.HealthReport {
	statuses := s.registry.AllStatuses(ctx)

	enabled := 0
	healthy := 0
	for _, status := range statuses {
		if !status.Enabled {
			continue
		}
		enabled++
		if status.Healthy {
			healthy++
		}
	}

	state := domain.HealthUnhealthy
	switch {
	case enabled > 0 && healthy == enabled:
		state = domain.HealthHealthy
	case healthy > 0:
		state = domain.HealthDegraded
	}

	return domain.HealthReport{
		Status:    state,
		Providers: statuses,
	}
}

// ProviderStatus returns one provider's registry snapshot.
func (s *Service) ProviderStatus(ctx context.Context, name string) (*domain.ProviderStatus, error) {
	return s.registry.Status(ctx, name)
}

// ResetProvider clears a provider's circuit, reporting whether it was known.
func (s *Service) ResetProvider(name string) bool {
	return s.breaker.Reset(name)
}

// ForceProviderState applies an operator override to a provider's circuit.
func (s *Service) ForceProviderState(name, state string) (bool, error) {
	switch state {
	case "open":
		return s.breaker.ForceOpen(name), nil
	case "close":
		return s.breaker.ForceClose(name), nil
	default:
		return false, fmt.Errorf("unknown breaker state: %s", state)
	}
}

// EnableProvider puts a provider back into rotation.
func (s *Service) EnableProvider(ctx context.Context, name string) error {
	return s.registry.Enable(ctx, name)
}

// DisableProvider takes a provider out of rotation.
func (s *Service) DisableProvider(ctx context.Context, name string) error {
	return s.registry.Disable(ctx, name)
}

// CircuitBreakerStatus returns every tracked circuit.
func (s *Service) CircuitBreakerStatus() map[string]domain.BreakerStatus {
	return s.breaker.AllStatuses()
}

// Configuration returns the current facade configuration.
func (s *Service) Configuration() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// UpdateConfiguration applies a partial configuration update.
func (s *Service) UpdateConfiguration(patch ConfigPatch) Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	if patch.FallbackEnabled != nil {
		s.config.FallbackEnabled = *patch.FallbackEnabled
	}
	return s.config
}

// mirrorStatus pushes circuit and registry snapshots to the external
// status store, asynchronously so the request path never waits on it.
func (s *Service) mirrorStatus(provider string) {
	if s.statusStore == nil {
		return
	}

	breakerStatus := s.breaker.Status(provider)
	providerStatus, err := s.registry.Status(context.Background(), provider)

	go func() {
		ctx := context.Background()
		if putErr := s.statusStore.PutBreakerStatus(ctx, breakerStatus); putErr != nil {
			s.logger.Warn("status mirror write failed", zap.Error(putErr))
		}
		if err == nil {
			if putErr := s.statusStore.PutProviderStatus(ctx, *providerStatus); putErr != nil {
				s.logger.Warn("status mirror write failed", zap.Error(putErr))
			}
		}
	}()
}

// Destroy stops background loops and clears in-memory state. Required for
// clean test teardown and process shutdown; safe to call more than once.
func (s *Service) Destroy() {
	s.destroyOnce.Do(func() {
		if err := s.registry.Close(); err != nil {
			s.logger.Warn("registry close failed", zap.Error(err))
		}
		if s.statusStore != nil {
			if err := s.statusStore.Close(); err != nil {
				s.logger.Warn("status store close failed", zap.Error(err))
			}
		}
		s.metrics.Clear()
		s.logger.Info("gateway destroyed")
	})
}
