// Package registry owns the set of configured provider adapters, their
// enable/priority configuration, and a rolling error counter that is
// independent of the circuit breaker. Registry-level disable and
// breaker-level trip are two distinct failure signals.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidbz/kiln/internal/domain"
)

const (
	defaultErrorThreshold  = 5
	defaultHealthCheckTick = 60 * time.Second
	defaultQualityRating   = 0.75
	healthProbeTimeout     = 5 * time.Second
)

// Config contains registry tuning.
type Config struct {
	// ErrorThreshold is the consecutive error count that flips a provider
	// to unhealthy. Recovery requires the counter to decay back to zero.
	ErrorThreshold int

	// HealthCheckTick is the cadence of the single shared health-check
	// timer. Providers opt in by declaring a HealthCheckInterval in their
	// ProviderConfig; a provider is probed when at least its own interval
	// has elapsed since its last check.
	HealthCheckTick time.Duration
}

// DefaultConfig returns the standard registry tuning.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:  defaultErrorThreshold,
		HealthCheckTick: defaultHealthCheckTick,
	}
}

// registered is one provider's bookkeeping entry.
type registered struct {
	adapter         domain.ProviderAdapter
	config          domain.ProviderConfig
	healthy         bool
	errorCount      int
	lastError       string
	lastHealthCheck time.Time
	inFlight        int
}

// Registry implements domain.ProviderRegistry.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*registered
	config    Config
	logger    *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRegistry creates a provider registry and starts its shared
// health-check loop. Close stops the loop.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = defaultErrorThreshold
	}
	if cfg.HealthCheckTick <= 0 {
		cfg.HealthCheckTick = defaultHealthCheckTick
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		providers: make(map[string]*registered),
		config:    cfg,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	go r.runHealthLoop()

	return r
}

// Register adds a provider to the registry.
func (r *Registry) Register(_ context.Context, adapter domain.ProviderAdapter, cfg domain.ProviderConfig) error {
	if adapter == nil {
		return errors.New("adapter cannot be nil")
	}

	name := adapter.Name()
	if name == "" {
		return errors.New("provider name cannot be empty")
	}

	if cfg.CostMultiplier <= 0 {
		cfg.CostMultiplier = 1.0
	}
	if cfg.QualityRating <= 0 {
		cfg.QualityRating = defaultQualityRating
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}

	r.providers[name] = &registered{
		adapter: adapter,
		config:  cfg,
		healthy: true,
	}

	r.logger.Info("provider registered",
		zap.String("provider", name),
		zap.Int("priority", cfg.Priority),
		zap.Bool("enabled", cfg.Enabled))

	return nil
}

// Unregister removes a provider, reporting whether it existed.
func (r *Registry) Unregister(_ context.Context, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; !exists {
		return false
	}

	delete(r.providers, name)
	return true
}

// Get retrieves a provider by name. Disabled and unhealthy providers are
// not served.
func (r *Registry) Get(_ context.Context, name string) (domain.ProviderAdapter, error) {
	if name == "" {
		return nil, errors.New("provider name cannot be empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", name)
	}
	if !entry.config.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}
	if !entry.healthy {
		return nil, fmt.Errorf("provider %s is unhealthy", name)
	}

	return entry.adapter, nil
}

// Adapter retrieves a provider regardless of health, for callers that gate
// availability elsewhere.
func (r *Registry) Adapter(_ context.Context, name string) (domain.ProviderAdapter, error) {
	if name == "" {
		return nil, errors.New("provider name cannot be empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", name)
	}

	return entry.adapter, nil
}

// Available lists enabled, healthy providers sorted by priority descending,
// then ascending error count, then name for determinism.
func (r *Registry) Available(_ context.Context) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type candidate struct {
		name       string
		priority   int
		errorCount int
	}

	candidates := make([]candidate, 0, len(r.providers))
	for name, entry := range r.providers {
		if !entry.config.Enabled || !entry.healthy {
			continue
		}
		candidates = append(candidates, candidate{
			name:       name,
			priority:   entry.config.Priority,
			errorCount: entry.errorCount,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		if candidates[i].errorCount != candidates[j].errorCount {
			return candidates[i].errorCount < candidates[j].errorCount
		}
		return candidates[i].name < candidates[j].name
	})

	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, c.name)
	}
	return names
}

// Enable puts a provider back into rotation.
func (r *Registry) Enable(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.providers[name]
	if !exists {
		return fmt.Errorf("provider %s not found", name)
	}

	entry.config.Enabled = true
	r.logger.Info("provider enabled", zap.String("provider", name))
	return nil
}

// Disable takes a provider out of rotation without unregistering it.
// Health bookkeeping is left untouched.
func (r *Registry) Disable(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.providers[name]
	if !exists {
		return fmt.Errorf("provider %s not found", name)
	}

	entry.config.Enabled = false
	r.logger.Info("provider disabled", zap.String("provider", name))
	return nil
}

// RecordError feeds a failure into the provider's rolling error counter.
// Crossing the threshold flips the provider to unhealthy.
func (r *Registry) RecordError(_ context.Context, name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.providers[name]
	if !exists {
		return
	}

	entry.errorCount++
	if err != nil {
		entry.lastError = err.Error()
	}

	if entry.healthy && entry.errorCount >= r.config.ErrorThreshold {
		entry.healthy = false
		r.logger.Warn("provider marked unhealthy",
			zap.String("provider", name),
			zap.Int("error_count", entry.errorCount),
			zap.String("last_error", entry.lastError))
	}
}

// RecordSuccess decays the provider's rolling error counter. The provider
// is declared healthy again only once the counter reaches zero, so a single
// blip after a bad streak does not flap it back into rotation.
func (r *Registry) RecordSuccess(_ context.Context, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.providers[name]
	if !exists {
		return
	}

	if entry.errorCount > 0 {
		entry.errorCount--
	}

	if !entry.healthy && entry.errorCount == 0 {
		entry.healthy = true
		entry.lastError = ""
		r.logger.Info("provider recovered", zap.String("provider", name))
	}
}

// Status returns a snapshot of one provider.
func (r *Registry) Status(_ context.Context, name string) (*domain.ProviderStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", name)
	}

	status := snapshot(name, entry)
	return &status, nil
}

// AllStatuses returns snapshots of every registered provider.
func (r *Registry) AllStatuses(_ context.Context) map[string]domain.ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make(map[string]domain.ProviderStatus, len(r.providers))
	for name, entry := range r.providers {
		statuses[name] = snapshot(name, entry)
	}
	return statuses
}

// Config returns the registered configuration for a provider.
func (r *Registry) Config(_ context.Context, name string) (domain.ProviderConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.providers[name]
	if !exists {
		return domain.ProviderConfig{}, false
	}
	return entry.config, true
}

// BeginRequest reserves an in-flight slot, enforcing the provider's
// concurrency cap when one is configured.
func (r *Registry) BeginRequest(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.providers[name]
	if !exists {
		return fmt.Errorf("provider %s not found", name)
	}

	if entry.config.MaxConcurrentRequests > 0 && entry.inFlight >= entry.config.MaxConcurrentRequests {
		return domain.NewProviderError(domain.ErrProviderUnavailable, name,
			fmt.Sprintf("concurrency limit of %d reached", entry.config.MaxConcurrentRequests), nil)
	}

	entry.inFlight++
	return nil
}

// EndRequest releases an in-flight slot.
func (r *Registry) EndRequest(_ context.Context, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.providers[name]
	if !exists {
		return
	}
	if entry.inFlight > 0 {
		entry.inFlight--
	}
}

// Close stops the background health-check loop. Safe to call more than once.
func (r *Registry) Close() error {
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done
	})
	return nil
}

// runHealthLoop drives background health probes off one shared ticker for
// all providers, rather than one timer per provider.
func (r *Registry) runHealthLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.HealthCheckTick)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.checkAll()
		}
	}
}

// checkAll probes every enabled provider whose own interval has elapsed.
// Probes run concurrently and failures are isolated per provider: a broken
// probe is logged and recorded, never propagated.
func (r *Registry) checkAll() {
	now := time.Now()

	r.mu.RLock()
	due := make(map[string]domain.ProviderAdapter)
	for name, entry := range r.providers {
		if !entry.config.Enabled || entry.config.HealthCheckInterval <= 0 {
			continue
		}
		if now.Sub(entry.lastHealthCheck) < entry.config.HealthCheckInterval {
			continue
		}
		due[name] = entry.adapter
	}
	r.mu.RUnlock()

	if len(due) == 0 {
		return
	}

	var wg sync.WaitGroup
	for name, adapter := range due {
		wg.Add(1)
		go func(name string, adapter domain.ProviderAdapter) {
			defer wg.Done()
			r.probe(name, adapter)
		}(name, adapter)
	}
	wg.Wait()
}

// probe runs one health check and feeds the outcome through the same
// error/success counters used by live traffic.
func (r *Registry) probe(name string, adapter domain.ProviderAdapter) {
	ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
	defer cancel()

	err := adapter.CheckHealth(ctx)

	r.mu.Lock()
	if entry, exists := r.providers[name]; exists {
		entry.lastHealthCheck = time.Now()
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("health check failed",
			zap.String("provider", name),
			zap.Error(err))
		r.RecordError(context.Background(), name, err)
		return
	}

	r.RecordSuccess(context.Background(), name)
}

// snapshot copies one entry into a status value. Caller holds at least a
// read lock.
func snapshot(name string, entry *registered) domain.ProviderStatus {
	return domain.ProviderStatus{
		Name:            name,
		Enabled:         entry.config.Enabled,
		Healthy:         entry.healthy,
		Priority:        entry.config.Priority,
		ErrorCount:      entry.errorCount,
		LastError:       entry.lastError,
		LastHealthCheck: entry.lastHealthCheck,
		InFlight:        entry.inFlight,
	}
}
