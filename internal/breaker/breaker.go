// Package breaker implements the per-provider circuit breaker state machine.
// Each provider owns an independent CLOSED/OPEN/HALF_OPEN circuit so that one
// misbehaving backend cannot serialize or starve traffic to the others.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidbz/kiln/internal/domain"
)

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
)

// Config contains circuit breaker tuning.
type Config struct {
	// FailureThreshold is the consecutive failure count that trips a circuit.
	FailureThreshold int

	// RecoveryTimeout is how long a tripped circuit stays open before
	// admitting a single half-open probe. There is no exponential growth;
	// the window is fixed and bounded.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the standard breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: defaultFailureThreshold,
		RecoveryTimeout:  defaultRecoveryTimeout,
	}
}

// circuit holds one provider's breaker state. All transitions happen under
// the circuit's own mutex so unrelated providers never contend.
type circuit struct {
	mu                  sync.Mutex
	state               domain.BreakerState
	consecutiveFailures int
	openedAt            time.Time
	nextRetryAt         time.Time
	forcedOpen          bool
}

// Manager tracks circuits for all providers. Circuits are created lazily on
// first use and live for the process lifetime.
type Manager struct {
	mu       sync.RWMutex
	circuits map[string]*circuit
	config   Config
	logger   *zap.Logger
}

// NewManager creates a circuit breaker manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = defaultRecoveryTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		circuits: make(map[string]*circuit),
		config:   cfg,
		logger:   logger,
	}
}

// circuitFor returns the provider's circuit, creating it on first use.
func (m *Manager) circuitFor(provider string) *circuit {
	m.mu.RLock()
	c, exists := m.circuits[provider]
	m.mu.RUnlock()

	if exists {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, exists = m.circuits[provider]; exists {
		return c
	}

	c = &circuit{state: domain.BreakerClosed}
	m.circuits[provider] = c
	return c
}

// Allow reports whether a request may be sent to the provider.
//
// For an open circuit whose retry window has elapsed, the check and the
// transition to half-open happen under one lock, so exactly one concurrent
// caller wins the probe slot and the rest keep seeing the circuit as open.
func (m *Manager) Allow(provider string) bool {
	c := m.circuitFor(provider)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.forcedOpen {
		return false
	}

	switch c.state {
	case domain.BreakerClosed:
		return true
	case domain.BreakerHalfOpen:
		// A probe is already in flight; its outcome decides the circuit.
		return false
	case domain.BreakerOpen:
		if time.Now().Before(c.nextRetryAt) {
			return false
		}
		// Retry window elapsed: admit a single probe.
		c.state = domain.BreakerHalfOpen
		c.nextRetryAt = time.Time{}
		m.logger.Info("circuit half-open, admitting probe",
			zap.String("provider", provider))
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful call to the provider.
func (m *Manager) RecordSuccess(provider string) {
	c := m.circuitFor(provider)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == domain.BreakerHalfOpen {
		m.logger.Info("circuit closed after successful probe",
			zap.String("provider", provider))
	}

	c.state = domain.BreakerClosed
	c.consecutiveFailures = 0
	c.openedAt = time.Time{}
	c.nextRetryAt = time.Time{}
}

// RecordFailure reports a failed call to the provider.
func (m *Manager) RecordFailure(provider string) {
	c := m.circuitFor(provider)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if c.state == domain.BreakerHalfOpen {
		// The probe failed: reopen with a fresh retry window.
		c.state = domain.BreakerOpen
		c.openedAt = now
		c.nextRetryAt = now.Add(m.config.RecoveryTimeout)
		m.logger.Warn("circuit reopened after failed probe",
			zap.String("provider", provider),
			zap.Time("next_retry_at", c.nextRetryAt))
		return
	}

	c.consecutiveFailures++
	if c.state == domain.BreakerClosed && c.consecutiveFailures >= m.config.FailureThreshold {
		c.state = domain.BreakerOpen
		c.openedAt = now
		c.nextRetryAt = now.Add(m.config.RecoveryTimeout)
		m.logger.Warn("circuit opened",
			zap.String("provider", provider),
			zap.Int("consecutive_failures", c.consecutiveFailures),
			zap.Time("next_retry_at", c.nextRetryAt))
	}
}

// Reset returns a provider's circuit to the closed state with cleared
// counters, reporting whether the provider was known.
func (m *Manager) Reset(provider string) bool {
	m.mu.RLock()
	c, exists := m.circuits[provider]
	m.mu.RUnlock()

	if !exists {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = domain.BreakerClosed
	c.consecutiveFailures = 0
	c.openedAt = time.Time{}
	c.nextRetryAt = time.Time{}
	c.forcedOpen = false
	return true
}

// ForceOpen trips the circuit for incident response. The circuit stays open
// until ForceClose or Reset; failure counters are left untouched so automatic
// recovery resumes cleanly after a manual close.
func (m *Manager) ForceOpen(provider string) bool {
	c := m.circuitFor(provider)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.forcedOpen = true
	m.logger.Warn("circuit forced open", zap.String("provider", provider))
	return true
}

// ForceClose clears a forced or tripped circuit without altering the
// consecutive failure count.
func (m *Manager) ForceClose(provider string) bool {
	m.mu.RLock()
	c, exists := m.circuits[provider]
	m.mu.RUnlock()

	if !exists {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.forcedOpen = false
	c.state = domain.BreakerClosed
	c.openedAt = time.Time{}
	c.nextRetryAt = time.Time{}
	m.logger.Info("circuit forced closed", zap.String("provider", provider))
	return true
}

// Status returns one provider's circuit snapshot. Unknown providers report
// as closed, matching the lazy-creation semantics.
func (m *Manager) Status(provider string) domain.BreakerStatus {
	m.mu.RLock()
	c, exists := m.circuits[provider]
	m.mu.RUnlock()

	if !exists {
		return domain.BreakerStatus{Provider: provider, State: domain.BreakerClosed}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.state
	if c.forcedOpen {
		state = domain.BreakerOpen
	}

	return domain.BreakerStatus{
		Provider:            provider,
		State:               state,
		ConsecutiveFailures: c.consecutiveFailures,
		OpenedAt:            c.openedAt,
		NextRetryAt:         c.nextRetryAt,
	}
}

// AllStatuses returns a snapshot of every tracked circuit.
func (m *Manager) AllStatuses() map[string]domain.BreakerStatus {
	m.mu.RLock()
	names := make([]string, 0, len(m.circuits))
	for name := range m.circuits {
		names = append(names, name)
	}
	m.mu.RUnlock()

	statuses := make(map[string]domain.BreakerStatus, len(names))
	for _, name := range names {
		statuses[name] = m.Status(name)
	}
	return statuses
}
