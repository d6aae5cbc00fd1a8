// Package quota enforces a request budget ahead of routing. The gateway
// consults the checker before any provider is touched, so a rejected
// request consumes no provider capacity and records no metrics.
package quota

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidbz/kiln/internal/domain"
)

const defaultWindow = time.Minute

// Config contains quota settings.
type Config struct {
	// MaxRequestsPerWindow caps requests per window; 0 disables enforcement.
	MaxRequestsPerWindow int `env:"QUOTA_MAX_REQUESTS" envDefault:"0"`

	// Window is the fixed accounting window.
	Window time.Duration `env:"QUOTA_WINDOW" envDefault:"1m"`
}

// Limiter implements domain.QuotaChecker with a fixed accounting window.
type Limiter struct {
	config Config
	logger *zap.Logger

	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// NewLimiter creates a windowed quota limiter.
func NewLimiter(cfg Config, logger *zap.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Limiter{
		config: cfg,
		logger: logger,
	}
}

// Check counts the request against the current window and rejects it with a
// quota-exceeded error once the cap is reached.
func (l *Limiter) Check(_ context.Context, op domain.Operation, _ *domain.RoutingContext) error {
	if l.config.MaxRequestsPerWindow <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.windowStart) >= l.config.Window {
		l.windowStart = now
		l.count = 0
	}

	if l.count >= l.config.MaxRequestsPerWindow {
		l.logger.Warn("quota exceeded",
			zap.String("operation", string(op)),
			zap.Int("limit", l.config.MaxRequestsPerWindow))
		return domain.NewProviderError(domain.ErrQuotaExceeded, "",
			"request quota exceeded for the current window", nil)
	}

	l.count++
	return nil
}
