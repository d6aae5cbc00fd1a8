// Package redis mirrors provider and circuit state into Redis so sibling
// gateway processes and dashboards can observe it. Entries carry a TTL;
// a crashed process leaves no stale status behind.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidbz/kiln/internal/domain"
)

const (
	defaultKeyPrefix = "kiln:status"
	defaultTTL       = 5 * time.Minute
)

// Config contains status store settings.
type Config struct {
	KeyPrefix string        `env:"STATUS_KEY_PREFIX" envDefault:"kiln:status"`
	TTL       time.Duration `env:"STATUS_TTL"        envDefault:"5m"`
}

// Store implements domain.StatusStore on Redis.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewStore creates a Redis-backed status store. The store owns the client
// and closes it on Close.
func NewStore(client *redis.Client, cfg Config, logger *zap.Logger) *Store {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		logger: logger,
	}
}

// PutProviderStatus writes one provider's registry snapshot.
func (s *Store) PutProviderStatus(ctx context.Context, status domain.ProviderStatus) error {
	return s.put(ctx, providerKey(s.prefix, status.Name), status)
}

// PutBreakerStatus writes one provider's circuit snapshot.
func (s *Store) PutBreakerStatus(ctx context.Context, status domain.BreakerStatus) error {
	return s.put(ctx, breakerKey(s.prefix, status.Provider), status)
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}

func (s *Store) put(ctx context.Context, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		s.logger.Warn("status write failed",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to write status: %w", err)
	}

	return nil
}

func providerKey(prefix, name string) string {
	return fmt.Sprintf("%s:provider:%s", prefix, name)
}

func breakerKey(prefix, name string) string {
	return fmt.Sprintf("%s:breaker:%s", prefix, name)
}
