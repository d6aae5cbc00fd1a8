// Package config loads gateway configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/dig"

	"github.com/davidbz/kiln/internal/provider/anthropic"
	"github.com/davidbz/kiln/internal/provider/openai"
	"github.com/davidbz/kiln/internal/quota"
	redisstore "github.com/davidbz/kiln/internal/statestore/redis"
)

// Config represents the gateway configuration.
type Config struct {
	Server    ServerConfig
	CORS      CORSConfig
	Breaker   BreakerConfig
	Registry  RegistryConfig
	Fallback  FallbackConfig
	Gateway   GatewayConfig
	Quota     quota.Config
	Redis     RedisConfig
	OpenAI    openai.Config
	Anthropic anthropic.Config
	Echo      EchoConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int `env:"SERVER_PORT"          envDefault:"8080"`
	ReadTimeout  int `env:"SERVER_READ_TIMEOUT"  envDefault:"30"`
	WriteTimeout int `env:"SERVER_WRITE_TIMEOUT" envDefault:"30"`
}

// CORSConfig contains CORS policy settings.
type CORSConfig struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"*"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS"   envSeparator:"," envDefault:"Content-Type,Authorization"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"                  envDefault:"true"`
	MaxAge           int      `env:"CORS_MAX_AGE"                            envDefault:"86400"`
}

// BreakerConfig contains circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	RecoveryTimeout  time.Duration `env:"BREAKER_RECOVERY_TIMEOUT"  envDefault:"60s"`
}

// RegistryConfig contains provider registry tuning.
type RegistryConfig struct {
	ErrorThreshold  int           `env:"REGISTRY_ERROR_THRESHOLD"   envDefault:"5"`
	HealthCheckTick time.Duration `env:"REGISTRY_HEALTH_CHECK_TICK" envDefault:"60s"`
}

// FallbackConfig contains fallback executor tuning.
type FallbackConfig struct {
	AttemptTimeout time.Duration `env:"FALLBACK_ATTEMPT_TIMEOUT" envDefault:"30s"`
	RetryDelay     time.Duration `env:"FALLBACK_RETRY_DELAY"     envDefault:"200ms"`
}

// GatewayConfig contains facade-level settings.
type GatewayConfig struct {
	FallbackEnabled bool `env:"GATEWAY_FALLBACK_ENABLED" envDefault:"true"`
	MetricsCapacity int  `env:"GATEWAY_METRICS_CAPACITY" envDefault:"1000"`
}

// RedisConfig contains the optional Redis status mirror settings.
type RedisConfig struct {
	Enabled  bool   `env:"REDIS_ENABLED"  envDefault:"false"`
	Addr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"       envDefault:"0"`
	Status   redisstore.Config
}

// EchoConfig controls the in-memory test provider.
type EchoConfig struct {
	Enabled bool `env:"ECHO_ENABLED" envDefault:"false"`
}

// DepConfig is used for dependency injection with dig.
type DepConfig struct {
	dig.Out
	Server    *ServerConfig
	CORS      *CORSConfig
	Breaker   *BreakerConfig
	Registry  *RegistryConfig
	Fallback  *FallbackConfig
	Gateway   *GatewayConfig
	Quota     *quota.Config
	Redis     *RedisConfig
	OpenAI    *openai.Config
	Anthropic *anthropic.Config
	Echo      *EchoConfig
}

// Load loads environment files and parses configuration.
func Load() *Config {
	for _, file := range []string{".env"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}

// ParseDependenciesConfig returns pointers to sub-configs for dependency injection.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		dig.Out{},
		&cfg.Server,
		&cfg.CORS,
		&cfg.Breaker,
		&cfg.Registry,
		&cfg.Fallback,
		&cfg.Gateway,
		&cfg.Quota,
		&cfg.Redis,
		&cfg.OpenAI,
		&cfg.Anthropic,
		&cfg.Echo,
	}
}
