package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/davidbz/kiln/internal/breaker"
	"github.com/davidbz/kiln/internal/config"
	"github.com/davidbz/kiln/internal/domain"
	"github.com/davidbz/kiln/internal/fallback"
	"github.com/davidbz/kiln/internal/gateway"
	kilnhttp "github.com/davidbz/kiln/internal/http"
	"github.com/davidbz/kiln/internal/http/middleware"
	"github.com/davidbz/kiln/internal/observability"
	"github.com/davidbz/kiln/internal/provider/anthropic"
	"github.com/davidbz/kiln/internal/provider/echo"
	"github.com/davidbz/kiln/internal/provider/openai"
	"github.com/davidbz/kiln/internal/quota"
	"github.com/davidbz/kiln/internal/registry"
	"github.com/davidbz/kiln/internal/routing"
	redisstore "github.com/davidbz/kiln/internal/statestore/redis"
)

const shutdownTimeout = 10 * time.Second

func main() {
	container := buildContainer()

	err := container.Invoke(func(server *kilnhttp.Server, gw *gateway.Service, logger *zap.Logger) {
		go func() {
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := server.Shutdown(ctx); err != nil {
				logger.Error("shutdown failed", zap.Error(err))
			}
			gw.Destroy()
		}()

		if err := server.Start(); err != nil {
			log.Fatalf("Server failed to start: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}
}

//nolint:funlen // Container wiring is a single linear list of providers.
func buildContainer() *dig.Container {
	container := dig.New()

	provide := func(constructor any) {
		if err := container.Provide(constructor); err != nil {
			log.Fatalf("Failed to build container: %v", err)
		}
	}

	// Configuration
	provide(config.Load)
	provide(config.ParseDependenciesConfig)

	// Observability
	provide(observability.InitLogger)
	provide(func(logger *zap.Logger) domain.MetricsSink {
		return observability.NewLogSink(logger)
	})

	// Core engine
	provide(func(cfg *config.RegistryConfig, logger *zap.Logger) domain.ProviderRegistry {
		return registry.NewRegistry(registry.Config{
			ErrorThreshold:  cfg.ErrorThreshold,
			HealthCheckTick: cfg.HealthCheckTick,
		}, logger)
	})
	provide(func(cfg *config.BreakerConfig, logger *zap.Logger) domain.CircuitBreaker {
		return breaker.NewManager(breaker.Config{
			FailureThreshold: cfg.FailureThreshold,
			RecoveryTimeout:  cfg.RecoveryTimeout,
		}, logger)
	})
	provide(func(cfg *config.GatewayConfig, sink domain.MetricsSink) *gateway.MetricsRecorder {
		return gateway.NewMetricsRecorder(cfg.MetricsCapacity, sink)
	})
	provide(func(
		reg domain.ProviderRegistry,
		cb domain.CircuitBreaker,
		metrics *gateway.MetricsRecorder,
		logger *zap.Logger,
	) domain.Router {
		return routing.NewRouter(reg, cb, metrics, routing.DefaultConfig(), logger)
	})
	provide(func(
		reg domain.ProviderRegistry,
		cb domain.CircuitBreaker,
		metrics *gateway.MetricsRecorder,
		cfg *config.FallbackConfig,
		logger *zap.Logger,
	) *fallback.Executor {
		return fallback.NewExecutor(reg, cb, metrics, fallback.Config{
			AttemptTimeout: cfg.AttemptTimeout,
			RetryDelay:     cfg.RetryDelay,
		}, logger)
	})

	// Pricing
	provide(func() domain.PricingRegistry {
		return domain.NewInMemoryPricingRegistry()
	})
	provide(func(pricing domain.PricingRegistry) domain.CostCalculator {
		return domain.NewStandardCostCalculator(pricing)
	})

	// Quota
	provide(func(cfg *quota.Config, logger *zap.Logger) domain.QuotaChecker {
		return quota.NewLimiter(*cfg, logger)
	})

	// Gateway facade
	provide(func(
		reg domain.ProviderRegistry,
		cb domain.CircuitBreaker,
		router domain.Router,
		executor *fallback.Executor,
		metrics *gateway.MetricsRecorder,
		calculator domain.CostCalculator,
		gcfg *config.GatewayConfig,
		rcfg *config.RedisConfig,
		checker domain.QuotaChecker,
		logger *zap.Logger,
	) *gateway.Service {
		return gateway.NewService(reg, cb, router, executor, metrics, calculator,
			gateway.Config{FallbackEnabled: gcfg.FallbackEnabled},
			gateway.Params{
				Quota:       checker,
				StatusStore: statusStore(rcfg, logger),
			},
			logger)
	})

	// HTTP layer
	provide(kilnhttp.NewHandler)
	provide(func(cfg *config.CORSConfig) middleware.Middleware {
		return middleware.BuildMiddlewareChain(cfg)
	})
	provide(kilnhttp.NewServer)

	registerProviders(container)

	return container
}

// registerProviders constructs and registers every configured adapter along
// with its pricing. Providers without credentials are skipped, not fatal.
func registerProviders(container *dig.Container) {
	err := container.Invoke(func(
		cfg *config.Config,
		reg domain.ProviderRegistry,
		pricing domain.PricingRegistry,
		logger *zap.Logger,
	) error {
		ctx := context.Background()

		if cfg.OpenAI.APIKey != "" {
			adapter, err := openai.NewProvider(cfg.OpenAI, logger)
			if err != nil {
				return err
			}
			if err := reg.Register(ctx, adapter, domain.ProviderConfig{
				Enabled:             true,
				Priority:            10,
				HealthCheckInterval: cfg.Registry.HealthCheckTick,
				QualityRating:       0.9,
			}); err != nil {
				return err
			}
			if err := openai.RegisterPricing(ctx, pricing); err != nil {
				return err
			}
		}

		if cfg.Anthropic.APIKey != "" {
			adapter, err := anthropic.NewProvider(cfg.Anthropic, logger)
			if err != nil {
				return err
			}
			if err := reg.Register(ctx, adapter, domain.ProviderConfig{
				Enabled:             true,
				Priority:            10,
				HealthCheckInterval: cfg.Registry.HealthCheckTick,
				QualityRating:       0.9,
			}); err != nil {
				return err
			}
			if err := anthropic.RegisterPricing(ctx, pricing); err != nil {
				return err
			}
		}

		if cfg.Echo.Enabled {
			if err := reg.Register(ctx, echo.NewProvider(), domain.ProviderConfig{
				Enabled:       true,
				Priority:      1,
				QualityRating: 0.1,
			}); err != nil {
				return err
			}
			if err := echo.RegisterPricing(ctx, pricing); err != nil {
				return err
			}
		}

		logger.Info("providers registered",
			zap.Bool("openai", cfg.OpenAI.APIKey != ""),
			zap.Bool("anthropic", cfg.Anthropic.APIKey != ""),
			zap.Bool("echo", cfg.Echo.Enabled))
		return nil
	})
	if err != nil {
		log.Fatalf("Failed to register providers: %v", err)
	}
}

// statusStore builds the optional Redis status mirror.
func statusStore(cfg *config.RedisConfig, logger *zap.Logger) domain.StatusStore {
	if !cfg.Enabled {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return redisstore.NewStore(client, cfg.Status, logger)
}
