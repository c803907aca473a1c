package repositories

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pdfcast/internal/core/ports"
	"pdfcast/internal/infrastructure/repositories/memory"
	redisrepo "pdfcast/internal/infrastructure/repositories/redis"
	"pdfcast/pkg/circuitbreaker"
	"pdfcast/pkg/config"
)

// RegistryFactory selects the session registry backend. When Redis is
// configured but unreachable at startup it falls back to memory.
type RegistryFactory struct {
	useRedis    bool
	redisClient *goredis.Client
	breaker     *circuitbreaker.Breaker
	logger      *zap.SugaredLogger
}

func NewRegistryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RegistryFactory, error) {
	factory := &RegistryFactory{
		useRedis: cfg.Registry.Backend == config.RegistryBackendRedis,
		logger:   logger,
	}

	if factory.useRedis {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory registry",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			factory.breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
			logger.Info("using Redis session registry")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory session registry")
	}

	return factory, nil
}

func (f *RegistryFactory) CreateSessionRegistry() ports.SessionRegistry {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisSessionRegistry(f.redisClient, f.breaker)
	}
	return memory.NewMemorySessionRegistry()
}

// RedisClient exposes the shared client for components that coordinate
// across nodes. Nil when running on the memory backend.
func (f *RegistryFactory) RedisClient() *goredis.Client {
	if !f.useRedis {
		return nil
	}
	return f.redisClient
}

// Close releases the Redis connection if one was opened.
func (f *RegistryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

func (f *RegistryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
