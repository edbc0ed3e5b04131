package repositories

import (
	"context"

	"camrelay/internal/core/ports"
	"camrelay/internal/infrastructure/repositories/memory"
	redisrepo "camrelay/internal/infrastructure/repositories/redis"
	"camrelay/pkg/config"
	"camrelay/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory builds the registry and, when enabled, the shared Redis
// client used for cross-instance delivery. Connection state itself is never
// stored in Redis.
type RepositoryFactory struct {
	shards      int
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory falls back to single-instance mode when Redis is
// enabled but unreachable.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	f := &RepositoryFactory{
		shards: cfg.Signaling.RegistryShards,
		logger: logger,
	}

	if !cfg.Redis.Enabled {
		logger.Info("redis disabled, running single instance")
		return f
	}

	client, err := redisrepo.NewRedisClient(ctx, redisrepo.Options{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, retry.DefaultConfig(), logger)
	if err != nil {
		logger.Warnw("redis unavailable, running single instance", "error", err)
		return f
	}
	f.redisClient = client
	return f
}

func (f *RepositoryFactory) CreateConnectionRepository() ports.ConnectionRepository {
	return memory.NewMemoryConnectionRepository(f.shards)
}

// RedisClient returns the shared client, or nil in single-instance mode.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck pings Redis when it is in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
