package redis

import (
	"context"
	"fmt"
	"time"

	"camrelay/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Options struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient connects and pings with backoff. The client is closed
// again if every attempt fails.
func NewRedisClient(ctx context.Context, opts Options, retryCfg retry.Config, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	retryCfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warnw("redis not reachable, retrying",
			"address", opts.Address,
			"attempt", attempt,
			"wait", wait.String(),
			"error", err,
		)
	}
	err := retry.Do(ctx, retryCfg, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Address, err)
	}

	logger.Infow("connected to redis", "address", opts.Address, "db", opts.DB, "pool_size", opts.PoolSize)
	return client, nil
}
