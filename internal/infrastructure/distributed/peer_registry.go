package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"camrelay/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the presence key only while it still names the
// calling instance, so a socket that moved elsewhere is not erased.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// PresenceRegistry records which instance holds each participant's socket.
// Entries expire unless refreshed.
type PresenceRegistry struct {
	client     *redis.Client
	instanceID string
	prefix     string
	ttl        time.Duration
	timeout    time.Duration
	logger     *zap.SugaredLogger
}

func NewPresenceRegistry(client *redis.Client, instanceID string, ttl time.Duration, logger *zap.SugaredLogger) *PresenceRegistry {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &PresenceRegistry{
		client:     client,
		instanceID: instanceID,
		prefix:     "camrelay:presence:",
		ttl:        ttl,
		timeout:    2 * time.Second,
		logger:     logger,
	}
}

func (r *PresenceRegistry) key(user domain.UserID) string {
	return r.prefix + string(user)
}

func (r *PresenceRegistry) Online(user domain.UserID) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Set(ctx, r.key(user), r.instanceID, r.ttl).Err(); err != nil {
		r.logger.Warnw("failed to record presence", "user_id", user, "error", err)
	}
}

func (r *PresenceRegistry) Offline(user domain.UserID) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{r.key(user)}, r.instanceID).Err(); err != nil {
		r.logger.Warnw("failed to clear presence", "user_id", user, "error", err)
	}
}

// Locate returns the instance holding user's socket.
func (r *PresenceRegistry) Locate(ctx context.Context, user domain.UserID) (string, bool, error) {
	instance, err := r.client.Get(ctx, r.key(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to locate %s: %w", user, err)
	}
	return instance, true, nil
}

// Run refreshes the entries for users until ctx is done.
func (r *PresenceRegistry) Run(ctx context.Context, users func() []domain.UserID) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx, users())
		}
	}
}

func (r *PresenceRegistry) refresh(ctx context.Context, users []domain.UserID) {
	if len(users) == 0 {
		return
	}
	pipe := r.client.Pipeline()
	for _, u := range users {
		pipe.Set(ctx, r.key(u), r.instanceID, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warnw("failed to refresh presence", "users", len(users), "error", err)
	}
}
