package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "lock:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease lock: SET NX with a random token and a TTL.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{client: client, logger: logger}
}

func (r *Redis) WithLock(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	opts = opts.withDefaults()
	redisKey := redisKeyPrefix + key
	token := uuid.NewString()

	err := acquire(ctx, key, opts, func(ctx context.Context) (bool, error) {
		ok, err := r.client.SetNX(ctx, redisKey, token, opts.TTL).Result()
		if err != nil {
			return false, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		return ok, nil
	})
	if err != nil {
		return err
	}
	defer r.release(redisKey, token)

	return run(ctx, opts, fn)
}

func (r *Redis) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Int()
	if err != nil {
		r.logger.Error("lock release failed", slog.String("key", redisKey), slog.Any("error", err))
		return
	}
	if n == 0 {
		r.logger.Warn("lock lease expired before release", slog.String("key", redisKey))
	}
}
