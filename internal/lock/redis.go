package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Redis is a Locker backed by SET NX PX. The TTL bounds how long a crashed
// holder can block a dossier.
type Redis struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

func NewRedis(client *backend.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "oncoflow:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, poll: 50 * time.Millisecond}
}

func (r *Redis) key(k string) string {
	return r.prefix + "lock:" + k
}

func (r *Redis) Lock(ctx context.Context, key string) (UnlockFunc, error) {
	lockKey := r.key(key)
	token := uuid.NewString()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return func(ctx context.Context) error {
				return r.client.Eval(ctx, releaseScript, []string{lockKey}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
