package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"linkage/pkg/platform/sentinel"
)

const (
	keyPrefix       = "linkage:lock:"
	defaultTTL      = 10 * time.Second
	minRetryBackoff = 5 * time.Millisecond
	maxRetryBackoff = 100 * time.Millisecond
	releaseTimeout  = 2 * time.Second
)

// releaseScript deletes a lock only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a distributed locker: SET NX PX with a per-acquisition token.
// The TTL bounds how long a crashed holder blocks a key.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Acquire takes keys in sorted order, retrying contended keys with backoff
// until ctx ends. Redis errors wrap sentinel.ErrUnavailable.
func (r *Redis) Acquire(ctx context.Context, keys []string) (func(), error) {
	keys = normalizeKeys(keys)
	if len(keys) == 0 {
		return noop, nil
	}

	token := uuid.NewString()
	held := make([]string, 0, len(keys))
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			_ = releaseScript.Run(ctx, r.client, []string{held[i]}, token).Err()
		}
	}

	for _, k := range keys {
		key := keyPrefix + k
		if err := r.acquireOne(ctx, key, token); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}
	return sync.OnceFunc(release), nil
}

func (r *Redis) acquireOne(ctx context.Context, key, token string) error {
	backoff := minRetryBackoff
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("acquire %s: %w: %w", key, sentinel.ErrLockTimeout, ctxErr)
			}
			return errors.Join(fmt.Errorf("acquire %s: %w", key, err), sentinel.ErrUnavailable)
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("acquire %s: %w: %w", key, sentinel.ErrLockTimeout, ctx.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

// Ping reports whether Redis answers.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
