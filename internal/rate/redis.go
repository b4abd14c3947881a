package rate

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript bumps the bucket counter and pins the expiry on first write.
// Running it as one script keeps the read-modify-write atomic across
// gateway instances sharing the same Redis.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisStore backs the fixed-window limiter with a shared Redis so several
// gateway instances enforce one combined limit. Expiry is delegated to
// Redis TTLs; Sweep is a no-op.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(dsn string) (*RedisStore, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return &RedisStore{
		client: redis.NewClient(opts),
		prefix: "gp:rl:",
	}, nil
}

func (s *RedisStore) Incr(ctx context.Context, bucketKey string, resetAt time.Time) (int, error) {
	ttl := time.Until(resetAt)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	n, err := incrScript.Run(ctx, s.client, []string{s.prefix + bucketKey}, ttl.Milliseconds()).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *RedisStore) Delete(ctx context.Context, bucketKey string) error {
	return s.client.Del(ctx, s.prefix+bucketKey).Err()
}

func (s *RedisStore) Sweep(time.Time) int { return 0 }

func (s *RedisStore) Close() error { return s.client.Close() }
