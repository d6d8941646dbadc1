package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript swaps the value only when it matches ARGV[1], carrying over the
// remaining PTTL so a swap never extends or removes expiry.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false or cur ~= ARGV[1] then
	return 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// RedisStore keeps entries in Redis and relies on native key expiry.
// Several server replicas can share one RedisStore namespace.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, namespace string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil redis client", ErrInvalidStore)
	}
	ns, err := validateNamespace(namespace)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client, namespace: ns}, nil
}

// OpenRedisStore parses a redis:// URL and connects.
func OpenRedisStore(ctx context.Context, url, namespace string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStore, err)
	}
	s, err := NewRedisStore(redis.NewClient(opts), namespace)
	if err != nil {
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (r *RedisStore) Backend() string { return "redis" }
func (r *RedisStore) Namespace() string { return r.namespace }

// Close releases the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.wrap(r.client.Set(ctx, namespaced(r.namespace, key), value, ttl).Err())
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, namespaced(r.namespace, key)).Bytes()
	if err != nil {
		return nil, r.wrap(err)
	}
	return b, nil
}

func (r *RedisStore) Has(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, namespaced(r.namespace, key)).Result()
	if err != nil {
		return false, r.wrap(err)
	}
	return n > 0, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.wrap(r.client.Del(ctx, namespaced(r.namespace, key)).Err())
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	n, err := casScript.Run(ctx, r.client, []string{namespaced(r.namespace, key)}, old, new).Int()
	if err != nil {
		return false, r.wrap(err)
	}
	return n == 1, nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	var cursor uint64
	match := r.namespace + ":*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return r.wrap(err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return r.wrap(err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Cleanup is a no-op: Redis expires keys on its own.
func (r *RedisStore) Cleanup(context.Context) (int, error) { return 0, nil }

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.wrap(r.client.Ping(ctx).Err())
}

func (r *RedisStore) wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: redis: %w", ErrBackendUnavailable, err)
	}
}
