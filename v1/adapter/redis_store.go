package adapter

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	acqerrors "github.com/mirkobrombin/go-acquirel/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// RedisStore implements Store using a Redis backend.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
// The client's lifecycle stays with the caller.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout}
}

// SetIfAbsent implements Store.SetIfAbsent with SET key value PX ttl NX.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, classify(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

// RegisterCompareAndDelete implements Store.RegisterCompareAndDelete with
// SCRIPT LOAD.
func (s *RedisStore) RegisterCompareAndDelete(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", classify(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	sha, err := s.client.ScriptLoad(cctx, CompareAndDeleteScript).Result()
	if err != nil {
		return "", classify(err)
	}
	return sha, nil
}

// CompareAndDelete implements Store.CompareAndDelete with EVALSHA. A NOSCRIPT
// reply is reported as ErrUnknownScript.
func (s *RedisStore) CompareAndDelete(ctx context.Context, handle, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, classify(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.client.EvalSha(cctx, handle, []string{key}, value).Int64()
	if err != nil {
		if redis.HasErrorPrefix(err, "NOSCRIPT") {
			return false, fmt.Errorf("%w: %w", acqerrors.ErrUnknownScript, err)
		}
		return false, classify(err)
	}
	return n == 1, nil
}

// Ping checks connectivity to Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return classify(s.client.Ping(cctx).Err())
}

// classify tags deadline and closed-client failures with the shared
// sentinels. The original error stays in the chain.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", acqerrors.ErrTimeout, err)
	case stdErrors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%w: %w", acqerrors.ErrConnectionClosed, err)
	}
	return err
}
