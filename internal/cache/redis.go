package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/panicfrog/rodepush"
)

// Redis backs the cache with a redis server.
type Redis struct {
	c *redis.Client
}

var _ Cache = (*Redis)(nil)

// NewRedis connects using a redis URL
// (redis://[user:pass@]host:port/db).
func NewRedis(url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, &rodepush.Error{
			Kind:    rodepush.ErrValidation,
			Message: "invalid cache url",
			Inner:   err,
		}
	}
	return &Redis{c: redis.NewClient(opt)}, nil
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.c.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, &rodepush.Error{Kind: rodepush.ErrStorage, Message: "cache get", Inner: err}
	}
	return b, true, nil
}

// Set implements Cache.
func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := r.c.Set(ctx, key, val, ttl).Err(); err != nil {
		return &rodepush.Error{Kind: rodepush.ErrStorage, Message: "cache set", Inner: err}
	}
	return nil
}

// Delete implements Cache.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.c.Del(ctx, key).Err(); err != nil {
		return &rodepush.Error{Kind: rodepush.ErrStorage, Message: "cache delete", Inner: err}
	}
	return nil
}

// Close releases the client.
func (r *Redis) Close() error { return r.c.Close() }
