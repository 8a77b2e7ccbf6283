// Package cache provides the small TTL cache the diff service keeps in
// front of the catalog row lookup.
//
// Two implementations exist: an in-process map and a redis-backed
// variant, selected by configuration.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-value TTL cache.
//
// A miss is (nil, false, nil); errors are reserved for backend
// failures, so callers can treat any error as a miss without masking
// logic bugs.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
