// Package cachemanager is a small typed cache facade used to remember the
// latest inbound worker message per type.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager stores values of one type under comparable string-like keys.
type CacheManager[K ~string, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...K)
	Keys(ctx context.Context) []K
	Flush(ctx context.Context)
}
