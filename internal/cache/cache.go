package cache

import (
	"context"
	"time"
)

// Cache is a JSON read-through cache. The call API uses it for finished
// call transcripts, which never change once written.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (hit bool, err error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
