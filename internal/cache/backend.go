package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by backends when the key is absent, expired or fenced.
var ErrMiss = errors.New("cache: miss")

// Entry is a stored value and the authoritative version it was derived from.
type Entry struct {
	Value   []byte
	Version int64
}

// Backend is the storage under the tier. Writes are version-guarded: a Set or
// Fence carrying a lower version than what is stored is ignored.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, error)
	// Set stores e unless a newer version is already present. It reports whether e was stored.
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) (bool, error)
	// Fence replaces the key with a tombstone at version; reads miss until a
	// value at version or later is set.
	Fence(ctx context.Context, key string, version int64, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
}
