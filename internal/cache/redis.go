package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entries are hashes {v: version, d: data, t: tombstone flag}.
var (
	setScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'd', ARGV[2], 't', '0')
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

	fenceScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 't', '1')
redis.call('HDEL', KEYS[1], 'd')
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)
)

// RedisBackend shares entries across every process pointed at the same Redis.
type RedisBackend struct {
	rdb       redis.UniversalClient
	keyPrefix string
	scanCount int64
}

func NewRedisBackend(rdb redis.UniversalClient, keyPrefix string) *RedisBackend {
	if keyPrefix == "" {
		keyPrefix = "entl:"
	}
	return &RedisBackend{rdb: rdb, keyPrefix: keyPrefix, scanCount: 200}
}

var _ Backend = (*RedisBackend)(nil)

func (b *RedisBackend) k(key string) string { return b.keyPrefix + key }

func (b *RedisBackend) Get(ctx context.Context, key string) (Entry, error) {
	vals, err := b.rdb.HMGet(ctx, b.k(key), "v", "d", "t").Result()
	if err != nil {
		return Entry{}, err
	}
	if len(vals) != 3 || vals[0] == nil || vals[1] == nil {
		return Entry{}, ErrMiss
	}
	if t, _ := vals[2].(string); t == "1" {
		return Entry{}, ErrMiss
	}

	vs, _ := vals[0].(string)
	version, err := strconv.ParseInt(vs, 10, 64)
	if err != nil {
		return Entry{}, ErrMiss
	}
	data, _ := vals[1].(string)
	return Entry{Value: []byte(data), Version: version}, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, e Entry, ttl time.Duration) (bool, error) {
	n, err := setScript.Run(ctx, b.rdb, []string{b.k(key)}, e.Version, e.Value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *RedisBackend) Fence(ctx context.Context, key string, version int64, ttl time.Duration) error {
	return fenceScript.Run(ctx, b.rdb, []string{b.k(key)}, version, ttl.Milliseconds()).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = b.k(k)
	}
	return b.rdb.Del(ctx, full...).Err()
}

// DeletePrefix scans only keys under prefix; the prefix always carries the
// owning customer id, so other customers' keys are never touched.
func (b *RedisBackend) DeletePrefix(ctx context.Context, prefix string) error {
	match := globEscape(b.k(prefix)) + "*"
	var cursor uint64
	for {
		keys, next, err := b.rdb.Scan(ctx, cursor, match, b.scanCount).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func globEscape(s string) string { return globReplacer.Replace(s) }
