package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenBackend struct{ calls int }

var errDown = errors.New("connection refused")

func (b *brokenBackend) Get(context.Context, string) (Entry, error) {
	b.calls++
	return Entry{}, errDown
}
func (b *brokenBackend) Set(context.Context, string, Entry, time.Duration) (bool, error) {
	b.calls++
	return false, errDown
}
func (b *brokenBackend) Fence(context.Context, string, int64, time.Duration) error {
	b.calls++
	return errDown
}
func (b *brokenBackend) Delete(context.Context, ...string) error {
	b.calls++
	return errDown
}
func (b *brokenBackend) DeletePrefix(context.Context, string) error {
	b.calls++
	return errDown
}

type payload struct {
	Name  string `json:"name"`
	Limit int64  `json:"limit"`
}

func TestTierFailsOpenToMiss(t *testing.T) {
	b := &brokenBackend{}
	tier := NewTier(b, Options{BreakerThreshold: 2, BreakerOpenFor: time.Hour})

	for i := 0; i < 5; i++ {
		_, ok := tier.Get(context.Background(), NamespaceACL, "cus_1", ReadOptions{})
		assert.False(t, ok)
	}
	assert.Equal(t, 2, b.calls, "breaker should stop calling the backend after the threshold")

	assert.Error(t, tier.SetSync(context.Background(), NamespaceACL, "cus_1", []byte("{}"), 1))
	err := tier.Invalidate(context.Background(), NamespaceACL, "cus_1")
	assert.Error(t, err)
}

func TestTierSkipCache(t *testing.T) {
	tier := NewTier(NewMemoryBackend(100), Options{})
	require.NoError(t, tier.SetSync(context.Background(), NamespaceCustomer, "cus_1", []byte("x"), 1))

	_, ok := tier.Get(context.Background(), NamespaceCustomer, "cus_1", ReadOptions{SkipCache: true})
	assert.False(t, ok)
	_, ok = tier.Get(context.Background(), NamespaceCustomer, "cus_1", ReadOptions{})
	assert.True(t, ok)
}

func TestTierAsyncSetAndJSON(t *testing.T) {
	tier := NewTier(NewMemoryBackend(100), Options{})
	SetJSON(tier, NamespaceEntitlement, "cus_1:seats", &payload{Name: "seats", Limit: 100}, 3)
	tier.Close()

	got, version, ok := GetJSON[payload](context.Background(), tier, NamespaceEntitlement, "cus_1:seats", ReadOptions{})
	require.True(t, ok)
	assert.EqualValues(t, 3, version)
	assert.Equal(t, payload{Name: "seats", Limit: 100}, *got)
}

func TestTierSupersedeRejectsStalePopulate(t *testing.T) {
	ctx := context.Background()
	tier := NewTier(NewMemoryBackend(100), Options{})

	require.NoError(t, tier.SetSync(ctx, NamespaceACL, "cus_1", []byte(`{"v":1}`), 1))
	require.NoError(t, tier.Supersede(ctx, NamespaceACL, "cus_1", 2))

	// a read that started before the update finishes late
	tier.Set(NamespaceACL, "cus_1", []byte(`{"v":1}`), 1)
	tier.Close()

	_, ok := tier.Get(ctx, NamespaceACL, "cus_1", ReadOptions{})
	assert.False(t, ok)
}

func TestTierSharedRedisInvalidationIsVisibleEverywhere(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdbA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rdbB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdbA.Close()
	defer rdbB.Close()

	a := NewTier(NewRedisBackend(rdbA, ""), Options{})
	b := NewTier(NewRedisBackend(rdbB, ""), Options{})

	require.NoError(t, b.SetSync(ctx, NamespaceACL, "cus_1", []byte(`{"disabled":false}`), 1))
	_, ok := b.Get(ctx, NamespaceACL, "cus_1", ReadOptions{})
	require.True(t, ok)

	require.NoError(t, a.Supersede(ctx, NamespaceACL, "cus_1", 2))
	_, ok = b.Get(ctx, NamespaceACL, "cus_1", ReadOptions{})
	assert.False(t, ok)
}

func TestTierInvalidateAll(t *testing.T) {
	ctx := context.Background()
	tier := NewTier(NewMemoryBackend(100), Options{})
	require.NoError(t, tier.SetSync(ctx, NamespaceEntitlement, "cus_1:seats", []byte("x"), 1))
	require.NoError(t, tier.SetSync(ctx, NamespaceEntitlement, "cus_1:api", []byte("x"), 1))
	require.NoError(t, tier.SetSync(ctx, NamespaceEntitlement, "cus_2:seats", []byte("x"), 1))

	require.NoError(t, tier.InvalidateAll(ctx, NamespaceEntitlement, "cus_1:"))

	_, ok := tier.Get(ctx, NamespaceEntitlement, "cus_1:seats", ReadOptions{})
	assert.False(t, ok)
	_, ok = tier.Get(ctx, NamespaceEntitlement, "cus_2:seats", ReadOptions{})
	assert.True(t, ok)
}

func TestNilTierIsAlwaysMiss(t *testing.T) {
	var tier *Tier
	_, ok := tier.Get(context.Background(), NamespaceACL, "cus_1", ReadOptions{})
	assert.False(t, ok)
	assert.NoError(t, tier.Invalidate(context.Background(), NamespaceACL, "cus_1"))
	tier.Set(NamespaceACL, "cus_1", nil, 1)
	tier.Close()
}

func TestTTLFallsBackToDefault(t *testing.T) {
	tier := NewTier(NewMemoryBackend(100), Options{
		TTL:        map[Namespace]time.Duration{NamespaceACL: 5 * time.Minute},
		DefaultTTL: time.Minute,
	})
	assert.Equal(t, 5*time.Minute, tier.TTL(NamespaceACL))
	assert.Equal(t, time.Minute, tier.TTL(NamespaceSubscription))
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	br := newBreaker(1, time.Second)
	br.now = func() time.Time { return now }

	br.failure()
	assert.False(t, br.allow())

	now = now.Add(2 * time.Second)
	assert.True(t, br.allow(), "first call after openFor is the probe")
	assert.False(t, br.allow(), "only one probe at a time")

	br.success()
	assert.True(t, br.allow())
	assert.False(t, br.isOpen())
}
