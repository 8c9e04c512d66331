package acl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/cache"
	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmehdipour/entitlements/internal/repository/memory"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func newEvaluator(t *testing.T, store *memory.Store, tier *cache.Tier, policy model.StatusPolicy) *Evaluator {
	t.Helper()
	return NewEvaluator(store.ACLs(), tier, policy, time.Second, nil)
}

func TestEvaluatePrecedence(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	ev := newEvaluator(t, store, cache.NewTier(cache.NewMemoryBackend(100), cache.Options{}), model.StatusPolicy{})

	v, err := ev.Evaluate(ctx, "cus_1", cache.ReadOptions{})
	require.NoError(t, err)
	assert.True(t, v.Allow, "customer without overrides is allowed")

	_, err = ev.Update(ctx, "cus_1", model.ACLUpdate{
		SubscriptionStatus: ptr(model.StatusCanceled),
	})
	require.NoError(t, err)
	v, err = ev.Evaluate(ctx, "cus_1", cache.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonSubscriptionInvalid, v.Reason)

	_, err = ev.Update(ctx, "cus_1", model.ACLUpdate{UsageLimitReached: ptr(true)})
	require.NoError(t, err)
	v, _ = ev.Evaluate(ctx, "cus_1", cache.ReadOptions{})
	assert.Equal(t, model.ReasonUsageLimitReached, v.Reason)

	_, err = ev.Update(ctx, "cus_1", model.ACLUpdate{Disabled: ptr(true)})
	require.NoError(t, err)
	v, _ = ev.Evaluate(ctx, "cus_1", cache.ReadOptions{})
	assert.False(t, v.Allow)
	assert.Equal(t, model.ReasonCustomerDisabled, v.Reason)
}

func TestPastDueOverrideFollowsPolicy(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, err := store.ACLs().Update(ctx, "cus_1", model.ACLUpdate{SubscriptionStatus: ptr(model.StatusPastDue)})
	require.NoError(t, err)

	strict := newEvaluator(t, store, nil, model.StatusPolicy{})
	v, err := strict.Evaluate(ctx, "cus_1", cache.ReadOptions{})
	require.NoError(t, err)
	assert.False(t, v.Allow)

	lenient := newEvaluator(t, store, nil, model.StatusPolicy{AllowPastDue: true})
	v, err = lenient.Evaluate(ctx, "cus_1", cache.ReadOptions{})
	require.NoError(t, err)
	assert.True(t, v.Allow)
}

func TestUpdateIsVisibleOnAnotherInstance(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store := memory.New()

	newTier := func() *cache.Tier {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		return cache.NewTier(cache.NewRedisBackend(rdb, ""), cache.Options{TTL: map[cache.Namespace]time.Duration{cache.NamespaceACL: time.Hour}})
	}
	tierA, tierB := newTier(), newTier()
	a := newEvaluator(t, store, tierA, model.StatusPolicy{})
	b := newEvaluator(t, store, tierB, model.StatusPolicy{})

	// warm instance B with allow
	v, err := b.Evaluate(ctx, "cus_1", cache.ReadOptions{})
	require.NoError(t, err)
	require.True(t, v.Allow)
	tierB.Close()

	_, err = a.Update(ctx, "cus_1", model.ACLUpdate{Disabled: ptr(true)})
	require.NoError(t, err)

	v, err = b.Evaluate(ctx, "cus_1", cache.ReadOptions{})
	require.NoError(t, err)
	assert.False(t, v.Allow)
	assert.Equal(t, model.ReasonCustomerDisabled, v.Reason)
}

type failingBackend struct{ cache.Backend }

func (failingBackend) Fence(context.Context, string, int64, time.Duration) error {
	return errors.New("redis: connection refused")
}

func TestUpdateFailsWhenInvalidationFails(t *testing.T) {
	store := memory.New()
	tier := cache.NewTier(failingBackend{Backend: cache.NewMemoryBackend(100)}, cache.Options{})
	ev := newEvaluator(t, store, tier, model.StatusPolicy{})

	_, err := ev.Update(context.Background(), "cus_1", model.ACLUpdate{Disabled: ptr(true)})
	assert.True(t, apperr.IsUnavailable(err))
}

func TestUpdateRejectsUnknownStatus(t *testing.T) {
	ev := newEvaluator(t, memory.New(), nil, model.StatusPolicy{})
	_, err := ev.Update(context.Background(), "cus_1", model.ACLUpdate{SubscriptionStatus: ptr(model.SubscriptionStatus("frozen"))})
	assert.True(t, apperr.IsInvalid(err))
}

func TestStoreOutageIsUnavailable(t *testing.T) {
	store := memory.New()
	store.FailWith = errors.New("mysql down")
	ev := newEvaluator(t, store, nil, model.StatusPolicy{})

	v, err := ev.Evaluate(context.Background(), "cus_1", cache.ReadOptions{})
	assert.False(t, v.Allow)
	assert.True(t, apperr.IsUnavailable(err))
}
