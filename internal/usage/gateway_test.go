package usage

import (
	"context"
	"errors"
	"testing"

	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/cache"
	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAuthority struct {
	mock.Mock
}

func (m *mockAuthority) GetEntitlement(ctx context.Context, customerID, featureSlug string, opts cache.ReadOptions) (*model.Entitlement, error) {
	args := m.Called(ctx, customerID, featureSlug, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Entitlement), args.Error(1)
}

func (m *mockAuthority) ApplyUsage(ctx context.Context, customerID, featureSlug string, quantity int64, hash string) (*model.UsageOutcome, error) {
	args := m.Called(ctx, customerID, featureSlug, quantity, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UsageOutcome), args.Error(1)
}

type mockACL struct {
	mock.Mock
}

func (m *mockACL) Evaluate(ctx context.Context, customerID string, opts cache.ReadOptions) (model.Verdict, error) {
	args := m.Called(ctx, customerID, opts)
	return args.Get(0).(model.Verdict), args.Error(1)
}

func (m *mockACL) Update(ctx context.Context, customerID string, upd model.ACLUpdate) (*model.AccessControlList, error) {
	args := m.Called(ctx, customerID, upd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AccessControlList), args.Error(1)
}

func seats(used int64) *model.Entitlement {
	return &model.Entitlement{CustomerID: "cus_1", FeatureSlug: "seats", Limit: 100, Used: used, Version: 2, OveragePolicy: model.OverageHardCap}
}

func TestHashIsDeterministicAndFieldSafe(t *testing.T) {
	assert.Equal(t, Hash("cus_1", "seats", "r1"), Hash("cus_1", "seats", "r1"))
	assert.NotEqual(t, Hash("cus_1", "seats", "r1"), Hash("cus_1", "seats", "r2"))
	assert.NotEqual(t, Hash("ab", "c", "k"), Hash("a", "bc", "k"))
	assert.Len(t, Hash("cus_1", "seats", "r1"), 64)
}

func TestReportUsageValidation(t *testing.T) {
	g := NewGateway(&mockAuthority{}, &mockACL{}, nil, nil)
	ctx := context.Background()

	_, err := g.ReportUsage(ctx, "cus_1", "seats", 1, "")
	assert.True(t, apperr.IsInvalid(err))
	_, err = g.ReportUsage(ctx, "cus_1", "seats", -3, "k")
	assert.True(t, apperr.IsInvalid(err))
	_, err = g.ReportUsage(ctx, "", "seats", 1, "k")
	assert.True(t, apperr.IsInvalid(err))
}

func TestReportUsageFlagsHardCap(t *testing.T) {
	ctx := context.Background()
	auth, acl := &mockAuthority{}, &mockACL{}
	hash := Hash("cus_1", "seats", "r1")

	acl.On("Evaluate", mock.Anything, "cus_1", cache.ReadOptions{}).Return(model.Verdict{Allow: true}, nil).Once()
	auth.On("ApplyUsage", mock.Anything, "cus_1", "seats", int64(20), hash).Return(&model.UsageOutcome{
		Entitlement: seats(100), Applied: 10, LimitReached: true, Reason: model.ReasonUsageLimitReached,
	}, nil).Once()
	acl.On("Update", mock.Anything, "cus_1", mock.MatchedBy(func(u model.ACLUpdate) bool {
		return u.UsageLimitReached != nil && *u.UsageLimitReached
	})).Return(&model.AccessControlList{CustomerID: "cus_1", UsageLimitReached: true}, nil).Once()

	g := NewGateway(auth, acl, nil, nil)
	out, err := g.ReportUsage(ctx, "cus_1", "seats", 20, "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, out.Entitlement.Used)
	assert.Equal(t, model.ReasonUsageLimitReached, out.Reason)

	auth.AssertExpectations(t)
	acl.AssertExpectations(t)
}

func TestReportUsageDoesNotFlagOverage(t *testing.T) {
	auth, acl := &mockAuthority{}, &mockACL{}
	e := seats(120)
	e.OveragePolicy = model.OverageAllow

	acl.On("Evaluate", mock.Anything, "cus_1", mock.Anything).Return(model.Verdict{Allow: true}, nil)
	auth.On("ApplyUsage", mock.Anything, "cus_1", "seats", int64(30), mock.Anything).
		Return(&model.UsageOutcome{Entitlement: e, Applied: 30, LimitReached: true}, nil)

	g := NewGateway(auth, acl, nil, nil)
	_, err := g.ReportUsage(context.Background(), "cus_1", "seats", 30, "o1")
	require.NoError(t, err)
	acl.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestReportUsageShortCircuitsOnACL(t *testing.T) {
	auth, acl := &mockAuthority{}, &mockACL{}
	acl.On("Evaluate", mock.Anything, "cus_1", mock.Anything).Return(model.Verdict{Reason: model.ReasonUsageLimitReached}, nil)
	auth.On("GetEntitlement", mock.Anything, "cus_1", "seats", mock.Anything).Return(seats(100), nil)

	g := NewGateway(auth, acl, nil, nil)
	out, err := g.ReportUsage(context.Background(), "cus_1", "seats", 1, "r2")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonUsageLimitReached, out.Reason)
	assert.EqualValues(t, 100, out.Entitlement.Used)
	assert.Zero(t, out.Applied)
	auth.AssertNotCalled(t, "ApplyUsage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRetriesAreServedFromHashCache(t *testing.T) {
	ctx := context.Background()
	tier := cache.NewTier(cache.NewMemoryBackend(100), cache.Options{})
	auth, acl := &mockAuthority{}, &mockACL{}

	acl.On("Evaluate", mock.Anything, "cus_1", mock.Anything).Return(model.Verdict{Allow: true}, nil).Once()
	auth.On("ApplyUsage", mock.Anything, "cus_1", "seats", int64(5), mock.Anything).
		Return(&model.UsageOutcome{Entitlement: seats(5), Applied: 5}, nil).Once()

	g := NewGateway(auth, acl, tier, nil)
	first, err := g.ReportUsage(ctx, "cus_1", "seats", 5, "k1")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	tier.Close()

	again, err := g.ReportUsage(ctx, "cus_1", "seats", 5, "k1")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.EqualValues(t, 5, again.Entitlement.Used)

	auth.AssertNumberOfCalls(t, "ApplyUsage", 1)
	acl.AssertNumberOfCalls(t, "Evaluate", 1)
}

func TestReportUsagePropagatesAuthorityFailure(t *testing.T) {
	auth, acl := &mockAuthority{}, &mockACL{}
	acl.On("Evaluate", mock.Anything, "cus_1", mock.Anything).Return(model.Verdict{Allow: true}, nil)
	auth.On("ApplyUsage", mock.Anything, "cus_1", "seats", int64(1), mock.Anything).
		Return(nil, apperr.Unavailable(errors.New("timeout")))

	g := NewGateway(auth, acl, nil, nil)
	_, err := g.ReportUsage(context.Background(), "cus_1", "seats", 1, "k")
	assert.True(t, apperr.IsUnavailable(err))
}

func TestFlagIsReReadOnceCounterHasRoom(t *testing.T) {
	auth, acl := &mockAuthority{}, &mockACL{}
	acl.On("Evaluate", mock.Anything, "cus_1", cache.ReadOptions{}).
		Return(model.Verdict{Reason: model.ReasonUsageLimitReached}, nil).Once()
	auth.On("GetEntitlement", mock.Anything, "cus_1", "seats", cache.ReadOptions{}).Return(seats(0), nil).Once()
	acl.On("Evaluate", mock.Anything, "cus_1", cache.ReadOptions{SkipCache: true}).
		Return(model.Verdict{Allow: true}, nil).Once()
	auth.On("ApplyUsage", mock.Anything, "cus_1", "seats", int64(1), mock.Anything).
		Return(&model.UsageOutcome{Entitlement: seats(1), Applied: 1}, nil).Once()

	g := NewGateway(auth, acl, nil, nil)
	out, err := g.ReportUsage(context.Background(), "cus_1", "seats", 1, "after-reset")
	require.NoError(t, err)
	assert.EqualValues(t, 1, out.Applied)
	assert.Empty(t, out.Reason)

	auth.AssertExpectations(t)
	acl.AssertExpectations(t)
}
