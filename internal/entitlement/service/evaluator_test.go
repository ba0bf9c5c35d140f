package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"downloadgate/internal/entitlement"
	"downloadgate/internal/file"
	filerepo "downloadgate/internal/file/repository"
	"downloadgate/internal/subscription"
	subrepo "downloadgate/internal/subscription/repository"
	subscriptionservice "downloadgate/internal/subscription/service"
)

const (
	subscriber int64 = 10
	freeUser   int64 = 11
)

type fixture struct {
	eval  *Evaluator
	files *filerepo.MemoryFileRepository
	subs  *subrepo.MemorySubscriptionRepository
}

func newFixture(t *testing.T, mutate func(*subscription.Subscription)) *fixture {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	subs := subrepo.NewMemorySubscriptionRepository()
	sub := &subscription.Subscription{
		UserID:              subscriber,
		Status:              subscription.StatusActive,
		DailyLimit:          10,
		MonthlyLimit:        100,
		BandwidthLimitBytes: 5_000_000,
		StartsAt:            now.Add(-time.Hour),
		EndsAt:              now.AddDate(0, 1, 0),
	}
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, subs.Create(ctx, sub))

	files := filerepo.NewMemoryFileRepository()
	for _, f := range []*file.File{
		{ID: 1, Name: "free.pdf", Status: file.StatusActive, SizeBytes: 1000},
		{ID: 2, Name: "premium.mkv", Status: file.StatusActive, IsPremium: true, SizeBytes: 1_000_000},
		{ID: 3, Name: "capped.zip", Status: file.StatusActive, MaxDownloads: 5, DownloadCount: 5},
		{ID: 4, Name: "public.txt", Status: file.StatusActive, IsPublic: true, SizeBytes: 10},
		{ID: 5, Name: "public-premium.iso", Status: file.StatusActive, IsPublic: true, IsPremium: true, SizeBytes: 10},
	} {
		require.NoError(t, files.Create(ctx, f))
	}

	eval := NewEvaluator(files, subscriptionservice.NewLedger(subs, 3))
	eval.now = func() time.Time { return now }
	return &fixture{eval: eval, files: files, subs: subs}
}

func TestEvaluate_DailyLimitOnlyGatesPremiumFiles(t *testing.T) {
	fx := newFixture(t, func(s *subscription.Subscription) { s.DownloadsUsedToday = 10 })
	ctx := context.Background()

	d, err := fx.eval.Evaluate(ctx, subscriber, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.Metered())

	d, err = fx.eval.Evaluate(ctx, subscriber, 2)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.ReasonDailyLimitReached, d.Reason)
	assert.Equal(t, entitlement.ReasonDailyLimitReached.Message(), d.Message)
}

func TestEvaluate_DownloadCapIsUnavailableRegardlessOfSubscription(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	for _, user := range []int64{0, freeUser, subscriber} {
		d, err := fx.eval.Evaluate(ctx, user, 3)
		require.NoError(t, err)
		assert.Equal(t, entitlement.ReasonUnavailable, d.Reason, "user %d", user)
	}
}

func TestEvaluate_Reasons(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*subscription.Subscription)
		user   int64
		fileID int64
		want   entitlement.Reason
	}{
		{"missing file", nil, subscriber, 404, entitlement.ReasonUnavailable},
		{"anonymous private", nil, 0, 1, entitlement.ReasonRequiresLogin},
		{"anonymous public", nil, 0, 4, ""},
		{"anonymous public premium", nil, 0, 5, entitlement.ReasonRequiresSubscription},
		{"no subscription", nil, freeUser, 2, entitlement.ReasonRequiresSubscription},
		{"cancelled subscription", func(s *subscription.Subscription) { s.Status = subscription.StatusCancelled }, subscriber, 2, entitlement.ReasonRequiresSubscription},
		{"monthly exhausted", func(s *subscription.Subscription) { s.DownloadsUsedMonth = 100 }, subscriber, 2, entitlement.ReasonMonthlyLimitReached},
		{"daily beats monthly", func(s *subscription.Subscription) {
			s.DownloadsUsedToday = 10
			s.DownloadsUsedMonth = 100
		}, subscriber, 2, entitlement.ReasonDailyLimitReached},
		{"bandwidth short", func(s *subscription.Subscription) { s.BandwidthUsedBytes = 4_500_000 }, subscriber, 2, entitlement.ReasonBandwidthExceeded},
		{"premium ok", nil, subscriber, 2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, tt.mutate)
			d, err := fx.eval.Evaluate(context.Background(), tt.user, tt.fileID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Reason)
			assert.Equal(t, tt.want == "", d.Allowed)
		})
	}
}

func TestEvaluate_PremiumAllowIsMetered(t *testing.T) {
	fx := newFixture(t, nil)

	d, err := fx.eval.Evaluate(context.Background(), subscriber, 2)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.NotNil(t, d.SubscriptionID)
	assert.Equal(t, int64(1), *d.SubscriptionID)
}

func TestEvaluate_IsDeterministicAndSideEffectFree(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	first, err := fx.eval.Evaluate(ctx, subscriber, 2)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := fx.eval.Evaluate(ctx, subscriber, 2)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	sub, err := fx.subs.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, sub.DownloadsUsedToday)
	assert.Zero(t, sub.BandwidthUsedBytes)
	f, err := fx.files.GetByID(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, f.DownloadCount)
}

func TestAuthorize_ReturnsDeniedError(t *testing.T) {
	fx := newFixture(t, nil)

	_, err := fx.eval.Authorize(context.Background(), 0, 1)
	var denied *entitlement.DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, entitlement.ReasonRequiresLogin, denied.Decision.Reason)
}
