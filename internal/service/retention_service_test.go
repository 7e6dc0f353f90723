package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/loka-go-api/internal/models"
)

func TestRetentionDaysPerTier(t *testing.T) {
	env := newRollbackEnv(t)
	ctx := context.Background()

	cases := []struct {
		tier models.SubscriptionTier
		days int
	}{
		{models.TierFree, 7},
		{models.TierPlus, 30},
		{models.TierBusiness, 90},
		{models.TierEnterprise, -1},
	}
	for _, tc := range cases {
		svc := NewRetentionService(env.activities, fixedTier{tier: tc.tier}, env.clock, testLogger())
		tier, days, err := svc.RetentionDays(ctx, 5)
		require.NoError(t, err)
		require.Equal(t, tc.tier, tier)
		require.Equal(t, tc.days, days)
	}
}

func TestApplyRetentionOnlyNarrows(t *testing.T) {
	env := newRollbackEnv(t)
	svc := NewRetentionService(env.activities, fixedTier{tier: models.TierFree}, env.clock, testLogger())

	now := env.clock.Now()
	earliest := now.AddDate(0, 0, -7)

	// A start beyond the window is clamped to the window edge.
	tooOld := now.AddDate(0, 0, -30)
	got := svc.ApplyRetention(&tooOld, 7)
	require.NotNil(t, got)
	require.True(t, got.Equal(earliest))

	// A start inside the window passes through untouched.
	recent := now.AddDate(0, 0, -2)
	got = svc.ApplyRetention(&recent, 7)
	require.NotNil(t, got)
	require.True(t, got.Equal(recent))

	// No start still gets the window edge.
	got = svc.ApplyRetention(nil, 7)
	require.NotNil(t, got)
	require.True(t, got.Equal(earliest))

	// Unlimited retention never clamps.
	got = svc.ApplyRetention(&tooOld, -1)
	require.NotNil(t, got)
	require.True(t, got.Equal(tooOld))
	require.Nil(t, svc.ApplyRetention(nil, -1))
}

func TestArchiveExpiredFlipsOldEntries(t *testing.T) {
	env := newRollbackEnv(t)
	ctx := context.Background()

	old := env.appendPageUpdate(t, 42, "title", "v1", "v2")
	env.clock.Advance(10 * 24 * time.Hour)
	recent := env.appendPageUpdate(t, 42, "title", "v2", "v3")

	svc := NewRetentionService(env.activities, fixedTier{tier: models.TierFree}, env.clock, testLogger())
	archived, err := svc.ArchiveExpired(ctx, 1, 5)
	require.NoError(t, err)
	require.Equal(t, int64(1), archived)

	reloaded, err := env.activities.GetByID(ctx, old.ID)
	require.NoError(t, err)
	require.True(t, reloaded.IsArchived)

	reloaded, err = env.activities.GetByID(ctx, recent.ID)
	require.NoError(t, err)
	require.False(t, reloaded.IsArchived)
}

func TestArchiveExpiredUnlimitedTierIsNoOp(t *testing.T) {
	env := newRollbackEnv(t)
	ctx := context.Background()

	env.appendPageUpdate(t, 42, "title", "v1", "v2")
	env.clock.Advance(365 * 24 * time.Hour)

	svc := NewRetentionService(env.activities, fixedTier{tier: models.TierEnterprise}, env.clock, testLogger())
	archived, err := svc.ArchiveExpired(ctx, 1, 5)
	require.NoError(t, err)
	require.Zero(t, archived)
}
