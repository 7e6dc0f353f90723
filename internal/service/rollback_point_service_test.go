package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/loka-go-api/internal/dto"
	"github.com/noah-isme/loka-go-api/internal/models"
)

func TestRollbackToPointUnwindsStackedEdits(t *testing.T) {
	env := newRollbackEnv(t)
	svc := env.toPointService()
	ctx := context.Background()

	first := env.appendPageUpdate(t, 42, "title", "v1", "v2")
	second := env.appendPageUpdate(t, 42, "title", "v2", "v3")
	env.seedPage(t, 42, models.FieldValues{{Key: "title", Value: json.RawMessage(`"v3"`)}})

	// The overlay projects the newest reversion before checking the
	// older one, so stacked edits to the same field do not conflict.
	preview, err := svc.Preview(ctx, dto.RollbackToPointRequest{ActivityID: first.ID, UserID: 5})
	require.NoError(t, err)
	require.Len(t, preview.ActivitiesAffected, 2)
	require.Equal(t, first.ID, preview.ActivitiesAffected[0].ActivityID)
	require.Equal(t, second.ID, preview.ActivitiesAffected[1].ActivityID)
	require.True(t, preview.ActivitiesAffected[0].CanRevert)
	require.True(t, preview.ActivitiesAffected[1].CanRevert)
	require.Empty(t, preview.Warnings)
	require.Contains(t, preview.Summary, "Reverting")

	// Previews never mutate.
	require.Equal(t, `"v3"`, env.pageField(t, 42, "title"))

	result, err := svc.Execute(ctx, dto.RollbackToPointRequest{ActivityID: first.ID, UserID: 5})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 2, result.ActivitiesRolledBack)
	require.Equal(t, `"v1"`, env.pageField(t, 42, "title"))

	// One reversal per reverted activity, newest reverted first.
	var reversals []models.Activity
	require.NoError(t, env.db.
		Where("operation = ?", models.OperationRollback).
		Order("id ASC").
		Find(&reversals).Error)
	require.Len(t, reversals, 2)
	require.Equal(t, second.ID, *reversals[0].RollbackFromActivityID)
	require.Equal(t, first.ID, *reversals[1].RollbackFromActivityID)
}

func TestRollbackToPointAbortsAtomicallyOnConflict(t *testing.T) {
	env := newRollbackEnv(t)
	svc := env.toPointService()
	ctx := context.Background()

	// Older entry conflicts; the newer one is clean and would apply
	// first. The abort must take the clean one down with it.
	conflicting := env.appendPageUpdate(t, 42, "title", "old", "new")
	env.appendPageUpdate(t, 43, "body", "a", "b")
	env.seedPage(t, 42, models.FieldValues{{Key: "title", Value: json.RawMessage(`"other"`)}})
	env.seedPage(t, 43, models.FieldValues{{Key: "body", Value: json.RawMessage(`"b"`)}})

	result, err := svc.Execute(ctx, dto.RollbackToPointRequest{ActivityID: conflicting.ID, UserID: 5})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Zero(t, result.ActivitiesRolledBack)
	require.NotEmpty(t, result.Errors)
	require.Contains(t, result.Message, "no changes were applied")

	// Nothing moved and nothing was appended.
	require.Equal(t, `"other"`, env.pageField(t, 42, "title"))
	require.Equal(t, `"b"`, env.pageField(t, 43, "body"))

	var count int64
	require.NoError(t, env.db.Model(&models.Activity{}).
		Where("operation = ?", models.OperationRollback).
		Count(&count).Error)
	require.Zero(t, count)
}

func TestRollbackToPointForcePushesPastConflicts(t *testing.T) {
	env := newRollbackEnv(t)
	svc := env.toPointService()
	ctx := context.Background()

	conflicting := env.appendPageUpdate(t, 42, "title", "old", "new")
	env.seedPage(t, 42, models.FieldValues{{Key: "title", Value: json.RawMessage(`"other"`)}})

	result, err := svc.Execute(ctx, dto.RollbackToPointRequest{ActivityID: conflicting.ID, UserID: 5, Force: true})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, result.ActivitiesRolledBack)
	require.Equal(t, `"old"`, env.pageField(t, 42, "title"))
}

func TestRollbackToPointSkipsIneligibleEntries(t *testing.T) {
	env := newRollbackEnv(t)
	svc := env.toPointService()
	ctx := context.Background()

	target := env.appendPageUpdate(t, 42, "title", "v1", "v2")
	env.seedPage(t, 42, models.FieldValues{{Key: "title", Value: json.RawMessage(`"v2"`)}})

	// A login in the same drive scope cannot be auto-reverted.
	actor := uint(1)
	drive := uint(1)
	login := models.Activity{
		Timestamp:    env.clock.Now(),
		ActorID:      &actor,
		Operation:    models.OperationLogin,
		ResourceType: models.ResourceToken,
		ResourceID:   9,
		DriveID:      &drive,
	}
	require.NoError(t, env.activities.Append(ctx, &login))

	result, err := svc.Execute(ctx, dto.RollbackToPointRequest{ActivityID: target.ID, UserID: 5})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, result.ActivitiesRolledBack)
	require.Len(t, result.Warnings, 1)
	require.Contains(t, result.Warnings[0], "cannot be auto-reverted")
}

func TestRollbackToPointSkipsAlreadyRolledBack(t *testing.T) {
	env := newRollbackEnv(t)
	single := env.rollbackService()
	batch := env.toPointService()
	ctx := context.Background()

	target := env.appendPageUpdate(t, 42, "title", "v1", "v2")
	env.seedPage(t, 42, models.FieldValues{{Key: "title", Value: json.RawMessage(`"v2"`)}})

	rolled, err := single.ExecuteRollback(ctx, dto.RollbackRequest{ActivityID: target.ID, UserID: 5})
	require.NoError(t, err)
	require.True(t, rolled.Success)

	result, err := batch.Execute(ctx, dto.RollbackToPointRequest{ActivityID: target.ID, UserID: 5})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Zero(t, result.ActivitiesRolledBack)

	found := false
	for _, warning := range result.Warnings {
		if warning != "" {
			found = true
		}
	}
	require.True(t, found, "expected a skip warning for the pre-rolled activity")
	require.Equal(t, `"v1"`, env.pageField(t, 42, "title"))
}

func TestRollbackToPointErrors(t *testing.T) {
	env := newRollbackEnv(t)
	ctx := context.Background()

	missing := env.toPointService()
	_, err := missing.Preview(ctx, dto.RollbackToPointRequest{ActivityID: 999, UserID: 5})
	require.ErrorIs(t, err, ErrActivityNotFound)

	target := env.appendPageUpdate(t, 42, "title", "v1", "v2")
	denied := NewRollbackToPointService(env.activities, env.resources, env.uow, denyAllPermissions{}, env.clock, nil, env.validator, testLogger())
	_, err = denied.Execute(ctx, dto.RollbackToPointRequest{ActivityID: target.ID, UserID: 5})
	require.ErrorIs(t, err, ErrPermissionDenied)

	_, err = missing.Preview(ctx, dto.RollbackToPointRequest{})
	require.Error(t, err)
}
