package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/loka-go-api/internal/dto"
	"github.com/noah-isme/loka-go-api/internal/models"
)

func TestPreviewRollbackFieldRestore(t *testing.T) {
	env := newRollbackEnv(t)
	svc := env.rollbackService()
	ctx := context.Background()

	env.seedPage(t, 42, models.FieldValues{{Key: "title", Value: json.RawMessage(`"New"`)}})
	target := env.appendPageUpdate(t, 42, "title", "Old", "New")

	preview, err := svc.PreviewRollback(ctx, dto.RollbackRequest{ActivityID: target.ID, UserID: 1})
	require.NoError(t, err)

	require.True(t, preview.CanExecute)
	require.False(t, preview.HasConflict)
	require.False(t, preview.IsNoOp)
	require.Len(t, preview.Changes, 1)
	require.Equal(t, "title", preview.Changes[0].Field)
	require.Equal(t, "New", preview.Changes[0].From)
	require.Equal(t, "Old", preview.Changes[0].To)
	require.Len(t, preview.AffectedResources, 1)

	// Previews never mutate.
	require.Equal(t, `"New"`, env.pageField(t, 42, "title"))
}

func TestExecuteRollbackRestoresAndChains(t *testing.T) {
	env := newRollbackEnv(t)
	svc := env.rollbackService()
	ctx := context.Background()

	env.seedPage(t, 42, models.FieldValues{{Key: "title", Value: json.RawMessage(`"New"`)}})
	target := env.appendPageUpdate(t, 42, "title", "Old", "New")

	result, err := svc.ExecuteRollback(ctx, dto.RollbackRequest{ActivityID: target.ID, UserID: 5})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotZero(t, result.RollbackActivityID)
	require.Equal(t, `"Old"`, env.pageField(t, 42, "title"))

	reversal, err := env.activities.GetByID(ctx, result.RollbackActivityID)
	require.NoError(t, err)
	require.Equal(t, models.OperationRollback, reversal.Operation)
	require.Equal(t, models.OperationUpdate, reversal.RollbackSourceOperation)
	require.NotNil(t, reversal.RollbackFromActivityID)
	require.Equal(t, target.ID, *reversal.RollbackFromActivityID)

	// The reversal joins the hash chain.
	require.NoError(t, env.activities.VerifyChain(ctx, target.ID, reversal.ID))
}

func TestExecuteRollbackIsIdempotent(t *testing.T) {
	env := newRollbackEnv(t)
	svc := env.rollbackService()
	ctx := context.Background()

	env.seedPage(t, 42, models.FieldValues{{Key: "title", Value: json.RawMessage(`"New"`)}})
	target := env.appendPageUpdate(t, 42, "title", "Old", "New")

	first, err := svc.ExecuteRollback(ctx, dto.RollbackRequest{ActivityID: target.ID, UserID: 5})
	require.NoError(t, err)
	require.True(t, first.Success)
	require.False(t, first.IsNoOp)

	second, err := svc.ExecuteRollback(ctx, dto.RollbackRequest{ActivityID: target.ID, UserID: 5})
	require.NoError(t, err)
	require.True(t, second.Success)
	require.True(t, second.IsNoOp)
	require.Equal(t, "Already rolled back", second.Message)
	require.Equal(t, first.RollbackActivityID, second.RollbackActivityID)

	// Only one reversal row exists.
	var count int64
	require.NoError(t, env.db.Model(&models.Activity{}).
		Where("operation = ?", models.OperationRollback).
		Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestConcurrentDuplicateExecutionsConverge(t *testing.T) {
	env := newRollbackEnv(t)
	svc := env.rollbackService()
	ctx := context.Background()

	env.seedPage(t, 42, models.FieldValues{{Key: "title", Value: json.RawMessage(`"New"`)}})
	target := env.appendPageUpdate(t, 42, "title", "Old", "New")

	const callers = 4
	results := make([]dto.RollbackResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.ExecuteRollback(ctx, dto.RollbackRequest{ActivityID: target.ID, UserID: 5})
		}(i)
	}
	wg.Wait()

	// Exactly one reversal row lands; every caller reports the same ID.
	var count int64
	require.NoError(t, env.db.Model(&models.Activity{}).
		Where("operation = ? AND rollback_from_activity_id = ?", models.OperationRollback, target.ID).
		Count(&count).Error)
	require.Equal(t, int64(1), count)

	var reversal models.Activity
	require.NoError(t, env.db.
		Where("operation = ?", models.OperationRollback).
		First(&reversal).Error)
	applied := 0
	for i := range results {
		require.NoError(t, errs[i])
		require.True(t, results[i].Success)
		require.Equal(t, reversal.ID, results[i].RollbackActivityID)
		if !results[i].IsNoOp {
			applied++
		}
	}
	require.Equal(t, 1, applied)
	require.Equal(t, `"Old"`, env.pageField(t, 42, "title"))
}

func TestRedoRoundTrip(t *testing.T) {
	env := newRollbackEnv(t)
	svc := env.rollbackService()
	ctx := context.Background()

	env.seedPage(t, 42, models.FieldValues{{Key: "title", Value: json.RawMessage(`"New"`)}})
	target := env.appendPageUpdate(t, 42, "title", "Old", "New")

	rolled, err := svc.ExecuteRollback(ctx, dto.RollbackRequest{ActivityID: target.ID, UserID: 5})
	require.NoError(t, err)
	require.Equal(t, `"Old"`, env.pageField(t, 42, "title"))

	redone, err := svc.ExecuteRedo(ctx, dto.RollbackRequest{ActivityID: rolled.RollbackActivityID, UserID: 5})
	require.NoError(t, err)
	require.True(t, redone.Success)
	require.Equal(t, `"New"`, env.pageField(t, 42, "title"))

	redo, err := env.activities.GetByID(ctx, redone.RollbackActivityID)
	require.NoError(t, err)
	require.Equal(t, models.OperationRedo, redo.Operation)
	require.Equal(t, models.OperationRollback, redo.RollbackSourceOperation)

	// Redo is idempotent too.
	again, err := svc.ExecuteRedo(ctx, dto.RollbackRequest{ActivityID: rolled.RollbackActivityID, UserID: 5})
	require.NoError(t, err)
	require.True(t, again.Success)
	require.True(t, again.IsNoOp)
	require.Equal(t, "Already redone", again.Message)
	require.Equal(t, redone.RollbackActivityID, again.RollbackActivityID)
}

func TestRedoRequiresRollbackTarget(t *testing.T) {
	env := newRollbackEnv(t)
	svc := env.rollbackService()
	ctx := context.Background()

	env.seedPage(t, 42, models.FieldValues{{Key: "title", Value: json.RawMessage(`"New"`)}})
	target := env.appendPageUpdate(t, 42, "title", "Old", "New")

	preview, err := svc.PreviewRedo(ctx, dto.RollbackRequest{ActivityID: target.ID, UserID: 5})
	require.NoError(t, err)
	require.False(t, preview.CanExecute)
	require.Equal(t, "Only rollback activities can be redone", preview.Reason)
}

func TestRollbackAfterRedoCreatesFreshReversal(t *testing.T) {
	env := newRollbackEnv(t)
	svc := env.rollbackService()
	ctx := context.Background()

	env.seedPage(t, 42, models.FieldValues{{Key: "title", Value: json.RawMessage(`"New"`)}})
	target := env.appendPageUpdate(t, 42, "title", "Old", "New")

	first, err := svc.ExecuteRollback(ctx, dto.RollbackRequest{ActivityID: target.ID, UserID: 5})
	require.NoError(t, err)
	_, err = svc.ExecuteRedo(ctx, dto.RollbackRequest{ActivityID: first.RollbackActivityID, UserID: 5})
	require.NoError(t, err)

	// The first rollback has been redone, so rolling back again applies.
	second, err := svc.ExecuteRollback(ctx, dto.RollbackRequest{ActivityID: target.ID, UserID: 5})
	require.NoError(t, err)
	require.True(t, second.Success)
	require.NotEqual(t, "Already rolled back", second.Message)
	require.NotEqual(t, first.RollbackActivityID, second.RollbackActivityID)
	require.Equal(t, `"Old"`, env.pageField(t, 42, "title"))
}

func TestRollbackConflictRequiresForce(t *testing.T) {
	env := newRollbackEnv(t)
	svc := env.rollbackService()
	ctx := context.Background()

	env.seedPage(t, 42, models.FieldValues{{Key: "title", Value: json.RawMessage(`"New"`)}})
	target := env.appendPageUpdate(t, 42, "title", "Old", "New")

	// Someone edits the page after the recorded activity.
	env.seedPage(t, 42, models.FieldValues{{Key: "title", Value: json.RawMessage(`"Unrelated"`)}})

	preview, err := svc.PreviewRollback(ctx, dto.RollbackRequest{ActivityID: target.ID, UserID: 5})
	require.NoError(t, err)
	require.True(t, preview.HasConflict)
	require.True(t, preview.RequiresForce)
	require.Equal(t, []string{"title"}, preview.ConflictFields)

	blocked, err := svc.ExecuteRollback(ctx, dto.RollbackRequest{ActivityID: target.ID, UserID: 5})
	require.NoError(t, err)
	require.False(t, blocked.Success)
	require.Contains(t, blocked.Message, "force")
	require.Equal(t, `"Unrelated"`, env.pageField(t, 42, "title"))

	forced, err := svc.ExecuteRollback(ctx, dto.RollbackRequest{ActivityID: target.ID, UserID: 5, Force: true})
	require.NoError(t, err)
	require.True(t, forced.Success)
	require.NotEmpty(t, forced.Warnings)
	require.Equal(t, `"Old"`, env.pageField(t, 42, "title"))
}

func TestRollbackCreateTrashesResource(t *testing.T) {
	env := newRollbackEnv(t)
	svc := env.rollbackService()
	ctx := context.Background()

	env.seedPage(t, 42, models.FieldValues{{Key: "title", Value: json.RawMessage(`"Fresh"`)}})
	created := env.appendPageCreate(t, 42, "Fresh")

	result, err := svc.ExecuteRollback(ctx, dto.RollbackRequest{ActivityID: created.ID, UserID: 5})
	require.NoError(t, err)
	require.True(t, result.Success)

	record, err := env.resources.ReadCurrent(ctx, models.ResourcePage, 42)
	require.NoError(t, err)
	require.True(t, record.IsTrashed)

	// Redoing the rollback restores the page.
	redone, err := svc.ExecuteRedo(ctx, dto.RollbackRequest{ActivityID: result.RollbackActivityID, UserID: 5})
	require.NoError(t, err)
	require.True(t, redone.Success)

	record, err = env.resources.ReadCurrent(ctx, models.ResourcePage, 42)
	require.NoError(t, err)
	require.False(t, record.IsTrashed)
}

func TestRollbackIneligibleOperation(t *testing.T) {
	env := newRollbackEnv(t)
	svc := env.rollbackService()
	ctx := context.Background()

	login := env.appendLogin(t)

	preview, err := svc.PreviewRollback(ctx, dto.RollbackRequest{ActivityID: login.ID, UserID: 5})
	require.NoError(t, err)
	require.False(t, preview.CanExecute)
	require.Contains(t, preview.Reason, "cannot be rolled back")
}

func TestRollbackMissingActivity(t *testing.T) {
	env := newRollbackEnv(t)
	svc := env.rollbackService()

	preview, err := svc.PreviewRollback(context.Background(), dto.RollbackRequest{ActivityID: 999, UserID: 5})
	require.NoError(t, err)
	require.False(t, preview.CanExecute)
	require.Equal(t, "Activity not found", preview.Reason)

	result, err := svc.ExecuteRollback(context.Background(), dto.RollbackRequest{ActivityID: 999, UserID: 5})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "Activity not found", result.Message)
}

func TestRollbackMissingResource(t *testing.T) {
	env := newRollbackEnv(t)
	svc := env.rollbackService()

	target := env.appendPageUpdate(t, 77, "title", "Old", "New")

	preview, err := svc.PreviewRollback(context.Background(), dto.RollbackRequest{ActivityID: target.ID, UserID: 5})
	require.NoError(t, err)
	require.False(t, preview.CanExecute)
	require.Equal(t, "Resource no longer exists", preview.Reason)
}

func TestRollbackPermissionDenied(t *testing.T) {
	env := newRollbackEnv(t)
	svc := NewRollbackService(env.activities, env.resources, env.uow, denyAllPermissions{}, env.clock, env.validator, testLogger())
	ctx := context.Background()

	env.seedPage(t, 42, models.FieldValues{{Key: "title", Value: json.RawMessage(`"New"`)}})
	target := env.appendPageUpdate(t, 42, "title", "Old", "New")

	preview, err := svc.PreviewRollback(ctx, dto.RollbackRequest{ActivityID: target.ID, UserID: 5})
	require.NoError(t, err)
	require.False(t, preview.CanExecute)
	require.Equal(t, "You do not have permission to modify this resource", preview.Reason)
}

func TestRollbackValidatesRequest(t *testing.T) {
	env := newRollbackEnv(t)
	svc := env.rollbackService()

	_, err := svc.PreviewRollback(context.Background(), dto.RollbackRequest{})
	require.Error(t, err)

	_, err = svc.ExecuteRollback(context.Background(), dto.RollbackRequest{ActivityID: 1})
	require.Error(t, err)
}

func TestRollbackNoPreviousValues(t *testing.T) {
	env := newRollbackEnv(t)
	svc := env.rollbackService()
	ctx := context.Background()

	actor := uint(1)
	drive := uint(1)
	entry := models.Activity{
		ActorID:      &actor,
		Operation:    models.OperationUpdate,
		ResourceType: models.ResourcePage,
		ResourceID:   42,
		DriveID:      &drive,
	}
	require.NoError(t, env.activities.Append(ctx, &entry))

	preview, err := svc.PreviewRollback(ctx, dto.RollbackRequest{ActivityID: entry.ID, UserID: 5})
	require.NoError(t, err)
	require.False(t, preview.CanExecute)
	require.Equal(t, "Activity recorded no previous values to restore", preview.Reason)
}
