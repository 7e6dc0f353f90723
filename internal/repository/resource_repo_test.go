package repository

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/loka-go-api/internal/models"
)

func seedResource(t *testing.T, repo ResourceRepository, resourceID uint, fields models.FieldValues) models.ResourceRecord {
	t.Helper()
	drive := uint(1)
	record := models.ResourceRecord{
		ResourceType: models.ResourcePage,
		ResourceID:   resourceID,
		DriveID:      &drive,
		Fields:       fields,
	}
	require.NoError(t, repo.Save(context.Background(), &record))
	return record
}

func TestPatchFieldsMergesOnlyListedKeys(t *testing.T) {
	db := setupActivityDB(t)
	repo := NewResourceRepository(db)
	ctx := context.Background()

	seedResource(t, repo, 10, models.FieldValues{
		{Key: "title", Value: json.RawMessage(`"Current"`)},
		{Key: "body", Value: json.RawMessage(`"Untouched"`)},
	})

	require.NoError(t, repo.PatchFields(ctx, models.ResourcePage, 10, models.FieldValues{
		{Key: "title", Value: json.RawMessage(`"Restored"`)},
	}))

	record, err := repo.ReadCurrent(ctx, models.ResourcePage, 10)
	require.NoError(t, err)

	title, ok := record.Fields.Get("title")
	require.True(t, ok)
	require.JSONEq(t, `"Restored"`, string(title))

	body, ok := record.Fields.Get("body")
	require.True(t, ok)
	require.JSONEq(t, `"Untouched"`, string(body))
}

func TestTrashAndRestore(t *testing.T) {
	db := setupActivityDB(t)
	repo := NewResourceRepository(db)
	ctx := context.Background()

	seedResource(t, repo, 10, models.FieldValues{
		{Key: "title", Value: json.RawMessage(`"Doc"`)},
	})

	require.NoError(t, repo.Trash(ctx, models.ResourcePage, 10))
	record, err := repo.ReadCurrent(ctx, models.ResourcePage, 10)
	require.NoError(t, err)
	require.True(t, record.IsTrashed)

	require.NoError(t, repo.Restore(ctx, models.ResourcePage, 10, models.FieldValues{
		{Key: "title", Value: json.RawMessage(`"Doc v2"`)},
	}))
	record, err = repo.ReadCurrent(ctx, models.ResourcePage, 10)
	require.NoError(t, err)
	require.False(t, record.IsTrashed)

	title, _ := record.Fields.Get("title")
	require.JSONEq(t, `"Doc v2"`, string(title))
}

func TestSaveUpsertsOnResourceIdentity(t *testing.T) {
	db := setupActivityDB(t)
	repo := NewResourceRepository(db)
	ctx := context.Background()

	seedResource(t, repo, 10, models.FieldValues{
		{Key: "title", Value: json.RawMessage(`"First"`)},
	})
	seedResource(t, repo, 10, models.FieldValues{
		{Key: "title", Value: json.RawMessage(`"Second"`)},
	})

	var count int64
	require.NoError(t, db.Model(&models.ResourceRecord{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	record, err := repo.ReadCurrent(ctx, models.ResourcePage, 10)
	require.NoError(t, err)
	title, _ := record.Fields.Get("title")
	require.JSONEq(t, `"Second"`, string(title))
}

func TestMemberAndSubscriptionLookups(t *testing.T) {
	db := setupActivityDB(t)
	members := NewDriveMemberRepository(db)
	subscriptions := NewSubscriptionRepository(db)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.DriveMember{DriveID: 1, UserID: 7, Role: models.DriveRoleEditor}).Error)
	require.NoError(t, db.Create(&models.Subscription{UserID: 7, Tier: models.TierBusiness}).Error)

	role, err := members.RoleOf(ctx, 7, 1)
	require.NoError(t, err)
	require.Equal(t, models.DriveRoleEditor, role)
	require.True(t, role.CanEdit())

	role, err = members.RoleOf(ctx, 99, 1)
	require.NoError(t, err)
	require.Empty(t, role)

	tier, err := subscriptions.TierOf(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, models.TierBusiness, tier)

	tier, err = subscriptions.TierOf(ctx, 99)
	require.NoError(t, err)
	require.Equal(t, models.TierFree, tier)
}
