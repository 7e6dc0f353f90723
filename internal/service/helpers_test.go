package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/loka-go-api/internal/models"
	"github.com/noah-isme/loka-go-api/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type allowAllPermissions struct{}

func (allowAllPermissions) CanEdit(context.Context, uint, models.ResourceType, uint, *uint) (bool, error) {
	return true, nil
}

type denyAllPermissions struct{}

func (denyAllPermissions) CanEdit(context.Context, uint, models.ResourceType, uint, *uint) (bool, error) {
	return false, nil
}

type fixedClock struct {
	at time.Time
}

func (c *fixedClock) Now() time.Time { return c.at }

func (c *fixedClock) Advance(d time.Duration) { c.at = c.at.Add(d) }

type fixedTier struct {
	tier models.SubscriptionTier
}

func (f fixedTier) Tier(context.Context, uint) (models.SubscriptionTier, error) {
	return f.tier, nil
}

// rollbackEnv bundles the sqlite-backed engine wiring used across the
// rollback and batch tests.
type rollbackEnv struct {
	db         *gorm.DB
	activities repository.ActivityLogRepository
	resources  repository.ResourceRepository
	uow        repository.UnitOfWork
	clock      *fixedClock
	validator  *validator.Validate
}

func newRollbackEnv(t *testing.T) *rollbackEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Activity{}, &models.ResourceRecord{}, &models.DriveMember{}, &models.Subscription{}))

	activities := repository.NewActivityLogRepository(db)
	resources := repository.NewResourceRepository(db)

	return &rollbackEnv{
		db:         db,
		activities: activities,
		resources:  resources,
		uow:        repository.NewUnitOfWork(db, activities, resources),
		clock:      &fixedClock{at: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)},
		validator:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (e *rollbackEnv) rollbackService() RollbackService {
	return NewRollbackService(e.activities, e.resources, e.uow, allowAllPermissions{}, e.clock, e.validator, testLogger())
}

func (e *rollbackEnv) toPointService() RollbackToPointService {
	return NewRollbackToPointService(e.activities, e.resources, e.uow, allowAllPermissions{}, e.clock, nil, e.validator, testLogger())
}

func (e *rollbackEnv) seedPage(t *testing.T, resourceID uint, fields models.FieldValues) {
	t.Helper()
	drive := uint(1)
	record := models.ResourceRecord{
		ResourceType: models.ResourcePage,
		ResourceID:   resourceID,
		DriveID:      &drive,
		Fields:       fields,
	}
	require.NoError(t, e.resources.Save(context.Background(), &record))
}

func (e *rollbackEnv) appendPageUpdate(t *testing.T, resourceID uint, field, from, to string) models.Activity {
	t.Helper()
	actor := uint(1)
	drive := uint(1)
	entry := models.Activity{
		Timestamp:    e.clock.Now(),
		ActorID:      &actor,
		Operation:    models.OperationUpdate,
		ResourceType: models.ResourcePage,
		ResourceID:   resourceID,
		DriveID:      &drive,
		PreviousValues: models.FieldValues{
			{Key: field, Value: json.RawMessage(fmt.Sprintf("%q", from))},
		},
		NewValues: models.FieldValues{
			{Key: field, Value: json.RawMessage(fmt.Sprintf("%q", to))},
		},
	}
	require.NoError(t, e.activities.Append(context.Background(), &entry))
	e.clock.Advance(time.Minute)
	return entry
}

func (e *rollbackEnv) appendPageCreate(t *testing.T, resourceID uint, title string) models.Activity {
	t.Helper()
	actor := uint(1)
	drive := uint(1)
	entry := models.Activity{
		Timestamp:    e.clock.Now(),
		ActorID:      &actor,
		Operation:    models.OperationCreate,
		ResourceType: models.ResourcePage,
		ResourceID:   resourceID,
		DriveID:      &drive,
		NewValues: models.FieldValues{
			{Key: "title", Value: json.RawMessage(fmt.Sprintf("%q", title))},
		},
	}
	require.NoError(t, e.activities.Append(context.Background(), &entry))
	e.clock.Advance(time.Minute)
	return entry
}

func (e *rollbackEnv) appendLogin(t *testing.T) models.Activity {
	t.Helper()
	actor := uint(1)
	entry := models.Activity{
		Timestamp:    e.clock.Now(),
		ActorID:      &actor,
		Operation:    models.OperationLogin,
		ResourceType: models.ResourceToken,
		ResourceID:   1,
	}
	require.NoError(t, e.activities.Append(context.Background(), &entry))
	e.clock.Advance(time.Minute)
	return entry
}

func (e *rollbackEnv) pageField(t *testing.T, resourceID uint, key string) string {
	t.Helper()
	record, err := e.resources.ReadCurrent(context.Background(), models.ResourcePage, resourceID)
	require.NoError(t, err)
	value, _ := record.Fields.Get(key)
	return string(value)
}
