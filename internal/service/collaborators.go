package service

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/loka-go-api/internal/models"
	"github.com/noah-isme/loka-go-api/internal/repository"
)

// PermissionChecker decides whether a user may modify a resource. Rule
// evaluation lives outside the engine; this is the seam it calls.
type PermissionChecker interface {
	CanEdit(ctx context.Context, userID uint, resourceType models.ResourceType, resourceID uint, driveID *uint) (bool, error)
}

// SubscriptionLookup resolves a user's billing tier.
type SubscriptionLookup interface {
	Tier(ctx context.Context, userID uint) (models.SubscriptionTier, error)
}

// Clock abstracts time so retention and timestamps are deterministic
// in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

type drivePermissionChecker struct {
	members   repository.DriveMemberRepository
	resources repository.ResourceRepository
}

// NewDrivePermissionChecker checks edit rights through drive
// membership roles. Resources without a drive are not editable through
// this checker.
func NewDrivePermissionChecker(members repository.DriveMemberRepository, resources repository.ResourceRepository) PermissionChecker {
	return &drivePermissionChecker{members: members, resources: resources}
}

func (c *drivePermissionChecker) CanEdit(ctx context.Context, userID uint, resourceType models.ResourceType, resourceID uint, driveID *uint) (bool, error) {
	if resourceType == models.ResourceDrive {
		driveID = &resourceID
	}
	if driveID == nil {
		record, err := c.resources.ReadCurrent(ctx, resourceType, resourceID)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return false, nil
		case err != nil:
			return false, err
		}
		driveID = record.DriveID
	}
	if driveID == nil {
		return false, nil
	}

	role, err := c.members.RoleOf(ctx, userID, *driveID)
	if err != nil {
		return false, err
	}
	return role.CanEdit(), nil
}

type subscriptionLookup struct {
	subscriptions repository.SubscriptionRepository
}

// NewSubscriptionLookup adapts the subscription repository to the
// engine's tier seam.
func NewSubscriptionLookup(subscriptions repository.SubscriptionRepository) SubscriptionLookup {
	return &subscriptionLookup{subscriptions: subscriptions}
}

func (l *subscriptionLookup) Tier(ctx context.Context, userID uint) (models.SubscriptionTier, error) {
	return l.subscriptions.TierOf(ctx, userID)
}
