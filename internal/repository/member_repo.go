package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/noah-isme/loka-go-api/internal/models"
)

// DriveMemberRepository answers membership role lookups.
type DriveMemberRepository interface {
	RoleOf(ctx context.Context, userID, driveID uint) (models.DriveMemberRole, error)
}

// SubscriptionRepository answers billing tier lookups.
type SubscriptionRepository interface {
	TierOf(ctx context.Context, userID uint) (models.SubscriptionTier, error)
}

type driveMemberRepository struct {
	db *gorm.DB
}

// NewDriveMemberRepository constructs the membership lookup.
func NewDriveMemberRepository(db *gorm.DB) DriveMemberRepository {
	return &driveMemberRepository{db: db}
}

func (r *driveMemberRepository) RoleOf(ctx context.Context, userID, driveID uint) (models.DriveMemberRole, error) {
	var member models.DriveMember
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND drive_id = ?", userID, driveID).
		First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return member.Role, nil
}

type subscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository constructs the tier lookup.
func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func (r *subscriptionRepository) TierOf(ctx context.Context, userID uint) (models.SubscriptionTier, error) {
	var subscription models.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Users without a subscription row ride the free tier.
		return models.TierFree, nil
	}
	if err != nil {
		return "", err
	}
	return subscription.Tier, nil
}
