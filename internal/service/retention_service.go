package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/loka-go-api/internal/models"
	"github.com/noah-isme/loka-go-api/internal/repository"
)

// RetentionService clamps history lookback to the caller's tier and
// runs the archival housekeeping that flips is_archived on expired
// entries. Entries are never deleted, so chains stay verifiable.
type RetentionService interface {
	RetentionDays(ctx context.Context, userID uint) (models.SubscriptionTier, int, error)
	// ApplyRetention narrows a requested start date to the retention
	// window. It only ever narrows; unlimited tiers pass the request
	// through unchanged.
	ApplyRetention(requested *time.Time, retentionDays int) *time.Time
	ArchiveExpired(ctx context.Context, driveID, ownerID uint) (int64, error)
}

type retentionService struct {
	activities    repository.ActivityLogRepository
	subscriptions SubscriptionLookup
	clock         Clock
	logger        zerolog.Logger
}

// NewRetentionService constructs the retention policy.
func NewRetentionService(activities repository.ActivityLogRepository, subscriptions SubscriptionLookup, clock Clock, logger zerolog.Logger) RetentionService {
	if clock == nil {
		clock = SystemClock()
	}
	return &retentionService{
		activities:    activities,
		subscriptions: subscriptions,
		clock:         clock,
		logger:        logger.With().Str("component", "retention_service").Logger(),
	}
}

func (s *retentionService) RetentionDays(ctx context.Context, userID uint) (models.SubscriptionTier, int, error) {
	tier, err := s.subscriptions.Tier(ctx, userID)
	if err != nil {
		return "", 0, err
	}
	return tier, tier.RetentionDays(), nil
}

func (s *retentionService) ApplyRetention(requested *time.Time, retentionDays int) *time.Time {
	if retentionDays <= 0 {
		return requested
	}

	earliest := s.clock.Now().AddDate(0, 0, -retentionDays)
	if requested == nil || requested.Before(earliest) {
		return &earliest
	}
	return requested
}

func (s *retentionService) ArchiveExpired(ctx context.Context, driveID, ownerID uint) (int64, error) {
	_, days, err := s.RetentionDays(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if days <= 0 {
		return 0, nil
	}

	cutoff := s.clock.Now().AddDate(0, 0, -days)
	archived, err := s.activities.ArchiveOlderThan(ctx, driveID, cutoff)
	if err != nil {
		return 0, err
	}
	if archived > 0 {
		s.logger.Info().Uint("drive_id", driveID).Int64("archived", archived).Msg("archived expired activities")
	}
	return archived, nil
}
