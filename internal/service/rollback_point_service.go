package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/loka-go-api/internal/dto"
	"github.com/noah-isme/loka-go-api/internal/models"
	"github.com/noah-isme/loka-go-api/internal/observability"
	"github.com/noah-isme/loka-go-api/internal/repository"
	"github.com/noah-isme/loka-go-api/pkg/ai"
)

// ErrPermissionDenied marks a caller without edit rights on the scope.
var ErrPermissionDenied = errors.New("permission denied")

// errPointAborted forces the outer transaction to roll back when a
// batch hits an unforced conflict; the prepared result survives it.
var errPointAborted = errors.New("rollback to point aborted")

// RollbackToPointService reverts every eligible activity from a target
// point forward to the present, atomically: the first unforced
// conflict aborts the whole batch with zero mutations.
type RollbackToPointService interface {
	Preview(ctx context.Context, req dto.RollbackToPointRequest) (dto.RollbackToPointPreview, error)
	Execute(ctx context.Context, req dto.RollbackToPointRequest) (dto.RollbackToPointResult, error)
}

type rollbackToPointService struct {
	activities  repository.ActivityLogRepository
	resources   repository.ResourceRepository
	uow         repository.UnitOfWork
	permissions PermissionChecker
	clock       Clock
	summarizer  ai.Summarizer
	validator   *validator.Validate
	logger      zerolog.Logger
	tracer      trace.Tracer
}

// NewRollbackToPointService constructs the batch reversal engine. The
// summarizer is optional; previews fall back to a deterministic
// summary when it is nil or failing.
func NewRollbackToPointService(
	activities repository.ActivityLogRepository,
	resources repository.ResourceRepository,
	uow repository.UnitOfWork,
	permissions PermissionChecker,
	clock Clock,
	summarizer ai.Summarizer,
	validate *validator.Validate,
	logger zerolog.Logger,
) RollbackToPointService {
	if clock == nil {
		clock = SystemClock()
	}
	return &rollbackToPointService{
		activities:  activities,
		resources:   resources,
		uow:         uow,
		permissions: permissions,
		clock:       clock,
		summarizer:  summarizer,
		validator:   validate,
		logger:      logger.With().Str("component", "rollback_point_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/loka-go-api/internal/service/rollback_point"),
	}
}

// pointItem is one activity evaluated for the batch, newest first
// during evaluation, chronological in the preview output.
type pointItem struct {
	entry          models.Activity
	action         reversalAction
	targetValues   models.FieldValues
	currentValues  models.FieldValues
	canRevert      bool
	reason         string
	conflictFields []string
}

func (s *rollbackToPointService) Preview(ctx context.Context, req dto.RollbackToPointRequest) (dto.RollbackToPointPreview, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.RollbackToPointPreview{}, err
	}

	ctx, span := s.tracer.Start(ctx, "rollback_point.preview",
		trace.WithAttributes(attribute.Int64("activity.id", int64(req.ActivityID))))
	defer span.End()

	target, entries, err := s.loadScope(ctx, s.activities, req, false)
	if err != nil {
		return dto.RollbackToPointPreview{}, err
	}

	items, err := s.evaluateBatch(ctx, s.activities, s.resources, entries, req.Force)
	if err != nil {
		return dto.RollbackToPointPreview{}, err
	}

	preview := dto.RollbackToPointPreview{Warnings: []string{}}
	skipped := 0
	changeLines := make([]string, 0, len(items))
	// Items were evaluated newest-first; the preview lists them
	// chronologically from the target to now.
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		preview.ActivitiesAffected = append(preview.ActivitiesAffected, dto.PointActivity{
			ActivityID:     item.entry.ID,
			Timestamp:      item.entry.Timestamp,
			Operation:      string(item.entry.Operation),
			ResourceType:   string(item.entry.ResourceType),
			ResourceID:     item.entry.ResourceID,
			ResourceTitle:  item.entry.ResourceTitle,
			CanRevert:      item.canRevert,
			Reason:         item.reason,
			ConflictFields: item.conflictFields,
		})
		if !item.canRevert {
			skipped++
			continue
		}
		changeLines = append(changeLines, fmt.Sprintf("%s on %s %q reverting fields %s",
			item.entry.Operation, item.entry.ResourceType, item.entry.ResourceTitle,
			strings.Join(item.targetValues.Keys(), ", ")))
	}

	if skipped > 0 {
		preview.Warnings = append(preview.Warnings,
			fmt.Sprintf("%d of %d changes cannot be auto-reverted", skipped, len(items)))
	}
	for _, item := range items {
		if len(item.conflictFields) > 0 && !req.Force {
			preview.Warnings = append(preview.Warnings, fmt.Sprintf(
				"Activity %d has conflicting fields: %s", item.entry.ID, strings.Join(item.conflictFields, ", ")))
		}
	}

	preview.Summary = s.summarize(ctx, target, changeLines, skipped)

	return preview, nil
}

func (s *rollbackToPointService) Execute(ctx context.Context, req dto.RollbackToPointRequest) (dto.RollbackToPointResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.RollbackToPointResult{}, err
	}

	ctx, span := s.tracer.Start(ctx, "rollback_point.execute",
		trace.WithAttributes(
			attribute.Int64("activity.id", int64(req.ActivityID)),
			attribute.Bool("force", req.Force),
		))
	defer span.End()

	start := time.Now()
	var result dto.RollbackToPointResult

	// Serialize with other executions targeting the same point, in
	// process here and on the target row lock inside the transaction.
	executionLocks.Lock(req.ActivityID)
	defer executionLocks.Unlock(req.ActivityID)

	err := s.uow.Do(ctx, func(tx repository.Tx) error {
		_, entries, err := s.loadScope(ctx, tx.Activities(), req, true)
		if err != nil {
			return err
		}

		warnings := []string{}
		applied := 0

		// Reverse chronological order: dependent edits unwind
		// correctly only when the most recent change is reverted
		// first.
		for i := len(entries) - 1; i >= 0; i-- {
			entry := entries[i]

			item, err := s.evaluateOne(ctx, tx.Activities(), tx.Resources(), entry, req.Force, nil, true)
			if err != nil {
				return err
			}
			if !item.canRevert {
				if len(item.conflictFields) > 0 {
					// An unforced conflict aborts the whole batch.
					result = dto.RollbackToPointResult{
						Success:              false,
						Message:              "Rollback to point aborted; no changes were applied",
						ActivitiesRolledBack: 0,
						Warnings:             warnings,
						Errors: []string{fmt.Sprintf(
							"activity %d: conflicting fields %s", entry.ID, strings.Join(item.conflictFields, ", "))},
					}
					return errPointAborted
				}
				warnings = append(warnings, fmt.Sprintf("activity %d skipped: %s", entry.ID, item.reason))
				continue
			}

			if err := s.applyItem(ctx, tx.Resources(), item); err != nil {
				return err
			}

			reversal := s.buildReversal(req, item)
			if err := tx.Activities().Append(ctx, &reversal); err != nil {
				return err
			}
			applied++
		}

		result = dto.RollbackToPointResult{
			Success:              true,
			Message:              fmt.Sprintf("Rolled back %d activities", applied),
			ActivitiesRolledBack: applied,
			Warnings:             warnings,
		}
		return nil
	})
	switch {
	case errors.Is(err, errPointAborted):
		observability.RollbackRequests().WithLabelValues("rollback_to_point", "aborted").Inc()
		return result, nil
	case err != nil:
		observability.RollbackRequests().WithLabelValues("rollback_to_point", "error").Inc()
		s.logger.Error().Err(err).Uint("activity_id", req.ActivityID).Msg("rollback to point failed")
		return dto.RollbackToPointResult{}, err
	}

	observability.RollbackRequests().WithLabelValues("rollback_to_point", "applied").Inc()
	observability.RollbackLatency().WithLabelValues("rollback_to_point").Observe(time.Since(start).Seconds())

	return result, nil
}

// loadScope loads the target activity, authorizes the caller, and
// returns every activity from the target forward within the same
// resource or drive scope, oldest first. Executions load the target
// under a row lock so concurrent runs against the same point queue.
func (s *rollbackToPointService) loadScope(
	ctx context.Context,
	activities repository.ActivityLogRepository,
	req dto.RollbackToPointRequest,
	lock bool,
) (models.Activity, []models.Activity, error) {
	var target models.Activity
	var err error
	if lock {
		target, err = activities.GetByIDForUpdate(ctx, req.ActivityID)
	} else {
		target, err = activities.GetByID(ctx, req.ActivityID)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Activity{}, nil, ErrActivityNotFound
	}
	if err != nil {
		return models.Activity{}, nil, err
	}

	allowed, err := s.permissions.CanEdit(ctx, req.UserID, target.ResourceType, target.ResourceID, target.DriveID)
	if err != nil {
		return models.Activity{}, nil, err
	}
	if !allowed {
		return models.Activity{}, nil, ErrPermissionDenied
	}

	scope := repository.ActivityScope{}
	if target.DriveID != nil {
		scope.DriveID = target.DriveID
	} else {
		resourceID := target.ResourceID
		scope.ResourceID = &resourceID
	}

	entries, err := activities.ListSince(ctx, scope, target.Timestamp)
	if err != nil {
		return models.Activity{}, nil, err
	}
	return target, entries, nil
}

// evaluateBatch dry-runs the whole set newest-first against an
// in-memory overlay of the live resource fields, so stacked edits to
// the same field do not read as conflicts: each reversion is projected
// onto the overlay before the next older activity is checked.
func (s *rollbackToPointService) evaluateBatch(
	ctx context.Context,
	activities repository.ActivityLogRepository,
	resources repository.ResourceRepository,
	entries []models.Activity,
	force bool,
) ([]pointItem, error) {
	overlay := map[string]models.FieldValues{}
	items := make([]pointItem, 0, len(entries))

	for i := len(entries) - 1; i >= 0; i-- {
		item, err := s.evaluateOne(ctx, activities, resources, entries[i], force, overlay, false)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// evaluateOne runs eligibility and conflict detection for one entry.
// With an overlay map the live reads are projected through previous
// (simulated) reversions; without one it reads the store directly.
func (s *rollbackToPointService) evaluateOne(
	ctx context.Context,
	activities repository.ActivityLogRepository,
	resources repository.ResourceRepository,
	entry models.Activity,
	force bool,
	overlay map[string]models.FieldValues,
	lock bool,
) (pointItem, error) {
	item := pointItem{entry: entry}

	kind := entry.ReversalKind()
	if kind == models.ReversalNone {
		item.reason = fmt.Sprintf("operation %q cannot be auto-reverted", entry.Operation)
		return item, nil
	}

	// An entry whose rollback already exists (and was not redone) is
	// left alone rather than reverted a second time. Executions take a
	// row lock on the lookup so a duplicate run sees reversals the
	// other run committed.
	existing, err := activities.FindReversal(ctx, entry.ID, models.OperationRollback, lock)
	if err != nil {
		return pointItem{}, err
	}
	if existing != nil {
		redone, err := activities.FindReversal(ctx, existing.ID, models.OperationRedo, false)
		if err != nil {
			return pointItem{}, err
		}
		if redone == nil {
			item.reason = "already rolled back"
			return item, nil
		}
	}

	switch kind {
	case models.ReversalTrash:
		item.action = actionTrash
		item.targetValues = models.FieldValues{}
	case models.ReversalRestore:
		item.action = actionRestore
		item.targetValues = entry.PreviousValues.Clone()
	default:
		item.action = actionPatch
		item.targetValues = entry.PreviousValues.Clone()
		if item.targetValues.Len() == 0 {
			item.reason = "no previous values recorded"
			return item, nil
		}
	}

	live, err := s.liveFields(ctx, resources, entry, overlay)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			item.reason = "resource no longer exists"
			return item, nil
		}
		return pointItem{}, err
	}

	current := models.FieldValues{}
	for _, pair := range entry.NewValues {
		liveValue, _ := live.Get(pair.Key)
		current.Set(pair.Key, liveValue)
		if !models.JSONEqual(liveValue, pair.Value) {
			item.conflictFields = append(item.conflictFields, pair.Key)
		}
	}
	item.currentValues = current

	if len(item.conflictFields) > 0 && !force {
		item.reason = "live values diverged"
		return item, nil
	}

	item.canRevert = true

	if overlay != nil {
		merged := live.Clone()
		for _, pair := range item.targetValues {
			merged.Set(pair.Key, pair.Value)
		}
		overlay[resourceKeyOf(entry)] = merged
	}

	return item, nil
}

func (s *rollbackToPointService) liveFields(
	ctx context.Context,
	resources repository.ResourceRepository,
	entry models.Activity,
	overlay map[string]models.FieldValues,
) (models.FieldValues, error) {
	if overlay != nil {
		if fields, ok := overlay[resourceKeyOf(entry)]; ok {
			return fields, nil
		}
	}
	record, err := resources.ReadCurrent(ctx, entry.ResourceType, entry.ResourceID)
	if err != nil {
		return nil, err
	}
	if overlay != nil {
		overlay[resourceKeyOf(entry)] = record.Fields
	}
	return record.Fields, nil
}

func resourceKeyOf(entry models.Activity) string {
	return fmt.Sprintf("%s/%d", entry.ResourceType, entry.ResourceID)
}

func (s *rollbackToPointService) applyItem(ctx context.Context, resources repository.ResourceRepository, item pointItem) error {
	entry := item.entry
	switch item.action {
	case actionTrash:
		return resources.Trash(ctx, entry.ResourceType, entry.ResourceID)
	case actionRestore:
		return resources.Restore(ctx, entry.ResourceType, entry.ResourceID, item.targetValues)
	default:
		return resources.PatchFields(ctx, entry.ResourceType, entry.ResourceID, item.targetValues)
	}
}

func (s *rollbackToPointService) buildReversal(req dto.RollbackToPointRequest, item pointItem) models.Activity {
	entry := item.entry
	actorID := req.UserID
	sourceID := entry.ID
	return models.Activity{
		Timestamp:               s.clock.Now(),
		ActorID:                 &actorID,
		ActorName:               req.ActorName,
		ActorEmail:              req.ActorEmail,
		Operation:               models.OperationRollback,
		ResourceType:            entry.ResourceType,
		ResourceID:              entry.ResourceID,
		ResourceTitle:           entry.ResourceTitle,
		DriveID:                 entry.DriveID,
		PageID:                  entry.PageID,
		UpdatedFields:           item.targetValues.Keys(),
		PreviousValues:          item.currentValues,
		NewValues:               item.targetValues,
		RollbackFromActivityID:  &sourceID,
		RollbackSourceOperation: entry.Operation,
	}
}

func (s *rollbackToPointService) summarize(ctx context.Context, target models.Activity, changeLines []string, skipped int) string {
	fallback := fmt.Sprintf("Reverting %d change(s) to %s %q", len(changeLines), target.ResourceType, target.ResourceTitle)
	if skipped > 0 {
		fallback = fmt.Sprintf("%s; %d change(s) skipped", fallback, skipped)
	}
	if s.summarizer == nil || len(changeLines) == 0 {
		return fallback
	}

	summary, err := s.summarizer.Summarize(ctx, ai.SummaryInput{
		ResourceTitle: target.ResourceTitle,
		ChangeLines:   changeLines,
		Skipped:       skipped,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("summarizer unavailable, using fallback summary")
		return fallback
	}
	return summary
}
