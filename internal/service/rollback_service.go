package service

import (
	"context"
	"encoding/json"
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
)

var (
	// ErrActivityNotFound marks a missing rollback target.
	ErrActivityNotFound = errors.New("activity not found")
)

const (
	reasonActivityNotFound = "Activity not found"
	reasonAccessDenied     = "You do not have permission to modify this resource"
	reasonResourceNotFound = "Resource no longer exists"
	messageAlreadyRolled   = "Already rolled back"
	messageAlreadyRedone   = "Already redone"
)

// RollbackService previews and executes single-activity rollbacks and
// redos. Previews never mutate; executions run inside one transaction
// with a locking idempotency read, so repeated or concurrent calls
// against the same source activity converge to one recorded outcome.
type RollbackService interface {
	PreviewRollback(ctx context.Context, req dto.RollbackRequest) (dto.RollbackPreview, error)
	ExecuteRollback(ctx context.Context, req dto.RollbackRequest) (dto.RollbackResult, error)
	PreviewRedo(ctx context.Context, req dto.RollbackRequest) (dto.RollbackPreview, error)
	ExecuteRedo(ctx context.Context, req dto.RollbackRequest) (dto.RollbackResult, error)
}

type rollbackService struct {
	activities  repository.ActivityLogRepository
	resources   repository.ResourceRepository
	uow         repository.UnitOfWork
	permissions PermissionChecker
	clock       Clock
	validator   *validator.Validate
	logger      zerolog.Logger
	tracer      trace.Tracer
}

// NewRollbackService constructs the rollback/redo engine.
func NewRollbackService(
	activities repository.ActivityLogRepository,
	resources repository.ResourceRepository,
	uow repository.UnitOfWork,
	permissions PermissionChecker,
	clock Clock,
	validate *validator.Validate,
	logger zerolog.Logger,
) RollbackService {
	if clock == nil {
		clock = SystemClock()
	}
	return &rollbackService{
		activities:  activities,
		resources:   resources,
		uow:         uow,
		permissions: permissions,
		clock:       clock,
		validator:   validate,
		logger:      logger.With().Str("component", "rollback_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/loka-go-api/internal/service/rollback"),
	}
}

// reversalMode distinguishes undoing an original activity from undoing
// a rollback.
type reversalMode int

const (
	modeRollback reversalMode = iota
	modeRedo
)

func (m reversalMode) operation() models.Operation {
	if m == modeRedo {
		return models.OperationRedo
	}
	return models.OperationRollback
}

func (m reversalMode) label() string {
	if m == modeRedo {
		return "redo"
	}
	return "rollback"
}

// reversalAction is what applying the reversal does to the resource.
type reversalAction int

const (
	actionPatch reversalAction = iota
	actionTrash
	actionRestore
)

// reversalPlan is the outcome of the five-step evaluation pipeline
// shared by preview and execute.
type reversalPlan struct {
	target         models.Activity
	action         reversalAction
	existing       *models.Activity
	canExecute     bool
	reason         string
	warnings       []string
	hasConflict    bool
	conflictFields []string
	requiresForce  bool
	isNoOp         bool
	current        models.FieldValues
	targetValues   models.FieldValues
}

func (s *rollbackService) PreviewRollback(ctx context.Context, req dto.RollbackRequest) (dto.RollbackPreview, error) {
	return s.preview(ctx, req, modeRollback)
}

func (s *rollbackService) PreviewRedo(ctx context.Context, req dto.RollbackRequest) (dto.RollbackPreview, error) {
	return s.preview(ctx, req, modeRedo)
}

func (s *rollbackService) ExecuteRollback(ctx context.Context, req dto.RollbackRequest) (dto.RollbackResult, error) {
	return s.execute(ctx, req, modeRollback)
}

func (s *rollbackService) ExecuteRedo(ctx context.Context, req dto.RollbackRequest) (dto.RollbackResult, error) {
	return s.execute(ctx, req, modeRedo)
}

func (s *rollbackService) preview(ctx context.Context, req dto.RollbackRequest, mode reversalMode) (dto.RollbackPreview, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.RollbackPreview{}, err
	}

	ctx, span := s.tracer.Start(ctx, "rollback.preview",
		trace.WithAttributes(
			attribute.Int64("activity.id", int64(req.ActivityID)),
			attribute.String("reversal.mode", mode.label()),
		))
	defer span.End()

	plan, err := s.evaluate(ctx, s.activities, s.resources, req, mode, false)
	if err != nil {
		observability.RollbackRequests().WithLabelValues(mode.label(), "error").Inc()
		return dto.RollbackPreview{}, err
	}

	observability.RollbackRequests().WithLabelValues(mode.label(), "preview").Inc()
	return s.previewFromPlan(plan), nil
}

func (s *rollbackService) execute(ctx context.Context, req dto.RollbackRequest, mode reversalMode) (dto.RollbackResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.RollbackResult{}, err
	}

	ctx, span := s.tracer.Start(ctx, "rollback.execute",
		trace.WithAttributes(
			attribute.Int64("activity.id", int64(req.ActivityID)),
			attribute.String("reversal.mode", mode.label()),
			attribute.Bool("force", req.Force),
		))
	defer span.End()

	start := time.Now()
	var result dto.RollbackResult

	// Same-target executions serialize here within the process and on
	// the source row lock inside the transaction across processes, so a
	// concurrent duplicate observes the winner's committed reversal
	// instead of racing to insert a second one.
	executionLocks.Lock(req.ActivityID)
	defer executionLocks.Unlock(req.ActivityID)

	err := s.uow.Do(ctx, func(tx repository.Tx) error {
		// The full pipeline re-runs inside the transaction with
		// locking reads.
		plan, err := s.evaluate(ctx, tx.Activities(), tx.Resources(), req, mode, true)
		if err != nil {
			return err
		}

		if plan.isNoOp {
			message := messageAlreadyRolled
			if mode == modeRedo {
				message = messageAlreadyRedone
			}
			result = dto.RollbackResult{
				Success:            true,
				Message:            message,
				Warnings:           []string{},
				IsNoOp:             true,
				RollbackActivityID: plan.existing.ID,
				RestoredValues:     plan.existing.NewValues,
			}
			return nil
		}

		if !plan.canExecute {
			result = dto.RollbackResult{Success: false, Message: plan.reason, Warnings: plan.warnings}
			return nil
		}

		if plan.hasConflict && !req.Force {
			result = dto.RollbackResult{
				Success:  false,
				Message:  fmt.Sprintf("Live values changed since this activity (%s); retry with force to override", strings.Join(plan.conflictFields, ", ")),
				Warnings: plan.warnings,
			}
			return nil
		}

		if err := s.apply(ctx, tx.Resources(), plan); err != nil {
			return err
		}

		reversal := s.buildReversal(req, plan, mode)
		if err := tx.Activities().Append(ctx, &reversal); err != nil {
			return err
		}

		result = dto.RollbackResult{
			Success:            true,
			Message:            fmt.Sprintf("Reverted %s on %s %q", plan.target.Operation, plan.target.ResourceType, plan.target.ResourceTitle),
			Warnings:           plan.warnings,
			RollbackActivityID: reversal.ID,
			RestoredValues:     plan.targetValues,
		}
		return nil
	})
	if err != nil {
		observability.RollbackRequests().WithLabelValues(mode.label(), "error").Inc()
		s.logger.Error().Err(err).Uint("activity_id", req.ActivityID).Str("mode", mode.label()).Msg("reversal transaction failed")
		return dto.RollbackResult{}, err
	}

	status := "rejected"
	if result.Success {
		status = "applied"
	}
	observability.RollbackRequests().WithLabelValues(mode.label(), status).Inc()
	observability.RollbackLatency().WithLabelValues(mode.label()).Observe(time.Since(start).Seconds())

	return result, nil
}

// evaluate runs the shared pipeline: load, authorize, eligibility,
// idempotency, conflict detection. Business outcomes land in the plan;
// only infrastructure failures surface as errors.
func (s *rollbackService) evaluate(
	ctx context.Context,
	activities repository.ActivityLogRepository,
	resources repository.ResourceRepository,
	req dto.RollbackRequest,
	mode reversalMode,
	lock bool,
) (reversalPlan, error) {
	plan := reversalPlan{warnings: []string{}}

	// Executions load the source row under FOR UPDATE; a concurrent
	// duplicate blocks here until the winner commits, then the reversal
	// lookup below sees the winner's row.
	var target models.Activity
	var err error
	if lock {
		target, err = activities.GetByIDForUpdate(ctx, req.ActivityID)
	} else {
		target, err = activities.GetByID(ctx, req.ActivityID)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		plan.reason = reasonActivityNotFound
		return plan, nil
	}
	if err != nil {
		return plan, err
	}
	plan.target = target

	allowed, err := s.permissions.CanEdit(ctx, req.UserID, target.ResourceType, target.ResourceID, target.DriveID)
	if err != nil {
		return plan, err
	}
	if !allowed {
		plan.reason = reasonAccessDenied
		return plan, nil
	}

	switch mode {
	case modeRollback:
		return s.evaluateRollback(ctx, activities, resources, req, plan, lock)
	default:
		return s.evaluateRedo(ctx, activities, resources, req, plan, lock)
	}
}

func (s *rollbackService) evaluateRollback(
	ctx context.Context,
	activities repository.ActivityLogRepository,
	resources repository.ResourceRepository,
	req dto.RollbackRequest,
	plan reversalPlan,
	lock bool,
) (reversalPlan, error) {
	target := plan.target

	kind := target.ReversalKind()
	if kind == models.ReversalNone {
		plan.reason = fmt.Sprintf("Operation %q cannot be rolled back", target.Operation)
		return plan, nil
	}
	if kind == models.ReversalFieldRestore && target.PreviousValues.Len() == 0 {
		// A create with no previous values falls into ReversalTrash via
		// the dispatch table; anything else without previous values has
		// nothing to restore.
		plan.reason = "Activity recorded no previous values to restore"
		return plan, nil
	}

	// Idempotency: an existing, un-redone rollback of this activity is
	// a success, not an error.
	existing, err := activities.FindReversal(ctx, target.ID, models.OperationRollback, lock)
	if err != nil {
		return plan, err
	}
	if existing != nil {
		redone, err := activities.FindReversal(ctx, existing.ID, models.OperationRedo, false)
		if err != nil {
			return plan, err
		}
		if redone == nil {
			plan.isNoOp = true
			plan.canExecute = true
			plan.existing = existing
			plan.current = existing.NewValues
			plan.targetValues = existing.NewValues
			return plan, nil
		}
	}

	switch kind {
	case models.ReversalTrash:
		plan.action = actionTrash
		plan.targetValues = models.FieldValues{}
	case models.ReversalRestore:
		plan.action = actionRestore
		plan.targetValues = target.PreviousValues.Clone()
	default:
		plan.action = actionPatch
		plan.targetValues = target.PreviousValues.Clone()
	}

	return s.detectConflicts(ctx, resources, req, plan, target.NewValues)
}

func (s *rollbackService) evaluateRedo(
	ctx context.Context,
	activities repository.ActivityLogRepository,
	resources repository.ResourceRepository,
	req dto.RollbackRequest,
	plan reversalPlan,
	lock bool,
) (reversalPlan, error) {
	rollback := plan.target

	if rollback.Operation != models.OperationRollback || rollback.RollbackFromActivityID == nil {
		plan.reason = "Only rollback activities can be redone"
		return plan, nil
	}

	existing, err := activities.FindReversal(ctx, rollback.ID, models.OperationRedo, lock)
	if err != nil {
		return plan, err
	}
	if existing != nil {
		plan.isNoOp = true
		plan.canExecute = true
		plan.existing = existing
		plan.current = existing.NewValues
		plan.targetValues = existing.NewValues
		return plan, nil
	}

	// The redo re-applies what the rollback undid; its action is the
	// inverse of the rollback's own effect on the resource.
	sourceKind := models.ReversalFor(rollback.ResourceType, rollback.RollbackSourceOperation)
	switch sourceKind {
	case models.ReversalTrash:
		// The rollback trashed a created resource; redoing restores it.
		plan.action = actionRestore
		plan.targetValues = rollback.PreviousValues.Clone()
	case models.ReversalRestore:
		// The rollback restored a deleted resource; redoing trashes it.
		plan.action = actionTrash
		plan.targetValues = models.FieldValues{}
	default:
		plan.action = actionPatch
		plan.targetValues = rollback.PreviousValues.Clone()
	}

	return s.detectConflicts(ctx, resources, req, plan, rollback.NewValues)
}

// detectConflicts snapshots the live resource fields overlapping the
// recorded values and flags every field whose live value drifted from
// what the target activity recorded as its result. The comparison is
// optimistic: no lock is held across a preview.
func (s *rollbackService) detectConflicts(
	ctx context.Context,
	resources repository.ResourceRepository,
	req dto.RollbackRequest,
	plan reversalPlan,
	expected models.FieldValues,
) (reversalPlan, error) {
	target := plan.target

	record, err := resources.ReadCurrent(ctx, target.ResourceType, target.ResourceID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		plan.reason = reasonResourceNotFound
		return plan, nil
	}
	if err != nil {
		return plan, err
	}

	keys := expected.Keys()
	for _, key := range plan.targetValues.Keys() {
		if _, seen := expected.Get(key); !seen {
			keys = append(keys, key)
		}
	}

	current := models.FieldValues{}
	for _, key := range keys {
		live, _ := record.Fields.Get(key)
		current.Set(key, live)

		recorded, has := expected.Get(key)
		if !has {
			continue
		}
		if !models.JSONEqual(live, recorded) {
			plan.hasConflict = true
			plan.conflictFields = append(plan.conflictFields, key)
		}
	}
	plan.current = current

	if plan.hasConflict {
		if req.Force {
			plan.warnings = append(plan.warnings, fmt.Sprintf(
				"Forcing past %d conflicting field(s): %s",
				len(plan.conflictFields), strings.Join(plan.conflictFields, ", ")))
		} else {
			plan.requiresForce = true
			plan.warnings = append(plan.warnings, fmt.Sprintf(
				"Fields changed since this activity: %s", strings.Join(plan.conflictFields, ", ")))
		}
	}

	plan.canExecute = true
	return plan, nil
}

func (s *rollbackService) apply(ctx context.Context, resources repository.ResourceRepository, plan reversalPlan) error {
	target := plan.target
	switch plan.action {
	case actionTrash:
		return resources.Trash(ctx, target.ResourceType, target.ResourceID)
	case actionRestore:
		return resources.Restore(ctx, target.ResourceType, target.ResourceID, plan.targetValues)
	default:
		return resources.PatchFields(ctx, target.ResourceType, target.ResourceID, plan.targetValues)
	}
}

func (s *rollbackService) buildReversal(req dto.RollbackRequest, plan reversalPlan, mode reversalMode) models.Activity {
	target := plan.target
	sourceOperation := target.Operation
	if mode == modeRedo {
		sourceOperation = models.OperationRollback
	}

	actorID := req.UserID
	return models.Activity{
		Timestamp:               s.clock.Now(),
		ActorID:                 &actorID,
		ActorName:               req.ActorName,
		ActorEmail:              req.ActorEmail,
		Operation:               mode.operation(),
		ResourceType:            target.ResourceType,
		ResourceID:              target.ResourceID,
		ResourceTitle:           target.ResourceTitle,
		DriveID:                 target.DriveID,
		PageID:                  target.PageID,
		UpdatedFields:           plan.targetValues.Keys(),
		PreviousValues:          plan.current,
		NewValues:               plan.targetValues,
		RollbackFromActivityID:  &target.ID,
		RollbackSourceOperation: sourceOperation,
	}
}

func (s *rollbackService) previewFromPlan(plan reversalPlan) dto.RollbackPreview {
	preview := dto.RollbackPreview{
		CanExecute:     plan.canExecute,
		Reason:         plan.reason,
		Warnings:       plan.warnings,
		HasConflict:    plan.hasConflict,
		ConflictFields: plan.conflictFields,
		RequiresForce:  plan.requiresForce,
		IsNoOp:         plan.isNoOp,
		CurrentValues:  plan.current,
		TargetValues:   plan.targetValues,
		Changes:        []dto.ChangeSummary{},
	}

	if plan.existing != nil {
		id := plan.existing.ID
		preview.RollbackActivityID = &id
	}

	if plan.target.ID != 0 {
		preview.AffectedResources = []dto.AffectedResource{{
			ResourceType:  string(plan.target.ResourceType),
			ResourceID:    plan.target.ResourceID,
			ResourceTitle: plan.target.ResourceTitle,
		}}
	}

	if plan.canExecute && !plan.isNoOp {
		for _, pair := range plan.targetValues {
			from, _ := plan.current.Get(pair.Key)
			preview.Changes = append(preview.Changes, dto.ChangeSummary{
				Field: pair.Key,
				From:  renderJSONValue(from),
				To:    renderJSONValue(pair.Value),
			})
		}
		if plan.action == actionTrash {
			preview.Changes = append(preview.Changes, dto.ChangeSummary{
				Field: "_lifecycle",
				From:  "active",
				To:    "trashed",
			})
		}
		if plan.action == actionRestore {
			preview.Changes = append(preview.Changes, dto.ChangeSummary{
				Field: "_lifecycle",
				From:  "trashed",
				To:    "active",
			})
		}
	}

	return preview
}

func renderJSONValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}
