package handler

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/loka-go-api/internal/dto"
	"github.com/noah-isme/loka-go-api/internal/service"
	"github.com/noah-isme/loka-go-api/internal/utils"
)

// RollbackHandler serves the rollback engine endpoints. Previews never
// mutate; executions invalidate the history cache and fan out events.
type RollbackHandler struct {
	rollback   service.RollbackService
	toPoint    service.RollbackToPointService
	activities service.ActivityService
	events     service.ActivityEventService
	logger     zerolog.Logger
}

// NewRollbackHandler constructs the handler instance.
func NewRollbackHandler(
	rollback service.RollbackService,
	toPoint service.RollbackToPointService,
	activities service.ActivityService,
	events service.ActivityEventService,
	logger zerolog.Logger,
) *RollbackHandler {
	return &RollbackHandler{
		rollback:   rollback,
		toPoint:    toPoint,
		activities: activities,
		events:     events,
		logger:     logger.With().Str("component", "rollback_handler").Logger(),
	}
}

// Register wires the rollback routes.
func (h *RollbackHandler) Register(router fiber.Router, executeGuard fiber.Handler) {
	router.Post("/preview", h.previewRollback)
	router.Post("/redo/preview", h.previewRedo)
	router.Post("/point/preview", h.previewToPoint)

	execute := router.Group("")
	if executeGuard != nil {
		execute.Use(executeGuard)
	}
	execute.Post("/execute", h.executeRollback)
	execute.Post("/redo/execute", h.executeRedo)
	execute.Post("/point/execute", h.executeToPoint)
}

func (h *RollbackHandler) previewRollback(c *fiber.Ctx) error {
	req, err := h.parseRequest(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	preview, err := h.rollback.PreviewRollback(c.UserContext(), req)
	return h.respondPreview(c, preview, err, "rollback preview")
}

func (h *RollbackHandler) previewRedo(c *fiber.Ctx) error {
	req, err := h.parseRequest(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	preview, err := h.rollback.PreviewRedo(c.UserContext(), req)
	return h.respondPreview(c, preview, err, "redo preview")
}

func (h *RollbackHandler) executeRollback(c *fiber.Ctx) error {
	req, err := h.parseRequest(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	result, err := h.rollback.ExecuteRollback(c.UserContext(), req)
	return h.respondResult(c, req, result, err, "rollback")
}

func (h *RollbackHandler) executeRedo(c *fiber.Ctx) error {
	req, err := h.parseRequest(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	result, err := h.rollback.ExecuteRedo(c.UserContext(), req)
	return h.respondResult(c, req, result, err, "redo")
}

func (h *RollbackHandler) previewToPoint(c *fiber.Ctx) error {
	req, err := h.parsePointRequest(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	preview, err := h.toPoint.Preview(c.UserContext(), req)
	if err != nil {
		return h.mapServiceError(c, err, "rollback-to-point preview")
	}

	return utils.SendSuccess(c, "rollback-to-point preview", preview)
}

func (h *RollbackHandler) executeToPoint(c *fiber.Ctx) error {
	req, err := h.parsePointRequest(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	result, err := h.toPoint.Execute(c.UserContext(), req)
	if err != nil {
		return h.mapServiceError(c, err, "rollback-to-point")
	}

	if result.Success && result.ActivitiesRolledBack > 0 {
		h.afterExecution(c, req.ActivityID)
	}

	return utils.SendSuccess(c, "rollback-to-point completed", result)
}

func (h *RollbackHandler) parseRequest(c *fiber.Ctx) (dto.RollbackRequest, error) {
	var req dto.RollbackRequest
	if err := c.BodyParser(&req); err != nil {
		return dto.RollbackRequest{}, errors.New("invalid request body")
	}
	if req.UserID == 0 {
		req.UserID = userIDFromContext(c)
	}
	if req.ActivityID == 0 {
		return dto.RollbackRequest{}, errors.New("activity_id required")
	}
	if req.UserID == 0 {
		return dto.RollbackRequest{}, errors.New("authentication required")
	}
	return req, nil
}

func (h *RollbackHandler) parsePointRequest(c *fiber.Ctx) (dto.RollbackToPointRequest, error) {
	var req dto.RollbackToPointRequest
	if err := c.BodyParser(&req); err != nil {
		return dto.RollbackToPointRequest{}, errors.New("invalid request body")
	}
	if req.UserID == 0 {
		req.UserID = userIDFromContext(c)
	}
	if req.ActivityID == 0 {
		return dto.RollbackToPointRequest{}, errors.New("activity_id required")
	}
	if req.UserID == 0 {
		return dto.RollbackToPointRequest{}, errors.New("authentication required")
	}
	return req, nil
}

func (h *RollbackHandler) respondPreview(c *fiber.Ctx, preview dto.RollbackPreview, err error, label string) error {
	if err != nil {
		return h.mapServiceError(c, err, label)
	}
	return utils.SendSuccess(c, label, preview)
}

func (h *RollbackHandler) respondResult(c *fiber.Ctx, req dto.RollbackRequest, result dto.RollbackResult, err error, label string) error {
	if err != nil {
		return h.mapServiceError(c, err, label)
	}

	// Idempotent no-ops wrote nothing, so there is no cache to bump and
	// no event to fan out.
	if result.Success && !result.IsNoOp {
		reversalID := result.RollbackActivityID
		if reversalID == 0 {
			reversalID = req.ActivityID
		}
		h.afterExecution(c, reversalID)
	}

	return utils.SendSuccess(c, label+" completed", result)
}

// afterExecution runs the post-commit side effects: bump the history
// cache version and fan out the reversal entry to stream subscribers.
func (h *RollbackHandler) afterExecution(c *fiber.Ctx, targetID uint) {
	ctx := c.UserContext()

	target, err := h.activities.GetByID(ctx, targetID)
	if err != nil {
		requestLogger(h.logger, c).Warn().Err(err).Uint("activity_id", targetID).Msg("failed to reload activity after execution")
		return
	}

	h.activities.InvalidateHistory(ctx, target.ResourceID)

	if h.events != nil && target.DriveID != nil {
		h.events.Publish(ctx, *target.DriveID, target)
	}
}

func (h *RollbackHandler) mapServiceError(c *fiber.Ctx, err error, label string) error {
	var fieldErrors validator.ValidationErrors
	switch {
	case errors.Is(err, service.ErrValidation):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.As(err, &fieldErrors):
		details := make([]string, 0, len(fieldErrors))
		for _, fe := range fieldErrors {
			details = append(details, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
		return utils.SendErrorWithDetails(c, fiber.StatusBadRequest, "invalid request", details)
	case errors.Is(err, service.ErrActivityNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "activity not found")
	case errors.Is(err, service.ErrPermissionDenied):
		return utils.SendError(c, fiber.StatusForbidden, "permission denied")
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg(label + " failed")
		return utils.SendError(c, fiber.StatusInternalServerError, label+" failed")
	}
}
