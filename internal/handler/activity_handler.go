package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/loka-go-api/internal/dto"
	"github.com/noah-isme/loka-go-api/internal/middleware"
	"github.com/noah-isme/loka-go-api/internal/service"
	"github.com/noah-isme/loka-go-api/internal/utils"
)

// ActivityHandler serves the audit log endpoints.
type ActivityHandler struct {
	activities service.ActivityService
	retention  service.RetentionService
	events     service.ActivityEventService
	logger     zerolog.Logger
}

// NewActivityHandler constructs the handler instance.
func NewActivityHandler(
	activities service.ActivityService,
	retention service.RetentionService,
	events service.ActivityEventService,
	logger zerolog.Logger,
) *ActivityHandler {
	return &ActivityHandler{
		activities: activities,
		retention:  retention,
		events:     events,
		logger:     logger.With().Str("component", "activity_handler").Logger(),
	}
}

// Register wires the activity routes.
func (h *ActivityHandler) Register(router fiber.Router) {
	router.Post("/", middleware.WithAuth(h.record, middleware.AuthOptions{Role: middleware.AuthRoleMember}))
	router.Get("/retention", middleware.WithAuth(h.retentionInfo, middleware.AuthOptions{RequireUser: true}))
	router.Get("/resource/:resourceID/history", h.history)
	router.Get("/:id", h.getByID)
}

// RegisterAdmin wires the admin-only maintenance routes.
func (h *ActivityHandler) RegisterAdmin(router fiber.Router) {
	router.Get("/verify", h.verifyChain)
	router.Post("/drives/:driveID/archive", h.archive)
}

func (h *ActivityHandler) record(c *fiber.Ctx) error {
	var req dto.RecordActivityRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.ActorID == nil {
		if id := userIDFromContext(c); id != 0 {
			req.ActorID = &id
		}
	}

	response, err := h.activities.Record(c.UserContext(), req)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to record activity")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to record activity")
	}

	if h.events != nil && response.DriveID != nil {
		h.events.Publish(c.UserContext(), *response.DriveID, response)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "activity recorded", response)
}

func (h *ActivityHandler) getByID(c *fiber.Ctx) error {
	id, err := parseParamID(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid activity id")
	}

	response, err := h.activities.GetByID(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, service.ErrActivityNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "activity not found")
		}
		requestLogger(h.logger, c).Error().Err(err).Uint("activity_id", id).Msg("failed to load activity")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load activity")
	}

	return utils.SendSuccess(c, "activity retrieved", response)
}

func (h *ActivityHandler) history(c *fiber.Ctx) error {
	resourceID, err := parseParamID(c, "resourceID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid resource id")
	}

	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	offset, err := parseQueryInt(c, "offset")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid offset")
	}
	startDate, err := parseQueryTime(c, "start_date")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid start_date")
	}
	endDate, err := parseQueryTime(c, "end_date")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid end_date")
	}
	actorID, err := parseQueryUint(c, "actor_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid actor_id")
	}

	req := dto.HistoryRequest{
		ResourceID: resourceID,
		UserID:     userIDFromContext(c),
		Limit:      limit,
		Offset:     offset,
		StartDate:  startDate,
		EndDate:    endDate,
		ActorID:    actorID,
		Operation:  c.Query("operation"),
		AIOnly:     c.QueryBool("ai_only"),
	}

	response, err := h.activities.History(c.UserContext(), req)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Uint("resource_id", resourceID).Msg("failed to load history")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load history")
	}

	if response.CacheHit {
		c.Set("X-Cache-Hit", "true")
	} else {
		c.Set("X-Cache-Hit", "false")
	}

	return utils.SendSuccess(c, "history retrieved", response)
}

func (h *ActivityHandler) retentionInfo(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}

	tier, days, err := h.retention.RetentionDays(c.UserContext(), userID)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Uint("user_id", userID).Msg("failed to resolve retention")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to resolve retention")
	}

	return utils.SendSuccess(c, "retention resolved", dto.RetentionResponse{
		Tier:          string(tier),
		RetentionDays: days,
		Unlimited:     days <= 0,
	})
}

func (h *ActivityHandler) verifyChain(c *fiber.Ctx) error {
	from, err := parseQueryUint(c, "from")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid from")
	}
	to, err := parseQueryUint(c, "to")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid to")
	}

	var fromID, toID uint
	if from != nil {
		fromID = *from
	}
	if to != nil {
		toID = *to
	}

	response, err := h.activities.VerifyChain(c.UserContext(), fromID, toID)
	if err != nil {
		if errors.Is(err, service.ErrActivityNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "activity range not found")
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("chain verification errored")
		return utils.SendError(c, fiber.StatusInternalServerError, "chain verification errored")
	}

	return utils.SendSuccess(c, "chain verified", response)
}

func (h *ActivityHandler) archive(c *fiber.Ctx) error {
	driveID, err := parseParamID(c, "driveID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid drive id")
	}

	ownerID, err := parseQueryUint(c, "owner_id")
	if err != nil || ownerID == nil {
		return utils.SendError(c, fiber.StatusBadRequest, "owner_id required")
	}

	archived, err := h.retention.ArchiveExpired(c.UserContext(), driveID, *ownerID)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Uint("drive_id", driveID).Msg("archival failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "archival failed")
	}

	return utils.SendSuccess(c, "archival completed", dto.ArchiveResponse{
		DriveID:  driveID,
		Archived: archived,
	})
}
