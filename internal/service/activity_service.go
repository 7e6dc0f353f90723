package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/loka-go-api/internal/dto"
	"github.com/noah-isme/loka-go-api/internal/models"
	"github.com/noah-isme/loka-go-api/internal/observability"
	"github.com/noah-isme/loka-go-api/internal/repository"
)

// ErrValidation marks rejected query bounds or payload shapes; the
// handler maps it to a 400 instead of letting it abort anything.
var ErrValidation = errors.New("validation failed")

const (
	historyDefaultLimit = 50
	historyMaxLimit     = 100
)

// metadataSchema constrains the optional metadata blob attached to an
// activity. Unknown keys are allowed; known keys must be well-typed.
const metadataSchema = `{
	"type": "object",
	"properties": {
		"source": {"type": "string", "maxLength": 64},
		"correlation_id": {"type": "string", "maxLength": 64},
		"client": {"type": "string", "maxLength": 128},
		"session_id": {"type": "string", "maxLength": 64},
		"batch_id": {"type": "string", "maxLength": 64}
	}
}`

// ActivityService records mutations into the chained log and serves
// history, lookups, and chain verification.
type ActivityService interface {
	Record(ctx context.Context, req dto.RecordActivityRequest) (dto.ActivityResponse, error)
	GetByID(ctx context.Context, id uint) (dto.ActivityResponse, error)
	History(ctx context.Context, req dto.HistoryRequest) (dto.HistoryResponse, error)
	VerifyChain(ctx context.Context, fromID, toID uint) (dto.ChainVerificationResponse, error)
	// InvalidateHistory bumps the per-resource cache version. Callers
	// invoke it after a successful rollback execution; the engine
	// itself performs no cache side effects.
	InvalidateHistory(ctx context.Context, resourceID uint)
}

type activityService struct {
	repo      repository.ActivityLogRepository
	retention RetentionService
	cache     *redis.Client
	cacheTTL  time.Duration
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	schema    *jsonschema.Schema
	logger    zerolog.Logger
}

// NewActivityService constructs the activity log service. The cache
// client may be nil; history queries then always hit the store.
func NewActivityService(
	repo repository.ActivityLogRepository,
	retention RetentionService,
	cache *redis.Client,
	cacheTTL time.Duration,
	validate *validator.Validate,
	logger zerolog.Logger,
) ActivityService {
	if cacheTTL <= 0 {
		cacheTTL = 45 * time.Second
	}
	return &activityService{
		repo:      repo,
		retention: retention,
		cache:     cache,
		cacheTTL:  cacheTTL,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		schema:    jsonschema.MustCompileString("activity_metadata.json", metadataSchema),
		logger:    logger.With().Str("component", "activity_service").Logger(),
	}
}

func (s *activityService) Record(ctx context.Context, req dto.RecordActivityRequest) (dto.ActivityResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ActivityResponse{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	operation := models.Operation(strings.ToLower(strings.TrimSpace(req.Operation)))
	if !operation.IsValid() {
		return dto.ActivityResponse{}, fmt.Errorf("%w: unknown operation %q", ErrValidation, req.Operation)
	}
	resourceType := models.ResourceType(strings.ToLower(strings.TrimSpace(req.ResourceType)))
	if !resourceType.IsValid() {
		return dto.ActivityResponse{}, fmt.Errorf("%w: unknown resource type %q", ErrValidation, req.ResourceType)
	}
	if operation == models.OperationRollback || operation == models.OperationRedo {
		return dto.ActivityResponse{}, fmt.Errorf("%w: %s activities are appended by the rollback engine only", ErrValidation, operation)
	}

	if req.Metadata != nil {
		if err := s.schema.Validate(map[string]interface{}(req.Metadata)); err != nil {
			return dto.ActivityResponse{}, fmt.Errorf("%w: metadata rejected: %v", ErrValidation, err)
		}
		for key, value := range req.Metadata {
			if str, ok := value.(string); ok {
				req.Metadata[key] = s.sanitizer.Sanitize(str)
			}
		}
	}

	entry := models.Activity{
		ActorID:          req.ActorID,
		ActorName:        s.sanitizer.Sanitize(req.ActorName),
		ActorEmail:       maskEmailAddress(req.ActorEmail),
		IsAIGenerated:    req.IsAIGenerated,
		AIProvider:       req.AIProvider,
		AIModel:          req.AIModel,
		AIConversationID: req.AIConversationID,
		Operation:        operation,
		ResourceType:     resourceType,
		ResourceID:       req.ResourceID,
		ResourceTitle:    s.sanitizer.Sanitize(req.ResourceTitle),
		DriveID:          req.DriveID,
		PageID:           req.PageID,
		UpdatedFields:    req.NewValues.Keys(),
		PreviousValues:   req.PreviousValues,
		NewValues:        req.NewValues,
		Metadata:         datatypes.JSONMap(req.Metadata),
	}

	if err := s.repo.Append(ctx, &entry); err != nil {
		s.logger.Error().Err(err).Str("operation", string(operation)).Msg("failed to append activity")
		return dto.ActivityResponse{}, err
	}

	s.InvalidateHistory(ctx, entry.ResourceID)

	return dto.NewActivityResponse(entry), nil
}

func (s *activityService) GetByID(ctx context.Context, id uint) (dto.ActivityResponse, error) {
	entry, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.ActivityResponse{}, ErrActivityNotFound
	}
	if err != nil {
		return dto.ActivityResponse{}, err
	}
	return dto.NewActivityResponse(entry), nil
}

func (s *activityService) History(ctx context.Context, req dto.HistoryRequest) (dto.HistoryResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.HistoryResponse{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	// Out-of-range bounds are rejected, never silently clamped.
	if req.Limit < 0 || req.Limit > historyMaxLimit {
		return dto.HistoryResponse{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrValidation, historyMaxLimit)
	}
	if req.Offset < 0 {
		return dto.HistoryResponse{}, fmt.Errorf("%w: offset must not be negative", ErrValidation)
	}
	if req.Limit == 0 {
		req.Limit = historyDefaultLimit
	}
	operation := models.Operation(strings.ToLower(strings.TrimSpace(req.Operation)))
	if req.Operation != "" && !operation.IsValid() {
		return dto.HistoryResponse{}, fmt.Errorf("%w: unknown operation %q", ErrValidation, req.Operation)
	}

	_, days, err := s.retention.RetentionDays(ctx, req.UserID)
	if err != nil {
		return dto.HistoryResponse{}, err
	}
	effectiveStart := s.retention.ApplyRetention(req.StartDate, days)

	cacheKey := s.historyCacheKey(ctx, req, effectiveStart)
	if cacheKey != "" {
		if cached, err := s.cache.Get(ctx, cacheKey).Result(); err == nil && cached != "" {
			var response dto.HistoryResponse
			if err := json.Unmarshal([]byte(cached), &response); err == nil {
				response.CacheHit = true
				observability.HistoryCacheRequests().WithLabelValues("hit").Inc()
				return response, nil
			}
		}
	}

	filter := repository.ActivityHistoryFilter{
		ResourceID: req.ResourceID,
		Limit:      req.Limit,
		Offset:     req.Offset,
		StartDate:  effectiveStart,
		EndDate:    req.EndDate,
		ActorID:    req.ActorID,
		AIOnly:     req.AIOnly,
	}
	if req.Operation != "" {
		filter.Operation = operation
	}

	entries, total, err := s.repo.QueryHistory(ctx, filter)
	if err != nil {
		observability.HistoryCacheRequests().WithLabelValues("error").Inc()
		return dto.HistoryResponse{}, err
	}

	activities := make([]dto.ActivityResponse, 0, len(entries))
	for _, entry := range entries {
		activities = append(activities, dto.NewActivityResponse(entry))
	}

	response := dto.HistoryResponse{
		Activities:     activities,
		Total:          total,
		Limit:          req.Limit,
		Offset:         req.Offset,
		EffectiveStart: effectiveStart,
	}

	if cacheKey != "" {
		if payload, err := json.Marshal(response); err == nil {
			if err := s.cache.Set(ctx, cacheKey, payload, s.cacheTTL).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to write history cache")
			}
		}
		observability.HistoryCacheRequests().WithLabelValues("miss").Inc()
	}

	return response, nil
}

func (s *activityService) VerifyChain(ctx context.Context, fromID, toID uint) (dto.ChainVerificationResponse, error) {
	response := dto.ChainVerificationResponse{FromID: fromID, ToID: toID}

	err := s.repo.VerifyChain(ctx, fromID, toID)
	var integrity *repository.ChainIntegrityError
	switch {
	case err == nil:
		response.Valid = true
		return response, nil
	case errors.As(err, &integrity):
		observability.ChainVerifyFailures().Inc()
		brokenAt := integrity.ActivityID
		response.BrokenAt = &brokenAt
		response.Detail = integrity.Detail
		s.logger.Error().Uint("activity_id", brokenAt).Str("detail", integrity.Detail).Msg("chain verification failed")
		return response, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return dto.ChainVerificationResponse{}, ErrActivityNotFound
	default:
		return dto.ChainVerificationResponse{}, err
	}
}

func (s *activityService) InvalidateHistory(ctx context.Context, resourceID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Incr(ctx, historyVersionKey(resourceID)).Err(); err != nil {
		s.logger.Warn().Err(err).Uint("resource_id", resourceID).Msg("failed to bump history cache version")
	}
}

// historyCacheKey embeds the per-resource version counter, so bumping
// the counter invalidates every cached page for that resource at once.
func (s *activityService) historyCacheKey(ctx context.Context, req dto.HistoryRequest, effectiveStart *time.Time) string {
	if s.cache == nil {
		return ""
	}

	version, err := s.cache.Get(ctx, historyVersionKey(req.ResourceID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return ""
	}
	if version == "" {
		version = "0"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "loka:history:%d:v%s:%d:%d", req.ResourceID, version, req.Limit, req.Offset)
	if effectiveStart != nil {
		fmt.Fprintf(&b, ":s%d", effectiveStart.Unix())
	}
	if req.EndDate != nil {
		fmt.Fprintf(&b, ":e%d", req.EndDate.Unix())
	}
	if req.ActorID != nil {
		fmt.Fprintf(&b, ":a%d", *req.ActorID)
	}
	if req.Operation != "" {
		fmt.Fprintf(&b, ":o%s", req.Operation)
	}
	if req.AIOnly {
		b.WriteString(":ai")
	}
	return b.String()
}

func historyVersionKey(resourceID uint) string {
	return fmt.Sprintf("loka:history:ver:%d", resourceID)
}
