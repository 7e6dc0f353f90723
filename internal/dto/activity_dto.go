package dto

import (
	"time"

	"github.com/noah-isme/loka-go-api/internal/models"
)

// RecordActivityRequest is the internal write path the rest of the
// platform uses to chain a mutation into the audit log.
type RecordActivityRequest struct {
	ActorID          *uint                  `json:"actor_id"`
	ActorName        string                 `json:"actor_name" validate:"omitempty,max=255"`
	ActorEmail       string                 `json:"actor_email" validate:"omitempty,email"`
	IsAIGenerated    bool                   `json:"is_ai_generated"`
	AIProvider       string                 `json:"ai_provider" validate:"omitempty,max=64"`
	AIModel          string                 `json:"ai_model" validate:"omitempty,max=128"`
	AIConversationID string                 `json:"ai_conversation_id" validate:"omitempty,max=64"`
	Operation        string                 `json:"operation" validate:"required"`
	ResourceType     string                 `json:"resource_type" validate:"required"`
	ResourceID       uint                   `json:"resource_id" validate:"required"`
	ResourceTitle    string                 `json:"resource_title" validate:"omitempty,max=512"`
	DriveID          *uint                  `json:"drive_id"`
	PageID           *uint                  `json:"page_id"`
	PreviousValues   models.FieldValues     `json:"previous_values"`
	NewValues        models.FieldValues     `json:"new_values"`
	Metadata         map[string]interface{} `json:"metadata"`
}

// ActivityResponse serializes one audit entry.
type ActivityResponse struct {
	ID                      uint                   `json:"id"`
	Timestamp               time.Time              `json:"timestamp"`
	ActorID                 *uint                  `json:"actor_id"`
	ActorName               string                 `json:"actor_name"`
	ActorEmail              string                 `json:"actor_email"`
	IsAIGenerated           bool                   `json:"is_ai_generated"`
	AIProvider              string                 `json:"ai_provider,omitempty"`
	AIModel                 string                 `json:"ai_model,omitempty"`
	AIConversationID        string                 `json:"ai_conversation_id,omitempty"`
	Operation               string                 `json:"operation"`
	ResourceType            string                 `json:"resource_type"`
	ResourceID              uint                   `json:"resource_id"`
	ResourceTitle           string                 `json:"resource_title"`
	DriveID                 *uint                  `json:"drive_id"`
	PageID                  *uint                  `json:"page_id"`
	UpdatedFields           []string               `json:"updated_fields"`
	PreviousValues          models.FieldValues     `json:"previous_values"`
	NewValues               models.FieldValues     `json:"new_values"`
	Metadata                map[string]interface{} `json:"metadata"`
	IsArchived              bool                   `json:"is_archived"`
	LogHash                 string                 `json:"log_hash"`
	RollbackFromActivityID  *uint                  `json:"rollback_from_activity_id,omitempty"`
	RollbackSourceOperation string                 `json:"rollback_source_operation,omitempty"`
}

// NewActivityResponse maps the model to its response shape.
func NewActivityResponse(entry models.Activity) ActivityResponse {
	return ActivityResponse{
		ID:                      entry.ID,
		Timestamp:               entry.Timestamp,
		ActorID:                 entry.ActorID,
		ActorName:               entry.ActorName,
		ActorEmail:              entry.ActorEmail,
		IsAIGenerated:           entry.IsAIGenerated,
		AIProvider:              entry.AIProvider,
		AIModel:                 entry.AIModel,
		AIConversationID:        entry.AIConversationID,
		Operation:               string(entry.Operation),
		ResourceType:            string(entry.ResourceType),
		ResourceID:              entry.ResourceID,
		ResourceTitle:           entry.ResourceTitle,
		DriveID:                 entry.DriveID,
		PageID:                  entry.PageID,
		UpdatedFields:           entry.UpdatedFields,
		PreviousValues:          entry.PreviousValues,
		NewValues:               entry.NewValues,
		Metadata:                map[string]interface{}(entry.Metadata),
		IsArchived:              entry.IsArchived,
		LogHash:                 entry.LogHash,
		RollbackFromActivityID:  entry.RollbackFromActivityID,
		RollbackSourceOperation: string(entry.RollbackSourceOperation),
	}
}

// HistoryRequest filters the version history of one resource.
type HistoryRequest struct {
	ResourceID uint       `json:"resource_id" validate:"required"`
	UserID     uint       `json:"user_id" validate:"required"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
	StartDate  *time.Time `json:"start_date"`
	EndDate    *time.Time `json:"end_date"`
	ActorID    *uint      `json:"actor_id"`
	Operation  string     `json:"operation"`
	AIOnly     bool       `json:"ai_only"`
}

// HistoryResponse is the paginated history of one resource.
type HistoryResponse struct {
	Activities     []ActivityResponse `json:"activities"`
	Total          int64              `json:"total"`
	Limit          int                `json:"limit"`
	Offset         int                `json:"offset"`
	EffectiveStart *time.Time         `json:"effective_start,omitempty"`
	CacheHit       bool               `json:"-"`
}

// RetentionResponse reports the caller's history lookback window.
type RetentionResponse struct {
	Tier          string `json:"tier"`
	RetentionDays int    `json:"retention_days"`
	Unlimited     bool   `json:"unlimited"`
}

// ChainVerificationResponse reports a verification pass outcome.
type ChainVerificationResponse struct {
	Valid    bool   `json:"valid"`
	FromID   uint   `json:"from_id"`
	ToID     uint   `json:"to_id"`
	BrokenAt *uint  `json:"broken_at,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// ArchiveResponse reports retention housekeeping results.
type ArchiveResponse struct {
	DriveID  uint  `json:"drive_id"`
	Archived int64 `json:"archived"`
}
