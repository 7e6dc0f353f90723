package dto

import (
	"time"

	"github.com/noah-isme/loka-go-api/internal/models"
)

// RollbackRequest identifies the activity a preview or execution
// targets. Force pushes past conflicts, all-or-nothing per activity.
type RollbackRequest struct {
	ActivityID uint   `json:"activity_id" validate:"required"`
	UserID     uint   `json:"user_id" validate:"required"`
	ActorName  string `json:"actor_name" validate:"omitempty,max=255"`
	ActorEmail string `json:"actor_email" validate:"omitempty,email"`
	Force      bool   `json:"force"`
}

// RollbackToPointRequest targets a point in time: the given activity
// and everything after it in the same resource/drive scope.
type RollbackToPointRequest struct {
	ActivityID uint   `json:"activity_id" validate:"required"`
	UserID     uint   `json:"user_id" validate:"required"`
	ActorName  string `json:"actor_name" validate:"omitempty,max=255"`
	ActorEmail string `json:"actor_email" validate:"omitempty,email"`
	Force      bool   `json:"force"`
}

// ChangeSummary is one human-readable line in a preview.
type ChangeSummary struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// AffectedResource names a resource a rollback would touch.
type AffectedResource struct {
	ResourceType  string `json:"resource_type"`
	ResourceID    uint   `json:"resource_id"`
	ResourceTitle string `json:"resource_title"`
}

// RollbackPreview is the ephemeral, non-mutating dry run of a rollback
// or redo. IsNoOp marks the success path where the reversal already
// exists; it carries that reversal's id and values.
type RollbackPreview struct {
	CanExecute         bool               `json:"can_execute"`
	Reason             string             `json:"reason,omitempty"`
	Warnings           []string           `json:"warnings"`
	HasConflict        bool               `json:"has_conflict"`
	ConflictFields     []string           `json:"conflict_fields,omitempty"`
	RequiresForce      bool               `json:"requires_force"`
	IsNoOp             bool               `json:"is_no_op"`
	RollbackActivityID *uint              `json:"rollback_activity_id,omitempty"`
	CurrentValues      models.FieldValues `json:"current_values"`
	TargetValues       models.FieldValues `json:"target_values"`
	Changes            []ChangeSummary    `json:"changes"`
	AffectedResources  []AffectedResource `json:"affected_resources"`
}

// RollbackResult reports an execution outcome.
type RollbackResult struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
	Warnings []string `json:"warnings"`
	// IsNoOp marks an idempotent success: the reversal already existed
	// and nothing was written.
	IsNoOp             bool               `json:"is_no_op,omitempty"`
	RollbackActivityID uint               `json:"rollback_activity_id,omitempty"`
	RestoredValues     models.FieldValues `json:"restored_values,omitempty"`
}

// PointActivity is one entry in a rollback-to-point preview, oldest
// target first through the present.
type PointActivity struct {
	ActivityID     uint      `json:"activity_id"`
	Timestamp      time.Time `json:"timestamp"`
	Operation      string    `json:"operation"`
	ResourceType   string    `json:"resource_type"`
	ResourceID     uint      `json:"resource_id"`
	ResourceTitle  string    `json:"resource_title"`
	CanRevert      bool      `json:"can_revert"`
	Reason         string    `json:"reason,omitempty"`
	ConflictFields []string  `json:"conflict_fields,omitempty"`
}

// RollbackToPointPreview aggregates the per-activity dry runs for a
// batch reversal back to a point in time.
type RollbackToPointPreview struct {
	ActivitiesAffected []PointActivity `json:"activities_affected"`
	Warnings           []string        `json:"warnings"`
	Summary            string          `json:"summary,omitempty"`
}

// RollbackToPointResult reports the all-or-nothing batch outcome.
type RollbackToPointResult struct {
	Success              bool     `json:"success"`
	Message              string   `json:"message"`
	ActivitiesRolledBack int      `json:"activities_rolled_back"`
	Warnings             []string `json:"warnings"`
	Errors               []string `json:"errors,omitempty"`
}
