package models

import "time"

// ResourceRecord is the generic patchable field bag the engine reads
// and restores. The real page/drive schemas live in their own services;
// the engine only ever touches named fields inside the JSON bag.
type ResourceRecord struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	ResourceType ResourceType `gorm:"size:32;not null;uniqueIndex:idx_resource_identity,priority:1" json:"resource_type"`
	ResourceID   uint         `gorm:"not null;uniqueIndex:idx_resource_identity,priority:2" json:"resource_id"`
	DriveID      *uint        `gorm:"index" json:"drive_id"`
	Fields       FieldValues  `gorm:"type:json" json:"fields"`
	IsTrashed    bool         `gorm:"default:false" json:"is_trashed"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// DriveMemberRole enumerates membership roles inside a drive.
type DriveMemberRole string

const (
	DriveRoleOwner  DriveMemberRole = "owner"
	DriveRoleEditor DriveMemberRole = "editor"
	DriveRoleViewer DriveMemberRole = "viewer"
)

// CanEdit reports whether the role grants write access.
func (r DriveMemberRole) CanEdit() bool {
	return r == DriveRoleOwner || r == DriveRoleEditor
}

// DriveMember links a user to a drive with a role.
type DriveMember struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	DriveID   uint            `gorm:"not null;uniqueIndex:idx_drive_member,priority:1" json:"drive_id"`
	UserID    uint            `gorm:"not null;uniqueIndex:idx_drive_member,priority:2" json:"user_id"`
	Role      DriveMemberRole `gorm:"size:16;not null" json:"role"`
	CreatedAt time.Time       `json:"created_at"`
}

// SubscriptionTier is the billing plan driving history retention.
type SubscriptionTier string

const (
	TierFree       SubscriptionTier = "free"
	TierPlus       SubscriptionTier = "plus"
	TierBusiness   SubscriptionTier = "business"
	TierEnterprise SubscriptionTier = "enterprise"
)

// RetentionDays maps the tier to its history lookback window in days.
// Enterprise history is unlimited, signalled by -1.
func (t SubscriptionTier) RetentionDays() int {
	switch t {
	case TierPlus:
		return 30
	case TierBusiness:
		return 90
	case TierEnterprise:
		return -1
	default:
		return 7
	}
}

// Subscription records the tier assigned to a user. Assignment itself
// happens in billing; this table is only read here.
type Subscription struct {
	ID        uint             `gorm:"primaryKey" json:"id"`
	UserID    uint             `gorm:"not null;uniqueIndex" json:"user_id"`
	Tier      SubscriptionTier `gorm:"size:32;not null;default:free" json:"tier"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}
