package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/loka-go-api/internal/models"
)

// ResourceRepository reads and restores the generic patchable field
// bags the rollback engine operates on. The platform's own services
// own the real schemas; the engine only ever touches named fields.
type ResourceRepository interface {
	ReadCurrent(ctx context.Context, resourceType models.ResourceType, resourceID uint) (models.ResourceRecord, error)
	// PatchFields merges only the listed fields into the record's bag.
	// It is never a full overwrite, so unrelated concurrent fields
	// survive a rollback.
	PatchFields(ctx context.Context, resourceType models.ResourceType, resourceID uint, fields models.FieldValues) error
	Trash(ctx context.Context, resourceType models.ResourceType, resourceID uint) error
	Restore(ctx context.Context, resourceType models.ResourceType, resourceID uint, fields models.FieldValues) error
	Save(ctx context.Context, record *models.ResourceRecord) error
	WithTx(tx *gorm.DB) ResourceRepository
}

type resourceRepository struct {
	db *gorm.DB
}

// NewResourceRepository constructs the GORM-backed resource store.
func NewResourceRepository(db *gorm.DB) ResourceRepository {
	return &resourceRepository{db: db}
}

func (r *resourceRepository) WithTx(tx *gorm.DB) ResourceRepository {
	return &resourceRepository{db: tx}
}

func (r *resourceRepository) ReadCurrent(ctx context.Context, resourceType models.ResourceType, resourceID uint) (models.ResourceRecord, error) {
	var record models.ResourceRecord
	err := r.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		First(&record).Error
	if err != nil {
		return models.ResourceRecord{}, err
	}
	return record, nil
}

func (r *resourceRepository) PatchFields(ctx context.Context, resourceType models.ResourceType, resourceID uint, fields models.FieldValues) error {
	record, err := r.readLocked(ctx, resourceType, resourceID)
	if err != nil {
		return err
	}

	merged := record.Fields.Clone()
	for _, pair := range fields {
		merged.Set(pair.Key, pair.Value)
	}

	return r.db.WithContext(ctx).Model(&models.ResourceRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]interface{}{
			"fields":     merged,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *resourceRepository) Trash(ctx context.Context, resourceType models.ResourceType, resourceID uint) error {
	return r.setTrashed(ctx, resourceType, resourceID, true, nil)
}

func (r *resourceRepository) Restore(ctx context.Context, resourceType models.ResourceType, resourceID uint, fields models.FieldValues) error {
	return r.setTrashed(ctx, resourceType, resourceID, false, fields)
}

func (r *resourceRepository) setTrashed(ctx context.Context, resourceType models.ResourceType, resourceID uint, trashed bool, fields models.FieldValues) error {
	record, err := r.readLocked(ctx, resourceType, resourceID)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"is_trashed": trashed,
		"updated_at": time.Now().UTC(),
	}
	if fields.Len() > 0 {
		merged := record.Fields.Clone()
		for _, pair := range fields {
			merged.Set(pair.Key, pair.Value)
		}
		updates["fields"] = merged
	}

	return r.db.WithContext(ctx).Model(&models.ResourceRecord{}).
		Where("id = ?", record.ID).
		Updates(updates).Error
}

func (r *resourceRepository) Save(ctx context.Context, record *models.ResourceRecord) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "resource_type"}, {Name: "resource_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"fields", "drive_id", "is_trashed", "updated_at"}),
	}).Create(record).Error
}

func (r *resourceRepository) readLocked(ctx context.Context, resourceType models.ResourceType, resourceID uint) (models.ResourceRecord, error) {
	query := r.db.WithContext(ctx)
	if r.db.Dialector != nil && r.db.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var record models.ResourceRecord
	err := query.
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		First(&record).Error
	if err != nil {
		return models.ResourceRecord{}, err
	}
	return record, nil
}
