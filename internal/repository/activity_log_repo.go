package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/loka-go-api/internal/models"
)

// ChainIntegrityError reports the first activity whose stored hash no
// longer matches recomputation over the chain.
type ChainIntegrityError struct {
	ActivityID uint
	Detail     string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("activity log chain broken at activity %d: %s", e.ActivityID, e.Detail)
}

// ActivityHistoryFilter narrows history queries for one resource.
type ActivityHistoryFilter struct {
	ResourceID      uint
	Limit           int
	Offset          int
	StartDate       *time.Time
	EndDate         *time.Time
	ActorID         *uint
	Operation       models.Operation
	AIOnly          bool
	IncludeArchived bool
}

// ActivityScope limits a range listing to one resource or one drive.
type ActivityScope struct {
	DriveID    *uint
	ResourceID *uint
}

// ActivityLogRepository is the append-only, hash-chained audit store.
// Rows are write-once; only the archived flag is ever updated.
type ActivityLogRepository interface {
	Append(ctx context.Context, entry *models.Activity) error
	GetByID(ctx context.Context, id uint) (models.Activity, error)
	// GetByIDForUpdate loads the activity under a row lock. Executions
	// lock their source row first so concurrent duplicates queue behind
	// the winner and re-read its committed reversal.
	GetByIDForUpdate(ctx context.Context, id uint) (models.Activity, error)
	QueryHistory(ctx context.Context, filter ActivityHistoryFilter) ([]models.Activity, int64, error)
	// FindReversal returns the newest activity with the given operation
	// that references sourceID via rollback_from_activity_id. With lock
	// set, the read takes a row lock so concurrent duplicate executions
	// serialize on it.
	FindReversal(ctx context.Context, sourceID uint, operation models.Operation, lock bool) (*models.Activity, error)
	ListSince(ctx context.Context, scope ActivityScope, since time.Time) ([]models.Activity, error)
	VerifyChain(ctx context.Context, fromID, toID uint) error
	ArchiveOlderThan(ctx context.Context, driveID uint, cutoff time.Time) (int64, error)
	WithTx(tx *gorm.DB) ActivityLogRepository
}

// chainAdvisoryLockID keys the transaction-scoped advisory lock that
// serializes chain appends across processes.
const chainAdvisoryLockID int64 = 0x6c6f6b61

type activityLogRepository struct {
	db *gorm.DB
	// chain serializes "read tail, compute next hash, insert" within
	// this process. Cross-process appends serialize on the advisory
	// lock taken inside the append transaction.
	chain *sync.Mutex
}

// NewActivityLogRepository constructs the GORM-backed activity store.
func NewActivityLogRepository(db *gorm.DB) ActivityLogRepository {
	return &activityLogRepository{db: db, chain: &sync.Mutex{}}
}

func (r *activityLogRepository) WithTx(tx *gorm.DB) ActivityLogRepository {
	return &activityLogRepository{db: tx, chain: r.chain}
}

func (r *activityLogRepository) Append(ctx context.Context, entry *models.Activity) error {
	if !entry.Operation.IsValid() {
		return fmt.Errorf("unknown operation %q", entry.Operation)
	}
	if !entry.ResourceType.IsValid() {
		return fmt.Errorf("unknown resource type %q", entry.ResourceType)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	r.chain.Lock()
	defer r.chain.Unlock()

	// The tail read, hash computation, and insert run inside one
	// transaction holding the chain advisory lock. When the repository
	// is already transaction-bound this opens a savepoint and the
	// advisory lock is held until the outer transaction commits, so a
	// second appender cannot read the tail until the first row is
	// durable.
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.lockChain(tx); err != nil {
			return err
		}

		var tail models.Activity
		err := tx.Order("id DESC").First(&tail).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			seed, seedErr := models.NewChainSeed()
			if seedErr != nil {
				return seedErr
			}
			entry.ChainSeed = seed
			entry.PreviousLogHash = ""
		case err != nil:
			return err
		default:
			entry.ChainSeed = tail.ChainSeed
			entry.PreviousLogHash = tail.LogHash
		}

		canonical, err := entry.CanonicalPayload()
		if err != nil {
			return err
		}
		previous := entry.PreviousLogHash
		if previous == "" {
			previous = entry.ChainSeed
		}
		entry.LogHash = models.ComputeLogHash(canonical, previous)

		return tx.Create(entry).Error
	})
}

// lockChain takes pg_advisory_xact_lock on the chain key. The lock is
// released when the enclosing transaction ends, never earlier, which
// keeps the tail stable from read through commit. Sqlite has no
// advisory locks; there the process mutex plus sqlite's single writer
// cover serialization.
func (r *activityLogRepository) lockChain(tx *gorm.DB) error {
	if r.db.Dialector == nil || r.db.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", chainAdvisoryLockID).Error
}

func (r *activityLogRepository) GetByID(ctx context.Context, id uint) (models.Activity, error) {
	var entry models.Activity
	if err := r.db.WithContext(ctx).First(&entry, id).Error; err != nil {
		return models.Activity{}, err
	}
	return entry, nil
}

func (r *activityLogRepository) GetByIDForUpdate(ctx context.Context, id uint) (models.Activity, error) {
	var entry models.Activity
	if err := r.lockForUpdate(r.db.WithContext(ctx)).First(&entry, id).Error; err != nil {
		return models.Activity{}, err
	}
	return entry, nil
}

func (r *activityLogRepository) QueryHistory(ctx context.Context, filter ActivityHistoryFilter) ([]models.Activity, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Activity{}).
		Where("resource_id = ?", filter.ResourceID)

	if !filter.IncludeArchived {
		query = query.Where("is_archived = ?", false)
	}
	if filter.StartDate != nil {
		query = query.Where("timestamp >= ?", *filter.StartDate)
	}
	if filter.EndDate != nil {
		query = query.Where("timestamp <= ?", *filter.EndDate)
	}
	if filter.ActorID != nil {
		query = query.Where("actor_id = ?", *filter.ActorID)
	}
	if filter.Operation != "" {
		query = query.Where("operation = ?", filter.Operation)
	}
	if filter.AIOnly {
		query = query.Where("is_ai_generated = ?", true)
	}

	countQuery := query.Session(&gorm.Session{})
	var total int64
	if err := countQuery.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []models.Activity
	if err := query.
		Order("timestamp DESC, id DESC").
		Offset(filter.Offset).
		Limit(filter.Limit).
		Find(&entries).Error; err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}

func (r *activityLogRepository) FindReversal(ctx context.Context, sourceID uint, operation models.Operation, lock bool) (*models.Activity, error) {
	query := r.db.WithContext(ctx)
	if lock {
		query = r.lockForUpdate(query)
	}

	var entry models.Activity
	err := query.
		Where("rollback_from_activity_id = ? AND operation = ?", sourceID, operation).
		Order("id DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *activityLogRepository) ListSince(ctx context.Context, scope ActivityScope, since time.Time) ([]models.Activity, error) {
	query := r.db.WithContext(ctx).Where("timestamp >= ?", since)
	switch {
	case scope.ResourceID != nil:
		query = query.Where("resource_id = ?", *scope.ResourceID)
	case scope.DriveID != nil:
		query = query.Where("drive_id = ?", *scope.DriveID)
	default:
		return nil, fmt.Errorf("activity scope requires a resource or drive")
	}

	var entries []models.Activity
	if err := query.Order("timestamp ASC, id ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// VerifyChain recomputes the hash chain over [fromID, toID] and fails
// with a ChainIntegrityError at the first row whose stored hashes do
// not match. A range starting at the genesis row seeds from the chain
// seed; any other range seeds from the preceding row's stored hash.
func (r *activityLogRepository) VerifyChain(ctx context.Context, fromID, toID uint) error {
	if toID < fromID {
		return fmt.Errorf("invalid verification range [%d, %d]", fromID, toID)
	}

	var entries []models.Activity
	if err := r.db.WithContext(ctx).
		Where("id >= ? AND id <= ?", fromID, toID).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return err
	}
	if len(entries) == 0 {
		return gorm.ErrRecordNotFound
	}

	previous := ""
	var predecessor models.Activity
	err := r.db.WithContext(ctx).
		Where("id < ?", fromID).
		Order("id DESC").
		First(&predecessor).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		previous = entries[0].ChainSeed
	case err != nil:
		return err
	default:
		previous = predecessor.LogHash
	}

	expectedPrevField := ""
	if predecessor.ID != 0 {
		expectedPrevField = predecessor.LogHash
	}

	for _, entry := range entries {
		if entry.PreviousLogHash != expectedPrevField {
			return &ChainIntegrityError{ActivityID: entry.ID, Detail: "previous hash pointer does not match predecessor"}
		}
		canonical, err := entry.CanonicalPayload()
		if err != nil {
			return &ChainIntegrityError{ActivityID: entry.ID, Detail: err.Error()}
		}
		if computed := models.ComputeLogHash(canonical, previous); computed != entry.LogHash {
			return &ChainIntegrityError{ActivityID: entry.ID, Detail: "stored hash does not match recomputation"}
		}
		previous = entry.LogHash
		expectedPrevField = entry.LogHash
	}

	return nil
}

// ArchiveOlderThan flips is_archived on entries older than the cutoff.
// Nothing is ever deleted or rewritten, so chains stay verifiable.
func (r *activityLogRepository) ArchiveOlderThan(ctx context.Context, driveID uint, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Activity{}).
		Where("drive_id = ? AND timestamp < ? AND is_archived = ?", driveID, cutoff, false).
		Update("is_archived", true)
	return result.RowsAffected, result.Error
}

// lockForUpdate adds FOR UPDATE on dialects that support it. The sqlite
// dialect used in tests does not, and single-writer sqlite serializes
// anyway.
func (r *activityLogRepository) lockForUpdate(query *gorm.DB) *gorm.DB {
	if r.db.Dialector != nil && r.db.Dialector.Name() == "postgres" {
		return query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return query
}
