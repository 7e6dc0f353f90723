package repository

import (
	"context"

	"gorm.io/gorm"
)

// Tx bundles the repositories rebound to one database transaction.
// Everything a rollback execution touches (idempotency read, resource
// patch, log append) goes through the same Tx so it commits or rolls
// back as a unit.
type Tx interface {
	Activities() ActivityLogRepository
	Resources() ResourceRepository
}

// UnitOfWork runs a function inside a single database transaction.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(tx Tx) error) error
}

type gormUnitOfWork struct {
	db         *gorm.DB
	activities ActivityLogRepository
	resources  ResourceRepository
}

// NewUnitOfWork constructs the transactional scope over the shared
// repositories. The activity repository's chain lock carries over into
// transaction-bound copies.
func NewUnitOfWork(db *gorm.DB, activities ActivityLogRepository, resources ResourceRepository) UnitOfWork {
	return &gormUnitOfWork{db: db, activities: activities, resources: resources}
}

func (u *gormUnitOfWork) Do(ctx context.Context, fn func(tx Tx) error) error {
	return u.db.WithContext(ctx).Transaction(func(txdb *gorm.DB) error {
		return fn(&gormTx{
			activities: u.activities.WithTx(txdb),
			resources:  u.resources.WithTx(txdb),
		})
	})
}

type gormTx struct {
	activities ActivityLogRepository
	resources  ResourceRepository
}

func (t *gormTx) Activities() ActivityLogRepository { return t.activities }
func (t *gormTx) Resources() ResourceRepository     { return t.resources }
