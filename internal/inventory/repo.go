package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/keymart-backend/pkg/db/models"
)

// Repository defines persistence operations for inventory units.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, unit *models.InventoryUnit) error
	CountAvailable(ctx context.Context, productID uuid.UUID) (int64, error)
	AvailableIDs(ctx context.Context, productID uuid.UUID, limit int) ([]uuid.UUID, error)
	Claim(ctx context.Context, ids []uuid.UUID, holderID uuid.UUID, now, until time.Time) (int64, error)
	FindClaimed(ctx context.Context, ids []uuid.UUID, holderID uuid.UUID) ([]models.InventoryUnit, error)
	Unlock(ctx context.Context, ids []uuid.UUID, holderID uuid.UUID) (int64, error)
	MarkConsumed(ctx context.Context, ids []uuid.UUID, holderID uuid.UUID, now time.Time) (int64, error)
	ListHeldBy(ctx context.Context, holderID uuid.UUID) ([]models.InventoryUnit, error)
	ExpiredProductIDs(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	UnlockExpired(ctx context.Context, productID uuid.UUID, now time.Time) (int64, error)
	FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.InventoryUnit, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds an inventory repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, unit *models.InventoryUnit) error {
	return r.db.WithContext(ctx).Create(unit).Error
}

func (r *repository) sellable(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&models.InventoryUnit{}).
		Where("locked = ? AND consumed = ?", false, false)
}

func (r *repository) CountAvailable(ctx context.Context, productID uuid.UUID) (int64, error) {
	var count int64
	err := r.sellable(ctx).Where("product_id = ?", productID).Count(&count).Error
	return count, err
}

func (r *repository) AvailableIDs(ctx context.Context, productID uuid.UUID, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.sellable(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("product_id = ?", productID).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// Claim flags the given units in one statement. Units that stopped being sellable
// since they were selected are left untouched and not counted.
func (r *repository) Claim(ctx context.Context, ids []uuid.UUID, holderID uuid.UUID, now, until time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Model(&models.InventoryUnit{}).
		Where("id IN ? AND locked = ? AND consumed = ?", ids, false, false).
		Updates(map[string]any{
			"locked":         true,
			"locked_by":      holderID,
			"locked_at":      now,
			"reserved_until": until,
			"updated_at":     now,
		})
	return res.RowsAffected, res.Error
}

func (r *repository) FindClaimed(ctx context.Context, ids []uuid.UUID, holderID uuid.UUID) ([]models.InventoryUnit, error) {
	var units []models.InventoryUnit
	if len(ids) == 0 {
		return units, nil
	}
	err := r.db.WithContext(ctx).
		Where("id IN ? AND locked = ? AND locked_by = ? AND consumed = ?", ids, true, holderID, false).
		Order("created_at ASC").
		Order("id ASC").
		Find(&units).Error
	return units, err
}

// Unlock only touches units still held by holderID; a unit the reaper freed and
// another holder re-claimed stays with its new holder.
func (r *repository) Unlock(ctx context.Context, ids []uuid.UUID, holderID uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Model(&models.InventoryUnit{}).
		Where("id IN ? AND locked = ? AND locked_by = ? AND consumed = ?", ids, true, holderID, false).
		Updates(unlockColumns())
	return res.RowsAffected, res.Error
}

// MarkConsumed only consumes units still held by holderID, so a unit released
// by the reaper and re-claimed by someone else is never consumed twice.
func (r *repository) MarkConsumed(ctx context.Context, ids []uuid.UUID, holderID uuid.UUID, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Model(&models.InventoryUnit{}).
		Where("id IN ? AND locked = ? AND locked_by = ? AND consumed = ?", ids, true, holderID, false).
		Updates(map[string]any{
			"consumed":       true,
			"consumed_at":    now,
			"reserved_until": nil,
			"updated_at":     now,
		})
	return res.RowsAffected, res.Error
}

func (r *repository) ListHeldBy(ctx context.Context, holderID uuid.UUID) ([]models.InventoryUnit, error) {
	var units []models.InventoryUnit
	err := r.db.WithContext(ctx).
		Where("locked = ? AND locked_by = ? AND consumed = ?", true, holderID, false).
		Order("product_id ASC").
		Find(&units).Error
	return units, err
}

func (r *repository) ExpiredProductIDs(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.InventoryUnit{}).
		Where("locked = ? AND consumed = ? AND reserved_until IS NOT NULL AND reserved_until < ?", true, false, now).
		Distinct().
		Pluck("product_id", &ids).Error
	return ids, err
}

func (r *repository) UnlockExpired(ctx context.Context, productID uuid.UUID, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.InventoryUnit{}).
		Where("product_id = ? AND locked = ? AND consumed = ? AND reserved_until IS NOT NULL AND reserved_until < ?", productID, true, false, now).
		Updates(unlockColumns())
	return res.RowsAffected, res.Error
}

func (r *repository) FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.InventoryUnit, error) {
	var units []models.InventoryUnit
	if len(ids) == 0 {
		return units, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&units).Error
	return units, err
}

func unlockColumns() map[string]any {
	return map[string]any{
		"locked":         false,
		"locked_by":      nil,
		"locked_at":      nil,
		"reserved_until": nil,
		"updated_at":     time.Now().UTC(),
	}
}
