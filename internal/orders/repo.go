package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymart-backend/pkg/db/models"
	"github.com/angelmondragon/keymart-backend/pkg/enums"
)

// Repository defines persistence operations for orders and stalls.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateOrder(ctx context.Context, order *models.Order) error
	ListByReference(ctx context.Context, reference string) ([]models.Order, error)
	CountByReference(ctx context.Context, reference string) (int64, error)
	UpdateStatusByReference(ctx context.Context, reference string, from, to enums.OrderStatus) (int64, error)
	StallRates(ctx context.Context, stallIDs []uuid.UUID) (map[uuid.UUID]decimal.Decimal, error)
	CreateStall(ctx context.Context, stall *models.Stall) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// CreateOrder inserts the header together with its lines.
func (r *repository) CreateOrder(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) ListByReference(ctx context.Context, reference string) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Preload("Lines").
		Where("order_reference = ?", reference).
		Order("created_at ASC").
		Find(&orders).Error
	return orders, err
}

func (r *repository) CountByReference(ctx context.Context, reference string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("order_reference = ?", reference).
		Count(&count).Error
	return count, err
}

func (r *repository) UpdateStatusByReference(ctx context.Context, reference string, from, to enums.OrderStatus) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("order_reference = ? AND status = ?", reference, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

func (r *repository) StallRates(ctx context.Context, stallIDs []uuid.UUID) (map[uuid.UUID]decimal.Decimal, error) {
	rates := make(map[uuid.UUID]decimal.Decimal, len(stallIDs))
	if len(stallIDs) == 0 {
		return rates, nil
	}
	var stalls []models.Stall
	if err := r.db.WithContext(ctx).Where("id IN ?", stallIDs).Find(&stalls).Error; err != nil {
		return nil, err
	}
	for _, stall := range stalls {
		if stall.CommissionRate.Valid {
			rates[stall.ID] = stall.CommissionRate.Decimal
		}
	}
	return rates, nil
}

func (r *repository) CreateStall(ctx context.Context, stall *models.Stall) error {
	return r.db.WithContext(ctx).Create(stall).Error
}
