package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/keymart-backend/pkg/db"
	"github.com/angelmondragon/keymart-backend/pkg/db/models"
	"github.com/angelmondragon/keymart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymart-backend/pkg/errors"
	"github.com/angelmondragon/keymart-backend/pkg/pagination"
)

// Repository defines persistence operations for wallets, movements and holds.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	SetBalance(ctx context.Context, userID uuid.UUID, balance decimal.Decimal) error
	CreateMovement(ctx context.Context, movement *models.WalletMovement) error
	UpdateMovementStatus(ctx context.Context, id uuid.UUID, status enums.MovementStatus) error
	HasMovement(ctx context.Context, holdID, userID uuid.UUID, kind enums.MovementType) (bool, error)
	ListMovements(ctx context.Context, userID uuid.UUID, after *pagination.Cursor, limit int) ([]models.WalletMovement, error)
	CreateHold(ctx context.Context, hold *models.WalletHold) error
	FindHold(ctx context.Context, id uuid.UUID) (*models.WalletHold, error)
	FindHoldByReference(ctx context.Context, userID uuid.UUID, reference string) (*models.WalletHold, error)
	ListPendingByReference(ctx context.Context, userID uuid.UUID, reference string) ([]models.WalletHold, error)
	TransitionHold(ctx context.Context, id uuid.UUID, from, to enums.HoldStatus, at time.Time) (int64, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.WalletHold, error)
	CountHolds(ctx context.Context, status enums.HoldStatus) (int64, error)
	CountExpiredPending(ctx context.Context, now time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a wallet repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Balance returns zero for users without a wallet row.
func (r *repository) Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var w models.Wallet
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance, nil
}

func (r *repository) SetBalance(ctx context.Context, userID uuid.UUID, balance decimal.Decimal) error {
	w := models.Wallet{UserID: userID, Balance: balance}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"balance", "updated_at"}),
		}).
		Create(&w).Error
}

func (r *repository) CreateMovement(ctx context.Context, movement *models.WalletMovement) error {
	return r.db.WithContext(ctx).Create(movement).Error
}

func (r *repository) UpdateMovementStatus(ctx context.Context, id uuid.UUID, status enums.MovementStatus) error {
	return r.db.WithContext(ctx).
		Model(&models.WalletMovement{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()}).Error
}

func (r *repository) HasMovement(ctx context.Context, holdID, userID uuid.UUID, kind enums.MovementType) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.WalletMovement{}).
		Where("hold_id = ? AND user_id = ? AND type = ?", holdID, userID, kind).
		Count(&count).Error
	return count > 0, err
}

// ListMovements returns one page of the ledger, newest first, continuing
// after the given cursor when one is set.
func (r *repository) ListMovements(ctx context.Context, userID uuid.UUID, after *pagination.Cursor, limit int) ([]models.WalletMovement, error) {
	var rows []models.WalletMovement
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Scopes(pagination.NewestFirst(after, limit)).
		Find(&rows).Error
	return rows, err
}

const holdReferenceIndex = "ux_wallet_holds_user_reference"

func (r *repository) CreateHold(ctx context.Context, hold *models.WalletHold) error {
	err := r.db.WithContext(ctx).Create(hold).Error
	if db.IsUniqueViolation(err, holdReferenceIndex) {
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "hold already exists for order reference")
	}
	return err
}

func (r *repository) FindHold(ctx context.Context, id uuid.UUID) (*models.WalletHold, error) {
	var hold models.WalletHold
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&hold).Error; err != nil {
		return nil, err
	}
	return &hold, nil
}

// FindHoldByReference returns nil when the user has no hold for reference.
func (r *repository) FindHoldByReference(ctx context.Context, userID uuid.UUID, reference string) (*models.WalletHold, error) {
	var hold models.WalletHold
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND order_reference = ?", userID, reference).
		First(&hold).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &hold, nil
}

func (r *repository) ListPendingByReference(ctx context.Context, userID uuid.UUID, reference string) ([]models.WalletHold, error) {
	var holds []models.WalletHold
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND order_reference = ? AND status = ?", userID, reference, enums.HoldStatusPending).
		Find(&holds).Error
	return holds, err
}

// TransitionHold moves a hold only if it is still in from.
func (r *repository) TransitionHold(ctx context.Context, id uuid.UUID, from, to enums.HoldStatus, at time.Time) (int64, error) {
	updates := map[string]any{"status": to, "updated_at": at}
	switch to {
	case enums.HoldStatusCompleted:
		updates["completed_at"] = at
	case enums.HoldStatusCancelled:
		updates["cancelled_at"] = at
	}
	res := r.db.WithContext(ctx).
		Model(&models.WalletHold{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	return res.RowsAffected, res.Error
}

func (r *repository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.WalletHold, error) {
	var holds []models.WalletHold
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", enums.HoldStatusPending, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&holds).Error
	return holds, err
}

func (r *repository) CountHolds(ctx context.Context, status enums.HoldStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.WalletHold{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}

func (r *repository) CountExpiredPending(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.WalletHold{}).
		Where("status = ? AND expires_at <= ?", enums.HoldStatusPending, now).
		Count(&count).Error
	return count, err
}
