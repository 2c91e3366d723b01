package payments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymart-backend/pkg/db"
	"github.com/angelmondragon/keymart-backend/pkg/db/models"
	"github.com/angelmondragon/keymart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymart-backend/pkg/errors"
)

// Repository persists payment queue entries.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, entry *models.PaymentQueueEntry) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.PaymentQueueEntry, error)
	FindActiveByUser(ctx context.Context, userID uuid.UUID) (*models.PaymentQueueEntry, error)
	ListPendingIDs(ctx context.Context, limit int) ([]uuid.UUID, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, reference string, at time.Time) (int64, error)
	MarkTerminal(ctx context.Context, id uuid.UUID, status enums.PaymentStatus, message *string, at time.Time) (int64, error)
	ListStuck(ctx context.Context, startedBefore time.Time, limit int) ([]models.PaymentQueueEntry, error)
	CountByStatus(ctx context.Context) (map[enums.PaymentStatus]int64, error)
	CountCompletedSince(ctx context.Context, since time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a queue repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// ActiveUserIndex keeps at most one PENDING or PROCESSING entry per user.
const ActiveUserIndex = "ux_payment_queue_active_user"

func (r *repository) Create(ctx context.Context, entry *models.PaymentQueueEntry) error {
	err := r.db.WithContext(ctx).Create(entry).Error
	if db.IsUniqueViolation(err, ActiveUserIndex) {
		return pkgerrors.Wrap(pkgerrors.CodeAlreadyInProgress, err, "a payment is already in progress")
	}
	return err
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.PaymentQueueEntry, error) {
	var entry models.PaymentQueueEntry
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// FindActiveByUser returns the user's non-terminal entry, or nil.
func (r *repository) FindActiveByUser(ctx context.Context, userID uuid.UUID) (*models.PaymentQueueEntry, error) {
	var entry models.PaymentQueueEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, []enums.PaymentStatus{enums.PaymentStatusPending, enums.PaymentStatusProcessing}).
		Order("created_at ASC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListPendingIDs returns PENDING entry ids oldest first.
func (r *repository) ListPendingIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	q := r.db.WithContext(ctx).
		Model(&models.PaymentQueueEntry{}).
		Where("status = ?", enums.PaymentStatusPending).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// MarkProcessing flips a PENDING entry to PROCESSING and stamps its order
// reference. Zero rows means another worker got there first.
func (r *repository) MarkProcessing(ctx context.Context, id uuid.UUID, reference string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.PaymentQueueEntry{}).
		Where("id = ? AND status = ?", id, enums.PaymentStatusPending).
		Updates(map[string]any{
			"status":                enums.PaymentStatusProcessing,
			"order_reference":       reference,
			"processing_started_at": at,
			"attempts":              gorm.Expr("attempts + 1"),
			"updated_at":            at,
		})
	return res.RowsAffected, res.Error
}

// MarkTerminal moves a PROCESSING entry to COMPLETED or FAILED.
func (r *repository) MarkTerminal(ctx context.Context, id uuid.UUID, status enums.PaymentStatus, message *string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.PaymentQueueEntry{}).
		Where("id = ? AND status = ?", id, enums.PaymentStatusProcessing).
		Updates(map[string]any{
			"status":        status,
			"error_message": message,
			"processed_at":  at,
			"updated_at":    at,
		})
	return res.RowsAffected, res.Error
}

func (r *repository) ListStuck(ctx context.Context, startedBefore time.Time, limit int) ([]models.PaymentQueueEntry, error) {
	var entries []models.PaymentQueueEntry
	q := r.db.WithContext(ctx).
		Where("status = ? AND processing_started_at <= ?", enums.PaymentStatusProcessing, startedBefore).
		Order("processing_started_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repository) CountByStatus(ctx context.Context) (map[enums.PaymentStatus]int64, error) {
	var rows []struct {
		Status enums.PaymentStatus
		Total  int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.PaymentQueueEntry{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[enums.PaymentStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Total
	}
	return out, nil
}

func (r *repository) CountCompletedSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.PaymentQueueEntry{}).
		Where("status = ? AND processed_at >= ?", enums.PaymentStatusCompleted, since).
		Count(&count).Error
	return count, err
}
