package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymart-backend/pkg/db/models"
	"github.com/angelmondragon/keymart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymart-backend/pkg/errors"
	"github.com/angelmondragon/keymart-backend/pkg/lock"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
	"github.com/angelmondragon/keymart-backend/pkg/types"
)

type stockChecker interface {
	ValidateStock(ctx context.Context, quantities map[uuid.UUID]int) error
}

type balanceChecker interface {
	CheckBalance(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error
}

// Signaler is told about new entries so they can be processed before the next poll.
type Signaler interface {
	EntryEnqueued(entryID uuid.UUID)
}

// Queue accepts checkouts and answers status polls.
type Queue interface {
	Enqueue(ctx context.Context, userID uuid.UUID, cart types.Cart, total decimal.Decimal) (*models.PaymentQueueEntry, error)
	Status(ctx context.Context, userID, paymentID uuid.UUID) (*StatusView, error)
	PendingIDs(ctx context.Context, limit int) ([]uuid.UUID, error)
	Stats(ctx context.Context, now time.Time) (QueueStats, error)
}

// StatusView is what a buyer sees when polling a payment.
type StatusView struct {
	PaymentID      uuid.UUID           `json:"paymentId"`
	Status         enums.PaymentStatus `json:"status"`
	TotalAmount    decimal.Decimal     `json:"totalAmount"`
	OrderReference *string             `json:"orderReference,omitempty"`
	ErrorMessage   *string             `json:"errorMessage,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	ProcessedAt    *time.Time          `json:"processedAt,omitempty"`
}

// QueueStats counts entries for the performance monitor.
type QueueStats struct {
	ByStatus            map[enums.PaymentStatus]int64
	CompletedLastMinute int64
}

// QueueOptions holds the enqueue lock wait.
type QueueOptions struct {
	LockWait  time.Duration
	LockLease time.Duration
}

type queue struct {
	repo     Repository
	locker   lock.Locker
	stock    stockChecker
	balances balanceChecker
	signal   Signaler
	validate *validator.Validate
	opts     QueueOptions
	logg     *logger.Logger
}

// NewQueue wires the payment queue. signal may be nil.
func NewQueue(repo Repository, locker lock.Locker, stock stockChecker, balances balanceChecker, signal Signaler, opts QueueOptions, logg *logger.Logger) (Queue, error) {
	if repo == nil {
		return nil, fmt.Errorf("payment queue repository required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	if stock == nil {
		return nil, fmt.Errorf("stock checker required")
	}
	if balances == nil {
		return nil, fmt.Errorf("balance checker required")
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 5 * time.Second
	}
	if opts.LockLease <= 0 {
		opts.LockLease = 30 * time.Second
	}
	if logg == nil {
		logg = logger.Discard()
	}
	return &queue{
		repo:     repo,
		locker:   locker,
		stock:    stock,
		balances: balances,
		signal:   signal,
		validate: validator.New(),
		opts:     opts,
		logg:     logg,
	}, nil
}

// Enqueue validates the cart, fast-fails on stock and balance and persists a
// PENDING entry. A user may only have one non-terminal entry at a time.
func (q *queue) Enqueue(ctx context.Context, userID uuid.UUID, cart types.Cart, total decimal.Decimal) (*models.PaymentQueueEntry, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	if err := q.validateCart(cart, total); err != nil {
		return nil, err
	}
	snapshot, err := cart.Snapshot()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cart")
	}

	ctx = q.logg.WithUserID(ctx, userID.String())
	var entry *models.PaymentQueueEntry
	err = lock.WithLock(ctx, q.locker, lock.PaymentUserKey(userID), q.opts.LockWait, q.opts.LockLease, func(ctx context.Context) error {
		active, err := q.repo.FindActiveByUser(ctx, userID)
		if err != nil {
			return err
		}
		if active != nil {
			return pkgerrors.New(pkgerrors.CodeAlreadyInProgress, "a payment is already in progress").
				WithDetails(map[string]any{"paymentId": active.ID.String(), "status": active.Status})
		}
		if err := q.stock.ValidateStock(ctx, cart.Quantities()); err != nil {
			return err
		}
		if err := q.balances.CheckBalance(ctx, userID, total); err != nil {
			return err
		}
		entry = &models.PaymentQueueEntry{
			UserID:       userID,
			CartSnapshot: snapshot,
			TotalAmount:  total,
			Status:       enums.PaymentStatusPending,
		}
		return q.repo.Create(ctx, entry)
	})
	if err != nil {
		if lock.IsTimeout(err) {
			q.logg.Warn(ctx, "enqueue lock timeout")
		}
		return nil, err
	}

	q.logg.Info(q.logg.WithPaymentID(ctx, entry.ID.String()), "payment queued")
	if q.signal != nil {
		q.signal.EntryEnqueued(entry.ID)
	}
	return entry, nil
}

func (q *queue) validateCart(cart types.Cart, total decimal.Decimal) error {
	if cart.Units() == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "cart is empty")
	}
	for i, line := range cart {
		if err := q.validate.Struct(line); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("invalid cart line %d", i))
		}
		if line.Price.IsNegative() || line.Price.Exponent() < -2 {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid price on cart line %d", i))
		}
	}
	if !total.IsPositive() {
		return pkgerrors.New(pkgerrors.CodeValidation, "total amount must be positive")
	}
	if sum := cart.Total(); !sum.Equal(total) {
		return pkgerrors.New(pkgerrors.CodeValidation, "total amount does not match cart").
			WithDetails(map[string]any{"total": total.String(), "cart": sum.String()})
	}
	return nil
}

func (q *queue) Status(ctx context.Context, userID, paymentID uuid.UUID) (*StatusView, error) {
	entry, err := q.repo.FindByID(ctx, paymentID)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && entry.UserID != userID) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	if err != nil {
		return nil, err
	}
	return &StatusView{
		PaymentID:      entry.ID,
		Status:         entry.Status,
		TotalAmount:    entry.TotalAmount,
		OrderReference: entry.OrderReference,
		ErrorMessage:   entry.ErrorMessage,
		CreatedAt:      entry.CreatedAt,
		ProcessedAt:    entry.ProcessedAt,
	}, nil
}

func (q *queue) PendingIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return q.repo.ListPendingIDs(ctx, limit)
}

func (q *queue) Stats(ctx context.Context, now time.Time) (QueueStats, error) {
	now = now.UTC()
	byStatus, err := q.repo.CountByStatus(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	completed, err := q.repo.CountCompletedSince(ctx, now.Add(-time.Minute))
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{ByStatus: byStatus, CompletedLastMinute: completed}, nil
}
