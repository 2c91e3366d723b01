package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymart-backend/internal/orders"
	"github.com/angelmondragon/keymart-backend/pkg/db/models"
	"github.com/angelmondragon/keymart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymart-backend/pkg/errors"
	"github.com/angelmondragon/keymart-backend/pkg/lock"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
	"github.com/angelmondragon/keymart-backend/pkg/outbox"
	"github.com/angelmondragon/keymart-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// SettlementSource resolves the orders a hold pays for.
type SettlementSource interface {
	Settlement(ctx context.Context, tx *gorm.DB, reference string) (*orders.Settlement, error)
	MarkSettled(ctx context.Context, tx *gorm.DB, reference string) error
}

// HoldHints receives a notification for every new hold so its expiry can be
// handled before the next reaper sweep.
type HoldHints interface {
	HoldCreated(holdID uuid.UUID, expiresAt time.Time)
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// HoldOutcome is how a hold was settled by a call.
type HoldOutcome string

const (
	HoldUntouched HoldOutcome = "untouched"
	HoldCompleted HoldOutcome = "completed"
	HoldRefunded  HoldOutcome = "refunded"
)

// MovementPage is one page of the ledger, newest first.
type MovementPage struct {
	Items      []models.WalletMovement
	NextCursor string
}

// ExpirySummary reports one reaper pass over expired holds.
type ExpirySummary struct {
	Scanned   int
	Completed int
	Refunded  int
}

// Service is the wallet hold manager and balance ledger.
type Service interface {
	Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	CheckBalance(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error
	Hold(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) (*models.WalletHold, error)
	Release(ctx context.Context, userID uuid.UUID, reference string) (int, error)
	Complete(ctx context.Context, holdID uuid.UUID) (HoldOutcome, error)
	ExpireHold(ctx context.Context, holdID uuid.UUID) (HoldOutcome, error)
	ProcessExpired(ctx context.Context, now time.Time, batch int) (ExpirySummary, error)
	WithActiveHold(ctx context.Context, holdID uuid.UUID, fn func(ctx context.Context, tx *gorm.DB) error) error
	Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, description string) (*models.WalletMovement, error)
	Withdraw(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, description string) (*models.WalletMovement, error)
	Movements(ctx context.Context, userID uuid.UUID, page pagination.Params) (MovementPage, error)
	HoldStats(ctx context.Context, now time.Time) (pending, expired int64, err error)
}

// Options configures the hold manager.
type Options struct {
	PlatformUserID uuid.UUID
	HoldExpiry     time.Duration
	LockWait       time.Duration
	LockLease      time.Duration
}

func (o Options) withDefaults() Options {
	if o.HoldExpiry <= 0 {
		o.HoldExpiry = time.Minute
	}
	if o.LockWait <= 0 {
		o.LockWait = 10 * time.Second
	}
	if o.LockLease <= 0 {
		o.LockLease = 30 * time.Second
	}
	return o
}

// Deps groups the collaborators of the wallet service.
type Deps struct {
	Tx          txRunner
	Repo        Repository
	Locker      lock.Locker
	Settlements SettlementSource
	Outbox      outboxEmitter
	Hints       HoldHints
	Logger      *logger.Logger
}

type service struct {
	tx          txRunner
	repo        Repository
	locker      lock.Locker
	settlements SettlementSource
	outbox      outboxEmitter
	hints       HoldHints
	opts        Options
	logg        *logger.Logger
	now         func() time.Time
}

// NewService builds the wallet service.
func NewService(deps Deps, opts Options) (Service, error) {
	if deps.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if deps.Repo == nil {
		return nil, fmt.Errorf("wallet repository required")
	}
	if deps.Locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	if deps.Settlements == nil {
		return nil, fmt.Errorf("settlement source required")
	}
	if opts.PlatformUserID == uuid.Nil {
		return nil, fmt.Errorf("platform user id required")
	}
	logg := deps.Logger
	if logg == nil {
		logg = logger.Discard()
	}
	return &service{
		tx:          deps.Tx,
		repo:        deps.Repo,
		locker:      deps.Locker,
		settlements: deps.Settlements,
		outbox:      deps.Outbox,
		hints:       deps.Hints,
		opts:        opts.withDefaults(),
		logg:        logg,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) withWallet(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, tx *gorm.DB) error) error {
	return lock.WithLock(ctx, s.locker, lock.WalletUserKey(userID), s.opts.LockWait, s.opts.LockLease, func(ctx context.Context) error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			return fn(ctx, tx)
		})
	})
}

func (s *service) Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	return s.repo.Balance(ctx, userID)
}

// CheckBalance is the advisory pre-check run before a payment is queued.
func (s *service) CheckBalance(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	balance, err := s.repo.Balance(ctx, userID)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return insufficientBalance(amount, balance)
	}
	return nil
}

// Hold debits amount from the user's balance into a pending hold. Holding the
// same reference twice returns the existing pending hold.
func (s *service) Hold(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) (*models.WalletHold, error) {
	if !amount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "hold amount must be positive")
	}
	if reference == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order reference required")
	}

	var (
		hold    *models.WalletHold
		created bool
	)
	err := s.withWallet(ctx, userID, func(ctx context.Context, tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		existing, err := repo.FindHoldByReference(ctx, userID, reference)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Status == enums.HoldStatusPending && existing.Amount.Equal(amount) {
				hold = existing
				return nil
			}
			return pkgerrors.New(pkgerrors.CodeConflict, "a hold already exists for this order reference")
		}

		balance, err := repo.Balance(ctx, userID)
		if err != nil {
			return err
		}
		if balance.LessThan(amount) {
			return insufficientBalance(amount, balance)
		}
		if err := repo.SetBalance(ctx, userID, balance.Sub(amount)); err != nil {
			return fmt.Errorf("debit wallet: %w", err)
		}

		now := s.now()
		holdID := uuid.New()
		ref := reference
		movement := &models.WalletMovement{
			UserID:         userID,
			Amount:         amount,
			Type:           enums.MovementPurchase,
			Status:         enums.MovementStatusPending,
			OrderReference: &ref,
			HoldID:         &holdID,
			Description:    "funds held for " + reference,
		}
		if err := repo.CreateMovement(ctx, movement); err != nil {
			return fmt.Errorf("record hold movement: %w", err)
		}
		hold = &models.WalletHold{
			ID:             holdID,
			UserID:         userID,
			Amount:         amount,
			OrderReference: reference,
			Status:         enums.HoldStatusPending,
			ExpiresAt:      now.Add(s.opts.HoldExpiry),
			MovementID:     &movement.ID,
		}
		if err := repo.CreateHold(ctx, hold); err != nil {
			return fmt.Errorf("create hold: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.logg.Info(s.holdCtx(ctx, hold), "wallet hold created")
		if s.hints != nil {
			s.hints.HoldCreated(hold.ID, hold.ExpiresAt)
		}
	}
	return hold, nil
}

// Release cancels the user's pending holds for reference and refunds them.
// It returns how many holds were refunded; zero means there was nothing to do.
func (s *service) Release(ctx context.Context, userID uuid.UUID, reference string) (int, error) {
	released := 0
	err := s.withWallet(ctx, userID, func(ctx context.Context, tx *gorm.DB) error {
		holds, err := s.repo.WithTx(tx).ListPendingByReference(ctx, userID, reference)
		if err != nil {
			return err
		}
		for i := range holds {
			ok, err := s.refundTx(ctx, tx, &holds[i], "released")
			if err != nil {
				return err
			}
			if ok {
				released++
			}
		}
		return nil
	})
	return released, err
}

func (s *service) refundTx(ctx context.Context, tx *gorm.DB, hold *models.WalletHold, reason string) (bool, error) {
	repo := s.repo.WithTx(tx)
	now := s.now()
	n, err := repo.TransitionHold(ctx, hold.ID, enums.HoldStatusPending, enums.HoldStatusCancelled, now)
	if err != nil {
		return false, fmt.Errorf("cancel hold: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	balance, err := repo.Balance(ctx, hold.UserID)
	if err != nil {
		return false, err
	}
	if err := repo.SetBalance(ctx, hold.UserID, balance.Add(hold.Amount)); err != nil {
		return false, fmt.Errorf("refund wallet: %w", err)
	}
	ref := hold.OrderReference
	holdID := hold.ID
	if err := repo.CreateMovement(ctx, &models.WalletMovement{
		UserID:         hold.UserID,
		Amount:         hold.Amount,
		Type:           enums.MovementRefund,
		Status:         enums.MovementStatusSuccess,
		OrderReference: &ref,
		HoldID:         &holdID,
		Description:    "hold " + reason,
	}); err != nil {
		return false, fmt.Errorf("record refund movement: %w", err)
	}
	if hold.MovementID != nil {
		if err := repo.UpdateMovementStatus(ctx, *hold.MovementID, enums.MovementStatusSuccess); err != nil {
			return false, fmt.Errorf("close hold movement: %w", err)
		}
	}
	if err := s.emit(ctx, tx, enums.EventHoldRefunded, hold, reason); err != nil {
		return false, err
	}
	hold.Status = enums.HoldStatusCancelled
	hold.CancelledAt = &now
	s.logg.Info(s.logg.WithField(s.holdCtx(ctx, hold), "reason", reason), "wallet hold refunded")
	return true, nil
}

// Complete settles a pending hold against its orders and pays sellers and the
// platform. A hold whose orders cannot be found is refunded instead.
// Calling Complete on an already completed hold retries any missing payouts.
func (s *service) Complete(ctx context.Context, holdID uuid.UUID) (HoldOutcome, error) {
	hold, err := s.findHold(ctx, holdID)
	if err != nil {
		return HoldUntouched, err
	}
	switch hold.Status {
	case enums.HoldStatusCancelled:
		return HoldUntouched, nil
	case enums.HoldStatusCompleted:
		settlement, err := s.settlements.Settlement(ctx, nil, hold.OrderReference)
		if err != nil {
			return HoldCompleted, err
		}
		return HoldCompleted, s.distribute(ctx, hold, settlement)
	}

	var (
		outcome    = HoldUntouched
		settlement *orders.Settlement
	)
	err = s.withWallet(ctx, hold.UserID, func(ctx context.Context, tx *gorm.DB) error {
		var err error
		outcome, settlement, err = s.settleTx(ctx, tx, hold)
		return err
	})
	if err != nil {
		return HoldUntouched, err
	}
	if outcome != HoldCompleted {
		return outcome, nil
	}
	return outcome, s.distribute(ctx, hold, settlement)
}

// settleTx must run under the holder's wallet lock.
func (s *service) settleTx(ctx context.Context, tx *gorm.DB, hold *models.WalletHold) (HoldOutcome, *orders.Settlement, error) {
	current, err := s.repo.WithTx(tx).FindHold(ctx, hold.ID)
	if err != nil {
		return HoldUntouched, nil, err
	}
	if current.Status != enums.HoldStatusPending {
		*hold = *current
		return HoldUntouched, nil, nil
	}
	*hold = *current

	settlement, err := s.settlements.Settlement(ctx, tx, hold.OrderReference)
	if err != nil {
		return HoldUntouched, nil, fmt.Errorf("load settlement: %w", err)
	}
	if settlement.Orders == 0 {
		orphan := pkgerrors.New(pkgerrors.CodeOrphanedHold, "no orders found for hold")
		s.logg.Warn(s.logg.WithField(s.holdCtx(ctx, hold), "error", orphan.Error()), "refunding orphaned hold")
		if _, err := s.refundTx(ctx, tx, hold, "orphaned"); err != nil {
			return HoldUntouched, nil, err
		}
		return HoldRefunded, nil, nil
	}
	if !settlement.Total.Equal(hold.Amount) {
		return HoldUntouched, nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order total does not match held amount").
			WithDetails(map[string]any{"held": hold.Amount.String(), "orders": settlement.Total.String()})
	}

	repo := s.repo.WithTx(tx)
	now := s.now()
	n, err := repo.TransitionHold(ctx, hold.ID, enums.HoldStatusPending, enums.HoldStatusCompleted, now)
	if err != nil {
		return HoldUntouched, nil, fmt.Errorf("complete hold: %w", err)
	}
	if n == 0 {
		return HoldUntouched, nil, nil
	}
	if hold.MovementID != nil {
		if err := repo.UpdateMovementStatus(ctx, *hold.MovementID, enums.MovementStatusSuccess); err != nil {
			return HoldUntouched, nil, fmt.Errorf("close hold movement: %w", err)
		}
	}
	if err := s.settlements.MarkSettled(ctx, tx, hold.OrderReference); err != nil {
		return HoldUntouched, nil, fmt.Errorf("mark orders settled: %w", err)
	}
	if err := s.emit(ctx, tx, enums.EventHoldCompleted, hold, ""); err != nil {
		return HoldUntouched, nil, err
	}
	hold.Status = enums.HoldStatusCompleted
	hold.CompletedAt = &now
	return HoldCompleted, settlement, nil
}

// distribute credits every recipient under that recipient's own wallet lock.
func (s *service) distribute(ctx context.Context, hold *models.WalletHold, settlement *orders.Settlement) error {
	var errs error
	for _, payout := range settlement.Sellers {
		if err := s.credit(ctx, payout.SellerID, payout.Amount, enums.MovementSale, hold); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("credit seller %s: %w", payout.SellerID, err))
		}
	}
	if err := s.credit(ctx, s.opts.PlatformUserID, settlement.Commission, enums.MovementCommission, hold); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("credit platform commission: %w", err))
	}
	if errs != nil {
		s.logg.Error(s.holdCtx(ctx, hold), "hold payout incomplete", errs)
		return errs
	}
	s.logg.Info(s.holdCtx(ctx, hold), "wallet hold completed")
	return nil
}

func (s *service) credit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, kind enums.MovementType, hold *models.WalletHold) error {
	if !amount.IsPositive() {
		return nil
	}
	return s.withWallet(ctx, userID, func(ctx context.Context, tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		done, err := repo.HasMovement(ctx, hold.ID, userID, kind)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		balance, err := repo.Balance(ctx, userID)
		if err != nil {
			return err
		}
		if err := repo.SetBalance(ctx, userID, balance.Add(amount)); err != nil {
			return err
		}
		ref := hold.OrderReference
		holdID := hold.ID
		return repo.CreateMovement(ctx, &models.WalletMovement{
			UserID:         userID,
			Amount:         amount,
			Type:           kind,
			Status:         enums.MovementStatusSuccess,
			OrderReference: &ref,
			HoldID:         &holdID,
			Description:    fmt.Sprintf("%s for %s", kind, hold.OrderReference),
		})
	})
}

// ExpireHold settles a hold whose window elapsed. Holds with orders are
// completed; completion failures and holds without orders are refunded.
func (s *service) ExpireHold(ctx context.Context, holdID uuid.UUID) (HoldOutcome, error) {
	return s.expire(ctx, holdID, s.now())
}

func (s *service) expire(ctx context.Context, holdID uuid.UUID, now time.Time) (HoldOutcome, error) {
	hold, err := s.findHold(ctx, holdID)
	if err != nil {
		return HoldUntouched, err
	}
	if hold.Status != enums.HoldStatusPending || now.Before(hold.ExpiresAt) {
		return HoldUntouched, nil
	}
	outcome, err := s.Complete(ctx, holdID)
	if err == nil || outcome == HoldCompleted {
		return outcome, err
	}
	s.logg.Warn(s.logg.WithField(s.holdCtx(ctx, hold), "error", err.Error()), "hold completion failed, refunding")
	released, relErr := s.Release(ctx, hold.UserID, hold.OrderReference)
	if relErr != nil {
		return HoldUntouched, multierr.Append(err, relErr)
	}
	if released == 0 {
		return HoldUntouched, err
	}
	return HoldRefunded, nil
}

func (s *service) ProcessExpired(ctx context.Context, now time.Time, batch int) (ExpirySummary, error) {
	now = now.UTC()
	if batch <= 0 {
		batch = 10
	}
	var summary ExpirySummary
	holds, err := s.repo.ListExpiredPending(ctx, now, batch)
	if err != nil {
		return summary, err
	}
	var errs error
	for _, hold := range holds {
		summary.Scanned++
		outcome, err := s.expire(ctx, hold.ID, now)
		switch outcome {
		case HoldCompleted:
			summary.Completed++
		case HoldRefunded:
			summary.Refunded++
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire hold %s: %w", hold.ID, err))
		}
	}
	return summary, errs
}

// WithActiveHold runs fn in a transaction under the holder's wallet lock, but
// only while the hold is pending and unexpired. Expiry handling takes the same
// lock, so work done by fn can never race a refund of the hold.
func (s *service) WithActiveHold(ctx context.Context, holdID uuid.UUID, fn func(ctx context.Context, tx *gorm.DB) error) error {
	hold, err := s.findHold(ctx, holdID)
	if err != nil {
		return err
	}
	return s.withWallet(ctx, hold.UserID, func(ctx context.Context, tx *gorm.DB) error {
		current, err := s.repo.WithTx(tx).FindHold(ctx, holdID)
		if err != nil {
			return err
		}
		if current.Status != enums.HoldStatusPending {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "hold is no longer pending").
				WithDetails(map[string]any{"status": current.Status})
		}
		if !s.now().Before(current.ExpiresAt) {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "hold expired")
		}
		return fn(ctx, tx)
	})
}

func (s *service) Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, description string) (*models.WalletMovement, error) {
	return s.move(ctx, userID, amount, enums.MovementDeposit, description)
}

func (s *service) Withdraw(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, description string) (*models.WalletMovement, error) {
	return s.move(ctx, userID, amount, enums.MovementWithdraw, description)
}

func (s *service) move(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, kind enums.MovementType, description string) (*models.WalletMovement, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	if !amount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if amount.Exponent() < -2 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount supports at most two decimals")
	}
	var movement *models.WalletMovement
	err := s.withWallet(ctx, userID, func(ctx context.Context, tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		balance, err := repo.Balance(ctx, userID)
		if err != nil {
			return err
		}
		next := balance.Add(amount)
		if !kind.IsCredit() {
			if balance.LessThan(amount) {
				return insufficientBalance(amount, balance)
			}
			next = balance.Sub(amount)
		}
		if err := repo.SetBalance(ctx, userID, next); err != nil {
			return err
		}
		movement = &models.WalletMovement{
			UserID:      userID,
			Amount:      amount,
			Type:        kind,
			Status:      enums.MovementStatusSuccess,
			Description: description,
		}
		return repo.CreateMovement(ctx, movement)
	})
	if err != nil {
		return nil, err
	}
	return movement, nil
}

func (s *service) Movements(ctx context.Context, userID uuid.UUID, page pagination.Params) (MovementPage, error) {
	after, err := pagination.ParseCursor(page.Cursor)
	if err != nil {
		return MovementPage{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.ListMovements(ctx, userID, after, page.Limit)
	if err != nil {
		return MovementPage{}, err
	}
	items, next := pagination.Trim(rows, page.Limit, func(m models.WalletMovement) pagination.Cursor {
		return pagination.Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
	})
	return MovementPage{Items: items, NextCursor: next}, nil
}

func (s *service) HoldStats(ctx context.Context, now time.Time) (int64, int64, error) {
	now = now.UTC()
	pending, err := s.repo.CountHolds(ctx, enums.HoldStatusPending)
	if err != nil {
		return 0, 0, err
	}
	expired, err := s.repo.CountExpiredPending(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	return pending, expired, nil
}

func (s *service) findHold(ctx context.Context, holdID uuid.UUID) (*models.WalletHold, error) {
	hold, err := s.repo.FindHold(ctx, holdID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "hold not found")
	}
	return hold, err
}

func (s *service) emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, hold *models.WalletHold, reason string) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateWalletHold,
		AggregateID:   hold.ID,
		Actor:         &outbox.ActorRef{UserID: hold.UserID},
		Data: outbox.HoldSettledEvent{
			HoldID:         hold.ID,
			UserID:         hold.UserID,
			OrderReference: hold.OrderReference,
			Amount:         hold.Amount,
			Reason:         reason,
		},
	})
}

func (s *service) holdCtx(ctx context.Context, hold *models.WalletHold) context.Context {
	ctx = s.logg.WithOrderReference(ctx, hold.OrderReference)
	return s.logg.WithFields(ctx, map[string]any{
		"hold_id": hold.ID.String(),
		"user_id": hold.UserID.String(),
		"amount":  hold.Amount.String(),
	})
}

func insufficientBalance(required, available decimal.Decimal) error {
	return pkgerrors.New(pkgerrors.CodeInsufficientBalance, "insufficient wallet balance").
		WithDetails(map[string]any{"required": required.String(), "available": available.String()})
}
