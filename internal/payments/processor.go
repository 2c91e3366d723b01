package payments

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
	"github.com/angelmondragon/keymart-backend/internal/wallet"
	"github.com/angelmondragon/keymart-backend/pkg/db/models"
	"github.com/angelmondragon/keymart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymart-backend/pkg/errors"
	"github.com/angelmondragon/keymart-backend/pkg/lock"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
	"github.com/angelmondragon/keymart-backend/pkg/metrics"
	"github.com/angelmondragon/keymart-backend/pkg/outbox"
	"github.com/angelmondragon/keymart-backend/pkg/tracing"
	"github.com/angelmondragon/keymart-backend/pkg/types"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type reserver interface {
	Reserve(ctx context.Context, quantities map[uuid.UUID]int, holderID uuid.UUID, lease time.Duration) ([]models.InventoryUnit, error)
	ReleaseHeldBy(ctx context.Context, holderID uuid.UUID) (int, error)
	MarkConsumed(ctx context.Context, tx *gorm.DB, units []models.InventoryUnit, holderID uuid.UUID) error
}

type holder interface {
	Hold(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference string) (*models.WalletHold, error)
	Release(ctx context.Context, userID uuid.UUID, reference string) (int, error)
	Complete(ctx context.Context, holdID uuid.UUID) (wallet.HoldOutcome, error)
	WithActiveHold(ctx context.Context, holdID uuid.UUID, fn func(ctx context.Context, tx *gorm.DB) error) error
}

type materializer interface {
	Materialize(ctx context.Context, tx *gorm.DB, input orders.MaterializeInput) ([]models.Order, error)
	HasOrders(ctx context.Context, reference string) (bool, error)
	ListByReference(ctx context.Context, reference string) ([]models.Order, error)
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Processor runs the reserve, hold and materialize saga for queue entries.
type Processor interface {
	ProcessEntry(ctx context.Context, entryID uuid.UUID) (enums.PaymentStatus, error)
	RecoverStuck(ctx context.Context, now time.Time, limit int) (RecoverySummary, error)
}

// RecoverySummary reports one stuck-entry sweep.
type RecoverySummary struct {
	Scanned   int
	Completed int
	Failed    int
}

// ProcessorOptions configures lock waits, leases and timeouts.
type ProcessorOptions struct {
	EntryLockWait    time.Duration
	LockLease        time.Duration
	ReservationLease time.Duration
	ProcessTimeout   time.Duration
	StuckAfter       time.Duration
}

func (o ProcessorOptions) withDefaults() ProcessorOptions {
	if o.EntryLockWait <= 0 {
		o.EntryLockWait = 3 * time.Second
	}
	if o.LockLease <= 0 {
		o.LockLease = 30 * time.Second
	}
	if o.ReservationLease <= 0 {
		o.ReservationLease = 5 * time.Minute
	}
	if o.ProcessTimeout <= 0 {
		o.ProcessTimeout = time.Minute
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = 10 * time.Minute
	}
	return o
}

// ProcessorDeps groups the collaborators of the orchestrator.
type ProcessorDeps struct {
	Tx        txRunner
	Repo      Repository
	Locker    lock.Locker
	Inventory reserver
	Wallet    holder
	Orders    materializer
	Outbox    outboxEmitter
	Metrics   *metrics.PaymentMetrics
	Logger    *logger.Logger
}

type processor struct {
	tx        txRunner
	repo      Repository
	locker    lock.Locker
	inventory reserver
	wallet    holder
	orders    materializer
	outbox    outboxEmitter
	metrics   *metrics.PaymentMetrics
	opts      ProcessorOptions
	logg      *logger.Logger
	now       func() time.Time
}

func NewProcessor(deps ProcessorDeps, opts ProcessorOptions) (Processor, error) {
	switch {
	case deps.Tx == nil:
		return nil, fmt.Errorf("tx runner required")
	case deps.Repo == nil:
		return nil, fmt.Errorf("payment queue repository required")
	case deps.Locker == nil:
		return nil, fmt.Errorf("locker required")
	case deps.Inventory == nil:
		return nil, fmt.Errorf("inventory service required")
	case deps.Wallet == nil:
		return nil, fmt.Errorf("wallet service required")
	case deps.Orders == nil:
		return nil, fmt.Errorf("orders service required")
	}
	logg := deps.Logger
	if logg == nil {
		logg = logger.Discard()
	}
	return &processor{
		tx:        deps.Tx,
		repo:      deps.Repo,
		locker:    deps.Locker,
		inventory: deps.Inventory,
		wallet:    deps.Wallet,
		orders:    deps.Orders,
		outbox:    deps.Outbox,
		metrics:   deps.Metrics,
		opts:      opts.withDefaults(),
		logg:      logg,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// OrderReference builds the reference shared by an entry's hold and orders.
func OrderReference(userID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("ORDER_%s_%d", userID, at.UnixMilli())
}

// ProcessEntry drives one PENDING entry to a terminal state. Entries that are
// not PENDING, or that another worker is processing, are left alone and their
// current status is returned.
func (p *processor) ProcessEntry(ctx context.Context, entryID uuid.UUID) (enums.PaymentStatus, error) {
	ctx = p.logg.WithPaymentID(ctx, entryID.String())
	var status enums.PaymentStatus
	lease := p.opts.ProcessTimeout + p.opts.LockLease
	err := lock.WithLock(ctx, p.locker, lock.PaymentEntryKey(entryID), p.opts.EntryLockWait, lease, func(ctx context.Context) error {
		var err error
		status, err = p.process(ctx, entryID)
		return err
	})
	if lock.IsTimeout(err) {
		p.logg.Debug(ctx, "entry is being processed elsewhere")
	}
	return status, err
}

func (p *processor) process(ctx context.Context, entryID uuid.UUID) (enums.PaymentStatus, error) {
	entry, err := p.repo.FindByID(ctx, entryID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	if err != nil {
		return "", err
	}
	if entry.Status != enums.PaymentStatusPending {
		return entry.Status, nil
	}

	started := p.now()
	reference := OrderReference(entry.UserID, started)
	n, err := p.repo.MarkProcessing(ctx, entry.ID, reference, started)
	if err != nil {
		return "", fmt.Errorf("mark processing: %w", err)
	}
	if n == 0 {
		return enums.PaymentStatusProcessing, nil
	}
	entry.Status = enums.PaymentStatusProcessing
	entry.OrderReference = &reference

	ctx = p.logg.WithUserID(p.logg.WithOrderReference(ctx, reference), entry.UserID.String())
	ctx, span := tracing.StartSpan(ctx, "payment.process", map[string]string{
		"payment.id":      entry.ID.String(),
		"order.reference": reference,
	})
	runCtx, cancel := context.WithTimeout(ctx, p.opts.ProcessTimeout)
	defer cancel()

	run := &paymentRun{processor: p, entry: entry, reference: reference}
	sagaErr := run.saga().Run(runCtx)
	tracing.End(span, sagaErr)
	if sagaErr != nil {
		return p.fail(ctx, entry, reference, sagaErr)
	}
	return p.succeed(ctx, run)
}

// paymentRun carries the state produced by the steps of one attempt.
type paymentRun struct {
	*processor
	entry     *models.PaymentQueueEntry
	reference string
	cart      types.Cart
	units     []models.InventoryUnit
	hold      *models.WalletHold
	placed    []models.Order
}

func (r *paymentRun) saga() *Saga {
	return NewSaga(r.logg, r.metrics,
		Step{Name: "parse_cart", Action: r.parseCart},
		Step{Name: "reserve", Action: r.reserve, Compensate: r.releaseUnits},
		Step{Name: "hold", Action: r.holdFunds, Compensate: r.releaseHold},
		Step{Name: "materialize", Action: r.materialize},
	)
}

func (r *paymentRun) parseCart(context.Context) error {
	cart, err := types.ParseCart(r.entry.CartSnapshot)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unreadable cart")
	}
	if cart.Units() == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "cart is empty")
	}
	r.cart = cart
	return nil
}

func (r *paymentRun) reserve(ctx context.Context) error {
	units, err := r.inventory.Reserve(ctx, r.cart.Quantities(), r.entry.ID, r.opts.ReservationLease)
	if err != nil {
		return err
	}
	r.units = units
	if want := r.cart.Units(); len(units) != want {
		return pkgerrors.New(pkgerrors.CodePartialReservationRace, "reserved units do not match cart").
			WithDetails(map[string]any{"required": want, "reserved": len(units)})
	}
	return nil
}

// releaseUnits sweeps by holder so units claimed by a reserve call that failed
// half way are never leaked, and units re-claimed by another entry are kept.
func (r *paymentRun) releaseUnits(ctx context.Context) error {
	_, err := r.inventory.ReleaseHeldBy(ctx, r.entry.ID)
	return err
}

func (r *paymentRun) holdFunds(ctx context.Context) error {
	hold, err := r.wallet.Hold(ctx, r.entry.UserID, r.entry.TotalAmount, r.reference)
	if err != nil {
		return err
	}
	r.hold = hold
	return nil
}

func (r *paymentRun) releaseHold(ctx context.Context) error {
	_, err := r.wallet.Release(ctx, r.entry.UserID, r.reference)
	return err
}

// materialize creates the orders and consumes the units in one transaction
// that only commits while the hold is still pending.
func (r *paymentRun) materialize(ctx context.Context) error {
	return r.wallet.WithActiveHold(ctx, r.hold.ID, func(ctx context.Context, tx *gorm.DB) error {
		created, err := r.orders.Materialize(ctx, tx, orders.MaterializeInput{
			PaymentID:      r.entry.ID,
			BuyerID:        r.entry.UserID,
			OrderReference: r.reference,
			Cart:           r.cart,
			Units:          r.units,
		})
		if err != nil {
			return err
		}
		if err := r.inventory.MarkConsumed(ctx, tx, r.units, r.entry.ID); err != nil {
			return err
		}
		r.placed = created
		return nil
	})
}

func (p *processor) succeed(ctx context.Context, run *paymentRun) (enums.PaymentStatus, error) {
	outcome, err := p.wallet.Complete(context.WithoutCancel(ctx), run.hold.ID)
	if err != nil {
		p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "hold settlement deferred to reaper")
	} else if outcome != wallet.HoldCompleted {
		p.logg.Warn(p.logg.WithField(ctx, "outcome", string(outcome)), "hold was not completed")
	}

	orderIDs := make([]uuid.UUID, 0, len(run.placed))
	for _, o := range run.placed {
		orderIDs = append(orderIDs, o.ID)
	}
	event := outbox.PaymentCompletedEvent{
		PaymentID:      run.entry.ID,
		UserID:         run.entry.UserID,
		OrderReference: run.reference,
		TotalAmount:    run.entry.TotalAmount,
		OrderIDs:       orderIDs,
		UnitCount:      len(run.units),
	}
	if err := p.finish(context.WithoutCancel(ctx), run.entry, enums.PaymentStatusCompleted, nil, enums.EventPaymentCompleted, event); err != nil {
		return enums.PaymentStatusProcessing, err
	}
	p.metrics.IncOutcome("completed")
	p.logg.Info(p.logg.WithField(ctx, "orders", len(run.placed)), "payment completed")
	return enums.PaymentStatusCompleted, nil
}

func (p *processor) fail(ctx context.Context, entry *models.PaymentQueueEntry, reference string, cause error) (enums.PaymentStatus, error) {
	message := failureMessage(cause)
	code := ""
	if typed := pkgerrors.As(cause); typed != nil {
		code = string(typed.Code())
	}
	event := outbox.PaymentFailedEvent{
		PaymentID:      entry.ID,
		UserID:         entry.UserID,
		OrderReference: reference,
		TotalAmount:    entry.TotalAmount,
		Reason:         message,
		Code:           code,
	}
	if err := p.finish(context.WithoutCancel(ctx), entry, enums.PaymentStatusFailed, &message, enums.EventPaymentFailed, event); err != nil {
		return enums.PaymentStatusProcessing, multierr.Append(cause, err)
	}
	p.metrics.IncOutcome("failed")

	var sagaErr *SagaError
	if errors.As(cause, &sagaErr) && sagaErr.Compensation != nil {
		p.logg.Error(ctx, "payment failed with incomplete compensation", cause)
	} else {
		p.logg.Warn(p.logg.WithFields(ctx, map[string]any{"reason": message, "code": code}), "payment failed")
	}
	return enums.PaymentStatusFailed, nil
}

func (p *processor) finish(ctx context.Context, entry *models.PaymentQueueEntry, status enums.PaymentStatus, message *string, eventType enums.OutboxEventType, data any) error {
	return p.tx.WithTx(ctx, func(tx *gorm.DB) error {
		n, err := p.repo.WithTx(tx).MarkTerminal(ctx, entry.ID, status, message, p.now())
		if err != nil {
			return fmt.Errorf("mark %s: %w", status, err)
		}
		if n == 0 {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payment is no longer processing")
		}
		if p.outbox == nil {
			return nil
		}
		return p.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     eventType,
			AggregateType: enums.AggregatePayment,
			AggregateID:   entry.ID,
			Actor:         &outbox.ActorRef{UserID: entry.UserID, Role: "buyer"},
			Data:          data,
		})
	})
}

// RecoverStuck resolves entries left in PROCESSING by a crashed worker. Entries
// whose orders exist are completed; the rest are compensated and failed.
func (p *processor) RecoverStuck(ctx context.Context, now time.Time, limit int) (RecoverySummary, error) {
	now = now.UTC()
	var summary RecoverySummary
	entries, err := p.repo.ListStuck(ctx, now.Add(-p.opts.StuckAfter), limit)
	if err != nil {
		return summary, err
	}
	var errs error
	for i := range entries {
		entry := entries[i]
		summary.Scanned++
		entryCtx := p.logg.WithPaymentID(ctx, entry.ID.String())
		err := lock.WithLock(entryCtx, p.locker, lock.PaymentEntryKey(entry.ID), p.opts.EntryLockWait, p.opts.LockLease, func(ctx context.Context) error {
			status, err := p.recover(ctx, &entry)
			switch status {
			case enums.PaymentStatusCompleted:
				summary.Completed++
			case enums.PaymentStatusFailed:
				summary.Failed++
			}
			return err
		})
		if lock.IsTimeout(err) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("recover payment %s: %w", entry.ID, err))
		}
	}
	return summary, errs
}

func (p *processor) recover(ctx context.Context, entry *models.PaymentQueueEntry) (enums.PaymentStatus, error) {
	current, err := p.repo.FindByID(ctx, entry.ID)
	if err != nil {
		return "", err
	}
	if current.Status != enums.PaymentStatusProcessing {
		return "", nil
	}
	reference := ""
	if current.OrderReference != nil {
		reference = *current.OrderReference
	}
	ctx = p.logg.WithOrderReference(ctx, reference)

	if reference != "" {
		placed, err := p.orders.ListByReference(ctx, reference)
		if err != nil {
			return "", err
		}
		if len(placed) > 0 {
			ids := make([]uuid.UUID, 0, len(placed))
			units := 0
			for _, o := range placed {
				ids = append(ids, o.ID)
				units += len(o.Lines)
			}
			event := outbox.PaymentCompletedEvent{
				PaymentID:      current.ID,
				UserID:         current.UserID,
				OrderReference: reference,
				TotalAmount:    current.TotalAmount,
				OrderIDs:       ids,
				UnitCount:      units,
			}
			if err := p.finish(ctx, current, enums.PaymentStatusCompleted, nil, enums.EventPaymentCompleted, event); err != nil {
				return "", err
			}
			p.metrics.IncOutcome("recovered")
			p.logg.Warn(ctx, "stuck payment completed from existing orders")
			return enums.PaymentStatusCompleted, nil
		}
	}

	var errs error
	if reference != "" {
		if _, err := p.wallet.Release(ctx, current.UserID, reference); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("release hold: %w", err))
		}
	}
	if _, err := p.inventory.ReleaseHeldBy(ctx, current.ID); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("release units: %w", err))
	}
	if errs != nil {
		return "", errs
	}
	message := "payment processing timed out"
	event := outbox.PaymentFailedEvent{
		PaymentID:      current.ID,
		UserID:         current.UserID,
		OrderReference: reference,
		TotalAmount:    current.TotalAmount,
		Reason:         message,
	}
	if err := p.finish(ctx, current, enums.PaymentStatusFailed, &message, enums.EventPaymentFailed, event); err != nil {
		return "", err
	}
	p.metrics.IncOutcome("failed")
	p.logg.Warn(ctx, "stuck payment compensated and failed")
	return enums.PaymentStatusFailed, nil
}

// failureMessage turns a saga failure into the text stored on the entry.
func failureMessage(err error) string {
	var sagaErr *SagaError
	cause := err
	if errors.As(err, &sagaErr) {
		cause = sagaErr.Err
	}
	if typed := pkgerrors.As(cause); typed != nil {
		switch typed.Code() {
		case pkgerrors.CodeInsufficientStock:
			return "insufficient stock: " + typed.Message()
		case pkgerrors.CodeInsufficientBalance:
			return "insufficient balance: " + typed.Message()
		case pkgerrors.CodeLockTimeout:
			return "resource busy: " + typed.Message()
		case pkgerrors.CodePartialReservationRace:
			return "reservation race: " + typed.Message()
		}
		return typed.Message()
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return "payment processing timed out"
	}
	return cause.Error()
}
