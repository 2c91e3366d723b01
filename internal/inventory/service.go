package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymart-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/keymart-backend/pkg/errors"
	"github.com/angelmondragon/keymart-backend/pkg/lock"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service is the inventory reservation engine.
type Service interface {
	Reserve(ctx context.Context, quantities map[uuid.UUID]int, holderID uuid.UUID, lease time.Duration) ([]models.InventoryUnit, error)
	Release(ctx context.Context, units []models.InventoryUnit) error
	ReleaseHeldBy(ctx context.Context, holderID uuid.UUID) (int, error)
	MarkConsumed(ctx context.Context, tx *gorm.DB, units []models.InventoryUnit, holderID uuid.UUID) error
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)
	AvailableCount(ctx context.Context, productID uuid.UUID) (int64, error)
	ValidateStock(ctx context.Context, quantities map[uuid.UUID]int) error
}

// Options tunes lock waits for the reservation engine.
type Options struct {
	ReserveWait    time.Duration
	StockCheckWait time.Duration
	LockLease      time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReserveWait <= 0 {
		o.ReserveWait = 5 * time.Second
	}
	if o.StockCheckWait <= 0 {
		o.StockCheckWait = 3 * time.Second
	}
	if o.LockLease <= 0 {
		o.LockLease = 30 * time.Second
	}
	return o
}

type service struct {
	tx     txRunner
	repo   Repository
	locker lock.Locker
	opts   Options
	logg   *logger.Logger
	now    func() time.Time
}

// NewService builds the reservation engine.
func NewService(tx txRunner, repo Repository, locker lock.Locker, opts Options, logg *logger.Logger) (Service, error) {
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if repo == nil {
		return nil, fmt.Errorf("inventory repository required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	if logg == nil {
		logg = logger.Discard()
	}
	return &service{
		tx:     tx,
		repo:   repo,
		locker: locker,
		opts:   opts.withDefaults(),
		logg:   logg,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Reserve locks exactly the requested number of sellable units per product.
// On any failure every unit claimed so far is released before returning.
func (s *service) Reserve(ctx context.Context, quantities map[uuid.UUID]int, holderID uuid.UUID, lease time.Duration) ([]models.InventoryUnit, error) {
	if holderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "holder id required")
	}
	if lease <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reservation lease must be positive")
	}

	var reserved []models.InventoryUnit
	for _, productID := range sortedProducts(quantities) {
		qty := quantities[productID]
		if qty <= 0 {
			continue
		}
		units, err := s.reserveProduct(ctx, productID, qty, holderID, lease)
		if err != nil {
			if len(reserved) > 0 {
				if relErr := s.Release(context.WithoutCancel(ctx), reserved); relErr != nil {
					s.logg.Error(s.logg.WithField(ctx, "holder_id", holderID.String()), "failed to roll back partial reservation", relErr)
				}
			}
			return nil, err
		}
		reserved = append(reserved, units...)
	}
	return reserved, nil
}

func (s *service) reserveProduct(ctx context.Context, productID uuid.UUID, qty int, holderID uuid.UUID, lease time.Duration) ([]models.InventoryUnit, error) {
	var units []models.InventoryUnit
	err := lock.WithLock(ctx, s.locker, lock.InventoryReserveKey(productID), s.opts.ReserveWait, s.opts.LockLease, func(ctx context.Context) error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			available, err := repo.CountAvailable(ctx, productID)
			if err != nil {
				return fmt.Errorf("count available units: %w", err)
			}
			if available < int64(qty) {
				return insufficientStock(productID, qty, available)
			}
			ids, err := repo.AvailableIDs(ctx, productID, qty)
			if err != nil {
				return fmt.Errorf("select units: %w", err)
			}
			if len(ids) < qty {
				return insufficientStock(productID, qty, int64(len(ids)))
			}
			now := s.now()
			claimed, err := repo.Claim(ctx, ids, holderID, now, now.Add(lease))
			if err != nil {
				return fmt.Errorf("claim units: %w", err)
			}
			if claimed != int64(qty) {
				return pkgerrors.New(pkgerrors.CodePartialReservationRace, "reserved unit count does not match request").
					WithDetails(map[string]any{"productId": productID, "requested": qty, "reserved": claimed})
			}
			units, err = repo.FindClaimed(ctx, ids, holderID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	s.logg.Debug(s.logg.WithFields(ctx, map[string]any{
		"product_id": productID.String(),
		"holder_id":  holderID.String(),
		"quantity":   qty,
	}), "inventory units reserved")
	return units, nil
}

// Release unlocks the given units under each product's lock, scoped to the
// holder recorded on each unit. Units already unlocked, consumed or re-claimed
// by another holder are skipped, so releasing twice is harmless.
func (s *service) Release(ctx context.Context, units []models.InventoryUnit) error {
	var errs error
	for productID, byHolder := range groupByProduct(units) {
		byHolder := byHolder
		err := lock.WithLock(ctx, s.locker, lock.InventoryReserveKey(productID), s.opts.ReserveWait, s.opts.LockLease, func(ctx context.Context) error {
			var unlockErrs error
			for holderID, ids := range byHolder {
				if _, err := s.repo.Unlock(ctx, ids, holderID); err != nil {
					unlockErrs = multierr.Append(unlockErrs, err)
				}
			}
			return unlockErrs
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("release units of product %s: %w", productID, err))
		}
	}
	return errs
}

func (s *service) ReleaseHeldBy(ctx context.Context, holderID uuid.UUID) (int, error) {
	units, err := s.repo.ListHeldBy(ctx, holderID)
	if err != nil {
		return 0, err
	}
	if len(units) == 0 {
		return 0, nil
	}
	if err := s.Release(ctx, units); err != nil {
		return 0, err
	}
	return len(units), nil
}

// MarkConsumed runs inside the caller's transaction so consumption commits
// together with the order that delivers the units.
func (s *service) MarkConsumed(ctx context.Context, tx *gorm.DB, units []models.InventoryUnit, holderID uuid.UUID) error {
	if len(units) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	consumed, err := s.repo.WithTx(tx).MarkConsumed(ctx, ids, holderID, s.now())
	if err != nil {
		return fmt.Errorf("mark units consumed: %w", err)
	}
	if consumed != int64(len(ids)) {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "reservation no longer held").
			WithDetails(map[string]any{"expected": len(ids), "consumed": consumed})
	}
	return nil
}

// ReleaseExpired unlocks units whose reservation lease elapsed.
func (s *service) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	productIDs, err := s.repo.ExpiredProductIDs(ctx, now)
	if err != nil {
		return 0, err
	}
	var (
		released int64
		errs     error
	)
	for _, productID := range productIDs {
		productID := productID
		err := lock.WithLock(ctx, s.locker, lock.InventoryReserveKey(productID), s.opts.ReserveWait, s.opts.LockLease, func(ctx context.Context) error {
			n, err := s.repo.UnlockExpired(ctx, productID, now)
			released += n
			return err
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("release expired units of product %s: %w", productID, err))
		}
	}
	return int(released), errs
}

func (s *service) AvailableCount(ctx context.Context, productID uuid.UUID) (int64, error) {
	return s.repo.CountAvailable(ctx, productID)
}

// ValidateStock is the advisory pre-check run before a payment is queued.
// Reserve repeats the check under its own lock.
func (s *service) ValidateStock(ctx context.Context, quantities map[uuid.UUID]int) error {
	for _, productID := range sortedProducts(quantities) {
		qty := quantities[productID]
		if qty <= 0 {
			continue
		}
		err := lock.WithLock(ctx, s.locker, lock.StockValidateKey(productID), s.opts.StockCheckWait, s.opts.LockLease, func(ctx context.Context) error {
			available, err := s.repo.CountAvailable(ctx, productID)
			if err != nil {
				return err
			}
			if available < int64(qty) {
				return insufficientStock(productID, qty, available)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func insufficientStock(productID uuid.UUID, requested int, available int64) error {
	return pkgerrors.New(pkgerrors.CodeInsufficientStock, fmt.Sprintf("only %d units available for product %s", available, productID)).
		WithDetails(map[string]any{"productId": productID, "requested": requested, "available": available})
}

func sortedProducts(quantities map[uuid.UUID]int) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(quantities))
	for id := range quantities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// groupByProduct buckets unit ids by product and then by holder. Units with no
// recorded holder are not held by anyone and are dropped.
func groupByProduct(units []models.InventoryUnit) map[uuid.UUID]map[uuid.UUID][]uuid.UUID {
	out := make(map[uuid.UUID]map[uuid.UUID][]uuid.UUID)
	for _, u := range units {
		if u.LockedBy == nil {
			continue
		}
		byHolder, ok := out[u.ProductID]
		if !ok {
			byHolder = make(map[uuid.UUID][]uuid.UUID)
			out[u.ProductID] = byHolder
		}
		byHolder[*u.LockedBy] = append(byHolder[*u.LockedBy], u.ID)
	}
	return out
}
