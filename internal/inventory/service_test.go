package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/keymart-backend/pkg/db"
	"github.com/angelmondragon/keymart-backend/pkg/db/dbtest"
	"github.com/angelmondragon/keymart-backend/pkg/db/models"
	"github.com/angelmondragon/keymart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymart-backend/pkg/errors"
	"github.com/angelmondragon/keymart-backend/pkg/lock"
	"github.com/angelmondragon/keymart-backend/pkg/lock/locktest"
)

type fixture struct {
	client *db.Client
	repo   Repository
	locker *locktest.Locker
	svc    Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := dbtest.New(t)
	repo := NewRepository(client.DB())
	locker := locktest.New()
	svc, err := NewService(client, repo, locker, Options{ReserveWait: time.Second, StockCheckWait: time.Second}, nil)
	require.NoError(t, err)
	return &fixture{client: client, repo: repo, locker: locker, svc: svc}
}

func (f *fixture) seed(t *testing.T, productID uuid.UUID, n int) []models.InventoryUnit {
	t.Helper()
	seller := uuid.New()
	stall := uuid.New()
	units := make([]models.InventoryUnit, 0, n)
	for i := 0; i < n; i++ {
		unit := models.InventoryUnit{
			ProductID: productID,
			SellerID:  seller,
			StallID:   stall,
			ItemType:  enums.ItemTypeKey,
			Payload:   "KEY-" + uuid.NewString(),
		}
		require.NoError(t, f.repo.Create(context.Background(), &unit))
		units = append(units, unit)
	}
	return units
}

func (f *fixture) available(t *testing.T, productID uuid.UUID) int64 {
	t.Helper()
	n, err := f.svc.AvailableCount(context.Background(), productID)
	require.NoError(t, err)
	return n
}

func TestReserveLocksRequestedUnits(t *testing.T) {
	f := newFixture(t)
	product := uuid.New()
	holder := uuid.New()
	f.seed(t, product, 3)

	units, err := f.svc.Reserve(context.Background(), map[uuid.UUID]int{product: 2}, holder, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, units, 2)
	for _, u := range units {
		require.True(t, u.Locked)
		require.NotNil(t, u.LockedBy)
		require.Equal(t, holder, *u.LockedBy)
		require.NotNil(t, u.ReservedUntil)
		require.NotNil(t, u.LockedAt)
	}
	require.EqualValues(t, 1, f.available(t, product))
	require.Contains(t, f.locker.Acquired(), lock.InventoryReserveKey(product))
}

func TestReserveInsufficientStockLeavesNothingLocked(t *testing.T) {
	f := newFixture(t)
	product := uuid.New()
	f.seed(t, product, 2)

	_, err := f.svc.Reserve(context.Background(), map[uuid.UUID]int{product: 3}, uuid.New(), time.Minute)
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInsufficientStock), "got %v", err)
	require.EqualValues(t, 2, f.available(t, product))
}

func TestReserveRollsBackOtherProducts(t *testing.T) {
	f := newFixture(t)
	stocked := uuid.New()
	empty := uuid.New()
	f.seed(t, stocked, 2)

	_, err := f.svc.Reserve(context.Background(), map[uuid.UUID]int{stocked: 2, empty: 1}, uuid.New(), time.Minute)
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInsufficientStock))
	require.EqualValues(t, 2, f.available(t, stocked))
}

func TestReserveLockTimeoutAborts(t *testing.T) {
	f := newFixture(t)
	product := uuid.New()
	f.seed(t, product, 1)
	f.locker.FailOn("inventory:reserve:")

	_, err := f.svc.Reserve(context.Background(), map[uuid.UUID]int{product: 1}, uuid.New(), time.Minute)
	require.True(t, lock.IsTimeout(err))
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeLockTimeout))
	require.EqualValues(t, 1, f.available(t, product))
}

func TestReserveSkipsZeroQuantities(t *testing.T) {
	f := newFixture(t)
	units, err := f.svc.Reserve(context.Background(), map[uuid.UUID]int{uuid.New(): 0}, uuid.New(), time.Minute)
	require.NoError(t, err)
	require.Empty(t, units)
	require.Empty(t, f.locker.Acquired())
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	product := uuid.New()
	f.seed(t, product, 2)
	units, err := f.svc.Reserve(context.Background(), map[uuid.UUID]int{product: 2}, uuid.New(), time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.svc.Release(context.Background(), units))
	require.NoError(t, f.svc.Release(context.Background(), units))
	require.EqualValues(t, 2, f.available(t, product))

	reloaded, err := f.repo.FindByIDs(context.Background(), []uuid.UUID{units[0].ID})
	require.NoError(t, err)
	require.False(t, reloaded[0].Locked)
	require.Nil(t, reloaded[0].LockedBy)
	require.Nil(t, reloaded[0].ReservedUntil)
}

func TestStaleReleaseKeepsUnitsOfNewHolder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	product := uuid.New()
	f.seed(t, product, 1)

	first, err := f.svc.Reserve(ctx, map[uuid.UUID]int{product: 1}, uuid.New(), time.Minute)
	require.NoError(t, err)
	released, err := f.svc.ReleaseExpired(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, released)

	second := uuid.New()
	_, err = f.svc.Reserve(ctx, map[uuid.UUID]int{product: 1}, second, time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.svc.Release(ctx, first))
	require.Zero(t, f.available(t, product))

	reloaded, err := f.repo.FindByIDs(ctx, []uuid.UUID{first[0].ID})
	require.NoError(t, err)
	require.True(t, reloaded[0].Locked)
	require.NotNil(t, reloaded[0].LockedBy)
	require.Equal(t, second, *reloaded[0].LockedBy)
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	f := newFixture(t)
	product := uuid.New()
	f.seed(t, product, 3)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		successes    int
		insufficient int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Reserve(context.Background(), map[uuid.UUID]int{product: 1}, uuid.New(), time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case pkgerrors.HasCode(err, pkgerrors.CodeInsufficientStock):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 3, successes)
	require.Equal(t, 3, insufficient)
	require.EqualValues(t, 0, f.available(t, product))
}

func TestMarkConsumedRequiresHolder(t *testing.T) {
	f := newFixture(t)
	product := uuid.New()
	holder := uuid.New()
	f.seed(t, product, 1)
	units, err := f.svc.Reserve(context.Background(), map[uuid.UUID]int{product: 1}, holder, time.Minute)
	require.NoError(t, err)

	err = f.svc.MarkConsumed(context.Background(), f.client.DB(), units, uuid.New())
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))

	require.NoError(t, f.svc.MarkConsumed(context.Background(), f.client.DB(), units, holder))
	reloaded, err := f.repo.FindByIDs(context.Background(), []uuid.UUID{units[0].ID})
	require.NoError(t, err)
	require.True(t, reloaded[0].Consumed)
	require.NotNil(t, reloaded[0].ConsumedAt)

	// consumed units are never unlocked again
	require.NoError(t, f.svc.Release(context.Background(), units))
	require.EqualValues(t, 0, f.available(t, product))
}

func TestReleaseExpiredAndHeldBy(t *testing.T) {
	f := newFixture(t)
	product := uuid.New()
	holder := uuid.New()
	f.seed(t, product, 3)

	_, err := f.svc.Reserve(context.Background(), map[uuid.UUID]int{product: 2}, holder, time.Minute)
	require.NoError(t, err)

	released, err := f.svc.ReleaseExpired(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.Zero(t, released)

	released, err = f.svc.ReleaseExpired(context.Background(), time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, released)
	require.EqualValues(t, 3, f.available(t, product))

	_, err = f.svc.Reserve(context.Background(), map[uuid.UUID]int{product: 1}, holder, time.Minute)
	require.NoError(t, err)
	n, err := f.svc.ReleaseHeldBy(context.Background(), holder)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.EqualValues(t, 3, f.available(t, product))
}

func TestReleaseExpiredAcceptsNonUTCClock(t *testing.T) {
	f := newFixture(t)
	product := uuid.New()
	f.seed(t, product, 1)

	_, err := f.svc.Reserve(context.Background(), map[uuid.UUID]int{product: 1}, uuid.New(), time.Minute)
	require.NoError(t, err)

	eastern := time.FixedZone("EST", -5*60*60)
	released, err := f.svc.ReleaseExpired(context.Background(), time.Now().Add(2*time.Minute).In(eastern))
	require.NoError(t, err)
	require.Equal(t, 1, released)
	require.EqualValues(t, 1, f.available(t, product))
}

func TestValidateStock(t *testing.T) {
	f := newFixture(t)
	product := uuid.New()
	f.seed(t, product, 2)

	require.NoError(t, f.svc.ValidateStock(context.Background(), map[uuid.UUID]int{product: 2}))
	err := f.svc.ValidateStock(context.Background(), map[uuid.UUID]int{product: 5})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInsufficientStock))
	require.Contains(t, f.locker.Acquired(), lock.StockValidateKey(product))
	require.EqualValues(t, 2, f.available(t, product), "validation never mutates stock")
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(nil, nil, nil, Options{}, nil)
	require.Error(t, err)
}
