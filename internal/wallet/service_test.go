package wallet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymart-backend/internal/orders"
	"github.com/angelmondragon/keymart-backend/pkg/db"
	"github.com/angelmondragon/keymart-backend/pkg/db/dbtest"
	"github.com/angelmondragon/keymart-backend/pkg/db/models"
	"github.com/angelmondragon/keymart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymart-backend/pkg/errors"
	"github.com/angelmondragon/keymart-backend/pkg/lock/locktest"
	"github.com/angelmondragon/keymart-backend/pkg/outbox"
	"github.com/angelmondragon/keymart-backend/pkg/pagination"
	"github.com/angelmondragon/keymart-backend/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type hintRecorder struct {
	mu    sync.Mutex
	holds []uuid.UUID
}

func (h *hintRecorder) HoldCreated(holdID uuid.UUID, _ time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.holds = append(h.holds, holdID)
}

type fixture struct {
	client   *db.Client
	repo     Repository
	orders   orders.Service
	outbox   *outbox.Service
	hints    *hintRecorder
	svc      *service
	platform uuid.UUID
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := dbtest.New(t)
	ordersSvc, err := orders.NewService(orders.NewRepository(client.DB()), dec("5"))
	require.NoError(t, err)
	f := &fixture{
		client:   client,
		repo:     NewRepository(client.DB()),
		orders:   ordersSvc,
		outbox:   outbox.NewService(outbox.NewRepository(client.DB()), nil),
		hints:    &hintRecorder{},
		platform: uuid.New(),
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	svc, err := NewService(Deps{
		Tx:          client,
		Repo:        f.repo,
		Locker:      locktest.New(),
		Settlements: ordersSvc,
		Outbox:      f.outbox,
		Hints:       f.hints,
	}, Options{PlatformUserID: f.platform, HoldExpiry: time.Minute, LockWait: time.Second})
	require.NoError(t, err)
	f.svc = svc.(*service)
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) fund(t *testing.T, userID uuid.UUID, amount string) {
	t.Helper()
	_, err := f.svc.Deposit(context.Background(), userID, dec(amount), "top up")
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID uuid.UUID) decimal.Decimal {
	t.Helper()
	b, err := f.svc.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

// materialize creates one order of a single line priced at price under ref.
func (f *fixture) materialize(t *testing.T, buyer uuid.UUID, ref, price string) uuid.UUID {
	t.Helper()
	seller, stall, product := uuid.New(), uuid.New(), uuid.New()
	cart := types.Cart{{ProductID: product, Name: "Key", Quantity: 1, Price: dec(price), StallID: stall, SellerID: seller}}
	units := []models.InventoryUnit{{ID: uuid.New(), ProductID: product, SellerID: seller, StallID: stall}}
	ctx := context.Background()
	require.NoError(t, f.client.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := f.orders.Materialize(ctx, tx, orders.MaterializeInput{
			PaymentID:      uuid.New(),
			BuyerID:        buyer,
			OrderReference: ref,
			Cart:           cart,
			Units:          units,
		})
		return err
	}))
	return seller
}

func TestHoldDebitsBalanceAndRecordsPendingMovement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := uuid.New()
	f.fund(t, buyer, "100")

	hold, err := f.svc.Hold(ctx, buyer, dec("40"), "ORDER_a")
	require.NoError(t, err)
	require.Equal(t, enums.HoldStatusPending, hold.Status)
	require.True(t, hold.ExpiresAt.Equal(f.clock.Add(time.Minute)))
	require.True(t, f.balance(t, buyer).Equal(dec("60")))
	require.Equal(t, []uuid.UUID{hold.ID}, f.hints.holds)

	page, err := f.svc.Movements(ctx, buyer, pagination.Params{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, page.NextCursor)
	var purchase *models.WalletMovement
	for i := range page.Items {
		if page.Items[i].Type == enums.MovementPurchase {
			purchase = &page.Items[i]
		}
	}
	require.NotNil(t, purchase)
	require.Equal(t, enums.MovementStatusPending, purchase.Status)
	require.NotNil(t, hold.MovementID)
	require.Equal(t, purchase.ID, *hold.MovementID)
}

func TestHoldRejectsInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	buyer := uuid.New()
	f.fund(t, buyer, "10")

	_, err := f.svc.Hold(context.Background(), buyer, dec("10.01"), "ORDER_b")
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInsufficientBalance))
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, map[string]any{"required": "10.01", "available": "10"}, typed.Details())
	require.True(t, f.balance(t, buyer).Equal(dec("10")))
}

func TestHoldSameReferenceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := uuid.New()
	f.fund(t, buyer, "50")

	first, err := f.svc.Hold(ctx, buyer, dec("20"), "ORDER_c")
	require.NoError(t, err)
	again, err := f.svc.Hold(ctx, buyer, dec("20"), "ORDER_c")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.True(t, f.balance(t, buyer).Equal(dec("30")))
	require.Len(t, f.hints.holds, 1)

	_, err = f.svc.Hold(ctx, buyer, dec("25"), "ORDER_c")
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeConflict))
}

func TestReleaseRefundsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := uuid.New()
	f.fund(t, buyer, "100")
	hold, err := f.svc.Hold(ctx, buyer, dec("75.50"), "ORDER_d")
	require.NoError(t, err)

	n, err := f.svc.Release(ctx, buyer, "ORDER_d")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, f.balance(t, buyer).Equal(dec("100")))

	n, err = f.svc.Release(ctx, buyer, "ORDER_d")
	require.NoError(t, err)
	require.Zero(t, n)
	require.True(t, f.balance(t, buyer).Equal(dec("100")))

	stored, err := f.repo.FindHold(ctx, hold.ID)
	require.NoError(t, err)
	require.Equal(t, enums.HoldStatusCancelled, stored.Status)
	require.NotNil(t, stored.CancelledAt)

	events, err := f.outbox.Emitted(ctx, hold.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, enums.EventHoldRefunded, events[0].EventType)

	done, err := f.repo.HasMovement(ctx, hold.ID, buyer, enums.MovementRefund)
	require.NoError(t, err)
	require.True(t, done)
}

func TestReleaseWithoutHoldIsNoop(t *testing.T) {
	f := newFixture(t)
	n, err := f.svc.Release(context.Background(), uuid.New(), "ORDER_missing")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCompleteDistributesToSellerAndPlatform(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := uuid.New()
	f.fund(t, buyer, "150")
	seller := f.materialize(t, buyer, "ORDER_e", "100")
	hold, err := f.svc.Hold(ctx, buyer, dec("100"), "ORDER_e")
	require.NoError(t, err)

	outcome, err := f.svc.Complete(ctx, hold.ID)
	require.NoError(t, err)
	require.Equal(t, HoldCompleted, outcome)
	require.True(t, f.balance(t, buyer).Equal(dec("50")))
	require.True(t, f.balance(t, seller).Equal(dec("95")))
	require.True(t, f.balance(t, f.platform).Equal(dec("5")))

	placed, err := f.orders.ListByReference(ctx, "ORDER_e")
	require.NoError(t, err)
	require.Len(t, placed, 1)
	require.Equal(t, enums.OrderStatusCompleted, placed[0].Status)

	outcome, err = f.svc.Complete(ctx, hold.ID)
	require.NoError(t, err)
	require.Equal(t, HoldCompleted, outcome)
	require.True(t, f.balance(t, seller).Equal(dec("95")))
	require.True(t, f.balance(t, f.platform).Equal(dec("5")))

	events, err := f.outbox.Emitted(ctx, hold.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, enums.EventHoldCompleted, events[0].EventType)
}

func TestCompleteOrphanedHoldRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := uuid.New()
	f.fund(t, buyer, "30")
	hold, err := f.svc.Hold(ctx, buyer, dec("30"), "ORDER_f")
	require.NoError(t, err)

	outcome, err := f.svc.Complete(ctx, hold.ID)
	require.NoError(t, err)
	require.Equal(t, HoldRefunded, outcome)
	require.True(t, f.balance(t, buyer).Equal(dec("30")))
	require.True(t, f.balance(t, f.platform).IsZero())
}

func TestCompleteRejectsTotalMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := uuid.New()
	f.fund(t, buyer, "100")
	f.materialize(t, buyer, "ORDER_g", "60")
	hold, err := f.svc.Hold(ctx, buyer, dec("50"), "ORDER_g")
	require.NoError(t, err)

	outcome, err := f.svc.Complete(ctx, hold.ID)
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))
	require.Equal(t, HoldUntouched, outcome)

	stored, err := f.repo.FindHold(ctx, hold.ID)
	require.NoError(t, err)
	require.Equal(t, enums.HoldStatusPending, stored.Status)
}

func TestExpireHoldWaitsForExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := uuid.New()
	f.fund(t, buyer, "10")
	hold, err := f.svc.Hold(ctx, buyer, dec("10"), "ORDER_h")
	require.NoError(t, err)

	outcome, err := f.svc.ExpireHold(ctx, hold.ID)
	require.NoError(t, err)
	require.Equal(t, HoldUntouched, outcome)

	f.clock = f.clock.Add(2 * time.Minute)
	outcome, err = f.svc.ExpireHold(ctx, hold.ID)
	require.NoError(t, err)
	require.Equal(t, HoldRefunded, outcome)
	require.True(t, f.balance(t, buyer).Equal(dec("10")))
}

func TestExpireHoldFallsBackToRefundOnMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := uuid.New()
	f.fund(t, buyer, "100")
	f.materialize(t, buyer, "ORDER_i", "70")
	hold, err := f.svc.Hold(ctx, buyer, dec("80"), "ORDER_i")
	require.NoError(t, err)

	f.clock = f.clock.Add(2 * time.Minute)
	outcome, err := f.svc.ExpireHold(ctx, hold.ID)
	require.NoError(t, err)
	require.Equal(t, HoldRefunded, outcome)
	require.True(t, f.balance(t, buyer).Equal(dec("100")))
}

func TestProcessExpiredAcceptsNonUTCClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := uuid.New()
	f.fund(t, buyer, "10")
	_, err := f.svc.Hold(ctx, buyer, dec("10"), "ORDER_tz")
	require.NoError(t, err)

	f.clock = f.clock.Add(2 * time.Minute)
	eastern := time.FixedZone("EST", -5*60*60)
	pending, expired, err := f.svc.HoldStats(ctx, f.clock.In(eastern))
	require.NoError(t, err)
	require.EqualValues(t, 1, pending)
	require.EqualValues(t, 1, expired)

	summary, err := f.svc.ProcessExpired(ctx, f.clock.In(eastern), 10)
	require.NoError(t, err)
	require.Equal(t, ExpirySummary{Scanned: 1, Refunded: 1}, summary)
	require.True(t, f.balance(t, buyer).Equal(dec("10")))
}

func TestProcessExpiredSettlesBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := uuid.New()
	f.fund(t, buyer, "100")

	seller := f.materialize(t, buyer, "ORDER_j1", "20")
	_, err := f.svc.Hold(ctx, buyer, dec("20"), "ORDER_j1")
	require.NoError(t, err)
	_, err = f.svc.Hold(ctx, buyer, dec("30"), "ORDER_j2")
	require.NoError(t, err)
	f.clock = f.clock.Add(30 * time.Second)
	_, err = f.svc.Hold(ctx, buyer, dec("5"), "ORDER_j3")
	require.NoError(t, err)

	summary, err := f.svc.ProcessExpired(ctx, f.clock.Add(45*time.Second), 10)
	require.NoError(t, err)
	require.Equal(t, ExpirySummary{Scanned: 2, Completed: 1, Refunded: 1}, summary)

	require.True(t, f.balance(t, buyer).Equal(dec("75")))
	require.True(t, f.balance(t, seller).Equal(dec("19")))
	require.True(t, f.balance(t, f.platform).Equal(dec("1")))

	pending, expired, err := f.svc.HoldStats(ctx, f.clock.Add(45*time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 1, pending)
	require.Zero(t, expired)
}

func TestWithActiveHoldGuardsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := uuid.New()
	f.fund(t, buyer, "100")
	hold, err := f.svc.Hold(ctx, buyer, dec("10"), "ORDER_k")
	require.NoError(t, err)

	ran := false
	require.NoError(t, f.svc.WithActiveHold(ctx, hold.ID, func(context.Context, *gorm.DB) error {
		ran = true
		return nil
	}))
	require.True(t, ran)

	f.clock = f.clock.Add(time.Minute)
	err = f.svc.WithActiveHold(ctx, hold.ID, func(context.Context, *gorm.DB) error {
		t.Fatal("must not run for an expired hold")
		return nil
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))

	_, err = f.svc.Release(ctx, buyer, "ORDER_k")
	require.NoError(t, err)
	f.clock = f.clock.Add(-time.Minute)
	err = f.svc.WithActiveHold(ctx, hold.ID, func(context.Context, *gorm.DB) error { return nil })
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))

	err = f.svc.WithActiveHold(ctx, uuid.New(), func(context.Context, *gorm.DB) error { return nil })
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeNotFound))
}

func TestDepositAndWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()

	_, err := f.svc.Deposit(ctx, user, dec("0"), "")
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))
	_, err = f.svc.Deposit(ctx, user, dec("1.001"), "")
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))

	f.fund(t, user, "12.50")
	_, err = f.svc.Withdraw(ctx, user, dec("20"), "cash out")
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInsufficientBalance))

	movement, err := f.svc.Withdraw(ctx, user, dec("2.50"), "cash out")
	require.NoError(t, err)
	require.Equal(t, enums.MovementWithdraw, movement.Type)
	require.True(t, f.balance(t, user).Equal(dec("10")))
	require.NoError(t, f.svc.CheckBalance(ctx, user, dec("10")))
	require.True(t, pkgerrors.HasCode(f.svc.CheckBalance(ctx, user, dec("10.01")), pkgerrors.CodeInsufficientBalance))
}

func TestFundsAreConservedAcrossSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := uuid.New()
	f.fund(t, buyer, "500")
	seller := f.materialize(t, buyer, "ORDER_l", "123.45")

	total := func() decimal.Decimal {
		pendingHolds, err := f.repo.ListPendingByReference(ctx, buyer, "ORDER_l")
		require.NoError(t, err)
		sum := f.balance(t, buyer).Add(f.balance(t, seller)).Add(f.balance(t, f.platform))
		for _, h := range pendingHolds {
			sum = sum.Add(h.Amount)
		}
		return sum
	}

	require.True(t, total().Equal(dec("500")))
	hold, err := f.svc.Hold(ctx, buyer, dec("123.45"), "ORDER_l")
	require.NoError(t, err)
	require.True(t, total().Equal(dec("500")))
	_, err = f.svc.Complete(ctx, hold.ID)
	require.NoError(t, err)
	require.True(t, total().Equal(dec("500")))
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(Deps{}, Options{})
	require.Error(t, err)

	client := dbtest.New(t)
	_, err = NewService(Deps{
		Tx:          client,
		Repo:        NewRepository(client.DB()),
		Locker:      locktest.New(),
		Settlements: &stubSettlements{},
	}, Options{})
	require.ErrorContains(t, err, "platform user id required")
}

type stubSettlements struct{}

func (stubSettlements) Settlement(context.Context, *gorm.DB, string) (*orders.Settlement, error) {
	return &orders.Settlement{}, nil
}

func (stubSettlements) MarkSettled(context.Context, *gorm.DB, string) error { return nil }

func TestMovementsPagesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	for i := 0; i < 5; i++ {
		f.fund(t, user, "1")
	}

	seen := map[uuid.UUID]bool{}
	var sizes []int
	cursor := ""
	for {
		page, err := f.svc.Movements(ctx, user, pagination.Params{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		sizes = append(sizes, len(page.Items))
		for i, m := range page.Items {
			require.False(t, seen[m.ID], "movement returned twice")
			seen[m.ID] = true
			if i > 0 {
				require.False(t, m.CreatedAt.After(page.Items[i-1].CreatedAt))
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	require.Equal(t, []int{2, 2, 1}, sizes)
	require.Len(t, seen, 5)

	_, err := f.svc.Movements(ctx, user, pagination.Params{Cursor: "not-a-cursor"})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))
}
