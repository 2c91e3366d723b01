package payments

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/keymart-backend/internal/inventory"
	"github.com/angelmondragon/keymart-backend/internal/orders"
	"github.com/angelmondragon/keymart-backend/internal/wallet"
	"github.com/angelmondragon/keymart-backend/pkg/db"
	"github.com/angelmondragon/keymart-backend/pkg/db/dbtest"
	"github.com/angelmondragon/keymart-backend/pkg/db/models"
	"github.com/angelmondragon/keymart-backend/pkg/enums"
	"github.com/angelmondragon/keymart-backend/pkg/lock/locktest"
	"github.com/angelmondragon/keymart-backend/pkg/outbox"
	"github.com/angelmondragon/keymart-backend/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type signalRecorder struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (s *signalRecorder) EntryEnqueued(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
}

type fixture struct {
	client    *db.Client
	locker    *locktest.Locker
	repo      Repository
	inventory inventory.Service
	invRepo   inventory.Repository
	wallet    wallet.Service
	orders    orders.Service
	outbox    *outbox.Service
	signals   *signalRecorder
	queue     Queue
	processor *processor
	platform  uuid.UUID
}

type fixtureOption func(*ProcessorDeps)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	client := dbtest.New(t)
	f := &fixture{
		client:   client,
		locker:   locktest.New(),
		repo:     NewRepository(client.DB()),
		invRepo:  inventory.NewRepository(client.DB()),
		outbox:   outbox.NewService(outbox.NewRepository(client.DB()), nil),
		signals:  &signalRecorder{},
		platform: uuid.New(),
	}
	var err error
	f.inventory, err = inventory.NewService(client, f.invRepo, f.locker, inventory.Options{ReserveWait: time.Second, StockCheckWait: time.Second}, nil)
	require.NoError(t, err)
	f.orders, err = orders.NewService(orders.NewRepository(client.DB()), dec("5"))
	require.NoError(t, err)
	f.wallet, err = wallet.NewService(wallet.Deps{
		Tx:          client,
		Repo:        wallet.NewRepository(client.DB()),
		Locker:      f.locker,
		Settlements: f.orders,
		Outbox:      f.outbox,
	}, wallet.Options{PlatformUserID: f.platform, HoldExpiry: time.Minute, LockWait: time.Second})
	require.NoError(t, err)
	f.queue, err = NewQueue(f.repo, f.locker, f.inventory, f.wallet, f.signals, QueueOptions{LockWait: 50 * time.Millisecond}, nil)
	require.NoError(t, err)

	deps := ProcessorDeps{
		Tx:        client,
		Repo:      f.repo,
		Locker:    f.locker,
		Inventory: f.inventory,
		Wallet:    f.wallet,
		Orders:    f.orders,
		Outbox:    f.outbox,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	proc, err := NewProcessor(deps, ProcessorOptions{EntryLockWait: 50 * time.Millisecond, StuckAfter: 10 * time.Minute})
	require.NoError(t, err)
	f.processor = proc.(*processor)
	return f
}

func (f *fixture) fund(t *testing.T, userID uuid.UUID, amount string) {
	t.Helper()
	_, err := f.wallet.Deposit(context.Background(), userID, dec(amount), "top up")
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID uuid.UUID) decimal.Decimal {
	t.Helper()
	b, err := f.wallet.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

type product struct {
	id     uuid.UUID
	seller uuid.UUID
	stall  uuid.UUID
}

func (f *fixture) stock(t *testing.T, n int) product {
	t.Helper()
	p := product{id: uuid.New(), seller: uuid.New(), stall: uuid.New()}
	for i := 0; i < n; i++ {
		unit := models.InventoryUnit{
			ProductID: p.id,
			SellerID:  p.seller,
			StallID:   p.stall,
			ItemType:  enums.ItemTypeKey,
			Payload:   "KEY-" + uuid.NewString(),
		}
		require.NoError(t, f.invRepo.Create(context.Background(), &unit))
	}
	return p
}

func (f *fixture) available(t *testing.T, p product) int64 {
	t.Helper()
	n, err := f.inventory.AvailableCount(context.Background(), p.id)
	require.NoError(t, err)
	return n
}

func line(p product, qty int, price string) types.CartLine {
	return types.CartLine{ProductID: p.id, Name: "Game key", Quantity: qty, Price: dec(price), StallID: p.stall, SellerID: p.seller}
}

func (f *fixture) enqueue(t *testing.T, userID uuid.UUID, cart types.Cart) *models.PaymentQueueEntry {
	t.Helper()
	entry, err := f.queue.Enqueue(context.Background(), userID, cart, cart.Total())
	require.NoError(t, err)
	return entry
}

func (f *fixture) entry(t *testing.T, id uuid.UUID) *models.PaymentQueueEntry {
	t.Helper()
	entry, err := f.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return entry
}

func (f *fixture) events(t *testing.T, aggregateID uuid.UUID) []enums.OutboxEventType {
	t.Helper()
	rows, err := f.outbox.Emitted(context.Background(), aggregateID)
	require.NoError(t, err)
	out := make([]enums.OutboxEventType, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.EventType)
	}
	return out
}
