package orders

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymart-backend/pkg/db/dbtest"
	"github.com/angelmondragon/keymart-backend/pkg/db/models"
	"github.com/angelmondragon/keymart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymart-backend/pkg/errors"
	"github.com/angelmondragon/keymart-backend/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func unitsFor(productID, sellerID, stallID uuid.UUID, n int) []models.InventoryUnit {
	out := make([]models.InventoryUnit, n)
	for i := range out {
		out[i] = models.InventoryUnit{ID: uuid.New(), ProductID: productID, SellerID: sellerID, StallID: stallID}
	}
	return out
}

func TestMaterializeGroupsByStallAndSplitsPerLine(t *testing.T) {
	client := dbtest.New(t)
	repo := NewRepository(client.DB())
	svc, err := NewService(repo, dec("5"))
	require.NoError(t, err)
	ctx := context.Background()

	sellerA, stallA := uuid.New(), uuid.New()
	sellerB, stallB := uuid.New(), uuid.New()
	require.NoError(t, repo.CreateStall(ctx, &models.Stall{
		ID:             stallB,
		SellerID:       sellerB,
		Name:           "premium",
		CommissionRate: decimal.NewNullDecimal(dec("10")),
	}))

	productA, productB := uuid.New(), uuid.New()
	cart := types.Cart{
		{ProductID: productA, Name: "Game key", Quantity: 2, Price: dec("25000"), StallID: stallA, SellerID: sellerA},
		{ProductID: productB, Name: "Account", Quantity: 1, Price: dec("9.99"), StallID: stallB, SellerID: sellerB},
	}
	units := append(unitsFor(productA, sellerA, stallA, 2), unitsFor(productB, sellerB, stallB, 1)...)
	ref := "ORDER_test_1"
	paymentID := uuid.New()

	var created []models.Order
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		created, err = svc.Materialize(ctx, tx, MaterializeInput{
			PaymentID:      paymentID,
			BuyerID:        uuid.New(),
			OrderReference: ref,
			Cart:           cart,
			Units:          units,
		})
		return err
	}))
	require.Len(t, created, 2)

	orders, err := svc.ListByReference(ctx, ref)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, o := range orders {
		require.Equal(t, paymentID, o.PaymentID)
		require.True(t, o.CommissionAmount.Add(o.SellerAmount).Equal(o.TotalAmount))
		for _, line := range o.Lines {
			require.Equal(t, 1, line.Quantity)
			require.True(t, line.CommissionAmount.Add(line.SellerAmount).Equal(line.UnitPrice))
		}
	}

	settlement, err := svc.Settlement(ctx, nil, ref)
	require.NoError(t, err)
	require.Equal(t, 2, settlement.Orders)
	require.True(t, settlement.Total.Equal(dec("50009.99")), settlement.Total.String())
	// 5% of 2x25000 plus 10% of 9.99 rounded to cents
	require.True(t, settlement.Commission.Equal(dec("2501")), settlement.Commission.String())
	require.Len(t, settlement.Sellers, 2)
	for _, payout := range settlement.Sellers {
		switch payout.SellerID {
		case sellerA:
			require.True(t, payout.Amount.Equal(dec("47500")))
		case sellerB:
			require.True(t, payout.Amount.Equal(dec("8.99")))
		default:
			t.Fatalf("unexpected seller %s", payout.SellerID)
		}
	}

	require.NoError(t, svc.MarkSettled(ctx, client.DB(), ref))
	orders, err = svc.ListByReference(ctx, ref)
	require.NoError(t, err)
	for _, o := range orders {
		require.Equal(t, enums.OrderStatusCompleted, o.Status)
	}
}

func TestMaterializeRejectsUnitMismatch(t *testing.T) {
	client := dbtest.New(t)
	svc, err := NewService(NewRepository(client.DB()), dec("5"))
	require.NoError(t, err)

	product := uuid.New()
	_, err = svc.Materialize(context.Background(), client.DB(), MaterializeInput{
		OrderReference: "ORDER_x_1",
		Cart:           types.Cart{{ProductID: product, Quantity: 2, Price: dec("1")}},
		Units:          unitsFor(product, uuid.New(), uuid.New(), 1),
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodePartialReservationRace))

	has, err := svc.HasOrders(context.Background(), "ORDER_x_1")
	require.NoError(t, err)
	require.False(t, has)
}

func TestMaterializeRejectsUnitsOfWrongProduct(t *testing.T) {
	client := dbtest.New(t)
	svc, err := NewService(NewRepository(client.DB()), dec("5"))
	require.NoError(t, err)

	_, err = svc.Materialize(context.Background(), client.DB(), MaterializeInput{
		OrderReference: "ORDER_x_2",
		Cart:           types.Cart{{ProductID: uuid.New(), Quantity: 1, Price: dec("1")}},
		Units:          unitsFor(uuid.New(), uuid.New(), uuid.New(), 1),
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodePartialReservationRace))
}

func TestSettlementForUnknownReferenceIsEmpty(t *testing.T) {
	client := dbtest.New(t)
	svc, err := NewService(NewRepository(client.DB()), dec("5"))
	require.NoError(t, err)

	settlement, err := svc.Settlement(context.Background(), nil, "missing")
	require.NoError(t, err)
	require.Zero(t, settlement.Orders)
	require.Empty(t, settlement.Sellers)
}

func TestNewServiceValidatesRate(t *testing.T) {
	_, err := NewService(nil, dec("5"))
	require.Error(t, err)
	_, err = NewService(NewRepository(nil), dec("101"))
	require.Error(t, err)
}
