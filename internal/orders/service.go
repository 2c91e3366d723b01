package orders

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/keymart-backend/pkg/db/models"
	"github.com/angelmondragon/keymart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymart-backend/pkg/errors"
	"github.com/angelmondragon/keymart-backend/pkg/types"
)

// Service materializes orders and reports how their funds must be distributed.
type Service interface {
	Materialize(ctx context.Context, tx *gorm.DB, input MaterializeInput) ([]models.Order, error)
	Settlement(ctx context.Context, tx *gorm.DB, reference string) (*Settlement, error)
	MarkSettled(ctx context.Context, tx *gorm.DB, reference string) error
	HasOrders(ctx context.Context, reference string) (bool, error)
	ListByReference(ctx context.Context, reference string) ([]models.Order, error)
}

// MaterializeInput carries a processed cart and the units reserved for it.
type MaterializeInput struct {
	PaymentID      uuid.UUID
	BuyerID        uuid.UUID
	OrderReference string
	Cart           types.Cart
	Units          []models.InventoryUnit
}

// SellerPayout is the amount owed to one seller for an order reference.
type SellerPayout struct {
	SellerID uuid.UUID
	Amount   decimal.Decimal
}

// Settlement is the fund distribution for every order under one reference.
type Settlement struct {
	Reference  string
	Sellers    []SellerPayout
	Commission decimal.Decimal
	Total      decimal.Decimal
	Orders     int
}

type service struct {
	repo        Repository
	defaultRate decimal.Decimal
}

// NewService wires the orders service. defaultRate applies to stalls without
// their own commission rate.
func NewService(repo Repository, defaultRate decimal.Decimal) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if defaultRate.IsNegative() || defaultRate.GreaterThan(hundred) {
		return nil, fmt.Errorf("default commission rate %s out of range", defaultRate)
	}
	return &service{repo: repo, defaultRate: defaultRate}, nil
}

type groupKey struct {
	stallID  uuid.UUID
	sellerID uuid.UUID
}

func (s *service) Materialize(ctx context.Context, tx *gorm.DB, input MaterializeInput) ([]models.Order, error) {
	if input.OrderReference == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order reference required")
	}
	if want := input.Cart.Units(); want != len(input.Units) {
		return nil, pkgerrors.New(pkgerrors.CodePartialReservationRace, "reserved units do not match cart").
			WithDetails(map[string]any{"required": want, "reserved": len(input.Units)})
	}
	repo := s.repo.WithTx(tx)

	pool := make(map[uuid.UUID][]models.InventoryUnit)
	stallSet := make(map[uuid.UUID]struct{})
	for _, unit := range input.Units {
		pool[unit.ProductID] = append(pool[unit.ProductID], unit)
		stallSet[unit.StallID] = struct{}{}
	}
	stallIDs := make([]uuid.UUID, 0, len(stallSet))
	for id := range stallSet {
		stallIDs = append(stallIDs, id)
	}
	rates, err := repo.StallRates(ctx, stallIDs)
	if err != nil {
		return nil, fmt.Errorf("load stall commission rates: %w", err)
	}

	var (
		order  []groupKey
		groups = make(map[groupKey]*models.Order)
	)
	for _, line := range input.Cart {
		for i := 0; i < line.Quantity; i++ {
			units := pool[line.ProductID]
			if len(units) == 0 {
				return nil, pkgerrors.New(pkgerrors.CodePartialReservationRace, fmt.Sprintf("no reserved unit left for product %s", line.ProductID))
			}
			unit := units[0]
			pool[line.ProductID] = units[1:]

			rate, ok := rates[unit.StallID]
			if !ok {
				rate = s.defaultRate
			}
			commission, sellerAmount := Split(line.Price, rate)

			key := groupKey{stallID: unit.StallID, sellerID: unit.SellerID}
			header, ok := groups[key]
			if !ok {
				header = &models.Order{
					ID:               uuid.New(),
					OrderReference:   input.OrderReference,
					PaymentID:        input.PaymentID,
					BuyerID:          input.BuyerID,
					SellerID:         unit.SellerID,
					StallID:          unit.StallID,
					TotalAmount:      decimal.Zero,
					CommissionAmount: decimal.Zero,
					SellerAmount:     decimal.Zero,
					Status:           enums.OrderStatusPending,
				}
				groups[key] = header
				order = append(order, key)
			}
			header.Lines = append(header.Lines, models.OrderLine{
				UnitID:           unit.ID,
				ProductID:        unit.ProductID,
				SellerID:         unit.SellerID,
				ProductName:      line.Name,
				Quantity:         1,
				UnitPrice:        line.Price,
				CommissionRate:   rate,
				CommissionAmount: commission,
				SellerAmount:     sellerAmount,
			})
			header.TotalAmount = header.TotalAmount.Add(line.Price)
			header.CommissionAmount = header.CommissionAmount.Add(commission)
			header.SellerAmount = header.SellerAmount.Add(sellerAmount)
		}
	}

	out := make([]models.Order, 0, len(order))
	for _, key := range order {
		header := groups[key]
		if err := repo.CreateOrder(ctx, header); err != nil {
			return nil, fmt.Errorf("create order for stall %s: %w", key.stallID, err)
		}
		out = append(out, *header)
	}
	return out, nil
}

func (s *service) Settlement(ctx context.Context, tx *gorm.DB, reference string) (*Settlement, error) {
	orders, err := s.repo.WithTx(tx).ListByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	settlement := &Settlement{
		Reference:  reference,
		Commission: decimal.Zero,
		Total:      decimal.Zero,
		Orders:     len(orders),
	}
	index := make(map[uuid.UUID]int)
	for _, o := range orders {
		for _, line := range o.Lines {
			i, ok := index[line.SellerID]
			if !ok {
				i = len(settlement.Sellers)
				index[line.SellerID] = i
				settlement.Sellers = append(settlement.Sellers, SellerPayout{SellerID: line.SellerID, Amount: decimal.Zero})
			}
			settlement.Sellers[i].Amount = settlement.Sellers[i].Amount.Add(line.SellerAmount)
			settlement.Commission = settlement.Commission.Add(line.CommissionAmount)
			settlement.Total = settlement.Total.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
		}
	}
	return settlement, nil
}

func (s *service) MarkSettled(ctx context.Context, tx *gorm.DB, reference string) error {
	_, err := s.repo.WithTx(tx).UpdateStatusByReference(ctx, reference, enums.OrderStatusPending, enums.OrderStatusCompleted)
	return err
}

func (s *service) HasOrders(ctx context.Context, reference string) (bool, error) {
	count, err := s.repo.CountByReference(ctx, reference)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *service) ListByReference(ctx context.Context, reference string) ([]models.Order, error) {
	return s.repo.ListByReference(ctx, reference)
}
