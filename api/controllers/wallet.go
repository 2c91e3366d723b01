package controllers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/keymart-backend/api/middleware"
	"github.com/angelmondragon/keymart-backend/api/responses"
	"github.com/angelmondragon/keymart-backend/api/validators"
	"github.com/angelmondragon/keymart-backend/internal/wallet"
	"github.com/angelmondragon/keymart-backend/pkg/db/models"
	"github.com/angelmondragon/keymart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymart-backend/pkg/errors"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
)

type walletAmountRequest struct {
	Amount      decimal.Decimal `json:"amount" validate:"required,money"`
	Description string          `json:"description,omitempty" validate:"max=255"`
}

type balanceResponse struct {
	UserID  uuid.UUID       `json:"userId"`
	Balance decimal.Decimal `json:"balance"`
}

type movementResponse struct {
	ID             uuid.UUID            `json:"id"`
	Amount         decimal.Decimal      `json:"amount"`
	Type           enums.MovementType   `json:"type"`
	Status         enums.MovementStatus `json:"status"`
	OrderReference *string              `json:"orderReference,omitempty"`
	Description    string               `json:"description,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
}

func newMovementResponse(m models.WalletMovement) movementResponse {
	return movementResponse{
		ID:             m.ID,
		Amount:         m.Amount,
		Type:           m.Type,
		Status:         m.Status,
		OrderReference: m.OrderReference,
		Description:    m.Description,
		CreatedAt:      m.CreatedAt,
	}
}

func WalletBalance(svc wallet.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "wallet service unavailable"))
			return
		}
		userID := middleware.UserIDFromContext(r.Context())
		balance, err := svc.Balance(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, balanceResponse{UserID: userID, Balance: balance})
	}
}

type movementsResponse struct {
	Items      []movementResponse `json:"items"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

func WalletMovements(svc wallet.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "wallet service unavailable"))
			return
		}
		params, err := validators.ParsePage(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		page, err := svc.Movements(r.Context(), middleware.UserIDFromContext(r.Context()), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := movementsResponse{Items: make([]movementResponse, 0, len(page.Items)), NextCursor: page.NextCursor}
		for _, m := range page.Items {
			out.Items = append(out.Items, newMovementResponse(m))
		}
		responses.WriteSuccess(w, out)
	}
}

func WalletDeposit(svc wallet.Service, logg *logger.Logger) http.HandlerFunc {
	return walletMutation(svc, logg, func(r *http.Request, userID uuid.UUID, req walletAmountRequest) (*models.WalletMovement, error) {
		return svc.Deposit(r.Context(), userID, req.Amount, req.Description)
	})
}

func WalletWithdraw(svc wallet.Service, logg *logger.Logger) http.HandlerFunc {
	return walletMutation(svc, logg, func(r *http.Request, userID uuid.UUID, req walletAmountRequest) (*models.WalletMovement, error) {
		return svc.Withdraw(r.Context(), userID, req.Amount, req.Description)
	})
}

func walletMutation(svc wallet.Service, logg *logger.Logger, apply func(*http.Request, uuid.UUID, walletAmountRequest) (*models.WalletMovement, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "wallet service unavailable"))
			return
		}
		var payload walletAmountRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		movement, err := apply(r, middleware.UserIDFromContext(r.Context()), payload)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newMovementResponse(*movement))
	}
}
