package controllers

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/keymart-backend/api/middleware"
	"github.com/angelmondragon/keymart-backend/api/responses"
	"github.com/angelmondragon/keymart-backend/api/validators"
	"github.com/angelmondragon/keymart-backend/internal/payments"
	"github.com/angelmondragon/keymart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/keymart-backend/pkg/errors"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
	"github.com/angelmondragon/keymart-backend/pkg/types"
)

type submitCartRequest struct {
	Cart  types.Cart      `json:"cart" validate:"required,min=1"`
	Total decimal.Decimal `json:"total" validate:"required,money"`
}

type submitCartResponse struct {
	PaymentID string              `json:"paymentId"`
	Status    enums.PaymentStatus `json:"status"`
}

// SubmitCart enqueues the caller's cart for asynchronous payment. It answers
// 202 as soon as the entry is PENDING.
func SubmitCart(queue payments.Queue, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if queue == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment queue unavailable"))
			return
		}
		userID := middleware.UserIDFromContext(r.Context())

		var payload submitCartRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		entry, err := queue.Enqueue(r.Context(), userID, payload.Cart, payload.Total)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusAccepted, submitCartResponse{
			PaymentID: entry.ID.String(),
			Status:    entry.Status,
		})
	}
}

// PaymentStatus returns one of the caller's payments.
func PaymentStatus(queue payments.Queue, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if queue == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment queue unavailable"))
			return
		}
		paymentID, err := validators.ParseUUIDParam(r, "paymentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := queue.Status(r.Context(), middleware.UserIDFromContext(r.Context()), paymentID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}
