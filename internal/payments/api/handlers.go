// Package api exposes the payment orchestration HTTP surface.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"paycore/internal/auth"
	"paycore/internal/common/api"
	"paycore/internal/common/middleware"
	"paycore/internal/common/money"
	"paycore/internal/payments"
	"paycore/internal/ratelimit"
)

// Handler serves the payment API.
type Handler struct {
	service *payments.Service
	guard   *auth.Guard
	limiter *ratelimit.Limiter
	limits  Limits
	logger  *slog.Logger
}

// Limits configures per-route rate limits.
type Limits struct {
	Payments middleware.RateLimitConfig
	Refunds  middleware.RateLimitConfig
	Status   middleware.RateLimitConfig
}

// NewHandler creates the payment API handler.
func NewHandler(service *payments.Service, guard *auth.Guard, limiter *ratelimit.Limiter, limits Limits, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		guard:   guard,
		limiter: limiter,
		limits:  limits,
		logger:  logger,
	}
}

// Routes mounts the payment endpoints on a router. Each route requires
// its own role; "admin" passes everywhere.
func (h *Handler) Routes(r chi.Router) {
	r.With(
		middleware.RequireRoles(h.guard, "payment:write", "admin"),
		middleware.RateLimit(h.limiter, "payments:create", h.limits.Payments),
	).Post("/payments", h.createPayment)

	r.With(
		middleware.RequireRoles(h.guard, "payment:read", "admin"),
		middleware.RateLimit(h.limiter, "payments:status", h.limits.Status),
	).Get("/payments/status", h.getPaymentStatus)

	r.With(
		middleware.RequireRoles(h.guard, "payment:read", "admin"),
		middleware.RateLimit(h.limiter, "payments:status", h.limits.Status),
	).Get("/payments/{id}", h.getPayment)

	r.With(
		middleware.RequireRoles(h.guard, "refund:write", "admin"),
		middleware.RateLimit(h.limiter, "refunds:create", h.limits.Refunds),
	).Post("/refunds", h.createRefund)

	r.With(
		middleware.RequireRoles(h.guard, "refund:read", "admin"),
		middleware.RateLimit(h.limiter, "refunds:list", h.limits.Status),
	).Get("/refunds", h.listRefunds)

	r.With(middleware.RequireRoles(h.guard, "admin")).
		Post("/auth/revoke", h.revokeToken)
}

type createPaymentRequest struct {
	Amount         float64           `json:"amount" validate:"required,gt=0"`
	Currency       string            `json:"currency" validate:"required,len=3,uppercase"`
	Method         string            `json:"method" validate:"omitempty,oneof=wallet_token card_push bank_transfer"`
	CustomerEmail  string            `json:"customerEmail" validate:"required,email"`
	CustomerName   string            `json:"customerName" validate:"omitempty,max=200"`
	Description    string            `json:"description" validate:"omitempty,max=500"`
	IdempotencyKey string            `json:"idempotencyKey" validate:"omitempty,max=128"`
	Metadata       map[string]string `json:"metadata" validate:"omitempty,max=20"`
}

type transactionResponse struct {
	Success bool                  `json:"success"`
	Payment *payments.Transaction `json:"payment,omitempty"`
	Refund  *payments.Transaction `json:"refund,omitempty"`
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	idempotencyKey := req.IdempotencyKey
	if header := r.Header.Get("Idempotency-Key"); header != "" {
		idempotencyKey = header
	}

	method := payments.Method(req.Method)
	if method == "" {
		method = payments.MethodBankTransfer
	}

	metadata := req.Metadata
	if req.Description != "" {
		if metadata == nil {
			metadata = make(map[string]string, 1)
		}
		metadata["description"] = req.Description
	}

	txn, err := h.service.CreatePayment(r.Context(), payments.CreatePaymentInput{
		Amount:         money.NewFromMajor(req.Amount, money.Currency(req.Currency)),
		Method:         method,
		Customer:       payments.Customer{Email: req.CustomerEmail, Name: req.CustomerName},
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	// Dispatch failures still return the persisted transaction so the
	// caller can inspect the failure.
	api.WriteJSON(w, http.StatusCreated, transactionResponse{Success: txn.Status != payments.StatusFailed, Payment: txn})
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	h.respondWithPayment(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) getPaymentStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		api.BadRequest(w, "Query parameter 'id' is required")
		return
	}
	h.respondWithPayment(w, r, id)
}

func (h *Handler) respondWithPayment(w http.ResponseWriter, r *http.Request, id string) {
	txn, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, transactionResponse{Success: true, Payment: txn})
}

type createRefundRequest struct {
	PaymentID      string  `json:"paymentId" validate:"required"`
	Amount         float64 `json:"amount" validate:"omitempty,gt=0"`
	Currency       string  `json:"currency" validate:"required_with=Amount,omitempty,len=3,uppercase"`
	Reason         string  `json:"reason" validate:"omitempty,max=500"`
	IdempotencyKey string  `json:"idempotencyKey" validate:"omitempty,max=128"`
}

func (h *Handler) createRefund(w http.ResponseWriter, r *http.Request) {
	var req createRefundRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	idempotencyKey := req.IdempotencyKey
	if header := r.Header.Get("Idempotency-Key"); header != "" {
		idempotencyKey = header
	}

	var amount money.Money
	if req.Amount > 0 {
		amount = money.NewFromMajor(req.Amount, money.Currency(req.Currency))
	}

	refund, err := h.service.CreateRefund(r.Context(), payments.CreateRefundInput{
		PaymentID:      req.PaymentID,
		Amount:         amount,
		Reason:         req.Reason,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, transactionResponse{Success: refund.Status != payments.StatusFailed, Refund: refund})
}

type listRefundsResponse struct {
	Success bool                    `json:"success"`
	Refunds []*payments.Transaction `json:"refunds"`
}

func (h *Handler) listRefunds(w http.ResponseWriter, r *http.Request) {
	paymentID := r.URL.Query().Get("paymentId")
	if paymentID == "" {
		api.BadRequest(w, "Query parameter 'paymentId' is required")
		return
	}

	refunds, err := h.service.ListRefunds(r.Context(), paymentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if refunds == nil {
		refunds = []*payments.Transaction{}
	}

	api.WriteJSON(w, http.StatusOK, listRefundsResponse{Success: true, Refunds: refunds})
}

type revokeRequest struct {
	Token string `json:"token" validate:"required"`
}

func (h *Handler) revokeToken(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	if err := h.guard.Revoke(r.Context(), req.Token); err != nil {
		api.BadRequest(w, "Token could not be revoked")
		return
	}

	user := middleware.GetUser(r.Context())
	h.logger.Info("token revoked", "revoked_by", userID(user))
	api.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func userID(u *auth.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, payments.ErrPaymentNotFound):
		api.NotFound(w, "Payment not found")
	case errors.Is(err, payments.ErrDuplicateRequest):
		api.Conflict(w, "Idempotency key was used with different parameters")
	case errors.Is(err, payments.ErrRefundExceedsPayment):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, "Refund exceeds remaining payment balance")
	case errors.Is(err, payments.ErrNotRefundable):
		api.Conflict(w, "Payment is not in a refundable state")
	case errors.Is(err, payments.ErrNoGateway):
		api.BadRequest(w, "Unsupported payment method")
	case errors.Is(err, payments.ErrInvalidRequest):
		api.BadRequest(w, err.Error())
	default:
		h.logger.Error("request failed",
			"path", r.URL.Path,
			"error", err,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
		api.InternalError(w, "An unexpected error occurred")
	}
}
