package payment

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/pkg/errorhandler"
	"github.com/mwork/credit-ledger/internal/pkg/response"
	"github.com/mwork/credit-ledger/internal/pkg/validator"
)

const maxCallbackBody = 64 << 10

// HistoryReader lists one user's transactions.
type HistoryReader interface {
	UserTransactions(ctx context.Context, userID string, page credit.Pagination) (credit.Page, error)
}

// Handler handles payment HTTP requests
type Handler struct {
	service *Service
	history HistoryReader
}

func NewHandler(service *Service, history HistoryReader) *Handler {
	return &Handler{service: service, history: history}
}

type CreatePurchaseRequest struct {
	CreditAmount int64 `json:"creditAmount" validate:"required,min=1"`
}

// StatusResponse is the buyer view of a purchase.
type StatusResponse struct {
	ExternalOrderID string              `json:"externalOrderId"`
	Status          credit.Status       `json:"status"`
	FailureReason   *string             `json:"failureReason,omitempty"`
	Transaction     *credit.Transaction `json:"transaction"`
}

// CreateCreditPurchase handles POST /payment/create-credit-purchase
// @Summary Create a credit purchase
// @Description Opens a MoMo order and records a pending purchase
// @Tags Payment
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreatePurchaseRequest true "Credits to buy"
// @Success 201 {object} response.Response{data=PurchaseResult}
// @Failure 422 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /payment/create-credit-purchase [post]
func (h *Handler) CreateCreditPurchase(w http.ResponseWriter, r *http.Request) {
	actor := credit.ActorFrom(r)
	if actor.UserID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req CreatePurchaseRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	out, err := h.service.CreatePurchase(r.Context(), actor, req.CreditAmount)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err, ErrorMappings...)
		return
	}
	response.Created(w, out)
}

// Callback handles POST /payment/callback
// @Summary MoMo IPN
// @Description Signed gateway notification. Replays are acknowledged without effect.
// @Tags Payment Webhooks
// @Accept json
// @Success 204
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /payment/callback [post]
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		response.BadRequest(w, "unreadable body")
		return
	}

	tx, err := h.service.HandleCallback(r.Context(), body)
	if err != nil {
		log.Warn().Err(err).Msg("payment callback rejected")
		errorhandler.Handle(r.Context(), w, err, ErrorMappings...)
		return
	}

	log.Debug().Str("order_id", *tx.ExternalOrderID).Str("status", string(tx.Status)).Msg("payment callback acknowledged")
	response.NoContent(w)
}

// CheckStatus handles GET /payment/check-status/{orderId}
// @Summary Purchase status
// @Tags Payment
// @Produce json
// @Security BearerAuth
// @Param orderId path string true "External order id"
// @Success 200 {object} response.Response{data=StatusResponse}
// @Failure 404 {object} response.Response
// @Router /payment/check-status/{orderId} [get]
func (h *Handler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	actor := credit.ActorFrom(r)
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if err := validator.ValidateVar(orderID, "required,order_id"); err != nil {
		response.BadRequest(w, "invalid order id")
		return
	}

	tx, err := h.service.CheckStatus(r.Context(), actor, orderID)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err, ErrorMappings...)
		return
	}
	response.OK(w, StatusResponse{
		ExternalOrderID: orderID,
		Status:          tx.Status,
		FailureReason:   tx.FailureReason,
		Transaction:     tx,
	})
}

// Transactions handles GET /payment/transactions
// @Summary Caller transaction history
// @Tags Payment
// @Produce json
// @Security BearerAuth
// @Param page query int false "Page"
// @Param limit query int false "Limit"
// @Success 200 {object} response.Response{data=[]credit.Transaction}
// @Router /payment/transactions [get]
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	actor := credit.ActorFrom(r)
	if actor.UserID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	page, pageNum := credit.PageFromRequest(r)
	out, err := h.history.UserTransactions(r.Context(), actor.UserID, page)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err, ErrorMappings...)
		return
	}
	response.WithMeta(w, out.Items, response.NewMeta(out.Total, pageNum, page.Limit))
}

// Routes registers the buyer endpoints on an authenticated router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/create-credit-purchase", h.CreateCreditPurchase)
	r.Get("/check-status/{orderId}", h.CheckStatus)
	r.Get("/transactions", h.Transactions)
}

// ErrorMappings covers payment and ledger sentinels that are not Kinded.
var ErrorMappings = append([]errorhandler.Mapping{
	{Err: ErrInvalidSignature, Status: http.StatusBadRequest, Code: "INVALID_SIGNATURE", Message: "invalid signature"},
	{Err: ErrInvalidCallback, Status: http.StatusBadRequest, Code: "BAD_REQUEST", Message: "invalid callback"},
}, credit.ErrorMappings...)
