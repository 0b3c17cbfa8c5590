package credit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mwork/credit-ledger/internal/middleware"
	"github.com/mwork/credit-ledger/internal/pkg/errorhandler"
	"github.com/mwork/credit-ledger/internal/pkg/response"
	"github.com/mwork/credit-ledger/internal/pkg/validator"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type transferRequest struct {
	Amount int64 `json:"amount" validate:"required,min=1,max=1000000"`
}

// BalanceResponse is the caller's account view.
type BalanceResponse struct {
	UserID             string     `json:"user_id"`
	Balance            int64      `json:"balance"`
	LastDistributionAt *time.Time `json:"last_distribution_at,omitempty"`
}

// TransferResponse carries both legs of a transfer.
type TransferResponse struct {
	TransferID string       `json:"transfer_id"`
	Debit      *Transaction `json:"debit"`
	Credit     *Transaction `json:"credit"`
	Balance    int64        `json:"balance"`
}

// ActorFrom builds the ledger caller identity from the authenticated request.
func ActorFrom(r *http.Request) Actor {
	return Actor{UserID: middleware.GetUserID(r.Context()), Role: middleware.GetRole(r.Context())}
}

// Balance handles GET /account/credit
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r)
	if actor.UserID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	acc, err := h.svc.Balance(r.Context(), actor.UserID)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err, ErrorMappings...)
		return
	}

	response.OK(w, BalanceResponse{UserID: acc.UserID, Balance: acc.Balance, LastDistributionAt: acc.LastDistributionAt})
}

// Transfer handles POST /account/credit/transfer/{recipientId}
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r)
	if actor.UserID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req transferRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	recipientID := chi.URLParam(r, "recipientId")
	out, in, err := h.svc.Transfer(r.Context(), actor, actor.UserID, recipientID, req.Amount)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err, ErrorMappings...)
		return
	}

	acc, err := h.svc.Balance(r.Context(), actor.UserID)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err, ErrorMappings...)
		return
	}

	response.OK(w, TransferResponse{
		TransferID: *out.TransferID,
		Debit:      out,
		Credit:     in,
		Balance:    acc.Balance,
	})
}

// ErrorMappings maps ledger sentinels that are not Kinded onto responses.
var ErrorMappings = []errorhandler.Mapping{
	{Err: ErrAccountNotFound, Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "account not found"},
	{Err: ErrTransactionNotFound, Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "transaction not found"},
	{Err: ErrForbidden, Status: http.StatusForbidden, Code: "FORBIDDEN", Message: "operation not permitted"},
	{Err: ErrInvalidTransition, Status: http.StatusConflict, Code: "INVALID_TRANSITION"},
	{Err: ErrDuplicateIdempotency, Status: http.StatusConflict, Code: "DUPLICATE_REQUEST"},
}

// Routes registers the caller-scoped credit endpoints on an authenticated router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.Balance)
	r.Post("/transfer/{recipientId}", h.Transfer)
}

// PageFromRequest reads 1-based page and limit query parameters.
func PageFromRequest(r *http.Request) (Pagination, int) {
	page := 1
	limit := DefaultLimit
	if p := r.URL.Query().Get("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= MaxLimit {
			limit = v
		}
	}
	return Pagination{Limit: limit, Offset: (page - 1) * limit}, page
}
