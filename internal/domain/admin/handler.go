package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/domain/distribution"
	"github.com/mwork/credit-ledger/internal/domain/payment"
	"github.com/mwork/credit-ledger/internal/pkg/errorhandler"
	"github.com/mwork/credit-ledger/internal/pkg/response"
	"github.com/mwork/credit-ledger/internal/pkg/validator"
)

// DistributionSettings reads and changes the global distribution policy.
type DistributionSettings interface {
	Config(ctx context.Context) (*distribution.Config, error)
	SetInterval(ctx context.Context, actor credit.Actor, seconds int64) (*distribution.Config, error)
}

// Reconciler runs an on-demand reconciliation pass.
type Reconciler interface {
	Reconcile(ctx context.Context) (payment.PassSummary, error)
}

// Handler serves the operator endpoints of the ledger.
type Handler struct {
	ledger       *credit.Service
	query        *Query
	distribution DistributionSettings
	reconciler   Reconciler
}

func NewHandler(ledger *credit.Service, query *Query, dist DistributionSettings, reconciler Reconciler) *Handler {
	return &Handler{
		ledger:       ledger,
		query:        query,
		distribution: dist,
		reconciler:   reconciler,
	}
}

// AdjustRequest for PATCH /account/credit/{userId}
type AdjustRequest struct {
	Amount        int64  `json:"amount" validate:"required,min=-1000000,max=1000000"`
	AllowNegative bool   `json:"allow_negative"`
	Reason        string `json:"reason" validate:"max=500"`
}

// AdjustResponse reports the corrected account.
type AdjustResponse struct {
	UserID      string              `json:"user_id"`
	Balance     int64               `json:"balance"`
	Transaction *credit.Transaction `json:"transaction"`
}

// IntervalRequest for PATCH /account/credit/distribution-interval
type IntervalRequest struct {
	Interval int64 `json:"interval" validate:"required,min=60"`
}

// ReverseRequest for POST /payment/admin/transactions/{id}/reverse
type ReverseRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

// AdjustBalance handles PATCH /account/credit/{userId}
// @Summary Adjust a user's balance
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param userId path string true "User ID"
// @Param body body AdjustRequest true "Signed delta"
// @Success 200 {object} response.Response{data=AdjustResponse}
// @Failure 409 {object} response.Response
// @Router /account/credit/{userId} [patch]
func (h *Handler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	userID := chi.URLParam(r, "userId")
	acc, tx, err := h.ledger.Adjust(r.Context(), credit.ActorFrom(r), userID, req.Amount, req.AllowNegative, req.Reason)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err, credit.ErrorMappings...)
		return
	}
	response.OK(w, AdjustResponse{UserID: acc.UserID, Balance: acc.Balance, Transaction: tx})
}

// GetDistributionInterval handles GET /account/credit/distribution-interval
func (h *Handler) GetDistributionInterval(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.distribution.Config(r.Context())
	if err != nil {
		errorhandler.Handle(r.Context(), w, err, credit.ErrorMappings...)
		return
	}
	response.OK(w, cfg)
}

// SetDistributionInterval handles PATCH /account/credit/distribution-interval
// The new interval is picked up by the next distribution tick.
func (h *Handler) SetDistributionInterval(w http.ResponseWriter, r *http.Request) {
	var req IntervalRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	cfg, err := h.distribution.SetInterval(r.Context(), credit.ActorFrom(r), req.Interval)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err, credit.ErrorMappings...)
		return
	}
	response.OK(w, cfg)
}

// AllTransactions handles GET /payment/admin/all-transactions
// @Summary List every transaction
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param user_id query string false "User ID"
// @Param kind query string false "Kind"
// @Param status query string false "Status"
// @Param from query string false "RFC3339 or YYYY-MM-DD"
// @Param to query string false "RFC3339 or YYYY-MM-DD"
// @Param page query int false "Page"
// @Param limit query int false "Limit"
// @Success 200 {object} response.Response{data=[]credit.Transaction}
// @Router /payment/admin/all-transactions [get]
func (h *Handler) AllTransactions(w http.ResponseWriter, r *http.Request) {
	filters, errs := parseFilters(r)
	if errs != nil {
		response.ValidationError(w, errs)
		return
	}

	page, pageNum := credit.PageFromRequest(r)
	out, err := h.query.AllTransactions(r.Context(), credit.ActorFrom(r), filters, page)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err, credit.ErrorMappings...)
		return
	}
	response.WithMeta(w, out.Items, response.NewMeta(out.Total, pageNum, page.Limit))
}

// UserTransactions handles GET /payment/admin/users/{userId}/transactions
func (h *Handler) UserTransactions(w http.ResponseWriter, r *http.Request) {
	page, pageNum := credit.PageFromRequest(r)
	out, err := h.query.UserTransactions(r.Context(), chi.URLParam(r, "userId"), page)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err, credit.ErrorMappings...)
		return
	}
	response.WithMeta(w, out.Items, response.NewMeta(out.Total, pageNum, page.Limit))
}

// Reconcile handles POST /payment/admin/reconcile
// Runs one reconciliation pass immediately and reports what it did.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := h.reconciler.Reconcile(r.Context())
	if err != nil {
		errorhandler.Handle(r.Context(), w, err, payment.ErrorMappings...)
		return
	}
	response.OK(w, summary)
}

// Reverse handles POST /payment/admin/transactions/{id}/reverse
func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	tx, err := h.ledger.Reverse(r.Context(), credit.ActorFrom(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		errorhandler.Handle(r.Context(), w, err, credit.ErrorMappings...)
		return
	}
	response.OK(w, tx)
}

// CreditRoutes registers the admin endpoints under /account/credit.
func (h *Handler) CreditRoutes(r chi.Router) {
	r.Route("/distribution-interval", func(r chi.Router) {
		r.Use(RequirePermission(PermManageDistribution))
		r.Get("/", h.GetDistributionInterval)
		r.Patch("/", h.SetDistributionInterval)
	})
	r.With(RequirePermission(PermAdjustCredits)).Patch("/{userId}", h.AdjustBalance)
}

// PaymentRoutes registers the admin endpoints under /payment/admin.
func (h *Handler) PaymentRoutes(r chi.Router) {
	r.With(RequirePermission(PermViewTransactions)).Get("/all-transactions", h.AllTransactions)
	r.With(RequirePermission(PermViewTransactions)).Get("/users/{userId}/transactions", h.UserTransactions)
	r.With(RequirePermission(PermReconcilePayments)).Post("/reconcile", h.Reconcile)
	r.With(RequirePermission(PermReverseTransactions)).Post("/transactions/{id}/reverse", h.Reverse)
}

const dateOnly = "2006-01-02"

// parseFilters reads the admin listing filters. A bare date in "to" covers
// the whole day.
func parseFilters(r *http.Request) (credit.Filters, map[string]string) {
	q := r.URL.Query()
	errs := map[string]string{}

	f := credit.Filters{UserID: q.Get("user_id")}
	if v := q.Get("kind"); v != "" {
		f.Kind = credit.Kind(v)
		if !f.Kind.Valid() {
			errs["kind"] = "unknown transaction kind"
		}
	}
	if v := q.Get("status"); v != "" {
		f.Status = credit.Status(v)
		if !f.Status.Valid() {
			errs["status"] = "unknown transaction status"
		}
	}
	if v := q.Get("from"); v != "" {
		t, _, err := parseTime(v)
		if err != nil {
			errs["from"] = "must be RFC3339 or YYYY-MM-DD"
		} else {
			f.DateFrom = &t
		}
	}
	if v := q.Get("to"); v != "" {
		t, day, err := parseTime(v)
		if err != nil {
			errs["to"] = "must be RFC3339 or YYYY-MM-DD"
		} else {
			if day {
				t = t.Add(24*time.Hour - time.Nanosecond)
			}
			f.DateTo = &t
		}
	}

	if len(errs) > 0 {
		return f, errs
	}
	return f, nil
}

func parseTime(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(dateOnly, v)
	return t, true, err
}
