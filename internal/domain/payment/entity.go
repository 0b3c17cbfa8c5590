package payment

import (
	"github.com/mwork/credit-ledger/internal/domain/credit"
)

// GatewayStatus is what the provider reports for an order.
type GatewayStatus string

const (
	GatewayPending GatewayStatus = "pending"
	GatewayPaid    GatewayStatus = "paid"
	GatewayFailed  GatewayStatus = "failed"
	GatewayExpired GatewayStatus = "expired"
)

// Terminal reports whether the provider will not change its answer again.
func (s GatewayStatus) Terminal() bool {
	return s == GatewayPaid || s == GatewayFailed || s == GatewayExpired
}

// Order is a purchase registered with the provider.
type Order struct {
	ExternalOrderID string
	RedirectURL     string
	// Amount is what the provider will charge, in VND.
	Amount int64
}

// StatusReport is one provider answer about an order, from a poll or a callback.
type StatusReport struct {
	ExternalOrderID string
	Status          GatewayStatus
	Amount          int64
	Code            int
	Message         string
	TransID         string
}

// Outcome converts a provider report into the ledger transition it implies.
// The provider's transaction id, code and message travel with it.
func (r StatusReport) Outcome() credit.Outcome {
	code := r.Code
	out := credit.Outcome{
		Status:            credit.StatusPending,
		GatewayTransID:    r.TransID,
		GatewayResultCode: &code,
		GatewayMessage:    r.Message,
	}
	switch r.Status {
	case GatewayPaid:
		out.Status = credit.StatusCompleted
	case GatewayExpired:
		out.Status = credit.StatusFailed
		out.Reason = "payment expired"
	case GatewayFailed:
		out.Status = credit.StatusFailed
		out.Reason = r.Message
		if out.Reason == "" {
			out.Reason = "payment failed"
		}
	}
	return out
}

// PurchaseResult is returned to the buyer after an order is created.
type PurchaseResult struct {
	ExternalOrderID string              `json:"externalOrderId"`
	RedirectURL     string              `json:"redirectUrl"`
	Transaction     *credit.Transaction `json:"transaction"`
}
