package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mwork/credit-ledger/internal/pkg/metrics"
	"github.com/mwork/credit-ledger/internal/pkg/momo"
)

// Gateway is the payment provider as the ledger sees it. Implementations may
// be slow, answer twice, or answer out of order; callers never rely on the
// gateway to deduplicate.
type Gateway interface {
	CreateOrder(ctx context.Context, userID string, credits int64) (*Order, error)
	CheckStatus(ctx context.Context, externalOrderID string) (*StatusReport, error)
	// ParseCallback authenticates a provider notification and decodes it.
	ParseCallback(body []byte) (*StatusReport, error)
}

// Pricing converts credits to the provider currency.
type Pricing struct {
	PricePerCredit decimal.Decimal
}

func NewPricing(pricePerCredit int64) Pricing {
	return Pricing{PricePerCredit: decimal.NewFromInt(pricePerCredit)}
}

// Charge returns the amount billed for credits.
func (p Pricing) Charge(credits int64) decimal.Decimal {
	return decimal.NewFromInt(credits).Mul(p.PricePerCredit)
}

// MomoGateway adapts the MoMo wallet API to Gateway.
type MomoGateway struct {
	client    *momo.Client
	secretKey string
	pricing   Pricing
}

func NewMomoGateway(client *momo.Client, secretKey string, pricing Pricing) *MomoGateway {
	return &MomoGateway{client: client, secretKey: secretKey, pricing: pricing}
}

func (g *MomoGateway) CreateOrder(ctx context.Context, userID string, credits int64) (*Order, error) {
	amount := g.pricing.Charge(credits)
	if !amount.IsInteger() {
		return nil, fmt.Errorf("charge %s is not a whole amount", amount)
	}

	orderID := g.client.NewOrderID()
	start := time.Now()
	resp, err := g.client.CreatePayment(ctx, orderID, amount.IntPart(), fmt.Sprintf("Purchase %d credits", credits))
	observe("create", start, err)
	if err != nil {
		return nil, &GatewayUnavailableError{Op: "create", Err: err}
	}

	return &Order{ExternalOrderID: orderID, RedirectURL: resp.PayURL, Amount: amount.IntPart()}, nil
}

func (g *MomoGateway) CheckStatus(ctx context.Context, externalOrderID string) (*StatusReport, error) {
	start := time.Now()
	resp, err := g.client.QueryStatus(ctx, externalOrderID)
	observe("query", start, err)
	if err != nil {
		return nil, &GatewayUnavailableError{Op: "query", Err: err}
	}

	return &StatusReport{
		ExternalOrderID: externalOrderID,
		Status:          StatusFromResultCode(resp.ResultCode),
		Amount:          resp.Amount,
		Code:            resp.ResultCode,
		Message:         resp.Message,
		TransID:         transID(resp.TransID),
	}, nil
}

func (g *MomoGateway) ParseCallback(body []byte) (*StatusReport, error) {
	n, err := momo.ParseNotification(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	if err := n.Verify(g.secretKey); err != nil {
		if errors.Is(err, momo.ErrInvalidSignature) {
			return nil, ErrInvalidSignature
		}
		return nil, err
	}

	return &StatusReport{
		ExternalOrderID: n.OrderID,
		Status:          StatusFromResultCode(n.ResultCode),
		Amount:          n.Amount,
		Code:            n.ResultCode,
		Message:         n.Message,
		TransID:         transID(n.TransID),
	}, nil
}

// StatusFromResultCode maps MoMo result codes onto gateway states.
func StatusFromResultCode(code int) GatewayStatus {
	switch code {
	case momo.ResultSuccess:
		return GatewayPaid
	case momo.ResultPendingConfirm, momo.ResultPendingUserAction:
		return GatewayPending
	case momo.ResultExpired:
		return GatewayExpired
	default:
		return GatewayFailed
	}
}

func transID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.GatewayLatency.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}
