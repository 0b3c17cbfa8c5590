package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/pkg/metrics"
)

// Config bounds purchases and throttles status polling.
type Config struct {
	MinCredits     int64
	MaxCredits     int64
	StatusThrottle time.Duration
}

// Service handles credit purchases: order creation, gateway callbacks and
// buyer-driven status checks. Every balance change goes through the ledger.
type Service struct {
	ledger     *credit.Service
	gateway    Gateway
	reconciler *Reconciler
	cfg        Config
	throttle   *cache.Cache
}

func NewService(ledger *credit.Service, gateway Gateway, reconciler *Reconciler, cfg Config) *Service {
	if cfg.MinCredits <= 0 {
		cfg.MinCredits = 1
	}
	if cfg.MaxCredits < cfg.MinCredits {
		cfg.MaxCredits = 10
	}
	if cfg.StatusThrottle <= 0 {
		cfg.StatusThrottle = 3 * time.Second
	}
	return &Service{
		ledger:     ledger,
		gateway:    gateway,
		reconciler: reconciler,
		cfg:        cfg,
		throttle:   cache.New(cfg.StatusThrottle, 2*cfg.StatusThrottle),
	}
}

// CreatePurchase opens a gateway order for credits and records it as a
// pending purchase before returning the redirect URL.
func (s *Service) CreatePurchase(ctx context.Context, actor credit.Actor, credits int64) (*PurchaseResult, error) {
	if actor.UserID == "" {
		return nil, &credit.ValidationError{Field: "user_id", Reason: "is required"}
	}
	if credits < s.cfg.MinCredits || credits > s.cfg.MaxCredits {
		return nil, &credit.ValidationError{
			Field:  "creditAmount",
			Reason: fmt.Sprintf("must be between %d and %d", s.cfg.MinCredits, s.cfg.MaxCredits),
			Err:    credit.ErrInvalidAmount,
		}
	}

	order, err := s.gateway.CreateOrder(ctx, actor.UserID, credits)
	if err != nil {
		log.Error().Err(err).Str("user_id", actor.UserID).Int64("credits", credits).Msg("gateway order creation failed")
		return nil, err
	}

	tx, err := s.ledger.RecordPurchase(ctx, credit.PendingPurchase{
		UserID:          actor.UserID,
		Credits:         credits,
		ExternalOrderID: order.ExternalOrderID,
		GatewayAmount:   order.Amount,
		RedirectURL:     order.RedirectURL,
		Description:     fmt.Sprintf("Purchase %d credits", credits),
	})
	if err != nil {
		var dup *credit.DuplicateOrderError
		if errors.As(err, &dup) && dup.Existing != nil {
			tx = dup.Existing
		} else {
			return nil, err
		}
	}

	return &PurchaseResult{ExternalOrderID: order.ExternalOrderID, RedirectURL: order.RedirectURL, Transaction: tx}, nil
}

// HandleCallback applies a signed provider notification. Notifications for
// purchases that are already terminal are acknowledged without effect.
func (s *Service) HandleCallback(ctx context.Context, body []byte) (*credit.Transaction, error) {
	report, err := s.gateway.ParseCallback(body)
	if err != nil {
		return nil, err
	}

	tx, err := s.ledger.TransactionByOrder(ctx, report.ExternalOrderID)
	if err != nil {
		return nil, err
	}
	if tx.GatewayAmount != nil && !decimal.NewFromInt(report.Amount).Equal(decimal.NewFromInt(*tx.GatewayAmount)) {
		return nil, &AmountMismatchError{ExternalOrderID: report.ExternalOrderID, Expected: *tx.GatewayAmount, Received: report.Amount}
	}

	logger := log.With().Str("order_id", report.ExternalOrderID).Int("result_code", report.Code).Logger()
	if tx.Status.Terminal() {
		logger.Info().Str("status", string(tx.Status)).Msg("callback for settled purchase ignored")
		metrics.ReconcileOutcomes.WithLabelValues("duplicate").Inc()
		return tx, nil
	}
	if !report.Status.Terminal() {
		logger.Debug().Msg("callback reports purchase still pending")
		return tx, nil
	}

	out, applied, err := s.ledger.ApplyOutcome(ctx, report.ExternalOrderID, report.Outcome())
	if err != nil {
		return nil, err
	}
	if applied {
		metrics.ReconcileOutcomes.WithLabelValues("callback_" + string(out.Status)).Inc()
		logger.Info().Str("status", string(out.Status)).Msg("callback applied")
	} else {
		metrics.ReconcileOutcomes.WithLabelValues("duplicate").Inc()
	}
	return out, nil
}

// CheckStatus returns the purchase for orderID, making one reconciliation
// attempt first while it is pending. Gateway trouble leaves the purchase
// pending rather than failing the request.
func (s *Service) CheckStatus(ctx context.Context, actor credit.Actor, orderID string) (*credit.Transaction, error) {
	tx, err := s.ledger.TransactionByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if tx.UserID != actor.UserID && !actor.IsAdmin() {
		// Do not reveal other users' orders.
		return nil, credit.ErrTransactionNotFound
	}
	if tx.Status != credit.StatusPending {
		return tx, nil
	}
	if _, hot := s.throttle.Get(orderID); hot {
		return tx, nil
	}
	s.throttle.SetDefault(orderID, struct{}{})

	out, err := s.reconciler.ReconcileOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrGatewayUnavailable) {
			log.Warn().Err(err).Str("order_id", orderID).Msg("status check could not reach gateway")
			return tx, nil
		}
		return nil, err
	}
	return out, nil
}

// Reconcile runs one reconciliation pass now.
func (s *Service) Reconcile(ctx context.Context) (PassSummary, error) {
	return s.reconciler.RunNow(ctx)
}
