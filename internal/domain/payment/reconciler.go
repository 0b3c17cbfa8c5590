package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/pkg/metrics"
)

const reasonReconciliationTimeout = "reconciliation timeout"

// ReconcilerConfig controls polling cadence and the retry budget.
type ReconcilerConfig struct {
	PollInterval time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	MaxAge       time.Duration
	BatchSize    int
	Concurrency  int
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// PassSummary counts what one reconciliation pass did.
type PassSummary struct {
	Scanned   int `json:"scanned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// Reconciler drives pending purchases to a terminal state by polling the
// gateway. On start it resumes from whatever is still pending in the log.
type Reconciler struct {
	ledger  *credit.Service
	gateway Gateway
	cfg     ReconcilerConfig
	now     func() time.Time

	flight singleflight.Group
	passMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewReconciler(ledger *credit.Service, gateway Gateway, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		ledger:  ledger,
		gateway: gateway,
		cfg:     cfg.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Tests only.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Start runs a pass immediately and then every PollInterval.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.loop(r.stopCh)

	log.Info().Dur("interval", r.cfg.PollInterval).Dur("max_age", r.cfg.MaxAge).Msg("Starting reconciliation worker...")
}

// Stop waits for the current pass to finish its in-flight units.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	log.Info().Msg("Stopping reconciliation worker...")
	close(r.stopCh)
	r.wg.Wait()
	r.running = false
}

func (r *Reconciler) loop(stop <-chan struct{}) {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.pass(ctx)
	for {
		select {
		case <-ticker.C:
			r.pass(ctx)
		case <-stop:
			return
		}
	}
}

func (r *Reconciler) pass(ctx context.Context) {
	summary, err := r.RunNow(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Reconciliation pass failed")
		}
		return
	}
	if summary.Scanned > 0 {
		log.Info().
			Int("scanned", summary.Scanned).
			Int("completed", summary.Completed).
			Int("failed", summary.Failed).
			Int("timed_out", summary.TimedOut).
			Int("pending", summary.Pending).
			Int("errors", summary.Errors).
			Msg("Reconciliation pass finished")
	}
}

// RunNow performs one pass over pending purchases that are due. Passes do
// not overlap.
func (r *Reconciler) RunNow(ctx context.Context) (PassSummary, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	var summary PassSummary
	due, err := r.ledger.Store().ListDuePending(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		return summary, err
	}
	summary.Scanned = len(due)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i := range due {
		tx := due[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			_, outcome, err := r.reconcileShared(gctx, &tx)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeCompleted:
				summary.Completed++
			case outcomeFailed:
				summary.Failed++
			case outcomeTimeout:
				summary.TimedOut++
			case outcomePending:
				summary.Pending++
			}
			if err != nil {
				summary.Errors++
			}
			return nil
		})
	}
	_ = g.Wait()
	return summary, ctx.Err()
}

// ReconcileOrder makes one immediate attempt for orderID. Concurrent attempts
// for the same order, from here or from a pass, share one gateway round trip.
func (r *Reconciler) ReconcileOrder(ctx context.Context, orderID string) (*credit.Transaction, error) {
	v, err, _ := r.flight.Do(orderID, func() (interface{}, error) {
		tx, err := r.ledger.TransactionByOrder(ctx, orderID)
		if err != nil {
			return flightResult{}, err
		}
		if tx.Status != credit.StatusPending {
			return flightResult{tx: tx}, nil
		}
		out, oc, err := r.reconcile(ctx, tx)
		return flightResult{tx: out, outcome: oc}, err
	})
	if err != nil {
		return nil, err
	}
	return v.(flightResult).tx, nil
}

type flightResult struct {
	tx      *credit.Transaction
	outcome outcome
}

// reconcileShared is reconcile keyed on the order id in the flight group.
func (r *Reconciler) reconcileShared(ctx context.Context, tx *credit.Transaction) (*credit.Transaction, outcome, error) {
	v, err, _ := r.flight.Do(*tx.ExternalOrderID, func() (interface{}, error) {
		out, oc, err := r.reconcile(ctx, tx)
		return flightResult{tx: out, outcome: oc}, err
	})
	res, _ := v.(flightResult)
	return res.tx, res.outcome, err
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeTimeout
	outcomePending
)

// reconcile polls the gateway once for tx and applies a terminal answer. A
// purchase older than MaxAge that is still unresolved is failed with
// "reconciliation timeout". Ledger writes run detached from ctx so shutdown
// never interrupts an atomic unit.
func (r *Reconciler) reconcile(ctx context.Context, tx *credit.Transaction) (*credit.Transaction, outcome, error) {
	orderID := *tx.ExternalOrderID
	logger := log.With().Str("order_id", orderID).Str("user_id", tx.UserID).Logger()
	unitCtx := context.WithoutCancel(ctx)

	report, gwErr := r.gateway.CheckStatus(ctx, orderID)
	if gwErr == nil && report.Status.Terminal() {
		out, applied, err := r.ledger.ApplyOutcome(unitCtx, orderID, report.Outcome())
		if err != nil {
			logger.Error().Err(err).Msg("Failed to apply gateway outcome")
			metrics.ReconcileOutcomes.WithLabelValues("error").Inc()
			return tx, outcomeNone, err
		}
		if !applied {
			metrics.ReconcileOutcomes.WithLabelValues("duplicate").Inc()
			return out, outcomeNone, nil
		}
		if out.Status == credit.StatusCompleted {
			metrics.ReconcileOutcomes.WithLabelValues("completed").Inc()
			return out, outcomeCompleted, nil
		}
		metrics.ReconcileOutcomes.WithLabelValues("failed").Inc()
		return out, outcomeFailed, nil
	}

	now := r.now()
	if age := now.Sub(tx.CreatedAt); age >= r.cfg.MaxAge {
		timeout := &ReconciliationTimeoutError{ExternalOrderID: orderID, Age: age}
		out, applied, err := r.ledger.ApplyOutcome(unitCtx, orderID, credit.Outcome{Status: credit.StatusFailed, Reason: reasonReconciliationTimeout})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to time out pending purchase")
			metrics.ReconcileOutcomes.WithLabelValues("error").Inc()
			return tx, outcomeNone, err
		}
		if applied {
			logger.Warn().Err(timeout).Msg("Purchase failed by reconciliation timeout")
			metrics.ReconcileOutcomes.WithLabelValues("timeout").Inc()
			return out, outcomeTimeout, nil
		}
		return out, outcomeNone, nil
	}

	attempts := tx.Attempts + 1
	next := now.Add(r.backoff(attempts))
	if err := r.ledger.RecordAttempt(unitCtx, tx.ID, attempts, next); err != nil {
		logger.Error().Err(err).Msg("Failed to record reconciliation attempt")
	}
	tx.Attempts = attempts
	tx.NextAttemptAt = &next

	if gwErr != nil {
		logger.Warn().Err(gwErr).Int("attempt", attempts).Time("next_attempt_at", next).Msg("Gateway unavailable, will retry")
		metrics.ReconcileOutcomes.WithLabelValues("gateway_error").Inc()
		return tx, outcomePending, gwErr
	}
	logger.Debug().Int("attempt", attempts).Time("next_attempt_at", next).Msg("Purchase still pending at gateway")
	metrics.ReconcileOutcomes.WithLabelValues("pending").Inc()
	return tx, outcomePending, nil
}

// backoff is BaseBackoff doubled per attempt, capped at MaxBackoff.
func (r *Reconciler) backoff(attempts int) time.Duration {
	d := r.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return d
}
