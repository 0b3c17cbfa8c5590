package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/pkg/momo"
)

// Scenario: balance 0, order O1 for 5 credits, gateway later reports paid,
// then a duplicate paid report arrives.
func TestReconcilePaidOrderScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.service.CreatePurchase(ctx, buyer, 5)
	require.NoError(t, err)
	require.Equal(t, "O1", out.ExternalOrderID)
	t1 := out.Transaction.ID

	f.gateway.set("O1", GatewayPaid)
	summary, err := f.reconciler.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassSummary{Scanned: 1, Completed: 1}, summary)

	tx, err := f.ledger.Transaction(ctx, t1)
	require.NoError(t, err)
	assert.Equal(t, credit.StatusCompleted, tx.Status)
	assert.Equal(t, int64(5), f.balance(t, buyer.UserID))
	require.NotNil(t, tx.GatewayTransID)
	assert.Equal(t, "Q-O1", *tx.GatewayTransID)
	require.NotNil(t, tx.GatewayResultCode)
	assert.Equal(t, 0, *tx.GatewayResultCode)

	_, err = f.service.HandleCallback(ctx, callbackBody("O1", GatewayPaid, 5000))
	require.NoError(t, err)
	summary, err = f.reconciler.RunNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Scanned)

	assert.Equal(t, int64(5), f.balance(t, buyer.UserID))
	page, err := f.store.ListByUser(ctx, buyer.UserID, credit.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestReconcileFailedAndExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.service.CreatePurchase(ctx, buyer, 1)
	require.NoError(t, err)
	b, err := f.service.CreatePurchase(ctx, buyer, 2)
	require.NoError(t, err)
	f.gateway.set(a.ExternalOrderID, GatewayFailed)
	f.gateway.set(b.ExternalOrderID, GatewayExpired)

	summary, err := f.reconciler.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Failed)

	tx, err := f.ledger.TransactionByOrder(ctx, b.ExternalOrderID)
	require.NoError(t, err)
	assert.Equal(t, credit.StatusFailed, tx.Status)
	assert.Equal(t, "payment expired", *tx.FailureReason)
	assert.Zero(t, f.balance(t, buyer.UserID))
}

func TestReconcileBacksOffWhilePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.service.CreatePurchase(ctx, buyer, 1)
	require.NoError(t, err)
	id := out.ExternalOrderID

	summary, err := f.reconciler.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pending)

	tx, err := f.ledger.TransactionByOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, tx.Attempts)
	require.NotNil(t, tx.NextAttemptAt)
	assert.Equal(t, f.clock.Now().Add(5*time.Second), *tx.NextAttemptAt)

	// not due yet
	summary, err = f.reconciler.RunNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Scanned)
	assert.Equal(t, 1, f.gateway.checkCount(id))

	f.clock.Advance(5 * time.Second)
	_, err = f.reconciler.RunNow(ctx)
	require.NoError(t, err)
	tx, err = f.ledger.TransactionByOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, tx.Attempts)
	assert.Equal(t, f.clock.Now().Add(10*time.Second), *tx.NextAttemptAt)
}

func TestBackoffIsCapped(t *testing.T) {
	r := NewReconciler(nil, nil, ReconcilerConfig{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second})
	assert.Equal(t, time.Second, r.backoff(1))
	assert.Equal(t, 2*time.Second, r.backoff(2))
	assert.Equal(t, 8*time.Second, r.backoff(4))
	assert.Equal(t, 10*time.Second, r.backoff(5))
	assert.Equal(t, 10*time.Second, r.backoff(40))
}

func TestReconcileTimesOutStalePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.service.CreatePurchase(ctx, buyer, 3)
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)
	summary, err := f.reconciler.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TimedOut)

	tx, err := f.ledger.TransactionByOrder(ctx, out.ExternalOrderID)
	require.NoError(t, err)
	assert.Equal(t, credit.StatusFailed, tx.Status)
	assert.Equal(t, reasonReconciliationTimeout, *tx.FailureReason)
	assert.NotNil(t, tx.CompletedAt)
	assert.Zero(t, f.balance(t, buyer.UserID))

	// the user can order again
	again, err := f.service.CreatePurchase(ctx, buyer, 3)
	require.NoError(t, err)
	assert.NotEqual(t, out.ExternalOrderID, again.ExternalOrderID)
}

func TestReconcileTimesOutWhenGatewayStaysDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.checkErr = errors.New("dial tcp: i/o timeout")

	out, err := f.service.CreatePurchase(ctx, buyer, 2)
	require.NoError(t, err)

	summary, err := f.reconciler.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 1, summary.Pending)

	f.clock.Advance(time.Hour)
	summary, err = f.reconciler.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TimedOut)

	tx, err := f.ledger.TransactionByOrder(ctx, out.ExternalOrderID)
	require.NoError(t, err)
	assert.Equal(t, credit.StatusFailed, tx.Status)
}

func TestReconcilePaidAtMaxAgeStillCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.service.CreatePurchase(ctx, buyer, 2)
	require.NoError(t, err)
	f.clock.Advance(45 * time.Minute)
	f.gateway.set(out.ExternalOrderID, GatewayPaid)

	summary, err := f.reconciler.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, int64(2), f.balance(t, buyer.UserID))
}

func TestReconcilerStartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.service.CreatePurchase(ctx, buyer, 1)
	require.NoError(t, err)
	f.gateway.set(out.ExternalOrderID, GatewayPaid)

	f.reconciler.Start()
	f.reconciler.Start()
	require.Eventually(t, func() bool {
		tx, err := f.ledger.TransactionByOrder(ctx, out.ExternalOrderID)
		return err == nil && tx.Status == credit.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	f.reconciler.Stop()
	f.reconciler.Stop()

	assert.Equal(t, int64(1), f.balance(t, buyer.UserID))
}

// A pass and a check-status attempt on the same order share one gateway call.
func TestPassJoinsInFlightOrderAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.service.CreatePurchase(ctx, buyer, 5)
	require.NoError(t, err)
	f.gateway.set(out.ExternalOrderID, GatewayPaid)
	h := f.gateway.holdNextCheck()

	orderDone := make(chan error, 1)
	go func() {
		_, err := f.reconciler.ReconcileOrder(ctx, out.ExternalOrderID)
		orderDone <- err
	}()
	<-h.entered

	passDone := make(chan PassSummary, 1)
	go func() {
		summary, err := f.reconciler.RunNow(ctx)
		assert.NoError(t, err)
		passDone <- summary
	}()
	time.Sleep(100 * time.Millisecond)
	close(h.release)

	require.NoError(t, <-orderDone)
	summary := <-passDone
	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, f.gateway.checkCount(out.ExternalOrderID))
	assert.Equal(t, int64(5), f.balance(t, buyer.UserID))
}

func TestMomoGatewayEndToEnd(t *testing.T) {
	const secret = "secret"
	resultCode := momo.ResultPendingConfirm
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch r.URL.Path {
		case "/create":
			json.NewEncoder(w).Encode(momo.CreateResponse{OrderID: req["orderId"].(string), ResultCode: 0, PayURL: "https://momo.example/pay"})
		case "/query":
			json.NewEncoder(w).Encode(momo.QueryResponse{OrderID: req["orderId"].(string), ResultCode: resultCode, Amount: 3000})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := momo.NewClient(momo.Config{Endpoint: srv.URL, PartnerCode: "MOMO", AccessKey: "ak", SecretKey: secret, Timeout: time.Second})
	gw := NewMomoGateway(client, secret, NewPricing(1000))

	store := credit.NewMemoryStore()
	ledger := credit.NewService(store)
	rec := NewReconciler(ledger, gw, ReconcilerConfig{})
	svc := NewService(ledger, gw, rec, Config{MinCredits: 1, MaxCredits: 10})
	ctx := context.Background()

	out, err := svc.CreatePurchase(ctx, buyer, 3)
	require.NoError(t, err)
	assert.Equal(t, "https://momo.example/pay", out.RedirectURL)
	assert.Equal(t, int64(3000), *out.Transaction.GatewayAmount)

	tx, err := svc.CheckStatus(ctx, buyer, out.ExternalOrderID)
	require.NoError(t, err)
	assert.Equal(t, credit.StatusPending, tx.Status)

	fields := map[string]string{
		"partnerCode": "MOMO",
		"orderId":     out.ExternalOrderID,
		"requestId":   out.ExternalOrderID,
		"amount":      "3000",
		"resultCode":  strconv.Itoa(momo.ResultSuccess),
		"message":     "Successful.",
		"transId":     "123",
	}
	body, err := json.Marshal(map[string]interface{}{
		"partnerCode": "MOMO",
		"orderId":     out.ExternalOrderID,
		"requestId":   out.ExternalOrderID,
		"amount":      3000,
		"resultCode":  0,
		"message":     "Successful.",
		"transId":     123,
		"signature":   momo.SignNotification(fields, secret),
	})
	require.NoError(t, err)

	tx, err = svc.HandleCallback(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, credit.StatusCompleted, tx.Status)

	acc, err := ledger.Balance(ctx, buyer.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), acc.Balance)
}

func TestStatusFromResultCode(t *testing.T) {
	assert.Equal(t, GatewayPaid, StatusFromResultCode(0))
	assert.Equal(t, GatewayPending, StatusFromResultCode(9000))
	assert.Equal(t, GatewayPending, StatusFromResultCode(1000))
	assert.Equal(t, GatewayExpired, StatusFromResultCode(1005))
	assert.Equal(t, GatewayFailed, StatusFromResultCode(1006))
	assert.Equal(t, GatewayFailed, StatusFromResultCode(49))
}
