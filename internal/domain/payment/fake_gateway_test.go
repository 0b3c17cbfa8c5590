package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mwork/credit-ledger/internal/domain/credit"
)

// fakeGateway is a scriptable Gateway. Orders start pending.
type fakeGateway struct {
	mu        sync.Mutex
	price     int64
	seq       int
	statuses  map[string]GatewayStatus
	checkErr  error
	createErr error
	checks    map[string]int
	hold      *hold
}

// hold parks the next CheckStatus call until release is closed.
type hold struct {
	entered chan struct{}
	release chan struct{}
}

func (g *fakeGateway) holdNextCheck() *hold {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hold = &hold{entered: make(chan struct{}), release: make(chan struct{})}
	return g.hold
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		price:    1000,
		statuses: make(map[string]GatewayStatus),
		checks:   make(map[string]int),
	}
}

func (g *fakeGateway) CreateOrder(_ context.Context, _ string, credits int64) (*Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, &GatewayUnavailableError{Op: "create", Err: g.createErr}
	}
	g.seq++
	id := fmt.Sprintf("O%d", g.seq)
	g.statuses[id] = GatewayPending
	return &Order{ExternalOrderID: id, RedirectURL: "https://pay.example/" + id, Amount: credits * g.price}, nil
}

func (g *fakeGateway) CheckStatus(_ context.Context, id string) (*StatusReport, error) {
	g.mu.Lock()
	h := g.hold
	g.hold = nil
	g.mu.Unlock()
	if h != nil {
		close(h.entered)
		<-h.release
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks[id]++
	if g.checkErr != nil {
		return nil, &GatewayUnavailableError{Op: "query", Err: g.checkErr}
	}
	st, ok := g.statuses[id]
	if !ok {
		st = GatewayFailed
	}
	return &StatusReport{ExternalOrderID: id, Status: st, Code: fakeCode(st), Message: "query " + string(st), TransID: "Q-" + id}, nil
}

func fakeCode(st GatewayStatus) int {
	switch st {
	case GatewayPaid:
		return 0
	case GatewayPending:
		return 9000
	case GatewayExpired:
		return 1005
	default:
		return 1006
	}
}

type fakeCallback struct {
	OrderID   string        `json:"orderId"`
	Status    GatewayStatus `json:"status"`
	Amount    int64         `json:"amount"`
	TransID   string        `json:"transId"`
	Signature string        `json:"signature"`
}

func (g *fakeGateway) ParseCallback(body []byte) (*StatusReport, error) {
	var cb fakeCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, ErrInvalidCallback
	}
	if cb.Signature != "ok" {
		return nil, ErrInvalidSignature
	}
	return &StatusReport{
		ExternalOrderID: cb.OrderID,
		Status:          cb.Status,
		Amount:          cb.Amount,
		Code:            fakeCode(cb.Status),
		Message:         "callback " + string(cb.Status),
		TransID:         cb.TransID,
	}, nil
}

func (g *fakeGateway) set(id string, st GatewayStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[id] = st
}

func (g *fakeGateway) checkCount(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checks[id]
}

func callbackBody(id string, st GatewayStatus, amount int64) []byte {
	b, _ := json.Marshal(fakeCallback{OrderID: id, Status: st, Amount: amount, TransID: "CB-" + id, Signature: "ok"})
	return b
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	ledger     *credit.Service
	store      *credit.MemoryStore
	gateway    *fakeGateway
	reconciler *Reconciler
	service    *Service
	clock      *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	store := credit.NewMemoryStore()
	ledger := credit.NewService(store)
	ledger.SetClock(c.Now)
	gw := newFakeGateway()

	rec := NewReconciler(ledger, gw, ReconcilerConfig{
		PollInterval: time.Hour,
		BaseBackoff:  5 * time.Second,
		MaxBackoff:   time.Minute,
		MaxAge:       30 * time.Minute,
		BatchSize:    10,
		Concurrency:  2,
	})
	rec.SetClock(c.Now)

	svc := NewService(ledger, gw, rec, Config{MinCredits: 1, MaxCredits: 10, StatusThrottle: time.Minute})
	return &fixture{ledger: ledger, store: store, gateway: gw, reconciler: rec, service: svc, clock: c}
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	acc, err := f.ledger.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return acc.Balance
}
