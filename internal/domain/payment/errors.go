package payment

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrGatewayUnavailable    = errors.New("payment gateway unavailable")
	ErrReconciliationTimeout = errors.New("reconciliation timeout")
	ErrInvalidSignature      = errors.New("invalid callback signature")
	ErrInvalidCallback       = errors.New("invalid callback payload")
	ErrAmountMismatch        = errors.New("callback amount does not match order")
)

// GatewayUnavailableError wraps a transport or provider failure. It is
// transient: reconciliation retries it with backoff.
type GatewayUnavailableError struct {
	Op  string
	Err error
}

func (e *GatewayUnavailableError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayUnavailableError) Unwrap() []error { return []error{ErrGatewayUnavailable, e.Err} }
func (e *GatewayUnavailableError) Kind() string    { return "GATEWAY_UNAVAILABLE" }
func (e *GatewayUnavailableError) HTTPStatus() int { return http.StatusServiceUnavailable }

// ReconciliationTimeoutError is recorded when a purchase stayed pending past
// the maximum age. The purchase is failed; the buyer has to order again.
type ReconciliationTimeoutError struct {
	ExternalOrderID string
	Age             time.Duration
}

func (e *ReconciliationTimeoutError) Error() string {
	return fmt.Sprintf("order %s still pending after %s", e.ExternalOrderID, e.Age.Round(time.Second))
}

func (e *ReconciliationTimeoutError) Unwrap() error   { return ErrReconciliationTimeout }
func (e *ReconciliationTimeoutError) Kind() string    { return "RECONCILIATION_TIMEOUT" }
func (e *ReconciliationTimeoutError) HTTPStatus() int { return http.StatusConflict }

// AmountMismatchError rejects a callback whose amount differs from the order.
type AmountMismatchError struct {
	ExternalOrderID string
	Expected        int64
	Received        int64
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("amount mismatch for %s: expected %d, received %d", e.ExternalOrderID, e.Expected, e.Received)
}

func (e *AmountMismatchError) Unwrap() error   { return ErrAmountMismatch }
func (e *AmountMismatchError) Kind() string    { return "AMOUNT_MISMATCH" }
func (e *AmountMismatchError) HTTPStatus() int { return http.StatusBadRequest }
