package credit

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInvalidAmount        = errors.New("invalid amount: must be greater than 0")
	ErrAccountNotFound      = errors.New("account not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrDuplicateOrder       = errors.New("duplicate external order id")
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
	ErrConcurrencyConflict  = errors.New("concurrent modification")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrForbidden            = errors.New("operation not permitted for caller")
	ErrInternal             = errors.New("internal error")
	ErrValidation           = errors.New("validation failed")
)

// ValidationError rejects a request before any mutation.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrValidation, e.Err}
	}
	return []error{ErrValidation}
}

func (e *ValidationError) Kind() string    { return "VALIDATION_ERROR" }
func (e *ValidationError) HTTPStatus() int { return http.StatusUnprocessableEntity }

// Details exposes the field error in the response envelope.
func (e *ValidationError) Details() map[string]string {
	return map[string]string{e.Field: e.Reason}
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func balanceOutOfRange() error {
	return &ValidationError{Field: "amount", Reason: "would move the balance out of range"}
}

func invalidAmount() error {
	return &ValidationError{Field: "amount", Reason: "must be greater than 0", Err: ErrInvalidAmount}
}

// InsufficientBalanceError is returned when a debit would drive the balance
// below zero. State is unchanged when it is returned.
type InsufficientBalanceError struct {
	UserID    string
	Balance   int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: have %d, need %d", e.UserID, e.Balance, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error   { return ErrInsufficientBalance }
func (e *InsufficientBalanceError) Kind() string    { return "INSUFFICIENT_BALANCE" }
func (e *InsufficientBalanceError) HTTPStatus() int { return http.StatusConflict }

// DuplicateOrderError reports that an external order id is already recorded.
// Existing holds the recorded transaction when it could be loaded.
type DuplicateOrderError struct {
	ExternalOrderID string
	Existing        *Transaction
}

func (e *DuplicateOrderError) Error() string {
	return fmt.Sprintf("external order %s already recorded", e.ExternalOrderID)
}

func (e *DuplicateOrderError) Unwrap() error   { return ErrDuplicateOrder }
func (e *DuplicateOrderError) Kind() string    { return "DUPLICATE_ORDER" }
func (e *DuplicateOrderError) HTTPStatus() int { return http.StatusConflict }

// ConcurrencyConflictError surfaces after the store gave up retrying a
// serialization failure.
type ConcurrencyConflictError struct {
	Attempts int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent modification persisted after %d attempts", e.Attempts)
}

func (e *ConcurrencyConflictError) Unwrap() error   { return ErrConcurrencyConflict }
func (e *ConcurrencyConflictError) Kind() string    { return "CONCURRENCY_CONFLICT" }
func (e *ConcurrencyConflictError) HTTPStatus() int { return http.StatusServiceUnavailable }

// IsClientError reports whether err was caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsRetryable reports whether retrying the same call may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
