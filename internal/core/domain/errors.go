package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrInsufficientStock   = errors.New("insufficient stock")
)

// ValidationError is a local, non-retryable rejection raised before any
// side effect has happened.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Msg
}

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InsufficientStockError names every product that could not be reserved so
// the caller can re-check availability and retry.
type InsufficientStockError struct {
	ProductIDs []string
}

func (e *InsufficientStockError) Error() string {
	return "insufficient stock for products: " + strings.Join(e.ProductIDs, ", ")
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// InvalidTransitionError reports a rejected lifecycle transition together
// with the states the order is currently in.
type InvalidTransitionError struct {
	Event         string
	Status        Status
	PaymentStatus PaymentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %q: status=%s payment_status=%s",
		e.Event, e.Status, e.PaymentStatus)
}

// PaymentAmountMismatchError is fatal: a gateway event carried an amount
// that does not equal the order total. It must never be auto-resolved.
type PaymentAmountMismatchError struct {
	OrderID string
	Want    decimal.Decimal
	Got     decimal.Decimal
}

func (e *PaymentAmountMismatchError) Error() string {
	return fmt.Sprintf("payment amount mismatch on order %s: want %s, got %s",
		e.OrderID, e.Want, e.Got)
}
