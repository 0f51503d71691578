package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrPriceMismatch       = errors.New("price mismatch")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrMovementNotFound    = errors.New("movement not found")
	ErrNotFound            = errors.New("not found")
	ErrInvalidDiscount     = errors.New("invalid discount configuration")
)

// PriceMismatchError is returned by order creation when the cart no longer
// prices the way the client expects. ServerPrices lets the client resync.
type PriceMismatchError struct {
	Discrepancies []Discrepancy
	ServerPrices  []PricedLine
}

func (e *PriceMismatchError) Error() string {
	return fmt.Sprintf("price mismatch on %d line(s)", len(e.Discrepancies))
}

func (e *PriceMismatchError) Is(target error) bool {
	return target == ErrPriceMismatch
}

type InsufficientStockError struct {
	VariantID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: requested %d, available %d", e.VariantID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type TransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Retryable reports whether the same request may succeed if sent again
// unchanged. Everything else needs different input or staff action.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
