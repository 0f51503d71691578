// Package orderstate defines the legal order status transitions and the
// stock ledger effect each one carries.
package orderstate

import (
	"fmt"

	"confi/backend/internal/domain"
)

type Effect int

const (
	EffectNone Effect = iota
	// EffectDecrementAll takes a sale movement for every order item.
	EffectDecrementAll
	// EffectReverseAll records a return for every sale of the order.
	EffectReverseAll
)

func (e Effect) String() string {
	switch e {
	case EffectNone:
		return "none"
	case EffectDecrementAll:
		return "decrement_all"
	case EffectReverseAll:
		return "reverse_all"
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

// Initial is the status every order is created in. Entering it is the only
// transition that decrements stock.
const Initial = domain.OrderPendingWhatsApp

// Create returns the effect of bringing a new order into Initial.
func Create() Effect {
	return EffectDecrementAll
}

// Transition validates from -> to and returns the ledger effect it triggers.
func Transition(from, to domain.OrderStatus) (Effect, error) {
	if !to.Valid() {
		return EffectNone, fmt.Errorf("%w: unknown order status %q", domain.ErrValidation, to)
	}

	switch from {
	case domain.OrderPendingWhatsApp:
		switch to {
		case domain.OrderConfirmed:
			return EffectNone, nil
		case domain.OrderCancelled:
			return EffectReverseAll, nil
		}
	case domain.OrderConfirmed:
		switch to {
		case domain.OrderPreparing:
			return EffectNone, nil
		case domain.OrderCancelled:
			return EffectReverseAll, nil
		}
	case domain.OrderPreparing:
		switch to {
		case domain.OrderShipped:
			return EffectNone, nil
		case domain.OrderCancelled:
			return EffectReverseAll, nil
		}
	case domain.OrderShipped:
		switch to {
		case domain.OrderCompleted:
			return EffectNone, nil
		case domain.OrderCancelled:
			return EffectReverseAll, nil
		}
	case domain.OrderCompleted, domain.OrderCancelled:
	default:
		return EffectNone, fmt.Errorf("%w: unknown order status %q", domain.ErrValidation, from)
	}

	return EffectNone, &domain.TransitionError{From: from, To: to}
}

// Next lists the statuses reachable from the given one.
func Next(from domain.OrderStatus) []domain.OrderStatus {
	next := make([]domain.OrderStatus, 0, 2)
	for _, to := range domain.OrderStatuses() {
		if _, err := Transition(from, to); err == nil {
			next = append(next, to)
		}
	}
	return next
}

// Cancellable reports whether the order can still be cancelled.
func Cancellable(from domain.OrderStatus) bool {
	_, err := Transition(from, domain.OrderCancelled)
	return err == nil
}
