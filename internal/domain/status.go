package domain

import "fmt"

type OrderStatus string

const (
	OrderPendingWhatsApp OrderStatus = "pending_whatsapp"
	OrderConfirmed       OrderStatus = "confirmed"
	OrderPreparing       OrderStatus = "preparing"
	OrderShipped         OrderStatus = "shipped"
	OrderCompleted       OrderStatus = "completed"
	OrderCancelled       OrderStatus = "cancelled"
)

// OrderStatuses lists every status in lifecycle order.
func OrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderPendingWhatsApp,
		OrderConfirmed,
		OrderPreparing,
		OrderShipped,
		OrderCompleted,
		OrderCancelled,
	}
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPendingWhatsApp, OrderConfirmed, OrderPreparing, OrderShipped, OrderCompleted, OrderCancelled:
		return true
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderCompleted, OrderCancelled:
		return true
	case OrderPendingWhatsApp, OrderConfirmed, OrderPreparing, OrderShipped:
		return false
	}
	return false
}

func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(raw)
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown order status %q", ErrValidation, raw)
	}
	return status, nil
}

type MovementType string

const (
	MovementSale       MovementType = "sale"
	MovementRestock    MovementType = "restock"
	MovementAdjustment MovementType = "adjustment"
	MovementReturn     MovementType = "return"
	MovementDamage     MovementType = "damage"
)

func (t MovementType) Valid() bool {
	switch t {
	case MovementSale, MovementRestock, MovementAdjustment, MovementReturn, MovementDamage:
		return true
	}
	return false
}

// OrderScoped reports whether at most one movement of this type may exist
// per (order, variant) pair.
func (t MovementType) OrderScoped() bool {
	switch t {
	case MovementSale, MovementReturn:
		return true
	case MovementRestock, MovementAdjustment, MovementDamage:
		return false
	}
	return false
}

func ParseMovementType(raw string) (MovementType, error) {
	t := MovementType(raw)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown movement type %q", ErrValidation, raw)
	}
	return t, nil
}
