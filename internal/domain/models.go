package domain

import "time"

type DiscountKind string

const (
	DiscountPercentage DiscountKind = "percentage"
	DiscountAmount     DiscountKind = "amount"
)

// FixedDiscount is a quantity-independent reduction attached to a variant.
// Value is a percent (0-100) for DiscountPercentage and minor currency units
// for DiscountAmount.
type FixedDiscount struct {
	Kind  DiscountKind `json:"kind"`
	Value float64      `json:"value"`
}

type Tier struct {
	MinQuantity     int     `json:"minQuantity"`
	DiscountPercent float64 `json:"discountPercent"`
}

type Parent struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Category       string `json:"category"`
	TieredDiscount []Tier `json:"tieredDiscount,omitempty"`
	Active         bool   `json:"active"`
}

type Variant struct {
	ID                string         `json:"id"`
	ParentID          string         `json:"parentId"`
	SKU               string         `json:"sku"`
	Name              string         `json:"name"`
	BasePrice         int64          `json:"basePrice"`
	FixedDiscount     *FixedDiscount `json:"fixedDiscount,omitempty"`
	TieredDiscount    []Tier         `json:"tieredDiscount,omitempty"`
	LowStockThreshold int            `json:"lowStockThreshold"`
	Active            bool           `json:"active"`
}

type CartLineRequest struct {
	VariantID  string `json:"variantId"`
	Quantity   int    `json:"quantity"`
	FinalPrice int64  `json:"finalPrice"`
	Subtotal   int64  `json:"subtotal"`
}

type PricedLine struct {
	VariantID   string `json:"variantId"`
	Name        string `json:"name"`
	Quantity    int    `json:"quantity"`
	BasePrice   int64  `json:"basePrice"`
	FinalPrice  int64  `json:"finalPrice"`
	Subtotal    int64  `json:"subtotal"`
	Discount    string `json:"discount,omitempty"`
	Unavailable bool   `json:"unavailable,omitempty"`
}

type DiscrepancyReason string

const (
	DiscrepancyVariantNotFound DiscrepancyReason = "variant_not_found"
	DiscrepancyPrice           DiscrepancyReason = "price_mismatch"
	DiscrepancySubtotal        DiscrepancyReason = "subtotal_mismatch"
)

type Discrepancy struct {
	VariantID      string            `json:"variantId"`
	Reason         DiscrepancyReason `json:"reason"`
	ClientPrice    int64             `json:"clientPrice"`
	ServerPrice    int64             `json:"serverPrice"`
	ClientSubtotal int64             `json:"clientSubtotal"`
	ServerSubtotal int64             `json:"serverSubtotal"`
}

type CartValidation struct {
	Valid         bool          `json:"valid"`
	ServerPrices  []PricedLine  `json:"serverPrices"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
}

type StockMovement struct {
	ID            string       `json:"id"`
	VariantID     string       `json:"variantId"`
	OrderID       string       `json:"orderId,omitempty"`
	Type          MovementType `json:"type"`
	QuantityDelta int          `json:"quantityDelta"`
	PreviousStock int          `json:"previousStock"`
	NewStock      int          `json:"newStock"`
	Reason        string       `json:"reason,omitempty"`
	Notes         string       `json:"notes,omitempty"`
	Actor         string       `json:"actor,omitempty"`
	CostCents     int64        `json:"costCents,omitempty"`
	Supplier      string       `json:"supplier,omitempty"`
	InvoiceNumber string       `json:"invoiceNumber,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// MovementMetadata carries the free-form context staff attach to manual
// ledger entries.
type MovementMetadata struct {
	Reason        string
	Notes         string
	Actor         string
	CostCents     int64
	Supplier      string
	InvoiceNumber string
}

type MovementFilter struct {
	VariantID string
	OrderID   string
	Type      MovementType
	Page      int
	Limit     int
}

type MovementPage struct {
	Movements []StockMovement `json:"movements"`
	Total     int             `json:"total"`
	Page      int             `json:"page"`
	Limit     int             `json:"limit"`
}

type StockAudit struct {
	VariantID    string `json:"variantId"`
	OpeningStock int    `json:"openingStock"`
	DeltaSum     int    `json:"deltaSum"`
	CurrentStock int    `json:"currentStock"`
	Consistent   bool   `json:"consistent"`
}

type StockLevel struct {
	VariantID         string `json:"variantId"`
	SKU               string `json:"sku"`
	Name              string `json:"name"`
	CurrentStock      int    `json:"currentStock"`
	LowStockThreshold int    `json:"lowStockThreshold"`
	LowStock          bool   `json:"lowStock"`
}

type DeliveryMethod string

const (
	DeliveryPickup   DeliveryMethod = "pickup"
	DeliveryShipping DeliveryMethod = "delivery"
)

func (m DeliveryMethod) Valid() bool {
	switch m {
	case DeliveryPickup, DeliveryShipping:
		return true
	}
	return false
}

type Customer struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
}

type OrderItem struct {
	VariantID string `json:"variantId"`
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	BasePrice int64  `json:"basePrice"`
	UnitPrice int64  `json:"unitPrice"`
	Subtotal  int64  `json:"subtotal"`
	Discount  string `json:"discount,omitempty"`
}

type Cancellation struct {
	Reason     string      `json:"reason"`
	Actor      string      `json:"actor"`
	FromStatus OrderStatus `json:"fromStatus"`
	At         time.Time   `json:"at"`
}

type StatusChange struct {
	From   OrderStatus `json:"from,omitempty"`
	To     OrderStatus `json:"to"`
	Actor  string      `json:"actor,omitempty"`
	Reason string      `json:"reason,omitempty"`
	At     time.Time   `json:"at"`
}

type Order struct {
	ID             string         `json:"id"`
	OrderNumber    string         `json:"orderNumber"`
	Customer       Customer       `json:"customer"`
	DeliveryMethod DeliveryMethod `json:"deliveryMethod"`
	Notes          string         `json:"notes,omitempty"`
	Items          []OrderItem    `json:"items"`
	Subtotal       int64          `json:"subtotal"`
	TotalDiscount  int64          `json:"totalDiscount"`
	ShippingCost   int64          `json:"shippingCost"`
	Total          int64          `json:"total"`
	Status         OrderStatus    `json:"status"`
	WhatsAppSent   bool           `json:"whatsappSent"`
	IdempotencyKey string         `json:"-"`
	Cancellation   *Cancellation  `json:"cancellation,omitempty"`
	History        []StatusChange `json:"history"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	ConfirmedAt    *time.Time     `json:"confirmedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	CancelledAt    *time.Time     `json:"cancelledAt,omitempty"`
}

type OrderFilter struct {
	Status OrderStatus
	Page   int
	Limit  int
}

type OrderPage struct {
	Orders []Order `json:"orders"`
	Total  int     `json:"total"`
	Page   int     `json:"page"`
	Limit  int     `json:"limit"`
}

type OrderLineRequest struct {
	VariantID  string `json:"variantId"`
	Quantity   int    `json:"quantity"`
	FinalPrice *int64 `json:"finalPrice,omitempty"`
	Subtotal   *int64 `json:"subtotal,omitempty"`
}

type CreateOrderRequest struct {
	Customer       Customer           `json:"customer"`
	DeliveryMethod DeliveryMethod     `json:"deliveryMethod"`
	Notes          string             `json:"notes,omitempty"`
	Items          []OrderLineRequest `json:"items"`
	IdempotencyKey string             `json:"-"`
}

type ContactLink struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
	URL     string `json:"url"`
}

type CreateOrderResponse struct {
	Order     Order       `json:"order"`
	Contact   ContactLink `json:"contact"`
	Duplicate bool        `json:"duplicate"`
}

type TransitionRequest struct {
	OrderID string
	Target  OrderStatus
	Reason  string
}

type StockAdjustRequest struct {
	VariantID string
	Quantity  int
	Reason    string
	Notes     string
}

type RestockRequest struct {
	VariantID     string
	Quantity      int
	CostCents     int64
	Supplier      string
	InvoiceNumber string
	Notes         string
}

type DamageRequest struct {
	VariantID string
	Quantity  int
	Reason    string
	Notes     string
}

type Actor struct {
	Username string
	Role     string
}

type VariantStock struct {
	VariantID         string     `json:"variantId"`
	SKU               string     `json:"sku"`
	Name              string     `json:"name"`
	CurrentStock      int        `json:"currentStock"`
	LowStockThreshold int        `json:"lowStockThreshold"`
	LowStock          bool       `json:"lowStock"`
	Audit             StockAudit `json:"audit"`
}
