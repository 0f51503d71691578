// Package contact builds the WhatsApp hand-off a customer uses to confirm
// an order with staff. Delivering the message is up to the customer.
package contact

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"confi/backend/internal/domain"
)

type Builder struct {
	storeName  string
	storePhone string
	currency   string
	printer    *message.Printer
}

func NewBuilder(storeName string, storePhone string, locale string, currency string) (*Builder, error) {
	tag, err := language.Parse(locale)
	if err != nil {
		return nil, fmt.Errorf("parse locale %q: %w", locale, err)
	}
	phone := digitsOnly(storePhone)
	if phone == "" {
		return nil, fmt.Errorf("store whatsapp number %q has no digits", storePhone)
	}
	return &Builder{
		storeName:  storeName,
		storePhone: phone,
		currency:   currency,
		printer:    message.NewPrinter(tag),
	}, nil
}

func (b *Builder) Build(order domain.Order) domain.ContactLink {
	text := b.Message(order)
	return domain.ContactLink{
		Phone:   b.storePhone,
		Message: text,
		URL:     "https://wa.me/" + b.storePhone + "?text=" + strings.ReplaceAll(url.QueryEscape(text), "+", "%20"),
	}
}

func (b *Builder) Message(order domain.Order) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Hello %s, I would like to confirm order %s.\n", b.storeName, order.OrderNumber)
	fmt.Fprintf(&sb, "Name: %s\n", order.Customer.Name)
	fmt.Fprintf(&sb, "Phone: %s\n", order.Customer.Phone)
	switch order.DeliveryMethod {
	case domain.DeliveryShipping:
		fmt.Fprintf(&sb, "Delivery to: %s\n", order.Customer.Address)
	case domain.DeliveryPickup:
		sb.WriteString("Pickup at store\n")
	}

	sb.WriteString("\nItems:\n")
	for _, item := range order.Items {
		fmt.Fprintf(&sb, "- %s x%d @ %s = %s", item.Name, item.Quantity, b.Money(item.UnitPrice), b.Money(item.Subtotal))
		if item.Discount != "" {
			fmt.Fprintf(&sb, " (%s)", item.Discount)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "\nSubtotal: %s\n", b.Money(order.Subtotal))
	if order.TotalDiscount > 0 {
		fmt.Fprintf(&sb, "Discount: -%s\n", b.Money(order.TotalDiscount))
	}
	if order.ShippingCost > 0 {
		fmt.Fprintf(&sb, "Shipping: %s\n", b.Money(order.ShippingCost))
	}
	fmt.Fprintf(&sb, "Total: %s", b.Money(order.Total))
	if order.Notes != "" {
		fmt.Fprintf(&sb, "\nNotes: %s", order.Notes)
	}
	return sb.String()
}

// Money formats whole currency units with locale grouping, e.g. Rp 59.850.
func (b *Builder) Money(amount int64) string {
	return b.printer.Sprintf("%s %d", b.currency, amount)
}

func digitsOnly(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
