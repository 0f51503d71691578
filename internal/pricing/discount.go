// Package pricing turns catalog prices into the unit prices customers pay
// and re-derives client carts server-side.
package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"confi/backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

type Quote struct {
	VariantID   string `json:"variantId"`
	Quantity    int    `json:"quantity"`
	BasePrice   int64  `json:"basePrice"`
	UnitPrice   int64  `json:"unitPrice"`
	Subtotal    int64  `json:"subtotal"`
	Description string `json:"description,omitempty"`
}

// ComputeUnitPrice applies the variant's fixed discount, then its best
// qualifying tier on top of that (compounding). Parent tiers are only
// consulted when the variant carries no discount of its own. The price is
// rounded half-up to whole minor units exactly once, at the end.
func ComputeUnitPrice(variant domain.Variant, parent *domain.Parent, quantity int) (Quote, error) {
	if quantity < 1 {
		return Quote{}, fmt.Errorf("%w: quantity must be positive, got %d", domain.ErrValidation, quantity)
	}
	if variant.BasePrice < 0 {
		return Quote{}, fmt.Errorf("%w: negative base price on variant %s", domain.ErrInvalidDiscount, variant.ID)
	}

	// price = numerator / denominator, kept exact until the final rounding.
	numerator := decimal.NewFromInt(variant.BasePrice)
	denominator := decimal.NewFromInt(1)
	applied := make([]string, 0, 2)

	hasFixed := fixedDiscountSet(variant.FixedDiscount)
	hasTiers := len(variant.TieredDiscount) > 0

	if hasFixed {
		fixed := variant.FixedDiscount
		switch fixed.Kind {
		case domain.DiscountPercentage:
			if err := checkPercent(fixed.Value); err != nil {
				return Quote{}, fmt.Errorf("variant %s fixed discount: %w", variant.ID, err)
			}
			numerator = numerator.Mul(hundred.Sub(decimal.NewFromFloat(fixed.Value)))
			denominator = denominator.Mul(hundred)
			applied = append(applied, fmt.Sprintf("%s%% off", formatPercent(fixed.Value)))
		case domain.DiscountAmount:
			if fixed.Value < 0 {
				return Quote{}, fmt.Errorf("%w: variant %s has negative amount discount %v", domain.ErrInvalidDiscount, variant.ID, fixed.Value)
			}
			amount := decimal.NewFromFloat(fixed.Value)
			numerator = numerator.Sub(amount.Mul(denominator))
			applied = append(applied, fmt.Sprintf("%s off", amount.String()))
		default:
			return Quote{}, fmt.Errorf("%w: variant %s has unknown fixed discount kind %q", domain.ErrInvalidDiscount, variant.ID, fixed.Kind)
		}
	}

	if hasTiers {
		tier, ok, err := bestTier(variant.TieredDiscount, quantity)
		if err != nil {
			return Quote{}, fmt.Errorf("variant %s tiers: %w", variant.ID, err)
		}
		if ok {
			numerator = numerator.Mul(hundred.Sub(decimal.NewFromFloat(tier.DiscountPercent)))
			denominator = denominator.Mul(hundred)
			applied = append(applied, fmt.Sprintf("%s%% off from %d units", formatPercent(tier.DiscountPercent), tier.MinQuantity))
		}
	}

	if !hasFixed && !hasTiers && parent != nil && len(parent.TieredDiscount) > 0 {
		tier, ok, err := bestTier(parent.TieredDiscount, quantity)
		if err != nil {
			return Quote{}, fmt.Errorf("parent %s tiers: %w", parent.ID, err)
		}
		if ok {
			numerator = numerator.Mul(hundred.Sub(decimal.NewFromFloat(tier.DiscountPercent)))
			denominator = denominator.Mul(hundred)
			applied = append(applied, fmt.Sprintf("%s%% off from %d units (product)", formatPercent(tier.DiscountPercent), tier.MinQuantity))
		}
	}

	if numerator.IsNegative() {
		numerator = decimal.Zero
	}
	// DivRound rounds half away from zero, which is half-up for the
	// non-negative prices left after clamping.
	unitPrice := numerator.DivRound(denominator, 0).IntPart()

	return Quote{
		VariantID:   variant.ID,
		Quantity:    quantity,
		BasePrice:   variant.BasePrice,
		UnitPrice:   unitPrice,
		Subtotal:    unitPrice * int64(quantity),
		Description: strings.Join(applied, ", "),
	}, nil
}

// fixedDiscountSet treats any non-zero value as a discount the variant owns,
// so malformed values are rejected instead of falling back to the parent.
func fixedDiscountSet(fixed *domain.FixedDiscount) bool {
	return fixed != nil && fixed.Value != 0
}

// bestTier picks the tier with the largest MinQuantity not above quantity.
// Tiers sharing a threshold resolve to the larger percent, so the result
// does not depend on catalog ordering.
func bestTier(tiers []domain.Tier, quantity int) (domain.Tier, bool, error) {
	var best domain.Tier
	found := false
	for _, tier := range tiers {
		if tier.MinQuantity < 1 {
			return domain.Tier{}, false, fmt.Errorf("%w: tier minimum quantity must be positive, got %d", domain.ErrInvalidDiscount, tier.MinQuantity)
		}
		if err := checkPercent(tier.DiscountPercent); err != nil {
			return domain.Tier{}, false, err
		}
		if tier.MinQuantity > quantity {
			continue
		}
		if !found || tier.MinQuantity > best.MinQuantity ||
			(tier.MinQuantity == best.MinQuantity && tier.DiscountPercent > best.DiscountPercent) {
			best = tier
			found = true
		}
	}
	return best, found, nil
}

func checkPercent(p float64) error {
	if p < 0 || p > 100 {
		return fmt.Errorf("%w: percent %v outside 0-100", domain.ErrInvalidDiscount, p)
	}
	return nil
}

func formatPercent(p float64) string {
	return decimal.NewFromFloat(p).String()
}
