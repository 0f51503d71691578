package pricing

import (
	"context"
	"fmt"
	"strings"

	"confi/backend/internal/domain"
)

// Catalog is the read side of the product catalog the validator prices
// against. Missing IDs are simply absent from the returned maps.
type Catalog interface {
	GetVariantsByIDs(ctx context.Context, ids []string) (map[string]domain.Variant, error)
	GetParentsByIDs(ctx context.Context, ids []string) (map[string]domain.Parent, error)
}

// LineInput is one cart line plus whichever client figures should be
// checked. A nil FinalPrice or Subtotal is not compared.
type LineInput struct {
	VariantID  string
	Quantity   int
	FinalPrice *int64
	Subtotal   *int64
}

type PricedItem struct {
	Input   LineInput
	Variant domain.Variant
	Quote   Quote
	Found   bool
}

type Validator struct {
	catalog Catalog
}

func NewValidator(catalog Catalog) *Validator {
	return &Validator{catalog: catalog}
}

// Validate re-prices a client cart and reports every line whose unit price
// or subtotal differs from the server computation. It never mutates state.
func (v *Validator) Validate(ctx context.Context, lines []domain.CartLineRequest) (domain.CartValidation, error) {
	inputs := make([]LineInput, 0, len(lines))
	for _, line := range lines {
		price := line.FinalPrice
		subtotal := line.Subtotal
		inputs = append(inputs, LineInput{
			VariantID:  line.VariantID,
			Quantity:   line.Quantity,
			FinalPrice: &price,
			Subtotal:   &subtotal,
		})
	}

	items, err := v.PriceCart(ctx, inputs)
	if err != nil {
		return domain.CartValidation{}, err
	}
	return Reconcile(items), nil
}

// PriceCart looks up every line in the catalog and computes its server
// price. Unknown or inactive variants come back with Found=false.
func (v *Validator) PriceCart(ctx context.Context, lines []LineInput) ([]PricedItem, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", domain.ErrValidation)
	}

	seen := make(map[string]struct{}, len(lines))
	ids := make([]string, 0, len(lines))
	for i := range lines {
		lines[i].VariantID = strings.TrimSpace(lines[i].VariantID)
		line := lines[i]
		if line.VariantID == "" {
			return nil, fmt.Errorf("%w: line %d has no variant id", domain.ErrValidation, i)
		}
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity for variant %s must be positive", domain.ErrValidation, line.VariantID)
		}
		if _, dup := seen[line.VariantID]; dup {
			return nil, fmt.Errorf("%w: variant %s appears more than once", domain.ErrValidation, line.VariantID)
		}
		seen[line.VariantID] = struct{}{}
		ids = append(ids, line.VariantID)
	}

	variants, err := v.catalog.GetVariantsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	parentIDs := make([]string, 0, len(variants))
	for _, variant := range variants {
		if variant.ParentID != "" {
			parentIDs = append(parentIDs, variant.ParentID)
		}
	}
	parents, err := v.catalog.GetParentsByIDs(ctx, parentIDs)
	if err != nil {
		return nil, err
	}

	items := make([]PricedItem, 0, len(lines))
	for _, line := range lines {
		variant, ok := variants[line.VariantID]
		if !ok || !variant.Active {
			items = append(items, PricedItem{Input: line})
			continue
		}

		var parent *domain.Parent
		if p, ok := parents[variant.ParentID]; ok {
			parent = &p
		}

		quote, err := ComputeUnitPrice(variant, parent, line.Quantity)
		if err != nil {
			return nil, err
		}
		items = append(items, PricedItem{Input: line, Variant: variant, Quote: quote, Found: true})
	}
	return items, nil
}

// Reconcile compares priced items against the client figures using exact
// integer equality.
func Reconcile(items []PricedItem) domain.CartValidation {
	result := domain.CartValidation{
		Valid:        true,
		ServerPrices: make([]domain.PricedLine, 0, len(items)),
	}

	for _, item := range items {
		in := item.Input
		if !item.Found {
			result.Valid = false
			result.ServerPrices = append(result.ServerPrices, domain.PricedLine{
				VariantID:   in.VariantID,
				Quantity:    in.Quantity,
				Unavailable: true,
			})
			result.Discrepancies = append(result.Discrepancies, domain.Discrepancy{
				VariantID:      in.VariantID,
				Reason:         domain.DiscrepancyVariantNotFound,
				ClientPrice:    deref(in.FinalPrice),
				ClientSubtotal: deref(in.Subtotal),
			})
			continue
		}

		q := item.Quote
		result.ServerPrices = append(result.ServerPrices, domain.PricedLine{
			VariantID:  q.VariantID,
			Name:       item.Variant.Name,
			Quantity:   q.Quantity,
			BasePrice:  q.BasePrice,
			FinalPrice: q.UnitPrice,
			Subtotal:   q.Subtotal,
			Discount:   q.Description,
		})

		var reason domain.DiscrepancyReason
		switch {
		case in.FinalPrice != nil && *in.FinalPrice != q.UnitPrice:
			reason = domain.DiscrepancyPrice
		case in.Subtotal != nil && *in.Subtotal != q.Subtotal:
			reason = domain.DiscrepancySubtotal
		default:
			continue
		}

		result.Valid = false
		result.Discrepancies = append(result.Discrepancies, domain.Discrepancy{
			VariantID:      in.VariantID,
			Reason:         reason,
			ClientPrice:    deref(in.FinalPrice),
			ServerPrice:    q.UnitPrice,
			ClientSubtotal: deref(in.Subtotal),
			ServerSubtotal: q.Subtotal,
		})
	}

	return result
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
