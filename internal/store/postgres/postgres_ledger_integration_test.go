package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"confi/backend/internal/domain"
	"confi/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()

	databaseURL := os.Getenv("CONFI_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set CONFI_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedVariant(t *testing.T, s *Store, opening int) string {
	t.Helper()

	ctx := context.Background()
	stamp := time.Now().UnixNano()
	parentID := fmt.Sprintf("prd-it-%d", stamp)
	variantID := fmt.Sprintf("var-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE variant_id = $1`, variantID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM variant_stocks WHERE variant_id = $1`, variantID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM product_variants WHERE id = $1`, variantID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM product_parents WHERE id = $1`, parentID)
	})

	if err := s.UpsertParent(ctx, domain.Parent{ID: parentID, Name: "Integration Fudge", Category: "fudge", Active: true}); err != nil {
		t.Fatalf("upsert parent: %v", err)
	}
	if err := s.UpsertVariant(ctx, domain.Variant{
		ID:             variantID,
		ParentID:       parentID,
		SKU:            "SKU-" + variantID,
		Name:           "Integration Fudge 200g",
		BasePrice:      5000,
		FixedDiscount:  &domain.FixedDiscount{Kind: domain.DiscountPercentage, Value: 10},
		TieredDiscount: []domain.Tier{{MinQuantity: 5, DiscountPercent: 5}},
		Active:         true,
	}, opening); err != nil {
		t.Fatalf("upsert variant: %v", err)
	}
	return variantID
}

func TestApplyMovementNeverOversells(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	variantID := seedVariant(t, s, 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, applied, err := s.ApplyMovement(ctx, store.MovementInput{
				VariantID: variantID,
				OrderID:   fmt.Sprintf("ord-it-%d", i),
				Type:      domain.MovementSale,
				Delta:     -3,
			})
			if err == nil && applied {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 3 {
		t.Fatalf("expected 3 successful sales of 3 from stock 10, got %d", succeeded)
	}

	audit, err := s.AuditStock(ctx, variantID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if audit.CurrentStock != 1 || !audit.Consistent {
		t.Fatalf("unexpected audit %+v", audit)
	}
}

func TestApplyMovementIsIdempotentPerOrder(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	variantID := seedVariant(t, s, 5)

	in := store.MovementInput{VariantID: variantID, OrderID: "ord-it-idem", Type: domain.MovementSale, Delta: -2}
	first, applied, err := s.ApplyMovement(ctx, in)
	if err != nil || !applied {
		t.Fatalf("first sale: applied=%v err=%v", applied, err)
	}
	again, applied, err := s.ApplyMovement(ctx, in)
	if err != nil {
		t.Fatalf("retry sale: %v", err)
	}
	if applied || again.ID != first.ID {
		t.Fatalf("expected existing movement %s back, got %s applied=%v", first.ID, again.ID, applied)
	}

	qty, err := s.CurrentStock(ctx, variantID)
	if err != nil {
		t.Fatalf("current stock: %v", err)
	}
	if qty != 3 {
		t.Fatalf("expected stock 3, got %d", qty)
	}

	variants, err := s.GetVariantsByIDs(ctx, []string{variantID})
	if err != nil {
		t.Fatalf("get variants: %v", err)
	}
	v := variants[variantID]
	if v.FixedDiscount == nil || v.FixedDiscount.Value != 10 || len(v.TieredDiscount) != 1 {
		t.Fatalf("discounts did not round-trip: %+v", v)
	}
}

func TestStatusUpdateLeavesWhatsAppFlag(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	orderID := fmt.Sprintf("ord-it-%d", now.UnixNano())

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = $1`, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
	})

	created, err := s.CreateOrder(ctx, domain.Order{
		ID:             orderID,
		OrderNumber:    "ORD-IT-" + orderID,
		Customer:       domain.Customer{Name: "Sari", Phone: "081234567890"},
		DeliveryMethod: domain.DeliveryPickup,
		Items:          []domain.OrderItem{{VariantID: "var-it", SKU: "SKU-IT", Name: "Fudge", Quantity: 1, BasePrice: 5000, UnitPrice: 5000, Subtotal: 5000}},
		Subtotal:       5000,
		Total:          5000,
		Status:         domain.OrderPendingWhatsApp,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if _, err := s.MarkWhatsAppSent(ctx, orderID, now.Add(time.Second)); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	stale := *created
	stale.Status = domain.OrderConfirmed
	stale.UpdatedAt = now.Add(2 * time.Second)
	updated, err := s.UpdateOrder(ctx, stale, domain.OrderPendingWhatsApp)
	if err != nil {
		t.Fatalf("update order: %v", err)
	}
	if updated.Status != domain.OrderConfirmed || !updated.WhatsAppSent {
		t.Fatalf("expected confirmed order keeping whatsappSent, got status=%s whatsappSent=%v", updated.Status, updated.WhatsAppSent)
	}
}
