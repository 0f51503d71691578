package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"confi/backend/internal/contact"
	"confi/backend/internal/domain"
	"confi/backend/internal/events"
	"confi/backend/internal/ledger"
	"confi/backend/internal/store"
	"confi/backend/internal/store/memory"
)

type testHarness struct {
	svc    *Service
	repo   *memory.Store
	events *events.Recorder
}

func newTestService(t *testing.T) testHarness {
	t.Helper()

	repo := memory.NewSeeded()
	recorder := &events.Recorder{}
	builder, err := contact.NewBuilder("Confi", "+62 812-0000-1111", "id-ID", "Rp")
	if err != nil {
		t.Fatalf("contact builder: %v", err)
	}
	stock := ledger.New(repo, repo, ledger.WithPublisher(recorder), ledger.WithBackoff(0))
	svc := New(repo, stock, Options{
		Contact:      builder,
		Publisher:    recorder,
		DeliveryCost: 15000,
	})
	return testHarness{svc: svc, repo: repo, events: recorder}
}

func staffContext() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "dewi", Role: "staff"})
}

func price(v int64) *int64 { return &v }

func deliveryOrder(items ...domain.OrderLineRequest) domain.CreateOrderRequest {
	return domain.CreateOrderRequest{
		Customer: domain.Customer{
			Name:    "Sari",
			Phone:   "081234567890",
			Address: "Jl. Melati 12, Bandung",
		},
		DeliveryMethod: domain.DeliveryShipping,
		Items:          items,
	}
}

func mustStock(t *testing.T, h testHarness, variantID string) int {
	t.Helper()
	qty, err := h.repo.CurrentStock(context.Background(), variantID)
	if err != nil {
		t.Fatalf("current stock %s: %v", variantID, err)
	}
	return qty
}

func TestCreateOrderPricesAndTakesStock(t *testing.T) {
	h := newTestService(t)

	resp, err := h.svc.CreateOrder(context.Background(), deliveryOrder(
		domain.OrderLineRequest{VariantID: "var_truffle_box6", Quantity: 7, FinalPrice: price(8550), Subtotal: price(59850)},
		domain.OrderLineRequest{VariantID: "var_fudge_vanilla", Quantity: 3},
	))
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}

	order := resp.Order
	if order.Status != domain.OrderPendingWhatsApp {
		t.Fatalf("expected pending_whatsapp, got %s", order.Status)
	}
	if order.Subtotal != 85000 {
		t.Fatalf("expected subtotal 85000, got %d", order.Subtotal)
	}
	if order.TotalDiscount != 13150 {
		t.Fatalf("expected discount 13150, got %d", order.TotalDiscount)
	}
	if order.ShippingCost != 15000 || order.Total != 86850 {
		t.Fatalf("expected shipping 15000 and total 86850, got %d and %d", order.ShippingCost, order.Total)
	}
	if len(order.History) != 1 || order.History[0].To != domain.OrderPendingWhatsApp {
		t.Fatalf("expected single initial history entry, got %+v", order.History)
	}
	if got := mustStock(t, h, "var_truffle_box6"); got != 33 {
		t.Fatalf("expected truffle stock 33, got %d", got)
	}
	if got := mustStock(t, h, "var_fudge_vanilla"); got != 57 {
		t.Fatalf("expected fudge stock 57, got %d", got)
	}
	if !strings.HasPrefix(resp.Contact.URL, "https://wa.me/6281200001111?text=") {
		t.Fatalf("unexpected contact url %s", resp.Contact.URL)
	}
	if len(h.events.OfType(events.OrderCreated)) != 1 {
		t.Fatalf("expected one order.created event")
	}
}

func TestCreateOrderRollsBackOnInsufficientStock(t *testing.T) {
	h := newTestService(t)

	_, err := h.svc.CreateOrder(context.Background(), deliveryOrder(
		domain.OrderLineRequest{VariantID: "var_fudge_vanilla", Quantity: 2},
		domain.OrderLineRequest{VariantID: "var_truffle_box12", Quantity: 21},
	))

	var stockErr *domain.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	if stockErr.VariantID != "var_truffle_box12" || stockErr.Available != 20 {
		t.Fatalf("unexpected error detail %+v", stockErr)
	}
	if got := mustStock(t, h, "var_fudge_vanilla"); got != 60 {
		t.Fatalf("expected fudge stock restored to 60, got %d", got)
	}
	if got := mustStock(t, h, "var_truffle_box12"); got != 20 {
		t.Fatalf("expected truffle stock untouched at 20, got %d", got)
	}

	page, err := h.svc.ListOrders(context.Background(), domain.OrderFilter{})
	if err != nil {
		t.Fatalf("list orders failed: %v", err)
	}
	if page.Total != 0 {
		t.Fatalf("expected no persisted orders, got %d", page.Total)
	}

	audit, err := h.svc.VariantStock(context.Background(), "var_fudge_vanilla")
	if err != nil {
		t.Fatalf("variant stock failed: %v", err)
	}
	if !audit.Audit.Consistent {
		t.Fatalf("expected consistent ledger after rollback, got %+v", audit.Audit)
	}
}

func TestCreateOrderRejectsTamperedPrice(t *testing.T) {
	h := newTestService(t)

	_, err := h.svc.CreateOrder(context.Background(), deliveryOrder(
		domain.OrderLineRequest{VariantID: "var_truffle_box6", Quantity: 7, FinalPrice: price(8000), Subtotal: price(56000)},
	))

	var mismatch *domain.PriceMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected price mismatch, got %v", err)
	}
	if len(mismatch.ServerPrices) != 1 || mismatch.ServerPrices[0].FinalPrice != 8550 {
		t.Fatalf("expected server price 8550, got %+v", mismatch.ServerPrices)
	}
	if got := mustStock(t, h, "var_truffle_box6"); got != 40 {
		t.Fatalf("expected stock untouched at 40, got %d", got)
	}
}

func TestCreateOrderRejectsInactiveVariant(t *testing.T) {
	h := newTestService(t)

	_, err := h.svc.CreateOrder(context.Background(), deliveryOrder(
		domain.OrderLineRequest{VariantID: "var_brittle_classic", Quantity: 1},
	))
	if !errors.Is(err, domain.ErrPriceMismatch) {
		t.Fatalf("expected price mismatch for inactive variant, got %v", err)
	}
}

func TestCreateOrderValidatesCustomer(t *testing.T) {
	h := newTestService(t)

	req := deliveryOrder(domain.OrderLineRequest{VariantID: "var_fudge_vanilla", Quantity: 1})
	req.Customer.Address = " "
	if _, err := h.svc.CreateOrder(context.Background(), req); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for delivery without address, got %v", err)
	}

	req = deliveryOrder(domain.OrderLineRequest{VariantID: "var_fudge_vanilla", Quantity: 1})
	req.DeliveryMethod = "drone"
	if _, err := h.svc.CreateOrder(context.Background(), req); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unknown delivery method, got %v", err)
	}
}

func TestCreateOrderPickupHasNoShipping(t *testing.T) {
	h := newTestService(t)

	req := deliveryOrder(domain.OrderLineRequest{VariantID: "var_fudge_salted", Quantity: 2})
	req.DeliveryMethod = domain.DeliveryPickup
	req.Customer.Address = ""

	resp, err := h.svc.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("create pickup order failed: %v", err)
	}
	if resp.Order.ShippingCost != 0 || resp.Order.Total != 10000 {
		t.Fatalf("expected total 10000 without shipping, got %+v", resp.Order)
	}
}

func TestCreateOrderIsIdempotent(t *testing.T) {
	h := newTestService(t)

	req := deliveryOrder(domain.OrderLineRequest{VariantID: "var_gummy_bears", Quantity: 6})
	req.IdempotencyKey = "checkout-7f3a"

	first, err := h.svc.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := h.svc.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if !second.Duplicate || second.Order.ID != first.Order.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Order.ID, second)
	}
	if got := mustStock(t, h, "var_gummy_bears"); got != 114 {
		t.Fatalf("expected stock taken once (114), got %d", got)
	}
}

func TestCancelConfirmedOrderReturnsStockOnce(t *testing.T) {
	h := newTestService(t)
	ctx := staffContext()

	resp, err := h.svc.CreateOrder(ctx, deliveryOrder(
		domain.OrderLineRequest{VariantID: "var_truffle_box6", Quantity: 2},
		domain.OrderLineRequest{VariantID: "var_fudge_vanilla", Quantity: 4},
	))
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	orderID := resp.Order.ID

	if _, err := h.svc.ConfirmOrder(ctx, orderID); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	cancelled, err := h.svc.CancelOrder(ctx, orderID, "customer changed their mind")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.OrderCancelled || cancelled.Cancellation == nil {
		t.Fatalf("expected cancelled order with cancellation record, got %+v", cancelled)
	}
	if cancelled.Cancellation.FromStatus != domain.OrderConfirmed || cancelled.Cancellation.Actor != "dewi" {
		t.Fatalf("unexpected cancellation %+v", cancelled.Cancellation)
	}
	if got := mustStock(t, h, "var_truffle_box6"); got != 40 {
		t.Fatalf("expected truffle stock restored to 40, got %d", got)
	}
	if got := mustStock(t, h, "var_fudge_vanilla"); got != 60 {
		t.Fatalf("expected fudge stock restored to 60, got %d", got)
	}

	_, err = h.svc.CancelOrder(ctx, orderID, "again")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on second cancel, got %v", err)
	}

	returns, err := h.svc.StockMovements(ctx, domain.MovementFilter{OrderID: orderID, Type: domain.MovementReturn})
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if returns.Total != 2 {
		t.Fatalf("expected exactly 2 return movements, got %d", returns.Total)
	}
	if got := mustStock(t, h, "var_fudge_vanilla"); got != 60 {
		t.Fatalf("expected fudge stock still 60, got %d", got)
	}
}

func TestCancelRequiresReason(t *testing.T) {
	h := newTestService(t)

	resp, err := h.svc.CreateOrder(context.Background(), deliveryOrder(
		domain.OrderLineRequest{VariantID: "var_fudge_vanilla", Quantity: 1},
	))
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	if _, err := h.svc.CancelOrder(context.Background(), resp.Order.ID, "  "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCompletedOrderIsFinal(t *testing.T) {
	h := newTestService(t)
	ctx := staffContext()

	resp, err := h.svc.CreateOrder(ctx, deliveryOrder(
		domain.OrderLineRequest{VariantID: "var_truffle_box12", Quantity: 1},
	))
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	orderID := resp.Order.ID

	for _, target := range []domain.OrderStatus{domain.OrderConfirmed, domain.OrderPreparing, domain.OrderShipped, domain.OrderCompleted} {
		if _, err := h.svc.TransitionOrder(ctx, domain.TransitionRequest{OrderID: orderID, Target: target}); err != nil {
			t.Fatalf("transition to %s failed: %v", target, err)
		}
	}

	_, err = h.svc.TransitionOrder(ctx, domain.TransitionRequest{OrderID: orderID, Target: domain.OrderCancelled, Reason: "late"})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected completed order to refuse cancel, got %v", err)
	}
	if got := mustStock(t, h, "var_truffle_box12"); got != 19 {
		t.Fatalf("expected stock 19 after completed sale, got %d", got)
	}

	order, err := h.svc.GetOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if order.CompletedAt == nil || len(order.History) != 5 {
		t.Fatalf("expected completed timestamp and 5 history entries, got %+v", order)
	}
}

func TestTransitionSkippingStepsFails(t *testing.T) {
	h := newTestService(t)

	resp, err := h.svc.CreateOrder(context.Background(), deliveryOrder(
		domain.OrderLineRequest{VariantID: "var_fudge_vanilla", Quantity: 1},
	))
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	_, err = h.svc.TransitionOrder(context.Background(), domain.TransitionRequest{OrderID: resp.Order.ID, Target: domain.OrderShipped})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestMarkWhatsAppSent(t *testing.T) {
	h := newTestService(t)

	resp, err := h.svc.CreateOrder(context.Background(), deliveryOrder(
		domain.OrderLineRequest{VariantID: "var_fudge_vanilla", Quantity: 1},
	))
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}

	order, err := h.svc.MarkWhatsAppSent(context.Background(), resp.Order.ID)
	if err != nil {
		t.Fatalf("mark sent failed: %v", err)
	}
	if !order.WhatsAppSent || order.Status != domain.OrderPendingWhatsApp {
		t.Fatalf("expected flag set without status change, got %+v", order)
	}
}

func TestStockOperationsRecordActor(t *testing.T) {
	h := newTestService(t)
	ctx := staffContext()

	restock, err := h.svc.Restock(ctx, domain.RestockRequest{
		VariantID:     "var_truffle_box12",
		Quantity:      10,
		CostCents:     120000,
		Supplier:      "Cokelat Nusantara",
		InvoiceNumber: "INV-2211",
	})
	if err != nil {
		t.Fatalf("restock failed: %v", err)
	}
	if restock.Actor != "dewi" || restock.NewStock != 30 || restock.Supplier != "Cokelat Nusantara" {
		t.Fatalf("unexpected restock movement %+v", restock)
	}

	damage, err := h.svc.RecordDamage(ctx, domain.DamageRequest{VariantID: "var_truffle_box12", Quantity: 3, Reason: "melted"})
	if err != nil {
		t.Fatalf("damage failed: %v", err)
	}
	if damage.QuantityDelta != -3 || damage.NewStock != 27 {
		t.Fatalf("unexpected damage movement %+v", damage)
	}

	if _, err := h.svc.AdjustStock(ctx, domain.StockAdjustRequest{VariantID: "var_truffle_box12", Quantity: -2}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected adjustment without reason to fail, got %v", err)
	}
	adjust, err := h.svc.AdjustStock(ctx, domain.StockAdjustRequest{VariantID: "var_truffle_box12", Quantity: -2, Reason: "stock count"})
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if adjust.NewStock != 25 {
		t.Fatalf("expected stock 25 after adjustment, got %d", adjust.NewStock)
	}

	_, err = h.svc.AdjustStock(ctx, domain.StockAdjustRequest{VariantID: "var_truffle_box12", Quantity: -26, Reason: "stock count"})
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected adjustment below zero to fail, got %v", err)
	}

	view, err := h.svc.VariantStock(ctx, "var_truffle_box12")
	if err != nil {
		t.Fatalf("variant stock failed: %v", err)
	}
	if view.CurrentStock != 25 || !view.Audit.Consistent {
		t.Fatalf("unexpected stock view %+v", view)
	}
}

func TestLowStockListsCrossedVariants(t *testing.T) {
	h := newTestService(t)
	ctx := staffContext()

	if _, err := h.svc.RecordDamage(ctx, domain.DamageRequest{VariantID: "var_truffle_box12", Quantity: 18, Reason: "heat damage"}); err != nil {
		t.Fatalf("damage failed: %v", err)
	}

	levels, err := h.svc.LowStock(ctx)
	if err != nil {
		t.Fatalf("low stock failed: %v", err)
	}
	found := false
	for _, level := range levels {
		if level.VariantID == "var_truffle_box12" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected var_truffle_box12 in low stock list, got %+v", levels)
	}
	if len(h.events.OfType(events.StockLow)) != 1 {
		t.Fatalf("expected one stock.low event")
	}
}

func TestValidateCartUsesPreviewCatalog(t *testing.T) {
	h := newTestService(t)

	result, err := h.svc.ValidateCart(context.Background(), []domain.CartLineRequest{
		{VariantID: "var_truffle_box6", Quantity: 10, FinalPrice: 8100, Subtotal: 81000},
	})
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid cart, got %+v", result.Discrepancies)
	}
}

// interleavedRepo runs afterGet once, right after the next order read, to
// stand in for a writer that commits between a read and its update.
type interleavedRepo struct {
	*memory.Store
	afterGet func(id string)
}

func (r *interleavedRepo) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	order, err := r.Store.GetOrder(ctx, id)
	if hook := r.afterGet; hook != nil {
		r.afterGet = nil
		hook(id)
	}
	return order, err
}

func TestTransitionKeepsWhatsAppFlagSetConcurrently(t *testing.T) {
	h := newTestService(t)
	ctx := staffContext()

	resp, err := h.svc.CreateOrder(ctx, deliveryOrder(
		domain.OrderLineRequest{VariantID: "var_fudge_vanilla", Quantity: 1},
	))
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}

	repo := &interleavedRepo{Store: h.repo}
	repo.afterGet = func(id string) {
		if _, err := h.svc.MarkWhatsAppSent(context.Background(), id); err != nil {
			t.Fatalf("mark sent failed: %v", err)
		}
	}
	svc := New(repo, h.svc.ledger, Options{Publisher: h.events})

	confirmed, err := svc.ConfirmOrder(ctx, resp.Order.ID)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if confirmed.Status != domain.OrderConfirmed || !confirmed.WhatsAppSent {
		t.Fatalf("expected confirmed order keeping whatsappSent, got status=%s whatsappSent=%v", confirmed.Status, confirmed.WhatsAppSent)
	}

	stored, err := h.svc.GetOrder(ctx, resp.Order.ID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if !stored.WhatsAppSent {
		t.Fatalf("expected stored whatsappSent to stay true")
	}
}

func TestCancelFromEveryOpenStatusReturnsStock(t *testing.T) {
	cases := []struct {
		name string
		path []domain.OrderStatus
	}{
		{name: "pending_whatsapp"},
		{name: "confirmed", path: []domain.OrderStatus{domain.OrderConfirmed}},
		{name: "preparing", path: []domain.OrderStatus{domain.OrderConfirmed, domain.OrderPreparing}},
		{name: "shipped", path: []domain.OrderStatus{domain.OrderConfirmed, domain.OrderPreparing, domain.OrderShipped}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestService(t)
			ctx := staffContext()

			resp, err := h.svc.CreateOrder(ctx, deliveryOrder(
				domain.OrderLineRequest{VariantID: "var_gummy_bears", Quantity: 3},
				domain.OrderLineRequest{VariantID: "var_truffle_box12", Quantity: 2},
			))
			if err != nil {
				t.Fatalf("create order failed: %v", err)
			}
			orderID := resp.Order.ID

			for _, target := range tc.path {
				if _, err := h.svc.TransitionOrder(ctx, domain.TransitionRequest{OrderID: orderID, Target: target}); err != nil {
					t.Fatalf("transition to %s failed: %v", target, err)
				}
			}

			cancelled, err := h.svc.CancelOrder(ctx, orderID, "customer unreachable")
			if err != nil {
				t.Fatalf("cancel failed: %v", err)
			}
			if cancelled.Cancellation == nil || string(cancelled.Cancellation.FromStatus) != tc.name {
				t.Fatalf("expected cancellation from %s, got %+v", tc.name, cancelled.Cancellation)
			}

			returns, err := h.svc.StockMovements(ctx, domain.MovementFilter{OrderID: orderID, Type: domain.MovementReturn})
			if err != nil {
				t.Fatalf("list movements failed: %v", err)
			}
			if returns.Total != 2 {
				t.Fatalf("expected one return per item, got %d", returns.Total)
			}
			if got := mustStock(t, h, "var_gummy_bears"); got != 120 {
				t.Fatalf("expected gummy stock restored to 120, got %d", got)
			}
			if got := mustStock(t, h, "var_truffle_box12"); got != 20 {
				t.Fatalf("expected box12 stock restored to 20, got %d", got)
			}
		})
	}
}

// failingReturns refuses return movements while failing is set.
type failingReturns struct {
	*memory.Store
	failing bool
}

func (f *failingReturns) ApplyMovement(ctx context.Context, in store.MovementInput) (*domain.StockMovement, bool, error) {
	if f.failing && in.Type == domain.MovementReturn {
		return nil, false, domain.ErrConcurrencyConflict
	}
	return f.Store.ApplyMovement(ctx, in)
}

func TestRepeatCancelFinishesIncompleteReturn(t *testing.T) {
	repo := memory.NewSeeded()
	ledgerStore := &failingReturns{Store: repo}
	stock := ledger.New(ledgerStore, repo, ledger.WithBackoff(0))
	svc := New(repo, stock, Options{})
	ctx := staffContext()

	resp, err := svc.CreateOrder(ctx, deliveryOrder(
		domain.OrderLineRequest{VariantID: "var_fudge_salted", Quantity: 5},
	))
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	orderID := resp.Order.ID

	ledgerStore.failing = true
	cancelled, err := svc.CancelOrder(ctx, orderID, "payment never arrived")
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected retryable conflict from failed return, got %v", err)
	}
	if cancelled.Status != domain.OrderCancelled {
		t.Fatalf("expected status to be cancelled already, got %s", cancelled.Status)
	}
	if got, _ := repo.CurrentStock(ctx, "var_fudge_salted"); got != 40 {
		t.Fatalf("expected stock still taken (40), got %d", got)
	}

	ledgerStore.failing = false
	_, err = svc.CancelOrder(ctx, orderID, "payment never arrived")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on repeat cancel, got %v", err)
	}
	if got, _ := repo.CurrentStock(ctx, "var_fudge_salted"); got != 45 {
		t.Fatalf("expected repeat cancel to restore stock to 45, got %d", got)
	}

	_, err = svc.CancelOrder(ctx, orderID, "payment never arrived")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	returns, err := svc.StockMovements(ctx, domain.MovementFilter{OrderID: orderID, Type: domain.MovementReturn})
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if returns.Total != 1 {
		t.Fatalf("expected a single return movement, got %d", returns.Total)
	}
}
