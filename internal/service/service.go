package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"confi/backend/internal/contact"
	"confi/backend/internal/domain"
	"confi/backend/internal/events"
	"confi/backend/internal/ledger"
	"confi/backend/internal/metrics"
	"confi/backend/internal/orderstate"
	"confi/backend/internal/pricing"
	"confi/backend/internal/store"
	"confi/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	// PreviewCatalog serves cart previews. Order creation always prices
	// against the repository.
	PreviewCatalog store.Catalog
	Contact        *contact.Builder
	Publisher      events.Publisher
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	DeliveryCost   int64
}

type Service struct {
	repo         store.Repository
	ledger       *ledger.Ledger
	validator    *pricing.Validator
	preview      *pricing.Validator
	contact      *contact.Builder
	publisher    events.Publisher
	metrics      *metrics.Metrics
	logger       *zap.Logger
	tracer       trace.Tracer
	deliveryCost int64
	now          func() time.Time
}

func New(repo store.Repository, stock *ledger.Ledger, opts Options) *Service {
	previewCatalog := opts.PreviewCatalog
	if previewCatalog == nil {
		previewCatalog = repo
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:         repo,
		ledger:       stock,
		validator:    pricing.NewValidator(repo),
		preview:      pricing.NewValidator(previewCatalog),
		contact:      opts.Contact,
		publisher:    publisher,
		metrics:      opts.Metrics,
		logger:       logger,
		tracer:       otel.Tracer("confi/backend/internal/service"),
		deliveryCost: opts.DeliveryCost,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// ValidateCart re-prices a client cart without touching stock.
func (s *Service) ValidateCart(ctx context.Context, lines []domain.CartLineRequest) (result domain.CartValidation, err error) {
	ctx, span := s.tracer.Start(ctx, "service.ValidateCart", trace.WithAttributes(attribute.Int("cart.lines", len(lines))))
	defer func() { endSpan(span, err) }()

	result, err = s.preview.Validate(ctx, lines)
	if err != nil {
		return domain.CartValidation{}, err
	}
	if !result.Valid && s.metrics != nil {
		s.metrics.PriceMismatches.Inc()
	}
	return result, nil
}

// CreateOrder prices the cart server-side, takes stock for every line in
// ascending variant order and persists the order in its initial status.
// Any failure after the first sale returns the stock already taken.
func (s *Service) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (resp domain.CreateOrderResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "service.CreateOrder", trace.WithAttributes(attribute.Int("order.lines", len(req.Items))))
	defer func() { endSpan(span, err) }()

	if err := normalizeOrderRequest(&req); err != nil {
		return domain.CreateOrderResponse{}, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.repo.FindOrderByIdempotency(ctx, req.IdempotencyKey)
		if err == nil {
			return s.orderResponse(*existing, true), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.CreateOrderResponse{}, err
		}
	}

	inputs := make([]pricing.LineInput, 0, len(req.Items))
	for _, item := range req.Items {
		inputs = append(inputs, pricing.LineInput{
			VariantID:  item.VariantID,
			Quantity:   item.Quantity,
			FinalPrice: item.FinalPrice,
			Subtotal:   item.Subtotal,
		})
	}
	priced, err := s.validator.PriceCart(ctx, inputs)
	if err != nil {
		return domain.CreateOrderResponse{}, err
	}
	if check := pricing.Reconcile(priced); !check.Valid {
		if s.metrics != nil {
			s.metrics.PriceMismatches.Inc()
		}
		return domain.CreateOrderResponse{}, &domain.PriceMismatchError{
			Discrepancies: check.Discrepancies,
			ServerPrices:  check.ServerPrices,
		}
	}

	now := s.now()
	order := domain.Order{
		ID:             xid.New("ord"),
		OrderNumber:    xid.OrderNumber(now),
		Customer:       req.Customer,
		DeliveryMethod: req.DeliveryMethod,
		Notes:          req.Notes,
		Items:          make([]domain.OrderItem, 0, len(priced)),
		Status:         orderstate.Initial,
		IdempotencyKey: req.IdempotencyKey,
		History:        []domain.StatusChange{{To: orderstate.Initial, At: now}},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	var itemsTotal int64
	for _, p := range priced {
		order.Items = append(order.Items, domain.OrderItem{
			VariantID: p.Variant.ID,
			SKU:       p.Variant.SKU,
			Name:      p.Variant.Name,
			Quantity:  p.Quote.Quantity,
			BasePrice: p.Quote.BasePrice,
			UnitPrice: p.Quote.UnitPrice,
			Subtotal:  p.Quote.Subtotal,
			Discount:  p.Quote.Description,
		})
		order.Subtotal += p.Quote.BasePrice * int64(p.Quote.Quantity)
		itemsTotal += p.Quote.Subtotal
	}
	order.TotalDiscount = order.Subtotal - itemsTotal
	if order.DeliveryMethod == domain.DeliveryShipping {
		order.ShippingCost = s.deliveryCost
	}
	order.Total = itemsTotal + order.ShippingCost
	span.SetAttributes(attribute.String("order.id", order.ID))

	if effect := orderstate.Create(); effect == orderstate.EffectDecrementAll {
		if err := s.decrementAll(ctx, order); err != nil {
			return domain.CreateOrderResponse{}, err
		}
	}

	created, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		s.restoreStock(ctx, order, "order creation rolled back")
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			existing, findErr := s.repo.FindOrderByIdempotency(ctx, req.IdempotencyKey)
			if findErr != nil {
				return domain.CreateOrderResponse{}, findErr
			}
			return s.orderResponse(*existing, true), nil
		}
		return domain.CreateOrderResponse{}, fmt.Errorf("persist order: %w", err)
	}

	if s.metrics != nil {
		s.metrics.OrdersCreated.Inc()
	}
	s.publish(ctx, events.New(events.OrderCreated, created.ID, *created))
	s.logger.Info("order created",
		zap.String("order_id", created.ID),
		zap.String("order_number", created.OrderNumber),
		zap.Int64("total", created.Total),
		zap.Int("items", len(created.Items)),
	)

	return s.orderResponse(*created, false), nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) ListOrders(ctx context.Context, filter domain.OrderFilter) (domain.OrderPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.OrderPage{}, fmt.Errorf("%w: unknown order status %q", domain.ErrValidation, filter.Status)
	}
	return s.repo.ListOrders(ctx, filter)
}

func (s *Service) ContactLink(ctx context.Context, id string) (domain.ContactLink, error) {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return domain.ContactLink{}, err
	}
	return s.buildContact(*order), nil
}

func (s *Service) ConfirmOrder(ctx context.Context, id string) (domain.Order, error) {
	return s.TransitionOrder(ctx, domain.TransitionRequest{OrderID: id, Target: domain.OrderConfirmed})
}

// TransitionOrder moves an order to req.Target. Cancellation is routed to
// CancelOrder so stock always comes back.
func (s *Service) TransitionOrder(ctx context.Context, req domain.TransitionRequest) (order domain.Order, err error) {
	if req.Target == domain.OrderCancelled {
		return s.CancelOrder(ctx, req.OrderID, req.Reason)
	}

	ctx, span := s.tracer.Start(ctx, "service.TransitionOrder", trace.WithAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.String("order.target", string(req.Target)),
	))
	defer func() { endSpan(span, err) }()

	current, err := s.repo.GetOrder(ctx, req.OrderID)
	if err != nil {
		return domain.Order{}, err
	}
	from := current.Status

	effect, err := orderstate.Transition(from, req.Target)
	if err != nil {
		return domain.Order{}, err
	}
	if effect != orderstate.EffectNone {
		return domain.Order{}, fmt.Errorf("transition %s -> %s carries unexpected effect %s", from, req.Target, effect)
	}

	now := s.now()
	next := *current
	next.Status = req.Target
	next.UpdatedAt = now
	next.History = append(slices.Clone(current.History), domain.StatusChange{
		From:   from,
		To:     req.Target,
		Actor:  actorName(ctx),
		Reason: strings.TrimSpace(req.Reason),
		At:     now,
	})
	switch req.Target {
	case domain.OrderConfirmed:
		next.ConfirmedAt = &now
	case domain.OrderCompleted:
		next.CompletedAt = &now
	}

	updated, err := s.repo.UpdateOrder(ctx, next, from)
	if err != nil {
		return domain.Order{}, err
	}

	if s.metrics != nil {
		s.metrics.Transitions.WithLabelValues(string(req.Target)).Inc()
	}
	s.publish(ctx, events.New(events.OrderStatusChanged, updated.ID, map[string]any{
		"orderNumber": updated.OrderNumber,
		"from":        from,
		"to":          updated.Status,
		"actor":       actorName(ctx),
	}))
	return *updated, nil
}

// CancelOrder flips the status first, so only one caller can win, and then
// returns every sale of the order to stock. If a return fails the order
// stays cancelled and the error is retryable; the repeat call finishes the
// returns and reports ErrInvalidTransition because the order is already
// cancelled.
func (s *Service) CancelOrder(ctx context.Context, id string, reason string) (order domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "service.CancelOrder", trace.WithAttributes(attribute.String("order.id", id)))
	defer func() { endSpan(span, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Order{}, fmt.Errorf("%w: cancellation reason is required", domain.ErrValidation)
	}

	current, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	from := current.Status

	effect, err := orderstate.Transition(from, domain.OrderCancelled)
	if err != nil {
		if from == domain.OrderCancelled {
			// a repeat request finishes any return a failed cancel left behind
			s.restoreStock(ctx, *current, reason)
		}
		return domain.Order{}, err
	}

	now := s.now()
	actor := actorName(ctx)
	next := *current
	next.Status = domain.OrderCancelled
	next.UpdatedAt = now
	next.CancelledAt = &now
	next.Cancellation = &domain.Cancellation{Reason: reason, Actor: actor, FromStatus: from, At: now}
	next.History = append(slices.Clone(current.History), domain.StatusChange{
		From:   from,
		To:     domain.OrderCancelled,
		Actor:  actor,
		Reason: reason,
		At:     now,
	})

	updated, err := s.repo.UpdateOrder(ctx, next, from)
	if err != nil {
		return domain.Order{}, err
	}

	if effect == orderstate.EffectReverseAll {
		if err := s.reverseAll(ctx, *updated, reason); err != nil {
			return *updated, err
		}
	}

	if s.metrics != nil {
		s.metrics.Transitions.WithLabelValues(string(domain.OrderCancelled)).Inc()
	}
	s.publish(ctx, events.New(events.OrderCancelled, updated.ID, *updated.Cancellation))
	s.logger.Info("order cancelled",
		zap.String("order_id", updated.ID),
		zap.String("from", string(from)),
		zap.String("actor", actor),
	)
	return *updated, nil
}

func (s *Service) MarkWhatsAppSent(ctx context.Context, id string) (domain.Order, error) {
	current, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if current.WhatsAppSent {
		return *current, nil
	}

	updated, err := s.repo.MarkWhatsAppSent(ctx, id, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	return *updated, nil
}

func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustRequest) (domain.StockMovement, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.StockMovement{}, fmt.Errorf("%w: adjustment reason is required", domain.ErrValidation)
	}
	movement, err := s.ledger.Increment(ctx, strings.TrimSpace(req.VariantID), req.Quantity, domain.MovementAdjustment, "", domain.MovementMetadata{
		Reason: reason,
		Notes:  strings.TrimSpace(req.Notes),
		Actor:  actorName(ctx),
	})
	if err != nil {
		return domain.StockMovement{}, err
	}
	return *movement, nil
}

func (s *Service) Restock(ctx context.Context, req domain.RestockRequest) (domain.StockMovement, error) {
	if req.CostCents < 0 {
		return domain.StockMovement{}, fmt.Errorf("%w: cost must not be negative", domain.ErrValidation)
	}
	movement, err := s.ledger.Increment(ctx, strings.TrimSpace(req.VariantID), req.Quantity, domain.MovementRestock, "", domain.MovementMetadata{
		Reason:        "restock",
		Notes:         strings.TrimSpace(req.Notes),
		Actor:         actorName(ctx),
		CostCents:     req.CostCents,
		Supplier:      strings.TrimSpace(req.Supplier),
		InvoiceNumber: strings.TrimSpace(req.InvoiceNumber),
	})
	if err != nil {
		return domain.StockMovement{}, err
	}
	return *movement, nil
}

func (s *Service) RecordDamage(ctx context.Context, req domain.DamageRequest) (domain.StockMovement, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.StockMovement{}, fmt.Errorf("%w: damage reason is required", domain.ErrValidation)
	}
	movement, err := s.ledger.Increment(ctx, strings.TrimSpace(req.VariantID), req.Quantity, domain.MovementDamage, "", domain.MovementMetadata{
		Reason: reason,
		Notes:  strings.TrimSpace(req.Notes),
		Actor:  actorName(ctx),
	})
	if err != nil {
		return domain.StockMovement{}, err
	}
	return *movement, nil
}

func (s *Service) StockMovements(ctx context.Context, filter domain.MovementFilter) (domain.MovementPage, error) {
	return s.ledger.Movements(ctx, filter)
}

func (s *Service) VariantStock(ctx context.Context, variantID string) (domain.VariantStock, error) {
	variants, err := s.repo.GetVariantsByIDs(ctx, []string{variantID})
	if err != nil {
		return domain.VariantStock{}, err
	}
	variant, ok := variants[variantID]
	if !ok {
		return domain.VariantStock{}, fmt.Errorf("variant %s: %w", variantID, store.ErrNotFound)
	}
	audit, err := s.ledger.Audit(ctx, variantID)
	if err != nil {
		return domain.VariantStock{}, err
	}
	return domain.VariantStock{
		VariantID:         variant.ID,
		SKU:               variant.SKU,
		Name:              variant.Name,
		CurrentStock:      audit.CurrentStock,
		LowStockThreshold: variant.LowStockThreshold,
		LowStock:          audit.CurrentStock <= variant.LowStockThreshold,
		Audit:             audit,
	}, nil
}

func (s *Service) LowStock(ctx context.Context) ([]domain.StockLevel, error) {
	return s.ledger.StockLevels(ctx, true)
}

// decrementAll takes stock for every item in ascending variant order. On
// the first failure the sales already taken are returned before the error
// surfaces.
func (s *Service) decrementAll(ctx context.Context, order domain.Order) error {
	items := sortedItems(order.Items)
	for i, item := range items {
		if _, err := s.ledger.Decrement(ctx, item.VariantID, item.Quantity, order.ID); err != nil {
			s.restoreStock(ctx, domain.Order{ID: order.ID, Items: items[:i]}, "order creation rolled back")
			return err
		}
	}
	return nil
}

func (s *Service) reverseAll(ctx context.Context, order domain.Order, reason string) error {
	var errs []error
	for _, item := range sortedItems(order.Items) {
		_, err := s.ledger.ReverseSale(ctx, order.ID, item.VariantID, domain.MovementMetadata{
			Reason: reason,
			Actor:  actorName(ctx),
		})
		if err != nil && !errors.Is(err, domain.ErrMovementNotFound) {
			s.logger.Error("return stock for cancelled order failed",
				zap.String("order_id", order.ID),
				zap.String("variant_id", item.VariantID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("return %s: %w", item.VariantID, err))
		}
	}
	return errors.Join(errs...)
}

// restoreStock returns whatever this order took. It runs detached from the
// caller's cancellation so an aborted request cannot strand stock.
func (s *Service) restoreStock(ctx context.Context, order domain.Order, reason string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.reverseAll(ctx, order, reason); err != nil {
		s.logger.Error("compensating return incomplete", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (s *Service) orderResponse(order domain.Order, duplicate bool) domain.CreateOrderResponse {
	return domain.CreateOrderResponse{
		Order:     order,
		Contact:   s.buildContact(order),
		Duplicate: duplicate,
	}
}

func (s *Service) buildContact(order domain.Order) domain.ContactLink {
	if s.contact == nil {
		return domain.ContactLink{}
	}
	return s.contact.Build(order)
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("publish event failed",
			zap.String("event_type", string(event.Type)),
			zap.String("aggregate_id", event.AggregateID),
			zap.Error(err),
		)
	}
}

func normalizeOrderRequest(req *domain.CreateOrderRequest) error {
	req.Customer.Name = strings.TrimSpace(req.Customer.Name)
	req.Customer.Phone = strings.TrimSpace(req.Customer.Phone)
	req.Customer.Email = strings.TrimSpace(req.Customer.Email)
	req.Customer.Address = strings.TrimSpace(req.Customer.Address)
	req.Notes = strings.TrimSpace(req.Notes)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if req.Customer.Name == "" || req.Customer.Phone == "" {
		return fmt.Errorf("%w: customer name and phone are required", domain.ErrValidation)
	}
	if !req.DeliveryMethod.Valid() {
		return fmt.Errorf("%w: unknown delivery method %q", domain.ErrValidation, req.DeliveryMethod)
	}
	if req.DeliveryMethod == domain.DeliveryShipping && req.Customer.Address == "" {
		return fmt.Errorf("%w: delivery needs an address", domain.ErrValidation)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: order has no items", domain.ErrValidation)
	}
	return nil
}

func sortedItems(items []domain.OrderItem) []domain.OrderItem {
	sorted := slices.Clone(items)
	slices.SortFunc(sorted, func(a, b domain.OrderItem) int {
		return strings.Compare(a.VariantID, b.VariantID)
	})
	return sorted
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.Username
	}
	return ""
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
