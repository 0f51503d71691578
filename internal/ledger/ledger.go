// Package ledger is the only writer of stock. Every change is an appended
// movement; the per-variant counter moves in the same atomic store write.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"confi/backend/internal/domain"
	"confi/backend/internal/events"
	"confi/backend/internal/metrics"
	"confi/backend/internal/store"
)

const DefaultMaxAttempts = 3

type Ledger struct {
	store       store.LedgerStore
	catalog     store.Catalog
	publisher   events.Publisher
	metrics     *metrics.Metrics
	logger      *zap.Logger
	maxAttempts int
	backoff     time.Duration
}

type Option func(*Ledger)

func WithPublisher(p events.Publisher) Option {
	return func(l *Ledger) {
		if p != nil {
			l.publisher = p
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithMaxAttempts bounds how often a conflicting write is retried.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

func WithBackoff(d time.Duration) Option {
	return func(l *Ledger) { l.backoff = d }
}

func New(st store.LedgerStore, catalog store.Catalog, opts ...Option) *Ledger {
	l := &Ledger{
		store:       st,
		catalog:     catalog,
		publisher:   events.Noop{},
		logger:      zap.NewNop(),
		maxAttempts: DefaultMaxAttempts,
		backoff:     15 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) CurrentStock(ctx context.Context, variantID string) (int, error) {
	return l.store.CurrentStock(ctx, variantID)
}

// Decrement records a sale of quantity units for the order. Retrying the
// same (order, variant) returns the sale already recorded.
func (l *Ledger) Decrement(ctx context.Context, variantID string, quantity int, orderID string) (*domain.StockMovement, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("%w: sale quantity must be positive", domain.ErrValidation)
	}
	if orderID == "" {
		return nil, fmt.Errorf("%w: sale needs an order id", domain.ErrValidation)
	}
	movement, _, err := l.apply(ctx, store.MovementInput{
		VariantID: variantID,
		OrderID:   orderID,
		Type:      domain.MovementSale,
		Delta:     -quantity,
	})
	return movement, err
}

// Increment records every non-sale movement. quantity is signed only for
// adjustments; damage takes a positive count and removes it from stock.
func (l *Ledger) Increment(ctx context.Context, variantID string, quantity int, movementType domain.MovementType, orderID string, meta domain.MovementMetadata) (*domain.StockMovement, error) {
	delta := quantity
	switch movementType {
	case domain.MovementRestock:
		if quantity < 1 {
			return nil, fmt.Errorf("%w: restock quantity must be positive", domain.ErrValidation)
		}
	case domain.MovementAdjustment:
		if quantity == 0 {
			return nil, fmt.Errorf("%w: adjustment quantity must not be zero", domain.ErrValidation)
		}
	case domain.MovementReturn:
		if quantity < 1 {
			return nil, fmt.Errorf("%w: return quantity must be positive", domain.ErrValidation)
		}
		if orderID == "" {
			return nil, fmt.Errorf("%w: return needs an order id", domain.ErrValidation)
		}
	case domain.MovementDamage:
		if quantity < 1 {
			return nil, fmt.Errorf("%w: damage quantity must be positive", domain.ErrValidation)
		}
		delta = -quantity
	case domain.MovementSale:
		return nil, fmt.Errorf("%w: sales are recorded with Decrement", domain.ErrValidation)
	default:
		return nil, fmt.Errorf("%w: unknown movement type %q", domain.ErrValidation, movementType)
	}

	movement, applied, err := l.apply(ctx, store.MovementInput{
		VariantID: variantID,
		OrderID:   orderID,
		Type:      movementType,
		Delta:     delta,
		Meta:      meta,
	})
	if err != nil {
		return nil, err
	}
	if !applied && movementType == domain.MovementReturn {
		return nil, fmt.Errorf("%w: order %s variant %s already has a return", domain.ErrMovementNotFound, orderID, variantID)
	}
	return movement, nil
}

// ReverseSale appends a return equal and opposite to the order's sale of
// the variant. It fails with ErrMovementNotFound when there is no sale or
// the sale was already reversed.
func (l *Ledger) ReverseSale(ctx context.Context, orderID string, variantID string, meta domain.MovementMetadata) (*domain.StockMovement, error) {
	sale, err := l.store.FindMovement(ctx, orderID, variantID, domain.MovementSale)
	if err != nil {
		if errors.Is(err, domain.ErrMovementNotFound) {
			return nil, fmt.Errorf("%w: no sale of %s for order %s", domain.ErrMovementNotFound, variantID, orderID)
		}
		return nil, err
	}

	movement, applied, err := l.apply(ctx, store.MovementInput{
		VariantID: variantID,
		OrderID:   orderID,
		Type:      domain.MovementReturn,
		Delta:     -sale.QuantityDelta,
		Meta:      meta,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: sale of %s for order %s already reversed", domain.ErrMovementNotFound, variantID, orderID)
	}
	return movement, nil
}

func (l *Ledger) Movements(ctx context.Context, filter domain.MovementFilter) (domain.MovementPage, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return domain.MovementPage{}, fmt.Errorf("%w: unknown movement type %q", domain.ErrValidation, filter.Type)
	}
	return l.store.ListMovements(ctx, filter)
}

// Audit recomputes opening stock plus the sum of all deltas and compares
// it with the cached counter.
func (l *Ledger) Audit(ctx context.Context, variantID string) (domain.StockAudit, error) {
	audit, err := l.store.AuditStock(ctx, variantID)
	if err != nil {
		return domain.StockAudit{}, err
	}
	if !audit.Consistent {
		l.logger.Error("stock ledger out of balance",
			zap.String("variant_id", variantID),
			zap.Int("opening", audit.OpeningStock),
			zap.Int("delta_sum", audit.DeltaSum),
			zap.Int("counter", audit.CurrentStock),
		)
	}
	return audit, nil
}

func (l *Ledger) StockLevels(ctx context.Context, lowOnly bool) ([]domain.StockLevel, error) {
	return l.store.ListStockLevels(ctx, lowOnly)
}

func (l *Ledger) apply(ctx context.Context, in store.MovementInput) (*domain.StockMovement, bool, error) {
	var lastErr error
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		movement, applied, err := l.store.ApplyMovement(ctx, in)
		if err == nil {
			if applied {
				l.recorded(ctx, movement)
			}
			return movement, applied, nil
		}

		if errors.Is(err, domain.ErrInsufficientStock) && l.metrics != nil {
			l.metrics.StockRejections.Inc()
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return nil, false, err
		}

		lastErr = err
		if l.metrics != nil {
			l.metrics.LedgerConflicts.Inc()
		}
		l.logger.Warn("ledger write conflict",
			zap.String("variant_id", in.VariantID),
			zap.String("type", string(in.Type)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < l.maxAttempts {
			select {
			case <-ctx.Done():
				return nil, false, ctx.Err()
			case <-time.After(l.backoff * time.Duration(attempt)):
			}
		}
	}
	return nil, false, fmt.Errorf("after %d attempts: %w", l.maxAttempts, lastErr)
}

func (l *Ledger) recorded(ctx context.Context, m *domain.StockMovement) {
	if l.metrics != nil {
		l.metrics.Movements.WithLabelValues(string(m.Type)).Inc()
	}
	l.publish(ctx, events.New(events.StockMovementRecorded, m.VariantID, *m))

	if m.QuantityDelta >= 0 || l.catalog == nil {
		return
	}
	variants, err := l.catalog.GetVariantsByIDs(ctx, []string{m.VariantID})
	if err != nil {
		l.logger.Warn("low stock check skipped", zap.String("variant_id", m.VariantID), zap.Error(err))
		return
	}
	variant, ok := variants[m.VariantID]
	if !ok {
		return
	}
	if m.NewStock <= variant.LowStockThreshold && m.PreviousStock > variant.LowStockThreshold {
		if l.metrics != nil {
			l.metrics.LowStock.Inc()
		}
		l.publish(ctx, events.New(events.StockLow, m.VariantID, domain.StockLevel{
			VariantID:         variant.ID,
			SKU:               variant.SKU,
			Name:              variant.Name,
			CurrentStock:      m.NewStock,
			LowStockThreshold: variant.LowStockThreshold,
			LowStock:          true,
		}))
	}
}

func (l *Ledger) publish(ctx context.Context, event events.Event) {
	if err := l.publisher.Publish(ctx, event); err != nil {
		l.logger.Warn("publish event failed",
			zap.String("event_type", string(event.Type)),
			zap.String("aggregate_id", event.AggregateID),
			zap.Error(err),
		)
	}
}
