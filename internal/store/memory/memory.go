package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"confi/backend/internal/domain"
	"confi/backend/internal/store"
	"confi/backend/internal/xid"
)

type Store struct {
	mu            sync.RWMutex
	parents       map[string]domain.Parent
	variants      map[string]domain.Variant
	openingStock  map[string]int
	stock         map[string]int
	movements     []domain.StockMovement
	scopedIndex   map[string]int
	ordersByID    map[string]*domain.Order
	ordersByIdem  map[string]string
	orderSequence []string
}

func New() *Store {
	return &Store{
		parents:      make(map[string]domain.Parent),
		variants:     make(map[string]domain.Variant),
		openingStock: make(map[string]int),
		stock:        make(map[string]int),
		movements:    make([]domain.StockMovement, 0, 128),
		scopedIndex:  make(map[string]int),
		ordersByID:   make(map[string]*domain.Order),
		ordersByIdem: make(map[string]string),
	}
}

// NewSeeded returns a store stocked with a small demo catalog for dev mode.
func NewSeeded() *Store {
	s := New()

	parents := []domain.Parent{
		{ID: "prd_truffle", Name: "Dark Chocolate Truffles", Category: "chocolate", Active: true},
		{
			ID:             "prd_fudge",
			Name:           "Butter Fudge",
			Category:       "fudge",
			TieredDiscount: []domain.Tier{{MinQuantity: 3, DiscountPercent: 20}},
			Active:         true,
		},
		{ID: "prd_gummy", Name: "Fruit Gummies", Category: "gummies", Active: true},
		{ID: "prd_brittle", Name: "Peanut Brittle", Category: "brittle", Active: true},
	}
	for _, p := range parents {
		s.PutParent(p)
	}

	variants := []domain.Variant{
		{
			ID:                "var_truffle_box6",
			ParentID:          "prd_truffle",
			SKU:               "TRF-BOX-06",
			Name:              "Truffles box of 6",
			BasePrice:         10000,
			FixedDiscount:     &domain.FixedDiscount{Kind: domain.DiscountPercentage, Value: 10},
			TieredDiscount:    []domain.Tier{{MinQuantity: 5, DiscountPercent: 5}, {MinQuantity: 10, DiscountPercent: 10}},
			LowStockThreshold: 5,
			Active:            true,
		},
		{
			ID:                "var_truffle_box12",
			ParentID:          "prd_truffle",
			SKU:               "TRF-BOX-12",
			Name:              "Truffles box of 12",
			BasePrice:         18500,
			LowStockThreshold: 3,
			Active:            true,
		},
		{
			ID:                "var_fudge_vanilla",
			ParentID:          "prd_fudge",
			SKU:               "FDG-VAN-200",
			Name:              "Vanilla fudge 200g",
			BasePrice:         5000,
			LowStockThreshold: 10,
			Active:            true,
		},
		{
			ID:                "var_fudge_salted",
			ParentID:          "prd_fudge",
			SKU:               "FDG-SLT-200",
			Name:              "Salted caramel fudge 200g",
			BasePrice:         5500,
			FixedDiscount:     &domain.FixedDiscount{Kind: domain.DiscountAmount, Value: 500},
			LowStockThreshold: 10,
			Active:            true,
		},
		{
			ID:                "var_gummy_bears",
			ParentID:          "prd_gummy",
			SKU:               "GUM-BEAR-150",
			Name:              "Gummy bears 150g",
			BasePrice:         2500,
			TieredDiscount:    []domain.Tier{{MinQuantity: 6, DiscountPercent: 15}},
			LowStockThreshold: 12,
			Active:            true,
		},
		{
			ID:                "var_brittle_classic",
			ParentID:          "prd_brittle",
			SKU:               "BRT-CLS-250",
			Name:              "Classic brittle 250g",
			BasePrice:         4200,
			LowStockThreshold: 4,
		},
	}
	openingStock := map[string]int{
		"var_truffle_box6":    40,
		"var_truffle_box12":   20,
		"var_fudge_vanilla":   60,
		"var_fudge_salted":    45,
		"var_gummy_bears":     120,
		"var_brittle_classic": 0,
	}
	for _, v := range variants {
		s.PutVariant(v, openingStock[v.ID])
	}

	return s
}

func (s *Store) PutParent(parent domain.Parent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent.TieredDiscount = slices.Clone(parent.TieredDiscount)
	s.parents[parent.ID] = parent
}

// PutVariant registers a variant. openingStock only applies the first time
// a variant is seen; later calls update catalog fields and keep the ledger.
func (s *Store) PutVariant(variant domain.Variant, openingStock int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.variants[variant.ID] = cloneVariant(variant)
	if _, exists := s.openingStock[variant.ID]; !exists {
		s.openingStock[variant.ID] = openingStock
		s.stock[variant.ID] = openingStock
	}
}

func (s *Store) GetVariantsByIDs(_ context.Context, ids []string) (map[string]domain.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Variant, len(ids))
	for _, id := range ids {
		if v, ok := s.variants[id]; ok {
			result[id] = cloneVariant(v)
		}
	}
	return result, nil
}

func (s *Store) GetParentsByIDs(_ context.Context, ids []string) (map[string]domain.Parent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Parent, len(ids))
	for _, id := range ids {
		if p, ok := s.parents[id]; ok {
			p.TieredDiscount = slices.Clone(p.TieredDiscount)
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) ListVariants(_ context.Context) ([]domain.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	variants := make([]domain.Variant, 0, len(s.variants))
	for _, v := range s.variants {
		variants = append(variants, cloneVariant(v))
	}
	slices.SortFunc(variants, func(a, b domain.Variant) int {
		return strings.Compare(a.ID, b.ID)
	})
	return variants, nil
}

func (s *Store) CurrentStock(_ context.Context, variantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	qty, ok := s.stock[variantID]
	if !ok {
		return 0, fmt.Errorf("variant %s: %w", variantID, store.ErrNotFound)
	}
	return qty, nil
}

func (s *Store) ApplyMovement(_ context.Context, in store.MovementInput) (*domain.StockMovement, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.stock[in.VariantID]
	if !ok {
		return nil, false, fmt.Errorf("variant %s: %w", in.VariantID, store.ErrNotFound)
	}

	key := ""
	if in.Type.OrderScoped() {
		key = scopedKey(in.OrderID, in.VariantID, in.Type)
		if idx, exists := s.scopedIndex[key]; exists {
			existing := s.movements[idx]
			return &existing, false, nil
		}
	}

	next := current + in.Delta
	if next < 0 {
		return nil, false, &domain.InsufficientStockError{
			VariantID: in.VariantID,
			Requested: -in.Delta,
			Available: current,
		}
	}

	if in.ID == "" {
		in.ID = xid.New("mov")
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}

	movement := domain.StockMovement{
		ID:            in.ID,
		VariantID:     in.VariantID,
		OrderID:       in.OrderID,
		Type:          in.Type,
		QuantityDelta: in.Delta,
		PreviousStock: current,
		NewStock:      next,
		Reason:        in.Meta.Reason,
		Notes:         in.Meta.Notes,
		Actor:         in.Meta.Actor,
		CostCents:     in.Meta.CostCents,
		Supplier:      in.Meta.Supplier,
		InvoiceNumber: in.Meta.InvoiceNumber,
		CreatedAt:     in.CreatedAt,
	}

	s.movements = append(s.movements, movement)
	s.stock[in.VariantID] = next
	if key != "" {
		s.scopedIndex[key] = len(s.movements) - 1
	}

	created := movement
	return &created, true, nil
}

func (s *Store) FindMovement(_ context.Context, orderID string, variantID string, movementType domain.MovementType) (*domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if movementType.OrderScoped() {
		if idx, ok := s.scopedIndex[scopedKey(orderID, variantID, movementType)]; ok {
			found := s.movements[idx]
			return &found, nil
		}
		return nil, domain.ErrMovementNotFound
	}

	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if m.OrderID == orderID && m.VariantID == variantID && m.Type == movementType {
			return &m, nil
		}
	}
	return nil, domain.ErrMovementNotFound
}

func (s *Store) ListMovements(_ context.Context, filter domain.MovementFilter) (domain.MovementPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page, limit, offset := store.Page(filter.Page, filter.Limit)
	matched := make([]domain.StockMovement, 0, limit)
	total := 0
	// newest first
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if filter.VariantID != "" && m.VariantID != filter.VariantID {
			continue
		}
		if filter.OrderID != "" && m.OrderID != filter.OrderID {
			continue
		}
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		if total >= offset && len(matched) < limit {
			matched = append(matched, m)
		}
		total++
	}

	return domain.MovementPage{Movements: matched, Total: total, Page: page, Limit: limit}, nil
}

func (s *Store) AuditStock(_ context.Context, variantID string) (domain.StockAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	opening, ok := s.openingStock[variantID]
	if !ok {
		return domain.StockAudit{}, fmt.Errorf("variant %s: %w", variantID, store.ErrNotFound)
	}

	sum := 0
	for _, m := range s.movements {
		if m.VariantID == variantID {
			sum += m.QuantityDelta
		}
	}
	current := s.stock[variantID]
	return domain.StockAudit{
		VariantID:    variantID,
		OpeningStock: opening,
		DeltaSum:     sum,
		CurrentStock: current,
		Consistent:   opening+sum == current,
	}, nil
}

func (s *Store) ListStockLevels(_ context.Context, lowOnly bool) ([]domain.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	levels := make([]domain.StockLevel, 0, len(s.variants))
	for id, v := range s.variants {
		if !v.Active {
			continue
		}
		qty := s.stock[id]
		low := qty <= v.LowStockThreshold
		if lowOnly && !low {
			continue
		}
		levels = append(levels, domain.StockLevel{
			VariantID:         id,
			SKU:               v.SKU,
			Name:              v.Name,
			CurrentStock:      qty,
			LowStockThreshold: v.LowStockThreshold,
			LowStock:          low,
		})
	}
	slices.SortFunc(levels, func(a, b domain.StockLevel) int {
		if a.CurrentStock != b.CurrentStock {
			return a.CurrentStock - b.CurrentStock
		}
		return strings.Compare(a.VariantID, b.VariantID)
	})
	return levels, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ID == "" || len(order.Items) == 0 {
		return nil, fmt.Errorf("%w: order needs an id and items", domain.ErrValidation)
	}
	if _, exists := s.ordersByID[order.ID]; exists {
		return nil, fmt.Errorf("%w: order %s already exists", domain.ErrValidation, order.ID)
	}
	if order.IdempotencyKey != "" {
		if _, exists := s.ordersByIdem[order.IdempotencyKey]; exists {
			return nil, store.ErrDuplicateIdempotencyKey
		}
		s.ordersByIdem[order.IdempotencyKey] = order.ID
	}

	stored := cloneOrder(order)
	s.ordersByID[order.ID] = &stored
	s.orderSequence = append(s.orderSequence, order.ID)

	created := cloneOrder(stored)
	return &created, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByID[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	found := cloneOrder(*order)
	return &found, nil
}

func (s *Store) FindOrderByIdempotency(_ context.Context, key string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.ordersByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := cloneOrder(*s.ordersByID[id])
	return &found, nil
}

func (s *Store) UpdateOrder(_ context.Context, order domain.Order, expected domain.OrderStatus) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.ordersByID[order.ID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", order.ID, store.ErrNotFound)
	}
	if current.Status != expected {
		return nil, fmt.Errorf("%w: order %s is %s, expected %s", domain.ErrConcurrencyConflict, order.ID, current.Status, expected)
	}

	// identity and pricing snapshot never change after creation
	order.OrderNumber = current.OrderNumber
	order.Items = current.Items
	order.IdempotencyKey = current.IdempotencyKey
	order.CreatedAt = current.CreatedAt
	order.WhatsAppSent = current.WhatsAppSent
	order.Notes = current.Notes

	stored := cloneOrder(order)
	s.ordersByID[order.ID] = &stored

	updated := cloneOrder(stored)
	return &updated, nil
}

func (s *Store) MarkWhatsAppSent(_ context.Context, id string, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.ordersByID[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	if !current.WhatsAppSent {
		current.WhatsAppSent = true
		current.UpdatedAt = at
	}
	updated := cloneOrder(*current)
	return &updated, nil
}

func (s *Store) ListOrders(_ context.Context, filter domain.OrderFilter) (domain.OrderPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page, limit, offset := store.Page(filter.Page, filter.Limit)
	orders := make([]domain.Order, 0, limit)
	total := 0
	for i := len(s.orderSequence) - 1; i >= 0; i-- {
		order := s.ordersByID[s.orderSequence[i]]
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if total >= offset && len(orders) < limit {
			orders = append(orders, cloneOrder(*order))
		}
		total++
	}

	return domain.OrderPage{Orders: orders, Total: total, Page: page, Limit: limit}, nil
}

func scopedKey(orderID string, variantID string, movementType domain.MovementType) string {
	return orderID + "|" + variantID + "|" + string(movementType)
}

func cloneVariant(src domain.Variant) domain.Variant {
	dst := src
	if src.FixedDiscount != nil {
		fixed := *src.FixedDiscount
		dst.FixedDiscount = &fixed
	}
	dst.TieredDiscount = slices.Clone(src.TieredDiscount)
	return dst
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = slices.Clone(src.Items)
	dst.History = slices.Clone(src.History)
	if src.Cancellation != nil {
		c := *src.Cancellation
		dst.Cancellation = &c
	}
	dst.ConfirmedAt = cloneTime(src.ConfirmedAt)
	dst.CompletedAt = cloneTime(src.CompletedAt)
	dst.CancelledAt = cloneTime(src.CancelledAt)
	return dst
}

func cloneTime(src *time.Time) *time.Time {
	if src == nil {
		return nil
	}
	t := *src
	return &t
}
