package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"confi/backend/internal/domain"
	"confi/backend/internal/store"
	"confi/backend/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables and indexes if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) UpsertParent(ctx context.Context, parent domain.Parent) error {
	tiers, err := json.Marshal(nonNilTiers(parent.TieredDiscount))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO product_parents (id, name, category, tiered_discount, active)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id)
		DO UPDATE SET name = EXCLUDED.name, category = EXCLUDED.category,
			tiered_discount = EXCLUDED.tiered_discount, active = EXCLUDED.active
	`, parent.ID, parent.Name, parent.Category, tiers, parent.Active)
	return err
}

// UpsertVariant writes catalog fields. The stock row is only created on
// first insert, so an existing ledger is never reset.
func (s *Store) UpsertVariant(ctx context.Context, variant domain.Variant, openingStock int) error {
	if openingStock < 0 {
		return fmt.Errorf("%w: opening stock must not be negative", domain.ErrValidation)
	}
	tiers, err := json.Marshal(nonNilTiers(variant.TieredDiscount))
	if err != nil {
		return err
	}
	var fixed any
	if variant.FixedDiscount != nil {
		raw, err := json.Marshal(variant.FixedDiscount)
		if err != nil {
			return err
		}
		fixed = raw
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO product_variants (id, parent_id, sku, name, base_price, fixed_discount, tiered_discount, low_stock_threshold, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id)
		DO UPDATE SET parent_id = EXCLUDED.parent_id, sku = EXCLUDED.sku, name = EXCLUDED.name,
			base_price = EXCLUDED.base_price, fixed_discount = EXCLUDED.fixed_discount,
			tiered_discount = EXCLUDED.tiered_discount, low_stock_threshold = EXCLUDED.low_stock_threshold,
			active = EXCLUDED.active
	`, variant.ID, nullIfEmpty(variant.ParentID), variant.SKU, variant.Name, variant.BasePrice, fixed, tiers,
		variant.LowStockThreshold, variant.Active); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO variant_stocks (variant_id, opening_qty, qty, updated_at)
		VALUES ($1,$2,$2,now())
		ON CONFLICT (variant_id) DO NOTHING
	`, variant.ID, openingStock); err != nil {
		return err
	}
	return tx.Commit()
}

const variantColumns = `id, COALESCE(parent_id, ''), sku, name, base_price, fixed_discount, tiered_discount, low_stock_threshold, active`

func (s *Store) GetVariantsByIDs(ctx context.Context, ids []string) (map[string]domain.Variant, error) {
	result := make(map[string]domain.Variant, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+variantColumns+` FROM product_variants WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		result[v.ID] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListVariants(ctx context.Context) ([]domain.Variant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+variantColumns+` FROM product_variants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	variants := make([]domain.Variant, 0, 64)
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return variants, nil
}

func (s *Store) GetParentsByIDs(ctx context.Context, ids []string) (map[string]domain.Parent, error) {
	result := make(map[string]domain.Parent, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, tiered_discount, active
		FROM product_parents
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Parent
		var tiers []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &tiers, &p.Active); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(tiers, &p.TieredDiscount); err != nil {
			return nil, fmt.Errorf("parent %s tiers: %w", p.ID, err)
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CurrentStock(ctx context.Context, variantID string) (int, error) {
	var qty int
	err := s.db.QueryRowContext(ctx, `SELECT qty FROM variant_stocks WHERE variant_id = $1`, variantID).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("variant %s: %w", variantID, store.ErrNotFound)
		}
		return 0, err
	}
	return qty, nil
}

func (s *Store) ApplyMovement(ctx context.Context, in store.MovementInput) (*domain.StockMovement, bool, error) {
	if in.ID == "" {
		in.ID = xid.New("mov")
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}

	movement, applied, err := s.applyMovement(ctx, in)
	if err != nil && in.Type.OrderScoped() && isUniqueViolation(err) {
		// lost the race against an identical order-scoped movement
		existing, findErr := s.FindMovement(ctx, in.OrderID, in.VariantID, in.Type)
		if findErr != nil {
			return nil, false, classify(findErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, classify(err)
	}
	return movement, applied, nil
}

func (s *Store) applyMovement(ctx context.Context, in store.MovementInput) (*domain.StockMovement, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if in.Type.OrderScoped() {
		existing, err := scanMovement(tx.QueryRowContext(ctx, `
			SELECT `+movementColumns+`
			FROM stock_movements
			WHERE order_id = $1 AND variant_id = $2 AND type = $3
		`, in.OrderID, in.VariantID, string(in.Type)))
		if err == nil {
			return &existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, err
		}
	}

	// single conditional write: the row lock serializes concurrent writers
	// and the predicate keeps the counter non-negative
	var newQty int
	err = tx.QueryRowContext(ctx, `
		UPDATE variant_stocks
		SET qty = qty + $2, updated_at = now()
		WHERE variant_id = $1 AND qty + $2 >= 0
		RETURNING qty
	`, in.VariantID, in.Delta).Scan(&newQty)
	if errors.Is(err, sql.ErrNoRows) {
		var available int
		lookupErr := tx.QueryRowContext(ctx, `SELECT qty FROM variant_stocks WHERE variant_id = $1`, in.VariantID).Scan(&available)
		if errors.Is(lookupErr, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("variant %s: %w", in.VariantID, store.ErrNotFound)
		}
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		return nil, false, &domain.InsufficientStockError{VariantID: in.VariantID, Requested: -in.Delta, Available: available}
	}
	if err != nil {
		return nil, false, err
	}

	movement := domain.StockMovement{
		ID:            in.ID,
		VariantID:     in.VariantID,
		OrderID:       in.OrderID,
		Type:          in.Type,
		QuantityDelta: in.Delta,
		PreviousStock: newQty - in.Delta,
		NewStock:      newQty,
		Reason:        in.Meta.Reason,
		Notes:         in.Meta.Notes,
		Actor:         in.Meta.Actor,
		CostCents:     in.Meta.CostCents,
		Supplier:      in.Meta.Supplier,
		InvoiceNumber: in.Meta.InvoiceNumber,
		CreatedAt:     in.CreatedAt,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (
			id, variant_id, order_id, type, quantity_delta, previous_stock, new_stock,
			reason, notes, actor, cost_cents, supplier, invoice_number, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, movement.ID, movement.VariantID, nullIfEmpty(movement.OrderID), string(movement.Type), movement.QuantityDelta,
		movement.PreviousStock, movement.NewStock, nullIfEmpty(movement.Reason), nullIfEmpty(movement.Notes),
		nullIfEmpty(movement.Actor), nullIfZero(movement.CostCents), nullIfEmpty(movement.Supplier),
		nullIfEmpty(movement.InvoiceNumber), movement.CreatedAt); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &movement, true, nil
}

func (s *Store) FindMovement(ctx context.Context, orderID string, variantID string, movementType domain.MovementType) (*domain.StockMovement, error) {
	m, err := scanMovement(s.db.QueryRowContext(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE order_id = $1 AND variant_id = $2 AND type = $3
		ORDER BY created_at DESC
		LIMIT 1
	`, orderID, variantID, string(movementType)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMovementNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListMovements(ctx context.Context, filter domain.MovementFilter) (domain.MovementPage, error) {
	page, limit, offset := store.Page(filter.Page, filter.Limit)

	const where = `
		WHERE ($1 = '' OR variant_id = $1)
		  AND ($2 = '' OR order_id = $2)
		  AND ($3 = '' OR type = $3)
	`
	args := []any{filter.VariantID, filter.OrderID, string(filter.Type)}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM stock_movements`+where, args...).Scan(&total); err != nil {
		return domain.MovementPage{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements`+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5
	`, append(args, limit, offset)...)
	if err != nil {
		return domain.MovementPage{}, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return domain.MovementPage{}, err
		}
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return domain.MovementPage{}, err
	}

	return domain.MovementPage{Movements: movements, Total: total, Page: page, Limit: limit}, nil
}

func (s *Store) AuditStock(ctx context.Context, variantID string) (domain.StockAudit, error) {
	audit := domain.StockAudit{VariantID: variantID}
	err := s.db.QueryRowContext(ctx, `
		SELECT vs.opening_qty, vs.qty,
			COALESCE((SELECT SUM(quantity_delta) FROM stock_movements WHERE variant_id = vs.variant_id), 0)
		FROM variant_stocks vs
		WHERE vs.variant_id = $1
	`, variantID).Scan(&audit.OpeningStock, &audit.CurrentStock, &audit.DeltaSum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StockAudit{}, fmt.Errorf("variant %s: %w", variantID, store.ErrNotFound)
		}
		return domain.StockAudit{}, err
	}
	audit.Consistent = audit.OpeningStock+audit.DeltaSum == audit.CurrentStock
	return audit, nil
}

func (s *Store) ListStockLevels(ctx context.Context, lowOnly bool) ([]domain.StockLevel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.sku, v.name, vs.qty, v.low_stock_threshold
		FROM product_variants v
		JOIN variant_stocks vs ON vs.variant_id = v.id
		WHERE v.active = true AND (NOT $1 OR vs.qty <= v.low_stock_threshold)
		ORDER BY vs.qty, v.id
	`, lowOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	levels := make([]domain.StockLevel, 0, 64)
	for rows.Next() {
		var l domain.StockLevel
		if err := rows.Scan(&l.VariantID, &l.SKU, &l.Name, &l.CurrentStock, &l.LowStockThreshold); err != nil {
			return nil, err
		}
		l.LowStock = l.CurrentStock <= l.LowStockThreshold
		levels = append(levels, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return levels, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.ID == "" || len(order.Items) == 0 {
		return nil, fmt.Errorf("%w: order needs an id and items", domain.ErrValidation)
	}

	history, err := json.Marshal(order.History)
	if err != nil {
		return nil, err
	}
	cancellation, err := marshalNullable(order.Cancellation)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, order_number, idempotency_key, customer_name, customer_phone, customer_email, customer_address,
			delivery_method, notes, subtotal, total_discount, shipping_cost, total, status, whatsapp_sent,
			cancellation, history, created_at, updated_at, confirmed_at, completed_at, cancelled_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`, order.ID, order.OrderNumber, nullIfEmpty(order.IdempotencyKey), order.Customer.Name, order.Customer.Phone,
		nullIfEmpty(order.Customer.Email), nullIfEmpty(order.Customer.Address), string(order.DeliveryMethod),
		nullIfEmpty(order.Notes), order.Subtotal, order.TotalDiscount, order.ShippingCost, order.Total,
		string(order.Status), order.WhatsAppSent, cancellation, history, order.CreatedAt, order.UpdatedAt,
		nullTime(order.ConfirmedAt), nullTime(order.CompletedAt), nullTime(order.CancelledAt))
	if err != nil {
		if constraintViolated(err, "orders_idempotency_key_uniq") {
			return nil, store.ErrDuplicateIdempotencyKey
		}
		return nil, err
	}

	for i, item := range order.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, variant_id, sku, name, quantity, base_price, unit_price, subtotal, discount)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, order.ID, i, item.VariantID, item.SKU, item.Name, item.Quantity, item.BasePrice, item.UnitPrice,
			item.Subtotal, nullIfEmpty(item.Discount)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, order.ID)
}

const orderColumns = `
	id, order_number, COALESCE(idempotency_key, ''), customer_name, customer_phone,
	COALESCE(customer_email, ''), COALESCE(customer_address, ''), delivery_method, COALESCE(notes, ''),
	subtotal, total_discount, shipping_cost, total, status, whatsapp_sent, cancellation, history,
	created_at, updated_at, confirmed_at, completed_at, cancelled_at`

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.findOrder(ctx, "id", id)
}

func (s *Store) FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error) {
	return s.findOrder(ctx, "idempotency_key", key)
}

func (s *Store) findOrder(ctx context.Context, column string, value string) (*domain.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+column+` = $1`, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", value, store.ErrNotFound)
		}
		return nil, err
	}

	items, err := s.orderItems(ctx, []string{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = items[order.ID]
	return &order, nil
}

func (s *Store) UpdateOrder(ctx context.Context, order domain.Order, expected domain.OrderStatus) (*domain.Order, error) {
	history, err := json.Marshal(order.History)
	if err != nil {
		return nil, err
	}
	cancellation, err := marshalNullable(order.Cancellation)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, cancellation = $3, history = $4, updated_at = $5,
			confirmed_at = $6, completed_at = $7, cancelled_at = $8
		WHERE id = $1 AND status = $9
	`, order.ID, string(order.Status), cancellation, history,
		order.UpdatedAt, nullTime(order.ConfirmedAt), nullTime(order.CompletedAt), nullTime(order.CancelledAt),
		string(expected))
	if err != nil {
		return nil, classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		current, err := s.GetOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: order %s is %s, expected %s", domain.ErrConcurrencyConflict, order.ID, current.Status, expected)
	}
	return s.GetOrder(ctx, order.ID)
}

func (s *Store) MarkWhatsAppSent(ctx context.Context, id string, at time.Time) (*domain.Order, error) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET whatsapp_sent = true, updated_at = $2
		WHERE id = $1 AND NOT whatsapp_sent
	`, id, at); err != nil {
		return nil, classify(err)
	}
	return s.GetOrder(ctx, id)
}

func (s *Store) ListOrders(ctx context.Context, filter domain.OrderFilter) (domain.OrderPage, error) {
	page, limit, offset := store.Page(filter.Page, filter.Limit)

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM orders WHERE ($1 = '' OR status = $1)
	`, string(filter.Status)).Scan(&total); err != nil {
		return domain.OrderPage{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, string(filter.Status), limit, offset)
	if err != nil {
		return domain.OrderPage{}, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return domain.OrderPage{}, err
		}
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return domain.OrderPage{}, err
	}

	items, err := s.orderItems(ctx, ids)
	if err != nil {
		return domain.OrderPage{}, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}

	return domain.OrderPage{Orders: orders, Total: total, Page: page, Limit: limit}, nil
}

func (s *Store) orderItems(ctx context.Context, orderIDs []string) (map[string][]domain.OrderItem, error) {
	result := make(map[string][]domain.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, variant_id, sku, name, quantity, base_price, unit_price, subtotal, COALESCE(discount, '')
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var orderID string
		var item domain.OrderItem
		if err := rows.Scan(&orderID, &item.VariantID, &item.SKU, &item.Name, &item.Quantity, &item.BasePrice,
			&item.UnitPrice, &item.Subtotal, &item.Discount); err != nil {
			return nil, err
		}
		result[orderID] = append(result[orderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVariant(row rowScanner) (domain.Variant, error) {
	var v domain.Variant
	var fixed, tiers []byte
	if err := row.Scan(&v.ID, &v.ParentID, &v.SKU, &v.Name, &v.BasePrice, &fixed, &tiers, &v.LowStockThreshold, &v.Active); err != nil {
		return domain.Variant{}, err
	}
	if len(fixed) > 0 && string(fixed) != "null" {
		v.FixedDiscount = &domain.FixedDiscount{}
		if err := json.Unmarshal(fixed, v.FixedDiscount); err != nil {
			return domain.Variant{}, fmt.Errorf("variant %s fixed discount: %w", v.ID, err)
		}
	}
	if err := json.Unmarshal(tiers, &v.TieredDiscount); err != nil {
		return domain.Variant{}, fmt.Errorf("variant %s tiers: %w", v.ID, err)
	}
	return v, nil
}

const movementColumns = `
	id, variant_id, COALESCE(order_id, ''), type, quantity_delta, previous_stock, new_stock,
	COALESCE(reason, ''), COALESCE(notes, ''), COALESCE(actor, ''), COALESCE(cost_cents, 0),
	COALESCE(supplier, ''), COALESCE(invoice_number, ''), created_at`

func scanMovement(row rowScanner) (domain.StockMovement, error) {
	var m domain.StockMovement
	var movementType string
	err := row.Scan(&m.ID, &m.VariantID, &m.OrderID, &movementType, &m.QuantityDelta, &m.PreviousStock, &m.NewStock,
		&m.Reason, &m.Notes, &m.Actor, &m.CostCents, &m.Supplier, &m.InvoiceNumber, &m.CreatedAt)
	if err != nil {
		return domain.StockMovement{}, err
	}
	m.Type = domain.MovementType(movementType)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var deliveryMethod, status string
	var cancellation, history []byte
	var confirmedAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(&o.ID, &o.OrderNumber, &o.IdempotencyKey, &o.Customer.Name, &o.Customer.Phone,
		&o.Customer.Email, &o.Customer.Address, &deliveryMethod, &o.Notes, &o.Subtotal, &o.TotalDiscount,
		&o.ShippingCost, &o.Total, &status, &o.WhatsAppSent, &cancellation, &history,
		&o.CreatedAt, &o.UpdatedAt, &confirmedAt, &completedAt, &cancelledAt)
	if err != nil {
		return domain.Order{}, err
	}
	o.DeliveryMethod = domain.DeliveryMethod(deliveryMethod)
	o.Status = domain.OrderStatus(status)
	if len(cancellation) > 0 && string(cancellation) != "null" {
		o.Cancellation = &domain.Cancellation{}
		if err := json.Unmarshal(cancellation, o.Cancellation); err != nil {
			return domain.Order{}, fmt.Errorf("order %s cancellation: %w", o.ID, err)
		}
	}
	if err := json.Unmarshal(history, &o.History); err != nil {
		return domain.Order{}, fmt.Errorf("order %s history: %w", o.ID, err)
	}
	o.ConfirmedAt = timePtr(confirmedAt)
	o.CompletedAt = timePtr(completedAt)
	o.CancelledAt = timePtr(cancelledAt)
	return o, nil
}

// classify maps retryable postgres failures onto the domain conflict error.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, pgErr.Message)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func constraintViolated(err error, name string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == name
	}
	return false
}

func nonNilTiers(tiers []domain.Tier) []domain.Tier {
	if tiers == nil {
		return []domain.Tier{}
	}
	return tiers
}

func marshalNullable(v *domain.Cancellation) (any, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullIfZero(val int64) any {
	if val == 0 {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}
