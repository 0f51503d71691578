package store

import (
	"context"
	"errors"
	"time"

	"confi/backend/internal/domain"
)

var (
	ErrNotFound = domain.ErrNotFound
	// ErrDuplicateIdempotencyKey is returned by CreateOrder when another
	// order already claimed the same idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Catalog is the read-only view of products the pricing code depends on.
type Catalog interface {
	GetVariantsByIDs(ctx context.Context, ids []string) (map[string]domain.Variant, error)
	GetParentsByIDs(ctx context.Context, ids []string) (map[string]domain.Parent, error)
	ListVariants(ctx context.Context) ([]domain.Variant, error)
}

// MovementInput is a single ledger append. Delta is signed.
type MovementInput struct {
	ID        string
	VariantID string
	OrderID   string
	Type      domain.MovementType
	Delta     int
	Meta      domain.MovementMetadata
	CreatedAt time.Time
}

type LedgerStore interface {
	CurrentStock(ctx context.Context, variantID string) (int, error)
	// ApplyMovement appends the movement and moves the stock counter in one
	// atomic step, failing with an *domain.InsufficientStockError when the
	// counter would go below zero. For order-scoped types an existing
	// movement with the same (order, variant, type) is returned instead,
	// with applied=false.
	ApplyMovement(ctx context.Context, in MovementInput) (movement *domain.StockMovement, applied bool, err error)
	FindMovement(ctx context.Context, orderID string, variantID string, movementType domain.MovementType) (*domain.StockMovement, error)
	ListMovements(ctx context.Context, filter domain.MovementFilter) (domain.MovementPage, error)
	AuditStock(ctx context.Context, variantID string) (domain.StockAudit, error)
	ListStockLevels(ctx context.Context, lowOnly bool) ([]domain.StockLevel, error)
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error)
	// UpdateOrder writes the status fields (status, history, cancellation,
	// timestamps) only if the stored status is still expected; otherwise it
	// fails with domain.ErrConcurrencyConflict. WhatsAppSent and Notes are
	// left as stored.
	UpdateOrder(ctx context.Context, order domain.Order, expected domain.OrderStatus) (*domain.Order, error)
	MarkWhatsAppSent(ctx context.Context, id string, at time.Time) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) (domain.OrderPage, error)
}

type Repository interface {
	Catalog
	LedgerStore
	OrderRepository
}

// Page normalizes 1-based pagination input and returns the row offset.
func Page(page int, limit int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit, (page - 1) * limit
}
