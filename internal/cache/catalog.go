package cache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"confi/backend/internal/domain"
	"confi/backend/internal/store"
)

const (
	variantKeyPrefix = "catalog:variant:"
	parentKeyPrefix  = "catalog:parent:"
)

// Catalog is a read-through cache in front of the catalog store. Cache
// failures are logged and served from the source. Only cart previews read
// through it; order creation prices against the source directly.
type Catalog struct {
	source store.Catalog
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCatalog(source store.Catalog, cache Cache, ttl time.Duration, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cache == nil {
		cache = Noop{}
	}
	return &Catalog{source: source, cache: cache, ttl: ttl, logger: logger}
}

func (c *Catalog) GetVariantsByIDs(ctx context.Context, ids []string) (map[string]domain.Variant, error) {
	return readThrough(ctx, c, variantKeyPrefix, ids, c.source.GetVariantsByIDs)
}

func (c *Catalog) GetParentsByIDs(ctx context.Context, ids []string) (map[string]domain.Parent, error) {
	return readThrough(ctx, c, parentKeyPrefix, ids, c.source.GetParentsByIDs)
}

func (c *Catalog) ListVariants(ctx context.Context) ([]domain.Variant, error) {
	return c.source.ListVariants(ctx)
}

func readThrough[T any](
	ctx context.Context,
	c *Catalog,
	prefix string,
	ids []string,
	load func(context.Context, []string) (map[string]T, error),
) (map[string]T, error) {
	result := make(map[string]T, len(ids))
	missing := make([]string, 0, len(ids))

	for _, id := range ids {
		raw, ok, err := c.cache.Get(ctx, prefix+id)
		if err != nil {
			c.logger.Warn("catalog cache get failed", zap.String("key", prefix+id), zap.Error(err))
		}
		if !ok {
			missing = append(missing, id)
			continue
		}
		var value T
		if err := json.Unmarshal(raw, &value); err != nil {
			missing = append(missing, id)
			continue
		}
		result[id] = value
	}

	if len(missing) == 0 {
		return result, nil
	}

	loaded, err := load(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, value := range loaded {
		result[id] = value
		payload, err := json.Marshal(value)
		if err != nil {
			continue
		}
		if err := c.cache.Set(ctx, prefix+id, payload, c.ttl); err != nil {
			c.logger.Warn("catalog cache set failed", zap.String("key", prefix+id), zap.Error(err))
		}
	}
	return result, nil
}
