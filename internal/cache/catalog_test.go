package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confi/backend/internal/domain"
	"confi/backend/internal/store/memory"
)

type mapCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	failGet bool
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, false, errors.New("redis unavailable")
	}
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[string][]byte{}
	}
	m.entries[key] = value
	return nil
}

type countingCatalog struct {
	*memory.Store
	variantLoads int
}

func (c *countingCatalog) GetVariantsByIDs(ctx context.Context, ids []string) (map[string]domain.Variant, error) {
	c.variantLoads++
	return c.Store.GetVariantsByIDs(ctx, ids)
}

func TestCatalogReadsThrough(t *testing.T) {
	src := &countingCatalog{Store: memory.New()}
	src.PutVariant(domain.Variant{
		ID:            "var_a",
		Name:          "Toffee",
		BasePrice:     1200,
		FixedDiscount: &domain.FixedDiscount{Kind: domain.DiscountAmount, Value: 200},
		Active:        true,
	}, 3)
	backend := &mapCache{}
	c := NewCatalog(src, backend, time.Minute, nil)
	ctx := context.Background()

	first, err := c.GetVariantsByIDs(ctx, []string{"var_a", "var_missing"})
	require.NoError(t, err)
	require.Contains(t, first, "var_a")
	assert.NotContains(t, first, "var_missing")

	second, err := c.GetVariantsByIDs(ctx, []string{"var_a"})
	require.NoError(t, err)
	assert.Equal(t, first["var_a"], second["var_a"])
	assert.Equal(t, 1, src.variantLoads)
	assert.Contains(t, backend.entries, "catalog:variant:var_a")
}

func TestCatalogFallsBackWhenCacheFails(t *testing.T) {
	src := &countingCatalog{Store: memory.New()}
	src.PutVariant(domain.Variant{ID: "var_a", BasePrice: 1000, Active: true}, 1)
	c := NewCatalog(src, &mapCache{failGet: true}, time.Minute, nil)

	got, err := c.GetVariantsByIDs(context.Background(), []string{"var_a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got["var_a"].BasePrice)
}
