package cart

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matheusmosca/checkout-orchestrator/internal/storage"
)

type itemKey struct {
	buyerID string
	skuID   int64
}

// MemoryStore mantém o carrinho em memória
type MemoryStore struct {
	mu    sync.Mutex
	items map[itemKey]*Item
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[itemKey]*Item), now: time.Now}
}

// Put adiciona ou substitui uma linha visível
func (s *MemoryStore) Put(buyerID string, skuID int64, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[itemKey{buyerID, skuID}] = &Item{BuyerID: buyerID, SkuID: skuID, Quantity: qty}
}

func (s *MemoryStore) SoftDelete(_ context.Context, buyerID string, skuIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range skuIDs {
		if it, ok := s.items[itemKey{buyerID, id}]; ok && it.DeletedAt == nil {
			it.DeletedAt = &now
		}
	}
	return nil
}

func (s *MemoryStore) Restore(_ context.Context, buyerID string, skuIDs []int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, id := range skuIDs {
		if it, ok := s.items[itemKey{buyerID, id}]; ok && it.DeletedAt != nil {
			it.DeletedAt = nil
			restored++
		}
	}
	return restored, nil
}

func (s *MemoryStore) Items(_ context.Context, buyerID string) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Item
	for k, it := range s.items {
		if k.buyerID == buyerID && it.DeletedAt == nil {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SkuID < out[j].SkuID })
	return out, nil
}

// PostgresStore implementa Store sobre a tabela cart_item
type PostgresStore struct {
	db storage.Querier
}

func NewPostgresStore(db storage.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) SoftDelete(ctx context.Context, buyerID string, skuIDs []int64) error {
	_, err := storage.Conn(ctx, s.db).Exec(ctx, `
		UPDATE cart_item
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE buyer_id = $1 AND sku_id = ANY($2) AND deleted_at IS NULL
	`, buyerID, skuIDs)
	if err != nil {
		return fmt.Errorf("failed to soft-delete cart items: %w", err)
	}
	return nil
}

func (s *PostgresStore) Restore(ctx context.Context, buyerID string, skuIDs []int64) (int, error) {
	tag, err := storage.Conn(ctx, s.db).Exec(ctx, `
		UPDATE cart_item
		SET deleted_at = NULL, updated_at = NOW()
		WHERE buyer_id = $1 AND sku_id = ANY($2) AND deleted_at IS NOT NULL
	`, buyerID, skuIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to restore cart items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Items(ctx context.Context, buyerID string) ([]Item, error) {
	rows, err := storage.Conn(ctx, s.db).Query(ctx, `
		SELECT buyer_id, sku_id, quantity
		FROM cart_item
		WHERE buyer_id = $1 AND deleted_at IS NULL
		ORDER BY sku_id
	`, buyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cart items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.BuyerID, &it.SkuID, &it.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan cart item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
