package cart

import (
	"context"
	"time"
)

// Item é uma linha do carrinho do comprador; DeletedAt marca o soft-delete
type Item struct {
	BuyerID   string     `json:"buyer_id" db:"buyer_id"`
	SkuID     int64      `json:"sku_id" db:"sku_id"`
	Quantity  int        `json:"quantity" db:"quantity"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

func (i *Item) Deleted() bool {
	return i.DeletedAt != nil
}

// Store é a porta do carrinho consumida pelo core
type Store interface {
	// SoftDelete marca as linhas como removidas; linhas ausentes são ignoradas
	SoftDelete(ctx context.Context, buyerID string, skuIDs []int64) error
	// Restore desmarca as linhas e devolve quantas voltaram ao carrinho
	Restore(ctx context.Context, buyerID string, skuIDs []int64) (int, error)
	// Items lista as linhas visíveis do comprador
	Items(ctx context.Context, buyerID string) ([]Item, error)
}

// RestoreRequest é o corpo do comando de restauração enviado a um serviço de carrinho remoto
type RestoreRequest struct {
	BuyerID string  `json:"buyer_id" binding:"required"`
	SkuIDs  []int64 `json:"sku_ids" binding:"required,min=1"`
	TraceID string  `json:"trace_id,omitempty"`
}
