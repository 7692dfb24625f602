package stock

import (
	"context"
	"sync"
	"time"

	"github.com/matheusmosca/checkout-orchestrator/internal/apperr"
)

// Ledger é a contabilidade autoritativa de estoque por SKU.
//
// O Ledger não faz exclusão mútua de negócio: Reserve, Commit e Release só
// são válidos enquanto o chamador segura o lock do SKU (lock.StockKey).
// Reserve falha fechado, sem mutação, quando available < qty.
// Commit e Release são idempotentes sobre reservas já resolvidas.
type Ledger interface {
	Reserve(ctx context.Context, sessionID string, skuID int64, qty int) (Token, error)
	Commit(ctx context.Context, token Token) error
	Release(ctx context.Context, token Token) error
	Reservation(ctx context.Context, token Token) (*Reservation, error)
	// Available devolve 0 para SKUs sem estoque cadastrado
	Available(ctx context.Context, skuID int64) (int, error)
	Snapshot(ctx context.Context, skuID int64) (Level, error)
	SetTotal(ctx context.Context, skuID int64, total int) error
}

// MemoryLedger mantém uma arena de contadores por SKU em memória
type MemoryLedger struct {
	// mu protege apenas a estrutura dos maps contra acesso concorrente de SKUs diferentes
	mu           sync.Mutex
	levels       map[int64]*Level
	reservations map[Token]*Reservation
	now          func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		levels:       make(map[int64]*Level),
		reservations: make(map[Token]*Reservation),
		now:          time.Now,
	}
}

func (l *MemoryLedger) Reserve(_ context.Context, sessionID string, skuID int64, qty int) (Token, error) {
	if qty <= 0 {
		return Token{}, apperr.Validation(apperr.CodeInvalidCheckoutItem, "quantity must be positive, got %d", qty)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	token := Token{SessionID: sessionID, SkuID: skuID}
	existing, ok := l.reservations[token]
	if ok && existing.Status != ReservationReleased {
		return token, nil
	}

	level, found := l.levels[skuID]
	if !found {
		return Token{}, insufficientStock(skuID, qty, 0)
	}
	if level.Available() < qty {
		return Token{}, insufficientStock(skuID, qty, level.Available())
	}

	level.Held += qty
	now := l.now()
	if ok {
		existing.Quantity = qty
		existing.Status = ReservationHeld
		existing.UpdatedAt = now
		return token, nil
	}

	l.reservations[token] = &Reservation{
		SessionID: sessionID,
		SkuID:     skuID,
		Quantity:  qty,
		Status:    ReservationHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return token, nil
}

func (l *MemoryLedger) Commit(_ context.Context, token Token) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[token]
	if !ok {
		return reservationNotFound(token)
	}

	switch r.Status {
	case ReservationCommitted:
		return nil
	case ReservationReleased:
		return reservationReleased(token)
	}

	level := l.levels[token.SkuID]
	level.Held -= r.Quantity
	level.Committed += r.Quantity
	r.Status = ReservationCommitted
	r.UpdatedAt = l.now()
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, token Token) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[token]
	if !ok {
		return reservationNotFound(token)
	}
	if r.Status != ReservationHeld {
		return nil
	}

	l.levels[token.SkuID].Held -= r.Quantity
	r.Status = ReservationReleased
	r.UpdatedAt = l.now()
	return nil
}

func (l *MemoryLedger) Reservation(_ context.Context, token Token) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[token]
	if !ok {
		return nil, reservationNotFound(token)
	}
	cp := *r
	return &cp, nil
}

func (l *MemoryLedger) Snapshot(_ context.Context, skuID int64) (Level, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	level, ok := l.levels[skuID]
	if !ok {
		return Level{}, apperr.NotFound(apperr.CodeStockNotFound, "stock not found for sku %d", skuID)
	}
	return *level, nil
}

func (l *MemoryLedger) Available(_ context.Context, skuID int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level, ok := l.levels[skuID]; ok {
		return level.Available(), nil
	}
	return 0, nil
}

// SetTotal define o estoque físico; não pode ficar abaixo do que já está reservado
func (l *MemoryLedger) SetTotal(_ context.Context, skuID int64, total int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	level, ok := l.levels[skuID]
	if !ok {
		level = &Level{SkuID: skuID}
		l.levels[skuID] = level
	}
	if total < 0 || total < level.Held+level.Committed {
		return apperr.Validation(apperr.CodeInvalidRequest, "total %d below reserved quantity %d for sku %d", total, level.Held+level.Committed, skuID)
	}
	level.Total = total
	return nil
}
