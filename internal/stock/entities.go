package stock

import (
	"time"

	"github.com/matheusmosca/checkout-orchestrator/internal/apperr"
)

// ReservationStatus representa o estado de uma reserva de estoque
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "HELD"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// Token identifica uma reserva: no máximo uma por (sessão, SKU)
type Token struct {
	SessionID string `json:"session_id"`
	SkuID     int64  `json:"sku_id"`
}

// Reservation representa a retenção de quantidade de um SKU para uma sessão de checkout
type Reservation struct {
	SessionID string            `json:"session_id" db:"session_id"`
	SkuID     int64             `json:"sku_id" db:"sku_id"`
	Quantity  int               `json:"quantity" db:"quantity"`
	Status    ReservationStatus `json:"status" db:"status"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

func (r *Reservation) Token() Token {
	return Token{SessionID: r.SessionID, SkuID: r.SkuID}
}

// Level é a fotografia dos contadores de um SKU
type Level struct {
	SkuID     int64 `json:"sku_id" db:"sku_id"`
	Total     int   `json:"total" db:"total"`
	Held      int   `json:"held" db:"held"`
	Committed int   `json:"committed" db:"committed"`
}

// Available é o que ainda pode ser reservado
func (l Level) Available() int {
	return l.Total - l.Held - l.Committed
}

// Requirement é a quantidade pedida de um SKU
type Requirement struct {
	SkuID    int64 `json:"sku_id"`
	Quantity int   `json:"quantity"`
}

func insufficientStock(skuID int64, requested, available int) *apperr.Error {
	return apperr.Conflict(apperr.CodeInsufficientStock, "insufficient stock for sku %d: requested=%d available=%d", skuID, requested, available).
		With("sku_id", skuID).
		With("requested", requested).
		With("available", available)
}

func reservationNotFound(t Token) *apperr.Error {
	return apperr.NotFound(apperr.CodeReservationNotFound, "reservation not found for session %s sku %d", t.SessionID, t.SkuID)
}

func reservationReleased(t Token) *apperr.Error {
	return apperr.Conflict(apperr.CodeReservationReleased, "reservation for session %s sku %d was already released", t.SessionID, t.SkuID)
}
