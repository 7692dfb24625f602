package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/matheusmosca/checkout-orchestrator/internal/apperr"
	"github.com/matheusmosca/checkout-orchestrator/internal/storage"
)

// PostgresLedger implementa Ledger sobre product_stock e stock_reservation.
// Cada operação roda numa transação própria ou na transação do context.
type PostgresLedger struct {
	db storage.Querier
	tx   storage.Transactor
}

func NewPostgresLedger(db storage.Querier, tx storage.Transactor) *PostgresLedger {
	return &PostgresLedger{db: db, tx: tx}
}

func (r *PostgresLedger) Reserve(ctx context.Context, sessionID string, skuID int64, qty int) (Token, error) {
	if qty <= 0 {
		return Token{}, apperr.Validation(apperr.CodeInvalidCheckoutItem, "quantity must be positive, got %d", qty)
	}
	token := Token{SessionID: sessionID, SkuID: skuID}

	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		db := storage.Conn(ctx, r.db)

		status, _, err := r.reservationForUpdate(ctx, token)
		if err != nil && !apperr.IsCode(err, apperr.CodeReservationNotFound) {
			return err
		}
		if err == nil && status != ReservationReleased {
			return nil
		}

		tag, err := db.Exec(ctx, `
			UPDATE product_stock
			SET held = held + $2, updated_at = NOW()
			WHERE sku_id = $1 AND total - held - committed >= $2
		`, skuID, qty)
		if err != nil {
			return fmt.Errorf("failed to hold stock: %w", err)
		}
		if tag.RowsAffected() == 0 {
			available, err := r.Available(ctx, skuID)
			if err != nil {
				return err
			}
			return insufficientStock(skuID, qty, available)
		}

		_, err = db.Exec(ctx, `
			INSERT INTO stock_reservation (session_id, sku_id, quantity, status)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (session_id, sku_id)
			DO UPDATE SET quantity = EXCLUDED.quantity, status = EXCLUDED.status, updated_at = NOW()
		`, sessionID, skuID, qty, ReservationHeld)
		if err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return Token{}, err
	}
	return token, nil
}

func (r *PostgresLedger) Commit(ctx context.Context, token Token) error {
	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		status, qty, err := r.reservationForUpdate(ctx, token)
		if err != nil {
			return err
		}

		switch status {
		case ReservationCommitted:
			return nil
		case ReservationReleased:
			return reservationReleased(token)
		}

		db := storage.Conn(ctx, r.db)
		if _, err := db.Exec(ctx, `
			UPDATE product_stock
			SET held = held - $2, committed = committed + $2, updated_at = NOW()
			WHERE sku_id = $1
		`, token.SkuID, qty); err != nil {
			return fmt.Errorf("failed to commit stock: %w", err)
		}
		return r.setStatus(ctx, token, ReservationCommitted)
	})
}

func (r *PostgresLedger) Release(ctx context.Context, token Token) error {
	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		status, qty, err := r.reservationForUpdate(ctx, token)
		if err != nil {
			return err
		}
		if status != ReservationHeld {
			return nil
		}

		db := storage.Conn(ctx, r.db)
		if _, err := db.Exec(ctx, `
			UPDATE product_stock
			SET held = held - $2, updated_at = NOW()
			WHERE sku_id = $1
		`, token.SkuID, qty); err != nil {
			return fmt.Errorf("failed to release stock: %w", err)
		}
		return r.setStatus(ctx, token, ReservationReleased)
	})
}

func (r *PostgresLedger) Reservation(ctx context.Context, token Token) (*Reservation, error) {
	var res Reservation
	err := storage.Conn(ctx, r.db).QueryRow(ctx, `
		SELECT session_id::text, sku_id, quantity, status, created_at, updated_at
		FROM stock_reservation
		WHERE session_id = $1 AND sku_id = $2
	`, token.SessionID, token.SkuID).Scan(&res.SessionID, &res.SkuID, &res.Quantity, &res.Status, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, reservationNotFound(token)
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return &res, nil
}

func (r *PostgresLedger) Snapshot(ctx context.Context, skuID int64) (Level, error) {
	var level Level
	err := storage.Conn(ctx, r.db).QueryRow(ctx, `
		SELECT sku_id, total, held, committed FROM product_stock WHERE sku_id = $1
	`, skuID).Scan(&level.SkuID, &level.Total, &level.Held, &level.Committed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Level{}, apperr.NotFound(apperr.CodeStockNotFound, "stock not found for sku %d", skuID)
		}
		return Level{}, fmt.Errorf("failed to get stock level: %w", err)
	}
	return level, nil
}

func (r *PostgresLedger) SetTotal(ctx context.Context, skuID int64, total int) error {
	tag, err := storage.Conn(ctx, r.db).Exec(ctx, `
		INSERT INTO product_stock (sku_id, total)
		VALUES ($1, $2)
		ON CONFLICT (sku_id)
		DO UPDATE SET total = EXCLUDED.total, updated_at = NOW()
		WHERE product_stock.held + product_stock.committed <= EXCLUDED.total
	`, skuID, total)
	if err != nil {
		return fmt.Errorf("failed to set stock total: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Validation(apperr.CodeInvalidRequest, "total %d below reserved quantity for sku %d", total, skuID)
	}
	return nil
}

// reservationForUpdate trava a linha da reserva até o fim da transação
func (r *PostgresLedger) reservationForUpdate(ctx context.Context, token Token) (ReservationStatus, int, error) {
	var (
		status ReservationStatus
		qty    int
	)
	err := storage.Conn(ctx, r.db).QueryRow(ctx, `
		SELECT status, quantity
		FROM stock_reservation
		WHERE session_id = $1 AND sku_id = $2
		FOR UPDATE
	`, token.SessionID, token.SkuID).Scan(&status, &qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, reservationNotFound(token)
		}
		return "", 0, fmt.Errorf("failed to get reservation with lock: %w", err)
	}
	return status, qty, nil
}

func (r *PostgresLedger) setStatus(ctx context.Context, token Token, status ReservationStatus) error {
	_, err := storage.Conn(ctx, r.db).Exec(ctx, `
		UPDATE stock_reservation
		SET status = $3, updated_at = NOW()
		WHERE session_id = $1 AND sku_id = $2
	`, token.SessionID, token.SkuID, status)
	if err != nil {
		return fmt.Errorf("failed to update reservation status: %w", err)
	}
	return nil
}

func (r *PostgresLedger) Available(ctx context.Context, skuID int64) (int, error) {
	level, err := r.Snapshot(ctx, skuID)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeStockNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return level.Available(), nil
}
