package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/matheusmosca/checkout-orchestrator/internal/storage"
)

// Repository define a persistência dos pagamentos
type Repository interface {
	Create(ctx context.Context, p *Payment) error

	// Get devolve PAYMENT_NOT_FOUND quando o id não existe
	Get(ctx context.Context, id string) (*Payment, error)

	// LatestBySession devolve a tentativa mais recente da sessão
	LatestBySession(ctx context.Context, sessionID string) (*Payment, error)

	Update(ctx context.Context, p *Payment) error
}

// MemoryRepository guarda os pagamentos em memória, em ordem de criação
type MemoryRepository struct {
	mu       sync.RWMutex
	payments map[string]Payment
	order    []string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{payments: make(map[string]Payment)}
}

func (r *MemoryRepository) Create(_ context.Context, p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.payments[p.ID]; ok {
		return fmt.Errorf("payment %s already exists", p.ID)
	}
	r.payments[p.ID] = *p
	r.order = append(r.order, p.ID)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.payments[id]
	if !ok {
		return nil, notFound(id)
	}
	return &p, nil
}

func (r *MemoryRepository) LatestBySession(_ context.Context, sessionID string) (*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.order) - 1; i >= 0; i-- {
		if p := r.payments[r.order[i]]; p.SessionID == sessionID {
			return &p, nil
		}
	}
	return nil, notFound("for checkout " + sessionID)
}

func (r *MemoryRepository) Update(_ context.Context, p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.payments[p.ID]; !ok {
		return notFound(p.ID)
	}
	r.payments[p.ID] = *p
	return nil
}

// PostgresRepository implementa Repository na tabela payment
type PostgresRepository struct {
	db storage.Querier
}

func NewPostgresRepository(db storage.Querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectPayment = `
	SELECT id::text, session_id::text, status, pg_provider, method, requested_amount, approved_amount,
	       refunded_amount, gateway_txn_ref, created_at, processing_at, approved_at, failed_at,
	       cancelled_at, refunded_at, updated_at
	FROM payment`

func (r *PostgresRepository) Create(ctx context.Context, p *Payment) error {
	_, err := storage.Conn(ctx, r.db).Exec(ctx, `
		INSERT INTO payment (id, session_id, status, pg_provider, method, requested_amount,
		                     refunded_amount, created_at, processing_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.SessionID, p.Status, p.PgProvider, p.Method, p.RequestedAmount,
		p.RefundedAmount, p.CreatedAt, p.ProcessingAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Payment, error) {
	p, err := scanPayment(storage.Conn(ctx, r.db).QueryRow(ctx, selectPayment+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	return p, err
}

func (r *PostgresRepository) LatestBySession(ctx context.Context, sessionID string) (*Payment, error) {
	p, err := scanPayment(storage.Conn(ctx, r.db).QueryRow(ctx,
		selectPayment+` WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("for checkout " + sessionID)
	}
	return p, err
}

func (r *PostgresRepository) Update(ctx context.Context, p *Payment) error {
	tag, err := storage.Conn(ctx, r.db).Exec(ctx, `
		UPDATE payment
		SET status = $2, approved_amount = $3, refunded_amount = $4, gateway_txn_ref = $5,
		    processing_at = $6, approved_at = $7, failed_at = $8, cancelled_at = $9,
		    refunded_at = $10, updated_at = $11
		WHERE id = $1
	`, p.ID, p.Status, p.ApprovedAmount, p.RefundedAmount, p.GatewayTxnRef,
		p.ProcessingAt, p.ApprovedAt, p.FailedAt, p.CancelledAt, p.RefundedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(p.ID)
	}
	return nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.SessionID, &p.Status, &p.PgProvider, &p.Method, &p.RequestedAmount,
		&p.ApprovedAmount, &p.RefundedAmount, &p.GatewayTxnRef, &p.CreatedAt, &p.ProcessingAt,
		&p.ApprovedAt, &p.FailedAt, &p.CancelledAt, &p.RefundedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	return &p, nil
}
