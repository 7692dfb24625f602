package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matheusmosca/checkout-orchestrator/internal/storage"
)

// ErrSessionClosed indica uma escrita sobre sessão já terminal
var ErrSessionClosed = errors.New("checkout session is not open for update")

// Repository define a persistência das sessões de checkout
type Repository interface {
	// Create grava a sessão e suas linhas
	Create(ctx context.Context, session *Session) error

	// Get busca a sessão com as linhas; devolve CHECKOUT_NOT_FOUND quando não existe
	Get(ctx context.Context, id string) (*Session, error)

	// Update grava status e timestamps
	Update(ctx context.Context, session *Session) error

	// ListExpirable lista sessões abertas cujo expires_at já passou
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// MemoryRepository guarda cópias das sessões em memória
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]Session)}
}

func (r *MemoryRepository) Create(_ context.Context, session *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; ok {
		return fmt.Errorf("checkout %s already exists", session.ID)
	}
	r.sessions[session.ID] = clone(session)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	cp := clone(&s)
	return &cp, nil
}

func (r *MemoryRepository) Update(_ context.Context, session *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[session.ID]
	if !ok {
		return notFound(session.ID)
	}
	if !current.Status.Open() {
		return fmt.Errorf("checkout %s: %w", session.ID, ErrSessionClosed)
	}
	r.sessions[session.ID] = clone(session)
	return nil
}

func (r *MemoryRepository) ListExpirable(_ context.Context, now time.Time, limit int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []Session
	for _, s := range r.sessions {
		if s.Status.Open() && s.PastExpiry(now) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })

	ids := make([]string, 0, len(due))
	for i, s := range due {
		if limit > 0 && i >= limit {
			break
		}
		ids = append(ids, s.ID)
	}
	return ids, nil
}

func clone(s *Session) Session {
	cp := *s
	cp.Items = append([]Item(nil), s.Items...)
	return cp
}

// PostgresRepository implementa Repository sobre checkout_session e checkout_item
type PostgresRepository struct {
	db storage.Querier
	tx   storage.Transactor
}

func NewPostgresRepository(db storage.Querier, tx storage.Transactor) *PostgresRepository {
	return &PostgresRepository{db: db, tx: tx}
}

func (r *PostgresRepository) Create(ctx context.Context, s *Session) error {
	address, err := json.Marshal(s.ShippingAddress)
	if err != nil {
		return fmt.Errorf("failed to marshal shipping address: %w", err)
	}

	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		db := storage.Conn(ctx, r.db)
		_, err := db.Exec(ctx, `
			INSERT INTO checkout_session (id, buyer_id, idempotency_key, status, shipping_address, total_amount, created_at, expires_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, s.ID, s.BuyerID, s.IdempotencyKey, s.Status, address, s.Total, s.CreatedAt, s.ExpiresAt, s.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert checkout session: %w", err)
		}

		batch := &pgx.Batch{}
		for _, item := range s.Items {
			batch.Queue(`
				INSERT INTO checkout_item (session_id, line_no, sku_id, quantity, unit_price)
				VALUES ($1, $2, $3, $4, $5)
			`, s.ID, item.LineNo, item.SkuID, item.Quantity, item.UnitPrice)
		}
		if err := db.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert checkout items: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Session, error) {
	db := storage.Conn(ctx, r.db)

	var (
		s       Session
		address []byte
	)
	err := db.QueryRow(ctx, `
		SELECT id::text, buyer_id, idempotency_key, status, shipping_address, total_amount,
		       created_at, expires_at, completed_at, expired_at, updated_at
		FROM checkout_session WHERE id = $1
	`, id).Scan(&s.ID, &s.BuyerID, &s.IdempotencyKey, &s.Status, &address, &s.Total,
		&s.CreatedAt, &s.ExpiresAt, &s.CompletedAt, &s.ExpiredAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("failed to get checkout session: %w", err)
	}
	if err := json.Unmarshal(address, &s.ShippingAddress); err != nil {
		return nil, fmt.Errorf("failed to decode shipping address: %w", err)
	}

	rows, err := db.Query(ctx, `
		SELECT line_no, sku_id, quantity, unit_price
		FROM checkout_item WHERE session_id = $1
		ORDER BY line_no
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkout items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.LineNo, &item.SkuID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan checkout item: %w", err)
		}
		s.Items = append(s.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checkout items: %w", err)
	}
	return &s, nil
}

// Update só grava sobre uma sessão aberta, assim uma sessão terminal nunca muda
func (r *PostgresRepository) Update(ctx context.Context, s *Session) error {
	tag, err := storage.Conn(ctx, r.db).Exec(ctx, `
		UPDATE checkout_session
		SET status = $2, completed_at = $3, expired_at = $4, updated_at = $5
		WHERE id = $1 AND status IN ('PENDING', 'PROCESSING')
	`, s.ID, s.Status, s.CompletedAt, s.ExpiredAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update checkout session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("checkout %s: %w", s.ID, ErrSessionClosed)
	}
	return nil
}

func (r *PostgresRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := storage.Conn(ctx, r.db).Query(ctx, `
		SELECT id::text FROM checkout_session
		WHERE status IN ('PENDING', 'PROCESSING') AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expirable checkouts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan checkout id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
