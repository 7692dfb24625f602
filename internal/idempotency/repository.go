package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/matheusmosca/checkout-orchestrator/internal/storage"
)

// PostgresRegistry implementa Registry na tabela idempotency_record
type PostgresRegistry struct {
	db storage.Querier
}

func NewPostgresRegistry(db storage.Querier) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

func (r *PostgresRegistry) Find(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := storage.Conn(ctx, r.db).QueryRow(ctx, `
		SELECT key, buyer_id, fingerprint, session_id::text, created_at, expires_at
		FROM idempotency_record
		WHERE key = $1
	`, key).Scan(&rec.Key, &rec.BuyerID, &rec.Fingerprint, &rec.SessionID, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	return &rec, nil
}

func (r *PostgresRegistry) Save(ctx context.Context, rec *Record) error {
	_, err := storage.Conn(ctx, r.db).Exec(ctx, `
		INSERT INTO idempotency_record (key, buyer_id, fingerprint, session_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key)
		DO UPDATE SET buyer_id = EXCLUDED.buyer_id,
		              fingerprint = EXCLUDED.fingerprint,
		              session_id = EXCLUDED.session_id,
		              created_at = EXCLUDED.created_at,
		              expires_at = EXCLUDED.expires_at
	`, rec.Key, rec.BuyerID, rec.Fingerprint, rec.SessionID, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save idempotency record: %w", err)
	}
	return nil
}
