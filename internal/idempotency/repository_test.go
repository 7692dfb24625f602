package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/checkout-orchestrator/internal/storage/storagetest"
)

func TestPostgresFindMissingKey(t *testing.T) {
	db := new(storagetest.MockQuerier)
	reg := NewPostgresRegistry(db)
	db.On("QueryRow", storagetest.SQL("FROM idempotency_record"), []any{"K"}).Return(storagetest.Row{Err: pgx.ErrNoRows})

	rec, err := reg.Find(context.Background(), "K")

	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPostgresFindExistingKey(t *testing.T) {
	db := new(storagetest.MockQuerier)
	reg := NewPostgresRegistry(db)
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	db.On("QueryRow", mock.Anything, []any{"K"}).Return(storagetest.Row{Values: []any{
		"K", "buyer-1", "fp", "s-1", now, now.Add(time.Hour),
	}})

	rec, err := reg.Find(context.Background(), "K")

	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "s-1", rec.SessionID)
	assert.True(t, rec.Matches("buyer-1", "fp"))
	assert.False(t, rec.Expired(now))
}

func TestPostgresSaveOverwritesPreviousRecord(t *testing.T) {
	db := new(storagetest.MockQuerier)
	reg := NewPostgresRegistry(db)
	rec := NewRecord("K", "buyer-1", "fp-2", "s-2", time.Now(), time.Hour)

	db.On("Exec", storagetest.SQL("INSERT INTO idempotency_record", "ON CONFLICT (key)", "session_id = EXCLUDED.session_id"),
		[]any{"K", "buyer-1", "fp-2", "s-2", rec.CreatedAt, rec.ExpiresAt}).Return(storagetest.Tag(1), nil)

	require.NoError(t, reg.Save(context.Background(), rec))
	db.AssertExpectations(t)
}
