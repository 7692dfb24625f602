package payment

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/checkout-orchestrator/internal/apperr"
	"github.com/matheusmosca/checkout-orchestrator/internal/money"
	"github.com/matheusmosca/checkout-orchestrator/internal/storage/storagetest"
)

func paymentRow(status string, approved any, txnRef any) storagetest.Row {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	return storagetest.Row{Values: []any{
		"pay-1", "ses-1", status, "toss", "CARD", "30.00", approved,
		"0", txnRef, now, now, nil, nil, nil, nil, now,
	}}
}

func TestPostgresGetScansApprovedPayment(t *testing.T) {
	// Arrange
	db := new(storagetest.MockQuerier)
	repo := NewPostgresRepository(db)
	db.On("QueryRow", storagetest.SQL("FROM payment", "WHERE id = $1"), []any{"pay-1"}).
		Return(paymentRow("APPROVED", money.MustParse("30"), "txn-9"))

	// Act
	p, err := repo.Get(context.Background(), "pay-1")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, p.Status)
	require.NotNil(t, p.ApprovedAmount)
	assert.True(t, p.ApprovedAmount.Equal(p.RequestedAmount))
	require.NotNil(t, p.GatewayTxnRef)
	assert.Equal(t, "txn-9", *p.GatewayTxnRef)
	assert.True(t, p.RefundableAmount().Equal(money.MustParse("30")))
}

func TestPostgresGetUnknownPayment(t *testing.T) {
	db := new(storagetest.MockQuerier)
	repo := NewPostgresRepository(db)
	db.On("QueryRow", mock.Anything, mock.Anything).Return(storagetest.Row{Err: pgx.ErrNoRows})

	_, err := repo.Get(context.Background(), "pay-1")
	assert.True(t, apperr.IsCode(err, apperr.CodePaymentNotFound))

	_, err = repo.LatestBySession(context.Background(), "ses-1")
	assert.True(t, apperr.IsCode(err, apperr.CodePaymentNotFound))
}

func TestPostgresLatestBySessionOrdersByCreation(t *testing.T) {
	db := new(storagetest.MockQuerier)
	repo := NewPostgresRepository(db)
	db.On("QueryRow", storagetest.SQL("WHERE session_id = $1", "ORDER BY created_at DESC LIMIT 1"), []any{"ses-1"}).
		Return(paymentRow("PROCESSING", nil, nil))

	p, err := repo.LatestBySession(context.Background(), "ses-1")

	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, p.Status)
	assert.Nil(t, p.ApprovedAmount)
	assert.Nil(t, p.GatewayTxnRef)
}

func TestPostgresUpdateUnknownPayment(t *testing.T) {
	db := new(storagetest.MockQuerier)
	repo := NewPostgresRepository(db)
	p := NewPayment("pay-1", "ses-1", "toss", "CARD", money.MustParse("30"), time.Now())
	db.On("Exec", storagetest.SQL("UPDATE payment"), mock.Anything).Return(storagetest.Tag(0), nil)

	err := repo.Update(context.Background(), p)

	assert.True(t, apperr.IsCode(err, apperr.CodePaymentNotFound))
}

func TestPostgresCreatePayment(t *testing.T) {
	db := new(storagetest.MockQuerier)
	repo := NewPostgresRepository(db)
	now := time.Now()
	p := NewPayment("pay-1", "ses-1", "toss", "CARD", money.MustParse("30"), now)
	require.NoError(t, p.StartProcessing(now))

	db.On("Exec", storagetest.SQL("INSERT INTO payment"), []any{
		"pay-1", "ses-1", StatusProcessing, "toss", "CARD", p.RequestedAmount,
		p.RefundedAmount, p.CreatedAt, p.ProcessingAt, p.UpdatedAt,
	}).Return(storagetest.Tag(1), nil)

	require.NoError(t, repo.Create(context.Background(), p))
	db.AssertExpectations(t)
}
