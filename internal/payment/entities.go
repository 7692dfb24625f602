package payment

import (
	"time"

	"github.com/matheusmosca/checkout-orchestrator/internal/apperr"
	"github.com/matheusmosca/checkout-orchestrator/internal/money"
)

// Status representa os estados de um pagamento
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusProcessing Status = "PROCESSING"
	StatusApproved   Status = "APPROVED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusRefunded   Status = "REFUNDED"
)

// InFlight indica um pagamento que ainda aguarda o gateway
func (s Status) InFlight() bool {
	return s == StatusCreated || s == StatusProcessing
}

// Payment representa o pagamento de uma sessão de checkout
type Payment struct {
	ID              string       `json:"id" db:"id"`
	SessionID       string       `json:"session_id" db:"session_id"`
	Status          Status       `json:"status" db:"status"`
	PgProvider      string       `json:"pg_provider" db:"pg_provider"`
	Method          string       `json:"method" db:"method"`
	RequestedAmount money.Money  `json:"requested_amount" db:"requested_amount"`
	ApprovedAmount  *money.Money `json:"approved_amount,omitempty" db:"approved_amount"`
	RefundedAmount  money.Money  `json:"refunded_amount" db:"refunded_amount"`
	GatewayTxnRef   *string      `json:"gateway_txn_ref,omitempty" db:"gateway_txn_ref"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	ProcessingAt    *time.Time   `json:"processing_at,omitempty" db:"processing_at"`
	ApprovedAt      *time.Time   `json:"approved_at,omitempty" db:"approved_at"`
	FailedAt        *time.Time   `json:"failed_at,omitempty" db:"failed_at"`
	CancelledAt     *time.Time   `json:"cancelled_at,omitempty" db:"cancelled_at"`
	RefundedAt      *time.Time   `json:"refunded_at,omitempty" db:"refunded_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
}

// NewPayment cria um pagamento em CREATED
func NewPayment(id, sessionID, pgProvider, method string, amount money.Money, now time.Time) *Payment {
	return &Payment{
		ID:              id,
		SessionID:       sessionID,
		Status:          StatusCreated,
		PgProvider:      pgProvider,
		Method:          method,
		RequestedAmount: amount,
		RefundedAmount:  money.Zero(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (p *Payment) StartProcessing(now time.Time) error {
	if p.Status != StatusCreated {
		return apperr.Conflict(apperr.CodePaymentNotApprovable, "payment %s cannot start processing from %s", p.ID, p.Status)
	}
	p.Status = StatusProcessing
	p.ProcessingAt = &now
	p.UpdatedAt = now
	return nil
}

// Approve registra a aprovação do gateway; o valor aprovado precisa ser o valor pedido
func (p *Payment) Approve(txnRef string, amount money.Money, now time.Time) error {
	if p.Status != StatusProcessing {
		return apperr.Conflict(apperr.CodePaymentNotApprovable, "payment %s cannot be approved from %s", p.ID, p.Status).
			With("status", p.Status)
	}
	if !amount.Equal(p.RequestedAmount) {
		return moneyMismatch(p.RequestedAmount, amount)
	}
	p.Status = StatusApproved
	p.ApprovedAmount = &amount
	p.GatewayTxnRef = &txnRef
	p.ApprovedAt = &now
	p.UpdatedAt = now
	return nil
}

// Fail é idempotente sobre um pagamento já FAILED
func (p *Payment) Fail(now time.Time) error {
	if p.Status == StatusFailed {
		return nil
	}
	if !p.Status.InFlight() {
		return apperr.Conflict(apperr.CodePaymentNotFailable, "payment %s cannot fail from %s", p.ID, p.Status).
			With("status", p.Status)
	}
	p.Status = StatusFailed
	p.FailedAt = &now
	p.UpdatedAt = now
	return nil
}

func (p *Payment) Cancel(now time.Time) error {
	if p.Status != StatusApproved {
		return apperr.Conflict(apperr.CodePaymentNotCancellable, "payment %s cannot be cancelled from %s", p.ID, p.Status).
			With("status", p.Status)
	}
	p.Status = StatusCancelled
	p.CancelledAt = &now
	p.UpdatedAt = now
	return nil
}

// RefundableAmount é o que ainda pode ser estornado
func (p *Payment) RefundableAmount() money.Money {
	if p.ApprovedAmount == nil {
		return money.Zero()
	}
	left, err := p.ApprovedAmount.Sub(p.RefundedAmount)
	if err != nil {
		return money.Zero()
	}
	return left
}

// Refund acumula estornos; o pagamento vira REFUNDED quando o total aprovado foi devolvido
func (p *Payment) Refund(amount money.Money, now time.Time) error {
	if p.Status != StatusApproved && p.Status != StatusCancelled {
		return apperr.Conflict(apperr.CodePaymentNotRefundable, "payment %s cannot be refunded from %s", p.ID, p.Status).
			With("status", p.Status)
	}
	if !amount.IsPositive() {
		return apperr.Validation(apperr.CodeInvalidCheckoutMoney, "refund amount must be positive, got %s", amount)
	}
	refundable := p.RefundableAmount()
	if amount.GreaterThan(refundable) {
		return apperr.Conflict(apperr.CodeRefundAmountExceeded, "refund %s exceeds refundable amount %s", amount, refundable).
			With("requested", amount.String()).
			With("refundable", refundable.String())
	}

	p.RefundedAmount = p.RefundedAmount.Add(amount)
	if p.RefundableAmount().IsZero() {
		p.Status = StatusRefunded
	}
	p.RefundedAt = &now
	p.UpdatedAt = now
	return nil
}

func moneyMismatch(expected, actual money.Money) *apperr.Error {
	return apperr.Validation(apperr.CodeInvalidCheckoutMoney, "approved amount %s does not match checkout total %s", actual, expected).
		With("expected", expected.String()).
		With("actual", actual.String())
}

func notFound(id string) *apperr.Error {
	return apperr.NotFound(apperr.CodePaymentNotFound, "payment %s not found", id)
}
