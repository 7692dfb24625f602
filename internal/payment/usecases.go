package payment

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matheusmosca/checkout-orchestrator/internal/apperr"
	"github.com/matheusmosca/checkout-orchestrator/internal/checkout"
	"github.com/matheusmosca/checkout-orchestrator/internal/events"
	"github.com/matheusmosca/checkout-orchestrator/internal/money"
	"github.com/matheusmosca/checkout-orchestrator/internal/telemetry"
)

// CartCompensator é a parte do coordenador de compensação usada pelo orquestrador
type CartCompensator interface {
	RemoveCartItems(ctx context.Context, buyerID string, skuIDs []int64) error
	RestoreCartItems(ctx context.Context, buyerID string, skuIDs []int64) error
}

// ProcessRequest inicia uma tentativa de pagamento
type ProcessRequest struct {
	PgProvider string `json:"pg_provider"`
	Method     string `json:"method"`
}

func (r ProcessRequest) Validate() error {
	if strings.TrimSpace(r.PgProvider) == "" || strings.TrimSpace(r.Method) == "" {
		return apperr.Validation(apperr.CodeInvalidRequest, "pg_provider and method are required")
	}
	return nil
}

// Orchestrator conduz o pagamento de uma sessão e dispara a compensação em caso de falha.
// Toda mutação roda sob o lock checkout:{sessionID} da sessão dona do pagamento.
type Orchestrator struct {
	checkouts *checkout.Service
	payments  Repository
	cart      CartCompensator
	publisher events.Publisher
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

func NewOrchestrator(
	checkouts *checkout.Service,
	payments Repository,
	cart CartCompensator,
	publisher events.Publisher,
	metrics *telemetry.Metrics,
) *Orchestrator {
	return &Orchestrator{
		checkouts: checkouts,
		payments:  payments,
		cart:      cart,
		publisher: publisher,
		metrics:   metrics,
		tracer:    otel.Tracer("payment-orchestrator"),
		now:       checkouts.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// ProcessCheckout leva a sessão a PROCESSING e abre um pagamento em PROCESSING.
// As linhas saem do carrinho na mesma transação.
func (o *Orchestrator) ProcessCheckout(ctx context.Context, sessionID string, req ProcessRequest) (*Payment, error) {
	ctx, span := o.tracer.Start(ctx, "payment.process_checkout")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	var p *Payment
	err := o.checkouts.WithSession(ctx, sessionID, func(ctx context.Context, session *checkout.Session) error {
		if !session.Total.IsPositive() {
			return apperr.Validation(apperr.CodeInvalidCheckoutMoney, "checkout %s total must be positive to open a payment, got %s", session.ID, session.Total)
		}
		now := o.now()
		p = NewPayment(o.newID(), session.ID, req.PgProvider, req.Method, session.Total, now)

		return o.checkouts.BeginProcessing(ctx, session, func(ctx context.Context) error {
			if err := p.StartProcessing(now); err != nil {
				return err
			}
			if err := o.payments.Create(ctx, p); err != nil {
				return err
			}
			return o.cart.RemoveCartItems(ctx, session.BuyerID, session.SkuIDs())
		})
	})
	if err != nil {
		span.RecordError(err)
		log.Printf("❌ [PROCESS CHECKOUT] SessionID=%s: %v", sessionID, err)
		return nil, err
	}

	o.metrics.Transition(ctx, "payment", string(StatusCreated), string(StatusProcessing))
	span.SetAttributes(attribute.String("payment_id", p.ID))
	log.Printf("✅ [PROCESS CHECKOUT] SessionID=%s PaymentID=%s Amount=%s", sessionID, p.ID, p.RequestedAmount)
	return p, nil
}

// ApprovePayment aplica a aprovação do gateway: confirma o estoque, completa a
// sessão e aprova o pagamento juntos. Um callback repetido devolve o resultado já aprovado.
func (o *Orchestrator) ApprovePayment(ctx context.Context, sessionID, txnRef string, amount money.Money) (*Payment, error) {
	ctx, span := o.tracer.Start(ctx, "payment.approve")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("gateway_txn_ref", txnRef),
		attribute.String("amount", amount.String()),
	)

	if strings.TrimSpace(txnRef) == "" {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "gateway transaction reference is required")
	}

	var (
		p      *Payment
		replay bool
	)
	err := o.checkouts.WithSession(ctx, sessionID, func(ctx context.Context, session *checkout.Session) error {
		latest, err := o.payments.LatestBySession(ctx, session.ID)
		if err != nil && !apperr.IsCode(err, apperr.CodePaymentNotFound) {
			return err
		}

		if session.Status == checkout.StatusCompleted && latest != nil && latest.ApprovedAmount != nil {
			p, replay = latest, true
			return nil
		}
		if session.Status == checkout.StatusExpired {
			return apperr.Conflict(apperr.CodeCheckoutExpired, "checkout %s expired before the approval arrived", session.ID).
				With("status", session.Status)
		}
		if session.Status != checkout.StatusProcessing {
			return apperr.Conflict(apperr.CodeCheckoutNotCompletable, "checkout %s is %s, not PROCESSING", session.ID, session.Status).
				With("status", session.Status)
		}
		if !amount.Equal(session.Total) {
			return moneyMismatch(session.Total, amount)
		}
		if latest == nil {
			return err
		}

		p = latest
		return o.checkouts.Complete(ctx, session, func(ctx context.Context) error {
			if err := p.Approve(txnRef, amount, o.now()); err != nil {
				return err
			}
			return o.payments.Update(ctx, p)
		})
	})
	if err != nil {
		span.RecordError(err)
		log.Printf("❌ [APPROVE PAYMENT] SessionID=%s: %v", sessionID, err)
		return nil, err
	}

	span.SetAttributes(attribute.Bool("replay", replay))
	if replay {
		log.Printf("🔁 [APPROVE PAYMENT] Duplicate callback SessionID=%s PaymentID=%s", sessionID, p.ID)
		return p, nil
	}

	o.metrics.Transition(ctx, "payment", string(StatusProcessing), string(StatusApproved))
	events.Notify(ctx, o.publisher, events.New(events.PaymentApproved, p.ID, p))
	log.Printf("✅ [APPROVE PAYMENT] SessionID=%s PaymentID=%s TxnRef=%s", sessionID, p.ID, txnRef)
	return p, nil
}

// FailPayment restaura o carrinho, marca o pagamento como FAILED e devolve a
// sessão a PENDING liberando o estoque. Um callback repetido não faz nada.
func (o *Orchestrator) FailPayment(ctx context.Context, sessionID string) (*Payment, error) {
	ctx, span := o.tracer.Start(ctx, "payment.fail")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	var (
		p      *Payment
		replay bool
	)
	err := o.checkouts.WithSession(ctx, sessionID, func(ctx context.Context, session *checkout.Session) error {
		latest, err := o.payments.LatestBySession(ctx, session.ID)
		if err != nil {
			return err
		}
		p = latest

		if p.Status == StatusFailed {
			replay = true
			return nil
		}
		if !p.Status.InFlight() || session.Status != checkout.StatusProcessing {
			return apperr.Conflict(apperr.CodePaymentNotFailable, "payment %s is %s and checkout %s is %s", p.ID, p.Status, session.ID, session.Status).
				With("payment_status", p.Status).
				With("checkout_status", session.Status)
		}

		return o.checkouts.RevertToPending(ctx, session, func(ctx context.Context) error {
			return o.compensate(ctx, session, p)
		})
	})
	if err != nil {
		span.RecordError(err)
		log.Printf("❌ [FAIL PAYMENT] SessionID=%s: %v", sessionID, err)
		return nil, err
	}

	if replay {
		log.Printf("🔁 [FAIL PAYMENT] Duplicate callback SessionID=%s PaymentID=%s", sessionID, p.ID)
		return p, nil
	}

	events.Notify(ctx, o.publisher, events.New(events.PaymentFailed, p.ID, p))
	log.Printf("♻️  [FAIL PAYMENT] SessionID=%s PaymentID=%s compensated", sessionID, p.ID)
	return p, nil
}

// SessionExpired falha o pagamento em andamento de uma sessão expirada pelo reaper.
// Roda dentro da transação da expiração, com o lock da sessão.
func (o *Orchestrator) SessionExpired(ctx context.Context, session *checkout.Session) error {
	p, err := o.payments.LatestBySession(ctx, session.ID)
	if err != nil {
		if apperr.IsCode(err, apperr.CodePaymentNotFound) {
			return nil
		}
		return err
	}
	if !p.Status.InFlight() {
		return nil
	}

	if err := o.compensate(ctx, session, p); err != nil {
		return err
	}
	events.Notify(ctx, o.publisher, events.New(events.PaymentFailed, p.ID, p))
	log.Printf("⌛ [FAIL PAYMENT] SessionID=%s PaymentID=%s failed by expiry", session.ID, p.ID)
	return nil
}

// compensate roda uma vez por pagamento que falha: carrinho de volta e pagamento FAILED
func (o *Orchestrator) compensate(ctx context.Context, session *checkout.Session, p *Payment) error {
	if err := o.cart.RestoreCartItems(ctx, session.BuyerID, session.SkuIDs()); err != nil {
		return err
	}
	from := p.Status
	if err := p.Fail(o.now()); err != nil {
		return err
	}
	if err := o.payments.Update(ctx, p); err != nil {
		return err
	}
	o.metrics.Transition(ctx, "payment", string(from), string(StatusFailed))
	return nil
}

// CancelPayment cancela um pagamento aprovado. O estoque continua confirmado.
func (o *Orchestrator) CancelPayment(ctx context.Context, paymentID string) (*Payment, error) {
	ctx, span := o.tracer.Start(ctx, "payment.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("payment_id", paymentID))

	p, err := o.mutate(ctx, paymentID, func(p *Payment) error {
		return p.Cancel(o.now())
	})
	if err != nil {
		span.RecordError(err)
		log.Printf("❌ [CANCEL PAYMENT] PaymentID=%s: %v", paymentID, err)
		return nil, err
	}

	o.metrics.Transition(ctx, "payment", string(StatusApproved), string(StatusCancelled))
	events.Notify(ctx, o.publisher, events.New(events.PaymentCancelled, p.ID, p))
	log.Printf("✅ [CANCEL PAYMENT] PaymentID=%s", p.ID)
	return p, nil
}

// CancelCheckoutPayment cancela o pagamento mais recente da sessão
func (o *Orchestrator) CancelCheckoutPayment(ctx context.Context, sessionID string) (*Payment, error) {
	if _, err := o.checkouts.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	latest, err := o.payments.LatestBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return o.CancelPayment(ctx, latest.ID)
}

// RefundPayment estorna parte ou todo o valor aprovado
func (o *Orchestrator) RefundPayment(ctx context.Context, paymentID string, amount money.Money) (*Payment, error) {
	ctx, span := o.tracer.Start(ctx, "payment.refund")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment_id", paymentID),
		attribute.String("amount", amount.String()),
	)

	var from Status
	p, err := o.mutate(ctx, paymentID, func(p *Payment) error {
		from = p.Status
		return p.Refund(amount, o.now())
	})
	if err != nil {
		span.RecordError(err)
		log.Printf("❌ [REFUND PAYMENT] PaymentID=%s: %v", paymentID, err)
		return nil, err
	}

	if from != p.Status {
		o.metrics.Transition(ctx, "payment", string(from), string(p.Status))
	}
	events.Notify(ctx, o.publisher, events.New(events.PaymentRefunded, p.ID, map[string]any{
		"payment_id":      p.ID,
		"session_id":      p.SessionID,
		"amount":          amount.String(),
		"refunded_amount": p.RefundedAmount.String(),
		"status":          p.Status,
	}))
	log.Printf("✅ [REFUND PAYMENT] PaymentID=%s Amount=%s Refunded=%s Status=%s", p.ID, amount, p.RefundedAmount, p.Status)
	return p, nil
}

func (o *Orchestrator) Get(ctx context.Context, paymentID string) (*Payment, error) {
	if _, err := uuid.Parse(paymentID); err != nil {
		return nil, notFound(paymentID)
	}
	return o.payments.Get(ctx, paymentID)
}

// mutate recarrega o pagamento sob o lock da sessão dona antes de aplicar fn
func (o *Orchestrator) mutate(ctx context.Context, paymentID string, fn func(p *Payment) error) (*Payment, error) {
	current, err := o.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	var p *Payment
	err = o.checkouts.WithSession(ctx, current.SessionID, func(ctx context.Context, _ *checkout.Session) error {
		p, err = o.payments.Get(ctx, paymentID)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		return o.payments.Update(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
