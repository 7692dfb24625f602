package checkout

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matheusmosca/checkout-orchestrator/internal/apperr"
	"github.com/matheusmosca/checkout-orchestrator/internal/events"
	"github.com/matheusmosca/checkout-orchestrator/internal/idempotency"
	"github.com/matheusmosca/checkout-orchestrator/internal/lock"
	"github.com/matheusmosca/checkout-orchestrator/internal/stock"
	"github.com/matheusmosca/checkout-orchestrator/internal/storage"
	"github.com/matheusmosca/checkout-orchestrator/internal/telemetry"
)

// PersistFunc grava, na mesma transação da transição, o que o chamador precisa junto
type PersistFunc func(ctx context.Context) error

// Options define os tempos de vida usados pelo serviço
type Options struct {
	LockTTL        time.Duration
	SessionTTL     time.Duration
	IdempotencyTTL time.Duration
	// Clock substitui time.Now; usado em testes
	Clock func() time.Time
}

// Service contém a lógica de negócio da sessão de checkout.
//
// Ordem global dos locks: idempotency:{key}, checkout:{id}, stock:{sku} crescente.
// As transições recebem a sessão já carregada sob o lock checkout:{id} (WithSession)
// e só adquirem os locks de SKU.
type Service struct {
	repo      Repository
	ledger    stock.Ledger
	registry  idempotency.Registry
	locks     lock.Gateway
	tx        storage.Transactor
	publisher events.Publisher
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	opts      Options
	now       func() time.Time
	newID     func() string
}

func NewService(
	repo Repository,
	ledger stock.Ledger,
	registry idempotency.Registry,
	locks lock.Gateway,
	tx storage.Transactor,
	publisher events.Publisher,
	metrics *telemetry.Metrics,
	opts Options,
) *Service {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:      repo,
		ledger:    ledger,
		registry:  registry,
		locks:     locks,
		tx:        tx,
		publisher: publisher,
		metrics:   metrics,
		tracer:    otel.Tracer("checkout-service"),
		opts:      opts,
		now:       now,
		newID:     func() string { return uuid.New().String() },
	}
}

// Create abre uma sessão reservando o estoque de todas as linhas.
// Uma repetição com a mesma chave e o mesmo payload devolve a sessão original.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("buyer_id", req.BuyerID),
		attribute.String("idempotency_key", req.IdempotencyKey),
		attribute.Int("lines", len(req.Items)),
	)

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	fingerprint, err := req.Fingerprint()
	if err != nil {
		return nil, apperr.Internal(err, "failed to fingerprint checkout request")
	}

	key := idempotencyKey(req)
	var (
		session *Session
		replay  bool
	)
	err = s.locks.WithLock(ctx, lock.IdempotencyKey(key), s.opts.LockTTL, func(ctx context.Context) error {
		now := s.now()
		record, err := s.registry.Find(ctx, key)
		if err != nil {
			return err
		}
		if record != nil && !record.Expired(now) {
			if !record.Matches(req.BuyerID, fingerprint) {
				return apperr.Conflict(apperr.CodeDuplicateCheckoutRequest, "idempotency key %s was used with a different request", key).
					With("session_id", record.SessionID)
			}
			session, err = s.repo.Get(ctx, record.SessionID)
			replay = err == nil
			return err
		}

		session, err = NewSession(s.newID(), req, now, s.opts.SessionTTL)
		if err != nil {
			return err
		}
		rec := idempotency.NewRecord(key, req.BuyerID, fingerprint, session.ID, now, s.opts.IdempotencyTTL)
		return s.reserveAndPersist(ctx, session, rec)
	})
	if err != nil {
		span.RecordError(err)
		log.Printf("❌ [CREATE CHECKOUT] BuyerID=%s Key=%s: %v", req.BuyerID, key, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("session_id", session.ID),
		attribute.Bool("replay", replay),
	)
	if replay {
		log.Printf("🔁 [CREATE CHECKOUT] Replay Key=%s SessionID=%s", key, session.ID)
		return session, nil
	}

	s.metrics.Transition(ctx, "checkout", "", string(StatusPending))
	events.Notify(ctx, s.publisher, events.New(events.CheckoutCreated, session.ID, session))
	log.Printf("✅ [CREATE CHECKOUT] SessionID=%s BuyerID=%s Total=%s", session.ID, session.BuyerID, session.Total)
	return session, nil
}

// reserveAndPersist verifica todas as linhas antes de reservar, para nomear
// todas as que faltam; se algo falha depois, as reservas já feitas são liberadas
func (s *Service) reserveAndPersist(ctx context.Context, session *Session, rec *idempotency.Record) error {
	reqs := session.Requirements()

	return lock.WithStockLocks(ctx, s.locks, session.SkuIDs(), s.opts.LockTTL, func(ctx context.Context) error {
		if err := s.checkAvailability(ctx, reqs); err != nil {
			return err
		}

		var reserved []stock.Token
		err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
			for _, r := range reqs {
				token, err := s.ledger.Reserve(ctx, session.ID, r.SkuID, r.Quantity)
				if err != nil {
					s.metrics.StockOperation(ctx, "reserve", "rejected")
					return err
				}
				s.metrics.StockOperation(ctx, "reserve", "held")
				log.Printf("📦 [RESERVE STOCK] SessionID=%s SKU=%d Qty=%d", session.ID, r.SkuID, r.Quantity)
				reserved = append(reserved, token)
			}
			if err := s.repo.Create(ctx, session); err != nil {
				return err
			}
			return s.registry.Save(ctx, rec)
		})
		if err != nil {
			s.releaseTokens(ctx, reserved)
			return err
		}
		return nil
	})
}

func (s *Service) checkAvailability(ctx context.Context, reqs []stock.Requirement) error {
	var short []map[string]any
	for _, r := range reqs {
		available, err := s.ledger.Available(ctx, r.SkuID)
		if err != nil {
			return err
		}
		if available < r.Quantity {
			short = append(short, map[string]any{
				"sku_id":    r.SkuID,
				"requested": r.Quantity,
				"available": available,
			})
		}
	}
	if len(short) == 0 {
		return nil
	}

	ids := make([]int64, len(short))
	for i, line := range short {
		ids[i] = line["sku_id"].(int64)
	}
	return apperr.Conflict(apperr.CodeInsufficientStock, "insufficient stock for skus %v", ids).
		With("lines", short)
}

// releaseTokens desfaz reservas tomadas numa chamada que falhou. Com o ledger
// transacional o rollback já desfez a linha e a reserva não é encontrada.
func (s *Service) releaseTokens(ctx context.Context, tokens []stock.Token) {
	for _, token := range tokens {
		if err := s.ledger.Release(ctx, token); err != nil && !apperr.IsCode(err, apperr.CodeReservationNotFound) {
			log.Printf("❌ [RELEASE STOCK] SessionID=%s SKU=%d: %v", token.SessionID, token.SkuID, err)
			continue
		}
		s.metrics.StockOperation(ctx, "release", "rollback")
	}
}

// Now é o relógio do serviço
func (s *Service) Now() time.Time {
	return s.now()
}

func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, notFound(id)
	}
	return s.repo.Get(ctx, id)
}

// WithSession carrega a sessão e executa fn segurando o lock checkout:{id}
func (s *Service) WithSession(ctx context.Context, id string, fn func(ctx context.Context, session *Session) error) error {
	if _, err := uuid.Parse(id); err != nil {
		return notFound(id)
	}
	return s.locks.WithLock(ctx, lock.CheckoutKey(id), s.opts.LockTTL, func(ctx context.Context) error {
		session, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		return fn(ctx, session)
	})
}

// BeginProcessing leva a sessão de PENDING para PROCESSING. Uma sessão vencida
// expira aqui mesmo; linhas liberadas por uma falha anterior são reservadas de novo.
func (s *Service) BeginProcessing(ctx context.Context, session *Session, persist PersistFunc) error {
	ctx, span := s.tracer.Start(ctx, "checkout.begin_processing")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", session.ID))

	now := s.now()
	if session.Status == StatusPending && session.PastExpiry(now) {
		if err := s.Expire(ctx, session, nil); err != nil {
			return err
		}
		return apperr.Conflict(apperr.CodeCheckoutExpired, "checkout %s expired at %s", session.ID, session.ExpiresAt.Format(time.RFC3339))
	}
	if session.Status != StatusPending {
		return session.BeginProcessing(now)
	}

	var reheld []stock.Token
	err := lock.WithStockLocks(ctx, s.locks, session.SkuIDs(), s.opts.LockTTL, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			for _, r := range session.Requirements() {
				token := session.Token(r.SkuID)
				res, err := s.ledger.Reservation(ctx, token)
				if err != nil {
					return err
				}
				if res.Status != stock.ReservationReleased {
					continue
				}
				if _, err := s.ledger.Reserve(ctx, session.ID, r.SkuID, r.Quantity); err != nil {
					s.metrics.StockOperation(ctx, "reserve", "rejected")
					return err
				}
				s.metrics.StockOperation(ctx, "reserve", "reheld")
				log.Printf("📦 [RESERVE STOCK] Re-hold SessionID=%s SKU=%d Qty=%d", session.ID, r.SkuID, r.Quantity)
				reheld = append(reheld, token)
			}
			return s.transition(ctx, session, persist, session.BeginProcessing)
		})
	})
	if err != nil {
		s.releaseTokens(ctx, reheld)
		span.RecordError(err)
		log.Printf("❌ [BEGIN PROCESSING] SessionID=%s: %v", session.ID, err)
		return err
	}

	log.Printf("✅ [BEGIN PROCESSING] SessionID=%s", session.ID)
	return nil
}

// Complete confirma as reservas e leva a sessão para COMPLETED.
// Sobre uma sessão já COMPLETED não faz nada.
func (s *Service) Complete(ctx context.Context, session *Session, persist PersistFunc) error {
	ctx, span := s.tracer.Start(ctx, "checkout.complete")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", session.ID))

	if session.Status == StatusCompleted {
		return nil
	}
	if session.Status != StatusProcessing {
		return session.Complete(s.now())
	}

	reqs := session.Requirements()
	err := lock.WithStockLocks(ctx, s.locks, session.SkuIDs(), s.opts.LockTTL, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			for _, r := range reqs {
				res, err := s.ledger.Reservation(ctx, session.Token(r.SkuID))
				if err != nil {
					return err
				}
				if res.Status == stock.ReservationReleased {
					return apperr.Conflict(apperr.CodeReservationReleased, "reservation for sku %d of checkout %s was released", r.SkuID, session.ID)
				}
			}
			for _, r := range reqs {
				if err := s.ledger.Commit(ctx, session.Token(r.SkuID)); err != nil {
					return err
				}
				s.metrics.StockOperation(ctx, "commit", "committed")
				log.Printf("📦 [COMMIT STOCK] SessionID=%s SKU=%d", session.ID, r.SkuID)
			}
			return s.transition(ctx, session, persist, session.Complete)
		})
	})
	if err != nil {
		span.RecordError(err)
		log.Printf("❌ [COMPLETE CHECKOUT] SessionID=%s: %v", session.ID, err)
		return err
	}

	events.Notify(ctx, s.publisher, events.New(events.CheckoutCompleted, session.ID, session))
	log.Printf("✅ [COMPLETE CHECKOUT] SessionID=%s", session.ID)
	return nil
}

// RevertToPending devolve a sessão a PENDING depois de uma falha de pagamento e libera as reservas
func (s *Service) RevertToPending(ctx context.Context, session *Session, persist PersistFunc) error {
	ctx, span := s.tracer.Start(ctx, "checkout.revert_to_pending")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", session.ID))

	if session.Status != StatusProcessing {
		return session.RevertToPending(s.now())
	}

	err := s.releaseAndTransition(ctx, session, persist, session.RevertToPending)
	if err != nil {
		span.RecordError(err)
		log.Printf("❌ [REVERT CHECKOUT] SessionID=%s: %v", session.ID, err)
		return err
	}
	log.Printf("↩️ [REVERT CHECKOUT] SessionID=%s back to PENDING", session.ID)
	return nil
}

// Expire leva uma sessão aberta a EXPIRED e libera as reservas; idempotente
func (s *Service) Expire(ctx context.Context, session *Session, persist PersistFunc) error {
	ctx, span := s.tracer.Start(ctx, "checkout.expire")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", session.ID))

	if !session.Status.Open() {
		return session.Expire(s.now())
	}

	err := s.releaseAndTransition(ctx, session, persist, session.Expire)
	if err != nil {
		span.RecordError(err)
		log.Printf("❌ [EXPIRE CHECKOUT] SessionID=%s: %v", session.ID, err)
		return err
	}

	events.Notify(ctx, s.publisher, events.New(events.CheckoutExpired, session.ID, session))
	log.Printf("⌛ [EXPIRE CHECKOUT] SessionID=%s", session.ID)
	return nil
}

func (s *Service) releaseAndTransition(ctx context.Context, session *Session, persist PersistFunc, apply func(time.Time) error) error {
	return lock.WithStockLocks(ctx, s.locks, session.SkuIDs(), s.opts.LockTTL, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			for _, r := range session.Requirements() {
				err := s.ledger.Release(ctx, session.Token(r.SkuID))
				if err != nil && !apperr.IsCode(err, apperr.CodeReservationNotFound) {
					return err
				}
				s.metrics.StockOperation(ctx, "release", "released")
				log.Printf("📦 [RELEASE STOCK] SessionID=%s SKU=%d", session.ID, r.SkuID)
			}
			return s.transition(ctx, session, persist, apply)
		})
	})
}

// transition aplica a mudança de estado na entidade e grava sessão e persist juntos.
// Se a gravação falhar, a entidade volta inteira ao estado anterior.
func (s *Service) transition(ctx context.Context, session *Session, persist PersistFunc, apply func(time.Time) error) error {
	before := *session
	from := session.Status
	if err := apply(s.now()); err != nil {
		*session = before
		return err
	}
	if err := s.repo.Update(ctx, session); err != nil {
		*session = before
		return err
	}
	if persist != nil {
		if err := persist(ctx); err != nil {
			*session = before
			return fmt.Errorf("persisting checkout %s transition: %w", session.ID, err)
		}
	}
	s.metrics.Transition(ctx, "checkout", string(from), string(session.Status))
	return nil
}

func idempotencyKey(req CreateRequest) string {
	return strings.TrimSpace(req.IdempotencyKey)
}
