package checkout

import (
	"context"
	"log"
	"time"

	"github.com/matheusmosca/checkout-orchestrator/internal/apperr"
	"github.com/matheusmosca/checkout-orchestrator/internal/telemetry"
)

// ExpiryListener é avisado, na mesma transação, quando uma sessão em PROCESSING expira
type ExpiryListener interface {
	SessionExpired(ctx context.Context, session *Session) error
}

// Reaper expira periodicamente as sessões abandonadas
type Reaper struct {
	service  *Service
	listener ExpiryListener
	metrics  *telemetry.Metrics
	interval time.Duration
	batch    int
}

func NewReaper(service *Service, listener ExpiryListener, metrics *telemetry.Metrics, interval time.Duration, batch int) *Reaper {
	return &Reaper{
		service:  service,
		listener: listener,
		metrics:  metrics,
		interval: interval,
		batch:    batch,
	}
}

// Run varre a cada intervalo até o context ser cancelado
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Printf("⏱️  Reaper started (interval=%s batch=%d)", r.interval, r.batch)
	for {
		select {
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				log.Printf("❌ [REAPER] sweep failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("⏱️  Reaper stopped")
			return
		}
	}
}

// Sweep expira um lote de sessões vencidas e devolve quantas expirou.
// Cada sessão é reavaliada sob o lock dela, assim quem perde a corrida
// com um callback atrasado simplesmente não encontra mais o estado esperado.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.service.now()
	ids, err := r.service.repo.ListExpirable(ctx, now, r.batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		var done bool
		err := r.service.WithSession(ctx, id, func(ctx context.Context, session *Session) error {
			if !session.Status.Open() || !session.PastExpiry(now) {
				return nil
			}
			if err := r.service.Expire(ctx, session, r.onExpire(session, session.Status)); err != nil {
				return err
			}
			done = true
			return nil
		})
		switch {
		case err == nil:
			if done {
				expired++
			}
		case apperr.IsCode(err, apperr.CodeLockAcquisitionFailed):
			log.Printf("⏭️  [REAPER] SessionID=%s busy, retrying next sweep", id)
		default:
			log.Printf("❌ [REAPER] SessionID=%s: %v", id, err)
		}
	}

	r.metrics.Expired(ctx, expired)
	if expired > 0 {
		log.Printf("✅ [REAPER] expired %d checkout(s)", expired)
	}
	return expired, nil
}

func (r *Reaper) onExpire(session *Session, from Status) PersistFunc {
	if r.listener == nil || from != StatusProcessing {
		return nil
	}
	return func(ctx context.Context) error {
		return r.listener.SessionExpired(ctx, session)
	}
}
