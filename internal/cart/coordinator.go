package cart

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matheusmosca/checkout-orchestrator/internal/storage"
	"github.com/matheusmosca/checkout-orchestrator/internal/telemetry"
)

// Dispatcher prepara no DTM a restauração para um serviço de carrinho remoto
type Dispatcher interface {
	Prepare(ctx context.Context, req RestoreRequest) (*Pending, error)
}

// Coordinator é o coordenador de compensação: devolve ao carrinho as linhas
// removidas quando um pagamento falha. Restaurar uma linha já restaurada é no-op.
type Coordinator struct {
	store      Store
	dispatcher Dispatcher
	journal    Journal
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
}

// NewCoordinator cria o coordenador; dispatcher nil restaura direto no store local.
// Com dispatcher, journal registra o gid de cada mensagem na transação da compensação.
func NewCoordinator(store Store, dispatcher Dispatcher, journal Journal, metrics *telemetry.Metrics) *Coordinator {
	if journal == nil {
		journal = NewMemoryJournal()
	}
	return &Coordinator{
		store:      store,
		dispatcher: dispatcher,
		journal:    journal,
		metrics:    metrics,
		tracer:     otel.Tracer("cart-coordinator"),
	}
}

// RemoveCartItems tira do carrinho as linhas que entraram em pagamento
func (c *Coordinator) RemoveCartItems(ctx context.Context, buyerID string, skuIDs []int64) error {
	if len(skuIDs) == 0 {
		return nil
	}
	if err := c.store.SoftDelete(ctx, buyerID, skuIDs); err != nil {
		log.Printf("❌ [REMOVE CART] BuyerID=%s: %v", buyerID, err)
		return err
	}
	return nil
}

// RestoreCartItems desfaz o soft-delete das linhas do comprador
func (c *Coordinator) RestoreCartItems(ctx context.Context, buyerID string, skuIDs []int64) error {
	if len(skuIDs) == 0 {
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "cart.restore")
	defer span.End()
	span.SetAttributes(
		attribute.String("buyer_id", buyerID),
		attribute.Int("items", len(skuIDs)),
	)

	log.Printf("↩️ [RESTORE CART] BuyerID=%s SKUs=%v", buyerID, skuIDs)

	if c.dispatcher != nil {
		req := RestoreRequest{BuyerID: buyerID, SkuIDs: skuIDs}
		if sc := span.SpanContext(); sc.IsValid() {
			req.TraceID = sc.TraceID().String()
		}
		if err := c.prepareRemote(ctx, req); err != nil {
			span.RecordError(err)
			log.Printf("❌ [RESTORE CART] prepare failed BuyerID=%s: %v", buyerID, err)
			return err
		}
		return nil
	}

	_, err := c.Apply(ctx, RestoreRequest{BuyerID: buyerID, SkuIDs: skuIDs})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// prepareRemote registra a mensagem no DTM e o gid na transação corrente.
// O Submit só sai depois do commit; se a transação desfizer, a consulta
// do DTM não encontra o gid e a mensagem é abortada.
func (c *Coordinator) prepareRemote(ctx context.Context, req RestoreRequest) error {
	pending, err := c.dispatcher.Prepare(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to dispatch cart restore: %w", err)
	}
	if err := c.journal.Record(ctx, pending.GID, req); err != nil {
		return err
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("dtm_gid", pending.GID))
	storage.AfterCommit(ctx, func(ctx context.Context) {
		if err := pending.Submit(); err != nil {
			log.Printf("⚠️  [RESTORE CART] submit failed GID=%s, DTM will query back: %v", pending.GID, err)
			return
		}
		log.Printf("🚀 [RESTORE CART] dispatched GID=%s BuyerID=%s", pending.GID, req.BuyerID)
	})
	return nil
}

// QueryPrepared responde ao DTM se a compensação que preparou gid foi confirmada
func (c *Coordinator) QueryPrepared(ctx context.Context, gid string) (bool, error) {
	committed, err := c.journal.Resolve(ctx, gid)
	if err != nil {
		log.Printf("❌ [QUERY PREPARED] GID=%s: %v", gid, err)
		return false, err
	}
	log.Printf("🔎 [QUERY PREPARED] GID=%s committed=%t", gid, committed)
	return committed, nil
}

// Apply executa a restauração no store local; é o alvo do comando despachado
func (c *Coordinator) Apply(ctx context.Context, req RestoreRequest) (int, error) {
	restored, err := c.store.Restore(ctx, req.BuyerID, req.SkuIDs)
	if err != nil {
		log.Printf("❌ [RESTORE CART] BuyerID=%s: %v", req.BuyerID, err)
		return 0, err
	}

	c.metrics.Compensation(ctx, restored)
	log.Printf("♻️  [RESTORE CART] BuyerID=%s restored=%d", req.BuyerID, restored)
	return restored, nil
}
