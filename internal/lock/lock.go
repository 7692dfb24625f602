package lock

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matheusmosca/checkout-orchestrator/internal/apperr"
	"github.com/matheusmosca/checkout-orchestrator/internal/telemetry"
)

// Gateway serializa seções críticas por chave usando leases com TTL
type Gateway interface {
	// WithLock executa fn somente depois de obter o lease de key e o libera em qualquer saída
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

func StockKey(skuID int64) string {
	return fmt.Sprintf("stock:%d", skuID)
}

func IdempotencyKey(key string) string {
	return "idempotency:" + key
}

func CheckoutKey(sessionID string) string {
	return "checkout:" + sessionID
}

// WithLocks adquire as chaves na ordem recebida, aninhando os leases
func WithLocks(ctx context.Context, gw Gateway, keys []string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if len(keys) == 0 {
		return fn(ctx)
	}
	return gw.WithLock(ctx, keys[0], ttl, func(ctx context.Context) error {
		return WithLocks(ctx, gw, keys[1:], ttl, fn)
	})
}

// WithStockLocks adquire os locks de SKU em ordem crescente de id, sem repetição,
// para que checkouts com vários SKUs nunca entrem em deadlock entre si
func WithStockLocks(ctx context.Context, gw Gateway, skuIDs []int64, ttl time.Duration, fn func(ctx context.Context) error) error {
	return WithLocks(ctx, gw, StockKeys(skuIDs), ttl, fn)
}

// StockKeys ordena e remove duplicados antes de montar as chaves
func StockKeys(skuIDs []int64) []string {
	ids := append([]int64(nil), skuIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	keys := make([]string, 0, len(ids))
	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			continue
		}
		keys = append(keys, StockKey(id))
	}
	return keys
}

// leaser é a primitiva de lease do backend (Redis ou memória)
type leaser interface {
	tryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	release(ctx context.Context, key, token string) error
}

// Options controla a espera limitada pelo lease
type Options struct {
	Wait          time.Duration
	RetryInterval time.Duration
	Metrics       *telemetry.Metrics
}

func (o Options) withDefaults() Options {
	if o.Wait <= 0 {
		o.Wait = 3 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 20 * time.Millisecond
	}
	return o
}

type leaseGateway struct {
	backend leaser
	opts    Options
}

func (g *leaseGateway) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token := uuid.NewString()

	start := time.Now()
	err := g.acquire(ctx, key, token, ttl)
	g.opts.Metrics.LockWait(ctx, namespace(key), float64(time.Since(start).Microseconds())/1000, err == nil)
	if err != nil {
		return err
	}

	defer func() {
		if err := g.backend.release(context.WithoutCancel(ctx), key, token); err != nil {
			log.Printf("❌ [LOCK] Failed to release %s: %v", key, err)
		}
	}()

	lctx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	return fn(lctx)
}

func (g *leaseGateway) acquire(ctx context.Context, key, token string, ttl time.Duration) error {
	deadline := time.Now().Add(g.opts.Wait)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return lockFailed(key, "context finished while waiting").Wrap(ctx.Err())
		case <-timer.C:
		}

		ok, err := g.backend.tryAcquire(ctx, key, token, ttl)
		if err != nil {
			return lockFailed(key, "lock service unavailable").Wrap(err)
		}
		if ok {
			return nil
		}

		if !time.Now().Before(deadline) {
			return lockFailed(key, fmt.Sprintf("not acquired within %s", g.opts.Wait))
		}
		timer.Reset(g.opts.RetryInterval)
	}
}

func lockFailed(key, reason string) *apperr.Error {
	return apperr.Conflict(apperr.CodeLockAcquisitionFailed, "lock %s: %s", key, reason).With("lock_key", key)
}

func namespace(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
