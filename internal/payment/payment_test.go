package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/checkout-orchestrator/internal/apperr"
	"github.com/matheusmosca/checkout-orchestrator/internal/cart"
	"github.com/matheusmosca/checkout-orchestrator/internal/checkout"
	"github.com/matheusmosca/checkout-orchestrator/internal/events"
	"github.com/matheusmosca/checkout-orchestrator/internal/idempotency"
	"github.com/matheusmosca/checkout-orchestrator/internal/lock"
	"github.com/matheusmosca/checkout-orchestrator/internal/money"
	"github.com/matheusmosca/checkout-orchestrator/internal/stock"
	"github.com/matheusmosca/checkout-orchestrator/internal/storage"
	"github.com/matheusmosca/checkout-orchestrator/internal/telemetry"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	orch      *Orchestrator
	checkouts *checkout.Service
	reaper    *checkout.Reaper
	ledger    *stock.MemoryLedger
	cart      *cart.MemoryStore
	events    *recordingPublisher
	clock     *clock
}

func newFixture(t *testing.T, stocks map[int64]int) *fixture {
	t.Helper()
	ctx := context.Background()

	ledger := stock.NewMemoryLedger()
	for sku, total := range stocks {
		require.NoError(t, ledger.SetTotal(ctx, sku, total))
	}
	clk := &clock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	metrics := telemetry.NopMetrics()

	checkouts := checkout.NewService(
		checkout.NewMemoryRepository(),
		ledger,
		idempotency.NewMemoryRegistry(),
		lock.NewLocalGateway(lock.Options{Wait: 2 * time.Second, RetryInterval: time.Millisecond}),
		storage.NopTransactor{},
		pub,
		metrics,
		checkout.Options{LockTTL: 5 * time.Second, SessionTTL: 30 * time.Minute, IdempotencyTTL: 24 * time.Hour, Clock: clk.Now},
	)
	store := cart.NewMemoryStore()
	orch := NewOrchestrator(checkouts, NewMemoryRepository(), cart.NewCoordinator(store, nil, nil, metrics), pub, metrics)

	return &fixture{
		orch:      orch,
		checkouts: checkouts,
		reaper:    checkout.NewReaper(checkouts, orch, metrics, time.Minute, 50),
		ledger:    ledger,
		cart:      store,
		events:    pub,
		clock:     clk,
	}
}

// open cria uma sessão com as linhas (sku, qty) a 10.00 cada e coloca tudo no carrinho
func (f *fixture) open(t *testing.T, key string, lines map[int64]int) *checkout.Session {
	t.Helper()
	req := checkout.CreateRequest{
		BuyerID:        "buyer-1",
		IdempotencyKey: key,
		ShippingAddress: checkout.ShippingAddress{
			RecipientName: "Ana", Phone: "11999990000", ZipCode: "01310-100",
			Line1: "Av. Paulista, 1000", City: "São Paulo", Country: "BR",
		},
	}
	for sku, qty := range lines {
		req.Items = append(req.Items, checkout.LineRequest{SkuID: sku, Quantity: qty, UnitPrice: money.MustParse("10.00")})
		f.cart.Put("buyer-1", sku, qty)
	}
	session, err := f.checkouts.Create(context.Background(), req)
	require.NoError(t, err)
	return session
}

func (f *fixture) level(t *testing.T, sku int64) stock.Level {
	t.Helper()
	level, err := f.ledger.Snapshot(context.Background(), sku)
	require.NoError(t, err)
	return level
}

func (f *fixture) status(t *testing.T, sessionID string) checkout.Status {
	t.Helper()
	s, err := f.checkouts.Get(context.Background(), sessionID)
	require.NoError(t, err)
	return s.Status
}

func (f *fixture) cartSize(t *testing.T) int {
	t.Helper()
	items, err := f.cart.Items(context.Background(), "buyer-1")
	require.NoError(t, err)
	return len(items)
}

var card = ProcessRequest{PgProvider: "toss", Method: "CARD"}

func TestProcessThenApprove(t *testing.T) {
	f := newFixture(t, map[int64]int{1: 5})
	ctx := context.Background()
	session := f.open(t, "K", map[int64]int{1: 2})

	p, err := f.orch.ProcessCheckout(ctx, session.ID, card)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, p.Status)
	assert.True(t, p.RequestedAmount.Equal(money.MustParse("20.00")))
	assert.Equal(t, checkout.StatusProcessing, f.status(t, session.ID))
	assert.Zero(t, f.cartSize(t), "processed lines leave the cart")

	approved, err := f.orch.ApprovePayment(ctx, session.ID, "txn-1", money.MustParse("20.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAmount)
	assert.True(t, approved.ApprovedAmount.Equal(session.Total), "approved amount equals the checkout total")
	assert.Equal(t, "txn-1", *approved.GatewayTxnRef)

	assert.Equal(t, checkout.StatusCompleted, f.status(t, session.ID))
	assert.Equal(t, stock.Level{SkuID: 1, Total: 5, Held: 0, Committed: 2}, f.level(t, 1))
	assert.Equal(t, 1, f.events.count(events.PaymentApproved))
	assert.Equal(t, 1, f.events.count(events.CheckoutCompleted))
}

func TestDuplicateApproveIsNoop(t *testing.T) {
	f := newFixture(t, map[int64]int{1: 5})
	ctx := context.Background()
	session := f.open(t, "K", map[int64]int{1: 1})

	_, err := f.orch.ProcessCheckout(ctx, session.ID, card)
	require.NoError(t, err)
	first, err := f.orch.ApprovePayment(ctx, session.ID, "txn-1", money.MustParse("10.00"))
	require.NoError(t, err)
	second, err := f.orch.ApprovePayment(ctx, session.ID, "txn-1", money.MustParse("10.00"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, StatusApproved, second.Status)
	assert.Equal(t, 1, f.level(t, 1).Committed, "stock is committed exactly once")
	assert.Equal(t, 1, f.events.count(events.PaymentApproved))
}

func TestApproveAmountMismatchIsRejected(t *testing.T) {
	f := newFixture(t, map[int64]int{1: 5})
	ctx := context.Background()
	session := f.open(t, "K", map[int64]int{1: 1})

	_, err := f.orch.ProcessCheckout(ctx, session.ID, card)
	require.NoError(t, err)

	_, err = f.orch.ApprovePayment(ctx, session.ID, "txn-1", money.MustParse("9.99"))
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidCheckoutMoney))
	e, _ := apperr.As(err)
	assert.Equal(t, "10", e.Context["expected"])

	assert.Equal(t, checkout.StatusProcessing, f.status(t, session.ID))
	assert.Equal(t, 0, f.level(t, 1).Committed)
}

func TestApproveRequiresProcessing(t *testing.T) {
	f := newFixture(t, map[int64]int{1: 5})
	session := f.open(t, "K", map[int64]int{1: 1})

	_, err := f.orch.ApprovePayment(context.Background(), session.ID, "txn-1", money.MustParse("10.00"))
	assert.True(t, apperr.IsCode(err, apperr.CodeCheckoutNotCompletable))

	_, err = f.orch.ApprovePayment(context.Background(), session.ID, "", money.MustParse("10.00"))
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestFailCompensatesAndSessionIsReprocessable(t *testing.T) {
	f := newFixture(t, map[int64]int{1: 5, 2: 5})
	ctx := context.Background()
	session := f.open(t, "K", map[int64]int{1: 1, 2: 3})

	first, err := f.orch.ProcessCheckout(ctx, session.ID, card)
	require.NoError(t, err)

	failed, err := f.orch.FailPayment(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, checkout.StatusPending, f.status(t, session.ID))
	assert.Equal(t, 2, f.cartSize(t), "every line is back in the cart")
	assert.Equal(t, 0, f.level(t, 1).Held, "every reserved sku is released")
	assert.Equal(t, 0, f.level(t, 2).Held)

	again, err := f.orch.FailPayment(ctx, session.ID)
	require.NoError(t, err, "a duplicated failure callback is a no-op")
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, f.events.count(events.PaymentFailed))

	retry, err := f.orch.ProcessCheckout(ctx, session.ID, card)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, retry.ID)
	assert.Equal(t, 3, f.level(t, 2).Held)

	approved, err := f.orch.ApprovePayment(ctx, session.ID, "txn-2", money.MustParse("40.00"))
	require.NoError(t, err)
	assert.Equal(t, retry.ID, approved.ID)
	assert.Equal(t, 3, f.level(t, 2).Committed)

	old, err := f.orch.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, old.Status)
}

func TestFailWithoutPaymentIsNotFound(t *testing.T) {
	f := newFixture(t, map[int64]int{1: 5})
	session := f.open(t, "K", map[int64]int{1: 1})

	_, err := f.orch.FailPayment(context.Background(), session.ID)
	assert.True(t, apperr.IsCode(err, apperr.CodePaymentNotFound))
}

func TestFailAfterApproveIsRejected(t *testing.T) {
	f := newFixture(t, map[int64]int{1: 5})
	ctx := context.Background()
	session := f.open(t, "K", map[int64]int{1: 1})

	_, err := f.orch.ProcessCheckout(ctx, session.ID, card)
	require.NoError(t, err)
	_, err = f.orch.ApprovePayment(ctx, session.ID, "txn-1", money.MustParse("10.00"))
	require.NoError(t, err)

	_, err = f.orch.FailPayment(ctx, session.ID)
	assert.True(t, apperr.IsCode(err, apperr.CodePaymentNotFailable))
	assert.Equal(t, 1, f.level(t, 1).Committed)
}

func TestExpiredProcessingSessionFailsPaymentAndLateApproveLoses(t *testing.T) {
	f := newFixture(t, map[int64]int{1: 5})
	ctx := context.Background()
	session := f.open(t, "K", map[int64]int{1: 2})

	p, err := f.orch.ProcessCheckout(ctx, session.ID, card)
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)
	n, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, checkout.StatusExpired, f.status(t, session.ID))
	assert.Equal(t, 0, f.level(t, 1).Held)
	assert.Equal(t, 1, f.cartSize(t))
	expired, _ := f.orch.Get(ctx, p.ID)
	assert.Equal(t, StatusFailed, expired.Status)

	_, err = f.orch.ApprovePayment(ctx, session.ID, "txn-late", money.MustParse("20.00"))
	assert.True(t, apperr.IsCode(err, apperr.CodeCheckoutExpired), "got %v", err)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	assert.Equal(t, 0, f.level(t, 1).Committed)

	_, err = f.orch.FailPayment(ctx, session.ID)
	require.NoError(t, err, "the payment already failed by expiry")
}

func TestProcessRejectsZeroTotal(t *testing.T) {
	f := newFixture(t, map[int64]int{1: 5})
	ctx := context.Background()
	f.cart.Put("buyer-1", 1, 1)

	session, err := f.checkouts.Create(ctx, checkout.CreateRequest{
		BuyerID:        "buyer-1",
		IdempotencyKey: "free",
		Items:          []checkout.LineRequest{{SkuID: 1, Quantity: 1, UnitPrice: money.Zero()}},
		ShippingAddress: checkout.ShippingAddress{
			RecipientName: "Ana", Phone: "11999990000", ZipCode: "01310-100",
			Line1: "Av. Paulista, 1000", City: "São Paulo", Country: "BR",
		},
	})
	require.NoError(t, err)

	_, err = f.orch.ProcessCheckout(ctx, session.ID, card)

	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidCheckoutMoney), "got %v", err)
	assert.Equal(t, checkout.StatusPending, f.status(t, session.ID))
	assert.Equal(t, 1, f.cartSize(t), "the cart is untouched")
	assert.Equal(t, 1, f.level(t, 1).Held)
}

func TestProcessExpiredPendingSession(t *testing.T) {
	f := newFixture(t, map[int64]int{1: 5})
	session := f.open(t, "K", map[int64]int{1: 2})

	f.clock.Advance(time.Hour)
	_, err := f.orch.ProcessCheckout(context.Background(), session.ID, card)
	assert.True(t, apperr.IsCode(err, apperr.CodeCheckoutExpired))
	assert.Equal(t, checkout.StatusExpired, f.status(t, session.ID))
	assert.Equal(t, 1, f.cartSize(t), "the cart is untouched")
}

func TestProcessValidation(t *testing.T) {
	f := newFixture(t, map[int64]int{1: 5})
	session := f.open(t, "K", map[int64]int{1: 1})

	_, err := f.orch.ProcessCheckout(context.Background(), session.ID, ProcessRequest{Method: "CARD"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.orch.ProcessCheckout(context.Background(), "0b7c9c3e-8f0e-4c1e-9d6f-3a1f5e2b7c10", card)
	assert.True(t, apperr.IsCode(err, apperr.CodeCheckoutNotFound))
}

func TestApproveRacingExpiryResolvesOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, map[int64]int{1: 3})
		ctx := context.Background()
		session := f.open(t, "K", map[int64]int{1: 3})
		_, err := f.orch.ProcessCheckout(ctx, session.ID, card)
		require.NoError(t, err)
		f.clock.Advance(31 * time.Minute)

		var wg sync.WaitGroup
		var approveErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, approveErr = f.orch.ApprovePayment(ctx, session.ID, "txn", money.MustParse("30.00"))
		}()
		go func() {
			defer wg.Done()
			_, _ = f.reaper.Sweep(ctx)
		}()
		wg.Wait()

		level := f.level(t, 1)
		switch f.status(t, session.ID) {
		case checkout.StatusCompleted:
			require.NoError(t, approveErr)
			assert.Equal(t, stock.Level{SkuID: 1, Total: 3, Committed: 3}, level)
		case checkout.StatusExpired:
			assert.True(t, apperr.IsCode(approveErr, apperr.CodeCheckoutExpired))
			assert.Equal(t, stock.Level{SkuID: 1, Total: 3}, level)
		default:
			t.Fatalf("unexpected status %s", f.status(t, session.ID))
		}
	}
}

func TestCancelAndRefund(t *testing.T) {
	f := newFixture(t, map[int64]int{1: 5})
	ctx := context.Background()
	session := f.open(t, "K", map[int64]int{1: 3})

	p, err := f.orch.ProcessCheckout(ctx, session.ID, card)
	require.NoError(t, err)

	_, err = f.orch.CancelPayment(ctx, p.ID)
	assert.True(t, apperr.IsCode(err, apperr.CodePaymentNotCancellable))
	_, err = f.orch.RefundPayment(ctx, p.ID, money.MustParse("1.00"))
	assert.True(t, apperr.IsCode(err, apperr.CodePaymentNotRefundable))

	_, err = f.orch.ApprovePayment(ctx, session.ID, "txn-1", money.MustParse("30.00"))
	require.NoError(t, err)

	cancelled, err := f.orch.CancelCheckoutPayment(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, 3, f.level(t, 1).Committed, "cancellation does not touch stock")

	_, err = f.orch.CancelPayment(ctx, p.ID)
	assert.True(t, apperr.IsCode(err, apperr.CodePaymentNotCancellable))

	partial, err := f.orch.RefundPayment(ctx, p.ID, money.MustParse("10.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, partial.Status)
	assert.True(t, partial.RefundableAmount().Equal(money.MustParse("20.00")))

	_, err = f.orch.RefundPayment(ctx, p.ID, money.MustParse("20.01"))
	assert.True(t, apperr.IsCode(err, apperr.CodeRefundAmountExceeded))

	full, err := f.orch.RefundPayment(ctx, p.ID, money.MustParse("20.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, full.Status)
	assert.True(t, full.RefundedAmount.Equal(money.MustParse("30.00")))

	_, err = f.orch.RefundPayment(ctx, p.ID, money.MustParse("0.01"))
	assert.True(t, apperr.IsCode(err, apperr.CodePaymentNotRefundable))
	assert.Equal(t, 1, f.events.count(events.PaymentCancelled))
	assert.Equal(t, 2, f.events.count(events.PaymentRefunded))
}

func TestPartialRefundFromApprovedKeepsStatus(t *testing.T) {
	f := newFixture(t, map[int64]int{1: 5})
	ctx := context.Background()
	session := f.open(t, "K", map[int64]int{1: 1})

	p, err := f.orch.ProcessCheckout(ctx, session.ID, card)
	require.NoError(t, err)
	_, err = f.orch.ApprovePayment(ctx, session.ID, "txn-1", money.MustParse("10.00"))
	require.NoError(t, err)

	refunded, err := f.orch.RefundPayment(ctx, p.ID, money.MustParse("4.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, refunded.Status)

	_, err = f.orch.RefundPayment(ctx, p.ID, money.Zero())
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestGetUnknownPayment(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orch.Get(context.Background(), "nope")
	assert.True(t, apperr.IsCode(err, apperr.CodePaymentNotFound))
}
