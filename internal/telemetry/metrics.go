package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "checkout-core"

// Metrics agrupa os instrumentos do core de checkout
type Metrics struct {
	reservations    metric.Int64Counter
	transitions     metric.Int64Counter
	lockWaits       metric.Float64Histogram
	lockFailures    metric.Int64Counter
	compensations   metric.Int64Counter
	expiredByReaper metric.Int64Counter
}

// NewMetrics cria os instrumentos a partir do MeterProvider global.
// Sem provider configurado o otel devolve instrumentos no-op.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	reservations, err := meter.Int64Counter("checkout.stock.reservations",
		metric.WithDescription("Stock ledger operations by outcome"))
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("checkout.state.transitions",
		metric.WithDescription("Checkout session and payment state transitions"))
	if err != nil {
		return nil, err
	}
	lockWaits, err := meter.Float64Histogram("checkout.lock.wait_ms",
		metric.WithDescription("Time spent waiting for a lock lease"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	lockFailures, err := meter.Int64Counter("checkout.lock.failures",
		metric.WithDescription("Lock leases that could not be acquired in time"))
	if err != nil {
		return nil, err
	}
	compensations, err := meter.Int64Counter("checkout.compensations",
		metric.WithDescription("Cart restorations run after a failed payment"))
	if err != nil {
		return nil, err
	}
	expired, err := meter.Int64Counter("checkout.reaper.expired",
		metric.WithDescription("Sessions expired by the background sweep"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		reservations:    reservations,
		transitions:     transitions,
		lockWaits:       lockWaits,
		lockFailures:    lockFailures,
		compensations:   compensations,
		expiredByReaper: expired,
	}, nil
}

// NopMetrics é usado em testes e quando NewMetrics falha
func NopMetrics() *Metrics {
	m, err := NewMetrics()
	if err != nil {
		return nil
	}
	return m
}

func (m *Metrics) StockOperation(ctx context.Context, op, outcome string) {
	if m == nil {
		return
	}
	m.reservations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) Transition(ctx context.Context, aggregate, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("aggregate", aggregate),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) LockWait(ctx context.Context, namespace string, ms float64, acquired bool) {
	if m == nil {
		return
	}
	m.lockWaits.Record(ctx, ms, metric.WithAttributes(attribute.String("namespace", namespace)))
	if !acquired {
		m.lockFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("namespace", namespace)))
	}
}

func (m *Metrics) Compensation(ctx context.Context, restored int) {
	if m == nil {
		return
	}
	m.compensations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("restored_any", restored > 0)))
}

func (m *Metrics) Expired(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.expiredByReaper.Add(ctx, int64(n))
}
