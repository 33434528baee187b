package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics groups the saga counters. The zero value is not usable; build it
// with NewMetrics, which reads the global meter provider (no-op until Setup).
type Metrics struct {
	ordersCreated         metric.Int64Counter
	statusTransitions     metric.Int64Counter
	idempotencyRejections metric.Int64Counter
	reservationConflicts  metric.Int64Counter
	reservationFailures   metric.Int64Counter
	publishFailures       metric.Int64Counter
	sweepOutcomes         metric.Int64Counter
}

func NewMetrics(scope string) *Metrics {
	meter := otel.Meter(scope)
	m := &Metrics{}
	// Instrument construction only fails on invalid names; the names below are static.
	m.ordersCreated, _ = meter.Int64Counter("saga.orders.created",
		metric.WithDescription("Orders persisted by the saga orchestrator"))
	m.statusTransitions, _ = meter.Int64Counter("saga.orders.transitions",
		metric.WithDescription("Order status transitions by target status"))
	m.idempotencyRejections, _ = meter.Int64Counter("saga.idempotency.rejections",
		metric.WithDescription("Idempotency guard rejections by reason"))
	m.reservationConflicts, _ = meter.Int64Counter("saga.inventory.version_conflicts",
		metric.WithDescription("Optimistic concurrency conflicts on stock records"))
	m.reservationFailures, _ = meter.Int64Counter("saga.inventory.reservation_failures",
		metric.WithDescription("Reservations rejected for insufficient inventory"))
	m.publishFailures, _ = meter.Int64Counter("saga.events.publish_failures",
		metric.WithDescription("Domain events that failed to reach the broker"))
	m.sweepOutcomes, _ = meter.Int64Counter("saga.sweeps.outcomes",
		metric.WithDescription("Timeout sweep results by outcome"))
	return m
}

func (m *Metrics) OrderCreated(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	m.ordersCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}

func (m *Metrics) StatusTransition(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.statusTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) IdempotencyRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.idempotencyRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) VersionConflict(ctx context.Context, sku string) {
	if m == nil {
		return
	}
	m.reservationConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("sku", sku)))
}

func (m *Metrics) ReservationFailed(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	m.reservationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}

func (m *Metrics) PublishFailed(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.publishFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *Metrics) SweepOutcome(ctx context.Context, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.sweepOutcomes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}
