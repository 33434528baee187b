package inventory

import (
	"context"

	"go.uber.org/zap"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/events"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/broker"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/logger"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/reqctx"
)

type Publisher interface {
	Publish(ctx context.Context, caller reqctx.Caller, e events.DomainEvent) *events.Future
}

// EventHandler drives the Coordinator from order lifecycle events and
// reports the outcome as inventory events.
type EventHandler struct {
	coordinator *Coordinator
	publisher   Publisher
	logger      *zap.Logger
}

func NewEventHandler(coordinator *Coordinator, publisher Publisher, logger *zap.Logger) *EventHandler {
	return &EventHandler{coordinator: coordinator, publisher: publisher, logger: logger}
}

func (h *EventHandler) Handle(ctx context.Context, e events.DomainEvent) error {
	switch e.EventType {
	case events.OrderCreated:
		return h.onCreated(ctx, e)
	case events.OrderCancelled:
		return h.onCancelled(ctx, e)
	case events.OrderDelivered:
		return h.onDelivered(ctx, e)
	default:
		return nil
	}
}

func (h *EventHandler) onCreated(ctx context.Context, e events.DomainEvent) error {
	var snap events.OrderSnapshot
	if err := e.DecodePayload(&snap); err != nil {
		return broker.Permanent(err)
	}
	items := make([]Item, len(snap.Items))
	for i, li := range snap.Items {
		items[i] = Item{SKU: li.SKU, Quantity: li.Quantity}
	}

	result, err := h.coordinator.Reserve(ctx, e.TenantID, e.OrderID, items)
	if err != nil {
		return err
	}

	outcome := events.InventoryOutcome{}
	eventType := events.InventoryReserved
	if result.Reserved() {
		for _, r := range result.Reservations {
			outcome.ReservationIDs = append(outcome.ReservationIDs, r.ID)
		}
	} else {
		eventType = events.InventoryReservationFailed
		for _, s := range result.Shortages {
			outcome.Shortages = append(outcome.Shortages, events.Shortage{
				SKU: s.SKU, Requested: s.Requested, Available: s.Available, Reason: string(s.Reason),
			})
		}
	}
	h.emit(ctx, e, eventType, outcome)
	return nil
}

func (h *EventHandler) onCancelled(ctx context.Context, e events.DomainEvent) error {
	result, err := h.coordinator.Release(ctx, e.TenantID, e.OrderID)
	if err != nil {
		return err
	}
	if len(result.Released) == 0 && len(result.Failed) == 0 {
		return nil
	}
	h.emit(ctx, e, events.InventoryReleased, events.InventoryOutcome{
		ReservationIDs: result.Released,
		Released:       len(result.Released),
		FailedReleases: len(result.Failed),
	})
	return nil
}

func (h *EventHandler) onDelivered(ctx context.Context, e events.DomainEvent) error {
	_, err := h.coordinator.Confirm(ctx, e.TenantID, e.OrderID)
	return err
}

func (h *EventHandler) emit(ctx context.Context, cause events.DomainEvent, t events.Type, outcome events.InventoryOutcome) {
	out, err := events.New(t, cause.TenantID, cause.OrderID, outcome)
	if err != nil {
		h.logger.Error("❌ Failed to build inventory event", zap.Error(err))
		return
	}
	out.CorrelationID = cause.CorrelationID
	caller := reqctx.System(cause.TenantID).WithCorrelation(cause.CorrelationID)
	h.publisher.Publish(ctx, caller, out).OnFailure(func(err error) {
		h.logger.Error("❌ Inventory outcome not published",
			append(logger.Saga(cause.TenantID, cause.OrderID, cause.CorrelationID), zap.String("event_type", string(t)), zap.Error(err))...)
	})
}
