package orders

import (
	"fmt"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/events"
)

var statusEvents = map[Status]events.Type{
	StatusPending:    events.OrderCreated,
	StatusConfirmed:  events.OrderConfirmed,
	StatusProcessing: events.OrderProcessing,
	StatusShipped:    events.OrderShipped,
	StatusDelivered:  events.OrderDelivered,
	StatusCancelled:  events.OrderCancelled,
}

// EventTypeFor returns the event emitted when an order enters status.
func EventTypeFor(status Status) (events.Type, bool) {
	t, ok := statusEvents[status]
	return t, ok
}

func statusForEvent(t events.Type) Status {
	for s, et := range statusEvents {
		if et == t {
			return s
		}
	}
	return ""
}

func lineItems(items []OrderItem) []events.LineItem {
	out := make([]events.LineItem, len(items))
	for i, item := range items {
		out[i] = events.LineItem{ProductID: item.ProductID, SKU: item.SKU, Quantity: item.Quantity, UnitPrice: item.UnitPrice}
	}
	return out
}

// Snapshot builds the payload of an order event. The status in the
// snapshot is the stage the event stands for, which differs from the
// order's current status when the event is replayed.
func Snapshot(o *Order, t events.Type, reason string) events.OrderSnapshot {
	s := events.OrderSnapshot{
		OrderNumber: o.OrderNumber,
		UserID:      o.UserID,
		Status:      string(statusForEvent(t)),
		Currency:    o.Currency,
	}
	amounts := &events.Amounts{
		Subtotal: o.Amounts.Subtotal,
		Tax:      o.Amounts.Tax,
		Shipping: o.Amounts.Shipping,
		Total:    o.Amounts.Total,
	}

	switch t {
	case events.OrderCreated:
		s.Items = lineItems(o.Items)
		s.Amounts = amounts
	case events.OrderConfirmed:
		s.Amounts = amounts
	case events.OrderProcessing:
		s.Items = lineItems(o.Items)
	case events.OrderShipped:
		s.Items = lineItems(o.Items)
		if o.Tracking != nil {
			s.Tracking = &events.Tracking{
				Carrier:        o.Tracking.Carrier,
				TrackingNumber: o.Tracking.TrackingNumber,
				ShippedAt:      o.Tracking.ShippedAt,
			}
		}
	case events.OrderDelivered:
		s.Items = lineItems(o.Items)
		s.DeliveredAt = o.DeliveredAt
	case events.OrderCancelled:
		s.Items = lineItems(o.Items)
		s.Reason = reason
		if s.Reason == "" {
			s.Reason = o.CancellationReason
		}
	}
	return s
}

// EventFor wraps Snapshot in a DomainEvent keyed by the order id.
func EventFor(o *Order, t events.Type, reason string) (events.DomainEvent, error) {
	if statusForEvent(t) == "" {
		return events.DomainEvent{}, fmt.Errorf("%s is not an order lifecycle event", t)
	}
	return events.New(t, o.TenantID, o.ID, Snapshot(o, t, reason))
}
