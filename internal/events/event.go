package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/broker"
)

type Type string

const (
	OrderCreated    Type = "OrderCreated"
	OrderConfirmed  Type = "OrderConfirmed"
	OrderProcessing Type = "OrderProcessing"
	OrderShipped    Type = "OrderShipped"
	OrderDelivered  Type = "OrderDelivered"
	OrderCancelled  Type = "OrderCancelled"

	InventoryReserved          Type = "InventoryReserved"
	InventoryReservationFailed Type = "InventoryReservationFailed"
	InventoryReleased          Type = "InventoryReleased"
)

const (
	HeaderCorrelationID = "correlation-id"
	HeaderTenantID      = "tenant-id"
	HeaderEventType     = "event-type"
)

var ErrMalformedEvent = errors.New("malformed domain event")

// DomainEvent is immutable once published. OrderID is the ordering key.
type DomainEvent struct {
	EventID       string          `json:"event_id"`
	EventType     Type            `json:"event_type"`
	TenantID      string          `json:"tenant_id"`
	OrderID       string          `json:"order_id"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
	Replayed      bool            `json:"replayed,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// New builds an event with a fresh id and the JSON encoding of payload.
func New(eventType Type, tenantID, orderID string, payload any) (DomainEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return DomainEvent{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		TenantID:   tenantID,
		OrderID:    orderID,
		Payload:    raw,
		OccurredAt: time.Now().UTC(),
	}, nil
}

func (e DomainEvent) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, e.EventType, err)
	}
	return nil
}

type LineItem struct {
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type Amounts struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Shipping decimal.Decimal `json:"shipping"`
	Total    decimal.Decimal `json:"total"`
}

type Tracking struct {
	Carrier        string    `json:"carrier,omitempty"`
	TrackingNumber string    `json:"tracking_number"`
	ShippedAt      time.Time `json:"shipped_at"`
}

// OrderSnapshot is the order state carried by lifecycle events. Each event
// type fills the fields relevant to its stage.
type OrderSnapshot struct {
	OrderNumber string     `json:"order_number"`
	UserID      string     `json:"user_id"`
	Status      string     `json:"status"`
	Currency    string     `json:"currency,omitempty"`
	Items       []LineItem `json:"items,omitempty"`
	Amounts     *Amounts   `json:"amounts,omitempty"`
	Tracking    *Tracking  `json:"tracking,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

type Shortage struct {
	SKU       string `json:"sku"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Reason    string `json:"reason"`
}

// InventoryOutcome is the payload of the Inventory* events.
type InventoryOutcome struct {
	ReservationIDs []string   `json:"reservation_ids,omitempty"`
	Shortages      []Shortage `json:"shortages,omitempty"`
	Released       int        `json:"released,omitempty"`
	FailedReleases int        `json:"failed_releases,omitempty"`
}

// Encode renders the event as a broker message keyed by order id.
func Encode(topic string, e DomainEvent) (broker.Message, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return broker.Message{}, fmt.Errorf("encode event %s: %w", e.EventID, err)
	}
	return broker.Message{
		Topic: topic,
		Key:   e.OrderID,
		Value: raw,
		Headers: map[string]string{
			HeaderCorrelationID: e.CorrelationID,
			HeaderTenantID:      e.TenantID,
			HeaderEventType:     string(e.EventType),
		},
	}, nil
}

func Decode(msg broker.Message) (DomainEvent, error) {
	var e DomainEvent
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		return DomainEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if e.EventType == "" || e.OrderID == "" {
		return DomainEvent{}, fmt.Errorf("%w: missing type or order id", ErrMalformedEvent)
	}
	return e, nil
}

// Handler reacts to one decoded event.
type Handler func(ctx context.Context, e DomainEvent) error

// Dispatch adapts a Handler to the broker. Undecodable messages are marked
// permanent so the transport does not retry them.
func Dispatch(h Handler) broker.Handler {
	return func(ctx context.Context, msg broker.Message) error {
		e, err := Decode(msg)
		if err != nil {
			return broker.Permanent(err)
		}
		return h(ctx, e)
	}
}
