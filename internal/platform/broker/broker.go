// Package broker abstracts the message transport behind a small producer and
// consumer pair so the saga code runs unchanged on Kafka, RabbitMQ or memory.
package broker

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("broker: closed")

// Message is the transport-neutral envelope. Key selects the partition (or
// ordering lane) so messages sharing a key are delivered in send order.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Metadata describes where a message landed.
type Metadata struct {
	Topic     string
	Partition int
	Offset    int64
}

type Producer interface {
	Send(ctx context.Context, msg Message) (Metadata, error)
	Close() error
}

// Handler processes one message. A nil return acknowledges it.
type Handler func(ctx context.Context, msg Message) error

type Consumer interface {
	// Consume blocks until ctx is cancelled or the transport fails.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// InjectTrace writes the current span context into the message headers.
func InjectTrace(ctx context.Context, msg *Message) {
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Headers))
}

// ExtractTrace returns ctx enriched with the span context carried by msg.
func ExtractTrace(ctx context.Context, msg Message) context.Context {
	if len(msg.Headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
}
