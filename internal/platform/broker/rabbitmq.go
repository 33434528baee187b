package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const confirmTimeout = 5 * time.Second

type RabbitMQOptions struct {
	URL         string
	Exchange    string
	Queue       string
	ConsumerTag string
	// Topics the queue is bound to; empty for a producer-only connection.
	Topics   []string
	Prefetch int
}

// RabbitMQ publishes to a durable topic exchange using the message topic as
// routing key, and consumes one durable queue with manual acks. A single
// queue consumer preserves publish order for every key.
type RabbitMQ struct {
	opts   RabbitMQOptions
	logger *zap.Logger

	conn         *amqp.Connection
	producerChan *amqp.Channel
	consumerChan *amqp.Channel

	publishMu sync.Mutex
	confirms  *confirmTracker
}

// confirmTracker pairs publisher confirms with publishes on one
// confirm-mode channel. The broker numbers deliveries from 1 per channel;
// a confirmation with a lower tag than the one awaited belongs to a publish
// whose wait already gave up and is dropped.
type confirmTracker struct {
	confirms <-chan amqp.Confirmation
	last     uint64
}

func newConfirmTracker(confirms <-chan amqp.Confirmation) *confirmTracker {
	return &confirmTracker{confirms: confirms}
}

// published records a successful publish and returns its delivery tag.
func (t *confirmTracker) published() uint64 {
	t.last++
	return t.last
}

func (t *confirmTracker) wait(ctx context.Context, tag uint64, timeout time.Duration) (amqp.Confirmation, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case confirm, ok := <-t.confirms:
			if !ok {
				return amqp.Confirmation{}, ErrClosed
			}
			if confirm.DeliveryTag < tag {
				continue
			}
			return confirm, nil
		case <-timer.C:
			return amqp.Confirmation{}, errors.New("publish confirmation timeout")
		case <-ctx.Done():
			return amqp.Confirmation{}, ctx.Err()
		}
	}
}

func NewRabbitMQ(opts RabbitMQOptions, logger *zap.Logger) (*RabbitMQ, error) {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	rmq := &RabbitMQ{opts: opts, logger: logger}

	logger.Info("Attempting to connect to RabbitMQ", zap.String("exchange", opts.Exchange))
	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}
	rmq.conn = conn

	if err := rmq.setupProducerChannel(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to setup producer channel: %w", err)
	}
	if len(opts.Topics) > 0 {
		if err := rmq.setupConsumerTopology(); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to setup consumer topology: %w", err)
		}
	}

	logger.Info("✅ RabbitMQ connected and channels initialized")
	return rmq, nil
}

func (r *RabbitMQ) setupProducerChannel() error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open producer channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("producer channel could not be put into confirm mode: %w", err)
	}
	r.confirms = newConfirmTracker(ch.NotifyPublish(make(chan amqp.Confirmation, 16)))

	if err := ch.ExchangeDeclare(r.opts.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", r.opts.Exchange, err)
	}
	r.producerChan = ch
	return nil
}

func (r *RabbitMQ) setupConsumerTopology() error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := ch.Qos(r.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	if err := ch.ExchangeDeclare(r.opts.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(r.opts.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	for _, topic := range r.opts.Topics {
		if err := ch.QueueBind(r.opts.Queue, topic, r.opts.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue to %s: %w", topic, err)
		}
	}
	r.consumerChan = ch
	return nil
}

// Send publishes and waits for the broker confirm of that delivery tag.
// Publishes are serialized so tags are assigned in publish order.
func (r *RabbitMQ) Send(ctx context.Context, msg Message) (Metadata, error) {
	headers := amqp.Table{"message-key": msg.Key}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	err := r.producerChan.Publish(r.opts.Exchange, msg.Topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         msg.Value,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to publish message: %w", err)
	}
	tag := r.confirms.published()

	confirm, err := r.confirms.wait(ctx, tag, confirmTimeout)
	if err != nil {
		return Metadata{}, err
	}
	if !confirm.Ack {
		return Metadata{}, errors.New("message published but not confirmed")
	}
	return Metadata{Topic: msg.Topic, Partition: 0, Offset: int64(confirm.DeliveryTag)}, nil
}

func (r *RabbitMQ) Consume(ctx context.Context, handler Handler) error {
	if r.consumerChan == nil {
		return errors.New("rabbitmq: no consumer topology configured")
	}

	deliveries, err := r.consumerChan.Consume(r.opts.Queue, r.opts.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	r.logger.Info("RabbitMQ consumer started", zap.String("queue", r.opts.Queue))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Context done, exiting RabbitMQ consume loop.")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				r.logger.Warn("Delivery channel closed. Consumer stopping.")
				return ErrClosed
			}

			msg := Message{Topic: d.RoutingKey, Value: d.Body, Headers: make(map[string]string, len(d.Headers))}
			for k, v := range d.Headers {
				if s, ok := v.(string); ok {
					msg.Headers[k] = s
				}
			}
			msg.Key = msg.Headers["message-key"]
			delete(msg.Headers, "message-key")

			if err := deliver(ctx, handler, msg, 3); err != nil {
				r.logger.Error("❌ Rejecting message", zap.String("routing_key", d.RoutingKey), zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (r *RabbitMQ) Close() error {
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn.Close()
	}
	return nil
}
