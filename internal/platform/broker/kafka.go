package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

type kafkaWriter interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

// KafkaProducer writes through the otel-instrumented writer. The hash balancer
// maps one key to one partition, which preserves per-key order.
type KafkaProducer struct {
	writer kafkaWriter
}

func NewKafkaProducer(brokers []string, clientID string) (*KafkaProducer, error) {
	base := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
	}

	writer, err := otelkafka.NewWriter(base,
		otelkafka.WithTracerProvider(otel.GetTracerProvider()),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				semconv.MessagingSystemKey.String("kafka"),
				attribute.String("messaging.kafka.client_id", clientID),
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka writer: %w", err)
	}
	return &KafkaProducer{writer: writer}, nil
}

func (p *KafkaProducer) Send(ctx context.Context, msg Message) (Metadata, error) {
	km := kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Value,
		Time:  time.Now(),
	}
	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.writer.WriteMessage(ctx, km); err != nil {
		return Metadata{}, fmt.Errorf("kafka write to %s: %w", msg.Topic, err)
	}
	// The synchronous writer does not report the assigned offset.
	return Metadata{Topic: msg.Topic, Partition: -1, Offset: -1}, nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer fetches from a consumer group and commits only after the
// handler has returned, giving at-least-once delivery.
type KafkaConsumer struct {
	reader     kafkaReader
	logger     *zap.Logger
	maxRetries uint
	// fetchBackoff spaces out retries after failed fetches.
	fetchBackoff *backoff.ExponentialBackOff
}

func newFetchBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

func NewKafkaConsumer(brokers []string, groupID string, topics []string, logger *zap.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &KafkaConsumer{reader: reader, logger: logger, maxRetries: 5, fetchBackoff: newFetchBackoff()}
}

func (c *KafkaConsumer) Consume(ctx context.Context, handler Handler) error {
	c.logger.Info("Kafka consumer started. Waiting for messages...")

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info("Context done, exiting Kafka read loop.", zap.Error(err))
				return nil
			}
			if errors.Is(err, io.EOF) {
				c.logger.Warn("Kafka reader closed, stopping consumer.")
				return ErrClosed
			}
			wait := c.fetchBackoff.NextBackOff()
			c.logger.Error("❌ Error reading from Kafka", zap.Duration("retry_in", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		c.fetchBackoff.Reset()

		msg := Message{Topic: km.Topic, Key: string(km.Key), Value: km.Value, Headers: make(map[string]string, len(km.Headers))}
		for _, h := range km.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}

		if err := deliver(ctx, handler, msg, c.maxRetries); err != nil {
			c.logger.Error("❌ Dropping message after retries",
				zap.String("topic", km.Topic),
				zap.Int("partition", km.Partition),
				zap.Int64("offset", km.Offset),
				zap.Error(err),
			)
		}

		if err := c.reader.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
			c.logger.Error("❌ Failed to commit offset", zap.Int64("offset", km.Offset), zap.Error(err))
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// deliver runs handler with exponential backoff. Handlers mark poison
// messages with backoff.Permanent to skip the retries.
func deliver(ctx context.Context, handler Handler, msg Message, maxRetries uint) error {
	msgCtx := ExtractTrace(ctx, msg)
	_, err := backoff.Retry(msgCtx, func() (struct{}, error) {
		return struct{}{}, handler(msgCtx, msg)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxRetries),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
	return err
}

// Permanent marks a handler error as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
