package broker

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

const (
	KindMemory   = "memory"
	KindKafka    = "kafka"
	KindRabbitMQ = "rabbitmq"
)

type Settings struct {
	Kind         string
	ClientID     string
	KafkaBrokers []string
	KafkaGroupID string
	RabbitMQ     RabbitMQOptions
}

// Transport is the producer and consumer pair of one service. Consumer is
// nil when no topics were requested.
type Transport struct {
	Producer Producer
	Consumer Consumer
}

// Connect opens the transport named by s.Kind and subscribes the consumer
// to topics.
func Connect(s Settings, topics []string, logger *zap.Logger) (*Transport, error) {
	switch s.Kind {
	case KindMemory:
		mem := NewMemory()
		t := &Transport{Producer: mem}
		if len(topics) > 0 {
			t.Consumer = mem.Subscribe(logger, topics...)
		}
		logger.Warn("⚠️ Using in-process broker; events do not leave this process")
		return t, nil

	case KindKafka:
		if len(s.KafkaBrokers) == 0 {
			return nil, errors.New("kafka: no brokers configured")
		}
		producer, err := NewKafkaProducer(s.KafkaBrokers, s.ClientID)
		if err != nil {
			return nil, err
		}
		t := &Transport{Producer: producer}
		if len(topics) > 0 {
			t.Consumer = NewKafkaConsumer(s.KafkaBrokers, s.KafkaGroupID, topics, logger)
		}
		logger.Info("✅ Kafka transport ready", zap.Strings("brokers", s.KafkaBrokers), zap.Strings("topics", topics))
		return t, nil

	case KindRabbitMQ:
		opts := s.RabbitMQ
		opts.Topics = topics
		rmq, err := NewRabbitMQ(opts, logger)
		if err != nil {
			return nil, err
		}
		t := &Transport{Producer: rmq}
		if len(topics) > 0 {
			t.Consumer = rmq
		}
		return t, nil

	default:
		return nil, fmt.Errorf("unsupported broker %q", s.Kind)
	}
}

// Close closes the consumer before the producer. A RabbitMQ transport
// shares one connection between both and is closed once.
func (t *Transport) Close() error {
	var errs error
	if t.Consumer != nil && any(t.Consumer) != any(t.Producer) {
		errs = errors.Join(errs, t.Consumer.Close())
	}
	return errors.Join(errs, t.Producer.Close())
}
