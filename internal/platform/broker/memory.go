package broker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Memory is an in-process broker. Every sent message is retained per topic
// for inspection and fanned out to the subscribers of that topic.
type Memory struct {
	mu     sync.Mutex
	closed bool
	topics map[string][]Message
	subs   []*MemoryConsumer
	fail   func(Message) error
}

func NewMemory() *Memory {
	return &Memory{topics: make(map[string][]Message)}
}

// FailWith installs a hook that can reject sends; nil removes it.
func (m *Memory) FailWith(fn func(Message) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

func (m *Memory) Send(ctx context.Context, msg Message) (Metadata, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Metadata{}, ErrClosed
	}
	if m.fail != nil {
		if err := m.fail(msg); err != nil {
			m.mu.Unlock()
			return Metadata{}, err
		}
	}
	m.topics[msg.Topic] = append(m.topics[msg.Topic], msg)
	offset := int64(len(m.topics[msg.Topic]) - 1)

	var targets []*MemoryConsumer
	for _, s := range m.subs {
		if s.wants(msg.Topic) {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return Metadata{}, ctx.Err()
		}
	}
	return Metadata{Topic: msg.Topic, Partition: 0, Offset: offset}, nil
}

// Messages returns a copy of everything sent to topic so far.
func (m *Memory) Messages(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.topics[topic]))
	copy(out, m.topics[topic])
	return out
}

// Subscribe registers a consumer for the given topics. Messages sent before
// the subscription are not delivered to it.
func (m *Memory) Subscribe(logger *zap.Logger, topics ...string) *MemoryConsumer {
	c := &MemoryConsumer{
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan Message, 1024),
		done:   make(chan struct{}),
		logger: logger,
	}
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}

	m.mu.Lock()
	m.subs = append(m.subs, c)
	m.mu.Unlock()
	return c
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type MemoryConsumer struct {
	topics map[string]struct{}
	ch     chan Message
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func (c *MemoryConsumer) wants(topic string) bool {
	_, ok := c.topics[topic]
	return ok
}

func (c *MemoryConsumer) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return ErrClosed
		case msg := <-c.ch:
			if err := handler(ExtractTrace(ctx, msg), msg); err != nil {
				c.logger.Error("❌ Memory consumer handler failed", zap.String("topic", msg.Topic), zap.Error(err))
			}
		}
	}
}

func (c *MemoryConsumer) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
