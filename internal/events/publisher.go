package events

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/broker"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/logger"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/reqctx"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/telemetry"
)

var (
	// ErrExternalCommunication classifies every broker-side publish failure.
	ErrExternalCommunication = errors.New("external communication failure")
	ErrPublisherClosed       = errors.New("event publisher closed")
	ErrBufferFull            = errors.New("event publisher buffer full")
)

// PublishError reports a failed publish. It matches both
// ErrExternalCommunication and the underlying cause.
type PublishError struct {
	EventID   string
	EventType Type
	OrderID   string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s (%s) for order %s: %v", e.EventType, e.EventID, e.OrderID, e.Err)
}

func (e *PublishError) Unwrap() []error { return []error{ErrExternalCommunication, e.Err} }

type Options struct {
	Topic       string
	Shards      int
	Buffer      int
	SendTimeout time.Duration
}

type job struct {
	ctx    context.Context
	event  DomainEvent
	msg    broker.Message
	future *Future
}

// Publisher sends events asynchronously. Events are routed to a worker by
// a hash of their order id, so one order's events leave in publish order
// while different orders proceed in parallel. Failed sends are reported
// through the returned Future and never retried here.
type Publisher struct {
	producer broker.Producer
	opts     Options
	logger   *zap.Logger
	metrics  *telemetry.Metrics

	mu     sync.RWMutex
	closed bool
	shards []chan job
	wg     sync.WaitGroup
}

func NewPublisher(producer broker.Producer, opts Options, log *zap.Logger, metrics *telemetry.Metrics) *Publisher {
	if opts.Shards <= 0 {
		opts.Shards = 1
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}

	p := &Publisher{
		producer: producer,
		opts:     opts,
		logger:   log,
		metrics:  metrics,
		shards:   make([]chan job, opts.Shards),
	}
	for i := range p.shards {
		p.shards[i] = make(chan job, opts.Buffer)
		p.wg.Add(1)
		go p.worker(p.shards[i])
	}
	return p
}

// Publish stamps the event (id, tenant, correlation, timestamp) and queues it.
// It never blocks on the broker.
func (p *Publisher) Publish(ctx context.Context, caller reqctx.Caller, event DomainEvent) *Future {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.TenantID == "" {
		event.TenantID = caller.TenantID
	}
	if event.CorrelationID == "" {
		event.CorrelationID = caller.CorrelationID
	}
	if event.CorrelationID == "" {
		event.CorrelationID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	msg, err := Encode(p.opts.Topic, event)
	if err != nil {
		return failedFuture(event, p.fail(ctx, event, err))
	}
	broker.InjectTrace(ctx, &msg)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return failedFuture(event, p.fail(ctx, event, ErrPublisherClosed))
	}

	f := newFuture()
	select {
	case p.shard(event.OrderID) <- job{ctx: context.WithoutCancel(ctx), event: event, msg: msg, future: f}:
		return f
	default:
		return failedFuture(event, p.fail(ctx, event, ErrBufferFull))
	}
}

func (p *Publisher) shard(orderID string) chan job {
	h := fnv.New32a()
	_, _ = h.Write([]byte(orderID))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

func (p *Publisher) worker(jobs <-chan job) {
	defer p.wg.Done()
	for j := range jobs {
		p.send(j)
	}
}

func (p *Publisher) send(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, p.opts.SendTimeout)
	defer cancel()

	fields := append(logger.Saga(j.event.TenantID, j.event.OrderID, j.event.CorrelationID),
		zap.String("event_id", j.event.EventID),
		zap.String("event_type", string(j.event.EventType)),
		zap.Bool("replayed", j.event.Replayed),
	)

	meta, err := p.producer.Send(ctx, j.msg)
	if err != nil {
		j.future.resolve(Result{Event: j.event, Err: p.fail(ctx, j.event, err)})
		return
	}

	p.logger.Info("📤 Event published", append(fields,
		zap.String("topic", meta.Topic),
		zap.Int("partition", meta.Partition),
		zap.Int64("offset", meta.Offset),
	)...)
	j.future.resolve(Result{Event: j.event, Metadata: meta})
}

func (p *Publisher) fail(ctx context.Context, e DomainEvent, cause error) error {
	err := &PublishError{EventID: e.EventID, EventType: e.EventType, OrderID: e.OrderID, Err: cause}
	p.logger.Error("❌ Event publish failed", append(logger.Saga(e.TenantID, e.OrderID, e.CorrelationID),
		zap.String("event_id", e.EventID),
		zap.String("event_type", string(e.EventType)),
		zap.Error(cause),
	)...)
	p.metrics.PublishFailed(ctx, string(e.EventType))
	return err
}

// Close stops accepting events and waits for queued ones to be sent.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, ch := range p.shards {
			close(ch)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher drain: %w", ctx.Err())
	}
}
