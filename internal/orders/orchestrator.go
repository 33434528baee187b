package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/events"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/idempotency"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/cache"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/logger"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/reqctx"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/telemetry"
)

const maxCreateAttempts = 3

type EventPublisher interface {
	Publish(ctx context.Context, caller reqctx.Caller, e events.DomainEvent) *events.Future
}

type IdempotencyGuard interface {
	Validate(ctx context.Context, caller reqctx.Caller, token string, request any) (idempotency.Decision, error)
	MarkProcessing(ctx context.Context, caller reqctx.Caller, token string) error
	MarkCompleted(ctx context.Context, caller reqctx.Caller, token, orderID string, response any) error
	MarkFailed(ctx context.Context, caller reqctx.Caller, token string, cause error) error
}

type Options struct {
	OrderNumberPrefix string
}

// Orchestrator runs the order saga: guarded creation, validated status
// transitions and event emission. Persistence completes before a method
// returns; event publication does not.
type Orchestrator struct {
	repository Repository
	sagas      SagaRepository
	guard      IdempotencyGuard
	publisher  EventPublisher
	cache      cache.Cache[*Order]
	numbers    *OrderNumberGenerator
	logger     *zap.Logger
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

func NewOrchestrator(
	repository Repository,
	sagas SagaRepository,
	guard IdempotencyGuard,
	publisher EventPublisher,
	orderCache cache.Cache[*Order],
	opts Options,
	logger *zap.Logger,
	metrics *telemetry.Metrics,
) *Orchestrator {
	if orderCache == nil {
		orderCache = cache.Noop[*Order]{}
	}
	if opts.OrderNumberPrefix == "" {
		opts.OrderNumberPrefix = "ORD"
	}
	return &Orchestrator{
		repository: repository,
		sagas:      sagas,
		guard:      guard,
		publisher:  publisher,
		cache:      orderCache,
		numbers:    NewOrderNumberGenerator(opts.OrderNumberPrefix, repository),
		logger:     logger,
		metrics:    metrics,
		tracer:     otel.Tracer("orders-orchestrator"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type PlaceOrderResult struct {
	Order *Order
	// Cached is set when the order comes from an earlier request with the
	// same idempotency token.
	Cached bool
}

// PlaceOrder is the guarded entry point. Without a token the request is
// created directly.
func (o *Orchestrator) PlaceOrder(ctx context.Context, caller reqctx.Caller, token string, req CreateOrderRequest) (PlaceOrderResult, error) {
	ctx, span := o.tracer.Start(ctx, "orders.place_order")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", caller.TenantID),
		attribute.String("user_id", caller.UserID),
		attribute.Bool("idempotent", token != ""),
	)

	req.Normalize()
	if token == "" {
		order, err := o.CreateOrder(ctx, caller, req)
		if err != nil {
			span.RecordError(err)
			return PlaceOrderResult{}, err
		}
		return PlaceOrderResult{Order: order}, nil
	}

	// Reject malformed requests before a token is spent on them.
	if err := req.Validate(); err != nil {
		return PlaceOrderResult{}, err
	}

	decision, err := o.guard.Validate(ctx, caller, token, req)
	if err != nil {
		span.RecordError(err)
		return PlaceOrderResult{}, fmt.Errorf("idempotency check: %w", err)
	}
	span.SetAttributes(attribute.String("idempotency.decision", decision.Kind.String()))

	switch decision.Kind {
	case idempotency.Reject:
		return PlaceOrderResult{}, decision.Err()
	case idempotency.ReturnCached:
		var cachedOrder Order
		if err := json.Unmarshal(decision.Response, &cachedOrder); err != nil {
			return PlaceOrderResult{}, fmt.Errorf("decode cached response: %w", err)
		}
		return PlaceOrderResult{Order: &cachedOrder, Cached: true}, nil
	}

	if err := o.guard.MarkProcessing(ctx, caller, token); err != nil {
		return PlaceOrderResult{}, err
	}

	order, err := o.CreateOrder(ctx, caller, req)
	if err != nil {
		span.RecordError(err)
		if markErr := o.guard.MarkFailed(context.WithoutCancel(ctx), caller, token, err); markErr != nil {
			o.logger.Error("❌ Failed to mark idempotency token failed", zap.String("token", token), zap.Error(markErr))
		}
		return PlaceOrderResult{}, err
	}

	if err := o.guard.MarkCompleted(context.WithoutCancel(ctx), caller, token, order.ID, order); err != nil {
		// The order exists; the token stays in flight until it expires.
		o.logger.Error("❌ Failed to mark idempotency token completed",
			append(logger.Saga(caller.TenantID, order.ID, caller.CorrelationID), zap.String("token", token), zap.Error(err))...)
	}
	return PlaceOrderResult{Order: order}, nil
}

// CreateOrder prices and persists a PENDING order, then emits OrderCreated.
func (o *Orchestrator) CreateOrder(ctx context.Context, caller reqctx.Caller, req CreateOrderRequest) (*Order, error) {
	if err := caller.ValidateOwner(); err != nil {
		field := "tenant_id"
		if errors.Is(err, reqctx.ErrMissingUser) {
			field = "user_id"
		}
		return nil, &ValidationError{Field: field, Message: err.Error()}
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	o.logger.Info("➡️ [CREATE ORDER]", zap.String("tenant_id", caller.TenantID), zap.String("user_id", caller.UserID))

	now := o.now()
	order := &Order{
		ID:              uuid.New().String(),
		TenantID:        caller.TenantID,
		UserID:          caller.UserID,
		Items:           req.Items,
		ShippingAddress: *req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		Currency:        req.Currency,
		Amounts:         Price(req.Items),
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var err error
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		order.OrderNumber, err = o.numbers.Generate(ctx, caller.TenantID)
		if err != nil {
			return nil, fmt.Errorf("generate order number: %w", err)
		}
		err = o.repository.CreateOrder(ctx, order)
		if !errors.Is(err, ErrOrderNumberTaken) {
			break
		}
	}
	if err != nil {
		o.logger.Error("❌ Failed to create order", zap.String("tenant_id", caller.TenantID), zap.Error(err))
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	o.metrics.OrderCreated(ctx, caller.TenantID)
	o.logger.Info("✅ Order created", append(logger.Saga(caller.TenantID, order.ID, caller.CorrelationID),
		zap.String("order_number", order.OrderNumber),
		zap.String("total", order.Amounts.Total.StringFixed(2)),
	)...)

	o.emit(ctx, caller, order, events.OrderCreated, "")
	return order, nil
}

// UpdateStatus applies one state-machine edge and emits the matching event.
func (o *Orchestrator) UpdateStatus(ctx context.Context, caller reqctx.Caller, orderID string, next Status, reason string) (*Order, error) {
	return o.transition(ctx, caller, orderID, next, reason, nil)
}

// ShipOrder moves the order to SHIPPED with the given tracking metadata.
func (o *Orchestrator) ShipOrder(ctx context.Context, caller reqctx.Caller, orderID string, tracking Tracking) (*Order, error) {
	return o.transition(ctx, caller, orderID, StatusShipped, "", &tracking)
}

// CancelOrder cancels the order; inventory compensation follows from the
// emitted OrderCancelled event.
func (o *Orchestrator) CancelOrder(ctx context.Context, caller reqctx.Caller, orderID, reason string) (*Order, error) {
	return o.transition(ctx, caller, orderID, StatusCancelled, reason, nil)
}

func (o *Orchestrator) transition(ctx context.Context, caller reqctx.Caller, orderID string, next Status, reason string, tracking *Tracking) (*Order, error) {
	ctx, span := o.tracer.Start(ctx, "orders.update_status")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", caller.TenantID),
		attribute.String("order_id", orderID),
		attribute.String("status", string(next)),
	)

	fields := logger.Saga(caller.TenantID, orderID, caller.CorrelationID)
	o.logger.Info("➡️ [UPDATE STATUS]", append(fields, zap.String("status", string(next)), zap.String("reason", reason))...)

	order, err := o.repository.GetOrder(ctx, caller.TenantID, orderID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	previous := order.Status
	now := o.now()
	if err := order.TransitionTo(next, reason, now); err != nil {
		o.logger.Warn("❌ Rejected status transition", append(fields, zap.Error(err))...)
		return nil, err
	}

	if next == StatusShipped {
		if tracking == nil {
			number, err := TrackingNumber()
			if err != nil {
				return nil, err
			}
			tracking = &Tracking{TrackingNumber: number}
		}
		if tracking.ShippedAt.IsZero() {
			tracking.ShippedAt = now
		}
		order.Tracking = tracking
	}

	if err := o.repository.UpdateOrder(ctx, order, previous); err != nil {
		span.RecordError(err)
		o.logger.Error("❌ Failed to persist status", append(fields, zap.Error(err))...)
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}
	// Write through: the versioned put also fences out readers still
	// holding the previous row.
	if err := o.cache.Put(ctx, caller.TenantID, orderID, order); err != nil {
		o.logger.Warn("Order cache write failed, invalidating", append(fields, zap.Error(err))...)
		_ = o.cache.Invalidate(ctx, caller.TenantID, orderID)
	}

	o.metrics.StatusTransition(ctx, string(next))
	if next == StatusCancelled {
		o.logger.Info("↩️ Order cancelled", append(fields, zap.String("from", string(previous)), zap.String("reason", reason))...)
	} else {
		o.logger.Info("✅ Order status updated", append(fields, zap.String("from", string(previous)), zap.String("to", string(next)))...)
	}

	eventType, _ := EventTypeFor(next)
	o.emit(ctx, caller, order, eventType, reason)
	return order, nil
}

// ValidateOrder is true iff the order exists and is not cancelled.
func (o *Orchestrator) ValidateOrder(ctx context.Context, caller reqctx.Caller, orderID string) (bool, error) {
	order, err := o.repository.GetOrder(ctx, caller.TenantID, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return order.Status != StatusCancelled, nil
}

// GetOrder reads through the order cache.
func (o *Orchestrator) GetOrder(ctx context.Context, caller reqctx.Caller, orderID string) (*Order, error) {
	if cached, ok, err := o.cache.Get(ctx, caller.TenantID, orderID); err == nil && ok {
		return cached, nil
	} else if err != nil {
		o.logger.Warn("Order cache read failed", zap.String("order_id", orderID), zap.Error(err))
	}

	order, err := o.repository.GetOrder(ctx, caller.TenantID, orderID)
	if err != nil {
		return nil, err
	}
	if err := o.cache.Put(ctx, caller.TenantID, orderID, order); err != nil {
		o.logger.Warn("Order cache write failed", zap.String("order_id", orderID), zap.Error(err))
	}
	return order, nil
}

func (o *Orchestrator) emit(ctx context.Context, caller reqctx.Caller, order *Order, eventType events.Type, reason string) {
	event, err := EventFor(order, eventType, reason)
	if err != nil {
		o.logger.Error("❌ Failed to build event", zap.String("order_id", order.ID), zap.Error(err))
		o.RecordPublishFailure(context.WithoutCancel(ctx), order.TenantID, order.ID, err)
		return
	}
	event.CorrelationID = caller.CorrelationID

	tenantID, orderID := order.TenantID, order.ID
	o.publisher.Publish(ctx, caller, event).OnFailure(func(err error) {
		o.RecordPublishFailure(context.WithoutCancel(ctx), tenantID, orderID, err)
	})
}

// RecordPublishFailure flags the saga so the timeout sweep replays it.
func (o *Orchestrator) RecordPublishFailure(ctx context.Context, tenantID, orderID string, cause error) {
	if err := o.sagas.MarkSagaPublishFailed(ctx, tenantID, orderID, cause.Error(), o.now()); err != nil {
		o.logger.Error("❌ Failed to record publish failure", zap.String("order_id", orderID), zap.Error(err))
	}
}
