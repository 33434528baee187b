package main

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/orders"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/reqctx"
)

const (
	headerTenantID       = "X-Tenant-ID"
	headerUserID         = "X-User-ID"
	headerCorrelationID  = "X-Correlation-ID"
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

// OrderUseCase is the part of the orchestrator the HTTP layer drives.
type OrderUseCase interface {
	PlaceOrder(ctx context.Context, caller reqctx.Caller, token string, req orders.CreateOrderRequest) (orders.PlaceOrderResult, error)
	GetOrder(ctx context.Context, caller reqctx.Caller, orderID string) (*orders.Order, error)
	UpdateStatus(ctx context.Context, caller reqctx.Caller, orderID string, next orders.Status, reason string) (*orders.Order, error)
	ShipOrder(ctx context.Context, caller reqctx.Caller, orderID string, tracking orders.Tracking) (*orders.Order, error)
	CancelOrder(ctx context.Context, caller reqctx.Caller, orderID, reason string) (*orders.Order, error)
	ValidateOrder(ctx context.Context, caller reqctx.Caller, orderID string) (bool, error)
}

type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

type ShipOrderRequest struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

type OrderHandler struct {
	useCase OrderUseCase
	tracer  trace.Tracer
}

func NewOrderHandler(useCase OrderUseCase, tracer trace.Tracer) *OrderHandler {
	return &OrderHandler{
		useCase: useCase,
		tracer:  tracer,
	}
}

// callerFrom reads the identity headers. It writes the 400 itself and
// returns false when the tenant is missing.
func callerFrom(c *gin.Context) (reqctx.Caller, bool) {
	caller := reqctx.New(c.GetHeader(headerTenantID), c.GetHeader(headerUserID), c.GetHeader(headerCorrelationID))
	if err := caller.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return reqctx.Caller{}, false
	}
	c.Header(headerCorrelationID, caller.CorrelationID)
	return caller, true
}

func spanCaller(span trace.Span, caller reqctx.Caller) {
	span.SetAttributes(
		attribute.String("tenant_id", caller.TenantID),
		attribute.String("user_id", caller.UserID),
		attribute.String("correlation_id", caller.CorrelationID),
	)
}

// CreateOrder places an order. With an Idempotency-Key header a retried
// request returns the first response with 200 instead of 201.
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.create_order")
	defer span.End()

	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	spanCaller(span, caller)

	var req orders.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.useCase.PlaceOrder(ctx, caller, c.GetHeader(headerIdempotencyKey), req)
	if err != nil {
		span.RecordError(err)
		writeError(c, err)
		return
	}

	span.SetAttributes(
		attribute.String("order_id", result.Order.ID),
		attribute.Bool("idempotent_replay", result.Cached),
	)
	if result.Cached {
		c.Header(headerReplayed, "true")
		c.JSON(http.StatusOK, result.Order)
		return
	}
	c.JSON(http.StatusCreated, result.Order)
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.get_order")
	defer span.End()

	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	spanCaller(span, caller)
	span.SetAttributes(attribute.String("order_id", c.Param("id")))

	order, err := h.useCase.GetOrder(ctx, caller, c.Param("id"))
	if err != nil {
		span.RecordError(err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) UpdateStatus(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.update_order_status")
	defer span.End()

	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	spanCaller(span, caller)

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	next, err := orders.ParseStatus(req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	span.SetAttributes(
		attribute.String("order_id", c.Param("id")),
		attribute.String("status", string(next)),
	)

	order, err := h.useCase.UpdateStatus(ctx, caller, c.Param("id"), next, req.Reason)
	if err != nil {
		span.RecordError(err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) ShipOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.ship_order")
	defer span.End()

	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	spanCaller(span, caller)

	var req ShipOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		order *orders.Order
		err   error
	)
	// Without a tracking number the orchestrator generates one.
	if req.TrackingNumber == "" {
		order, err = h.useCase.UpdateStatus(ctx, caller, c.Param("id"), orders.StatusShipped, "")
	} else {
		order, err = h.useCase.ShipOrder(ctx, caller, c.Param("id"), orders.Tracking{
			Carrier:        req.Carrier,
			TrackingNumber: req.TrackingNumber,
		})
	}
	if err != nil {
		span.RecordError(err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) CancelOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.cancel_order")
	defer span.End()

	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	spanCaller(span, caller)

	var req CancelOrderRequest
	// The body is optional.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by customer"
	}

	order, err := h.useCase.CancelOrder(ctx, caller, c.Param("id"), req.Reason)
	if err != nil {
		span.RecordError(err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) ValidateOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.validate_order")
	defer span.End()

	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	spanCaller(span, caller)

	valid, err := h.useCase.ValidateOrder(ctx, caller, c.Param("id"))
	if err != nil {
		span.RecordError(err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": c.Param("id"), "valid": valid})
}

func (h *OrderHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "orders",
	})
}
