package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/inventory"
)

const headerTenantID = "X-Tenant-ID"

// StockStore is the read and seeding side of the stock repository.
type StockStore interface {
	GetStock(ctx context.Context, tenantID, sku string) (*inventory.StockItem, error)
	SetStock(ctx context.Context, tenantID, sku string, available int) (*inventory.StockItem, error)
	ListReservations(ctx context.Context, tenantID, orderID string) ([]inventory.Reservation, error)
}

type SetStockRequest struct {
	Available *int `json:"available" binding:"required"`
}

type InventoryHandler struct {
	store  StockStore
	tracer trace.Tracer
}

func NewInventoryHandler(store StockStore, tracer trace.Tracer) *InventoryHandler {
	return &InventoryHandler{
		store:  store,
		tracer: tracer,
	}
}

func tenantFrom(c *gin.Context) (string, bool) {
	tenantID := c.GetHeader(headerTenantID)
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant id is required"})
		return "", false
	}
	return tenantID, true
}

// SetStock seeds or overwrites the available quantity of a SKU.
func (h *InventoryHandler) SetStock(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.set_stock")
	defer span.End()

	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	var req SetStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("sku", c.Param("sku")),
		attribute.Int("available", *req.Available),
	)

	item, err := h.store.SetStock(ctx, tenantID, c.Param("sku"), *req.Available)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, inventory.ErrInvalidQuantity) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to set stock"})
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *InventoryHandler) GetStock(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.get_stock")
	defer span.End()

	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("tenant_id", tenantID), attribute.String("sku", c.Param("sku")))

	item, err := h.store.GetStock(ctx, tenantID, c.Param("sku"))
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, inventory.ErrStockNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get stock"})
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *InventoryHandler) ListReservations(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.list_reservations")
	defer span.End()

	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("tenant_id", tenantID), attribute.String("order_id", c.Param("orderId")))

	list, err := h.store.ListReservations(ctx, tenantID, c.Param("orderId"))
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list reservations"})
		return
	}
	if list == nil {
		list = []inventory.Reservation{}
	}
	c.JSON(http.StatusOK, gin.H{"order_id": c.Param("orderId"), "reservations": list})
}

func (h *InventoryHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "inventory",
	})
}
