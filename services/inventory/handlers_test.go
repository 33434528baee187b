package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/events"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/inventory"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/broker"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/config"
)

const tenant = "tenant-a"

type fixture struct {
	app  *app
	repo *inventory.MemoryRepository
	bus  *broker.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		ServiceName:          "inventory-service",
		OrderEventsTopic:     "order-events",
		InventoryEventsTopic: "inventory-events",
		PublisherShards:      2,
		PublisherBuffer:      64,
		PublishTimeout:       time.Second,
		ReservationRetries:   3,
		ReservationBackoff:   time.Millisecond,
	}
	transport, err := broker.Connect(broker.Settings{Kind: broker.KindMemory}, []string{cfg.OrderEventsTopic}, zap.NewNop())
	require.NoError(t, err)

	f := &fixture{repo: inventory.NewMemoryRepository(), bus: transport.Producer.(*broker.Memory)}
	f.app = newApp(cfg, f.repo, transport, zap.NewNop())
	t.Cleanup(func() {
		_ = f.app.publisher.Close(context.Background())
		_ = transport.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, tenantID string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(headerTenantID, tenantID)
	}
	w := httptest.NewRecorder()
	f.app.router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"inventory"}`, w.Body.String())
}

func TestStockAPI(t *testing.T) {
	// Arrange
	f := newFixture(t)

	// Act
	w := f.do(t, http.MethodPut, "/api/inventory/SKU-1", map[string]int{"available": 12}, tenant)

	// Assert
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var item inventory.StockItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &item))
	assert.Equal(t, 12, item.Available)

	w = f.do(t, http.MethodGet, "/api/inventory/SKU-1", nil, tenant)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &item))
	assert.Equal(t, "SKU-1", item.SKU)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/inventory/SKU-1", nil, "tenant-b").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/inventory/NOPE", nil, tenant).Code)
}

func TestStockAPI_Rejects(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/inventory/SKU-1", map[string]int{"available": -1}, tenant).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/inventory/SKU-1", map[string]int{}, tenant).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/inventory/SKU-1", nil, "").Code)
}

func TestOrderCreatedReservesThroughDispatch(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/inventory/SKU-1", map[string]int{"available": 3}, tenant).Code)

	e, err := events.New(events.OrderCreated, tenant, "order-1", events.OrderSnapshot{
		OrderNumber: "QC-1",
		Items:       []events.LineItem{{SKU: "SKU-1", Quantity: 2, UnitPrice: decimal.NewFromInt(5)}},
	})
	require.NoError(t, err)
	msg, err := events.Encode("order-events", e)
	require.NoError(t, err)

	require.NoError(t, f.app.dispatch(context.Background(), msg))

	w := f.do(t, http.MethodGet, "/api/reservations/order-1", nil, tenant)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Reservations []inventory.Reservation `json:"reservations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Reservations, 1)
	assert.Equal(t, inventory.ReservationActive, body.Reservations[0].Status)

	require.Eventually(t, func() bool { return len(f.bus.Messages("inventory-events")) == 1 }, 2*time.Second, 5*time.Millisecond)
	outcome, err := events.Decode(f.bus.Messages("inventory-events")[0])
	require.NoError(t, err)
	assert.Equal(t, events.InventoryReserved, outcome.EventType)
}

func TestListReservations_EmptyIsArray(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/reservations/none", nil, tenant)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"order_id":"none","reservations":[]}`, w.Body.String())
}
