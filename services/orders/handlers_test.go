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
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/events"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/idempotency"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/orders"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/broker"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/cache"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/config"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/reqctx"
)

const (
	testTenant = "tenant-a"
	testUser   = "user-1"
)

func testConfig() *config.Config {
	return &config.Config{
		ServiceName:                "orders-service",
		Port:                       "0",
		StorageDriver:              config.StorageMemory,
		Broker:                     config.BrokerMemory,
		OrderEventsTopic:           "order-events",
		InventoryEventsTopic:       "inventory-events",
		OrderNumberPrefix:          "QC",
		IdempotencyTTL:             time.Hour,
		IdempotencyRateLimit:       10,
		IdempotencyRateLimitWindow: time.Hour,
		PublisherShards:            2,
		PublisherBuffer:            64,
		PublishTimeout:             time.Second,
		ReplayPageSize:             10,
		CacheTTL:                   time.Minute,
		ShutdownGracePeriod:        time.Second,
	}
}

type OrdersAPISuite struct {
	suite.Suite
	cfg *config.Config
	app *app
	bus *broker.Memory
}

func TestOrdersAPISuite(t *testing.T) {
	gin.SetMode(gin.TestMode)
	suite.Run(t, new(OrdersAPISuite))
}

func (s *OrdersAPISuite) SetupTest() {
	if s.cfg == nil {
		s.cfg = testConfig()
	}
	transport, err := broker.Connect(broker.Settings{Kind: broker.KindMemory}, []string{s.cfg.InventoryEventsTopic}, zap.NewNop())
	s.Require().NoError(err)
	s.bus = transport.Producer.(*broker.Memory)

	repo := orders.NewMemoryRepository()
	st := stores{orders: repo, sagas: repo, tokens: idempotency.NewMemoryRepository(), close: func() {}}
	s.app = newApp(s.cfg, st, cache.NewMemoryCache[*orders.Order](time.Minute), transport, zap.NewNop())
}

func (s *OrdersAPISuite) TearDownTest() {
	_ = s.app.publisher.Close(context.Background())
	_ = s.app.transport.Close()
	s.cfg = nil
}

func (s *OrdersAPISuite) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTenantID, testTenant)
	req.Header.Set(headerUserID, testUser)
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.app.router.ServeHTTP(w, req)
	return w
}

func (s *OrdersAPISuite) decode(w *httptest.ResponseRecorder, v any) {
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func orderBody(qty int) map[string]any {
	return map[string]any{
		"items": []map[string]any{{"sku": "SKU-1", "quantity": qty, "unit_price": "10.00"}},
		"shipping_address": map[string]any{
			"line1": "1 Main St", "city": "Springfield", "postal_code": "12345", "country": "US",
		},
	}
}

func (s *OrdersAPISuite) createOrder(key string) orders.Order {
	w := s.do(http.MethodPost, "/api/orders", orderBody(1), map[string]string{headerIdempotencyKey: key})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	var o orders.Order
	s.decode(w, &o)
	return o
}

func (s *OrdersAPISuite) TestHealthCheck() {
	w := s.do(http.MethodGet, "/health", nil, nil)

	s.Equal(http.StatusOK, w.Code)
	s.JSONEq(`{"status":"healthy","service":"orders"}`, w.Body.String())
}

func (s *OrdersAPISuite) TestCreateOrder_RetryReturnsFirstResponse() {
	// Arrange
	first := s.createOrder("key-1")

	// Act
	w := s.do(http.MethodPost, "/api/orders", orderBody(1), map[string]string{headerIdempotencyKey: "key-1"})

	// Assert
	s.Equal(http.StatusOK, w.Code)
	s.Equal("true", w.Header().Get(headerReplayed))
	var again orders.Order
	s.decode(w, &again)
	s.Equal(first.ID, again.ID)
	s.Equal(orders.StatusPending, again.Status)
	s.Equal("20.79", first.Amounts.Total.StringFixed(2), "10.00 + 8% tax + 9.99 shipping")

	stored, err := s.app.orchestrator.GetOrder(context.Background(), reqctx.New(testTenant, testUser, ""), first.ID)
	s.Require().NoError(err)
	s.Equal(first.OrderNumber, stored.OrderNumber)
}

func (s *OrdersAPISuite) TestCreateOrder_EchoesCorrelationID() {
	w := s.do(http.MethodPost, "/api/orders", orderBody(1), map[string]string{headerCorrelationID: "corr-42"})

	s.Equal(http.StatusCreated, w.Code)
	s.Equal("corr-42", w.Header().Get(headerCorrelationID))
}

func (s *OrdersAPISuite) TestCreateOrder_Rejections() {
	s.createOrder("key-1")

	tests := []struct {
		name    string
		body    any
		headers map[string]string
		status  int
		reason  string
	}{
		{
			name:    "missing tenant",
			body:    orderBody(1),
			headers: map[string]string{headerTenantID: ""},
			status:  http.StatusBadRequest,
		},
		{
			name:    "missing user",
			body:    orderBody(3),
			headers: map[string]string{headerUserID: "", headerIdempotencyKey: "key-anon"},
			status:  http.StatusBadRequest,
		},
		{
			name:    "missing user without key",
			body:    orderBody(3),
			headers: map[string]string{headerUserID: "", headerIdempotencyKey: ""},
			status:  http.StatusBadRequest,
		},
		{
			name:    "same key different body",
			body:    orderBody(2),
			headers: map[string]string{headerIdempotencyKey: "key-1"},
			status:  http.StatusUnprocessableEntity,
			reason:  string(idempotency.ReasonHashMismatch),
		},
		{
			name:    "same body new key",
			body:    orderBody(1),
			headers: map[string]string{headerIdempotencyKey: "key-2"},
			status:  http.StatusConflict,
			reason:  string(idempotency.ReasonDuplicateOrder),
		},
		{
			name:    "token of another user",
			body:    orderBody(1),
			headers: map[string]string{headerIdempotencyKey: "key-1", headerUserID: "user-2"},
			status:  http.StatusForbidden,
			reason:  string(idempotency.ReasonWrongUser),
		},
		{
			name:    "no items",
			body:    map[string]any{"items": []any{}},
			headers: map[string]string{headerIdempotencyKey: "key-3"},
			status:  http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			w := s.do(http.MethodPost, "/api/orders", tt.body, tt.headers)

			s.Equal(tt.status, w.Code, w.Body.String())
			var body map[string]any
			s.decode(w, &body)
			s.NotEmpty(body["error"])
			if tt.reason != "" {
				s.Equal(tt.reason, body["reason"])
			}
		})
	}
}

func (s *OrdersAPISuite) TestCreateOrder_DuplicateCarriesExistingOrder() {
	first := s.createOrder("key-1")

	w := s.do(http.MethodPost, "/api/orders", orderBody(1), map[string]string{headerIdempotencyKey: "key-2"})

	s.Require().Equal(http.StatusConflict, w.Code)
	var body map[string]any
	s.decode(w, &body)
	s.Equal(first.ID, body["existing_order_id"])
}

func (s *OrdersAPISuite) TestGetOrder_IsTenantScoped() {
	o := s.createOrder("key-1")

	s.Equal(http.StatusOK, s.do(http.MethodGet, "/api/orders/"+o.ID, nil, nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/api/orders/"+o.ID, nil, map[string]string{headerTenantID: "tenant-b"}).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/api/orders/missing", nil, nil).Code)
}

func (s *OrdersAPISuite) TestLifecycle() {
	o := s.createOrder("key-1")
	path := "/api/orders/" + o.ID

	for _, st := range []string{"CONFIRMED", "processing"} {
		w := s.do(http.MethodPatch, path+"/status", map[string]string{"status": st}, nil)
		s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	}

	w := s.do(http.MethodPost, path+"/ship", map[string]string{"carrier": "UPS", "tracking_number": "1Z999"}, nil)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var shipped orders.Order
	s.decode(w, &shipped)
	s.Require().NotNil(shipped.Tracking)
	s.Equal("1Z999", shipped.Tracking.TrackingNumber)
	s.Equal("UPS", shipped.Tracking.Carrier)

	w = s.do(http.MethodPatch, path+"/status", map[string]string{"status": "PENDING"}, nil)
	s.Equal(http.StatusConflict, w.Code, "backwards transition")

	w = s.do(http.MethodPatch, path+"/status", map[string]string{"status": "LOST"}, nil)
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPatch, path+"/status", map[string]string{"status": "DELIVERED"}, nil)
	s.Require().Equal(http.StatusOK, w.Code)

	s.Eventually(func() bool { return len(s.bus.Messages(s.cfg.OrderEventsTopic)) == 5 }, 2*time.Second, 5*time.Millisecond)
}

func (s *OrdersAPISuite) TestShipWithoutTrackingGeneratesOne() {
	o := s.createOrder("key-1")
	path := "/api/orders/" + o.ID
	for _, st := range []string{"CONFIRMED", "PROCESSING"} {
		s.Require().Equal(http.StatusOK, s.do(http.MethodPatch, path+"/status", map[string]string{"status": st}, nil).Code)
	}

	w := s.do(http.MethodPost, path+"/ship", map[string]string{}, nil)

	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var shipped orders.Order
	s.decode(w, &shipped)
	s.Require().NotNil(shipped.Tracking)
	s.Regexp(`^TRK-[0-9A-Z]{10}$`, shipped.Tracking.TrackingNumber)
}

func (s *OrdersAPISuite) TestCancelAndValidate() {
	o := s.createOrder("key-1")
	path := "/api/orders/" + o.ID

	var valid map[string]any
	s.decode(s.do(http.MethodGet, path+"/valid", nil, nil), &valid)
	s.Equal(true, valid["valid"])

	w := s.do(http.MethodPost, path+"/cancel", map[string]string{"reason": "changed my mind"}, nil)
	s.Require().Equal(http.StatusOK, w.Code)
	var cancelled orders.Order
	s.decode(w, &cancelled)
	s.Equal(orders.StatusCancelled, cancelled.Status)
	s.Equal("changed my mind", cancelled.CancellationReason)

	s.Equal(http.StatusConflict, s.do(http.MethodPost, path+"/cancel", nil, nil).Code)

	s.decode(s.do(http.MethodGet, path+"/valid", nil, nil), &valid)
	s.Equal(false, valid["valid"])

	s.decode(s.do(http.MethodGet, "/api/orders/missing/valid", nil, nil), &valid)
	s.Equal(false, valid["valid"])
}

func (s *OrdersAPISuite) TestInventoryFailureCancelsOrder() {
	o := s.createOrder("key-1")
	e, err := events.New(events.InventoryReservationFailed, testTenant, o.ID, events.InventoryOutcome{
		Shortages: []events.Shortage{{SKU: "SKU-1", Requested: 1, Reason: "insufficient_stock"}},
	})
	s.Require().NoError(err)
	msg, err := events.Encode(s.cfg.InventoryEventsTopic, e)
	s.Require().NoError(err)

	s.Require().NoError(s.app.dispatch(context.Background(), msg))

	var got orders.Order
	s.decode(s.do(http.MethodGet, "/api/orders/"+o.ID, nil, nil), &got)
	s.Equal(orders.StatusCancelled, got.Status)
	s.Equal(orders.ReasonReservationFailed, got.CancellationReason)
}

func (s *OrdersAPISuite) TestAdminReplayOrder() {
	o := s.createOrder("key-1")
	s.Eventually(func() bool { return len(s.bus.Messages(s.cfg.OrderEventsTopic)) == 1 }, 2*time.Second, 5*time.Millisecond)

	w := s.do(http.MethodPost, "/admin/orders/"+o.ID+"/replay?wait=true", nil, map[string]string{headerCorrelationID: "replay-1"})

	s.Require().Equal(http.StatusAccepted, w.Code, w.Body.String())
	var body struct {
		OrderID       string        `json:"order_id"`
		CorrelationID string        `json:"correlation_id"`
		Events        []events.Type `json:"events"`
		Acknowledged  bool          `json:"acknowledged"`
	}
	s.decode(w, &body)
	s.Equal(o.ID, body.OrderID)
	s.Equal("replay-1", body.CorrelationID)
	s.Equal([]events.Type{events.OrderCreated}, body.Events)
	s.True(body.Acknowledged)

	msgs := s.bus.Messages(s.cfg.OrderEventsTopic)
	s.Require().Len(msgs, 2)
	replayed, err := events.Decode(msgs[1])
	s.Require().NoError(err)
	s.True(replayed.Replayed)

	s.Equal(http.StatusNotFound, s.do(http.MethodPost, "/admin/orders/missing/replay", nil, nil).Code)
}

func (s *OrdersAPISuite) TestAdminReplayBatch() {
	s.createOrder("key-1")

	w := s.do(http.MethodPost, "/admin/replay", map[string]string{"status": "PENDING"}, nil)
	s.Require().Equal(http.StatusAccepted, w.Code, w.Body.String())
	var result struct {
		Scanned  int `json:"scanned"`
		Replayed int `json:"replayed"`
	}
	s.decode(w, &result)
	s.Equal(1, result.Scanned)
	s.Equal(1, result.Replayed)

	w = s.do(http.MethodPost, "/admin/replay", map[string]any{
		"from": time.Now().Add(-time.Hour).UTC(),
		"to":   time.Now().Add(time.Hour).UTC(),
	}, nil)
	s.Require().Equal(http.StatusAccepted, w.Code, w.Body.String())
	s.decode(w, &result)
	s.Equal(1, result.Replayed)

	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/admin/replay", map[string]string{}, nil).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/admin/replay", map[string]any{
		"status": "PENDING", "from": time.Now().UTC(),
	}, nil).Code)
}

func (s *OrdersAPISuite) TestAdminConsistencyAndSweeps() {
	o := s.createOrder("key-1")

	var consistency map[string]any
	s.decode(s.do(http.MethodGet, "/admin/orders/"+o.ID+"/consistency", nil, nil), &consistency)
	s.Equal(true, consistency["consistent"])

	w := s.do(http.MethodPost, "/admin/sweeps/timeouts", nil, nil)
	s.Require().Equal(http.StatusOK, w.Code)
	var report map[string]int
	s.decode(w, &report)
	s.Zero(report["cancelled"], "a fresh order is not timed out")

	w = s.do(http.MethodPost, "/admin/sweeps/cleanup", nil, nil)
	s.Require().Equal(http.StatusOK, w.Code)
	s.JSONEq(`{"deleted":0}`, w.Body.String())
}

func (s *OrdersAPISuite) TestAdminToken() {
	s.TearDownTest()
	s.cfg = testConfig()
	s.cfg.AdminToken = "s3cret"
	s.SetupTest()

	s.Equal(http.StatusUnauthorized, s.do(http.MethodPost, "/admin/sweeps/cleanup", nil, nil).Code)
	s.Equal(http.StatusOK, s.do(http.MethodPost, "/admin/sweeps/cleanup", nil, map[string]string{"X-Admin-Token": "s3cret"}).Code)
}
