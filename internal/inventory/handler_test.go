package inventory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/events"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/broker"
)

const outcomeTopic = "inventory-events"

type handlerFixture struct {
	repo    *MemoryRepository
	bus     *broker.Memory
	handler *EventHandler
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	f := &handlerFixture{repo: NewMemoryRepository(), bus: broker.NewMemory()}
	pub := events.NewPublisher(f.bus, events.Options{Topic: outcomeTopic}, zap.NewNop(), nil)
	t.Cleanup(func() { _ = pub.Close(context.Background()) })
	f.handler = NewEventHandler(newCoordinator(t, f.repo), pub, zap.NewNop())
	return f
}

func orderEvent(t *testing.T, typ events.Type, orderID string, items ...events.LineItem) events.DomainEvent {
	t.Helper()
	e, err := events.New(typ, tenant, orderID, events.OrderSnapshot{OrderNumber: "QC-1", Items: items})
	require.NoError(t, err)
	e.CorrelationID = "corr-9"
	return e
}

func (f *handlerFixture) outcomes(t *testing.T, n int) []events.DomainEvent {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.bus.Messages(outcomeTopic)) >= n }, 2*time.Second, 5*time.Millisecond)
	var out []events.DomainEvent
	for _, m := range f.bus.Messages(outcomeTopic) {
		e, err := events.Decode(m)
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func line(sku string, qty int) events.LineItem {
	return events.LineItem{SKU: sku, Quantity: qty, UnitPrice: decimal.NewFromInt(1)}
}

func TestEventHandler_CreatedReservesAndReports(t *testing.T) {
	f := newHandlerFixture(t)
	seed(t, f.repo, "A", 5)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, orderEvent(t, events.OrderCreated, "order-1", line("A", 2))))

	assert.Equal(t, 3, stockOf(t, f.repo, "A").Available)
	out := f.outcomes(t, 1)
	assert.Equal(t, events.InventoryReserved, out[0].EventType)
	assert.Equal(t, "order-1", out[0].OrderID)
	assert.Equal(t, "corr-9", out[0].CorrelationID)

	var outcome events.InventoryOutcome
	require.NoError(t, out[0].DecodePayload(&outcome))
	assert.Len(t, outcome.ReservationIDs, 1)
}

func TestEventHandler_ShortageReportsFailure(t *testing.T) {
	f := newHandlerFixture(t)
	seed(t, f.repo, "A", 1)

	require.NoError(t, f.handler.Handle(context.Background(), orderEvent(t, events.OrderCreated, "order-1", line("A", 2))))

	out := f.outcomes(t, 1)
	require.Equal(t, events.InventoryReservationFailed, out[0].EventType)
	var outcome events.InventoryOutcome
	require.NoError(t, out[0].DecodePayload(&outcome))
	assert.Equal(t, []events.Shortage{{SKU: "A", Requested: 2, Available: 1, Reason: "insufficient_stock"}}, outcome.Shortages)
	assert.Equal(t, 1, stockOf(t, f.repo, "A").Available)
}

func TestEventHandler_CancelledReleases(t *testing.T) {
	f := newHandlerFixture(t)
	seed(t, f.repo, "A", 5)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, orderEvent(t, events.OrderCreated, "order-1", line("A", 5))))
	require.Zero(t, stockOf(t, f.repo, "A").Available)

	cancelled := orderEvent(t, events.OrderCancelled, "order-1", line("A", 5))
	require.NoError(t, f.handler.Handle(ctx, cancelled))
	// Redelivered cancellation changes nothing.
	require.NoError(t, f.handler.Handle(ctx, cancelled))

	assert.Equal(t, 5, stockOf(t, f.repo, "A").Available)
	out := f.outcomes(t, 2)
	require.Len(t, out, 2)
	assert.Equal(t, events.InventoryReleased, out[1].EventType)
}

func TestEventHandler_DeliveredConfirms(t *testing.T) {
	f := newHandlerFixture(t)
	seed(t, f.repo, "A", 5)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, orderEvent(t, events.OrderCreated, "order-1", line("A", 2))))
	require.NoError(t, f.handler.Handle(ctx, orderEvent(t, events.OrderDelivered, "order-1")))

	s := stockOf(t, f.repo, "A")
	assert.Equal(t, 3, s.Available)
	assert.Zero(t, s.Reserved)

	list, err := f.repo.ListReservations(ctx, tenant, "order-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ReservationConfirmed, list[0].Status)
}

func TestEventHandler_IgnoresOtherEvents(t *testing.T) {
	f := newHandlerFixture(t)
	assert.NoError(t, f.handler.Handle(context.Background(), orderEvent(t, events.OrderConfirmed, "order-1")))
}

func TestEventHandler_MalformedPayload(t *testing.T) {
	f := newHandlerFixture(t)
	e := orderEvent(t, events.OrderCreated, "order-1")
	e.Payload = json.RawMessage(`{"items": "nope"}`)

	err := f.handler.Handle(context.Background(), e)
	assert.ErrorIs(t, err, events.ErrMalformedEvent)
}
