package orders

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/events"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/logger"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/reqctx"
)

const ReasonReservationFailed = "inventory reservation failed"

// InventoryOutcomeHandler closes the compensation loop: an order whose
// reservation failed is cancelled.
type InventoryOutcomeHandler struct {
	orchestrator *Orchestrator
	logger       *zap.Logger
}

func NewInventoryOutcomeHandler(orchestrator *Orchestrator, logger *zap.Logger) *InventoryOutcomeHandler {
	return &InventoryOutcomeHandler{orchestrator: orchestrator, logger: logger}
}

func (h *InventoryOutcomeHandler) Handle(ctx context.Context, e events.DomainEvent) error {
	fields := logger.Saga(e.TenantID, e.OrderID, e.CorrelationID)

	switch e.EventType {
	case events.InventoryReserved:
		h.logger.Info("✅ Inventory reserved", fields...)
		return nil
	case events.InventoryReleased:
		h.logger.Info("↩️ Inventory released", fields...)
		return nil
	case events.InventoryReservationFailed:
	default:
		return nil
	}

	var outcome events.InventoryOutcome
	if err := e.DecodePayload(&outcome); err != nil {
		return err
	}
	h.logger.Warn("❌ Inventory reservation failed", append(fields, zap.Any("shortages", outcome.Shortages))...)

	caller := reqctx.System(e.TenantID).WithCorrelation(e.CorrelationID)
	_, err := h.orchestrator.CancelOrder(ctx, caller, e.OrderID, ReasonReservationFailed)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrOrderNotFound):
		// Already terminal or gone; redelivery must not loop.
		h.logger.Info("ℹ️ Skipping cancellation", append(fields, zap.Error(err))...)
		return nil
	default:
		return err
	}
}
