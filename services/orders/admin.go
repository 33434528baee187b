package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/orders"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/reqctx"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/replay"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/sagatimeout"
)

const replayAckTimeout = 10 * time.Second

type ReplayUseCase interface {
	ReplayOrderEvents(ctx context.Context, caller reqctx.Caller, orderID string) (replay.Result, error)
	ReplayOrderEventsByDateRange(ctx context.Context, caller reqctx.Caller, from, to time.Time) (replay.BatchResult, error)
	ReplayOrderEventsByStatus(ctx context.Context, caller reqctx.Caller, status orders.Status) (replay.BatchResult, error)
	ValidateEventConsistency(ctx context.Context, caller reqctx.Caller, orderID string) (bool, error)
}

type Sweeper interface {
	HandleTimeouts(ctx context.Context) (sagatimeout.Report, error)
	CleanupCompletedSagas(ctx context.Context) (int64, error)
}

// BatchReplayRequest selects orders either by status or by creation window.
type BatchReplayRequest struct {
	Status string    `json:"status"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
}

// AdminHandler exposes replay and the sweeps for operators.
type AdminHandler struct {
	replay  ReplayUseCase
	sweeper Sweeper
	tracer  trace.Tracer
}

func NewAdminHandler(replay ReplayUseCase, sweeper Sweeper, tracer trace.Tracer) *AdminHandler {
	return &AdminHandler{replay: replay, sweeper: sweeper, tracer: tracer}
}

// ReplayOrder republishes one order's events. With ?wait=true it answers
// only after the broker acknowledged every event.
func (h *AdminHandler) ReplayOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.admin.replay_order")
	defer span.End()

	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	spanCaller(span, caller)
	span.SetAttributes(attribute.String("order_id", c.Param("id")))

	result, err := h.replay.ReplayOrderEvents(ctx, caller, c.Param("id"))
	if err != nil {
		span.RecordError(err)
		writeError(c, err)
		return
	}

	acknowledged := false
	if c.Query("wait") == "true" {
		waitCtx, cancel := context.WithTimeout(ctx, replayAckTimeout)
		defer cancel()
		if err := result.Wait(waitCtx); err != nil {
			span.RecordError(err)
			writeError(c, err)
			return
		}
		acknowledged = true
	}

	c.JSON(http.StatusAccepted, gin.H{
		"order_id":       result.OrderID,
		"correlation_id": caller.CorrelationID,
		"events":         result.Events,
		"acknowledged":   acknowledged,
	})
}

func (h *AdminHandler) ReplayBatch(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.admin.replay_batch")
	defer span.End()

	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	spanCaller(span, caller)

	var req BatchReplayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		result replay.BatchResult
		err    error
	)
	switch {
	case req.Status != "" && !req.From.IsZero():
		writeError(c, &orders.ValidationError{Field: "status", Message: "select by status or by date range, not both"})
		return
	case req.Status != "":
		status, perr := orders.ParseStatus(req.Status)
		if perr != nil {
			writeError(c, perr)
			return
		}
		span.SetAttributes(attribute.String("status", string(status)))
		result, err = h.replay.ReplayOrderEventsByStatus(ctx, caller, status)
	case !req.From.IsZero():
		if req.To.IsZero() {
			req.To = time.Now().UTC()
		}
		if !req.From.Before(req.To) {
			writeError(c, &orders.ValidationError{Field: "from", Message: "must be before to"})
			return
		}
		result, err = h.replay.ReplayOrderEventsByDateRange(ctx, caller, req.From, req.To)
	default:
		writeError(c, &orders.ValidationError{Field: "status", Message: "status or from is required"})
		return
	}
	if err != nil {
		span.RecordError(err)
		writeError(c, err)
		return
	}

	span.SetAttributes(
		attribute.Int("scanned", result.Scanned),
		attribute.Int("failed", result.Failed),
	)
	c.JSON(http.StatusAccepted, result)
}

func (h *AdminHandler) Consistency(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.admin.consistency")
	defer span.End()

	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	spanCaller(span, caller)

	consistent, err := h.replay.ValidateEventConsistency(ctx, caller, c.Param("id"))
	if err != nil {
		span.RecordError(err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": c.Param("id"), "consistent": consistent})
}

// RunTimeouts and RunCleanup run a sweep on demand, across tenants.
func (h *AdminHandler) RunTimeouts(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.admin.sweep_timeouts")
	defer span.End()

	report, err := h.sweeper.HandleTimeouts(ctx)
	if err != nil {
		span.RecordError(err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *AdminHandler) RunCleanup(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "http.admin.sweep_cleanup")
	defer span.End()

	deleted, err := h.sweeper.CleanupCompletedSagas(ctx)
	if err != nil {
		span.RecordError(err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

var errNoAdminToken = errors.New("admin token required")

// requireAdminToken guards /admin when a token is configured.
func requireAdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" && c.GetHeader("X-Admin-Token") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errNoAdminToken.Error()})
			return
		}
		c.Next()
	}
}
