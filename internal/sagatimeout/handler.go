// Package sagatimeout runs the recurring sweeps that reconcile sagas the
// request path left behind: stale PENDING orders are cancelled, sagas with
// lost or stalled events are replayed, and finished bookkeeping is purged.
package sagatimeout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/orders"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/logger"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/reqctx"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/scheduler"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/telemetry"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/replay"
)

type Canceller interface {
	CancelOrder(ctx context.Context, caller reqctx.Caller, orderID, reason string) (*orders.Order, error)
}

type Replayer interface {
	ReplayOrderEvents(ctx context.Context, caller reqctx.Caller, orderID string) (replay.Result, error)
}

type TokenCleaner interface {
	CleanupExpiredTokens(ctx context.Context) (int64, error)
}

type Options struct {
	SweepInterval        time.Duration
	CleanupInterval      time.Duration
	TokenCleanupInterval time.Duration
	PendingTimeout       time.Duration
	StallThreshold       time.Duration
	Retention            time.Duration
	BatchSize            int
	// ReplayWait bounds how long a sweep waits for the broker to
	// acknowledge one saga's replayed events.
	ReplayWait time.Duration

	// MaxRecoveryAttempts stops stall replays of a saga that keeps making
	// no progress. Publish failures are always replayed.
	MaxRecoveryAttempts int
}

func DefaultOptions() Options {
	return Options{
		SweepInterval:        5 * time.Minute,
		CleanupInterval:      6 * time.Hour,
		TokenCleanupInterval: time.Hour,
		PendingTimeout:       30 * time.Minute,
		StallThreshold:       15 * time.Minute,
		Retention:            7 * 24 * time.Hour,
		BatchSize:            100,
		ReplayWait:           30 * time.Second,
		MaxRecoveryAttempts:  5,
	}
}

// Report summarizes one HandleTimeouts run.
type Report struct {
	Scanned   int `json:"scanned"`
	Replayed  int `json:"replayed"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type Handler struct {
	sagas     orders.SagaRepository
	canceller Canceller
	replayer  Replayer
	tokens    TokenCleaner
	opts      Options
	logger    *zap.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// NewHandler wires the sweeps. tokens may be nil when token cleanup is
// scheduled elsewhere.
func NewHandler(
	sagas orders.SagaRepository,
	canceller Canceller,
	replayer Replayer,
	tokens TokenCleaner,
	opts Options,
	logger *zap.Logger,
	metrics *telemetry.Metrics,
) *Handler {
	def := DefaultOptions()
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = def.PendingTimeout
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = def.StallThreshold
	}
	if opts.Retention <= 0 {
		opts.Retention = def.Retention
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.ReplayWait <= 0 {
		opts.ReplayWait = def.ReplayWait
	}
	if opts.MaxRecoveryAttempts <= 0 {
		opts.MaxRecoveryAttempts = def.MaxRecoveryAttempts
	}
	return &Handler{
		sagas:     sagas,
		canceller: canceller,
		replayer:  replayer,
		tokens:    tokens,
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// TimeoutReason is the cancellation reason recorded for stale PENDING orders.
func (h *Handler) TimeoutReason() string {
	return fmt.Sprintf("saga timeout: order not confirmed within %s", h.opts.PendingTimeout)
}

// HandleTimeouts processes one batch of sagas needing attention. A failure
// on one saga is logged and counted; the rest of the batch still runs.
func (h *Handler) HandleTimeouts(ctx context.Context) (Report, error) {
	now := h.now()
	pendingBefore := now.Add(-h.opts.PendingTimeout)

	sagas, err := h.sagas.FindSagasNeedingAttention(ctx, orders.AttentionQuery{
		Now:                 now,
		PendingBefore:       pendingBefore,
		StallThreshold:      h.opts.StallThreshold,
		MaxRecoveryAttempts: h.opts.MaxRecoveryAttempts,
		Limit:               h.opts.BatchSize,
	})
	if err != nil {
		return Report{}, fmt.Errorf("find sagas needing attention: %w", err)
	}

	var report Report
	for _, s := range sagas {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++
		switch h.handleOne(ctx, s, pendingBefore) {
		case outcomeCancelled:
			report.Cancelled++
		case outcomeReplayed:
			report.Replayed++
		case outcomeSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
	}

	h.metrics.SweepOutcome(ctx, "cancelled", report.Cancelled)
	h.metrics.SweepOutcome(ctx, "replayed", report.Replayed)
	h.metrics.SweepOutcome(ctx, "failed", report.Failed)
	if report.Scanned > 0 {
		h.logger.Info("⏰ [SAGA TIMEOUT] Sweep finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("cancelled", report.Cancelled),
			zap.Int("replayed", report.Replayed),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
		)
	}
	return report, nil
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeCancelled
	outcomeReplayed
	outcomeSkipped
)

func (h *Handler) handleOne(ctx context.Context, s orders.Saga, pendingBefore time.Time) (result outcome) {
	caller := reqctx.System(s.TenantID)
	fields := logger.Saga(s.TenantID, s.OrderID, caller.CorrelationID)

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("❌ [SAGA TIMEOUT] Panic while handling saga", append(fields, zap.Any("panic", r))...)
			result = outcomeFailed
		}
	}()

	if s.OrderStatus == orders.StatusPending && s.StartedAt.Before(pendingBefore) {
		_, err := h.canceller.CancelOrder(ctx, caller, s.OrderID, h.TimeoutReason())
		switch {
		case err == nil:
			h.logger.Info("↩️ [SAGA TIMEOUT] Order cancelled", append(fields, zap.Time("started_at", s.StartedAt))...)
			return outcomeCancelled
		case errors.Is(err, orders.ErrInvalidTransition), errors.Is(err, orders.ErrConcurrentUpdate):
			// The order moved on since the scan.
			h.logger.Info("ℹ️ [SAGA TIMEOUT] Order changed, skipping", append(fields, zap.Error(err))...)
			return outcomeSkipped
		default:
			h.logger.Error("❌ [SAGA TIMEOUT] Cancel failed", append(fields, zap.Error(err))...)
			return outcomeFailed
		}
	}

	res, err := h.replayer.ReplayOrderEvents(ctx, caller, s.OrderID)
	if err != nil {
		h.logger.Error("❌ [SAGA TIMEOUT] Replay failed", append(fields, zap.Error(err))...)
		return outcomeFailed
	}

	waitCtx, cancel := context.WithTimeout(ctx, h.opts.ReplayWait)
	defer cancel()
	if err := res.Wait(waitCtx); err != nil {
		h.logger.Error("❌ [SAGA TIMEOUT] Replayed events not acknowledged", append(fields, zap.Error(err))...)
		return outcomeFailed
	}

	if err := h.sagas.MarkSagaRecovered(ctx, s.TenantID, s.OrderID, h.now()); err != nil {
		h.logger.Error("❌ [SAGA TIMEOUT] Failed to record recovery", append(fields, zap.Error(err))...)
		return outcomeFailed
	}
	h.logger.Info("🔁 [SAGA TIMEOUT] Saga replayed", append(fields,
		zap.String("status", string(s.OrderStatus)),
		zap.Int("events", len(res.Events)),
		zap.String("last_publish_error", s.LastPublishError),
	)...)
	return outcomeReplayed
}

// CleanupCompletedSagas purges saga rows that reached a terminal state
// before the retention window.
func (h *Handler) CleanupCompletedSagas(ctx context.Context) (n int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("saga cleanup panicked: %v", r)
		}
	}()

	n, err = h.sagas.DeleteCompletedSagas(ctx, h.now().Add(-h.opts.Retention))
	if err != nil {
		h.logger.Error("❌ [SAGA CLEANUP] Failed", zap.Error(err))
		return 0, err
	}
	h.metrics.SweepOutcome(ctx, "purged", int(n))
	if n > 0 {
		h.logger.Info("🧹 [SAGA CLEANUP] Completed sagas removed", zap.Int64("count", n))
	}
	return n, nil
}

type sweep struct {
	name     string
	interval time.Duration
	task     scheduler.Task
}

// Register schedules the sweeps. Zero intervals leave a sweep unscheduled.
func (h *Handler) Register(s scheduler.Scheduler) error {
	jobs := []sweep{
		{"saga-timeouts", h.opts.SweepInterval, func(ctx context.Context) error {
			_, err := h.HandleTimeouts(ctx)
			return err
		}},
		{"saga-cleanup", h.opts.CleanupInterval, func(ctx context.Context) error {
			_, err := h.CleanupCompletedSagas(ctx)
			return err
		}},
	}
	if h.tokens != nil {
		jobs = append(jobs, sweep{"idempotency-token-cleanup", h.opts.TokenCleanupInterval, func(ctx context.Context) error {
			_, err := h.tokens.CleanupExpiredTokens(ctx)
			return err
		}})
	}

	for _, j := range jobs {
		if j.interval <= 0 {
			continue
		}
		if err := s.RegisterRecurring(j.name, j.interval, j.task); err != nil {
			return err
		}
	}
	return nil
}
