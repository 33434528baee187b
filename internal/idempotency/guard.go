package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/reqctx"
	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/telemetry"
)

type Options struct {
	TTL        time.Duration
	RateLimit  int
	RateWindow time.Duration
}

func DefaultOptions() Options {
	return Options{TTL: 24 * time.Hour, RateLimit: 10, RateWindow: time.Hour}
}

// Guard deduplicates order-creation requests by client token and by the
// canonical hash of the request body.
type Guard struct {
	repository Repository
	opts       Options
	logger     *zap.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

func NewGuard(repository Repository, opts Options, logger *zap.Logger, metrics *telemetry.Metrics) *Guard {
	return &Guard{
		repository: repository,
		opts:       opts,
		logger:     logger,
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Validate decides whether the request may run. Rejections are reported
// in the Decision; the error is reserved for storage failures.
func (g *Guard) Validate(ctx context.Context, caller reqctx.Caller, token string, request any) (Decision, error) {
	if err := caller.ValidateOwner(); err != nil {
		return Decision{}, err
	}
	if token == "" {
		return Decision{}, ErrMissingToken
	}

	hash, err := RequestHash(request)
	if err != nil {
		return Decision{}, err
	}

	existing, err := g.repository.Get(ctx, caller.TenantID, token)
	switch {
	case err == nil:
		return g.decideExisting(ctx, caller, existing, hash)
	case errors.Is(err, ErrTokenNotFound):
		return g.decideNew(ctx, caller, token, hash)
	default:
		return Decision{}, fmt.Errorf("validate idempotency token: %w", err)
	}
}

func (g *Guard) decideNew(ctx context.Context, caller reqctx.Caller, token, hash string) (Decision, error) {
	now := g.now()

	prior, err := g.repository.FindCompletedByHash(ctx, caller.TenantID, caller.UserID, hash, now)
	if err == nil {
		return g.rejected(ctx, caller, reject(ReasonDuplicateOrder, token, prior.OrderID)), nil
	}
	if !errors.Is(err, ErrTokenNotFound) {
		return Decision{}, fmt.Errorf("check duplicate order: %w", err)
	}

	active, err := g.repository.CountActiveByUser(ctx, caller.TenantID, caller.UserID, now.Add(-g.opts.RateWindow), now)
	if err != nil {
		return Decision{}, fmt.Errorf("check idempotency rate limit: %w", err)
	}
	if active >= g.opts.RateLimit {
		return g.rejected(ctx, caller, reject(ReasonRateLimited, token, "")), nil
	}

	t := &Token{
		TenantID:    caller.TenantID,
		Token:       token,
		UserID:      caller.UserID,
		RequestHash: hash,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(g.opts.TTL),
	}
	err = g.repository.Create(ctx, t)
	if errors.Is(err, ErrTokenExists) {
		// Lost the creation race; the winner's record decides.
		existing, getErr := g.repository.Get(ctx, caller.TenantID, token)
		if getErr != nil {
			return Decision{}, fmt.Errorf("reload raced idempotency token: %w", getErr)
		}
		return g.decideExisting(ctx, caller, existing, hash)
	}
	if err != nil {
		return Decision{}, fmt.Errorf("create idempotency token: %w", err)
	}

	g.logger.Info("ℹ️ [IDEMPOTENCY] New token accepted", zap.String("token", token), zap.String("tenant_id", caller.TenantID))
	return proceed(t), nil
}

func (g *Guard) decideExisting(ctx context.Context, caller reqctx.Caller, t *Token, hash string) (Decision, error) {
	if t.UserID != caller.UserID {
		return g.rejected(ctx, caller, reject(ReasonWrongUser, t.Token, "")), nil
	}
	if t.Expired(g.now()) {
		return g.rejected(ctx, caller, reject(ReasonExpired, t.Token, "")), nil
	}

	switch t.Status {
	case StatusPending, StatusProcessing:
		return g.rejected(ctx, caller, reject(ReasonInFlight, t.Token, "")), nil

	case StatusCompleted:
		if t.RequestHash != hash {
			return g.rejected(ctx, caller, reject(ReasonHashMismatch, t.Token, "")), nil
		}
		g.logger.Info("↩️ [IDEMPOTENCY] Returning cached response",
			zap.String("token", t.Token), zap.String("order_id", t.OrderID))
		return cached(t), nil

	case StatusFailed:
		if t.RequestHash != hash {
			return g.rejected(ctx, caller, reject(ReasonHashMismatch, t.Token, "")), nil
		}
		reset, err := g.repository.Transition(ctx, t.TenantID, t.Token, []Status{StatusFailed}, Update{Status: StatusPending})
		if errors.Is(err, ErrInvalidTokenState) {
			return g.rejected(ctx, caller, reject(ReasonInFlight, t.Token, "")), nil
		}
		if err != nil {
			return Decision{}, fmt.Errorf("reset failed idempotency token: %w", err)
		}
		g.logger.Info("ℹ️ [IDEMPOTENCY] Retrying previously failed token", zap.String("token", t.Token))
		return proceed(reset), nil
	}

	return Decision{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTokenState, t.Status)
}

func (g *Guard) rejected(ctx context.Context, caller reqctx.Caller, d Decision) Decision {
	g.logger.Warn("❌ [IDEMPOTENCY] Request rejected",
		zap.String("reason", string(d.Rejection.Reason)),
		zap.String("token", d.Rejection.Token),
		zap.String("tenant_id", caller.TenantID),
		zap.String("user_id", caller.UserID),
		zap.String("existing_order_id", d.Rejection.ExistingOrderID),
	)
	g.metrics.IdempotencyRejected(ctx, string(d.Rejection.Reason))
	return d
}

// MarkProcessing moves a PENDING token to PROCESSING before the order is written.
func (g *Guard) MarkProcessing(ctx context.Context, caller reqctx.Caller, token string) error {
	_, err := g.repository.Transition(ctx, caller.TenantID, token, []Status{StatusPending}, Update{Status: StatusProcessing})
	if err != nil {
		return fmt.Errorf("mark idempotency token processing: %w", err)
	}
	return nil
}

// MarkCompleted stores the response that later retries will receive.
func (g *Guard) MarkCompleted(ctx context.Context, caller reqctx.Caller, token, orderID string, response any) error {
	raw, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}
	_, err = g.repository.Transition(ctx, caller.TenantID, token,
		[]Status{StatusPending, StatusProcessing},
		Update{Status: StatusCompleted, OrderID: orderID, Response: raw},
	)
	if err != nil {
		return fmt.Errorf("mark idempotency token completed: %w", err)
	}
	return nil
}

func (g *Guard) MarkFailed(ctx context.Context, caller reqctx.Caller, token string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	_, err := g.repository.Transition(ctx, caller.TenantID, token,
		[]Status{StatusPending, StatusProcessing},
		Update{Status: StatusFailed, ErrorMessage: msg},
	)
	if err != nil {
		return fmt.Errorf("mark idempotency token failed: %w", err)
	}
	return nil
}

// CleanupExpiredTokens deletes every token past its expiry.
func (g *Guard) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	n, err := g.repository.DeleteExpired(ctx, g.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		g.logger.Info("🧹 [IDEMPOTENCY] Expired tokens removed", zap.Int64("count", n))
	}
	return n, nil
}
