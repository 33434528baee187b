package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/telemetry"
)

const (
	branchReserve       = "reserve"
	branchReleasePrefix = "release:"
	branchConfirmPrefix = "confirm:"
)

type Options struct {
	// MaxRetries is how many times a conflicting item is retried after the
	// first attempt.
	MaxRetries uint
	Backoff    time.Duration
}

func DefaultOptions() Options {
	return Options{MaxRetries: 3, Backoff: 20 * time.Millisecond}
}

// ReservationResult is the outcome of Reserve. Shortages is non-empty when
// the order could not be held; nothing was reserved in that case.
type ReservationResult struct {
	OrderID        string
	Reservations   []Reservation
	Shortages      []Shortage
	AlreadyApplied bool
}

func (r ReservationResult) Reserved() bool { return len(r.Shortages) == 0 }

// Err returns the shortages as an *InsufficientInventoryError, or nil.
func (r ReservationResult) Err() error {
	if r.Reserved() {
		return nil
	}
	return &InsufficientInventoryError{OrderID: r.OrderID, Shortages: r.Shortages}
}

type ReleaseResult struct {
	Released []string
	Failed   []string
}

// Coordinator holds and returns stock for orders. Concurrent reservations
// on the same SKU are resolved with the stock version, never a lock held
// across items.
type Coordinator struct {
	repository Repository
	opts       Options
	logger     *zap.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

func NewCoordinator(repository Repository, opts Options, logger *zap.Logger, metrics *telemetry.Metrics) *Coordinator {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultOptions().Backoff
	}
	return &Coordinator{
		repository: repository,
		opts:       opts,
		logger:     logger,
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// errShortage aborts the reservation transaction; it never leaves Reserve.
var errShortage = errors.New("reservation has shortages")

// Reserve holds every item of the order or none of them. A redelivered
// order returns the reservations made the first time.
func (c *Coordinator) Reserve(ctx context.Context, tenantID, orderID string, items []Item) (ReservationResult, error) {
	result := ReservationResult{OrderID: orderID}
	fields := []zap.Field{zap.String("tenant_id", tenantID), zap.String("order_id", orderID)}
	c.logger.Info("➡️ [RESERVE INVENTORY]", append(fields, zap.Int("items", len(items)))...)

	err := c.repository.Once(ctx, tenantID, orderID, branchReserve, func(tx Tx) error {
		result.Reservations, result.Shortages = nil, nil
		now := c.now()
		for _, item := range items {
			version, shortage, err := c.hold(ctx, tx, tenantID, item)
			if err != nil {
				return err
			}
			if shortage != nil {
				result.Shortages = append(result.Shortages, *shortage)
				continue
			}
			res := Reservation{
				ID:           uuid.New().String(),
				TenantID:     tenantID,
				OrderID:      orderID,
				SKU:          item.SKU,
				Quantity:     item.Quantity,
				Status:       ReservationActive,
				StockVersion: version,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := tx.InsertReservation(ctx, &res); err != nil {
				return err
			}
			result.Reservations = append(result.Reservations, res)
		}
		if len(result.Shortages) > 0 {
			return errShortage
		}
		return nil
	})

	switch {
	case err == nil:
		c.logger.Info("✅ Inventory reserved", append(fields, zap.Int("reservations", len(result.Reservations)))...)
		return result, nil
	case errors.Is(err, errShortage):
		result.Reservations = nil
		c.metrics.ReservationFailed(ctx, tenantID)
		c.logger.Warn("❌ Inventory reservation failed", append(fields, zap.Any("shortages", result.Shortages))...)
		return result, nil
	case errors.Is(err, ErrAlreadyApplied):
		existing, err := c.repository.ListReservations(ctx, tenantID, orderID)
		if err != nil {
			return ReservationResult{}, err
		}
		c.logger.Info("ℹ️ Reservation already applied", fields...)
		return ReservationResult{OrderID: orderID, Reservations: existing, AlreadyApplied: true}, nil
	default:
		c.logger.Error("❌ Failed to reserve inventory", append(fields, zap.Error(err))...)
		return ReservationResult{}, fmt.Errorf("reserve inventory for order %s: %w", orderID, err)
	}
}

// shortageError ends the retry loop for one item with a structured reason.
type shortageError struct{ shortage Shortage }

func (e *shortageError) Error() string { return string(e.shortage.Reason) }

// hold moves item.Quantity from available to reserved, retrying version
// conflicts with backoff.
func (c *Coordinator) hold(ctx context.Context, tx Tx, tenantID string, item Item) (int64, *Shortage, error) {
	if item.Quantity <= 0 {
		return 0, nil, fmt.Errorf("%w: %s quantity %d", ErrInvalidQuantity, item.SKU, item.Quantity)
	}
	lastAvailable := 0

	version, err := c.retry(ctx, func() (int64, error) {
		stock, err := tx.GetStock(ctx, tenantID, item.SKU)
		if errors.Is(err, ErrStockNotFound) {
			return 0, backoff.Permanent(&shortageError{Shortage{SKU: item.SKU, Requested: item.Quantity, Reason: ReasonUnknownSKU}})
		}
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		lastAvailable = stock.Available
		if stock.Available < item.Quantity {
			return 0, backoff.Permanent(&shortageError{Shortage{
				SKU: item.SKU, Requested: item.Quantity, Available: stock.Available, Reason: ReasonInsufficientStock,
			}})
		}

		v, err := tx.AdjustStock(ctx, tenantID, item.SKU, stock.Version, -item.Quantity, item.Quantity)
		if errors.Is(err, ErrVersionConflict) {
			c.metrics.VersionConflict(ctx, item.SKU)
			return 0, err
		}
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		return v, nil
	})

	var se *shortageError
	switch {
	case err == nil:
		return version, nil, nil
	case errors.As(err, &se):
		return 0, &se.shortage, nil
	case errors.Is(err, ErrVersionConflict):
		return 0, &Shortage{SKU: item.SKU, Requested: item.Quantity, Available: lastAvailable, Reason: ReasonVersionConflict}, nil
	default:
		return 0, nil, err
	}
}

func (c *Coordinator) retry(ctx context.Context, op backoff.Operation[int64]) (int64, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.Backoff
	b.MaxInterval = 10 * c.opts.Backoff
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.opts.MaxRetries+1),
	)
}

// Release returns the stock of every ACTIVE reservation of the order.
// Reservations are released independently; a failure is logged and the
// remaining ones are still attempted.
func (c *Coordinator) Release(ctx context.Context, tenantID, orderID string) (ReleaseResult, error) {
	fields := []zap.Field{zap.String("tenant_id", tenantID), zap.String("order_id", orderID)}
	c.logger.Info("↩️ [RELEASE INVENTORY]", fields...)

	return c.settle(ctx, tenantID, orderID, branchReleasePrefix, ReservationReleased, func(r Reservation) (int, int) {
		return r.Quantity, -r.Quantity
	})
}

// Confirm completes the reservations of a delivered order: the reserved
// stock leaves the warehouse.
func (c *Coordinator) Confirm(ctx context.Context, tenantID, orderID string) (ReleaseResult, error) {
	fields := []zap.Field{zap.String("tenant_id", tenantID), zap.String("order_id", orderID)}
	c.logger.Info("➡️ [CONFIRM INVENTORY]", fields...)

	return c.settle(ctx, tenantID, orderID, branchConfirmPrefix, ReservationConfirmed, func(r Reservation) (int, int) {
		return 0, -r.Quantity
	})
}

func (c *Coordinator) settle(
	ctx context.Context,
	tenantID, orderID, branchPrefix string,
	to ReservationStatus,
	deltas func(Reservation) (available, reserved int),
) (ReleaseResult, error) {
	reservations, err := c.repository.ListReservations(ctx, tenantID, orderID)
	if err != nil {
		return ReleaseResult{}, err
	}

	var out ReleaseResult
	for _, res := range reservations {
		if res.Status != ReservationActive {
			continue
		}
		fields := []zap.Field{
			zap.String("tenant_id", tenantID),
			zap.String("order_id", orderID),
			zap.String("reservation_id", res.ID),
			zap.String("sku", res.SKU),
		}

		err := c.repository.Once(ctx, tenantID, orderID, branchPrefix+res.ID, func(tx Tx) error {
			if err := tx.SetReservationStatus(ctx, tenantID, res.ID, ReservationActive, to); err != nil {
				return err
			}
			available, reserved := deltas(res)
			_, err := c.retry(ctx, func() (int64, error) {
				stock, err := tx.GetStock(ctx, tenantID, res.SKU)
				if err != nil {
					return 0, backoff.Permanent(err)
				}
				v, err := tx.AdjustStock(ctx, tenantID, res.SKU, stock.Version, available, reserved)
				if errors.Is(err, ErrVersionConflict) {
					c.metrics.VersionConflict(ctx, res.SKU)
					return 0, err
				}
				if err != nil {
					return 0, backoff.Permanent(err)
				}
				return v, nil
			})
			return err
		})

		switch {
		case err == nil:
			out.Released = append(out.Released, res.ID)
		case errors.Is(err, ErrAlreadyApplied):
			c.logger.Info("ℹ️ Reservation already settled", fields...)
		default:
			out.Failed = append(out.Failed, res.ID)
			c.logger.Error("❌ Failed to settle reservation", append(fields, zap.String("to", string(to)), zap.Error(err))...)
		}
	}

	c.logger.Info("✅ Reservations settled",
		zap.String("tenant_id", tenantID),
		zap.String("order_id", orderID),
		zap.String("to", string(to)),
		zap.Int("settled", len(out.Released)),
		zap.Int("failed", len(out.Failed)),
	)
	return out, nil
}
