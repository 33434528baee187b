package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository stores orders. CreateOrder and UpdateOrder also write the
// saga row in the same transaction.
type Repository interface {
	NumberChecker

	// CreateOrder returns ErrOrderNumberTaken on a number collision.
	CreateOrder(ctx context.Context, order *Order) error

	// GetOrder returns ErrOrderNotFound when the order is absent in the tenant.
	GetOrder(ctx context.Context, tenantID, orderID string) (*Order, error)

	// UpdateOrder persists a transitioned order only if the stored row
	// still has the expected status and the previous version.
	UpdateOrder(ctx context.Context, order *Order, expected Status) error

	ListOrders(ctx context.Context, filter ListFilter) ([]*Order, error)
}

type SagaRepository interface {
	GetSaga(ctx context.Context, tenantID, orderID string) (*Saga, error)
	MarkSagaPublishFailed(ctx context.Context, tenantID, orderID, reason string, at time.Time) error
	// MarkSagaRecovered clears the publish failure and counts a recovery attempt.
	MarkSagaRecovered(ctx context.Context, tenantID, orderID string, at time.Time) error
	FindSagasNeedingAttention(ctx context.Context, q AttentionQuery) ([]Saga, error)
	DeleteCompletedSagas(ctx context.Context, before time.Time) (int64, error)
}

// ListFilter pages through a tenant's orders ordered by creation time.
// Zero-valued bounds are ignored.
type ListFilter struct {
	TenantID    string
	CreatedFrom time.Time
	CreatedTo   time.Time
	Status      Status
	Limit       int
	Offset      int
}

const uniqueViolation = "23505"

type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) OrderNumberExists(ctx context.Context, tenantID, number string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM orders WHERE tenant_id = $1 AND order_number = $2)",
		tenantID, number).Scan(&exists)
	return exists, err
}

func (r *PostgresRepository) CreateOrder(ctx context.Context, order *Order) error {
	shipping, billing, tracking, err := encodeJSONColumns(order)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, tenant_id, order_number, user_id, status, currency,
			subtotal, tax, shipping, total, shipping_address, billing_address, tracking,
			cancellation_reason, delivered_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, order.ID, order.TenantID, order.OrderNumber, order.UserID, string(order.Status), order.Currency,
		order.Amounts.Subtotal, order.Amounts.Tax, order.Amounts.Shipping, order.Amounts.Total,
		shipping, billing, tracking, nullString(order.CancellationReason), order.DeliveredAt,
		order.Version, order.CreatedAt, order.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrOrderNumberTaken
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for i, item := range order.Items {
		batch.Queue(`
			INSERT INTO order_items (order_id, line_no, product_id, sku, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, order.ID, i, item.ProductID, item.SKU, item.Quantity, item.UnitPrice)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}

	saga := newSaga(order)
	_, err = tx.Exec(ctx, `
		INSERT INTO saga_instances (order_id, tenant_id, order_status, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, saga.OrderID, saga.TenantID, string(saga.OrderStatus), saga.StartedAt, saga.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert saga: %w", err)
	}

	return tx.Commit(ctx)
}

const orderColumns = `id, tenant_id, order_number, user_id, status, currency, subtotal, tax, shipping, total,
	shipping_address, billing_address, tracking, COALESCE(cancellation_reason, ''), delivered_at,
	version, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var status string
	var shipping, billing, tracking []byte
	err := row.Scan(&o.ID, &o.TenantID, &o.OrderNumber, &o.UserID, &status, &o.Currency,
		&o.Amounts.Subtotal, &o.Amounts.Tax, &o.Amounts.Shipping, &o.Amounts.Total,
		&shipping, &billing, &tracking, &o.CancellationReason, &o.DeliveredAt,
		&o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)

	if err := json.Unmarshal(shipping, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decode shipping address: %w", err)
	}
	if len(billing) > 0 {
		o.BillingAddress = &Address{}
		if err := json.Unmarshal(billing, o.BillingAddress); err != nil {
			return nil, fmt.Errorf("decode billing address: %w", err)
		}
	}
	if len(tracking) > 0 {
		o.Tracking = &Tracking{}
		if err := json.Unmarshal(tracking, o.Tracking); err != nil {
			return nil, fmt.Errorf("decode tracking: %w", err)
		}
	}
	return &o, nil
}

func (r *PostgresRepository) GetOrder(ctx context.Context, tenantID, orderID string) (*Order, error) {
	order, err := scanOrder(r.db.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE tenant_id = $1 AND id = $2`, tenantID, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}

	if err := r.loadItems(ctx, []*Order{order}); err != nil {
		return nil, err
	}
	return order, nil
}

func (r *PostgresRepository) loadItems(ctx context.Context, list []*Order) error {
	if len(list) == 0 {
		return nil
	}
	byID := make(map[string]*Order, len(list))
	ids := make([]string, len(list))
	for i, o := range list {
		byID[o.ID] = o
		ids[i] = o.ID
	}

	rows, err := r.db.Query(ctx, `
		SELECT order_id, product_id, sku, quantity, unit_price
		FROM order_items WHERE order_id = ANY($1)
		ORDER BY order_id, line_no
	`, ids)
	if err != nil {
		return fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var orderID string
		var item OrderItem
		if err := rows.Scan(&orderID, &item.ProductID, &item.SKU, &item.Quantity, &item.UnitPrice); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		if o, ok := byID[orderID]; ok {
			o.Items = append(o.Items, item)
		}
	}
	return rows.Err()
}

func (r *PostgresRepository) UpdateOrder(ctx context.Context, order *Order, expected Status) error {
	_, _, tracking, err := encodeJSONColumns(order)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $3, tracking = $4, cancellation_reason = $5, delivered_at = $6,
		    version = $7, updated_at = $8
		WHERE tenant_id = $1 AND id = $2 AND status = $9 AND version = $10
	`, order.TenantID, order.ID, string(order.Status), tracking, nullString(order.CancellationReason),
		order.DeliveredAt, order.Version, order.UpdatedAt, string(expected), order.Version-1)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}

	var completedAt *time.Time
	if order.Status.Terminal() {
		completedAt = &order.UpdatedAt
	}
	_, err = tx.Exec(ctx, `
		UPDATE saga_instances
		SET order_status = $3, updated_at = $4, completed_at = COALESCE(completed_at, $5),
		    recovery_attempts = 0
		WHERE tenant_id = $1 AND order_id = $2
	`, order.TenantID, order.ID, string(order.Status), order.UpdatedAt, completedAt)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) ListOrders(ctx context.Context, f ListFilter) ([]*Order, error) {
	where := []string{"tenant_id = $1"}
	args := []any{f.TenantID}
	if !f.CreatedFrom.IsZero() {
		args = append(args, f.CreatedFrom)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.CreatedTo.IsZero() {
		args = append(args, f.CreatedTo)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	query := fmt.Sprintf(`SELECT %s FROM orders WHERE %s ORDER BY created_at, id LIMIT $%d OFFSET $%d`,
		orderColumns, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var list []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		list = append(list, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	rows.Close()

	if err := r.loadItems(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

const sagaColumns = `order_id, tenant_id, order_status, started_at, updated_at, completed_at,
	COALESCE(last_publish_error, ''), publish_failed_at, recovery_attempts`

func scanSaga(row pgx.Row) (*Saga, error) {
	var s Saga
	var status string
	err := row.Scan(&s.OrderID, &s.TenantID, &status, &s.StartedAt, &s.UpdatedAt, &s.CompletedAt,
		&s.LastPublishError, &s.PublishFailedAt, &s.RecoveryAttempts)
	if err != nil {
		return nil, err
	}
	s.OrderStatus = Status(status)
	return &s, nil
}

func (r *PostgresRepository) GetSaga(ctx context.Context, tenantID, orderID string) (*Saga, error) {
	s, err := scanSaga(r.db.QueryRow(ctx,
		`SELECT `+sagaColumns+` FROM saga_instances WHERE tenant_id = $1 AND order_id = $2`, tenantID, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get saga: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) MarkSagaPublishFailed(ctx context.Context, tenantID, orderID, reason string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE saga_instances SET last_publish_error = $3, publish_failed_at = $4
		WHERE tenant_id = $1 AND order_id = $2
	`, tenantID, orderID, reason, at)
	if err != nil {
		return fmt.Errorf("mark saga publish failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSagaNotFound
	}
	return nil
}

func (r *PostgresRepository) MarkSagaRecovered(ctx context.Context, tenantID, orderID string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE saga_instances
		SET last_publish_error = NULL, publish_failed_at = NULL, updated_at = $3,
		    recovery_attempts = recovery_attempts + 1
		WHERE tenant_id = $1 AND order_id = $2
	`, tenantID, orderID, at)
	if err != nil {
		return fmt.Errorf("mark saga recovered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSagaNotFound
	}
	return nil
}

func (r *PostgresRepository) FindSagasNeedingAttention(ctx context.Context, q AttentionQuery) ([]Saga, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+sagaColumns+`
		FROM saga_instances
		WHERE last_publish_error IS NOT NULL
		   OR (order_status NOT IN ('DELIVERED', 'CANCELLED')
		       AND ((order_status = 'PENDING' AND started_at < $2)
		            OR (($4 = 0 OR recovery_attempts < $4)
		                AND updated_at < $1::timestamptz - make_interval(
		                    secs => $3::float8 * power(2, LEAST(recovery_attempts, $5))))))
		ORDER BY updated_at
		LIMIT $6
	`, q.Now, q.PendingBefore, q.StallThreshold.Seconds(), q.MaxRecoveryAttempts, maxStallShift, limit)
	if err != nil {
		return nil, fmt.Errorf("find sagas needing attention: %w", err)
	}
	defer rows.Close()

	var sagas []Saga
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga: %w", err)
		}
		sagas = append(sagas, *s)
	}
	return sagas, rows.Err()
}

func (r *PostgresRepository) DeleteCompletedSagas(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM saga_instances
		 WHERE completed_at IS NOT NULL AND completed_at < $1 AND last_publish_error IS NULL`, before)
	if err != nil {
		return 0, fmt.Errorf("delete completed sagas: %w", err)
	}
	return tag.RowsAffected(), nil
}

func encodeJSONColumns(o *Order) (shipping, billing, tracking []byte, err error) {
	if shipping, err = json.Marshal(o.ShippingAddress); err != nil {
		return nil, nil, nil, fmt.Errorf("encode shipping address: %w", err)
	}
	if o.BillingAddress != nil {
		if billing, err = json.Marshal(o.BillingAddress); err != nil {
			return nil, nil, nil, fmt.Errorf("encode billing address: %w", err)
		}
	}
	if o.Tracking != nil {
		if tracking, err = json.Marshal(o.Tracking); err != nil {
			return nil, nil, nil, fmt.Errorf("encode tracking: %w", err)
		}
	}
	return shipping, billing, tracking, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
