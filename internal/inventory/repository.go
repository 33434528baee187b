package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dtm-labs/client/dtmcli"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Repository stores stock and reservations. Mutations go through Once so
// a redelivered event cannot apply the same change twice.
type Repository interface {
	// Once runs fn in a transaction at most once per (tenant, order, branch).
	// A branch that already committed returns ErrAlreadyApplied without
	// calling fn; an fn error rolls back and leaves the branch unmarked.
	Once(ctx context.Context, tenantID, orderID, branch string, fn func(tx Tx) error) error
	GetStock(ctx context.Context, tenantID, sku string) (*StockItem, error)
	// SetStock sets the available quantity, creating the item if needed.
	SetStock(ctx context.Context, tenantID, sku string, available int) (*StockItem, error)
	ListReservations(ctx context.Context, tenantID, orderID string) ([]Reservation, error)
}

// Tx is the transactional view handed to Once callbacks.
type Tx interface {
	GetStock(ctx context.Context, tenantID, sku string) (*StockItem, error)
	// AdjustStock applies the deltas if the stock is still at expectedVersion
	// and returns the new version. It fails with ErrVersionConflict otherwise.
	AdjustStock(ctx context.Context, tenantID, sku string, expectedVersion int64, availableDelta, reservedDelta int) (int64, error)
	InsertReservation(ctx context.Context, r *Reservation) error
	SetReservationStatus(ctx context.Context, tenantID, id string, from, to ReservationStatus) error
}

const barrierTransType = "msg"

// ConfigureBarrier points the dtm sub-transaction barrier at Postgres.
func ConfigureBarrier(table string) {
	dtmcli.SetCurrentDBType(dtmcli.DBTypePostgres)
	if table != "" {
		dtmcli.SetBarrierTableName(table)
	}
}

// OpenPostgres connects through lib/pq.
func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to inventory database: %w", err)
	}
	return db, nil
}

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Once records the branch in the dtm barrier table inside the same local
// transaction as fn, so the marker and the business change commit together.
func (r *PostgresRepository) Once(ctx context.Context, tenantID, orderID, branch string, fn func(tx Tx) error) error {
	bb, err := dtmcli.BarrierFrom(barrierTransType, tenantID+":"+orderID, branch, barrierTransType)
	if err != nil {
		return fmt.Errorf("build barrier: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// Call commits or rolls back tx.
	err = bb.Call(tx, func(tx *sql.Tx) error {
		return fn(&postgresTx{tx: &sqlx.Tx{Tx: tx, Mapper: r.db.Mapper}})
	})
	if errors.Is(err, dtmcli.ErrDuplicated) {
		return ErrAlreadyApplied
	}
	return err
}

const stockColumns = "tenant_id, sku, available, reserved, version, updated_at"

func (r *PostgresRepository) GetStock(ctx context.Context, tenantID, sku string) (*StockItem, error) {
	return getStock(ctx, r.db, tenantID, sku)
}

func getStock(ctx context.Context, q sqlx.QueryerContext, tenantID, sku string) (*StockItem, error) {
	var item StockItem
	err := sqlx.GetContext(ctx, q, &item,
		`SELECT `+stockColumns+` FROM stock_items WHERE tenant_id = $1 AND sku = $2`, tenantID, sku)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stock %s: %w", sku, err)
	}
	return &item, nil
}

func (r *PostgresRepository) SetStock(ctx context.Context, tenantID, sku string, available int) (*StockItem, error) {
	if available < 0 {
		return nil, ErrInvalidQuantity
	}
	var item StockItem
	err := r.db.GetContext(ctx, &item, `
		INSERT INTO stock_items (tenant_id, sku, available, reserved, version, updated_at)
		VALUES ($1, $2, $3, 0, 1, NOW())
		ON CONFLICT (tenant_id, sku) DO UPDATE
		SET available = EXCLUDED.available, version = stock_items.version + 1, updated_at = NOW()
		RETURNING `+stockColumns, tenantID, sku, available)
	if err != nil {
		return nil, fmt.Errorf("set stock %s: %w", sku, err)
	}
	return &item, nil
}

const reservationColumns = "id, tenant_id, order_id, sku, quantity, status, stock_version, created_at, updated_at"

func (r *PostgresRepository) ListReservations(ctx context.Context, tenantID, orderID string) ([]Reservation, error) {
	var out []Reservation
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE tenant_id = $1 AND order_id = $2
		ORDER BY created_at, id
	`, tenantID, orderID)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return out, nil
}

type postgresTx struct {
	tx *sqlx.Tx
}

func (t *postgresTx) GetStock(ctx context.Context, tenantID, sku string) (*StockItem, error) {
	return getStock(ctx, t.tx, tenantID, sku)
}

func (t *postgresTx) AdjustStock(ctx context.Context, tenantID, sku string, expectedVersion int64, availableDelta, reservedDelta int) (int64, error) {
	var version int64
	err := t.tx.GetContext(ctx, &version, `
		UPDATE stock_items
		SET available = available + $4, reserved = reserved + $5, version = version + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND sku = $2 AND version = $3
		  AND available + $4 >= 0 AND reserved + $5 >= 0
		RETURNING version
	`, tenantID, sku, expectedVersion, availableDelta, reservedDelta)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("adjust stock %s: %w", sku, err)
	}
	return version, nil
}

func (t *postgresTx) InsertReservation(ctx context.Context, res *Reservation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, res.ID, res.TenantID, res.OrderID, res.SKU, res.Quantity, res.Status, res.StockVersion, res.CreatedAt, res.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (t *postgresTx) SetReservationStatus(ctx context.Context, tenantID, id string, from, to ReservationStatus) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE reservations SET status = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = $3
	`, tenantID, id, from, to)
	if err != nil {
		return fmt.Errorf("update reservation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrReservationNotActive
	}
	return nil
}
