package inventory

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type StockItem struct {
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	SKU       string    `db:"sku" json:"sku"`
	Available int       `db:"available" json:"available"`
	Reserved  int       `db:"reserved" json:"reserved"`
	Version   int64     `db:"version" json:"version"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
)

// Reservation holds stock for one line item of an order. StockVersion is
// the stock record's version right after the hold was applied.
type Reservation struct {
	ID           string            `db:"id" json:"id"`
	TenantID     string            `db:"tenant_id" json:"tenant_id"`
	OrderID      string            `db:"order_id" json:"order_id"`
	SKU          string            `db:"sku" json:"sku"`
	Quantity     int               `db:"quantity" json:"quantity"`
	Status       ReservationStatus `db:"status" json:"status"`
	StockVersion int64             `db:"stock_version" json:"stock_version"`
	CreatedAt    time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time         `db:"updated_at" json:"updated_at"`
}

type Item struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type ShortageReason string

const (
	ReasonInsufficientStock ShortageReason = "insufficient_stock"
	ReasonVersionConflict   ShortageReason = "version_conflict"
	ReasonUnknownSKU        ShortageReason = "unknown_sku"
)

type Shortage struct {
	SKU       string         `json:"sku"`
	Requested int            `json:"requested"`
	Available int            `json:"available"`
	Reason    ShortageReason `json:"reason"`
}

var (
	ErrStockNotFound         = errors.New("stock item not found")
	ErrVersionConflict       = errors.New("stock version conflict")
	ErrReservationNotActive  = errors.New("reservation is not active")
	ErrAlreadyApplied        = errors.New("operation already applied for this order")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrInvalidQuantity       = errors.New("quantity must not be negative")
)

// InsufficientInventoryError lists every item that could not be held.
type InsufficientInventoryError struct {
	OrderID   string
	Shortages []Shortage
}

func (e *InsufficientInventoryError) Error() string {
	parts := make([]string, len(e.Shortages))
	for i, s := range e.Shortages {
		parts[i] = fmt.Sprintf("%s (requested %d, available %d, %s)", s.SKU, s.Requested, s.Available, s.Reason)
	}
	return fmt.Sprintf("order %s: insufficient inventory: %s", e.OrderID, strings.Join(parts, "; "))
}

func (e *InsufficientInventoryError) Unwrap() error { return ErrInsufficientInventory }
