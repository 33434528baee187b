package orders

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered, StatusCancelled},
	StatusDelivered:  nil,
	StatusCancelled:  nil,
}

// progression is the forward path; CANCELLED sits outside it.
var progression = []Status{StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", s)}
	}
	return st, nil
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

func (s Status) CanTransitionTo(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// Rank is the position on the forward path, or -1 for CANCELLED and
// unrecognized values.
func (s Status) Rank() int {
	return slices.Index(progression, s)
}

// Reached reports whether s is at or beyond other on the forward path.
func (s Status) Reached(other Status) bool {
	r := s.Rank()
	return r >= 0 && r >= other.Rank() && other.Rank() >= 0
}

func (s Status) String() string { return string(s) }

type OrderItem struct {
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type Tracking struct {
	Carrier        string    `json:"carrier,omitempty"`
	TrackingNumber string    `json:"tracking_number"`
	ShippedAt      time.Time `json:"shipped_at"`
}

// Order is owned by the orchestrator and changes only through TransitionTo.
type Order struct {
	ID                 string      `json:"id"`
	TenantID           string      `json:"tenant_id"`
	OrderNumber        string      `json:"order_number"`
	UserID             string      `json:"user_id"`
	Items              []OrderItem `json:"items"`
	ShippingAddress    Address     `json:"shipping_address"`
	BillingAddress     *Address    `json:"billing_address,omitempty"`
	Currency           string      `json:"currency"`
	Amounts            Amounts     `json:"amounts"`
	Status             Status      `json:"status"`
	Tracking           *Tracking   `json:"tracking,omitempty"`
	CancellationReason string      `json:"cancellation_reason,omitempty"`
	DeliveredAt        *time.Time  `json:"delivered_at,omitempty"`
	Version            int64       `json:"version"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// CacheVersion orders cached copies of the same order.
func (o *Order) CacheVersion() int64 {
	if o == nil {
		return 0
	}
	return o.Version
}

// TransitionTo applies one edge of the state machine. The reason is kept
// only for cancellations and never influences which edges are legal.
func (o *Order) TransitionTo(next Status, reason string, now time.Time) error {
	if !next.Valid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", next)}
	}
	if !o.Status.CanTransitionTo(next) {
		return &InvalidTransitionError{OrderID: o.ID, From: o.Status, To: next}
	}

	o.Status = next
	o.UpdatedAt = now
	o.Version++
	switch next {
	case StatusCancelled:
		o.CancellationReason = reason
	case StatusDelivered:
		delivered := now
		o.DeliveredAt = &delivered
	}
	return nil
}

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrConcurrentUpdate  = errors.New("order was modified concurrently")
	ErrOrderNumberTaken  = errors.New("order number already exists")
	ErrValidation        = errors.New("validation error")
	ErrSagaNotFound      = errors.New("saga not found")
)

type InvalidTransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot transition from %s to %s", e.OrderID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() []error { return []error{ErrInvalidTransition, ErrValidation} }

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
