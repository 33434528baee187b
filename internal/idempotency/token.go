package idempotency

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Token is unique per (TenantID, Token).
type Token struct {
	TenantID     string          `json:"tenant_id"`
	Token        string          `json:"token"`
	UserID       string          `json:"user_id"`
	RequestHash  string          `json:"request_hash"`
	Status       Status          `json:"status"`
	OrderID      string          `json:"order_id,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Update is the set of columns a transition writes. Empty fields keep the
// stored value, except ErrorMessage which is always overwritten.
type Update struct {
	Status       Status
	OrderID      string
	Response     json.RawMessage
	ErrorMessage string
}

var (
	ErrTokenNotFound     = errors.New("idempotency token not found")
	ErrTokenExists       = errors.New("idempotency token already exists")
	ErrInvalidTokenState = errors.New("idempotency token not in expected state")
	ErrMissingToken      = errors.New("idempotency token is required")
)

// Reason names why the guard rejected a request.
type Reason string

const (
	ReasonRateLimited    Reason = "RATE_LIMITED"
	ReasonInFlight       Reason = "IN_FLIGHT"
	ReasonExpired        Reason = "EXPIRED"
	ReasonWrongUser      Reason = "WRONG_USER"
	ReasonHashMismatch   Reason = "HASH_MISMATCH"
	ReasonDuplicateOrder Reason = "DUPLICATE_ORDER"
)

var (
	ErrRateLimited    = errors.New("too many active idempotency tokens")
	ErrInFlight       = errors.New("request with this idempotency token is in progress")
	ErrExpired        = errors.New("idempotency token expired")
	ErrWrongUser      = errors.New("idempotency token belongs to another user")
	ErrHashMismatch   = errors.New("request body does not match idempotency token")
	ErrDuplicateOrder = errors.New("identical order already placed")
)

var reasonErrors = map[Reason]error{
	ReasonRateLimited:    ErrRateLimited,
	ReasonInFlight:       ErrInFlight,
	ReasonExpired:        ErrExpired,
	ReasonWrongUser:      ErrWrongUser,
	ReasonHashMismatch:   ErrHashMismatch,
	ReasonDuplicateOrder: ErrDuplicateOrder,
}

// RejectionError unwraps to the sentinel of its Reason.
type RejectionError struct {
	Reason          Reason
	Token           string
	ExistingOrderID string
}

func (e *RejectionError) Error() string {
	if e.ExistingOrderID != "" {
		return fmt.Sprintf("%v (token %q, existing order %s)", reasonErrors[e.Reason], e.Token, e.ExistingOrderID)
	}
	return fmt.Sprintf("%v (token %q)", reasonErrors[e.Reason], e.Token)
}

func (e *RejectionError) Unwrap() error { return reasonErrors[e.Reason] }

type DecisionKind int

const (
	Proceed DecisionKind = iota + 1
	ReturnCached
	Reject
)

func (k DecisionKind) String() string {
	switch k {
	case Proceed:
		return "proceed"
	case ReturnCached:
		return "return_cached"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Decision is the tagged result of Guard.Validate. Exactly one of the
// kind-specific fields is meaningful: Token for Proceed, Response and
// OrderID for ReturnCached, Rejection for Reject.
type Decision struct {
	Kind      DecisionKind
	Token     *Token
	Response  json.RawMessage
	OrderID   string
	Rejection *RejectionError
}

// Err returns the rejection as an error, or nil for non-rejecting decisions.
func (d Decision) Err() error {
	if d.Kind == Reject && d.Rejection != nil {
		return d.Rejection
	}
	return nil
}

func proceed(t *Token) Decision { return Decision{Kind: Proceed, Token: t} }

func cached(t *Token) Decision {
	return Decision{Kind: ReturnCached, Token: t, Response: t.Response, OrderID: t.OrderID}
}

func reject(reason Reason, token, existingOrderID string) Decision {
	return Decision{Kind: Reject, Rejection: &RejectionError{Reason: reason, Token: token, ExistingOrderID: existingOrderID}}
}
