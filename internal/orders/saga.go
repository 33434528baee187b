package orders

import "time"

// Saga is the bookkeeping row kept next to each order. It records how far
// the order got and whether its last event failed to reach the broker.
type Saga struct {
	OrderID          string     `json:"order_id"`
	TenantID         string     `json:"tenant_id"`
	OrderStatus      Status     `json:"order_status"`
	StartedAt        time.Time  `json:"started_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	LastPublishError string     `json:"last_publish_error,omitempty"`
	PublishFailedAt  *time.Time `json:"publish_failed_at,omitempty"`
	RecoveryAttempts int        `json:"recovery_attempts"`
}

func newSaga(o *Order) *Saga {
	return &Saga{
		OrderID:     o.ID,
		TenantID:    o.TenantID,
		OrderStatus: o.Status,
		StartedAt:   o.CreatedAt,
		UpdatedAt:   o.CreatedAt,
	}
}

// apply mirrors an order transition onto the saga row. Progress resets
// the recovery count.
func (s *Saga) apply(o *Order) {
	s.OrderStatus = o.Status
	s.UpdatedAt = o.UpdatedAt
	s.RecoveryAttempts = 0
	if o.Status.Terminal() && s.CompletedAt == nil {
		completed := o.UpdatedAt
		s.CompletedAt = &completed
	}
}

// maxStallShift caps the doubling of the stall threshold.
const maxStallShift = 16

// AttentionQuery selects sagas that need recovery: any saga with a
// recorded publish failure, PENDING ones started before PendingBefore, and
// non-terminal ones left untouched for StallThreshold doubled once per
// recovery attempt already made. Stall replays stop after
// MaxRecoveryAttempts; zero means no cap.
type AttentionQuery struct {
	Now                 time.Time
	PendingBefore       time.Time
	StallThreshold      time.Duration
	MaxRecoveryAttempts int
	Limit               int
}

// StalledBefore is the update cutoff for a saga already recovered attempts times.
func (q AttentionQuery) StalledBefore(attempts int) time.Time {
	shift := min(max(attempts, 0), maxStallShift)
	return q.Now.Add(-q.StallThreshold * time.Duration(1<<shift))
}

func (q AttentionQuery) matches(s *Saga) bool {
	if s.LastPublishError != "" {
		return true
	}
	if s.OrderStatus.Terminal() {
		return false
	}
	if s.OrderStatus == StatusPending && s.StartedAt.Before(q.PendingBefore) {
		return true
	}
	if q.MaxRecoveryAttempts > 0 && s.RecoveryAttempts >= q.MaxRecoveryAttempts {
		return false
	}
	return s.UpdatedAt.Before(q.StalledBefore(s.RecoveryAttempts))
}
