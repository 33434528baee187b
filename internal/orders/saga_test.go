package orders

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAttentionQuery_Matches(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q := AttentionQuery{
		Now:                 now,
		PendingBefore:       now.Add(-30 * time.Minute),
		StallThreshold:      15 * time.Minute,
		MaxRecoveryAttempts: 3,
	}
	idle := func(d time.Duration) time.Time { return now.Add(-d) }

	tests := []struct {
		name string
		saga Saga
		want bool
	}{
		{"fresh confirmed", Saga{OrderStatus: StatusConfirmed, UpdatedAt: idle(time.Minute)}, false},
		{"stalled confirmed", Saga{OrderStatus: StatusConfirmed, UpdatedAt: idle(16 * time.Minute)}, true},
		{"once recovered waits twice as long", Saga{OrderStatus: StatusConfirmed, UpdatedAt: idle(20 * time.Minute), RecoveryAttempts: 1}, false},
		{"once recovered past doubled threshold", Saga{OrderStatus: StatusConfirmed, UpdatedAt: idle(31 * time.Minute), RecoveryAttempts: 1}, true},
		{"twice recovered", Saga{OrderStatus: StatusShipped, UpdatedAt: idle(50 * time.Minute), RecoveryAttempts: 2}, false},
		{"recovery cap reached", Saga{OrderStatus: StatusConfirmed, UpdatedAt: idle(48 * time.Hour), RecoveryAttempts: 3}, false},
		{"publish failure ignores cap", Saga{OrderStatus: StatusConfirmed, UpdatedAt: idle(time.Minute), RecoveryAttempts: 3, LastPublishError: "broker down"}, true},
		{"stale pending ignores cap", Saga{OrderStatus: StatusPending, StartedAt: idle(time.Hour), UpdatedAt: idle(time.Hour), RecoveryAttempts: 3}, true},
		{"terminal", Saga{OrderStatus: StatusDelivered, UpdatedAt: idle(48 * time.Hour)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, q.matches(&tt.saga))
		})
	}
}

func TestAttentionQuery_ZeroCapKeepsScanning(t *testing.T) {
	// Arrange
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q := AttentionQuery{Now: now, StallThreshold: time.Minute}
	s := Saga{OrderStatus: StatusProcessing, UpdatedAt: now.Add(-24 * time.Hour), RecoveryAttempts: 10}

	// Act
	got := q.matches(&s)

	// Assert
	assert.True(t, got)
	assert.Equal(t, now.Add(-time.Minute<<maxStallShift), q.StalledBefore(40))
}
