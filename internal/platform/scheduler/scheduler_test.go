package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegisterRecurring_RejectsNonPositiveInterval(t *testing.T) {
	s := New(zap.NewNop())

	err := s.RegisterRecurring("bad", 0, func(context.Context) error { return nil })

	assert.Error(t, err)
}

func TestRegisterRecurring_RejectsAfterStart(t *testing.T) {
	s := New(zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()

	err := s.RegisterRecurring("late", time.Second, func(context.Context) error { return nil })

	assert.Error(t, err)
}

func TestScheduler_KeepsRunningAfterFailuresAndPanics(t *testing.T) {
	// Arrange
	s := New(zap.NewNop())
	var runs atomic.Int32
	require.NoError(t, s.RegisterRecurring("flaky", 5*time.Millisecond, func(context.Context) error {
		n := runs.Add(1)
		switch n % 3 {
		case 1:
			panic("boom")
		case 2:
			return errors.New("transient")
		}
		return nil
	}))

	// Act
	s.Start(context.Background())

	// Assert
	assert.Eventually(t, func() bool { return runs.Load() >= 6 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestRunOnce_RecoversPanic(t *testing.T) {
	s := New(zap.NewNop())

	assert.NotPanics(t, func() {
		s.RunOnce(context.Background(), "panic", func(context.Context) error { panic("boom") })
	})
}
