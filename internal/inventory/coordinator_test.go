package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const tenant = "tenant-a"

func newCoordinator(t *testing.T, repo Repository) *Coordinator {
	t.Helper()
	return NewCoordinator(repo, Options{MaxRetries: 3, Backoff: time.Millisecond}, zap.NewNop(), nil)
}

func seed(t *testing.T, repo Repository, sku string, available int) {
	t.Helper()
	_, err := repo.SetStock(context.Background(), tenant, sku, available)
	require.NoError(t, err)
}

func stockOf(t *testing.T, repo Repository, sku string) StockItem {
	t.Helper()
	s, err := repo.GetStock(context.Background(), tenant, sku)
	require.NoError(t, err)
	return *s
}

func TestReserve_HoldsEveryItem(t *testing.T) {
	// Arrange
	repo := NewMemoryRepository()
	seed(t, repo, "A", 10)
	seed(t, repo, "B", 5)
	c := newCoordinator(t, repo)

	// Act
	res, err := c.Reserve(context.Background(), tenant, "order-1", []Item{{SKU: "A", Quantity: 3}, {SKU: "B", Quantity: 5}})

	// Assert
	require.NoError(t, err)
	assert.True(t, res.Reserved())
	assert.NoError(t, res.Err())
	require.Len(t, res.Reservations, 2)
	for _, r := range res.Reservations {
		assert.Equal(t, ReservationActive, r.Status)
		assert.Equal(t, "order-1", r.OrderID)
	}

	a := stockOf(t, repo, "A")
	assert.Equal(t, 7, a.Available)
	assert.Equal(t, 3, a.Reserved)
	b := stockOf(t, repo, "B")
	assert.Zero(t, b.Available)
	assert.Equal(t, 5, b.Reserved)
}

func TestReserve_InsufficientIsAllOrNothing(t *testing.T) {
	repo := NewMemoryRepository()
	seed(t, repo, "A", 10)
	seed(t, repo, "B", 1)
	c := newCoordinator(t, repo)

	res, err := c.Reserve(context.Background(), tenant, "order-1", []Item{
		{SKU: "A", Quantity: 3},
		{SKU: "B", Quantity: 2},
		{SKU: "GHOST", Quantity: 1},
	})

	require.NoError(t, err, "a shortage is an outcome, not an error")
	assert.False(t, res.Reserved())
	assert.Empty(t, res.Reservations)
	assert.Equal(t, []Shortage{
		{SKU: "B", Requested: 2, Available: 1, Reason: ReasonInsufficientStock},
		{SKU: "GHOST", Requested: 1, Reason: ReasonUnknownSKU},
	}, res.Shortages)

	var insufficient *InsufficientInventoryError
	require.ErrorAs(t, res.Err(), &insufficient)
	assert.ErrorIs(t, res.Err(), ErrInsufficientInventory)

	a := stockOf(t, repo, "A")
	assert.Equal(t, 10, a.Available, "the held item is rolled back")
	assert.Zero(t, a.Reserved)

	list, err := repo.ListReservations(context.Background(), tenant, "order-1")
	require.NoError(t, err)
	assert.Empty(t, list)

	// Nothing was recorded, so a later attempt with stock can succeed.
	seed(t, repo, "B", 5)
	seed(t, repo, "GHOST", 1)
	res, err = c.Reserve(context.Background(), tenant, "order-1", []Item{{SKU: "A", Quantity: 3}, {SKU: "B", Quantity: 2}, {SKU: "GHOST", Quantity: 1}})
	require.NoError(t, err)
	assert.True(t, res.Reserved())
}

func TestReserve_RedeliveryIsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	seed(t, repo, "A", 10)
	c := newCoordinator(t, repo)
	ctx := context.Background()

	first, err := c.Reserve(ctx, tenant, "order-1", []Item{{SKU: "A", Quantity: 4}})
	require.NoError(t, err)
	again, err := c.Reserve(ctx, tenant, "order-1", []Item{{SKU: "A", Quantity: 4}})
	require.NoError(t, err)

	assert.True(t, again.AlreadyApplied)
	require.Len(t, again.Reservations, 1)
	assert.Equal(t, first.Reservations[0].ID, again.Reservations[0].ID)
	assert.Equal(t, 6, stockOf(t, repo, "A").Available)
}

// conflictingRepo reports a version conflict for the first n adjustments.
type conflictingRepo struct {
	*MemoryRepository
	conflicts int
	attempts  int
}

type conflictingTx struct {
	Tx
	repo *conflictingRepo
}

func (r *conflictingRepo) Once(ctx context.Context, tenantID, orderID, branch string, fn func(tx Tx) error) error {
	return r.MemoryRepository.Once(ctx, tenantID, orderID, branch, func(tx Tx) error {
		return fn(&conflictingTx{Tx: tx, repo: r})
	})
}

func (t *conflictingTx) AdjustStock(ctx context.Context, tenantID, sku string, v int64, a, r int) (int64, error) {
	t.repo.attempts++
	if t.repo.attempts <= t.repo.conflicts {
		return 0, ErrVersionConflict
	}
	return t.Tx.AdjustStock(ctx, tenantID, sku, v, a, r)
}

func TestReserve_RetriesVersionConflicts(t *testing.T) {
	t.Run("succeeds within the retry budget", func(t *testing.T) {
		repo := &conflictingRepo{MemoryRepository: NewMemoryRepository(), conflicts: 3}
		seed(t, repo, "A", 10)

		res, err := newCoordinator(t, repo).Reserve(context.Background(), tenant, "order-1", []Item{{SKU: "A", Quantity: 1}})
		require.NoError(t, err)
		assert.True(t, res.Reserved())
		assert.Equal(t, 4, repo.attempts)
	})

	t.Run("gives up after three retries", func(t *testing.T) {
		repo := &conflictingRepo{MemoryRepository: NewMemoryRepository(), conflicts: 100}
		seed(t, repo, "A", 10)

		res, err := newCoordinator(t, repo).Reserve(context.Background(), tenant, "order-1", []Item{{SKU: "A", Quantity: 1}})
		require.NoError(t, err)
		require.Len(t, res.Shortages, 1)
		assert.Equal(t, ReasonVersionConflict, res.Shortages[0].Reason)
		assert.Equal(t, 4, repo.attempts)
		assert.Equal(t, 10, stockOf(t, repo, "A").Available)
	})
}

func TestReserve_ConcurrentAttemptsNeverOversell(t *testing.T) {
	const (
		stock    = 7
		attempts = 40
	)
	repo := NewMemoryRepository()
	seed(t, repo, "HOT", stock)
	c := newCoordinator(t, repo)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Reserve(context.Background(), tenant, fmt.Sprintf("order-%d", i), []Item{{SKU: "HOT", Quantity: 1}})
			assert.NoError(t, err)
			if res.Reserved() {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	s := stockOf(t, repo, "HOT")
	assert.LessOrEqual(t, succeeded, stock)
	assert.Equal(t, succeeded, s.Reserved)
	assert.Equal(t, stock, s.Available+s.Reserved)
	assert.GreaterOrEqual(t, s.Available, 0)
}

func TestRelease_ReturnsFullQuantity(t *testing.T) {
	repo := NewMemoryRepository()
	seed(t, repo, "A", 10)
	c := newCoordinator(t, repo)
	ctx := context.Background()

	_, err := c.Reserve(ctx, tenant, "order-1", []Item{{SKU: "A", Quantity: 4}})
	require.NoError(t, err)
	require.Equal(t, 6, stockOf(t, repo, "A").Available)

	out, err := c.Release(ctx, tenant, "order-1")
	require.NoError(t, err)
	assert.Len(t, out.Released, 1)
	assert.Empty(t, out.Failed)

	a := stockOf(t, repo, "A")
	assert.Equal(t, 10, a.Available)
	assert.Zero(t, a.Reserved)

	list, err := repo.ListReservations(ctx, tenant, "order-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ReservationReleased, list[0].Status)

	// A second cancellation finds nothing active.
	out, err = c.Release(ctx, tenant, "order-1")
	require.NoError(t, err)
	assert.Empty(t, out.Released)
	assert.Equal(t, 10, stockOf(t, repo, "A").Available)
}

// failingRelease fails the release branch of one reservation.
type failingRelease struct {
	*MemoryRepository
	reservationID string
}

func (r *failingRelease) Once(ctx context.Context, tenantID, orderID, branch string, fn func(tx Tx) error) error {
	if branch == branchReleasePrefix+r.reservationID {
		return errors.New("lock timeout")
	}
	return r.MemoryRepository.Once(ctx, tenantID, orderID, branch, fn)
}

func TestRelease_FailureDoesNotBlockSiblings(t *testing.T) {
	mem := NewMemoryRepository()
	seed(t, mem, "A", 10)
	seed(t, mem, "B", 10)
	ctx := context.Background()

	res, err := newCoordinator(t, mem).Reserve(ctx, tenant, "order-1", []Item{{SKU: "A", Quantity: 2}, {SKU: "B", Quantity: 3}})
	require.NoError(t, err)
	require.Len(t, res.Reservations, 2)

	var stuck, other Reservation
	for _, r := range res.Reservations {
		if r.SKU == "A" {
			stuck = r
		} else {
			other = r
		}
	}

	repo := &failingRelease{MemoryRepository: mem, reservationID: stuck.ID}
	out, err := newCoordinator(t, repo).Release(ctx, tenant, "order-1")
	require.NoError(t, err)
	assert.Equal(t, []string{other.ID}, out.Released)
	assert.Equal(t, []string{stuck.ID}, out.Failed)

	assert.Equal(t, 10, stockOf(t, mem, "B").Available)
	assert.Equal(t, 8, stockOf(t, mem, "A").Available)

	// Once the fault clears, the stuck reservation is released too.
	out, err = newCoordinator(t, mem).Release(ctx, tenant, "order-1")
	require.NoError(t, err)
	assert.Equal(t, []string{stuck.ID}, out.Released)
	assert.Equal(t, 10, stockOf(t, mem, "A").Available)
}

func TestConfirm_ConsumesReservedStock(t *testing.T) {
	repo := NewMemoryRepository()
	seed(t, repo, "A", 10)
	c := newCoordinator(t, repo)
	ctx := context.Background()

	_, err := c.Reserve(ctx, tenant, "order-1", []Item{{SKU: "A", Quantity: 4}})
	require.NoError(t, err)

	out, err := c.Confirm(ctx, tenant, "order-1")
	require.NoError(t, err)
	assert.Len(t, out.Released, 1)

	a := stockOf(t, repo, "A")
	assert.Equal(t, 6, a.Available)
	assert.Zero(t, a.Reserved)

	released, err := c.Release(ctx, tenant, "order-1")
	require.NoError(t, err)
	assert.Empty(t, released.Released, "confirmed reservations are not released")
}

func TestInsufficientInventoryError_Message(t *testing.T) {
	err := &InsufficientInventoryError{OrderID: "o-1", Shortages: []Shortage{{SKU: "A", Requested: 2, Available: 1, Reason: ReasonInsufficientStock}}}
	assert.True(t, strings.Contains(err.Error(), "A (requested 2, available 1, insufficient_stock)"))
}

func TestSetStock_RejectsNegative(t *testing.T) {
	_, err := NewMemoryRepository().SetStock(context.Background(), tenant, "A", -1)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}
