package inventory

import (
	"context"
	"sort"
	"sync"
	"time"
)

type stockKey struct{ tenantID, sku string }

type branchKey struct{ tenantID, orderID, branch string }

// MemoryRepository keeps stock in process. Each Tx call is atomic on its
// own; Once undoes the calls of a failed callback in reverse order.
type MemoryRepository struct {
	mu           sync.Mutex
	stock        map[stockKey]*StockItem
	reservations map[string]*Reservation
	branches     map[branchKey]struct{}
	now          func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		stock:        make(map[stockKey]*StockItem),
		reservations: make(map[string]*Reservation),
		branches:     make(map[branchKey]struct{}),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) Once(ctx context.Context, tenantID, orderID, branch string, fn func(tx Tx) error) error {
	k := branchKey{tenantID, orderID, branch}

	r.mu.Lock()
	if _, ok := r.branches[k]; ok {
		r.mu.Unlock()
		return ErrAlreadyApplied
	}
	// Claimed up front, like the barrier row insert.
	r.branches[k] = struct{}{}
	r.mu.Unlock()

	tx := &memoryTx{repo: r}
	if err := fn(tx); err != nil {
		r.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		delete(r.branches, k)
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *MemoryRepository) GetStock(_ context.Context, tenantID, sku string) (*StockItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stock[stockKey{tenantID, sku}]
	if !ok {
		return nil, ErrStockNotFound
	}
	c := *s
	return &c, nil
}

func (r *MemoryRepository) SetStock(_ context.Context, tenantID, sku string, available int) (*StockItem, error) {
	if available < 0 {
		return nil, ErrInvalidQuantity
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := stockKey{tenantID, sku}
	s, ok := r.stock[k]
	if !ok {
		s = &StockItem{TenantID: tenantID, SKU: sku}
		r.stock[k] = s
	}
	s.Available = available
	s.Version++
	s.UpdatedAt = r.now()
	c := *s
	return &c, nil
}

func (r *MemoryRepository) ListReservations(_ context.Context, tenantID, orderID string) ([]Reservation, error) {
	r.mu.Lock()
	var out []Reservation
	for _, res := range r.reservations {
		if res.TenantID == tenantID && res.OrderID == orderID {
			out = append(out, *res)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type memoryTx struct {
	repo *MemoryRepository
	// undo entries run with repo.mu held.
	undo []func()
}

func (t *memoryTx) GetStock(ctx context.Context, tenantID, sku string) (*StockItem, error) {
	return t.repo.GetStock(ctx, tenantID, sku)
}

func (t *memoryTx) AdjustStock(_ context.Context, tenantID, sku string, expectedVersion int64, availableDelta, reservedDelta int) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stock[stockKey{tenantID, sku}]
	if !ok {
		return 0, ErrStockNotFound
	}
	if s.Version != expectedVersion || s.Available+availableDelta < 0 || s.Reserved+reservedDelta < 0 {
		return 0, ErrVersionConflict
	}
	s.Available += availableDelta
	s.Reserved += reservedDelta
	s.Version++
	s.UpdatedAt = r.now()

	t.undo = append(t.undo, func() {
		s.Available -= availableDelta
		s.Reserved -= reservedDelta
		s.Version++
	})
	return s.Version, nil
}

func (t *memoryTx) InsertReservation(_ context.Context, res *Reservation) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *res
	r.reservations[res.ID] = &c
	t.undo = append(t.undo, func() { delete(r.reservations, res.ID) })
	return nil
}

func (t *memoryTx) SetReservationStatus(_ context.Context, tenantID, id string, from, to ReservationStatus) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[id]
	if !ok || res.TenantID != tenantID || res.Status != from {
		return ErrReservationNotActive
	}
	prev := res.UpdatedAt
	res.Status = to
	res.UpdatedAt = r.now()
	t.undo = append(t.undo, func() {
		res.Status = from
		res.UpdatedAt = prev
	})
	return nil
}
