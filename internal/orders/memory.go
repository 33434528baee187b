package orders

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type orderKey struct{ tenantID, orderID string }

// MemoryRepository implements Repository and SagaRepository in process.
// Orders are deep-copied on the way in and out.
type MemoryRepository struct {
	mu      sync.RWMutex
	orders  map[orderKey]*Order
	numbers map[orderKey]struct{}
	sagas   map[orderKey]*Saga
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:  make(map[orderKey]*Order),
		numbers: make(map[orderKey]struct{}),
		sagas:   make(map[orderKey]*Saga),
	}
}

func copyOrder(o *Order) *Order {
	raw, err := json.Marshal(o)
	if err != nil {
		panic(err)
	}
	var c Order
	if err := json.Unmarshal(raw, &c); err != nil {
		panic(err)
	}
	return &c
}

func (r *MemoryRepository) OrderNumberExists(_ context.Context, tenantID, number string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.numbers[orderKey{tenantID, number}]
	return ok, nil
}

func (r *MemoryRepository) CreateOrder(_ context.Context, order *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	nk := orderKey{order.TenantID, order.OrderNumber}
	if _, ok := r.numbers[nk]; ok {
		return ErrOrderNumberTaken
	}
	r.numbers[nk] = struct{}{}
	k := orderKey{order.TenantID, order.ID}
	r.orders[k] = copyOrder(order)
	r.sagas[k] = newSaga(order)
	return nil
}

func (r *MemoryRepository) GetOrder(_ context.Context, tenantID, orderID string) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[orderKey{tenantID, orderID}]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (r *MemoryRepository) UpdateOrder(_ context.Context, order *Order, expected Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := orderKey{order.TenantID, order.ID}
	stored, ok := r.orders[k]
	if !ok || stored.Status != expected || stored.Version != order.Version-1 {
		return ErrConcurrentUpdate
	}
	r.orders[k] = copyOrder(order)
	if s, ok := r.sagas[k]; ok {
		s.apply(order)
	}
	return nil
}

func (r *MemoryRepository) ListOrders(_ context.Context, f ListFilter) ([]*Order, error) {
	r.mu.RLock()
	var matched []*Order
	for k, o := range r.orders {
		if k.tenantID != f.TenantID {
			continue
		}
		if !f.CreatedFrom.IsZero() && o.CreatedAt.Before(f.CreatedFrom) {
			continue
		}
		if !f.CreatedTo.IsZero() && !o.CreatedAt.Before(f.CreatedTo) {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		matched = append(matched, copyOrder(o))
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if f.Offset >= len(matched) {
		return nil, nil
	}
	end := min(f.Offset+limit, len(matched))
	return matched[f.Offset:end], nil
}

func (r *MemoryRepository) GetSaga(_ context.Context, tenantID, orderID string) (*Saga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sagas[orderKey{tenantID, orderID}]
	if !ok {
		return nil, ErrSagaNotFound
	}
	c := *s
	return &c, nil
}

func (r *MemoryRepository) MarkSagaPublishFailed(_ context.Context, tenantID, orderID, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sagas[orderKey{tenantID, orderID}]
	if !ok {
		return ErrSagaNotFound
	}
	s.LastPublishError = reason
	s.PublishFailedAt = &at
	return nil
}

func (r *MemoryRepository) MarkSagaRecovered(_ context.Context, tenantID, orderID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sagas[orderKey{tenantID, orderID}]
	if !ok {
		return ErrSagaNotFound
	}
	s.LastPublishError = ""
	s.PublishFailedAt = nil
	s.UpdatedAt = at
	s.RecoveryAttempts++
	return nil
}

func (r *MemoryRepository) FindSagasNeedingAttention(_ context.Context, q AttentionQuery) ([]Saga, error) {
	r.mu.RLock()
	var out []Saga
	for _, s := range r.sagas {
		if q.matches(s) {
			out = append(out, *s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) DeleteCompletedSagas(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, s := range r.sagas {
		if s.CompletedAt != nil && s.CompletedAt.Before(before) && s.LastPublishError == "" {
			delete(r.sagas, k)
			n++
		}
	}
	return n, nil
}

// SetSagaTimes overrides a saga's timestamps; tests use it to age sagas.
func (r *MemoryRepository) SetSagaTimes(tenantID, orderID string, startedAt, updatedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sagas[orderKey{tenantID, orderID}]; ok {
		s.StartedAt = startedAt
		s.UpdatedAt = updatedAt
	}
}
