package idempotency

import (
	"context"
	"slices"
	"sync"
	"time"
)

type key struct{ tenantID, token string }

// MemoryRepository keeps tokens in a map guarded by a single mutex, which
// gives it the same create-uniqueness behavior as the Postgres table.
type MemoryRepository struct {
	mu     sync.RWMutex
	tokens map[key]*Token
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tokens: make(map[key]*Token)}
}

func clone(t *Token) *Token {
	c := *t
	if t.Response != nil {
		c.Response = slices.Clone(t.Response)
	}
	return &c
}

func (r *MemoryRepository) Get(_ context.Context, tenantID, token string) (*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[key{tenantID, token}]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return clone(t), nil
}

func (r *MemoryRepository) Create(_ context.Context, t *Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{t.TenantID, t.Token}
	if _, ok := r.tokens[k]; ok {
		return ErrTokenExists
	}
	r.tokens[k] = clone(t)
	return nil
}

func (r *MemoryRepository) CountActiveByUser(_ context.Context, tenantID, userID string, since, now time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.tokens {
		if t.TenantID == tenantID && t.UserID == userID && t.CreatedAt.After(since) && !t.Expired(now) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) FindCompletedByHash(_ context.Context, tenantID, userID, hash string, now time.Time) (*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *Token
	for _, t := range r.tokens {
		if t.TenantID != tenantID || t.UserID != userID || t.RequestHash != hash {
			continue
		}
		if t.Status != StatusCompleted || t.Expired(now) {
			continue
		}
		if found == nil || t.CreatedAt.After(found.CreatedAt) {
			found = t
		}
	}
	if found == nil {
		return nil, ErrTokenNotFound
	}
	return clone(found), nil
}

func (r *MemoryRepository) Transition(_ context.Context, tenantID, token string, from []Status, u Update) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[key{tenantID, token}]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if !slices.Contains(from, t.Status) {
		return nil, ErrInvalidTokenState
	}

	t.Status = u.Status
	if u.OrderID != "" {
		t.OrderID = u.OrderID
	}
	if len(u.Response) > 0 {
		t.Response = slices.Clone(u.Response)
	}
	t.ErrorMessage = u.ErrorMessage
	t.UpdatedAt = time.Now().UTC()
	return clone(t), nil
}

func (r *MemoryRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, t := range r.tokens {
		if t.Expired(now) {
			delete(r.tokens, k)
			n++
		}
	}
	return n, nil
}
