package events

import (
	"context"
	"sync"

	"github.com/0xsonu/quick-commerce-system-sub002/internal/platform/broker"
)

// Result is the outcome of one asynchronous publish.
type Result struct {
	Event    DomainEvent
	Metadata broker.Metadata
	Err      error
}

// Future resolves once the broker accepted or rejected the event.
// Callbacks run on the publishing worker, in registration order; a callback
// registered after resolution runs immediately on the caller's goroutine.
type Future struct {
	done chan struct{}

	mu        sync.Mutex
	resolved  bool
	result    Result
	callbacks []func(Result)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// failedFuture is already resolved with err.
func failedFuture(e DomainEvent, err error) *Future {
	f := newFuture()
	f.resolve(Result{Event: e, Err: err})
	return f
}

func (f *Future) resolve(r Result) {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return
	}
	f.resolved = true
	f.result = r
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(r)
	}
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the publish resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result, f.result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (f *Future) OnComplete(fn func(Result)) *Future {
	f.mu.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return f
	}
	r := f.result
	f.mu.Unlock()
	fn(r)
	return f
}

// OnFailure registers fn to run only when the publish fails.
func (f *Future) OnFailure(fn func(error)) *Future {
	return f.OnComplete(func(r Result) {
		if r.Err != nil {
			fn(r.Err)
		}
	})
}
