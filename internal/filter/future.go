package filter

import (
	"context"
	"sync"
)

// Future is the pending outcome of an async filter.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	allow     bool
	err       error
	callbacks []func(allow bool, err error)
}

// NewFuture returns an incomplete future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future that is already complete.
func Resolved(allow bool, err error) *Future {
	f := NewFuture()
	f.Complete(allow, err)
	return f
}

// Complete sets the outcome and runs the registered callbacks. Only the first
// call has an effect; it reports whether this call completed the future.
func (f *Future) Complete(allow bool, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.allow = allow
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(allow, err)
	}
	return true
}

// OnComplete registers fn to run with the outcome. If the future is already
// complete fn runs immediately on the calling goroutine.
func (f *Future) OnComplete(fn func(allow bool, err error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	allow, err := f.allow, f.err
	f.mu.Unlock()
	fn(allow, err)
}

// Done is closed once the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome. It is false, nil until the future completes.
func (f *Future) Result() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allow, f.err
}

// Completed reports whether the outcome is set.
func (f *Future) Completed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// Wait blocks until the future completes or ctx ends.
func (f *Future) Wait(ctx context.Context) (bool, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
