// Package future provides a minimal promise/future pair used by the
// transaction coordination core to hand back results of asynchronously
// scheduled work. Callers can block with Get, select on Done, or register
// OnDone continuations that run when the future settles.
package future

import (
	"context"
	"sync"
)

// Future is the read side of a Promise. It settles exactly once with either
// a value or an error.
type Future[T any] struct {
	mu        sync.Mutex
	settled   bool
	val       T
	err       error
	done      chan struct{}
	callbacks []func(T, error)
}

// Promise is the write side of a Future.
type Promise[T any] struct {
	f *Future[T]
}

// NewPromise creates an unsettled promise/future pair.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{f: &Future[T]{done: make(chan struct{})}}
}

// Future returns the read side of the promise.
func (p *Promise[T]) Future() *Future[T] {
	return p.f
}

// Resolve settles the future with a value.
func (p *Promise[T]) Resolve(val T) {
	p.Settle(val, nil)
}

// Reject settles the future with an error.
func (p *Promise[T]) Reject(err error) {
	var zero T
	p.Settle(zero, err)
}

// Settle settles the future with a value and an error. Settling a promise
// twice is a caller bug and panics.
func (p *Promise[T]) Settle(val T, err error) {
	f := p.f

	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		panic("future: promise settled twice")
	}
	f.settled = true
	f.val = val
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	// Continuations run on the settling goroutine, outside the future's lock,
	// so they are free to register further continuations or settle other
	// promises.
	for _, cb := range callbacks {
		cb(val, err)
	}
}

// Done returns a channel that is closed when the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has settled.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get blocks until the future settles or the context is canceled.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnDone registers a continuation invoked with the settled value and error.
// If the future has already settled, the continuation runs immediately on the
// calling goroutine; otherwise it runs on the goroutine that settles the
// promise.
func (f *Future[T]) OnDone(cb func(T, error)) {
	f.mu.Lock()
	if f.settled {
		val, err := f.val, f.err
		f.mu.Unlock()
		cb(val, err)
		return
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// Resolved returns an already-settled future holding val.
func Resolved[T any](val T) *Future[T] {
	p := NewPromise[T]()
	p.Resolve(val)
	return p.Future()
}

// Rejected returns an already-settled future holding err.
func Rejected[T any](err error) *Future[T] {
	p := NewPromise[T]()
	p.Reject(err)
	return p.Future()
}

// WhenAll returns a future that settles after every input future has settled.
// On success it resolves with the values in input order. If any input fails,
// the returned future is rejected with the first error encountered in input
// order, but only after all inputs have settled, so a caller that joins on
// the result knows no input is still in flight.
func WhenAll[T any](futures ...*Future[T]) *Future[[]T] {
	if len(futures) == 0 {
		return Resolved([]T(nil))
	}

	p := NewPromise[[]T]()

	var (
		mu        sync.Mutex
		remaining = len(futures)
		results   = make([]T, len(futures))
		errs      = make([]error, len(futures))
	)

	for i, f := range futures {
		i := i
		f.OnDone(func(val T, err error) {
			mu.Lock()
			results[i] = val
			errs[i] = err
			remaining--
			last := remaining == 0
			mu.Unlock()

			if !last {
				return
			}
			for _, e := range errs {
				if e != nil {
					p.Reject(e)
					return
				}
			}
			p.Resolve(results)
		})
	}

	return p.Future()
}
