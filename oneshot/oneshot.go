// Package oneshot provides a single-assignment value that hands a result from
// one producer to exactly one consumer.
//
// A Value may be set from any goroutine, any number of times; only the first
// Set is observed. Set never blocks, so a producer can deliver before the
// consumer has started waiting and the value is retained until Wait claims it.
// Exactly one Wait call may hold the claim at a time. Once a waiter has
// received the value, later waiters get ErrConsumed rather than a stale copy.
package oneshot

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrWaiterExists is returned when a second goroutine waits while another
	// waiter holds the claim.
	ErrWaiterExists = errors.New("oneshot: waiter already registered")
	// ErrConsumed is returned when the value was already delivered to a waiter.
	ErrConsumed = errors.New("oneshot: value already consumed")
	// ErrClosed is returned by Wait when the value was closed without being set.
	ErrClosed = errors.New("oneshot: closed without value")
)

// Value is a one-shot gate carrying a T. The zero value is not usable; call New.
type Value[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	val      T
	set      bool
	closed   bool
	waiting  bool
	consumed bool
}

// New returns an empty Value.
func New[T any]() *Value[T] {
	return &Value[T]{done: make(chan struct{})}
}

// Set stores v and releases the waiter. It reports whether this call was the
// one that resolved the gate.
func (o *Value[T]) Set(v T) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.set || o.closed {
		return false
	}
	o.val = v
	o.set = true
	close(o.done)
	return true
}

// Close resolves the gate without a value. Waiters receive ErrClosed. It
// reports whether this call resolved the gate.
func (o *Value[T]) Close() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.set || o.closed {
		return false
	}
	o.closed = true
	close(o.done)
	return true
}

// Done is closed once the gate has been resolved by Set or Close.
func (o *Value[T]) Done() <-chan struct{} { return o.done }

// Wait blocks until the gate resolves or ctx ends. If ctx ends first the
// claim is released so a later Wait can try again.
func (o *Value[T]) Wait(ctx context.Context) (T, error) {
	var zero T

	o.mu.Lock()
	switch {
	case o.consumed:
		o.mu.Unlock()
		return zero, ErrConsumed
	case o.waiting:
		o.mu.Unlock()
		return zero, ErrWaiterExists
	}
	o.waiting = true
	o.mu.Unlock()

	select {
	case <-o.done:
	case <-ctx.Done():
		o.mu.Lock()
		o.waiting = false
		o.mu.Unlock()
		return zero, ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.waiting = false
	if o.closed {
		return zero, ErrClosed
	}
	o.consumed = true
	v := o.val
	o.val = zero
	return v, nil
}
