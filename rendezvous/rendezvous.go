// Package rendezvous pairs a single waiter with a single result delivered out
// of band, keyed by (sessionKey, correlationID).
//
// The commit coordinator registers an await before it asks the installer
// service to commit, then blocks in Recv. The result callback, which the
// service may run on any goroutine or even in another process, calls Fulfill.
// Because BeginAwait happens-before the commit request, a result that arrives
// immediately is retained rather than lost.
//
// Implementations
//
//	memory : in-process, built on oneshot.Value
//	redis  : SETNX marker + BLPOP reply list, fulfilled atomically by Lua
package rendezvous

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAwaitExists indicates there is already a waiter for the key.
	ErrAwaitExists = errors.New("await already registered")
	// ErrAwaitCanceled is returned from Recv when the await was canceled or
	// expired before a result arrived.
	ErrAwaitCanceled = errors.New("await canceled")
)

// Awaiter is a one-shot receive for a registered key.
//
// Semantics:
//   - Recv blocks until the key is fulfilled, canceled, or ctx ends.
//   - Cancel makes any current or future Recv return ErrAwaitCanceled and
//     causes later Fulfill calls to report false.
type Awaiter interface {
	Recv(ctx context.Context) ([]byte, error)
	Cancel(ctx context.Context) error
}

// Host registers waiters and delivers results to them.
type Host interface {
	// BeginAwait registers a waiter for correlationID under sessionKey. The
	// registration expires after ttl. Exactly one waiter may exist for a key,
	// and the registration must be visible to Fulfill before returning.
	BeginAwait(ctx context.Context, sessionKey, correlationID string, ttl time.Duration) (Awaiter, error)
	// Fulfill delivers data to a registered waiter and reports whether it was
	// accepted. Only the first Fulfill for a key is accepted; later ones, and
	// those for unknown, expired or canceled keys, return false without error.
	Fulfill(ctx context.Context, sessionKey, correlationID string, data []byte) (bool, error)
}
