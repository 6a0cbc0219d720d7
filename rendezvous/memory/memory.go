// Package memory is the in-process rendezvous.Host.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ggoodman/installsession-go/oneshot"
	"github.com/ggoodman/installsession-go/rendezvous"
)

type key struct {
	session     string
	correlation string
}

// Host is an in-memory implementation of rendezvous.Host.
type Host struct {
	mu     sync.Mutex
	awaits map[key]*oneshot.Value[[]byte]
}

func New() *Host {
	return &Host{awaits: make(map[key]*oneshot.Value[[]byte])}
}

type awaiter struct {
	h  *Host
	k  key
	st *oneshot.Value[[]byte]
}

func (a *awaiter) Recv(ctx context.Context) ([]byte, error) {
	data, err := a.st.Wait(ctx)
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, oneshot.ErrClosed), errors.Is(err, oneshot.ErrConsumed):
		return nil, rendezvous.ErrAwaitCanceled
	case ctx.Err() != nil:
		// best-effort cancel
		_ = a.Cancel(context.Background())
		return nil, ctx.Err()
	default:
		return nil, err
	}
}

func (a *awaiter) Cancel(ctx context.Context) error {
	a.h.mu.Lock()
	if cur, ok := a.h.awaits[a.k]; ok && cur == a.st {
		delete(a.h.awaits, a.k)
	}
	a.h.mu.Unlock()
	a.st.Close()
	return nil
}

func (h *Host) BeginAwait(ctx context.Context, sessionKey, correlationID string, ttl time.Duration) (rendezvous.Awaiter, error) {
	k := key{session: sessionKey, correlation: correlationID}

	h.mu.Lock()
	if _, exists := h.awaits[k]; exists {
		h.mu.Unlock()
		return nil, rendezvous.ErrAwaitExists
	}
	st := oneshot.New[[]byte]()
	h.awaits[k] = st
	h.mu.Unlock()

	a := &awaiter{h: h, k: k, st: st}

	// TTL cleanup
	if ttl > 0 {
		timer := time.NewTimer(ttl)
		go func() {
			defer timer.Stop()
			select {
			case <-st.Done():
			case <-timer.C:
				_ = a.Cancel(context.Background())
			}
		}()
	}

	return a, nil
}

func (h *Host) Fulfill(ctx context.Context, sessionKey, correlationID string, data []byte) (bool, error) {
	k := key{session: sessionKey, correlation: correlationID}

	h.mu.Lock()
	st, ok := h.awaits[k]
	if ok {
		delete(h.awaits, k)
	}
	h.mu.Unlock()
	if !ok {
		return false, nil
	}
	return st.Set(append([]byte(nil), data...)), nil
}

// Pending returns the number of registered, unresolved awaits.
func (h *Host) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.awaits)
}

var _ rendezvous.Host = (*Host)(nil)
