// Package rendezvoustest is a conformance suite for rendezvous.Host
// implementations.
package rendezvoustest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/installsession-go/rendezvous"
)

// Harness is what a backend hands to the suite.
type Harness struct {
	Host rendezvous.Host
	// Expire makes registrations older than d eligible for expiry, e.g. by
	// sleeping or fast-forwarding a fake clock.
	Expire func(d time.Duration)
}

// HarnessFactory creates a fresh harness for each sub-test.
type HarnessFactory func(t *testing.T) Harness

// RunHostTests runs the complete rendezvous.Host suite against the factory.
func RunHostTests(t *testing.T, factory HarnessFactory) {
	t.Run("Await_FulfillBeforeRecv", func(t *testing.T) { testFulfillBeforeRecv(t, factory) })
	t.Run("Await_FulfillAfterRecv", func(t *testing.T) { testFulfillAfterRecv(t, factory) })
	t.Run("Await_DuplicateRegistration", func(t *testing.T) { testDuplicateRegistration(t, factory) })
	t.Run("Await_FulfillWithoutWaiter", func(t *testing.T) { testFulfillWithoutWaiter(t, factory) })
	t.Run("Await_ConcurrentFulfillDeliversOnce", func(t *testing.T) { testConcurrentFulfill(t, factory) })
	t.Run("Await_CancelStopsRecv", func(t *testing.T) { testCancel(t, factory) })
	t.Run("Await_RecvContextDeadline", func(t *testing.T) { testRecvDeadline(t, factory) })
	t.Run("Await_TTLExpiry", func(t *testing.T) { testTTLExpiry(t, factory) })
	t.Run("Await_KeysAreIsolated", func(t *testing.T) { testIsolation(t, factory) })
}

func testFulfillBeforeRecv(t *testing.T, factory HarnessFactory) {
	h := factory(t).Host
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := h.BeginAwait(ctx, "s1", "c1", time.Minute)
	if err != nil {
		t.Fatalf("begin await: %v", err)
	}
	ok, err := h.Fulfill(ctx, "s1", "c1", []byte("result"))
	if err != nil || !ok {
		t.Fatalf("fulfill: ok=%v err=%v", ok, err)
	}
	got, err := a.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != "result" {
		t.Fatalf("expected result, got %q", got)
	}
}

func testFulfillAfterRecv(t *testing.T, factory HarnessFactory) {
	h := factory(t).Host
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := h.BeginAwait(ctx, "s2", "c1", time.Minute)
	if err != nil {
		t.Fatalf("begin await: %v", err)
	}

	done := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		got, err := a.Recv(ctx)
		if err != nil {
			errCh <- err
			return
		}
		done <- got
	}()

	time.Sleep(50 * time.Millisecond)
	if ok, err := h.Fulfill(ctx, "s2", "c1", []byte("late")); err != nil || !ok {
		t.Fatalf("fulfill: ok=%v err=%v", ok, err)
	}

	select {
	case got := <-done:
		if string(got) != "late" {
			t.Fatalf("expected late, got %q", got)
		}
	case err := <-errCh:
		t.Fatalf("recv: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("recv timeout")
	}
}

func testDuplicateRegistration(t *testing.T, factory HarnessFactory) {
	h := factory(t).Host
	ctx := context.Background()
	if _, err := h.BeginAwait(ctx, "s3", "c1", time.Minute); err != nil {
		t.Fatalf("begin await: %v", err)
	}
	if _, err := h.BeginAwait(ctx, "s3", "c1", time.Minute); !errors.Is(err, rendezvous.ErrAwaitExists) {
		t.Fatalf("expected ErrAwaitExists, got %v", err)
	}
}

func testFulfillWithoutWaiter(t *testing.T, factory HarnessFactory) {
	h := factory(t).Host
	ok, err := h.Fulfill(context.Background(), "s4", "nobody", []byte("x"))
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if ok {
		t.Fatal("expected drop when no waiter is registered")
	}
}

func testConcurrentFulfill(t *testing.T, factory HarnessFactory) {
	h := factory(t).Host
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := h.BeginAwait(ctx, "s5", "c1", time.Minute)
	if err != nil {
		t.Fatalf("begin await: %v", err)
	}

	const n = 16
	var delivered atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := h.Fulfill(ctx, "s5", "c1", []byte("r"))
			if err != nil {
				t.Errorf("fulfill: %v", err)
				return
			}
			if ok {
				delivered.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if delivered.Load() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", delivered.Load())
	}
	if _, err := a.Recv(ctx); err != nil {
		t.Fatalf("recv: %v", err)
	}
}

func testCancel(t *testing.T, factory HarnessFactory) {
	h := factory(t).Host
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := h.BeginAwait(ctx, "s6", "c1", time.Minute)
	if err != nil {
		t.Fatalf("begin await: %v", err)
	}
	if err := a.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok, _ := h.Fulfill(ctx, "s6", "c1", []byte("x")); ok {
		t.Fatal("fulfill after cancel must be dropped")
	}
	if _, err := a.Recv(ctx); !errors.Is(err, rendezvous.ErrAwaitCanceled) {
		t.Fatalf("expected ErrAwaitCanceled, got %v", err)
	}
}

func testRecvDeadline(t *testing.T, factory HarnessFactory) {
	h := factory(t).Host
	a, err := h.BeginAwait(context.Background(), "s7", "c1", time.Minute)
	if err != nil {
		t.Fatalf("begin await: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := a.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	// The waiter gave up; a late result is dropped.
	if ok, _ := h.Fulfill(context.Background(), "s7", "c1", []byte("late")); ok {
		t.Fatal("late fulfill after abandoned wait must be dropped")
	}
}

func testTTLExpiry(t *testing.T, factory HarnessFactory) {
	hn := factory(t)
	ctx := context.Background()
	if _, err := hn.Host.BeginAwait(ctx, "s8", "c1", time.Second); err != nil {
		t.Fatalf("begin await: %v", err)
	}
	hn.Expire(1500 * time.Millisecond)

	deadline := time.Now().Add(3 * time.Second)
	for {
		ok, err := hn.Host.Fulfill(ctx, "s8", "c1", []byte("x"))
		if err != nil {
			t.Fatalf("fulfill: %v", err)
		}
		if !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("await never expired")
		}
		time.Sleep(20 * time.Millisecond)
	}
	// Expired keys may be registered again.
	if _, err := hn.Host.BeginAwait(ctx, "s8", "c1", time.Minute); err != nil {
		t.Fatalf("re-register after expiry: %v", err)
	}
}

func testIsolation(t *testing.T, factory HarnessFactory) {
	h := factory(t).Host
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a1, err := h.BeginAwait(ctx, "s9", "c1", time.Minute)
	if err != nil {
		t.Fatalf("begin a1: %v", err)
	}
	a2, err := h.BeginAwait(ctx, "s10", "c1", time.Minute)
	if err != nil {
		t.Fatalf("begin a2: %v", err)
	}
	if ok, _ := h.Fulfill(ctx, "s10", "c1", []byte("two")); !ok {
		t.Fatal("fulfill s10")
	}
	if ok, _ := h.Fulfill(ctx, "s9", "c1", []byte("one")); !ok {
		t.Fatal("fulfill s9")
	}
	g1, err := a1.Recv(ctx)
	if err != nil || string(g1) != "one" {
		t.Fatalf("a1 got %q, %v", g1, err)
	}
	g2, err := a2.Recv(ctx)
	if err != nil || string(g2) != "two" {
		t.Fatalf("a2 got %q, %v", g2, err)
	}
}
