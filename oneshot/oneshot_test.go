package oneshot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSetBeforeWait(t *testing.T) {
	v := New[int]()
	if !v.Set(7) {
		t.Fatal("first Set should win")
	}
	got, err := v.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}

func TestWaitThenSetFromOtherGoroutine(t *testing.T) {
	v := New[string]()
	go func() {
		time.Sleep(20 * time.Millisecond)
		v.Set("ok")
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := v.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got != "ok" {
		t.Fatalf("expected ok, got %q", got)
	}
}

func TestConcurrentSetOnlyOneWins(t *testing.T) {
	v := New[int]()
	const n = 64
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			if v.Set(i) {
				wins.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winning Set, got %d", wins.Load())
	}
	if _, err := v.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestSecondWaiterRejected(t *testing.T) {
	v := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first := make(chan error, 1)
	go func() {
		_, err := v.Wait(ctx)
		first <- err
	}()

	deadline := time.Now().Add(time.Second)
	for {
		_, err := v.Wait(context.Background())
		if errors.Is(err, ErrWaiterExists) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second waiter was never rejected")
		}
		time.Sleep(time.Millisecond)
	}

	v.Set(1)
	if err := <-first; err != nil {
		t.Fatalf("first waiter: %v", err)
	}
}

func TestConsumedAfterDelivery(t *testing.T) {
	v := New[int]()
	v.Set(1)
	if _, err := v.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if _, err := v.Wait(context.Background()); !errors.Is(err, ErrConsumed) {
		t.Fatalf("expected ErrConsumed, got %v", err)
	}
}

func TestWaitContextReleasesClaim(t *testing.T) {
	v := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := v.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	v.Set(3)
	got, err := v.Wait(context.Background())
	if err != nil || got != 3 {
		t.Fatalf("expected 3 after retry, got %d, %v", got, err)
	}
}

func TestClose(t *testing.T) {
	v := New[int]()
	if !v.Close() {
		t.Fatal("close should resolve the gate")
	}
	if v.Set(1) {
		t.Fatal("set after close must not win")
	}
	select {
	case <-v.Done():
	default:
		t.Fatal("done should be closed")
	}
	if _, err := v.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
