package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/asyncrt/asyncrt"
)

func newTestLoop(t *testing.T) (*asyncrt.Loop, *asyncrt.Async, func()) {
	t.Helper()
	loop, err := asyncrt.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, err := asyncrt.NewAsync(loop)
	if err != nil {
		t.Fatalf("NewAsync: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	return loop, a, func() {
		cancel()
		_ = loop.Shutdown(context.Background())
		<-done
	}
}

func TestPool_AcquireDialsUpToCapacity(t *testing.T) {
	_, a, stop := newTestLoop(t)
	defer stop()

	var dials int32
	p := New(a, 2, func(ctx context.Context) (int, error) {
		return int(atomic.AddInt32(&dials, 1)), nil
	})

	p1 := p.Acquire(context.Background())
	p2 := p.Acquire(context.Background())

	r1 := <-p1.ToChannel()
	r2 := <-p2.ToChannel()

	if r1 == nil || r2 == nil {
		t.Fatalf("expected both acquires to resolve, got %v %v", r1, r2)
	}
	if atomic.LoadInt32(&dials) != 2 {
		t.Errorf("expected 2 dials, got %d", dials)
	}
}

func TestPool_AcquireWaitsForRelease(t *testing.T) {
	_, a, stop := newTestLoop(t)
	defer stop()

	p := New(a, 1, func(ctx context.Context) (int, error) {
		return 1, nil
	})

	first := p.Acquire(context.Background())
	conn := <-first.ToChannel()
	if conn == nil {
		t.Fatal("expected first acquire to resolve")
	}

	second := p.Acquire(context.Background())

	select {
	case <-second.ToChannel():
		t.Fatal("second acquire resolved before release")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(conn.(int))

	select {
	case r := <-second.ToChannel():
		if r == nil {
			t.Fatal("expected second acquire to resolve after release")
		}
	case <-time.After(time.Second):
		t.Fatal("second acquire did not resolve after release")
	}
}

func TestPool_CloseRejectsWaiters(t *testing.T) {
	_, a, stop := newTestLoop(t)
	defer stop()

	p := New(a, 1, func(ctx context.Context) (int, error) {
		return 1, nil
	})

	first := p.Acquire(context.Background())
	<-first.ToChannel()

	waiter := p.Acquire(context.Background())
	p.Close()

	select {
	case <-waiter.ToChannel():
		if waiter.State() != asyncrt.Rejected {
			t.Errorf("expected waiter to be rejected, got state %v", waiter.State())
		}
		if _, ok := waiter.Reason().(*asyncrt.PoolClosedError); !ok {
			t.Errorf("expected PoolClosedError, got %v", waiter.Reason())
		}
	case <-time.After(time.Second):
		t.Fatal("waiter did not settle after Close")
	}
}
