package asyncrt

import (
	"context"
	"testing"
	"time"
)

func TestAsyncMutex_SerializesCriticalSection(t *testing.T) {
	loop, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, err := NewAsync(loop)
	if err != nil {
		t.Fatalf("NewAsync: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	m := a.NewMutex()
	var order []int
	finished := make(chan struct{})
	var remaining = 3

	enter := func(n int) {
		m.Lock().Then(func(Result) Result {
			order = append(order, n)
			_, _ = a.Delay(func() {
				m.Unlock()
				remaining--
				if remaining == 0 {
					close(finished)
				}
			}, 5)
			return nil
		}, nil)
	}

	_ = loop.Submit(Task{Runnable: func() {
		enter(1)
		enter(2)
		enter(3)
	}})

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("mutex critical sections did not all complete")
	}

	if len(order) != 3 {
		t.Fatalf("expected 3 entries into the critical section, got %d: %v", len(order), order)
	}
	if order[0] != 1 {
		t.Errorf("expected FIFO order starting with 1, got %v", order)
	}

	_ = loop.Shutdown(context.Background())
	<-done
}

func TestAsyncMutex_TryLock(t *testing.T) {
	loop, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, err := NewAsync(loop)
	if err != nil {
		t.Fatalf("NewAsync: %v", err)
	}

	m := a.NewMutex()
	if !m.TryLock() {
		t.Fatal("TryLock should succeed on an unlocked mutex")
	}
	if m.TryLock() {
		t.Fatal("TryLock should fail while already held")
	}
}
