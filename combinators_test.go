package asyncrt

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTimeout_RejectsWhenSlow(t *testing.T) {
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

	slow, _, _ := a.NewChainedPromise() // never settles within the timeout window
	result := a.Timeout(slow, 20)

	outcome := make(chan Result, 1)
	result.Then(func(v Result) Result {
		t.Error("expected timeout rejection, got fulfillment")
		outcome <- nil
		return nil
	}, func(r Result) Result {
		outcome <- r
		return nil
	})

	select {
	case r := <-outcome:
		var timeoutErr *TimeoutError
		if !errors.As(r.(error), &timeoutErr) {
			t.Errorf("expected *TimeoutError, got %v (%T)", r, r)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout combinator did not settle")
	}

	_ = loop.Shutdown(context.Background())
	<-done
}

func TestConcurrent_RespectsLimitAndOrder(t *testing.T) {
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

	inFlight := 0
	maxInFlight := 0

	mk := func(n int) func() *ChainedPromise {
		return func() *ChainedPromise {
			p, resolve, _ := a.NewChainedPromise()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			_, _ = a.Delay(func() {
				inFlight--
				resolve(n)
			}, 10)
			return p
		}
	}

	tasks := []func() *ChainedPromise{mk(1), mk(2), mk(3), mk(4)}
	result := a.Concurrent(tasks, 2)

	outcome := make(chan Result, 1)
	result.Then(func(v Result) Result {
		outcome <- v
		return nil
	}, func(r Result) Result {
		t.Errorf("unexpected rejection: %v", r)
		outcome <- nil
		return nil
	})

	select {
	case v := <-outcome:
		values, ok := v.([]Result)
		if !ok || len(values) != 4 {
			t.Fatalf("expected 4 results in order, got %v", v)
		}
		for i, want := range []Result{1, 2, 3, 4} {
			if values[i] != want {
				t.Errorf("index %d: expected %v, got %v", i, want, values[i])
			}
		}
	case <-time.After(time.Second):
		t.Fatal("concurrent combinator did not settle")
	}

	if maxInFlight > 2 {
		t.Errorf("limit of 2 violated, observed %d in flight", maxInFlight)
	}

	_ = loop.Shutdown(context.Background())
	<-done
}

func TestBatch_ProcessesSequentially(t *testing.T) {
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

	items := []Result{1, 2, 3, 4, 5}
	var batchesSeen [][]Result

	result := a.Batch(items, 2, func(batch []Result) *ChainedPromise {
		batchesSeen = append(batchesSeen, append([]Result(nil), batch...))
		p, resolve, _ := a.NewChainedPromise()
		doubled := make([]Result, len(batch))
		for i, v := range batch {
			doubled[i] = v.(int) * 2
		}
		_, _ = a.Delay(func() { resolve(doubled) }, 5)
		return p
	})

	outcome := make(chan Result, 1)
	result.Then(func(v Result) Result {
		outcome <- v
		return nil
	}, func(r Result) Result {
		t.Errorf("unexpected rejection: %v", r)
		outcome <- nil
		return nil
	})

	select {
	case v := <-outcome:
		got, ok := v.([]Result)
		if !ok || len(got) != 5 {
			t.Fatalf("expected 5 collected results, got %v", v)
		}
		want := []int{2, 4, 6, 8, 10}
		for i, w := range want {
			if got[i] != w {
				t.Errorf("index %d: expected %d, got %v", i, w, got[i])
			}
		}
	case <-time.After(time.Second):
		t.Fatal("batch combinator did not settle")
	}

	if len(batchesSeen) != 3 {
		t.Fatalf("expected 3 batches of size <= 2, got %d", len(batchesSeen))
	}

	_ = loop.Shutdown(context.Background())
	<-done
}
