package asyncrt

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTaskGo_CompletesWithValue(t *testing.T) {
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

	handle := a.Go(func(task *TaskHandle) (Result, error) {
		p, resolve, _ := a.NewChainedPromise()
		_, _ = a.Delay(func() { resolve(42) }, 10)
		v, err := a.Await(task, p)
		if err != nil {
			return nil, err
		}
		return v, nil
	})

	result := make(chan Result, 1)
	handle.Done().Then(func(v Result) Result {
		result <- v
		return nil
	}, func(r Result) Result {
		t.Errorf("task rejected unexpectedly: %v", r)
		result <- nil
		return nil
	})

	select {
	case v := <-result:
		if v != 42 {
			t.Errorf("expected 42, got %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("task did not complete in time")
	}

	if handle.State() != TaskCompleted {
		t.Errorf("expected TaskCompleted, got %v", handle.State())
	}

	_ = loop.Shutdown(context.Background())
	<-done
}

func TestTaskGo_PropagatesRejection(t *testing.T) {
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

	wantErr := errors.New("boom")

	handle := a.Go(func(task *TaskHandle) (Result, error) {
		p, _, reject := a.NewChainedPromise()
		_, _ = a.Delay(func() { reject(wantErr) }, 10)
		return a.Await(task, p)
	})

	rejected := make(chan Result, 1)
	handle.Done().Then(func(v Result) Result {
		t.Errorf("task should not resolve, got %v", v)
		rejected <- nil
		return nil
	}, func(r Result) Result {
		rejected <- r
		return nil
	})

	select {
	case r := <-rejected:
		if r != wantErr {
			t.Errorf("expected %v, got %v", wantErr, r)
		}
	case <-time.After(time.Second):
		t.Fatal("task did not settle in time")
	}

	if handle.State() != TaskFailed {
		t.Errorf("expected TaskFailed, got %v", handle.State())
	}

	_ = loop.Shutdown(context.Background())
	<-done
}

func TestAwait_OutsideTaskIsError(t *testing.T) {
	loop, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, err := NewAsync(loop)
	if err != nil {
		t.Fatalf("NewAsync: %v", err)
	}

	p, resolve, _ := a.NewChainedPromise()
	resolve(nil)

	_, err = a.Await(nil, p)
	var notInTask *NotInTaskError
	if !errors.As(err, &notInTask) {
		t.Fatalf("expected NotInTaskError, got %v", err)
	}
}
