package httpengine

import (
	"context"
	"net/http"
	"net/http/httptest"
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

func TestEngine_EnqueueResolvesOnSuccess(t *testing.T) {
	loop, a, stop := newTestLoop(t)
	defer stop()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	e := New(loop, a, 4, nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	_, promise := e.Enqueue(req)

	select {
	case v := <-promise.ToChannel():
		resp, ok := v.(Response)
		if !ok {
			t.Fatalf("expected Response, got %T (%v)", v, v)
		}
		if resp.Status != http.StatusOK {
			t.Errorf("expected 200, got %d", resp.Status)
		}
		if string(resp.Body) != "pong" {
			t.Errorf("expected body %q, got %q", "pong", resp.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve in time")
	}
}

func TestEngine_CancelRejectsPending(t *testing.T) {
	loop, a, stop := newTestLoop(t)
	defer stop()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer func() {
		close(block)
		srv.Close()
	}()

	e := New(loop, a, 1, nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	id, promise := e.Enqueue(req)

	time.Sleep(20 * time.Millisecond)
	if !e.Cancel(id) {
		t.Fatal("expected Cancel to report success")
	}

	select {
	case <-promise.ToChannel():
		if promise.State() != asyncrt.Rejected {
			t.Fatalf("expected rejection, got state %v", promise.State())
		}
		netErr, ok := promise.Reason().(*asyncrt.NetworkError)
		if !ok {
			t.Fatalf("expected NetworkError, got %v", promise.Reason())
		}
		if netErr.Message != "Request cancelled" {
			t.Errorf("expected cancellation message, got %q", netErr.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("canceled request did not settle in time")
	}
}

func TestEngine_EnqueueRejectsOnTransportFailure(t *testing.T) {
	loop, a, stop := newTestLoop(t)
	defer stop()

	e := New(loop, a, 1, &http.Client{Timeout: 200 * time.Millisecond})

	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:1", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	_, promise := e.Enqueue(req)

	select {
	case <-promise.ToChannel():
		if promise.State() != asyncrt.Rejected {
			t.Fatalf("expected rejection, got state %v", promise.State())
		}
		if _, ok := promise.Reason().(*asyncrt.NetworkError); !ok {
			t.Errorf("expected NetworkError, got %v", promise.Reason())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("request did not settle in time")
	}
}
