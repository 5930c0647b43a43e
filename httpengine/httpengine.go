// Package httpengine implements the HTTP Multi Engine (C6): concurrent
// outbound HTTP requests dispatched through a bounded worker fan-out, since
// Go has no libcurl multi-handle to wrap directly. Each worker blocks on
// http.Client.Do and resolves its request's promise through
// Loop.SubmitInternal — the same bridging pattern asyncrt's own Promisify
// already implements for every other blocking operation this runtime
// fronts.
//
// HTTP connection reuse is delegated to http.Client's default Transport
// idle-connection pool rather than hand-rolled, per SPEC_FULL.md's resolved
// Open Question on connection reuse.
package httpengine

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/asyncrt/asyncrt"
)

// Response is the settled value of a successful request's promise.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

type request struct {
	id       uint64
	req      *http.Request
	cancel   context.CancelFunc
	resolve  asyncrt.ResolveFunc
	reject   asyncrt.RejectFunc
	canceled atomic.Bool
}

// Engine owns a single http.Client and a bounded pool of worker goroutines
// draining its request queue — the concurrency-limited analogue of curl's
// multi-handle loop.
type Engine struct {
	loop   *asyncrt.Loop
	async  *asyncrt.Async
	client *http.Client

	queue chan *request

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*request
}

// New creates an Engine bound to loop/a, running maxConcurrency workers
// against client (nil means a fresh *http.Client with a 30s timeout and its
// own Transport connection pool).
func New(loop *asyncrt.Loop, a *asyncrt.Async, maxConcurrency int, client *http.Client) *Engine {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	e := &Engine{
		loop:    loop,
		async:   a,
		client:  client,
		queue:   make(chan *request, maxConcurrency*4),
		pending: make(map[uint64]*request),
	}
	for i := 0; i < maxConcurrency; i++ {
		go e.worker()
	}
	loop.RegisterManager(e)
	return e
}

// HasWork reports whether any request is queued or in flight, giving the
// loop's idle-stop check visibility into the engine.
func (e *Engine) HasWork() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending) > 0
}

// Enqueue submits req and returns a promise resolving with a [Response] on
// a successful round trip (any HTTP status, including 4xx/5xx, counts as
// success — only transport-level failures reject), or rejecting with
// [asyncrt.NetworkError]. The returned id can be passed to [Engine.Cancel].
func (e *Engine) Enqueue(req *http.Request) (id uint64, promise *asyncrt.ChainedPromise) {
	promise, resolve, reject := e.async.NewChainedPromise()

	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	e.mu.Lock()
	e.nextID++
	id = e.nextID
	r := &request{id: id, req: req, cancel: cancel, resolve: resolve, reject: reject}
	e.pending[id] = r
	e.mu.Unlock()

	e.queue <- r
	return id, promise
}

// Cancel detaches a pending or in-flight request. Queued-but-not-yet-started
// requests are skipped by the next worker to dequeue them; active requests
// have their context canceled. Either way the promise rejects with the
// literal reason the spec requires for a canceled request.
func (e *Engine) Cancel(id uint64) bool {
	e.mu.Lock()
	r, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	r.canceled.Store(true)
	r.cancel()
	_ = e.loop.SubmitInternal(asyncrt.Task{Runnable: func() {
		r.reject(&asyncrt.NetworkError{Message: "Request cancelled"})
	}})
	return true
}

func (e *Engine) worker() {
	for r := range e.queue {
		e.mu.Lock()
		_, stillPending := e.pending[r.id]
		e.mu.Unlock()
		if !stillPending {
			continue
		}

		resp, body, err := e.doWithDNSRetry(r.req)

		e.mu.Lock()
		delete(e.pending, r.id)
		e.mu.Unlock()

		if r.canceled.Load() {
			// Cancel already rejected this request with its own message.
			continue
		}

		if err != nil {
			netErr := &asyncrt.NetworkError{Cause: err, Message: "http request failed"}
			_ = e.loop.SubmitInternal(asyncrt.Task{Runnable: func() {
				r.reject(netErr)
			}})
			continue
		}

		result := Response{Status: resp.StatusCode, Headers: resp.Header, Body: body}
		_ = e.loop.SubmitInternal(asyncrt.Task{Runnable: func() {
			r.resolve(result)
		}})
	}
}

// doWithDNSRetry performs the round trip, retrying with exponential backoff
// if the attempt fails with a DNS resolution error — the one failure mode
// worth retrying automatically, since everything else (connection refused,
// TLS failure, context cancellation) is surfaced to the caller immediately.
func (e *Engine) doWithDNSRetry(req *http.Request) (*http.Response, []byte, error) {
	resp, err := e.client.Do(req)
	if err != nil && isDNSError(err) {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		b.MaxInterval = 2 * time.Second
		for attempt := 0; attempt < 3 && isDNSError(err); attempt++ {
			select {
			case <-req.Context().Done():
				return nil, nil, req.Context().Err()
			case <-time.After(b.NextBackOff()):
			}
			resp, err = e.client.Do(req)
		}
	}
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func isDNSError(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
