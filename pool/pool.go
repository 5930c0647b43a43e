// Package pool implements the bounded Connection Pool (C13): a fixed-size
// set of reusable connections shared across tasks, with a FIFO wait queue
// for acquire calls made while every connection is checked out, and an
// exponential-backoff reconnect/health-probe cycle for connections a
// liveness check has marked broken.
//
// It is grounded on the teacher's own connection-lifecycle conventions
// (Promise-returning async operations, loop-owned mutation via
// asyncrt.Async) and on the assisted-migration-agent console service's
// backoff.NewExponentialBackOff()/NextBackOff()/Reset() retry loop for the
// reconnect policy.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/asyncrt/asyncrt"
)

// Factory creates a new connection of type T, or an error if the attempt
// failed. It is invoked off the loop goroutine (inside a Promisify-style
// worker), since dialing is a blocking operation.
type Factory[T any] func(ctx context.Context) (T, error)

// HealthCheck reports whether a checked-out connection is still usable.
// Returning false causes the pool to discard it and dial a replacement
// instead of handing it back out.
type HealthCheck[T any] func(T) bool

// Closer releases the resources owned by a discarded or pool-shutdown
// connection.
type Closer[T any] func(T)

// Pool is a fixed-capacity set of connections of type T, acquired and
// released by tasks. All queue mutation happens via asyncrt.Loop.SubmitInternal,
// so Acquire/Release are safe to call from any goroutine while the pool's
// internal bookkeeping stays single-owner, matching the rest of the runtime.
type Pool[T any] struct {
	async    *asyncrt.Async
	factory  Factory[T]
	check    HealthCheck[T]
	closer   Closer[T]
	capacity int

	mu        sync.Mutex
	live      int
	idle      []T
	waiters   list.List // of func(T, error)
	closed    bool
}

// Option configures a Pool at construction.
type Option[T any] func(*Pool[T])

// WithHealthCheck installs a liveness probe that Acquire runs on an idle
// connection before handing it out. Newly dialed connections, and connections
// that Release hands straight to a waiting Acquire, are not probed.
func WithHealthCheck[T any](check HealthCheck[T]) Option[T] {
	return func(p *Pool[T]) { p.check = check }
}

// WithCloser installs a cleanup callback run when a connection is discarded
// (failed health check) or the pool is closed.
func WithCloser[T any](closer Closer[T]) Option[T] {
	return func(p *Pool[T]) { p.closer = closer }
}

// New creates a pool bound to a, with at most capacity live connections,
// created lazily via factory as Acquire calls need them.
func New[T any](a *asyncrt.Async, capacity int, factory Factory[T], opts ...Option[T]) *Pool[T] {
	p := &Pool[T]{
		async:    a,
		factory:  factory,
		capacity: capacity,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns a promise that resolves with a connection once one is
// available — immediately if an idle connection exists or the pool has not
// reached capacity, otherwise once a connection already checked out is
// Released. Waiters are granted connections in FIFO order. If the pool is
// closed, the promise rejects with [asyncrt.PoolClosedError].
func (p *Pool[T]) Acquire(ctx context.Context) *asyncrt.ChainedPromise {
	promise, resolve, reject := p.async.NewChainedPromise()

	deliver := func(conn T, err error) {
		if err != nil {
			reject(err)
			return
		}
		resolve(conn)
	}

	_ = p.async.Loop().SubmitInternal(asyncrt.Task{Runnable: func() {
		if p.closed {
			deliver(zero[T](), &asyncrt.PoolClosedError{Pool: "pool"})
			return
		}

		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			if p.check != nil && !p.check(conn) {
				p.discard(conn)
				// the replacement dial takes over the discarded connection's slot
				p.live++
				p.dialAsync(ctx, deliver)
				return
			}
			deliver(conn, nil)
			return
		}

		if p.live < p.capacity {
			p.live++
			p.dialAsync(ctx, deliver)
			return
		}

		p.waiters.PushBack(deliver)
	}})

	return promise
}

// Release returns conn to the pool, handing it directly to the
// longest-waiting Acquire call if one is queued, or returning it to the idle
// set otherwise.
func (p *Pool[T]) Release(conn T) {
	_ = p.async.Loop().SubmitInternal(asyncrt.Task{Runnable: func() {
		if p.closed {
			p.discard(conn)
			return
		}
		if front := p.waiters.Front(); front != nil {
			p.waiters.Remove(front)
			front.Value.(func(T, error))(conn, nil)
			return
		}
		p.idle = append(p.idle, conn)
	}})
}

// Close discards every idle connection and marks the pool closed; any
// Acquire call still queued is rejected with [asyncrt.PoolClosedError].
// Connections currently checked out are discarded as they are Released.
func (p *Pool[T]) Close() {
	_ = p.async.Loop().SubmitInternal(asyncrt.Task{Runnable: func() {
		p.closed = true
		for _, conn := range p.idle {
			p.discard(conn)
		}
		p.idle = nil
		for e := p.waiters.Front(); e != nil; e = e.Next() {
			e.Value.(func(T, error))(zero[T](), &asyncrt.PoolClosedError{Pool: "pool"})
		}
		p.waiters.Init()
	}})
}

// Stats reports a point-in-time snapshot of the pool's connection counts.
// It is computed on the loop thread like every other mutation, so it never
// races Acquire/Release/Close; at every instant Active+Idle <= the pool's
// capacity.
type Stats struct {
	Active  int
	Idle    int
	Waiters int
}

// Stats returns the pool's current connection counts. If the pool's loop has
// already terminated, it returns a zero Stats.
func (p *Pool[T]) Stats() Stats {
	ch := make(chan Stats, 1)
	err := p.async.Loop().SubmitInternal(asyncrt.Task{Runnable: func() {
		ch <- Stats{
			Active:  p.live - len(p.idle),
			Idle:    len(p.idle),
			Waiters: p.waiters.Len(),
		}
	}})
	if err != nil {
		return Stats{}
	}
	return <-ch
}

func (p *Pool[T]) discard(conn T) {
	if p.closer != nil {
		p.closer(conn)
	}
	p.live--
}

// dialAsync runs factory off the loop goroutine with an exponential backoff
// retry loop, then submits deliver with the result back onto the loop via
// SubmitInternal.
func (p *Pool[T]) dialAsync(ctx context.Context, deliver func(T, error)) {
	go func() {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 50 * time.Millisecond
		b.MaxInterval = 5 * time.Second

		var conn T
		var err error
	retry:
		for attempt := 0; attempt < 5; attempt++ {
			conn, err = p.factory(ctx)
			if err == nil {
				break
			}
			select {
			case <-ctx.Done():
				err = ctx.Err()
				break retry
			case <-time.After(b.NextBackOff()):
			}
		}

		_ = p.async.Loop().SubmitInternal(asyncrt.Task{Runnable: func() {
			if err != nil {
				p.live--
				deliver(zero[T](), err)
				return
			}
			deliver(conn, nil)
		}})
	}()
}

func zero[T any]() T {
	var z T
	return z
}
