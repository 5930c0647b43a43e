// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package asyncrt

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// RejectionHandler is a callback invoked when a rejected promise has no
// handler attached by the end of the tick in which it settled.
type RejectionHandler func(reason Result)

// AsyncOption configures an [Async] facade instance.
// Options are applied in order during [NewAsync] construction.
type AsyncOption func(*asyncOptions)

type asyncOptions struct {
	onUnhandled RejectionHandler
}

func resolveAsyncOptions(opts []AsyncOption) (*asyncOptions, error) {
	o := &asyncOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// WithUnhandledRejection configures a handler that is invoked when a rejected
// promise has no catch handler attached after the microtask queue is drained.
func WithUnhandledRejection(handler RejectionHandler) AsyncOption {
	return func(o *asyncOptions) {
		o.onUnhandled = handler
	}
}

// delayTimerData tracks the mapping between a delay's public ID and the
// underlying loop timer backing it.
type delayTimerData struct {
	delayID     uint64
	loopTimerID TimerID
}

// intervalState tracks the state of a repeating interval.
type intervalState struct {
	id      uint64
	fn      DelayFunc
	wrapper func()
	async   *Async
	wg      sync.WaitGroup

	delayMs            int
	currentLoopTimerID TimerID

	// dueAt is the ideal time of the next firing, advanced by exactly one
	// interval each time regardless of how long the previous callback took
	// to run, so cadence is preserved under modest overruns instead of
	// drifting later with every execution.
	dueAt time.Time

	// maxExecutions caps the number of times fn runs; 0 means unlimited.
	// executions counts firings so far, mutated only on the loop thread
	// inside wrapper.
	maxExecutions int
	executions    int

	m sync.Mutex

	canceled atomic.Bool
}

// Async is the Async Primitives facade (await/delay/all/allSettled/race/any)
// layered on top of a [Loop]. It owns delay/interval bookkeeping, the
// microtask shortcut, and the promise combinators; [AsyncMutex] and the batching
// helpers in combinators.go extend the same facade.
//
// Thread Safety: Async is safe for concurrent use from multiple goroutines.
// Callbacks are always executed on the event loop thread.
type Async struct {
	unhandledCallback RejectionHandler

	loop *Loop

	timers    sync.Map
	intervals sync.Map

	// unhandled-rejection bookkeeping, guarded by their respective mutexes
	// (see trackRejection/checkUnhandledRejections/registerRejectionHandler
	// in promise.go)
	rejectionsMu             sync.RWMutex
	unhandledRejections      map[uint64]*rejectionInfo
	promiseHandlersMu        sync.Mutex
	promiseHandlers          map[uint64]bool
	handlerReadyMu           sync.Mutex
	handlerReadyChans        map[uint64]chan struct{}
	checkRejectionScheduled  atomic.Bool

	nextTimerID atomic.Uint64
	mu          sync.Mutex

	// tasksMu guards tasks, the set of not-yet-terminated fibers started via Go.
	tasksMu sync.Mutex
	tasks   map[uuid.UUID]*TaskHandle

	// startMu guards startQueue, the FIFO of tasks created via Go that have
	// not yet been started by drainStartQueue.
	startMu    sync.Mutex
	startQueue []*TaskHandle
}

// HasWork reports whether any task started via [Async.Go] is still live,
// satisfying the event loop core's idle-stop check for the task manager.
func (a *Async) HasWork() bool {
	return a.HasActiveTasks()
}

// DelayFunc is a callback for [Async.Delay] and [Async.Interval].
// The callback is always invoked on the event loop thread.
type DelayFunc func()

// NewAsync creates a new [Async] facade bound to loop.
func NewAsync(loop *Loop, opts ...AsyncOption) (*Async, error) {
	options, err := resolveAsyncOptions(opts)
	if err != nil {
		return nil, err
	}

	a := &Async{
		loop:                 loop,
		unhandledRejections:  make(map[uint64]*rejectionInfo),
		promiseHandlers:      make(map[uint64]bool),
		handlerReadyChans:    make(map[uint64]chan struct{}),
	}

	if options.onUnhandled != nil {
		a.unhandledCallback = options.onUnhandled
	}

	loop.RegisterManager(a)

	return a, nil
}

// Loop returns the underlying [Loop] that this facade is bound to.
func (a *Async) Loop() *Loop {
	return a.loop
}

// Delay schedules fn to run once after delayMs have elapsed.
//
// Returns an ID that can be passed to [Async.CancelDelay]. A nil fn
// returns 0 without scheduling anything.
func (a *Async) Delay(fn DelayFunc, delayMs int) (uint64, error) {
	if fn == nil {
		return 0, nil
	}

	id := a.nextTimerID.Add(1)
	delay := time.Duration(delayMs) * time.Millisecond

	wrappedFn := func() {
		defer a.timers.Delete(id)
		fn()
	}

	loopTimerID, err := a.loop.ScheduleTimer(delay, wrappedFn)
	if err != nil {
		return 0, err
	}

	data := &delayTimerData{
		delayID:     id,
		loopTimerID: loopTimerID,
	}
	a.timers.Store(id, data)

	return id, nil
}

// CancelDelay cancels a scheduled [Async.Delay] by its ID.
//
// Returns [ErrTimerNotFound] if the ID is invalid or has already fired.
// Safe to call multiple times for the same ID.
func (a *Async) CancelDelay(id uint64) error {
	dataAny, ok := a.timers.Load(id)
	if !ok {
		return ErrTimerNotFound
	}
	data := dataAny.(*delayTimerData)

	if data.loopTimerID == 0 {
		return ErrTimerNotFound
	}

	if err := a.loop.CancelTimer(data.loopTimerID); err != nil {
		return err
	}

	a.timers.Delete(id)
	return nil
}

// Interval schedules fn to run repeatedly every delayMs. Rescheduling is
// anchored to the previous due-time rather than to completion time, so the
// cadence is preserved (not pushed later) when an execution runs long.
//
// maxExecutions caps the number of firings; once reached, the interval is
// removed automatically and behaves as if [Async.CancelInterval] had been
// called. 0 (or negative) means unlimited, matching the interval running
// until explicitly canceled.
func (a *Async) Interval(fn DelayFunc, delayMs int, maxExecutions int) (uint64, error) {
	if fn == nil {
		return 0, nil
	}

	delay := time.Duration(delayMs) * time.Millisecond

	state := &intervalState{
		fn:            fn,
		delayMs:       delayMs,
		async:         a,
		maxExecutions: maxExecutions,
	}

	wrapper := func() {
		state.wg.Add(1)

		defer func() {
			if r := recover(); r != nil {
				a.loop.logPanic("interval callback panicked", r)
			}
			state.wg.Done()
		}()

		state.fn()
		state.executions++

		// checked before and after acquiring the lock to avoid a deadlock
		// when CancelInterval runs on another goroutine mid-reschedule
		if state.canceled.Load() {
			return
		}

		if state.maxExecutions > 0 && state.executions >= state.maxExecutions {
			a.intervals.Delete(state.id)
			return
		}

		state.m.Lock()
		if state.currentLoopTimerID != 0 {
			a.loop.CancelTimer(state.currentLoopTimerID)
		}
		if state.canceled.Load() {
			state.m.Unlock()
			return
		}

		state.dueAt = state.dueAt.Add(state.getDelay())
		delay := time.Until(state.dueAt)
		if delay < 0 {
			delay = 0
		}

		currentWrapper := state.wrapper
		loopTimerID, err := a.loop.ScheduleTimer(delay, currentWrapper)
		if err != nil {
			state.m.Unlock()
			return
		}

		state.currentLoopTimerID = loopTimerID
		state.m.Unlock()
	}

	state.wrapper = wrapper

	id := a.nextTimerID.Add(1)
	state.id = id
	state.dueAt = time.Now().Add(delay)

	loopTimerID, err := a.loop.ScheduleTimer(delay, wrapper)
	if err != nil {
		return 0, err
	}

	state.m.Lock()
	state.currentLoopTimerID = loopTimerID
	state.m.Unlock()
	a.intervals.Store(id, state)

	return id, nil
}

// CancelInterval cancels a scheduled [Async.Interval] by its ID.
//
// Safe to call from within the interval's own callback; it does not wait
// for an in-flight execution to finish (that would deadlock the self-call
// case), it only guarantees no further execution is scheduled.
func (a *Async) CancelInterval(id uint64) error {
	dataAny, ok := a.intervals.Load(id)
	if !ok {
		return ErrTimerNotFound
	}
	state := dataAny.(*intervalState)

	state.canceled.Store(true)

	state.m.Lock()
	defer state.m.Unlock()

	if state.currentLoopTimerID != 0 {
		if err := a.loop.CancelTimer(state.currentLoopTimerID); err != nil {
			if !errors.Is(err, ErrTimerNotFound) {
				return err
			}
		}
	}

	a.intervals.Delete(id)

	return nil
}

// MicrotaskFunc is a callback for [Async.QueueMicrotask].
type MicrotaskFunc func()

// QueueMicrotask schedules fn to run before any pending timer callbacks,
// in FIFO order relative to other queued microtasks.
func (a *Async) QueueMicrotask(fn MicrotaskFunc) error {
	if fn == nil {
		return nil
	}

	return a.loop.ScheduleMicrotask(func() {
		fn()
	})
}

// getDelay returns the interval's delay as a time.Duration.
func (s *intervalState) getDelay() time.Duration {
	return time.Duration(s.delayMs) * time.Millisecond
}

// Resolve returns an already-fulfilled promise with the given value.
func (a *Async) Resolve(val any) *ChainedPromise {
	promise, resolve, _ := a.NewChainedPromise()
	resolve(val)
	return promise
}

// Reject returns an already-rejected promise with the given reason.
func (a *Async) Reject(reason any) *ChainedPromise {
	promise, _, reject := a.NewChainedPromise()
	reject(reason)
	return promise
}
