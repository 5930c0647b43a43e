// Package asyncrt provides a cooperative, single-threaded asynchronous
// runtime for Go: a reactor event loop, Promise/A+ futures, a timer
// manager, and queues for file, HTTP and database operations, all
// coordinated through a single owning goroutine.
//
// # Architecture
//
// The runtime is built around a [Loop] core that manages task scheduling,
// timer processing, and I/O readiness notification. An [Async] facade
// layered on top provides delay/interval scheduling ([Async.Delay],
// [Async.Interval]), microtask queuing ([Async.QueueMicrotask]), and
// promise combinators ([Async.All], [Async.Race], [Async.Any],
// [Async.AllSettled]).
//
// The promise implementation ([ChainedPromise]) is compliant with the
// Promise/A+ specification, supporting full thenable chaining with
// microtask-based resolution.
//
// # Platform Support
//
// I/O polling is implemented using platform-native mechanisms:
//   - macOS: kqueue
//   - Linux: epoll
//   - Windows: IOCP (I/O Completion Ports)
//
// File descriptor operations ([Loop.RegisterFD], [Loop.UnregisterFD],
// [Loop.ModifyFD]) provide cross-platform I/O readiness notification.
//
// # Thread Safety
//
// The loop is designed for concurrent access:
//   - [Loop.Submit] and [Loop.SubmitInternal] are safe to call from any goroutine
//   - [Loop.ScheduleMicrotask] is lock-free (MPSC ring buffer)
//   - Timer and FD registration methods are thread-safe
//   - Promise resolution must occur on the loop goroutine (enforced automatically)
//
// # Execution Model
//
// The loop supports a dual-path execution model:
//   - Fast path (~50ns/task): channel-based scheduling for low-latency scenarios
//   - I/O path (~8-15µs): poll-based scheduling when I/O FDs are registered
//
// Order of work within each tick:
//  1. Microtasks ([Loop.ScheduleMicrotask], [Loop.NextTick])
//  2. Timer callbacks (earliest deadline first)
//  3. Internal queue tasks ([Loop.SubmitInternal])
//  4. External queue tasks ([Loop.Submit])
//  5. Registered managers, then microtasks, the I/O poll, microtasks again,
//     and the deferred queue ([Loop.Defer])
//
// With strict ordering enabled, microtasks are also drained after each macrotask.
//
// # Usage
//
//	loop, err := asyncrt.New(
//	    asyncrt.WithStrictMicrotaskOrdering(true),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer loop.Close()
//
//	a, err := asyncrt.NewAsync(loop)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	loop.Submit(asyncrt.Task{Runnable: func() {
//	    a.Delay(func() {
//	        fmt.Println("Hello after 100ms")
//	        loop.Shutdown(context.Background())
//	    }, 100)
//	}})
//
//	if err := loop.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// # Error Types
//
// The package provides a typed error taxonomy covering every manager:
//   - [AggregateError]: for [Async.Any] rejections (multi-error, Go 1.20+ compatible)
//   - [AbortError]: for cancellation via [AbortController]
//   - [CancellationError]: for a canceled [CancellablePromise]
//   - [TypeError], [RangeError]: for argument validation
//   - [TimeoutError]: for promise and operation timeouts
//   - [PanicError]: wraps recovered panics from [Promisify]
//   - [IOError], [NetworkError], [DatabaseError]: per-manager operation failures
//   - [PoolClosedError], [ShutdownError]: lifecycle failures
//   - [InvalidConfigurationError]: rejected [LoopOption] values
//
// All error types implement the standard [error] interface. Those that carry
// a cause expose it through Unwrap; [AbortError] and [AggregateError] also
// provide type-based matching via Is().
package asyncrt
