package asyncrt

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ============================================================================
// Promise Combinators (Task 3.x)
// ============================================================================

// All returns a promise that resolves when all input promises resolve.
//
// Behavior:
//   - If promises is empty, resolves immediately with an empty slice
//   - Resolves with a slice of values in the same order as the input promises
//   - Rejects immediately when any promise rejects, with that promise's reason
//
// Example:
//
//	p1, resolve1, _ := a.NewChainedPromise()
//	p2, resolve2, _ := a.NewChainedPromise()
//	go func() {
//	    resolve1("a")
//	    resolve2("b")
//	}()
//	// result will be []Result{"a", "b"}
//	result := a.All([]*ChainedPromise{p1, p2})
func (a *Async) All(promises []*ChainedPromise) *ChainedPromise {
	result, resolve, reject := a.NewChainedPromise()

	// Handle empty array - resolve immediately with empty array
	if len(promises) == 0 {
		resolve(make([]Result, 0))
		return result
	}

	// Track completion
	var mu sync.Mutex
	var completed atomic.Int32
	values := make([]Result, len(promises))
	hasRejected := atomic.Bool{}

	// Attach handlers to each promise
	for i, p := range promises {
		idx := i // Capture index
		p.Then(
			func(v Result) Result {
				// Store value in correct position
				mu.Lock()
				values[idx] = v
				mu.Unlock()

				// Check if all promises resolved
				count := completed.Add(1)
				if count == int32(len(promises)) && !hasRejected.Load() {
					resolve(values)
				}
				return nil
			},
			func(r Result) Result {
				// Reject on first rejection
				if hasRejected.CompareAndSwap(false, true) {
					reject(r)
				}
				return nil
			},
		)
	}

	return result
}

// Race returns a promise that settles as soon as any of the input promises settles.
//
// Behavior:
//   - If promises is empty, the returned promise never settles (remains pending)
//   - Settles with the value/reason of the first promise to settle
//   - Ignores subsequent settlements from other promises
//
// Use Race for timeout patterns:
//
//	timeout, _, rejectTimeout := a.NewChainedPromise()
//	go func() {
//	    time.Sleep(5 * time.Second)
//	    rejectTimeout(errors.New("timeout"))
//	}()
//	result := a.Race([]*ChainedPromise{actualWork, timeout})
func (a *Async) Race(promises []*ChainedPromise) *ChainedPromise {
	result, resolve, reject := a.NewChainedPromise()

	// Handle empty array - never settles
	if len(promises) == 0 {
		return result
	}

	var settled atomic.Bool

	// Attach handlers to each promise (first to settle wins)
	for _, p := range promises {
		p.Then(
			func(v Result) Result {
				if settled.CompareAndSwap(false, true) {
					resolve(v)
				}
				return nil
			},
			func(r Result) Result {
				if settled.CompareAndSwap(false, true) {
					reject(r)
				}
				return nil
			},
		)
	}

	return result
}

// AllSettled returns a promise that resolves when all input promises have settled.
//
// Unlike [Async.All], this never rejects - it waits for all promises to complete.
// The promise fulfills with a slice of outcome objects:
//
//	// For fulfilled promises:
//	map[string]interface{}{"status": "fulfilled", "value": <value>}
//
//	// For rejected promises:
//	map[string]interface{}{"status": "rejected", "reason": <reason>}
//
// Behavior:
//   - If promises is empty, resolves immediately with an empty slice
//   - Always resolves (never rejects)
//   - Results are in the same order as the input promises
func (a *Async) AllSettled(promises []*ChainedPromise) *ChainedPromise {
	// Handle empty array - create resolved promise directly
	if len(promises) == 0 {
		// Create a ChainedPromise in resolved state
		p := &ChainedPromise{
			async: a,
		}
		p.state.Store(int32(Fulfilled))
		p.result = make([]Result, 0)
		return p
	}

	result, resolve, _ := a.NewChainedPromise()

	// Track completion
	var mu sync.Mutex
	var completed atomic.Int32
	results := make([]Result, len(promises))

	for i, p := range promises {
		idx := i // Capture index
		p.Then(
			func(v Result) Result {
				mu.Lock()
				results[idx] = map[string]interface{}{
					"status": "fulfilled",
					"value":  v,
				}
				mu.Unlock()

				count := completed.Add(1)
				if count == int32(len(promises)) {
					resolve(results)
				}
				return nil
			},
			func(r Result) Result {
				mu.Lock()
				results[idx] = map[string]interface{}{
					"status": "rejected",
					"reason": r,
				}
				mu.Unlock()

				count := completed.Add(1)
				if count == int32(len(promises)) {
					resolve(results)
				}
				return nil
			},
		)
	}

	return result
}

// Any returns a promise that resolves when any input promise resolves.
//
// Behavior:
//   - If promises is empty, rejects immediately with [AggregateError]
//   - Resolves with the value of the first promise to resolve
//   - Rejects with [AggregateError] only if ALL promises reject
//
// Use Any when you need at least one success:
//
//	// Try multiple data sources, use first successful response
//	result := a.Any([]*ChainedPromise{source1, source2, source3})
func (a *Async) Any(promises []*ChainedPromise) *ChainedPromise {
	result, resolve, reject := a.NewChainedPromise()

	// Handle empty array - reject immediately
	if len(promises) == 0 {
		reject(&AggregateError{
			Errors: []error{&ErrNoPromiseResolved{}},
		})
		return result
	}

	var mu sync.Mutex
	var rejected atomic.Int32
	rejections := make([]Result, len(promises))
	var resolved atomic.Bool

	// Attach handlers to each promise
	for i, p := range promises {
		idx := i // Capture index
		p.Then(
			func(v Result) Result {
				if resolved.CompareAndSwap(false, true) {
					resolve(v)
				}
				return nil
			},
			func(r Result) Result {
				mu.Lock()
				rejections[idx] = r
				mu.Unlock()

				count := rejected.Add(1)
				// If all rejected and none resolved, aggregate errors
				if count == int32(len(promises)) && !resolved.Load() {
					// Convert rejections to error interface
					errors := make([]error, len(rejections))
					for i, r := range rejections {
						if err, ok := r.(error); ok {
							errors[i] = err
						} else {
							errors[i] = &ErrorWrapper{Value: r}
						}
					}
					reject(&AggregateError{
						Errors:  errors,
						Message: "All promises were rejected",
					})
				}
				return nil
			},
		)
	}

	return result
}

// AggregateError represents an error thrown when [Async.Any] fails because
// all input promises were rejected.
//
// The Errors field contains the rejection reasons from all failed promises,
// preserving the order of the input promises array.
//
// Example:
//
//	promise := a.Any([]*ChainedPromise{
//	    a.Reject(errors.New("error 1")),
//	    a.Reject(errors.New("error 2")),
//	})
//	promise.Catch(func(r Result) Result {
//	    if agg, ok := r.(*AggregateError); ok {
//	        fmt.Printf("All failed. Errors:\n")
//	        for i, err := range agg.Errors {
//	            fmt.Printf("  [%d] %v\n", i, err)
//	        }
//	    }
//	    return nil
//	})
type AggregateError struct {
	// Message matches the standard AggregateError property naming
	Message string
	// Errors contains all rejection reasons from failed promises.
	// The order matches the input promises array to [Async.Any].
	Errors []error
}

// Error implements the error interface.
// Returns Message, or "All promises were rejected" when Message is empty.
// Individual rejection reasons can be accessed via the [Errors] field.
func (e *AggregateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "All promises were rejected"
}

// ErrNoPromiseResolved indicates that [Async.Any] was called with an empty array.
type ErrNoPromiseResolved struct{}

// Error implements the error interface.
func (e *ErrNoPromiseResolved) Error() string {
	return "No promises were provided"
}

// ErrorWrapper wraps a non-error value as an error for [AggregateError] compatibility.
type ErrorWrapper struct {
	// Value is the original non-error rejection reason.
	Value Result
}

// Error implements the error interface.
func (e *ErrorWrapper) Error() string {
	return fmt.Sprintf("%v", e.Value)
}

// ============================================================================
// Deadline and concurrency-bounded combinators
// ============================================================================

// Timeout races p against a delay of ms milliseconds. If p has not settled by
// then, the returned promise rejects with a [TimeoutError]; otherwise it
// settles the same way p did. p itself is left running either way.
func (a *Async) Timeout(p *ChainedPromise, ms int) *ChainedPromise {
	timeout, _, rejectTimeout := a.NewChainedPromise()
	if _, err := a.Delay(func() {
		rejectTimeout(&TimeoutError{Message: fmt.Sprintf("operation timed out after %dms", ms)})
	}, ms); err != nil {
		rejectTimeout(&TimeoutError{Message: "failed to schedule timeout"})
	}
	return a.Race([]*ChainedPromise{p, timeout})
}

// Concurrent runs tasks with at most limit running at any one time, resolving
// with their results in input order once all have settled, or rejecting with
// the first error encountered (remaining in-flight tasks keep running to
// completion but their results are discarded). A limit <= 0 means unbounded.
func (a *Async) Concurrent(tasks []func() *ChainedPromise, limit int) *ChainedPromise {
	result, resolve, reject := a.NewChainedPromise()

	if len(tasks) == 0 {
		resolve(make([]Result, 0))
		return result
	}
	if limit <= 0 || limit > len(tasks) {
		limit = len(tasks)
	}

	values := make([]Result, len(tasks))
	var mu sync.Mutex
	var completed int
	var failed atomic.Bool
	next := 0

	var startNext func()
	startNext = func() {
		mu.Lock()
		if failed.Load() || next >= len(tasks) {
			mu.Unlock()
			return
		}
		idx := next
		next++
		mu.Unlock()

		tasks[idx]().Then(
			func(v Result) Result {
				mu.Lock()
				values[idx] = v
				completed++
				done := completed == len(tasks)
				mu.Unlock()
				if done && !failed.Load() {
					resolve(values)
				}
				startNext()
				return nil
			},
			func(r Result) Result {
				if failed.CompareAndSwap(false, true) {
					reject(r)
				}
				return nil
			},
		)
	}

	for i := 0; i < limit; i++ {
		startNext()
	}

	return result
}

// Batch splits items into chunks of batchSize and feeds each chunk through fn
// sequentially, waiting for one batch's promise to settle before starting the
// next. It resolves with the concatenation of every batch's resolved value
// (each expected to be a []Result), or rejects with the first batch's
// rejection reason, abandoning remaining batches.
func (a *Async) Batch(items []Result, batchSize int, fn func(batch []Result) *ChainedPromise) *ChainedPromise {
	result, resolve, reject := a.NewChainedPromise()

	if batchSize <= 0 {
		reject(&RangeError{Message: "batchSize must be positive"})
		return result
	}
	if len(items) == 0 {
		resolve(make([]Result, 0))
		return result
	}

	var collected []Result
	var runBatch func(offset int)
	runBatch = func(offset int) {
		if offset >= len(items) {
			resolve(collected)
			return
		}
		end := offset + batchSize
		if end > len(items) {
			end = len(items)
		}
		fn(items[offset:end]).Then(
			func(v Result) Result {
				if vs, ok := v.([]Result); ok {
					collected = append(collected, vs...)
				} else {
					collected = append(collected, v)
				}
				runBatch(end)
				return nil
			},
			func(r Result) Result {
				reject(r)
				return nil
			},
		)
	}
	runBatch(0)

	return result
}
