package asyncrt

import (
	"sync"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of a [TaskHandle].
type TaskState int32

const (
	TaskNew TaskState = iota
	TaskSuspended
	TaskCompleted
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskNew:
		return "new"
	case TaskSuspended:
		return "suspended"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TaskHandle is the fiber bookkeeping for one goroutine-backed task. It is
// created NEW, becomes SUSPENDED each time it calls [Async.Await], and
// terminates COMPLETED or FAILED exactly once. Its own completion is exposed
// as a [ChainedPromise].
type TaskHandle struct {
	ID uuid.UUID

	async *Async
	fn    func(t *TaskHandle) (Result, error)

	mu    sync.Mutex
	state TaskState

	done    *ChainedPromise
	resolve ResolveFunc
	reject  RejectFunc

	// batonChan hands exclusive execution back and forth between the loop
	// goroutine and this task's fiber goroutine, so only one of the two is
	// ever running at a time. Buffered size 1: whichever side sends never
	// blocks waiting for the other to be ready to receive.
	batonChan chan struct{}
}

// State returns the task's current lifecycle state.
func (t *TaskHandle) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done returns the task's completion promise, resolved with the task
// function's return value or rejected with its panic/thrown reason.
func (t *TaskHandle) Done() *ChainedPromise {
	return t.done
}

// Go creates fn as a new task (fiber): a NEW task that the scheduler starts,
// in FIFO order alongside every other task created since the last tick,
// once the current tick's internal queue is processed. It returns the
// TaskHandle immediately, but fn itself does not begin running until then.
//
// Once started, fn runs on its own goroutine so that [Async.Await] can
// suspend it with an ordinary blocking channel receive, but the reactor and
// the fiber never run concurrently: starting or resuming a task hands it an
// exclusive baton that it must hand back — by suspending in Await or by
// returning — before the reactor's tick can proceed. A CPU-bound fn
// therefore blocks every other manager exactly as a synchronous callback
// would.
func (a *Async) Go(fn func(t *TaskHandle) (Result, error)) *TaskHandle {
	done, resolve, reject := a.NewChainedPromise()
	t := &TaskHandle{
		ID:        uuid.New(),
		async:     a,
		fn:        fn,
		state:     TaskNew,
		done:      done,
		resolve:   resolve,
		reject:    reject,
		batonChan: make(chan struct{}, 1),
	}

	a.registerTask(t)

	a.startMu.Lock()
	a.startQueue = append(a.startQueue, t)
	a.startMu.Unlock()

	// On the loop goroutine SubmitInternal may run the drain inline, before
	// Go returns, so queue it directly there; the loop is already awake.
	if l := a.loop; l.isLoopThread() {
		l.internalQueueMu.Lock()
		if l.state.Load() != StateTerminated {
			l.internal.pushLocked(Task{Runnable: a.drainStartQueue})
		}
		l.internalQueueMu.Unlock()
	} else {
		_ = a.loop.SubmitInternal(Task{Runnable: a.drainStartQueue})
	}

	return t
}

// drainStartQueue starts every task queued by Go since the last drain, in
// FIFO order, on the loop goroutine. Go schedules one drain per call, so a
// single tick with several new tasks may submit several drains; a drain
// that finds the queue already emptied by an earlier one the same tick is a
// no-op.
func (a *Async) drainStartQueue() {
	a.startMu.Lock()
	queue := a.startQueue
	a.startQueue = nil
	a.startMu.Unlock()

	for _, t := range queue {
		a.runQuantum(t)
	}
}

// runQuantum starts t's fiber goroutine and blocks the calling (loop)
// goroutine until t yields the baton back, by suspending in Await or by
// terminating.
func (a *Async) runQuantum(t *TaskHandle) {
	go a.runFiberBody(t)
	<-t.batonChan
}

// runFiberBody runs t's task function to completion, recovering a panic as
// a [PanicError], then settles t's completion promise and hands the baton
// back. Settlement always happens before the baton is released, so nothing
// downstream observes the baton returning before t.Done() is already
// resolved or rejected.
func (a *Async) runFiberBody(t *TaskHandle) {
	defer a.unregisterTask(t)

	var val Result
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = PanicError{Value: r}
			}
		}()
		val, err = t.fn(t)
	}()

	t.mu.Lock()
	if err != nil {
		t.state = TaskFailed
	} else {
		t.state = TaskCompleted
	}
	t.mu.Unlock()

	if err != nil {
		t.reject(err)
	} else {
		t.resolve(val)
	}

	t.batonChan <- struct{}{}
}

// Await suspends the calling task until p settles, returning its value or
// the error it was rejected with. It must be called from the goroutine Go
// started for t; calling it with a nil or foreign TaskHandle is rejected
// with [NotInTaskError], matching "await outside any task is an error."
//
// Suspension is implemented as a blocking receive on a channel that p's Then
// handlers close over — Go's goroutines are already stackful coroutines, so
// parking one on a channel receive is the direct, idiomatic equivalent of
// suspending a fiber. Before parking, Await hands the baton back to the
// loop goroutine, which was blocked waiting for it since this task was
// started or last resumed; p's Then handlers (which run on the loop
// goroutine, since promise continuations always run as microtasks) take the
// baton back only once they have delivered the outcome and this task has
// run until its next suspension or return, so the reactor never advances
// past resuming a task while that task is still actually running.
func (a *Async) Await(t *TaskHandle, p *ChainedPromise) (Result, error) {
	if t == nil || t.async != a {
		return nil, &NotInTaskError{}
	}

	type outcome struct {
		val Result
		err error
	}
	ch := make(chan outcome, 1)

	p.Then(
		func(v Result) Result {
			ch <- outcome{val: v}
			<-t.batonChan
			return nil
		},
		func(r Result) Result {
			if err, ok := r.(error); ok {
				ch <- outcome{err: err}
			} else {
				ch <- outcome{err: &ErrorWrapper{Value: r}}
			}
			<-t.batonChan
			return nil
		},
	)

	t.mu.Lock()
	t.state = TaskSuspended
	t.mu.Unlock()

	t.batonChan <- struct{}{}
	o := <-ch

	t.mu.Lock()
	if t.state == TaskSuspended {
		t.state = TaskNew // resumed; running until the next suspension or return
	}
	t.mu.Unlock()

	return o.val, o.err
}

func (a *Async) registerTask(t *TaskHandle) {
	a.tasksMu.Lock()
	defer a.tasksMu.Unlock()
	if a.tasks == nil {
		a.tasks = make(map[uuid.UUID]*TaskHandle)
	}
	a.tasks[t.ID] = t
}

func (a *Async) unregisterTask(t *TaskHandle) {
	a.tasksMu.Lock()
	defer a.tasksMu.Unlock()
	delete(a.tasks, t.ID)
}

// HasActiveTasks reports whether any task started via [Async.Go] has not yet
// terminated (completed or failed).
func (a *Async) HasActiveTasks() bool {
	a.tasksMu.Lock()
	defer a.tasksMu.Unlock()
	return len(a.tasks) > 0
}
