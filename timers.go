// timers.go - deadline heap and cancellable timer manager.
//
// Timers are owned exclusively by the loop goroutine: every mutation of the
// heap or the id index happens inside a task submitted via SubmitInternal,
// so no locking is required here.

package asyncrt

import (
	"container/heap"
	"errors"
	"time"
)

// TimerID identifies a scheduled timer, returned by [Loop.ScheduleTimer] and
// accepted by [Loop.CancelTimer].
type TimerID uint64

// ErrTimerNotFound is returned by [Async.CancelDelay] and [Async.CancelInterval]
// when the given id does not refer to a pending delay or interval (it may have
// already fired or been canceled). [Loop.CancelTimer] does not return it; an
// unknown id there is a no-op.
var ErrTimerNotFound = errors.New("eventloop: timer not found")

// timer is a single entry in the deadline heap.
type timer struct {
	id       TimerID
	when     time.Time
	task     Task
	canceled bool
	index    int
}

// timerHeap is a min-heap of timers ordered by deadline, indexed by id so
// that an arbitrary pending timer can be located and removed in O(log n).
type timerHeap []*timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// calculateTimeout determines how long to block in poll.
func (l *Loop) calculateTimeout() int {
	maxDelay := 10 * time.Second

	if len(l.timers) > 0 {
		now := time.Now()
		delay := l.timers[0].when.Sub(now)
		if delay < 0 {
			delay = 0
		}
		if delay < maxDelay {
			maxDelay = delay
		}
	}

	// Ceiling rounding: if 0 < delta < 1ms, round up to 1ms
	if maxDelay > 0 && maxDelay < time.Millisecond {
		return 1
	}

	return int(maxDelay.Milliseconds())
}

// runTimers executes all expired timers, in deadline order.
func (l *Loop) runTimers() {
	now := l.CurrentTickTime()
	for len(l.timers) > 0 {
		if l.timers[0].when.After(now) {
			break
		}
		t := heap.Pop(&l.timers).(*timer)
		delete(l.timersByID, t.id)
		if t.canceled {
			continue
		}
		l.safeExecute(t.task)

		if l.StrictMicrotaskOrdering {
			l.drainMicrotasks()
		}
	}
}

// ScheduleTimer schedules fn to run once after delay has elapsed, returning
// an id that can later be passed to [Loop.CancelTimer].
//
// The id is allocated immediately; the heap insertion itself is deferred to
// the loop goroutine via SubmitInternal, consistent with every other
// loop-owned mutation.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (TimerID, error) {
	id := TimerID(l.nextTimerSeq.Add(1))
	when := l.CurrentTickTime().Add(delay)
	t := &timer{
		id:   id,
		when: when,
		task: Task{Runnable: fn},
	}

	if err := l.SubmitInternal(Task{Runnable: func() {
		heap.Push(&l.timers, t)
		l.timersByID[id] = t
	}}); err != nil {
		return 0, err
	}

	return id, nil
}

// CancelTimer cancels a pending timer scheduled via [Loop.ScheduleTimer] or
// indirectly via [Async.Delay]/[Async.Interval].
//
// Cancellation is asynchronous: it is scheduled onto the loop goroutine and
// takes effect before the timer's next opportunity to fire. Canceling a
// timer that has already fired, or an unknown id, is a no-op.
func (l *Loop) CancelTimer(id TimerID) error {
	return l.SubmitInternal(Task{Runnable: func() {
		t, ok := l.timersByID[id]
		if !ok || t.canceled {
			return
		}
		t.canceled = true
		if t.index >= 0 {
			heap.Remove(&l.timers, t.index)
		}
		delete(l.timersByID, id)
	}})
}
