// Package waiter implements the three-phase park/wake handshake a fiber
// uses to safely suspend itself on a condition whose waiter record lives on
// the fiber's own stack.
//
// Two races have to be excluded: losing a wakeup entirely, and waking the
// fiber early enough that it tears down its own waiter before a concurrent
// waker has finished reading it. See Waiter for the invariant.
package waiter

import "sync/atomic"

// Reason identifies why a parked fiber was resumed.
type Reason int32

const (
	// None means no wakeup has been recorded yet.
	None Reason = iota
	// Ready means an ordinary waiter_wake(READY) resumed the fiber.
	Ready
	// TimedOutCheck means a timer bucket's poller timeout fired and the
	// bucket processor must be run to find out whether this waiter's own
	// deadline actually elapsed.
	TimedOutCheck
	// TimedOutNoCheck means the bucket processor already confirmed and
	// removed this waiter's timer; the deadline elapsed.
	TimedOutNoCheck
)

// Result is the outcome of a call to Wake.
type Result int32

const (
	// Failed means the waiter had already been woken by someone else.
	Failed Result = iota
	// SetOnly means the reason was published but the parked fiber has not
	// yet reached the point where it would notice; the fiber's own
	// enable-wake-ups step will discover the reason and reschedule itself.
	SetOnly
	// SetAndWakeUp means the caller of Wake is now responsible for pushing
	// the fiber back onto a run queue.
	SetAndWakeUp
)

// Waiter is owned by the fiber that parks on it, almost always as a stack
// local. It is live only between a Reset and the caller returning from the
// park loop it drives.
//
// wait_for_post/wait_for_wake are aliased under one 16-bit atomic in the
// source material so a single load can test "am I still parked". Each of
// the two fields below has exactly one writer at a time (the parking fiber sets
// both to 1 before switching away; enable_wake_ups clears waitForPost,
// Wake clears waitForWake), so splitting them into two plain atomics loses
// no atomicity and needs no compare-and-swap loop to combine them.
type Waiter struct {
	reason      atomic.Int32
	doWake      atomic.Int32
	wakeReason  atomic.Int32
	waitForPost atomic.Int32
	waitForWake atomic.Int32
}

// Reset prepares the waiter for a new park cycle.
func (w *Waiter) Reset() {
	w.reason.Store(int32(None))
	w.doWake.Store(0)
	w.wakeReason.Store(int32(None))
	w.waitForWake.Store(1)
	w.waitForPost.Store(0)
}

// ArmPost must be called by the parking fiber immediately before it
// switches away; the scheduler's runnable count is decremented after
// that, on the worker side of the switch.
func (w *Waiter) ArmPost() {
	w.waitForPost.Store(1)
}

// Parked reports whether the caller must keep spinning through the
// scheduler before it may trust WakeReason.
func (w *Waiter) Parked() bool {
	return w.waitForPost.Load() != 0 || w.waitForWake.Load() != 0
}

// WakeReason returns the reason published for this park cycle. Valid only
// once Parked returns false.
func (w *Waiter) WakeReason() Reason {
	return Reason(w.wakeReason.Load())
}

// EnableWakeUps runs on the destination (worker) stack immediately after the
// parking fiber's context switch commits. If a waker already raced in and
// set reason, this call may win the race to take responsibility for
// rescheduling the fiber; requeue is invoked in that case with the reason
// that was set, and must push the owning fiber back onto a run queue.
func (w *Waiter) EnableWakeUps(requeue func(Reason)) {
	w.doWake.Store(1)
	if Reason(w.reason.Load()) != None {
		if w.doWake.CompareAndSwap(1, 0) {
			reason := Reason(w.reason.Load())
			w.wakeReason.Store(int32(reason))
			w.waitForPost.Store(0)
			requeue(reason)
			return
		}
	}
	w.waitForPost.Store(0)
}

// Wake attempts to resume the fiber parked on w for the given reason. It
// returns Failed if some other waker already claimed this waiter.
func Wake(w *Waiter, reason Reason) Result {
	if !w.reason.CompareAndSwap(int32(None), int32(reason)) {
		return Failed
	}
	result := SetOnly
	if w.doWake.Swap(0) == 1 {
		w.wakeReason.Store(int32(reason))
		result = SetAndWakeUp
	}
	w.waitForWake.Store(0)
	return result
}
