// Package sync implements the fiber-aware synchronization primitives
// built on internal/waitqueue: Mutex, Cond and Semaphore. Every blocking
// method takes the calling fiber's *fiber.Fiber explicitly, the same way
// package fiber's own blocking calls do — there is no implicit "current
// fiber" in Go.
//
// Mutex and Semaphore share one shape: a small atomic word for the
// uncontended fast path, and an internal/waitqueue.Queue for the slow
// path. Cond has only the queue. In all three the recheck closure runs
// under the queue's own ilock so the state transition and the enqueue
// happen atomically — this is what closes the lost-wakeup race between a
// failed fast-path attempt (or, for Cond, the mutex release) and a
// concurrent unlock/post/notify.
package sync

import (
	"sync/atomic"
	"time"

	"github.com/xtaci/wisp/fiber"
	"github.com/xtaci/wisp/internal/waitqueue"
)

// Mutex is a fair, handoff-based lock (the ilock algorithm raised to the
// user level via waitqueue rather than a bespoke intrusive list): state
// encodes {0 unlocked, 1 locked/no waiters, 2 locked/waiters queued}.
type Mutex struct {
	state atomic.Int32
	q     waitqueue.Queue
}

// tryAcquireOrMark runs under q's own ilock (the recheck contract): it
// makes one more acquire attempt atomically with marking the mutex
// contended, so a concurrent Unlock can never observe "contended" with
// an empty waiter list or vice versa.
func (m *Mutex) tryAcquireOrMark() bool {
	prev := m.state.Swap(2)
	if prev == 0 {
		m.state.Store(1)
		return false // acquired inline; caller does not need to park
	}
	return true // still held; now marked contended, caller must park
}

// Lock acquires the mutex, parking f if it is contended.
func (m *Mutex) Lock(f *fiber.Fiber) error {
	if m.state.CompareAndSwap(0, 1) {
		return nil
	}
	return m.q.Wait(f, time.Time{}, m.tryAcquireOrMark)
}

// LockFor is Lock with a relative deadline.
func (m *Mutex) LockFor(f *fiber.Fiber, timeout time.Duration) error {
	return m.LockUntil(f, time.Now().Add(timeout))
}

// LockUntil is Lock with an absolute deadline.
func (m *Mutex) LockUntil(f *fiber.Fiber, deadline time.Time) error {
	if m.state.CompareAndSwap(0, 1) {
		return nil
	}
	return m.q.Wait(f, deadline, m.tryAcquireOrMark)
}

// TryLock attempts to acquire the mutex without blocking. It never
// joins the fair waiter queue, so it may fail spuriously under
// contention even if the mutex is briefly free.
func (m *Mutex) TryLock() bool {
	return m.state.CompareAndSwap(0, 1)
}

// Unlock releases the mutex, handing ownership directly to the next
// waiter (if any) rather than simply clearing state and letting the
// next Lock race for it.
func (m *Mutex) Unlock(f *fiber.Fiber) {
	if m.state.CompareAndSwap(1, 0) {
		return
	}
	waitqueue.Wake(&m.q, f, 1, func(numWoken int, empty bool) {
		if numWoken == 0 {
			// every queued waiter had already timed out: nobody was
			// handed ownership, so the mutex becomes free.
			m.state.Store(0)
		} else if empty {
			m.state.Store(1)
		}
		// else: a waiter remains queued behind the one we just handed
		// off to; state stays 2.
	})
}
