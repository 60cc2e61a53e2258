// Package ilock implements the runtime's intrusive lock: a short, fair lock
// that parks contending fibers instead of spinning, and hands ownership of
// itself directly to the next waiter on Unlock. It is the lock every other
// synchronization primitive in wisp (waitqueue, mutex, cond, semaphore)
// is eventually built from; timer buckets use a plain sync.Mutex instead.
package ilock

import (
	"sync"
	"sync/atomic"
)

// Park is the capability a fiber provides so Ilock can suspend it when
// contended. SwitchAway must switch the calling fiber to its worker and run
// post on the worker's own stack before the worker's scheduling loop
// continues — this is what lets Lock release its short internal mutex only
// once the switch has actually committed. Requeue must make the fiber
// runnable again; it is called by whichever goroutine performs the
// matching Unlock, which may be a different worker than the one the
// fiber originally switched away on.
type Park interface {
	SwitchAway(post func())
	Requeue()
}

type waiterNode struct {
	next *waiterNode
	p    Park
}

// Ilock is the zero-value-usable intrusive lock. state is 0 (unlocked), 1
// (locked, no waiters) or 2 (locked, waiters queued).
type Ilock struct {
	state      atomic.Int32
	mu         sync.Mutex
	head, tail *waiterNode
}

// Lock acquires the lock, parking p if it is contended.
func (l *Ilock) Lock(p Park) {
	if l.state.CompareAndSwap(0, 1) {
		return
	}
	l.lockSlow(p)
}

func (l *Ilock) lockSlow(p Park) {
	l.mu.Lock()
	prev := l.state.Swap(2)
	if prev == 0 {
		// the lock was released between our failed fast-path CAS and
		// taking the internal mutex: acquire it directly, no waiters.
		l.state.Store(1)
		l.mu.Unlock()
		return
	}
	n := &waiterNode{p: p}
	if l.tail == nil {
		l.head = n
	} else {
		l.tail.next = n
	}
	l.tail = n
	// Release the internal mutex only once the fiber has actually
	// switched away, so no other goroutine can observe a waiter enqueued
	// for a fiber that hasn't actually yielded the CPU yet.
	p.SwitchAway(l.mu.Unlock)
	// Resumed: Unlock handed ownership directly to us. No re-check needed.
}

// TryLock attempts to acquire the lock without blocking. It never parks and
// never participates in the fair waiter queue, so it may fail spuriously
// under contention even when the lock is briefly free.
func (l *Ilock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock, waking the next waiter (if any).
func (l *Ilock) Unlock() {
	if l.state.CompareAndSwap(1, 0) {
		return
	}
	l.mu.Lock()
	n := l.head
	if n != nil {
		l.head = n.next
		if l.head == nil {
			l.tail = nil
		}
	}
	if l.head == nil {
		l.state.Store(1)
	} else {
		l.state.Store(2)
	}
	l.mu.Unlock()
	if n != nil {
		n.p.Requeue()
	}
}
