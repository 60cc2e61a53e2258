// Package waitqueue implements the ordered list of parked fibers that
// mutex, cond and semaphore are built from. It composes
// internal/ilock (to protect the list) and internal/waiter (to park and
// wake the fibers on it).
package waitqueue

import (
	"container/list"
	"errors"
	"time"

	"github.com/xtaci/wisp/internal/ilock"
	"github.com/xtaci/wisp/internal/waiter"
)

// ErrTimedOut is a timeout error a Parker may return from ParkUntil. Wait
// passes the Parker's error through unchanged, so it returns ErrTimedOut
// only when the Parker does (a *fiber.Fiber reports wisp.ErrTimedOut).
var ErrTimedOut = errors.New("waitqueue: timed out")

// Parker is the capability Queue needs from the fiber calling Wait: it must
// be able to protect the queue's own ilock (ilock.Park), actually park
// itself on a waiter with or without a deadline, and make itself runnable
// again (Requeue, inherited from ilock.Park) once some waker has claimed
// responsibility for that.
type Parker interface {
	ilock.Park
	Park(w *waiter.Waiter) waiter.Reason
	ParkUntil(w *waiter.Waiter, deadline time.Time) (waiter.Reason, error)
}

type node struct {
	w       *waiter.Waiter
	requeue func()
	elem    *list.Element
	deleted bool
}

// Queue is an ilock-protected, doubly linked list of waiter nodes.
type Queue struct {
	lock ilock.Ilock
	list list.List
}

// Wait stages a waiter on the queue and parks the caller on it, unless
// recheck (run under the queue's lock) reports the condition no longer
// holds, in which case Wait returns immediately without parking.
//
// If deadline is the zero time, the caller parks indefinitely; otherwise it
// parks through internal/timers via p.ParkUntil. Wait returns whatever
// error p.ParkUntil reports when the deadline elapsed.
func (q *Queue) Wait(p Parker, deadline time.Time, recheck func() bool) error {
	w := &waiter.Waiter{}
	w.Reset()

	q.lock.Lock(p)
	ok := recheck()
	var n *node
	if ok {
		n = &node{w: w, requeue: p.Requeue}
		n.elem = q.list.PushBack(n)
	}
	q.lock.Unlock()
	if !ok {
		return nil
	}

	var reason waiter.Reason
	var err error
	if deadline.IsZero() {
		reason = p.Park(w)
	} else {
		reason, err = p.ParkUntil(w, deadline)
	}

	if err != nil {
		// timed out; a concurrent Wake may already have unlinked the node
		// (its waiter.Wake then reported Failed), so remove it ourselves
		// only if it is still linked.
		q.lock.Lock(p)
		if !n.deleted {
			q.list.Remove(n.elem)
			n.deleted = true
		}
		q.lock.Unlock()
		return err
	}
	_ = reason // Ready is the only non-error outcome Park/ParkUntil produce
	return nil
}

// Wake pops up to max waiters (max<=0 means unbounded) from the queue,
// wakes each, and invokes callback(numWoken, empty) once, still under the
// queue's lock, letting the caller (mutex/semaphore) adjust its own state
// atomically with the wake. callback may be nil. p protects the queue's own
// ilock for the duration of the call; it need not be one of the waiters.
func Wake(q *Queue, p ilock.Park, max int, callback func(numWoken int, empty bool)) {
	q.lock.Lock(p)

	var toPush []*node
	numWoken := 0
	for e := q.list.Front(); e != nil; {
		if max > 0 && numWoken >= max {
			break
		}
		next := e.Next()
		n := e.Value.(*node)
		q.list.Remove(e)
		n.deleted = true
		e = next

		switch waiter.Wake(n.w, waiter.Ready) {
		case waiter.SetAndWakeUp:
			toPush = append(toPush, n)
			numWoken++
		case waiter.SetOnly:
			numWoken++
		case waiter.Failed:
			// already woken by a racing timeout; don't count it.
		}
	}
	empty := q.list.Len() == 0
	if callback != nil {
		callback(numWoken, empty)
	}
	q.lock.Unlock()

	for _, n := range toPush {
		n.requeue()
	}
}
