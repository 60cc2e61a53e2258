package sync

import (
	"time"

	"github.com/xtaci/wisp/fiber"
	"github.com/xtaci/wisp/internal/waitqueue"
)

// Cond is a condition variable: no state of its own beyond the waiter
// queue. Wait releases the caller's Mutex and parks
// atomically (the release happens inside the queue's own recheck, so a
// concurrent Notify can never run between "unlocked" and "enqueued"),
// and always re-acquires the mutex before returning, timeout or not.
type Cond struct {
	q waitqueue.Queue
}

// Wait releases m, parks f until notified, and re-acquires m before
// returning — even if err is non-nil.
func (c *Cond) Wait(f *fiber.Fiber, m *Mutex) error {
	err := c.q.Wait(f, time.Time{}, func() bool {
		m.Unlock(f)
		return true // unconditional: caller decided to wait, always park
	})
	m.Lock(f)
	return err
}

// WaitUntil is Wait with an absolute deadline.
func (c *Cond) WaitUntil(f *fiber.Fiber, m *Mutex, deadline time.Time) error {
	err := c.q.Wait(f, deadline, func() bool {
		m.Unlock(f)
		return true
	})
	m.Lock(f)
	return err
}

// WaitFor is Wait with a relative deadline. The deadline is
// time.Now().Add(timeout), so it is measured on Go's monotonic clock.
func (c *Cond) WaitFor(f *fiber.Fiber, m *Mutex, timeout time.Duration) error {
	return c.WaitUntil(f, m, time.Now().Add(timeout))
}

// Notify wakes at most one waiter.
func (c *Cond) Notify(f *fiber.Fiber) {
	waitqueue.Wake(&c.q, f, 1, nil)
}

// Broadcast wakes every current waiter.
func (c *Cond) Broadcast(f *fiber.Fiber) {
	waitqueue.Wake(&c.q, f, -1, nil)
}
