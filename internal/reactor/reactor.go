// Package reactor implements a readiness-based poller: one kernel
// readiness object (epoll on Linux, kqueue on the BSDs and Darwin)
// shared by every worker, socket readiness delivered as waiter wakeups,
// and one outstanding OS-level timeout per timer bucket.
//
// A completion-based io_uring variant is not implemented here: it needs
// a ring per worker plus linked-SQE timeout semantics that have no
// portable equivalent in golang.org/x/sys/unix, and pulling in a
// dedicated io_uring binding would mean depending on a library outside
// this module's grounded example corpus.
package reactor

import (
	"errors"
	"time"
)

// Direction is which half of a socket a registration or event concerns.
type Direction int

const (
	Read Direction = iota
	Write
)

// ErrClosed names the reactor-closed condition. Neither backend returns
// it; a method called after Close reports the OS error for the closed
// descriptor instead.
var ErrClosed = errors.New("reactor: closed")

// Event reports one readiness notification. UserData is whatever opaque
// value was passed to Register for the fd the event concerns, letting the
// socket package map events back to the waiter they should wake without a
// second lookup.
type Event struct {
	UserData uintptr
	Readable bool
	Writable bool
	// Err is set (a sticky error) when the kernel reported a hangup or
	// error condition on the fd; both socket ends must be woken.
	Err error
	// Bucket is set instead of UserData when this event is a timer
	// bucket's timeout firing; UserData is zero in that case.
	IsTimer bool
	Bucket  int
}

// Reactor is the shared contract exposed to sockets and timers.
// Register is idempotent per direction and edge-triggered: a
// caller must re-arm by getting EAGAIN and registering again, never by
// expecting level-triggered re-delivery.
type Reactor interface {
	// Register arms fd for events in dir, tagging the resulting Event
	// with userData.
	Register(fd int, dir Direction, userData uintptr) error
	// Deregister removes fd from the readiness set entirely (both
	// directions). Sockets call this on close, after which the fd may be
	// safely reused by the OS once QSBR has confirmed no worker still
	// holds a pointer into the last event batch.
	Deregister(fd int) error
	// SetBucketTimeout programs the single outstanding OS-level timeout
	// for the given timer bucket. active=false disarms it.
	SetBucketTimeout(bucket int, deadline time.Time, active bool) error
	// Interrupt wakes exactly one worker currently blocked in Wait, e.g.
	// because a new fiber became runnable and workers might otherwise
	// all be parked.
	Interrupt() error
	// Wait blocks until at least one event is available (or an
	// interrupt), and writes up to len(dst) of them into dst, returning
	// the count.
	Wait(dst []Event) (int, error)
	// Check is Wait's non-blocking counterpart, used by a worker that
	// still has runnable fibers and only wants to drain already-ready
	// events without stalling.
	Check(dst []Event) (int, error)
	// Close releases the reactor's kernel object. Safe to call once.
	Close() error
}
