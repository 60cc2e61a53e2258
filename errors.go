// Package wisp is an M:N fiber runtime: cooperatively scheduled fibers
// multiplexed over a fixed pool of OS worker threads, with non-blocking
// sockets, timers, and fiber-aware synchronization primitives built on a
// shared context-switch and waiter-handshake core. See the package-level
// subdirectories: fiber, scheduler, socket, and sync.
package wisp

import "errors"

// Sentinel errors returned across the runtime's public API, matching the
// named failure kinds (-KIND return values) of the source material this
// runtime is based on.
var (
	// ErrClosed is returned by operations on a socket or listener that
	// has already been closed.
	ErrClosed = errors.New("wisp: closed")
	// ErrTimedOut is returned by any timed primitive whose deadline
	// elapsed before it could complete.
	ErrTimedOut = errors.New("wisp: timed out")
	// ErrInvalidArgument covers misuse called out explicitly: cross-
	// scheduler non-detached create, join/detach outside a fiber,
	// non-page-aligned stack/guard sizes, joining a non-joinable fiber,
	// and joining twice.
	ErrInvalidArgument = errors.New("wisp: invalid argument")
	// ErrTryAgain names the spurious, retry-able failure kind. No function
	// in this module returns it: a timer wake that turns out not to belong
	// to the caller is retried inside fiber.ParkUntil.
	ErrTryAgain = errors.New("wisp: try again")
	// ErrOverflow names the overflow failure kind. No function in this
	// module returns it; the bounded run queues report a full queue with a
	// false result instead.
	ErrOverflow = errors.New("wisp: overflow")
	// ErrConnectionReset is returned by socket operations, wrapping the
	// OS error, after the reactor observes a hangup or error condition on
	// the fd.
	ErrConnectionReset = errors.New("wisp: connection reset")
	// ErrSocketError names the generic socket-error kind. No function in
	// this module returns it; socket operations return OS-level errors
	// from x/sys/unix unwrapped.
	ErrSocketError = errors.New("wisp: socket error")
	// ErrOutOfMemory names the allocation-failure kind. No function in
	// this module returns it.
	ErrOutOfMemory = errors.New("wisp: out of memory")
)
