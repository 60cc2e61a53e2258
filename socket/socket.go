// Package socket implements the non-blocking socket component:
// open/bind/listen/accept/connect/read/write, with `_for` and `_until`
// timed variants of accept, connect, read and write (open, bind and
// listen never park), built directly on x/sys/unix syscalls and
// parking the calling fiber (never an OS thread) on EAGAIN.
//
// Only TCP is wired up; the naked-call retry discipline itself (clear
// the waiter, attempt the syscall, register-and-park on EAGAIN, retry)
// is transport-agnostic and grounded on gaio's tryRead/tryWrite/
// releaseConn in watcher.go, reshaped around fiber.Fiber's Park/
// ParkUntil instead of gaio's completion-callback delivery.
package socket

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xtaci/wisp"
	"github.com/xtaci/wisp/fiber"
	"github.com/xtaci/wisp/internal/reactor"
	"github.com/xtaci/wisp/internal/waiter"
	"github.com/xtaci/wisp/scheduler"
)

// core is the shared non-blocking-fd machinery behind both Socket and
// Listener: one waiter per direction, one sticky error shared by both
// (a hangup wakes whichever end is currently parked), and the single
// fd-keyed reactor registration that internal/reactor's one-userData-
// per-fd constraint requires.
type core struct {
	fd    atomic.Int64
	sched *scheduler.Scheduler

	registered atomic.Bool

	readW, writeW           waiter.Waiter
	readParker, writeParker atomic.Pointer[fiber.Fiber]

	errSlot atomic.Pointer[error]
}

func newCore(sched *scheduler.Scheduler, fd int) *core {
	c := &core{sched: sched}
	c.fd.Store(int64(fd))
	return c
}

func (c *core) arm(dir reactor.Direction) error {
	fd := int(c.fd.Load())
	if fd < 0 {
		return wisp.ErrClosed
	}
	if err := c.sched.Reactor().Register(fd, dir, uintptr(fd)); err != nil {
		return err
	}
	if c.registered.CompareAndSwap(false, true) {
		c.sched.RegisterIOTarget(uintptr(fd), &scheduler.IOTarget{OnEvent: c.onEvent})
	}
	return nil
}

// onEvent runs on the poller's own goroutine (scheduler.Scheduler.dispatch).
// A hangup/error sets the sticky error and wakes both directions.
func (c *core) onEvent(e reactor.Event) {
	if e.Err != nil {
		err := fmt.Errorf("%w: %w", wisp.ErrConnectionReset, e.Err)
		c.errSlot.CompareAndSwap(nil, &err)
	}
	if e.Readable || e.Err != nil {
		wakeParked(&c.readW, c.readParker.Load())
	}
	if e.Writable || e.Err != nil {
		wakeParked(&c.writeW, c.writeParker.Load())
	}
}

func wakeParked(w *waiter.Waiter, f *fiber.Fiber) {
	if f == nil {
		return
	}
	if waiter.Wake(w, waiter.Ready) == waiter.SetAndWakeUp {
		f.Requeue()
	}
}

// StickyErr reports the error a hangup/error event last recorded, if any.
func (c *core) StickyErr() error {
	if p := c.errSlot.Load(); p != nil {
		return *p
	}
	return nil
}

// retry is the generic non-blocking-call loop every blocking socket
// operation funnels through: clear the waiter, attempt the syscall, and
// on EAGAIN register with the reactor and park — checking the sticky
// error both before and after each park — looping until attempt
// succeeds, fails for a real reason, or the deadline (if any) elapses.
func (c *core) retry(f *fiber.Fiber, dir reactor.Direction, deadline time.Time, attempt func() (int, error)) (int, error) {
	w, parker := &c.readW, &c.readParker
	if dir == reactor.Write {
		w, parker = &c.writeW, &c.writeParker
	}
	w.Reset()
	for {
		n, err := attempt()
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return n, err
		}
		if stickyErr := c.StickyErr(); stickyErr != nil {
			return 0, stickyErr
		}
		if err := c.arm(dir); err != nil {
			return 0, err
		}
		parker.Store(f)
		var perr error
		if deadline.IsZero() {
			f.Park(w)
		} else {
			_, perr = f.ParkUntil(w, deadline)
		}
		w.Reset()
		if perr != nil {
			return 0, perr
		}
		if stickyErr := c.StickyErr(); stickyErr != nil {
			return 0, stickyErr
		}
	}
}

// connectWait blocks until fd becomes writable (the one signal a
// non-blocking connect() gives) and then reads SO_ERROR once to learn
// whether it actually succeeded — SO_ERROR is unreliable before that
// first writable event, so unlike retry this never re-attempts a
// syscall in a loop, it waits exactly once.
func (c *core) connectWait(f *fiber.Fiber, deadline time.Time) error {
	if err := c.arm(reactor.Write); err != nil {
		return err
	}
	c.writeParker.Store(f)
	c.writeW.Reset()
	var err error
	if deadline.IsZero() {
		f.Park(&c.writeW)
	} else {
		_, err = f.ParkUntil(&c.writeW, deadline)
	}
	if err != nil {
		return err
	}
	if stickyErr := c.StickyErr(); stickyErr != nil {
		return stickyErr
	}
	fd := int(c.fd.Load())
	errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Close deregisters fd and releases it. Destruction goes through QSBR
// unless the scheduler runs a single worker, in which case there is no
// concurrent reader of the just-removed registration to wait out.
func (c *core) Close() error {
	fd := c.fd.Swap(-1)
	if fd < 0 {
		return nil
	}
	_ = c.sched.Reactor().Deregister(int(fd))
	c.sched.DeregisterIOTarget(uintptr(fd))
	closeFD := func() { unix.Close(int(fd)) }
	if c.sched.NumWorkers() <= 1 {
		closeFD()
		return nil
	}
	c.sched.QSBR().Free(closeFD)
	return nil
}

// Socket is one non-blocking TCP connection.
type Socket struct{ core *core }

// Close releases the socket's fd (see core.Close).
func (s *Socket) Close() error { return s.core.Close() }

// StickyErr reports the sticky hangup/error condition, if any.
func (s *Socket) StickyErr() error { return s.core.StickyErr() }

func (s *Socket) read(f *fiber.Fiber, buf []byte, deadline time.Time) (int, error) {
	return s.core.retry(f, reactor.Read, deadline, func() (int, error) {
		fd := int(s.core.fd.Load())
		if fd < 0 {
			return 0, wisp.ErrClosed
		}
		n, err := unix.Read(fd, buf)
		if err == nil && n == 0 {
			return 0, io.EOF
		}
		return n, err
	})
}

// Read reads into buf, parking the caller while no data is available.
// Like io.Reader, a successful Read may return fewer bytes than len(buf).
func (s *Socket) Read(f *fiber.Fiber, buf []byte) (int, error) {
	return s.read(f, buf, time.Time{})
}

// ReadFor is Read with a relative deadline.
func (s *Socket) ReadFor(f *fiber.Fiber, buf []byte, timeout time.Duration) (int, error) {
	return s.read(f, buf, time.Now().Add(timeout))
}

// ReadUntil is Read with an absolute deadline.
func (s *Socket) ReadUntil(f *fiber.Fiber, buf []byte, deadline time.Time) (int, error) {
	return s.read(f, buf, deadline)
}

func (s *Socket) write(f *fiber.Fiber, buf []byte, deadline time.Time) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := s.core.retry(f, reactor.Write, deadline, func() (int, error) {
			fd := int(s.core.fd.Load())
			if fd < 0 {
				return 0, wisp.ErrClosed
			}
			return unix.Write(fd, buf[total:])
		})
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Write writes all of buf, parking the caller across however many
// partial writes and EAGAIN parks that takes.
func (s *Socket) Write(f *fiber.Fiber, buf []byte) (int, error) {
	return s.write(f, buf, time.Time{})
}

// WriteFor is Write with a relative deadline.
func (s *Socket) WriteFor(f *fiber.Fiber, buf []byte, timeout time.Duration) (int, error) {
	return s.write(f, buf, time.Now().Add(timeout))
}

// WriteUntil is Write with an absolute deadline.
func (s *Socket) WriteUntil(f *fiber.Fiber, buf []byte, deadline time.Time) (int, error) {
	return s.write(f, buf, deadline)
}

// Listener is a non-blocking TCP listening socket.
type Listener struct {
	core *core
	addr string
}

// Close releases the listener's fd.
func (l *Listener) Close() error { return l.core.Close() }

// Addr returns the listener's bound address (host:port), resolved once
// at Listen time — useful when address was "host:0" and the kernel
// picked an ephemeral port.
func (l *Listener) Addr() string { return l.addr }

func (l *Listener) accept(f *fiber.Fiber, deadline time.Time) (*Socket, error) {
	var clientFD int
	_, err := l.core.retry(f, reactor.Read, deadline, func() (int, error) {
		fd := int(l.core.fd.Load())
		if fd < 0 {
			return 0, wisp.ErrClosed
		}
		cfd, _, aerr := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if aerr != nil {
			return 0, aerr
		}
		clientFD = cfd
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return &Socket{core: newCore(l.core.sched, clientFD)}, nil
}

// Accept blocks until a connection is pending, parking the caller.
func (l *Listener) Accept(f *fiber.Fiber) (*Socket, error) {
	return l.accept(f, time.Time{})
}

// AcceptFor is Accept with a relative deadline.
func (l *Listener) AcceptFor(f *fiber.Fiber, timeout time.Duration) (*Socket, error) {
	return l.accept(f, time.Now().Add(timeout))
}

// AcceptUntil is Accept with an absolute deadline.
func (l *Listener) AcceptUntil(f *fiber.Fiber, deadline time.Time) (*Socket, error) {
	return l.accept(f, deadline)
}

// Listen opens, binds and listens a non-blocking TCP socket. network is
// "tcp", "tcp4" or "tcp6"; address is resolved the same way net.Listen
// resolves it.
func Listen(sched *scheduler.Scheduler, network, address string) (*Listener, error) {
	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, err
	}
	fd, sa, err := socketFor(addr)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, err
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Listener{core: newCore(sched, fd), addr: formatSockaddr(bound)}, nil
}

// Dial opens a non-blocking TCP socket and connects it, parking the
// caller until the connection completes or fails.
func Dial(sched *scheduler.Scheduler, f *fiber.Fiber, network, address string) (*Socket, error) {
	return dial(sched, f, network, address, time.Time{})
}

// DialFor is Dial with a relative deadline.
func DialFor(sched *scheduler.Scheduler, f *fiber.Fiber, network, address string, timeout time.Duration) (*Socket, error) {
	return dial(sched, f, network, address, time.Now().Add(timeout))
}

// DialUntil is Dial with an absolute deadline.
func DialUntil(sched *scheduler.Scheduler, f *fiber.Fiber, network, address string, deadline time.Time) (*Socket, error) {
	return dial(sched, f, network, address, deadline)
}

func dial(sched *scheduler.Scheduler, f *fiber.Fiber, network, address string, deadline time.Time) (*Socket, error) {
	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, err
	}
	fd, sa, err := socketFor(addr)
	if err != nil {
		return nil, err
	}
	connectErr := unix.Connect(fd, sa)
	if connectErr != nil && connectErr != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, connectErr
	}
	c := newCore(sched, fd)
	if connectErr == unix.EINPROGRESS {
		if werr := c.connectWait(f, deadline); werr != nil {
			unix.Close(fd)
			return nil, werr
		}
	}
	return &Socket{core: c}, nil
}

func socketFor(addr *net.TCPAddr) (int, unix.Sockaddr, error) {
	family := unix.AF_INET
	ip4 := addr.IP.To4()
	if ip4 == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, err
	}
	var sa unix.Sockaddr
	if family == unix.AF_INET {
		var a4 [4]byte
		copy(a4[:], ip4)
		sa = &unix.SockaddrInet4{Port: addr.Port, Addr: a4}
	} else {
		var a16 [16]byte
		copy(a16[:], addr.IP.To16())
		sa = &unix.SockaddrInet6{Port: addr.Port, Addr: a16}
	}
	return fd, sa, nil
}

func formatSockaddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return ""
	}
}
