//go:build linux

package reactor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// maxEvents bounds a single epoll_wait batch (spec: MAX_EVENTS capacity).
const maxEvents = 256

// regState tracks what a registered fd is currently armed for, so Register
// can decide between EPOLL_CTL_ADD and EPOLL_CTL_MOD without the caller
// having to remember.
type regState struct {
	userData  uintptr
	readArmed bool
	wantWrite bool
}

// Epoll is the Linux readiness reactor: one epoll instance shared by every
// worker, one timerfd per bucket used as that bucket's OS-level timeout,
// and a dedicated eventfd for cross-worker interrupts.
type Epoll struct {
	epfd      int
	interrupt int // eventfd, EPOLLIN drained on every Wait/Check

	mu   sync.Mutex
	regs map[int32]*regState

	bucketFD  []int32 // timerfd per bucket, -1 until first armed
	fdBuckets map[int32]int
}

// NewEpoll creates an epoll instance with numBuckets timer buckets.
func NewEpoll(numBuckets int) (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	ifd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	e := &Epoll{
		epfd:      epfd,
		interrupt: ifd,
		regs:      make(map[int32]*regState),
		bucketFD:  make([]int32, numBuckets),
		fdBuckets: make(map[int32]int),
	}
	for i := range e.bucketFD {
		e.bucketFD[i] = -1
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, ifd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(ifd),
	}); err != nil {
		unix.Close(ifd)
		unix.Close(epfd)
		return nil, err
	}
	return e, nil
}

func epollMask(dir Direction, wantWrite bool) uint32 {
	m := uint32(unix.EPOLLIN | unix.EPOLLRDHUP)
	if dir == Write || wantWrite {
		m |= unix.EPOLLOUT
	}
	return m
}

// Register arms fd (edge-triggered) for dir, tagging events with
// userData. Calling Register again for the other direction on an
// already-registered fd upgrades it to watch both, matching sockets that
// register read and write interest independently but share one epoll
// entry (the kernel only allows one EPOLL_CTL_ADD per fd).
func (e *Epoll) Register(fd int, dir Direction, userData uintptr) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.regs[int32(fd)]
	if !ok {
		st = &regState{userData: userData}
		e.regs[int32(fd)] = st
		if dir == Write {
			st.wantWrite = true
		}
		ev := &unix.EpollEvent{
			Events: epollMask(dir, st.wantWrite) | unix.EPOLLET,
			Fd:     int32(fd),
		}
		return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, ev)
	}
	st.userData = userData
	if dir == Write {
		st.wantWrite = true
	}
	ev := &unix.EpollEvent{
		Events: epollMask(dir, st.wantWrite) | unix.EPOLLET,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

// Deregister removes fd from the epoll set entirely.
func (e *Epoll) Deregister(fd int) error {
	e.mu.Lock()
	delete(e.regs, int32(fd))
	e.mu.Unlock()
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// SetBucketTimeout programs bucket's timerfd via TIMERFD_SETTIME,
// registering it with epoll on first use.
func (e *Epoll) SetBucketTimeout(bucket int, deadline time.Time, active bool) error {
	e.mu.Lock()
	fd := e.bucketFD[bucket]
	if fd < 0 {
		tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		fd = int32(tfd)
		e.bucketFD[bucket] = fd
		e.fdBuckets[fd] = bucket
		if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, int(fd), &unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     fd,
		}); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.mu.Unlock()

	var spec unix.ItimerSpec
	if active {
		d := time.Until(deadline)
		if d <= 0 {
			d = time.Nanosecond // arm for "immediately", never disarm via 0
		}
		spec.Value.Sec = int64(d / time.Second)
		spec.Value.Nsec = int64(d % time.Second)
	}
	return unix.TimerfdSettime(int(fd), 0, &spec, nil)
}

// Interrupt wakes one worker parked in Wait by writing to the shared
// eventfd.
func (e *Epoll) Interrupt() error {
	buf := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	_, err := unix.Write(e.interrupt, buf)
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (e *Epoll) poll(dst []Event, timeoutMs int) (int, error) {
	if len(dst) > maxEvents {
		dst = dst[:maxEvents]
	}
	raw := make([]unix.EpollEvent, len(dst))
	n, err := unix.EpollWait(e.epfd, raw, timeoutMs)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	count := 0
	e.mu.Lock()
	for i := 0; i < n; i++ {
		fd := raw[i].Fd
		flags := raw[i].Events

		if fd == int32(e.interrupt) {
			var buf [8]byte
			unix.Read(e.interrupt, buf[:])
			continue
		}
		if bucket, ok := e.fdBuckets[fd]; ok {
			var buf [8]byte
			unix.Read(int(fd), buf[:])
			dst[count] = Event{IsTimer: true, Bucket: bucket}
			count++
			continue
		}
		st, ok := e.regs[fd]
		if !ok {
			continue
		}
		ev := Event{UserData: st.userData}
		if flags&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			ev.Err = unix.ECONNRESET
			ev.Readable = true
			ev.Writable = true
		} else {
			if flags&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
				ev.Readable = true
			}
			if flags&unix.EPOLLOUT != 0 {
				ev.Writable = true
			}
		}
		dst[count] = ev
		count++
	}
	e.mu.Unlock()
	return count, nil
}

// Wait blocks until at least one event (or interrupt) is ready.
func (e *Epoll) Wait(dst []Event) (int, error) {
	return e.poll(dst, -1)
}

// Check drains already-ready events without blocking.
func (e *Epoll) Check(dst []Event) (int, error) {
	return e.poll(dst, 0)
}

// Close releases the epoll instance, the interrupt eventfd, and every
// bucket timerfd.
func (e *Epoll) Close() error {
	e.mu.Lock()
	for _, fd := range e.bucketFD {
		if fd >= 0 {
			unix.Close(int(fd))
		}
	}
	e.mu.Unlock()
	unix.Close(e.interrupt)
	return unix.Close(e.epfd)
}

// New returns the platform reactor for this build: Epoll on Linux.
func New(numBuckets int) (Reactor, error) {
	return NewEpoll(numBuckets)
}
