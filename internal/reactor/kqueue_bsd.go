//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package reactor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const maxEvents = 256

// bucketIdentBase offsets timer-bucket idents away from any real fd value,
// since kqueue's EVFILT_TIMER idents share a namespace with user idents
// rather than with fds.
const bucketIdentBase = 1 << 30

// interruptIdent is the EVFILT_USER ident used for cross-worker wakeups.
const interruptIdent = bucketIdentBase + 1

// Kqueue is the BSD/Darwin readiness reactor. It uses kqueue's native
// EVFILT_TIMER for bucket timeouts (no real timer fd needed) and
// EVFILT_USER for cross-worker interrupts.
type Kqueue struct {
	kq int

	mu       sync.Mutex
	userData map[int]uintptr // fd -> tag, per registered socket fd
}

// NewKqueue creates a kqueue instance.
func NewKqueue(numBuckets int) (*Kqueue, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	k := &Kqueue{kq: kq, userData: make(map[int]uintptr)}

	trigger := unix.Kevent_t{}
	unix.SetKevent(&trigger, interruptIdent, unix.EVFILT_USER, unix.EV_ADD|unix.EV_CLEAR)
	if _, err := unix.Kevent(kq, []unix.Kevent_t{trigger}, nil, nil); err != nil {
		unix.Close(kq)
		return nil, err
	}
	return k, nil
}

// Register arms fd for dir. kqueue registers read and write interest as
// independent events, so no read-modify-write dance is needed like epoll.
func (k *Kqueue) Register(fd int, dir Direction, userData uintptr) error {
	k.mu.Lock()
	k.userData[fd] = userData
	k.mu.Unlock()

	filter := int16(unix.EVFILT_READ)
	if dir == Write {
		filter = unix.EVFILT_WRITE
	}
	var ev unix.Kevent_t
	unix.SetKevent(&ev, fd, int(filter), unix.EV_ADD|unix.EV_CLEAR)
	_, err := unix.Kevent(k.kq, []unix.Kevent_t{ev}, nil, nil)
	return err
}

// Deregister removes both read and write filters for fd.
func (k *Kqueue) Deregister(fd int) error {
	k.mu.Lock()
	delete(k.userData, fd)
	k.mu.Unlock()

	var evs [2]unix.Kevent_t
	unix.SetKevent(&evs[0], fd, unix.EVFILT_READ, unix.EV_DELETE)
	unix.SetKevent(&evs[1], fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	// Either filter may never have been armed; ignore ENOENT per-filter by
	// submitting them independently.
	unix.Kevent(k.kq, evs[0:1], nil, nil)
	_, err := unix.Kevent(k.kq, evs[1:2], nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// SetBucketTimeout arms or disarms bucket's EVFILT_TIMER event.
func (k *Kqueue) SetBucketTimeout(bucket int, deadline time.Time, active bool) error {
	ident := bucketIdentBase + 2 + bucket
	var ev unix.Kevent_t
	if !active {
		unix.SetKevent(&ev, ident, unix.EVFILT_TIMER, unix.EV_DELETE)
		_, err := unix.Kevent(k.kq, []unix.Kevent_t{ev}, nil, nil)
		if err == unix.ENOENT {
			return nil
		}
		return err
	}
	ms := int64(time.Until(deadline) / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	unix.SetKevent(&ev, ident, unix.EVFILT_TIMER, unix.EV_ADD|unix.EV_ONESHOT)
	ev.Data = ms
	_, err := unix.Kevent(k.kq, []unix.Kevent_t{ev}, nil, nil)
	return err
}

// Interrupt triggers the EVFILT_USER event to wake one blocked worker.
func (k *Kqueue) Interrupt() error {
	var ev unix.Kevent_t
	unix.SetKevent(&ev, interruptIdent, unix.EVFILT_USER, unix.EV_ENABLE)
	ev.Fflags = unix.NOTE_TRIGGER
	_, err := unix.Kevent(k.kq, []unix.Kevent_t{ev}, nil, nil)
	return err
}

func (k *Kqueue) poll(dst []Event, timeout *unix.Timespec) (int, error) {
	if len(dst) > maxEvents {
		dst = dst[:maxEvents]
	}
	raw := make([]unix.Kevent_t, len(dst))
	n, err := unix.Kevent(k.kq, nil, raw, timeout)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	count := 0
	k.mu.Lock()
	for i := 0; i < n; i++ {
		ident := int(raw[i].Ident)
		switch {
		case ident == interruptIdent:
			continue
		case ident >= bucketIdentBase+2:
			dst[count] = Event{IsTimer: true, Bucket: ident - bucketIdentBase - 2}
			count++
		default:
			tag, ok := k.userData[ident]
			if !ok {
				continue
			}
			ev := Event{UserData: tag}
			if raw[i].Flags&unix.EV_EOF != 0 {
				ev.Err = unix.ECONNRESET
				ev.Readable = true
				ev.Writable = true
			} else if raw[i].Filter == unix.EVFILT_READ {
				ev.Readable = true
			} else if raw[i].Filter == unix.EVFILT_WRITE {
				ev.Writable = true
			}
			dst[count] = ev
			count++
		}
	}
	k.mu.Unlock()
	return count, nil
}

// Wait blocks until at least one event (or interrupt) is ready.
func (k *Kqueue) Wait(dst []Event) (int, error) {
	return k.poll(dst, nil)
}

// Check drains already-ready events without blocking.
func (k *Kqueue) Check(dst []Event) (int, error) {
	return k.poll(dst, &unix.Timespec{})
}

// Close releases the kqueue fd.
func (k *Kqueue) Close() error {
	return unix.Close(k.kq)
}

// New returns the platform reactor for this build: Kqueue on BSD/Darwin.
func New(numBuckets int) (Reactor, error) {
	return NewKqueue(numBuckets)
}
