package timers

import (
	"errors"
	"time"
	"unsafe"

	"github.com/xtaci/wisp/internal/waiter"
)

// NumBuckets is the default number of timer-bucket shards: a fixed
// power-of-two count, 64 by default.
const NumBuckets = 64

// ErrTimedOut is returned by Set.Wait once a deadline has genuinely
// elapsed.
var ErrTimedOut = errors.New("timers: timed out")

// ErrAgain is returned by Set.Wait when the caller was woken to run the
// bucket processor but its own timer had not yet expired (a spurious
// wake the caller must retry).
var ErrAgain = errors.New("timers: spurious wake, retry")

// Set is the process-wide sharded timer set. A waiter's deadline is routed
// to one of NumBuckets buckets by hashing its address, so contention on
// any single bucket's lock stays low even with many fibers sleeping at
// once.
type Set struct {
	buckets []*Bucket
}

// NewSet returns a Set of n buckets (NumBuckets if n < 1). rearm is
// invoked whenever any bucket's published minimum changes, with the
// bucket's index so the caller (normally the reactor) can reprogram that
// bucket's single outstanding OS-level timeout.
func NewSet(n int, rearm func(bucket int, deadline time.Time, active bool)) *Set {
	if n < 1 {
		n = NumBuckets
	}
	s := &Set{buckets: make([]*Bucket, n)}
	for i := range s.buckets {
		s.buckets[i] = NewBucket(i, rearm)
	}
	return s
}

// NumBuckets reports how many buckets this set was built with.
func (s *Set) NumBuckets() int { return len(s.buckets) }

// Bucket returns the bucket at index i, for reactor-driven timeout
// processing.
func (s *Set) Bucket(i int) *Bucket { return s.buckets[i] }

func (s *Set) bucketFor(addr uintptr) *Bucket {
	// Simple address mix: addresses are pointer-aligned, so shift off the
	// low zero bits before folding, or every waiter would land in bucket 0.
	h := uint64(addr) >> 4
	h ^= h >> 15
	h *= 0x2545f4914f6cdd1d
	return s.buckets[h%uint64(len(s.buckets))]
}

// Wait implements timed_wait(waiter, abs_time): it stages a timer in the
// bucket w hashes to, invokes park (the caller's ordinary, deadline-less
// park loop) to actually suspend the fiber, and on resume interprets the
// wake reason.
//
// requeue must make the calling fiber runnable again; it is passed through
// to whichever goroutine's Notify ends up claiming this timer's wakeup.
// deadline must be non-zero; callers with no deadline should call their
// ordinary indefinite park directly instead of going through Wait.
func (s *Set) Wait(w *waiter.Waiter, requeue func(), deadline time.Time, park func() waiter.Reason) (waiter.Reason, error) {
	w.Reset()

	b := s.bucketFor(uintptr(unsafe.Pointer(w)))
	t := &Timer{Deadline: deadline, Addr: uintptr(unsafe.Pointer(w))}
	t.Notify = func() {
		if waiter.Wake(w, waiter.TimedOutNoCheck) == waiter.SetAndWakeUp {
			requeue()
		}
	}
	t.WakeCheck = func() {
		if waiter.Wake(w, waiter.TimedOutCheck) == waiter.SetAndWakeUp {
			requeue()
		}
	}
	b.Add(t)

	reason := park()

	switch reason {
	case waiter.Ready:
		b.Remove(t)
		return waiter.Ready, nil
	case waiter.TimedOutNoCheck:
		// The bucket processor already popped and freed this timer.
		return waiter.TimedOutNoCheck, ErrTimedOut
	case waiter.TimedOutCheck:
		b.ProcessExpired(time.Now())
		if t.Expired {
			return waiter.TimedOutCheck, ErrTimedOut
		}
		return waiter.TimedOutCheck, ErrAgain
	default:
		return reason, nil
	}
}

// Trigger wakes the owner of bucket i's currently-published minimum timer
// with TimedOutCheck, handing that fiber responsibility for running
// ProcessExpired. It is called by the reactor when a bucket's single
// OS-level timeout fires. If the bucket is empty (the timer was removed
// between arming the OS timeout and it firing) this is a no-op.
func (s *Set) Trigger(i int) {
	b := s.buckets[i]
	b.mu.Lock()
	if len(b.h) == 0 {
		b.mu.Unlock()
		return
	}
	min := b.h[0]
	b.mu.Unlock()

	min.WakeCheck()
}
